package services

import (
	"time"
)

// ServiceStatus is the lifecycle state of a service within one invocation.
type ServiceStatus string

const (
	StatusUnknown  ServiceStatus = "unknown"
	StatusStarting ServiceStatus = "starting"
	StatusHealthy  ServiceStatus = "healthy"
	StatusFailed   ServiceStatus = "failed"
	StatusStopped  ServiceStatus = "stopped"
)

// ServiceHandle is the runtime view of one service. Handles are created fresh
// for every invocation; nothing about them is persisted except the PidRecord.
type ServiceHandle struct {
	Service    *ManagedService
	Status     ServiceStatus
	PID        int
	StartedAt  time.Time
	Elapsed    time.Duration
	LastOutput string
	// AlreadyRunning is set when the service was found healthy and not launched.
	AlreadyRunning bool
	Err            error
}

func NewServiceHandle(svc *ManagedService) *ServiceHandle {
	return &ServiceHandle{
		Service: svc,
		Status:  StatusUnknown,
	}
}

func (h *ServiceHandle) Name() string {
	return h.Service.Name
}

// Fail marks the handle failed with err.
func (h *ServiceHandle) Fail(err error) {
	h.Status = StatusFailed
	h.Err = err
}
