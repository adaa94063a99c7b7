package monitoring

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

const maxBodyBytes = 64 * 1024

type httpProbe struct {
	config  HTTPProbeConfig
	client  *http.Client
	timeout time.Duration
}

func newHTTPProbe(config HTTPProbeConfig, timeout time.Duration) *httpProbe {
	return &httpProbe{
		config:  config,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
			// Readiness endpoints answer directly; a redirect is reported as its own status.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p *httpProbe) Check(ctx context.Context) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	method := p.config.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, p.config.URL, nil)
	if err != nil {
		return ProbeResult{Outcome: OutcomeError, Message: fmt.Sprintf("invalid request: %v", err)}
	}
	for key, value := range p.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{Outcome: OutcomeDown, Message: fmt.Sprintf("%s unreachable: %v", p.config.URL, unwrapURLError(err))}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return ProbeResult{Outcome: OutcomeDown, Message: fmt.Sprintf("reading response: %v", err)}
	}
	result := ProbeResult{Output: string(body)}
	if payload, ok := parseJSON(body); ok {
		result.Payload = payload
	}

	if !p.statusMatches(resp.StatusCode) {
		result.Outcome = OutcomeUnhealthy
		result.Message = fmt.Sprintf("HTTP status %d", resp.StatusCode)
		return result
	}
	if p.config.JSONField != "" {
		return checkJSONField(result, p.config.JSONField, p.config.JSONValue)
	}
	result.Outcome = OutcomeHealthy
	result.Message = fmt.Sprintf("HTTP status %d", resp.StatusCode)
	return result
}

func (p *httpProbe) statusMatches(code int) bool {
	if p.config.ExpectStatus != 0 {
		return code == p.config.ExpectStatus
	}
	return code >= 200 && code < 300
}

func unwrapURLError(err error) error {
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

type tcpProbe struct {
	config  TCPProbeConfig
	timeout time.Duration
}

func (p *tcpProbe) address() string {
	if p.config.Port == 0 {
		return p.config.Address
	}
	return net.JoinHostPort(p.config.Address, strconv.Itoa(p.config.Port))
}

func (p *tcpProbe) Check(ctx context.Context) ProbeResult {
	address := p.address()
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return ProbeResult{Outcome: OutcomeDown, Message: fmt.Sprintf("%s unreachable: %v", address, err)}
	}
	conn.Close()
	return ProbeResult{Outcome: OutcomeHealthy, Message: fmt.Sprintf("%s accepting connections", address)}
}

type grpcProbe struct {
	config  GRPCProbeConfig
	timeout time.Duration
}

func (p *grpcProbe) Check(ctx context.Context) ProbeResult {
	conn, err := grpc.NewClient(p.config.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return ProbeResult{Outcome: OutcomeError, Message: fmt.Sprintf("invalid gRPC target: %v", err)}
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.config.Service})
	if err != nil {
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded:
			return ProbeResult{Outcome: OutcomeDown, Message: fmt.Sprintf("%s unreachable: %v", p.config.Address, status.Convert(err).Message())}
		case codes.NotFound:
			return ProbeResult{Outcome: OutcomeUnhealthy, Message: fmt.Sprintf("service %q unknown to health server", p.config.Service)}
		default:
			return ProbeResult{Outcome: OutcomeError, Message: fmt.Sprintf("health check RPC failed: %v", err)}
		}
	}

	output, _ := protojson.Marshal(resp)
	result := ProbeResult{
		Output:  string(output),
		Payload: map[string]interface{}{"status": resp.GetStatus().String()},
		Message: "gRPC status " + resp.GetStatus().String(),
	}
	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		result.Outcome = OutcomeHealthy
	} else {
		result.Outcome = OutcomeUnhealthy
	}
	return result
}
