package monitoring

import (
	"net/url"

	"github.com/cai-cerberus/bootseq/pkg/errors"
	"github.com/cai-cerberus/bootseq/pkg/process"
)

func ValidateProbeConfig(config ProbeConfig) error {
	if config.Timeout < 0 {
		return errors.NewValidationError("probe timeout cannot be negative", nil)
	}

	switch config.Type {
	case ProbeTypeHTTP:
		if config.HTTP.URL == "" {
			return errors.NewValidationError("HTTP probe URL is required", nil)
		}
		u, err := url.Parse(config.HTTP.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.NewValidationError("HTTP probe URL must be an absolute http(s) URL", err).WithContext("url", config.HTTP.URL)
		}
		if config.HTTP.ExpectStatus != 0 && (config.HTTP.ExpectStatus < 100 || config.HTTP.ExpectStatus > 599) {
			return errors.NewValidationError("invalid expected HTTP status", nil).WithContext("expect_status", config.HTTP.ExpectStatus)
		}
	case ProbeTypeTCP:
		if config.TCP.Address == "" {
			return errors.NewValidationError("TCP probe address is required", nil)
		}
		if config.TCP.Port < 0 || config.TCP.Port > 65535 {
			return errors.NewValidationError("invalid TCP probe port", nil).WithContext("port", config.TCP.Port)
		}
	case ProbeTypeGRPC:
		if config.GRPC.Address == "" {
			return errors.NewValidationError("gRPC probe address is required", nil)
		}
	case ProbeTypeExec:
		if err := process.ValidateCommandSpec(config.Exec.CommandSpec); err != nil {
			return errors.NewValidationError("invalid exec probe command", err)
		}
		for _, code := range config.Exec.DownExitCodes {
			if code <= 0 || code == 126 || code == 127 || code > 255 {
				return errors.NewValidationError("invalid exec probe down exit code", nil).WithContext("exit_code", code)
			}
		}
		if len(config.Exec.DownJSONValues) > 0 && config.Exec.JSONField == "" {
			return errors.NewValidationError("down_json_values requires json_field", nil)
		}
	case ProbeTypeProcess, ProbeTypeCompose:
	case "":
		return errors.NewValidationError("probe type is required", nil)
	default:
		return errors.NewValidationError("unknown probe type", nil).WithContext("type", string(config.Type))
	}

	if config.Type != ProbeTypeHTTP && config.Type != ProbeTypeExec {
		if config.HTTP.JSONField != "" || config.Exec.JSONField != "" {
			return errors.NewValidationError("json_field is only supported by http and exec probes", nil)
		}
	}
	return nil
}
