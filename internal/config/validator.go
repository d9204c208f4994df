package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/foreman/internal/auth"
)

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.QueueCheckInterval <= 0 {
		return fmt.Errorf("service.queue_check_interval must be positive")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if err := validateBroker(cfg); err != nil {
		return err
	}

	if cfg.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if cfg.Monitor.TaskTimeout <= 0 {
		return fmt.Errorf("monitor.task_timeout must be positive")
	}
	if cfg.Monitor.HealthTimeout <= 0 {
		return fmt.Errorf("monitor.health_timeout must be positive")
	}

	if cfg.ERP.Enabled {
		u, err := url.Parse(cfg.ERP.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("erp.base_url must be an absolute http(s) URL (got %q)", cfg.ERP.BaseURL)
		}
		if name, ok := unresolvedEnv(cfg.ERP.Token); ok {
			return fmt.Errorf("erp.token: environment variable ${%s} is not set", name)
		}
	}

	if err := validateAPI(cfg); err != nil {
		return err
	}

	if cfg.Simulation.Enabled {
		if len(cfg.Simulation.Robots) == 0 {
			return fmt.Errorf("simulation.robots must list at least one topic when simulation is enabled")
		}
		if cfg.Simulation.WorkDuration < 0 {
			return fmt.Errorf("simulation.work_duration must not be negative")
		}
		if cfg.Simulation.FailEvery < 0 {
			return fmt.Errorf("simulation.fail_every must not be negative")
		}
	}
	return nil
}

func validateBroker(cfg *Config) error {
	b := cfg.Broker
	switch b.Driver {
	case BrokerNATS:
		if b.URL == "" {
			return fmt.Errorf("broker.url is required for the nats driver")
		}
		if name, ok := unresolvedEnv(b.Password); ok {
			return fmt.Errorf("broker.password: environment variable ${%s} is not set", name)
		}
		if name, ok := unresolvedEnv(b.Token); ok {
			return fmt.Errorf("broker.token: environment variable ${%s} is not set", name)
		}
	case BrokerMemory:
		if !cfg.Simulation.Enabled {
			return fmt.Errorf("broker.driver memory requires simulation.enabled; no external robot can reach it")
		}
	default:
		return fmt.Errorf("broker.driver must be nats or memory (got %q)", b.Driver)
	}
	if b.ConnectTimeout <= 0 || b.ReconnectWait <= 0 || b.PublishTimeout <= 0 {
		return fmt.Errorf("broker timeouts must be positive")
	}
	if b.MaxReconnectAttempts() < -1 {
		return fmt.Errorf("broker.max_reconnects must be -1 (unlimited) or greater")
	}
	if b.BufferSize <= 0 {
		return fmt.Errorf("broker.buffer_size must be positive")
	}
	return nil
}

func validateAPI(cfg *Config) error {
	if !cfg.API.Enabled {
		return nil
	}
	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
		return fmt.Errorf("api.auth requires api_key or tokens when the API is enabled")
	}
	if name, ok := unresolvedEnv(cfg.API.Auth.APIKey); ok {
		return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", name)
	}
	for i, tok := range cfg.API.Auth.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is required", i)
		}
		if name, ok := unresolvedEnv(tok.Token); ok {
			return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, name)
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
		for _, scope := range tok.Scopes {
			if !auth.KnownScope(scope) {
				return fmt.Errorf("api.auth.tokens[%d]: unknown scope %q", i, scope)
			}
		}
	}
	return nil
}

// Integrity states reported by Check.
const (
	IntegrityVerified = "verified"
	IntegrityUnlocked = "unlocked"
	IntegrityFailed   = "failed"
)

// CheckReport is the result of Check.
type CheckReport struct {
	Path      string
	Valid     bool
	Integrity string
	Errors    []string
	Warnings  []string
}

// Check validates the config at configPath without starting anything. It
// reports integrity and validation problems side by side rather than
// stopping at the first.
func Check(configPath string) *CheckReport {
	report := &CheckReport{Path: configPath}

	absPath, err := ResolvePath(configPath)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}
	report.Path = absPath

	switch err := verifyConfigHash(absPath); {
	case err == nil:
		if _, lerr := LoadChecksums(filepath.Dir(absPath)); errors.Is(lerr, ErrNoChecksums) {
			report.Integrity = IntegrityUnlocked
			report.Warnings = append(report.Warnings, "no .checksums manifest; run 'foreman config lock' to pin this file")
		} else {
			report.Integrity = IntegrityVerified
		}
	default:
		report.Integrity = IntegrityFailed
		report.Errors = append(report.Errors, err.Error())
	}

	cfg, err := parseFile(absPath)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}
	if err := validate(cfg); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	if !cfg.ERP.Enabled {
		report.Warnings = append(report.Warnings, "erp disabled; order outcomes will not be reported")
	}
	if cfg.API.Enabled && cfg.API.Auth.APIKey != "" {
		report.Warnings = append(report.Warnings, "api.auth.api_key grants full access; prefer scoped tokens")
	}
	if cfg.Broker.Driver == BrokerNATS && strings.HasPrefix(cfg.Broker.URL, "nats://") && cfg.Broker.Token == "" && cfg.Broker.Username == "" {
		report.Warnings = append(report.Warnings, "broker connection is unauthenticated")
	}

	report.Valid = len(report.Errors) == 0
	return report
}
