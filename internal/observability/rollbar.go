// Package observability wires crash reporting for the agent.
package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/rollbar/rollbar-go"

	"nodediag/internal/config"
	logx "nodediag/pkg/logx"
)

// Setup configures the Rollbar SDK from config, with environment
// variables taking precedence (ROLLBAR_ACCESS_TOKEN,
// ROLLBAR_ENVIRONMENT, ROLLBAR_CODE_VERSION). It returns whether
// reporting is enabled and a cleanup that flushes pending items.
func Setup(cfg config.RollbarConfig, version string, log logx.Logger) (bool, func()) {
	if log.IsZero() {
		log = logx.Nop()
	}

	token := strings.TrimSpace(os.Getenv("ROLLBAR_ACCESS_TOKEN"))
	fromEnv := token != ""
	if token == "" {
		token = strings.TrimSpace(cfg.Token)
	}
	// An env token implies intent to enable even when config says off.
	if token == "" || (!cfg.Enabled && !fromEnv) {
		rollbar.SetEnabled(false)
		log.Debug("rollbar disabled")
		return false, func() {}
	}

	rollbar.SetEnabled(true)
	rollbar.SetToken(token)

	env := strings.TrimSpace(os.Getenv("ROLLBAR_ENVIRONMENT"))
	if env == "" {
		env = strings.TrimSpace(cfg.Environment)
	}
	if env == "" {
		env = "production"
	}
	rollbar.SetEnvironment(env)

	codeVersion := strings.TrimSpace(os.Getenv("ROLLBAR_CODE_VERSION"))
	if codeVersion == "" {
		codeVersion = strings.TrimSpace(cfg.CodeVersion)
	}
	if codeVersion == "" {
		codeVersion = version
	}
	if codeVersion != "" {
		rollbar.SetCodeVersion(codeVersion)
	}

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		rollbar.SetServerHost(hostname)
	}
	rollbar.SetCaptureIp(rollbar.CaptureIpAnonymize)

	log.Info("rollbar enabled", logx.String("environment", env))
	return true, func() {
		rollbar.Wait()
	}
}

// CapturePanic reports a panic before re-raising it. Defer the returned
// function at the top of main.
func CapturePanic(log logx.Logger, enabled bool) func() {
	if !enabled {
		return func() {}
	}
	return func() {
		if rec := recover(); rec != nil {
			switch err := rec.(type) {
			case error:
				rollbar.Critical(err)
			default:
				rollbar.Critical(fmt.Errorf("panic: %v", rec))
			}
			rollbar.Wait()
			log.Error("panic captured", logx.Any("panic", rec))
			panic(rec)
		}
	}
}

// Critical forwards a fatal error to rollbar. A no-op when disabled.
func Critical(err error) {
	if err == nil {
		return
	}
	rollbar.Critical(err)
}
