package observability

import (
	"testing"

	"nodediag/internal/config"
	logx "nodediag/pkg/logx"
)

func TestSetupDisabledWithoutToken(t *testing.T) {
	t.Setenv("ROLLBAR_ACCESS_TOKEN", "")
	enabled, cleanup := Setup(config.RollbarConfig{}, "1.0.0", logx.Nop())
	if enabled {
		t.Fatal("Setup() enabled without a token")
	}
	if cleanup == nil {
		t.Fatal("Setup() returned nil cleanup")
	}
	cleanup()
}

func TestSetupDisabledWhenConfigOff(t *testing.T) {
	t.Setenv("ROLLBAR_ACCESS_TOKEN", "")
	// A config token alone must not enable reporting.
	enabled, cleanup := Setup(config.RollbarConfig{Token: "tok"}, "1.0.0", logx.Nop())
	if enabled {
		t.Fatal("Setup() enabled with config disabled")
	}
	cleanup()
}

func TestCapturePanicRethrows(t *testing.T) {
	defer func() {
		if rec := recover(); rec == nil {
			t.Fatal("panic was swallowed")
		}
	}()
	func() {
		defer CapturePanic(logx.Nop(), false)()
		panic("boom")
	}()
}
