package apperr

import (
	"errors"
	"testing"
)

func TestExitCodes(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{EnvUnsupported, 3},
		{EnvMissingDep, 3},
		{EnvMissingCapability, 3},
		{NoMarkBackend, 3},
		{ConfigInvalid, 2},
		{NetlinkRequestFailed, 4},
		{TunOpenFailed, 4},
		{MarkInstallFailed, 4},
		{FirewallInstallFailed, 4},
		{TunIOFailed, 5},
		{StackPanic, 5},
	}
	for _, c := range cases {
		err := New(c.kind, nil)
		if got := err.ExitCode(); got != c.want {
			t.Errorf("Kind(%s).ExitCode() = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := New(TunOpenFailed, inner)
	if !errors.Is(err, inner) {
		t.Errorf("errors.Is(err, inner) = false, want true")
	}
	if err.Error() != "tun-open-failed: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestAsAppError(t *testing.T) {
	var err error = Wrap(ConfigInvalid, "bad cidr %q", "10.0.0.0/40")
	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatal("errors.As failed to match *AppError")
	}
	if appErr.ExitCode() != 2 {
		t.Errorf("ExitCode() = %d, want 2", appErr.ExitCode())
	}
}
