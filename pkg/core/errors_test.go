package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"auth", NewAuthError("bad key"), KindAuth},
		{"framing", NewFramingError("odd length"), KindFraming},
		{"wrapped device", fmt.Errorf("open mic: %w", NewError(KindDeviceBusy, "in use")), KindDeviceBusy},
		{"plain error", errors.New("boom"), ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrKind(tt.err); got != tt.want {
				t.Errorf("ErrKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsKind(t *testing.T) {
	err := NewConnectError("dial failed", errors.New("refused"))
	if !IsKind(err, KindConnect) {
		t.Error("expected KindConnect match")
	}
	if IsKind(err, KindAuth) {
		t.Error("unexpected KindAuth match")
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("refused")
	err := NewConnectError("dial failed", inner)
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped error")
	}
}

func TestErrorString(t *testing.T) {
	err := NewError(KindDeviceBusy, "in use")
	if got := err.Error(); got != "device_busy: in use" {
		t.Errorf("Error() = %q", got)
	}
	wrapped := WrapError(KindConnect, "dial", errors.New("refused"))
	if got := wrapped.Error(); got != "connect_error: dial: refused" {
		t.Errorf("Error() = %q", got)
	}
}

func TestDeviceKindsHaveDistinctRemedies(t *testing.T) {
	kinds := []Kind{KindPermissionDenied, KindDeviceNotFound, KindDeviceBusy, KindInsecureContext}
	seen := make(map[string]Kind)
	for _, k := range kinds {
		remedy := k.Remedy()
		if remedy == "" {
			t.Errorf("kind %q has no remedy", k)
			continue
		}
		if prev, dup := seen[remedy]; dup {
			t.Errorf("kinds %q and %q share remedy %q", prev, k, remedy)
		}
		seen[remedy] = k
	}
}
