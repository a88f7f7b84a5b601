package aerr

import (
	"errors"
	"testing"
)

func TestIsAbort(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
		want bool
	}{
		{"misuse", &Misuse{Msg: "bad flag"}, true},
		{"environment", &Environment{Op: "enumerate", Err: errors.New("boom")}, true},
		{"validation", &Validation{Namespace: "ns", Msg: "bad"}, false},
		{"integrity", &Integrity{Key: 1, Msg: "crc mismatch"}, false},
		{"fatalio", &FatalIO{Op: "write", Key: 1, Err: errors.New("boom")}, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAbort(tt.err); got != tt.want {
				t.Errorf("IsAbort(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestEnvironmentUnwrap(t *testing.T) {
	inner := errors.New("enoent")
	err := &Environment{Op: "open", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should see through Environment.Unwrap")
	}
}

func TestFatalIOUnwrap(t *testing.T) {
	inner := errors.New("eio")
	err := &FatalIO{Op: "pwrite", Key: 0xAE001000, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should see through FatalIO.Unwrap")
	}
}
