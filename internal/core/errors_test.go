package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{nil, ExitOK},
		{errors.New("plain"), ExitRuntime},
		{WrapError(KindConfig, "load config", errors.New("bad")), ExitConfig},
		{fmt.Errorf("outer: %w", WrapError(KindConfig, "validate", nil)), ExitConfig},
		{WrapError(KindUsage, "flags", errors.New("unknown flag")), ExitUsage},
		{WrapError(KindFatal, "handle task", errors.New("lost")), ExitRuntime},
	}

	for _, test := range tests {
		if got := ExitCode(test.err); got != test.expected {
			t.Fatalf("exit code for %v expected %d got %d", test.err, test.expected, got)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("session: %w", WrapError(KindTransport, "connect", cause))

	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if !IsKind(err, KindTransport) {
		t.Fatalf("expected transport kind, got %s", KindOf(err))
	}
	if err.Error() != "session: connect: connection refused" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
