package rdma

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestFatalErrorMessage(t *testing.T) {
	cause := errors.New("underlying")
	err := &FatalError{Class: FaultTransport, Rank: 3, Reason: "oob exchange failed", Err: cause}
	if got := err.Error(); got == "" {
		t.Fatalf("Error() returned empty string")
	}
	if !errors.Is(err, cause) && errors.Unwrap(err) != cause {
		t.Fatalf("Unwrap did not return the wrapped cause")
	}
}

func TestFatalErrorMessageWithoutCause(t *testing.T) {
	err := &FatalError{Class: FaultConfiguration, Rank: 0, Reason: "bad config"}
	if got := err.Error(); got == "" {
		t.Fatalf("Error() returned empty string")
	}
	if err.Unwrap() != nil {
		t.Fatalf("Unwrap of a causeless FatalError should be nil")
	}
}

func TestFaultClassString(t *testing.T) {
	cases := map[FaultClass]string{
		FaultConfiguration: "configuration",
		FaultAddress:       "address",
		FaultTransport:     "transport",
		FaultClass(99):     "unknown",
	}
	for class, want := range cases {
		if got := class.String(); got != want {
			t.Errorf("FaultClass(%d).String() = %q, want %q", class, got, want)
		}
	}
}

func TestFatalInvokesFatalExit(t *testing.T) {
	prev := fatalExit
	defer func() { fatalExit = prev }()

	var captured *FatalError
	fatalExit = func(logger *zap.Logger, err *FatalError) {
		captured = err
	}

	fatal(zap.NewNop(), 5, FaultAddress, "bad address", nil)
	if captured == nil {
		t.Fatalf("fatalExit was not invoked")
	}
	if captured.Class != FaultAddress || captured.Rank != 5 || captured.Reason != "bad address" {
		t.Fatalf("unexpected captured error: %+v", captured)
	}
}
