// Package bootstrap runs the security bootstrapping handshakes with a
// freshly included node: the S2 key exchange and the legacy S0 network key
// transfer. Both run as a sequence of send/await steps, each bounded by its
// own timeout and by a single outstanding cancel signal.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/transport"
)

// Host sends commands to nodes and waits for their replies. A reply is
// expected before the command provoking it is sent.
type Host interface {
	SendCommand(ctx context.Context, nodeID uint16, cmd cc.Command, opts transport.SendOptions) error
	Expect(pred transport.Predicate) transport.Expectation
}

// FailureReason explains why a bootstrap did not grant the requested keys.
type FailureReason uint8

const (
	ReasonNone FailureReason = iota
	ReasonTimeout
	ReasonUserCanceled
	ReasonNodeCanceled
	ReasonParameterMismatch
	ReasonS2IncorrectPIN
	ReasonS2WrongSecurityLevel
	ReasonS0Downgrade
	ReasonNoKeysConfigured
	ReasonS2NoUserCallbacks
	ReasonUnknown
)

var reasonNames = map[FailureReason]string{
	ReasonNone:                 "None",
	ReasonTimeout:              "Timeout",
	ReasonUserCanceled:         "UserCanceled",
	ReasonNodeCanceled:         "NodeCanceled",
	ReasonParameterMismatch:    "ParameterMismatch",
	ReasonS2IncorrectPIN:       "S2IncorrectPIN",
	ReasonS2WrongSecurityLevel: "S2WrongSecurityLevel",
	ReasonS0Downgrade:          "S0Downgrade",
	ReasonNoKeysConfigured:     "NoKeysConfigured",
	ReasonS2NoUserCallbacks:    "S2NoUserCallbacks",
	ReasonUnknown:              "Unknown",
}

func (r FailureReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("FailureReason(%d)", uint8(r))
}

func (r FailureReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *FailureReason) UnmarshalText(b []byte) error {
	for k, v := range reasonNames {
		if v == string(b) {
			*r = k
			return nil
		}
	}
	return fmt.Errorf("unknown failure reason %q", b)
}

// Outcome is the result of one bootstrap. Granted always holds a definite
// value for every class. Warning is set on success when the result is
// weaker than the node could have had (S0Downgrade).
type Outcome struct {
	Success bool
	Granted security.Grants
	Reason  FailureReason
	Warning FailureReason
	DSK     *security.DSK
}

func failed(reason FailureReason) Outcome {
	return Outcome{Reason: reason}
}

// Grant is the user's answer to a grant request.
type Grant struct {
	Classes []security.Class
}

// GrantRequest asks which of the node's requested classes to grant.
type GrantRequest struct {
	NodeID  uint16
	Classes []security.Class
}

// UserCallbacks are the interactive decisions an S2 bootstrap needs.
// Returning an error from either call rejects the bootstrap.
type UserCallbacks interface {
	GrantSecurityClasses(ctx context.Context, req GrantRequest) (Grant, error)
	// ValidateDSKAndEnterPIN shows the DSK without its first group and
	// returns the five-digit PIN the user read off the device.
	ValidateDSKAndEnterPIN(ctx context.Context, nodeID uint16, dsk string) (string, error)
	// Abort tells the UI that a bootstrap in progress was abandoned.
	Abort(nodeID uint16)
}

var (
	errStepTimeout = errors.New("bootstrap: step timed out")
	// ErrRejected is returned by callbacks that decline a request.
	ErrRejected = errors.New("bootstrap: rejected by user")
)

// CanceledError is returned by a wait that lost to the cancel signal.
type CanceledError struct {
	Reason FailureReason
}

func (e *CanceledError) Error() string {
	return "bootstrap canceled: " + e.Reason.String()
}

// await waits up to window for exp, racing it against the cancel signal
// and ctx. exp is canceled on return, so a reply arriving after the
// window is dropped.
func await(ctx context.Context, exp transport.Expectation, window time.Duration, cancel <-chan FailureReason) (*cc.Received, error) {
	defer exp.Cancel()
	waitCtx, stop := context.WithCancel(ctx)
	defer stop()

	type result struct {
		rc  *cc.Received
		err error
	}
	done := make(chan result, 1)
	go func() {
		rc, err := exp.Wait(waitCtx)
		done <- result{rc, err}
	}()

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.rc, r.err
	case <-timer.C:
		return nil, errStepTimeout
	case reason := <-cancel:
		return nil, &CanceledError{Reason: reason}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// awaitUser runs a user callback bounded by window and the cancel signal.
// The callback's context is canceled as soon as awaitUser returns.
func awaitUser[T any](ctx context.Context, window time.Duration, cancel <-chan FailureReason, fn func(context.Context) (T, error)) (T, error) {
	cbCtx, stop := context.WithTimeout(ctx, window)
	defer stop()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cbCtx)
		done <- result{v, err}
	}()

	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-cbCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, errStepTimeout
	case reason := <-cancel:
		return zero, &CanceledError{Reason: reason}
	}
}

// reasonFor maps a wait error onto a failure reason.
func reasonFor(err error) FailureReason {
	var ce *CanceledError
	switch {
	case errors.As(err, &ce):
		return ce.Reason
	case errors.Is(err, errStepTimeout):
		return ReasonTimeout
	}
	return ReasonUnknown
}

func fromNode(nodeID uint16, match func(cc.Command) bool) transport.Predicate {
	return func(rc *cc.Received) bool {
		return rc.NodeID == nodeID && match(rc.Command)
	}
}
