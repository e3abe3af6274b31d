package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/transport"
)

// DefaultS0Timeout is the budget shared by all steps of an S0 bootstrap.
const DefaultS0Timeout = 10 * time.Second

// S0 transfers the S0 network key to a node.
type S0 struct {
	host    Host
	keys    *security.KeyStore
	timeout time.Duration
	logger  *slog.Logger
}

func NewS0(host Host, keys *security.KeyStore, timeout time.Duration, logger *slog.Logger) *S0 {
	if timeout <= 0 {
		timeout = DefaultS0Timeout
	}
	return &S0{host: host, keys: keys, timeout: timeout, logger: logger.With("component", "s0")}
}

// S0Request is one S0 bootstrap. InheritScheme asks a joining controller
// to adopt our scheme after the key transfer.
type S0Request struct {
	NodeID        uint16
	InheritScheme bool
	Cancel        <-chan FailureReason
}

// Bootstrap runs the key transfer. On failure every class is reported as
// not granted.
func (b *S0) Bootstrap(ctx context.Context, req S0Request) (out Outcome) {
	node := req.NodeID
	log := b.logger.With("node", node)
	defer func() {
		b.keys.DeleteNonce(node)
		if out.Success {
			log.Info("S0 bootstrap complete")
		} else {
			log.Warn("S0 bootstrap failed", "reason", out.Reason)
		}
	}()

	key, err := b.keys.NetworkKey(security.ClassS0Legacy)
	if err != nil {
		return failed(ReasonNoKeysConfigured)
	}

	deadline := time.Now().Add(b.timeout)
	step := func(name string, cmd cc.Command, sec security.Class, match func(*cc.Received) bool) (*cc.Received, FailureReason) {
		exp := b.host.Expect(func(rc *cc.Received) bool {
			return rc.NodeID == node && match(rc)
		})
		if err := b.host.SendCommand(ctx, node, cmd, transport.SendOptions{Security: sec}); err != nil {
			exp.Cancel()
			log.Warn("send failed", "step", name, "err", err)
			return nil, ReasonUnknown
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			exp.Cancel()
			return nil, ReasonTimeout
		}
		rc, err := await(ctx, exp, remaining, req.Cancel)
		if err != nil {
			log.Debug("wait failed", "step", name, "err", err)
			return nil, reasonFor(err)
		}
		return rc, ReasonNone
	}

	// The scheme report content is not used; only scheme 0 exists.
	if _, reason := step("scheme", &cc.S0SchemeGet{}, security.ClassNone, func(rc *cc.Received) bool {
		_, ok := rc.Command.(*cc.S0SchemeReport)
		return ok
	}); reason != ReasonNone {
		return failed(reason)
	}

	rc, reason := step("nonce", &cc.S0NonceGet{}, security.ClassNone, func(rc *cc.Received) bool {
		_, ok := rc.Command.(*cc.S0NonceReport)
		return ok
	})
	if reason != ReasonNone {
		return failed(reason)
	}
	nonce := rc.Command.(*cc.S0NonceReport).Nonce
	b.keys.SetNonce(node, nonce[:])

	// Sent under the all-zero temporary key; the node answers with the
	// real one.
	if _, reason := step("key", &cc.S0NetworkKeySet{Key: key}, security.ClassTemporary, func(rc *cc.Received) bool {
		_, ok := rc.Command.(*cc.S0NetworkKeyVerify)
		return ok && rc.Security == security.ClassS0Legacy
	}); reason != ReasonNone {
		return failed(reason)
	}

	if req.InheritScheme {
		if _, reason := step("inherit", &cc.S0SchemeInherit{}, security.ClassS0Legacy, func(rc *cc.Received) bool {
			_, ok := rc.Command.(*cc.S0SchemeReport)
			return ok && rc.Security == security.ClassS0Legacy
		}); reason != ReasonNone {
			return failed(reason)
		}
	}

	return Outcome{Success: true, Granted: security.NewGrants(security.ClassS0Legacy)}
}
