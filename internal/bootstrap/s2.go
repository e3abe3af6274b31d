package bootstrap

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"slices"
	"time"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/transport"
)

// Timeouts bounds each S2 step. TA* wait for the node, TAI* for the user.
type Timeouts struct {
	TA1  time.Duration `yaml:"ta1"`
	TA2  time.Duration `yaml:"ta2"`
	TA3  time.Duration `yaml:"ta3"`
	TA4  time.Duration `yaml:"ta4"`
	TA5  time.Duration `yaml:"ta5"`
	TAI1 time.Duration `yaml:"tai1"`
	TAI2 time.Duration `yaml:"tai2"`
}

// DefaultTimeouts returns the timeouts of the S2 inclusion procedure.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		TA1:  10 * time.Second,
		TA2:  10 * time.Second,
		TA3:  10 * time.Second,
		TA4:  10 * time.Second,
		TA5:  10 * time.Second,
		TAI1: 240 * time.Second,
		TAI2: 240 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultTimeouts.
func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	for _, p := range []struct{ v, def *time.Duration }{
		{&t.TA1, &d.TA1}, {&t.TA2, &d.TA2}, {&t.TA3, &d.TA3}, {&t.TA4, &d.TA4},
		{&t.TA5, &d.TA5}, {&t.TAI1, &d.TAI1}, {&t.TAI2, &d.TAI2},
	} {
		if *p.v <= 0 {
			*p.v = *p.def
		}
	}
	return t
}

// S2 runs the S2 key exchange as the including controller.
type S2 struct {
	host     Host
	keys     *security.KeyStore
	timeouts Timeouts
	rand     io.Reader
	logger   *slog.Logger
}

// NewS2 creates an S2 bootstrapper. Zero timeouts take their defaults.
func NewS2(host Host, keys *security.KeyStore, timeouts Timeouts, logger *slog.Logger) *S2 {
	return &S2{
		host:     host,
		keys:     keys,
		timeouts: timeouts.withDefaults(),
		rand:     rand.Reader,
		logger:   logger.With("component", "s2"),
	}
}

// S2Request is one S2 bootstrap.
type S2Request struct {
	NodeID    uint16
	Callbacks UserCallbacks
	Cancel    <-chan FailureReason
}

type s2Run struct {
	*S2
	ctx    context.Context
	req    S2Request
	node   uint16
	log    *slog.Logger
	secure bool // temp key installed
}

// Bootstrap runs the exchange to completion. The temporary key and nonce
// state for the node are erased on every exit path.
func (b *S2) Bootstrap(ctx context.Context, req S2Request) (out Outcome) {
	r := &s2Run{S2: b, ctx: ctx, req: req, node: req.NodeID, log: b.logger.With("node", req.NodeID)}
	defer func() {
		b.keys.DeleteTempKey(r.node)
		b.keys.DeleteNonce(r.node)
		if !out.Success && req.Callbacks != nil {
			req.Callbacks.Abort(r.node)
		}
		if out.Success {
			r.log.Info("S2 bootstrap complete", "granted", out.Granted.String())
		} else {
			r.log.Warn("S2 bootstrap failed", "reason", out.Reason)
		}
	}()
	if req.Callbacks == nil {
		return failed(ReasonS2NoUserCallbacks)
	}
	return r.run()
}

func (r *s2Run) send(cmd cc.Command) error {
	opts := transport.SendOptions{Security: security.ClassNone}
	if r.secure {
		opts.Security = security.ClassTemporary
	}
	return r.host.SendCommand(r.ctx, r.node, cmd, opts)
}

// abort tells the node why we give up and returns the failure.
func (r *s2Run) abort(kind cc.KEXFailType, reason FailureReason) Outcome {
	if err := r.send(&cc.S2KEXFail{Type: kind}); err != nil {
		r.log.Warn("send KEXFail", "err", err)
	}
	r.log.Debug("aborting key exchange", "kex_fail", kind, "reason", reason)
	return failed(reason)
}

// waitFailed maps a failed wait. Cancellations are reported to the node,
// plain timeouts are not.
func (r *s2Run) waitFailed(step string, err error) Outcome {
	reason := reasonFor(err)
	r.log.Debug("wait failed", "step", step, "err", err)
	if _, canceled := err.(*CanceledError); canceled {
		return r.abort(cc.KEXFailBootstrappingCanceled, reason)
	}
	return failed(reason)
}

// userFailed maps a failed user call-out. Anything but an explicit cancel
// reason counts as the user declining.
func (r *s2Run) userFailed(step string, err error) Outcome {
	reason := ReasonUserCanceled
	if ce, ok := err.(*CanceledError); ok {
		reason = ce.Reason
	}
	r.log.Debug("user step failed", "step", step, "err", err)
	return r.abort(cc.KEXFailBootstrappingCanceled, reason)
}

// sendError marks a step whose command never went out.
type sendError struct{ err error }

func (e *sendError) Error() string { return "send: " + e.err.Error() }

func (r *s2Run) expect(match func(cc.Command) bool) transport.Expectation {
	return r.host.Expect(fromNode(r.node, match))
}

// exchange sends cmd and waits up to window for the node's answer. The
// answer is expected before cmd goes out.
func (r *s2Run) exchange(cmd cc.Command, window time.Duration, match func(cc.Command) bool) (*cc.Received, error) {
	exp := r.expect(match)
	if err := r.send(cmd); err != nil {
		exp.Cancel()
		return nil, &sendError{err}
	}
	return await(r.ctx, exp, window, r.req.Cancel)
}

// stepFailed maps a failed exchange. Send failures end the bootstrap
// without telling the node.
func (r *s2Run) stepFailed(step string, err error) Outcome {
	var se *sendError
	if errors.As(err, &se) {
		r.log.Warn("send failed", "step", step, "err", se.err)
		return failed(ReasonUnknown)
	}
	return r.waitFailed(step, err)
}

func isKEXFail(c cc.Command) bool {
	_, ok := c.(*cc.S2KEXFail)
	return ok
}

func isUndecryptable(c cc.Command) bool {
	_, ok := c.(*cc.UndecryptableFrame)
	return ok
}

func (r *s2Run) run() Outcome {
	// 1. Learn what the node wants.
	rc, err := r.exchange(&cc.S2KEXGet{}, r.timeouts.TA1, func(c cc.Command) bool {
		_, ok := c.(*cc.S2KEXReport)
		return ok || isKEXFail(c)
	})
	if err != nil {
		return r.stepFailed("KEXReport", err)
	}
	if isKEXFail(rc.Command) {
		return failed(ReasonNodeCanceled)
	}
	report := rc.Command.(*cc.S2KEXReport)
	switch {
	case report.Echo:
		return r.abort(cc.KEXFailBootstrappingCanceled, ReasonParameterMismatch)
	case report.RequestCSA:
		// Client-side authentication is never offered.
		return r.abort(cc.KEXFailBootstrappingCanceled, ReasonParameterMismatch)
	case !slices.Equal(report.SupportedSchemes, []cc.KEXScheme{cc.KEXScheme1}):
		return r.abort(cc.KEXFailNoSupportedScheme, ReasonParameterMismatch)
	case !slices.Equal(report.SupportedCurves, []cc.ECDHProfile{cc.ECDHCurve25519}):
		return r.abort(cc.KEXFailNoSupportedCurve, ReasonParameterMismatch)
	case len(report.RequestedKeys) == 0:
		return r.abort(cc.KEXFailNoKeyMatch, ReasonParameterMismatch)
	}

	// 2. Ask the user which of the requested classes to grant.
	grant, err := awaitUser(r.ctx, r.timeouts.TAI1, r.req.Cancel, func(ctx context.Context) (Grant, error) {
		return r.req.Callbacks.GrantSecurityClasses(ctx, GrantRequest{
			NodeID:  r.node,
			Classes: slices.Clone(report.RequestedKeys),
		})
	})
	if err != nil {
		return r.userFailed("grant", err)
	}
	var granted []security.Class
	for _, c := range report.RequestedKeys {
		if slices.Contains(grant.Classes, c) {
			granted = append(granted, c)
		}
	}
	if len(granted) == 0 {
		return r.abort(cc.KEXFailBootstrappingCanceled, ReasonUserCanceled)
	}
	for _, c := range granted {
		if !r.keys.HasKey(c) {
			r.log.Warn("no network key configured", "class", c)
			return r.abort(cc.KEXFailNoKeyMatch, ReasonNoKeysConfigured)
		}
	}

	// 3. Exchange public keys.
	kexSet := &cc.S2KEXSet{
		SelectedScheme: cc.KEXScheme1,
		SelectedCurve:  cc.ECDHCurve25519,
		GrantedKeys:    granted,
	}
	rc, err = r.exchange(kexSet, r.timeouts.TA2, func(c cc.Command) bool {
		pk, ok := c.(*cc.S2PublicKeyReport)
		return (ok && !pk.IncludingNode) || isKEXFail(c)
	})
	if err != nil {
		return r.stepFailed("PublicKeyReport", err)
	}
	if isKEXFail(rc.Command) {
		return failed(ReasonNodeCanceled)
	}
	nodePub := rc.Command.(*cc.S2PublicKeyReport).PublicKey
	taiStart := time.Now()

	kp, err := security.GenerateKeyPair(r.rand)
	if err != nil {
		r.log.Error("generate key pair", "err", err)
		return r.abort(cc.KEXFailBootstrappingCanceled, ReasonUnknown)
	}
	// The node starts its own retry timer once it has sent its key.
	if err := r.send(&cc.S2PublicKeyReport{IncludingNode: true, PublicKey: kp.Public}); err != nil {
		r.log.Warn("send PublicKeyReport", "err", err)
		return failed(ReasonUnknown)
	}

	pinEntered := false
	if needsPIN(granted) {
		shown := security.DSKFromPublicKey(nodePub).WithoutPIN()
		window := r.timeouts.TAI2 - time.Since(taiStart)
		pin, err := awaitUser(r.ctx, window, r.req.Cancel, func(ctx context.Context) (string, error) {
			return r.req.Callbacks.ValidateDSKAndEnterPIN(ctx, r.node, shown)
		})
		if err != nil {
			return r.userFailed("pin", err)
		}
		if err := security.ApplyPIN(&nodePub, pin); err != nil {
			return r.abort(cc.KEXFailBootstrappingCanceled, ReasonS2IncorrectPIN)
		}
		pinEntered = true
	}

	// 4. Derive and install the temporary key.
	secret, err := kp.SharedSecret(nodePub)
	if err != nil {
		r.log.Warn("shared secret", "err", err)
		return r.abort(cc.KEXFailBootstrappingCanceled, ReasonUnknown)
	}
	prk := security.ComputePRK(secret, kp.Public, nodePub)
	r.keys.DeleteNonce(r.node)
	r.keys.SetTempKey(r.node, security.DeriveTempKey(prk))
	r.secure = true

	// 5. The node echoes our KEXSet under the temporary key.
	echoExp := r.expect(func(c cc.Command) bool {
		_, ok := c.(*cc.S2KEXSet)
		return ok || isKEXFail(c) || isUndecryptable(c)
	})
	rc, err = await(r.ctx, echoExp, r.timeouts.TA3, r.req.Cancel)
	if err != nil {
		if reasonFor(err) == ReasonTimeout && pinEntered {
			return r.abort(cc.KEXFailDecrypt, ReasonS2IncorrectPIN)
		}
		return r.waitFailed("KEXSet echo", err)
	}
	if isKEXFail(rc.Command) {
		return failed(ReasonNodeCanceled)
	}
	if isUndecryptable(rc.Command) || rc.Security != security.ClassTemporary {
		return r.abort(cc.KEXFailDecrypt, ReasonS2IncorrectPIN)
	}
	echo := rc.Command.(*cc.S2KEXSet)
	if !echo.Echo || !slices.Equal(echo.GrantedKeys, granted) || echo.PermitCSA {
		return r.abort(cc.KEXFailWrongSecurityLevel, ReasonS2WrongSecurityLevel)
	}
	isKeyGet := func(c cc.Command) bool {
		_, ok := c.(*cc.S2NetworkKeyGet)
		return ok || isKEXFail(c) || isUndecryptable(c)
	}
	isVerify := func(c cc.Command) bool {
		_, ok := c.(*cc.S2NetworkKeyVerify)
		return ok || isKEXFail(c) || isUndecryptable(c)
	}

	// 6. Deliver each granted key once. The first request answers our
	// KEXReport echo, later ones our TransferEnd.
	var next cc.Command = &cc.S2KEXReport{
		Echo:             true,
		SupportedSchemes: report.SupportedSchemes,
		SupportedCurves:  report.SupportedCurves,
		RequestedKeys:    report.RequestedKeys,
	}
	delivered := make(map[security.Class]bool, len(granted))
	for range granted {
		rc, err = r.exchange(next, r.timeouts.TA3, isKeyGet)
		if err != nil {
			return r.stepFailed("NetworkKeyGet", err)
		}
		if isKEXFail(rc.Command) {
			return failed(ReasonNodeCanceled)
		}
		get, ok := rc.Command.(*cc.S2NetworkKeyGet)
		if !ok || rc.Security != security.ClassTemporary ||
			!slices.Contains(granted, get.RequestedKey) || delivered[get.RequestedKey] {
			return r.abort(cc.KEXFailKeyNotGranted, ReasonS2WrongSecurityLevel)
		}
		cls := get.RequestedKey
		key, err := r.keys.NetworkKey(cls)
		if err != nil {
			return r.abort(cc.KEXFailKeyNotGranted, ReasonNoKeysConfigured)
		}

		rc, err = r.exchange(&cc.S2NetworkKeyReport{GrantedKey: cls, Key: key}, r.timeouts.TA4, isVerify)
		if err != nil {
			return r.stepFailed("NetworkKeyVerify", err)
		}
		if isKEXFail(rc.Command) {
			return failed(ReasonNodeCanceled)
		}
		if _, ok := rc.Command.(*cc.S2NetworkKeyVerify); !ok || rc.Security != cls {
			return r.abort(cc.KEXFailNoVerify, ReasonS2WrongSecurityLevel)
		}
		delivered[cls] = true
		r.log.Debug("network key delivered", "class", cls)
		next = &cc.S2TransferEnd{KeyVerified: true}
	}

	// 7. The node confirms it has everything.
	rc, err = r.exchange(next, r.timeouts.TA5, func(c cc.Command) bool {
		_, ok := c.(*cc.S2TransferEnd)
		return ok || isKEXFail(c)
	})
	if err != nil {
		return r.stepFailed("TransferEnd", err)
	}
	if isKEXFail(rc.Command) {
		return failed(ReasonNodeCanceled)
	}
	if end := rc.Command.(*cc.S2TransferEnd); !end.KeyRequestComplete {
		return failed(ReasonTimeout)
	}

	dsk := security.DSKFromPublicKey(nodePub)
	out := Outcome{
		Success: true,
		Granted: security.NewGrants(granted...),
		DSK:     &dsk,
	}
	if out.Granted.Highest() == security.ClassS0Legacy {
		out.Warning = ReasonS0Downgrade
	}
	return out
}

func needsPIN(granted []security.Class) bool {
	for _, c := range granted {
		if c.RequiresPIN() {
			return true
		}
	}
	return false
}
