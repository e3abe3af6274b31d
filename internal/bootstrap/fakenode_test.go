package bootstrap

import (
	"context"
	"crypto/rand"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sentCmd struct {
	cmd  cc.Command
	opts transport.SendOptions
}

// fakeNode is a scripted joining node. It answers each command the
// controller sends and checks the temporary key the controller installs
// against the one it derives itself.
type fakeNode struct {
	t    *testing.T
	id   uint16
	keys *security.KeyStore

	// behaviour
	requested     []security.Class
	curves        []cc.ECDHProfile
	requestCSA    bool
	silent        bool // never answers KEXGet
	failAfterSet  bool // sends KEXFail instead of its public key
	verifyAs      func(security.Class) security.Class
	s0SkipVerify  bool
	incompleteEnd bool
	noEcho        bool           // never echoes KEXSet under the temporary key
	beforeEcho    func()         // runs when the controller waits for the echo
	firstKey      security.Class // asked for first instead of the first granted class
	lateReply     time.Duration  // answers KEXGet only after this delay

	sawTempKey bool
	late       sync.WaitGroup

	kp      security.KeyPair
	granted []security.Class
	next    int

	mu      sync.Mutex
	sent    []sentCmd
	inbox   chan *cc.Received
	pending []func() *cc.Received
}

func newFakeNode(t *testing.T, keys *security.KeyStore) *fakeNode {
	t.Helper()
	kp, err := security.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	return &fakeNode{
		t:      t,
		id:     7,
		keys:   keys,
		curves: []cc.ECDHProfile{cc.ECDHCurve25519},
		kp:     kp,
		inbox:  make(chan *cc.Received, 32),
	}
}

func (n *fakeNode) dsk() security.DSK {
	return security.DSKFromPublicKey(n.kp.Public)
}

func (n *fakeNode) reply(cmd cc.Command, class security.Class) {
	n.inbox <- &cc.Received{NodeID: n.id, Command: cmd, Security: class}
}

func (n *fakeNode) SendCommand(_ context.Context, nodeID uint16, cmd cc.Command, opts transport.SendOptions) error {
	n.mu.Lock()
	n.sent = append(n.sent, sentCmd{cmd, opts})
	n.mu.Unlock()

	switch c := cmd.(type) {
	case *cc.S2KEXGet:
		if n.silent {
			return nil
		}
		report := &cc.S2KEXReport{
			RequestCSA:       n.requestCSA,
			SupportedSchemes: []cc.KEXScheme{cc.KEXScheme1},
			SupportedCurves:  n.curves,
			RequestedKeys:    n.requested,
		}
		if n.lateReply > 0 {
			n.late.Add(1)
			go func() {
				defer n.late.Done()
				time.Sleep(n.lateReply)
				n.reply(report, security.ClassNone)
			}()
			return nil
		}
		n.reply(report, security.ClassNone)

	case *cc.S2KEXSet:
		if c.Echo {
			return nil
		}
		n.granted = c.GrantedKeys
		if n.failAfterSet {
			n.reply(&cc.S2KEXFail{Type: cc.KEXFailBootstrappingCanceled}, security.ClassNone)
			return nil
		}
		pub := n.kp.Public
		if needsPIN(n.granted) {
			pub[0], pub[1] = 0, 0
		}
		n.reply(&cc.S2PublicKeyReport{PublicKey: pub}, security.ClassNone)

	case *cc.S2PublicKeyReport:
		ctrlPub := c.PublicKey
		granted := slices.Clone(n.granted)
		// Evaluated once the controller waits again, after any PIN entry.
		n.mu.Lock()
		n.pending = append(n.pending, func() *cc.Received {
			secret, err := n.kp.SharedSecret(ctrlPub)
			require.NoError(n.t, err)
			want := security.DeriveTempKey(security.ComputePRK(secret, ctrlPub, n.kp.Public))
			got, ok := n.keys.TempKey(nodeID)
			n.mu.Lock()
			n.sawTempKey = ok
			n.mu.Unlock()
			if n.beforeEcho != nil {
				n.beforeEcho()
			}
			if n.noEcho {
				return nil
			}
			if !ok || got != want {
				return &cc.Received{NodeID: n.id, Command: &cc.UndecryptableFrame{Class: cc.ClassSecurity2}}
			}
			return &cc.Received{
				NodeID: n.id,
				Command: &cc.S2KEXSet{
					Echo:           true,
					SelectedScheme: cc.KEXScheme1,
					SelectedCurve:  cc.ECDHCurve25519,
					GrantedKeys:    granted,
				},
				Security: security.ClassTemporary,
			}
		})
		n.mu.Unlock()

	case *cc.S2KEXReport:
		if c.Echo {
			n.requestNextKey()
		}

	case *cc.S2NetworkKeyReport:
		cls := c.GrantedKey
		if n.verifyAs != nil {
			cls = n.verifyAs(cls)
		}
		n.reply(&cc.S2NetworkKeyVerify{}, cls)

	case *cc.S2TransferEnd:
		n.requestNextKey()

	case *cc.S0SchemeGet:
		n.reply(&cc.S0SchemeReport{}, security.ClassNone)
	case *cc.S0NonceGet:
		n.reply(&cc.S0NonceReport{Nonce: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}, security.ClassNone)
	case *cc.S0NetworkKeySet:
		if !n.s0SkipVerify {
			n.reply(&cc.S0NetworkKeyVerify{}, security.ClassS0Legacy)
		}
	case *cc.S0SchemeInherit:
		n.reply(&cc.S0SchemeReport{}, security.ClassS0Legacy)
	}
	return nil
}

func (n *fakeNode) requestNextKey() {
	if n.next < len(n.granted) {
		cls := n.granted[n.next]
		if n.next == 0 && n.firstKey != security.ClassNone {
			cls = n.firstKey
		}
		n.next++
		n.reply(&cc.S2NetworkKeyGet{RequestedKey: cls}, security.ClassTemporary)
		return
	}
	n.reply(&cc.S2TransferEnd{KeyRequestComplete: !n.incompleteEnd}, security.ClassTemporary)
}

// nodeExpectation reads the node's inbox. Replies are queued as soon as
// the controller sends, so nothing is lost before Wait runs.
type nodeExpectation struct {
	n    *fakeNode
	pred transport.Predicate
}

func (n *fakeNode) Expect(pred transport.Predicate) transport.Expectation {
	return &nodeExpectation{n: n, pred: pred}
}

func (e *nodeExpectation) Wait(ctx context.Context) (*cc.Received, error) {
	n := e.n
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()
	for _, fn := range pending {
		if rc := fn(); rc != nil {
			n.inbox <- rc
		}
	}

	for {
		select {
		case rc := <-n.inbox:
			if e.pred(rc) {
				return rc, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *nodeExpectation) Cancel() {}

func (n *fakeNode) tempKeySeen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sawTempKey
}

func (n *fakeNode) kexFails() []cc.KEXFailType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []cc.KEXFailType
	for _, s := range n.sent {
		if f, ok := s.cmd.(*cc.S2KEXFail); ok {
			out = append(out, f.Type)
		}
	}
	return out
}

func (n *fakeNode) sentOf(match func(cc.Command) bool) []sentCmd {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentCmd
	for _, s := range n.sent {
		if match(s.cmd) {
			out = append(out, s)
		}
	}
	return out
}

// userStub is a scripted user.
type userStub struct {
	grant      []security.Class
	pin        func(dsk string) string
	block      bool
	aborted    []uint16
	mu         sync.Mutex
	shownDSK   string
	grantCalls int
}

func (u *userStub) GrantSecurityClasses(ctx context.Context, req GrantRequest) (Grant, error) {
	if u.block {
		<-ctx.Done()
		return Grant{}, ctx.Err()
	}
	u.mu.Lock()
	u.grantCalls++
	u.mu.Unlock()
	return Grant{Classes: u.grant}, nil
}

func (u *userStub) ValidateDSKAndEnterPIN(ctx context.Context, nodeID uint16, dsk string) (string, error) {
	u.mu.Lock()
	u.shownDSK = dsk
	u.mu.Unlock()
	if u.pin == nil {
		return "", ErrRejected
	}
	return u.pin(dsk), nil
}

func (u *userStub) Abort(nodeID uint16) {
	u.mu.Lock()
	u.aborted = append(u.aborted, nodeID)
	u.mu.Unlock()
}

func newKeyStore(t *testing.T, classes ...security.Class) *security.KeyStore {
	t.Helper()
	ks := security.NewKeyStore()
	for i, c := range classes {
		key := make([]byte, security.KeySize)
		key[0] = byte(i + 1)
		require.NoError(t, ks.SetNetworkKey(c, key))
	}
	return ks
}
