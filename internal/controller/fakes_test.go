package controller

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/serialapi"
	"zwave-go-home/internal/store"
	"zwave-go-home/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRadio records commands and lets tests play status callbacks.
type fakeRadio struct {
	mu          sync.Mutex
	calls       []string
	addErr      error
	failedNodes map[uint16]bool
	nodeInfo    map[uint16]*serialapi.NodeInfo
	listening   []bool
	smartStart  []serialapi.SmartStartInclusion

	onAdd     func(serialapi.AddNodeStatusEvent)
	onRemove  func(serialapi.RemoveNodeStatusEvent)
	onReplace func(serialapi.ReplaceNodeStatusEvent)
	onUpdate  func(serialapi.ApplicationUpdateEvent)
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{
		failedNodes: make(map[uint16]bool),
		nodeInfo:    make(map[uint16]*serialapi.NodeInfo),
	}
}

func (r *fakeRadio) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *fakeRadio) called(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (r *fakeRadio) AddNode(ctx context.Context, mode serialapi.AddNodeMode, flags serialapi.AddNodeFlags) error {
	r.record("AddNode")
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addErr
}

func (r *fakeRadio) AddNodeDSK(ctx context.Context, req serialapi.SmartStartInclusion) error {
	r.record("AddNodeDSK")
	r.mu.Lock()
	r.smartStart = append(r.smartStart, req)
	r.mu.Unlock()
	return nil
}

func (r *fakeRadio) StopAddNode(ctx context.Context) error {
	r.record("StopAddNode")
	return nil
}

func (r *fakeRadio) SetSmartStartListen(ctx context.Context, enabled bool) error {
	r.record("SetSmartStartListen")
	r.mu.Lock()
	r.listening = append(r.listening, enabled)
	r.mu.Unlock()
	return nil
}

func (r *fakeRadio) listenHistory() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.listening...)
}

func (r *fakeRadio) lastListen() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.listening) == 0 {
		return false, false
	}
	return r.listening[len(r.listening)-1], true
}

func (r *fakeRadio) RemoveNode(ctx context.Context, flags serialapi.AddNodeFlags) error {
	r.record("RemoveNode")
	return nil
}

func (r *fakeRadio) StopRemoveNode(ctx context.Context) error {
	r.record("StopRemoveNode")
	return nil
}

func (r *fakeRadio) IsFailedNode(ctx context.Context, nodeID uint16) (bool, error) {
	r.record("IsFailedNode")
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedNodes[nodeID], nil
}

func (r *fakeRadio) ReplaceFailedNode(ctx context.Context, nodeID uint16) error {
	r.record("ReplaceFailedNode")
	return nil
}

func (r *fakeRadio) RemoveFailedNode(ctx context.Context, nodeID uint16) error {
	r.record("RemoveFailedNode")
	return nil
}

func (r *fakeRadio) RequestNodeInfo(ctx context.Context, nodeID uint16) (*serialapi.NodeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.nodeInfo[nodeID]; ok {
		return info, nil
	}
	return nil, serialapi.ErrNodeInfoFailed
}

func (r *fakeRadio) SendData(ctx context.Context, nodeID uint16, payload []byte) error {
	return nil
}

func (r *fakeRadio) OnAddNodeStatus(h func(serialapi.AddNodeStatusEvent))         { r.onAdd = h }
func (r *fakeRadio) OnRemoveNodeStatus(h func(serialapi.RemoveNodeStatusEvent))   { r.onRemove = h }
func (r *fakeRadio) OnReplaceNodeStatus(h func(serialapi.ReplaceNodeStatusEvent)) { r.onReplace = h }
func (r *fakeRadio) OnApplicationCommand(func(serialapi.ApplicationCommandEvent)) {}
func (r *fakeRadio) OnApplicationUpdate(h func(serialapi.ApplicationUpdateEvent)) { r.onUpdate = h }
func (r *fakeRadio) Close() error                                                 { return nil }

type sentCommand struct {
	nodeID uint16
	cmd    cc.Command
	opts   transport.SendOptions
}

// fakeHost answers waits from a queue of inbound commands and otherwise
// blocks until the wait is canceled.
type fakeHost struct {
	mu      sync.Mutex
	sent    []sentCommand
	inbound []*cc.Received
}

func (h *fakeHost) SendCommand(ctx context.Context, nodeID uint16, cmd cc.Command, opts transport.SendOptions) error {
	h.mu.Lock()
	h.sent = append(h.sent, sentCommand{nodeID, cmd, opts})
	h.mu.Unlock()
	return nil
}

type hostExpectation struct {
	h    *fakeHost
	pred transport.Predicate
}

func (h *fakeHost) Expect(pred transport.Predicate) transport.Expectation {
	return &hostExpectation{h: h, pred: pred}
}

func (e *hostExpectation) Wait(ctx context.Context) (*cc.Received, error) {
	h := e.h
	h.mu.Lock()
	for i, rc := range h.inbound {
		if e.pred(rc) {
			h.inbound = append(h.inbound[:i], h.inbound[i+1:]...)
			h.mu.Unlock()
			return rc, nil
		}
	}
	h.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (e *hostExpectation) Cancel() {}

func (h *fakeHost) sentCommands() []sentCommand {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentCommand(nil), h.sent...)
}

type harness struct {
	ctl    *Controller
	radio  *fakeRadio
	host   *fakeHost
	keys   *security.KeyStore
	store  *store.BoltStore
	list   *provisioning.List
	events chan Event
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "zwave.db"))
	if err != nil {
		t.Fatal(err)
	}
	list, err := provisioning.NewList(st, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		radio:  newFakeRadio(),
		host:   &fakeHost{},
		keys:   security.NewKeyStore(),
		store:  st,
		list:   list,
		events: make(chan Event, 256),
	}
	bus := NewEventBus(testLogger())
	bus.OnAll(func(e Event) { h.events <- e })

	cfg := Config{
		S0Timeout:           200 * time.Millisecond,
		ProxyInitiate:       100 * time.Millisecond,
		InterviewTimeout:    time.Second,
		InterviewRetryDelay: 10 * time.Millisecond,
		RadioTimeout:        time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.ctl = New(h.radio, h.host, h.keys, st, list, bus, cfg, testLogger())
	h.ctl.Start()
	t.Cleanup(func() {
		h.ctl.Stop()
		st.Close()
	})
	return h
}

func (h *harness) setKey(t *testing.T, c security.Class) {
	t.Helper()
	key := make([]byte, security.KeySize)
	key[0] = byte(c) + 1
	if err := h.keys.SetNetworkKey(c, key); err != nil {
		t.Fatal(err)
	}
}

// flush waits until everything posted to the controller loop so far has
// run.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	h.ctl.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("controller loop stuck")
	}
}

func (h *harness) waitEvent(t *testing.T, typ string) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func (h *harness) waitState(t *testing.T, want StateKind) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.ctl.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", h.ctl.State(), want)
}

// addNode plays the radio side of a successful inclusion.
func (h *harness) addNode(id uint16, info *serialapi.NodeInfo) {
	h.radio.onAdd(serialapi.AddNodeStatusEvent{Status: serialapi.AddNodeStatusReady})
	h.radio.onAdd(serialapi.AddNodeStatusEvent{Status: serialapi.AddNodeStatusNodeFound})
	h.radio.onAdd(serialapi.AddNodeStatusEvent{Status: serialapi.AddNodeStatusAddingSlave, NodeID: id, Info: info})
	h.radio.onAdd(serialapi.AddNodeStatusEvent{Status: serialapi.AddNodeStatusProtocolDone, NodeID: id})
}

var errRadio = errors.New("no ack")

var _ bootstrap.Host = (*fakeHost)(nil)
