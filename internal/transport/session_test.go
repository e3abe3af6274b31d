package transport

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/serialapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubRadio records SendData calls and exposes the application command
// handler so tests can inject inbound frames.
type stubRadio struct {
	serialapi.Radio

	mu      sync.Mutex
	sent    [][]byte
	onCmd   func(serialapi.ApplicationCommandEvent)
	sendErr error
	// answer, if set, runs before SendData returns, like a node whose
	// reply is read ahead of the transmit callback.
	answer func(r *stubRadio)
}

func (r *stubRadio) SendData(_ context.Context, nodeID uint16, payload []byte) error {
	r.mu.Lock()
	r.sent = append(r.sent, payload)
	err, answer := r.sendErr, r.answer
	r.mu.Unlock()
	if answer != nil {
		answer(r)
	}
	return err
}

func (r *stubRadio) OnApplicationCommand(h func(serialapi.ApplicationCommandEvent)) {
	r.onCmd = h
}

func (r *stubRadio) inject(nodeID uint16, payload ...byte) {
	r.onCmd(serialapi.ApplicationCommandEvent{NodeID: nodeID, Payload: payload})
}

// xorEncapsulator marks encapsulated payloads with a fixed prefix and
// reports ClassS2Authenticated on the way in.
type xorEncapsulator struct {
	failDecrypt bool
}

func (e *xorEncapsulator) Encapsulate(nodeID uint16, class security.Class, payload []byte) ([]byte, error) {
	return append([]byte{cc.ClassSecurity2, cc.S2CmdMessageEncapsulation}, payload...), nil
}

func (e *xorEncapsulator) Decapsulate(nodeID uint16, payload []byte) ([]byte, security.Class, error) {
	if e.failDecrypt {
		return nil, security.ClassNone, ErrDecrypt
	}
	return payload[2:], security.ClassS2Authenticated, nil
}

func TestWaitForCommandPlaintext(t *testing.T) {
	radio := &stubRadio{}
	s := NewSession(radio, nil, nil, testLogger())

	got := make(chan *cc.Received, 1)
	go func() {
		rc, err := s.WaitForCommand(context.Background(), func(rc *cc.Received) bool {
			_, ok := rc.Command.(*cc.S2KEXReport)
			return ok
		})
		if err != nil {
			t.Errorf("WaitForCommand: %v", err)
		}
		got <- rc
	}()

	waitForWaiters(t, s, 1)
	radio.inject(5, cc.ClassSecurity2, cc.S2CmdKEXReport, 0x00, 0x02, 0x01, 0x02)

	select {
	case rc := <-got:
		if rc.NodeID != 5 || rc.Security != security.ClassNone {
			t.Errorf("received = %v", rc)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not satisfied")
	}
}

func TestWaitForCommandContextCancel(t *testing.T) {
	s := NewSession(&stubRadio{}, nil, nil, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.WaitForCommand(ctx, func(*cc.Received) bool { return true })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if n := waiterCount(s); n != 0 {
		t.Errorf("waiters left = %d", n)
	}
}

func TestEncapsulatedFrameCarriesClass(t *testing.T) {
	radio := &stubRadio{}
	s := NewSession(radio, nil, &xorEncapsulator{}, testLogger())

	got := make(chan *cc.Received, 1)
	go func() {
		rc, _ := s.WaitForCommand(context.Background(), func(*cc.Received) bool { return true })
		got <- rc
	}()
	waitForWaiters(t, s, 1)
	radio.inject(3, cc.ClassSecurity2, cc.S2CmdMessageEncapsulation, cc.ClassSecurity2, cc.S2CmdNetworkKeyVerify)

	rc := <-got
	if _, ok := rc.Command.(*cc.S2NetworkKeyVerify); !ok {
		t.Fatalf("command = %T", rc.Command)
	}
	if rc.Security != security.ClassS2Authenticated {
		t.Errorf("security = %s", rc.Security)
	}
}

func TestUndecryptableFrameIsDelivered(t *testing.T) {
	radio := &stubRadio{}
	s := NewSession(radio, nil, &xorEncapsulator{failDecrypt: true}, testLogger())

	got := make(chan *cc.Received, 1)
	go func() {
		rc, _ := s.WaitForCommand(context.Background(), func(*cc.Received) bool { return true })
		got <- rc
	}()
	waitForWaiters(t, s, 1)
	radio.inject(3, cc.ClassSecurity2, cc.S2CmdMessageEncapsulation, 0xAA, 0xBB)

	rc := <-got
	if _, ok := rc.Command.(*cc.UndecryptableFrame); !ok {
		t.Errorf("command = %T, want UndecryptableFrame", rc.Command)
	}
}

func TestSendCommandSecureWithoutEncapsulator(t *testing.T) {
	radio := &stubRadio{}
	s := NewSession(radio, nil, nil, testLogger())

	err := s.SendCommand(context.Background(), 2, &cc.S2NetworkKeyVerify{}, SendOptions{Security: security.ClassTemporary})
	if !errors.Is(err, ErrNoEncapsulation) {
		t.Errorf("err = %v, want ErrNoEncapsulation", err)
	}

	if err := s.SendCommand(context.Background(), 2, &cc.S2KEXGet{}, SendOptions{Security: security.ClassNone}); err != nil {
		t.Fatalf("plaintext send: %v", err)
	}
	if len(radio.sent) != 1 || radio.sent[0][0] != cc.ClassSecurity2 || radio.sent[0][1] != cc.S2CmdKEXGet {
		t.Errorf("sent = %X", radio.sent)
	}
}

func TestUnsolicitedHandler(t *testing.T) {
	radio := &stubRadio{}
	s := NewSession(radio, nil, nil, testLogger())

	var got *cc.Received
	s.OnUnsolicited(func(rc *cc.Received) { got = rc })
	radio.inject(8, cc.ClassInclusionController, cc.ICCmdInitiate, 9, 0x01)

	if got == nil {
		t.Fatal("unsolicited handler not called")
	}
	ic, ok := got.Command.(*cc.InclusionControllerInitiate)
	if !ok || ic.IncludedNodeID != 9 {
		t.Errorf("command = %+v", got.Command)
	}
}

func TestOldestWaiterWins(t *testing.T) {
	radio := &stubRadio{}
	s := NewSession(radio, nil, nil, testLogger())

	first := make(chan struct{})
	second := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if _, err := s.WaitForCommand(ctx, func(*cc.Received) bool { return true }); err == nil {
			close(first)
		}
	}()
	waitForWaiters(t, s, 1)
	go func() {
		if _, err := s.WaitForCommand(ctx, func(*cc.Received) bool { return true }); err == nil {
			close(second)
		}
	}()
	waitForWaiters(t, s, 2)

	radio.inject(1, cc.ClassSecurity2, cc.S2CmdKEXGet)
	select {
	case <-first:
	case <-second:
		t.Fatal("newer waiter received the command")
	case <-time.After(time.Second):
		t.Fatal("no waiter received the command")
	}
}

func waiterCount(s *Session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

func waitForWaiters(t *testing.T, s *Session, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for waiterCount(s) < n {
		if time.Now().After(deadline) {
			t.Fatalf("waiters = %d, want %d", waiterCount(s), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReplyReadDuringSendIsNotLost(t *testing.T) {
	radio := &stubRadio{answer: func(r *stubRadio) {
		r.inject(4, cc.ClassSecurity2, cc.S2CmdKEXReport, 0x00, 0x02, 0x01, 0x01)
	}}
	s := NewSession(radio, nil, nil, testLogger())
	var unsolicited int
	s.OnUnsolicited(func(*cc.Received) { unsolicited++ })

	exp := s.Expect(func(rc *cc.Received) bool {
		_, ok := rc.Command.(*cc.S2KEXReport)
		return ok && rc.NodeID == 4
	})
	defer exp.Cancel()
	if err := s.SendCommand(context.Background(), 4, &cc.S2KEXGet{}, SendOptions{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rc, err := exp.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if _, ok := rc.Command.(*cc.S2KEXReport); !ok {
		t.Errorf("command = %T", rc.Command)
	}
	if unsolicited != 0 {
		t.Errorf("unsolicited = %d, want 0", unsolicited)
	}
}

func TestCanceledExpectationReleasesCommand(t *testing.T) {
	radio := &stubRadio{}
	s := NewSession(radio, nil, nil, testLogger())
	var unsolicited int
	s.OnUnsolicited(func(*cc.Received) { unsolicited++ })

	exp := s.Expect(func(*cc.Received) bool { return true })
	exp.Cancel()
	exp.Cancel()
	if n := waiterCount(s); n != 0 {
		t.Fatalf("waiters = %d after Cancel", n)
	}
	radio.inject(1, cc.ClassSecurity2, cc.S2CmdKEXGet)
	if unsolicited != 1 {
		t.Errorf("unsolicited = %d, want 1", unsolicited)
	}
}

func TestZeroSendOptionsIsPlaintext(t *testing.T) {
	radio := &stubRadio{}
	s := NewSession(radio, nil, &xorEncapsulator{}, testLogger())

	if err := s.SendCommand(context.Background(), 2, &cc.S2KEXGet{}, SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(radio.sent) != 1 || radio.sent[0][1] != cc.S2CmdKEXGet {
		t.Errorf("sent = %X, want a plaintext KEXGet", radio.sent)
	}
	if !s.Secure() {
		t.Error("session with an encapsulator should report Secure")
	}
	if NewSession(&stubRadio{}, nil, nil, testLogger()).Secure() {
		t.Error("session without an encapsulator should not report Secure")
	}
}
