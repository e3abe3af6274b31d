// Package transport turns raw radio traffic into typed commands. It sends
// commands to nodes (optionally through a security encapsulation layer)
// and lets callers wait for the first inbound command matching a predicate.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/serialapi"
)

var (
	// ErrNoEncapsulation is returned when a secure send or receive is
	// needed but no Encapsulator is installed.
	ErrNoEncapsulation = errors.New("transport: no security encapsulation available")
	// ErrDecrypt is returned by an Encapsulator when no key fits a frame.
	ErrDecrypt = errors.New("transport: frame could not be decrypted")
)

// SendOptions selects how a command is protected on the air. The zero
// value sends plaintext; ClassTemporary uses the node's bootstrap key (the
// temporary S2 key, or the all-zero S0 key for S0 commands).
type SendOptions struct {
	Security security.Class
}

// Predicate selects an inbound command.
type Predicate func(*cc.Received) bool

// Encapsulator wraps and unwraps S0/S2 message encapsulation. The frame
// format and nonce handling live behind this interface; keys come from
// the shared security.KeyStore.
type Encapsulator interface {
	Encapsulate(nodeID uint16, class security.Class, payload []byte) ([]byte, error)
	// Decapsulate returns the inner payload and the class whose key
	// decrypted it. It returns ErrDecrypt if no installed key fits.
	Decapsulate(nodeID uint16, payload []byte) ([]byte, security.Class, error)
}

type waiter struct {
	pred Predicate
	ch   chan *cc.Received
}

// Session binds a radio to the command registry and routes inbound
// commands to waiters or to the unsolicited handler.
type Session struct {
	radio    serialapi.Radio
	registry *cc.Registry
	logger   *slog.Logger

	encMu sync.RWMutex
	enc   Encapsulator

	mu          sync.Mutex
	waiters     map[uint64]*waiter
	nextID      uint64
	unsolicited func(*cc.Received)
}

// NewSession creates a session and installs its application-command
// handler on the radio. enc may be nil.
func NewSession(radio serialapi.Radio, registry *cc.Registry, enc Encapsulator, logger *slog.Logger) *Session {
	if registry == nil {
		registry = cc.DefaultRegistry
	}
	s := &Session{
		radio:    radio,
		registry: registry,
		enc:      enc,
		logger:   logger.With("component", "transport"),
		waiters:  make(map[uint64]*waiter),
	}
	radio.OnApplicationCommand(s.handleApplicationCommand)
	return s
}

// SetEncapsulator installs or replaces the security layer.
func (s *Session) SetEncapsulator(enc Encapsulator) {
	s.encMu.Lock()
	s.enc = enc
	s.encMu.Unlock()
}

func (s *Session) encapsulator() Encapsulator {
	s.encMu.RLock()
	defer s.encMu.RUnlock()
	return s.enc
}

// OnUnsolicited sets the handler for commands no waiter claimed.
func (s *Session) OnUnsolicited(handler func(*cc.Received)) {
	s.mu.Lock()
	s.unsolicited = handler
	s.mu.Unlock()
}

// SendCommand marshals cmd, encapsulates it if requested and transmits it.
func (s *Session) SendCommand(ctx context.Context, nodeID uint16, cmd cc.Command, opts SendOptions) error {
	payload, err := cmd.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cc.Name(cmd), err)
	}
	if opts.Security != security.ClassNone {
		enc := s.encapsulator()
		if enc == nil {
			return fmt.Errorf("send %s to node %d: %w", cc.Name(cmd), nodeID, ErrNoEncapsulation)
		}
		payload, err = enc.Encapsulate(nodeID, opts.Security, payload)
		if err != nil {
			return fmt.Errorf("encapsulate %s: %w", cc.Name(cmd), err)
		}
	}
	s.logger.Debug("send command", "node", nodeID, "cmd", cc.Name(cmd), "security", opts.Security)
	if err := s.radio.SendData(ctx, nodeID, payload); err != nil {
		return fmt.Errorf("send %s to node %d: %w", cc.Name(cmd), nodeID, err)
	}
	return nil
}

// Expectation is a waiter registered ahead of the send that provokes the
// reply, so a reply read before the send returns is not lost.
type Expectation interface {
	// Wait blocks until a matching command arrives or ctx ends.
	Wait(ctx context.Context) (*cc.Received, error)
	// Cancel unregisters the waiter. A command matched but not yet taken
	// by Wait is dropped.
	Cancel()
}

type expectation struct {
	s  *Session
	id uint64
	ch chan *cc.Received
}

// Expect registers pred now. Each inbound command satisfies at most one
// waiter, the oldest matching one.
func (s *Session) Expect(pred Predicate) Expectation {
	e := &expectation{s: s, ch: make(chan *cc.Received, 1)}
	s.mu.Lock()
	e.id = s.nextID
	s.nextID++
	s.waiters[e.id] = &waiter{pred: pred, ch: e.ch}
	s.mu.Unlock()
	return e
}

func (e *expectation) Wait(ctx context.Context) (*cc.Received, error) {
	select {
	case rc := <-e.ch:
		return rc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *expectation) Cancel() {
	e.s.mu.Lock()
	delete(e.s.waiters, e.id)
	e.s.mu.Unlock()
}

// WaitForCommand blocks until an inbound command matches pred or ctx ends.
func (s *Session) WaitForCommand(ctx context.Context, pred Predicate) (*cc.Received, error) {
	e := s.Expect(pred)
	defer e.Cancel()
	return e.Wait(ctx)
}

// Secure reports whether an Encapsulator is installed.
func (s *Session) Secure() bool {
	return s.encapsulator() != nil
}

func isEncapsulation(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	return (payload[0] == cc.ClassSecurity && payload[1] == cc.S0CmdMessageEncapsulation) ||
		(payload[0] == cc.ClassSecurity2 && payload[1] == cc.S2CmdMessageEncapsulation)
}

func (s *Session) handleApplicationCommand(evt serialapi.ApplicationCommandEvent) {
	payload := evt.Payload
	class := security.ClassNone
	if isEncapsulation(payload) {
		enc := s.encapsulator()
		if enc == nil {
			s.logger.Warn("dropping encapsulated frame", "node", evt.NodeID, "err", ErrNoEncapsulation)
			return
		}
		inner, cls, err := enc.Decapsulate(evt.NodeID, payload)
		switch {
		case errors.Is(err, ErrDecrypt):
			s.dispatch(&cc.Received{
				NodeID:   evt.NodeID,
				Command:  &cc.UndecryptableFrame{Class: payload[0]},
				Security: security.ClassNone,
			})
			return
		case err != nil:
			s.logger.Warn("decapsulation failed", "node", evt.NodeID, "err", err)
			return
		}
		payload, class = inner, cls
	}

	cmd, err := s.registry.Parse(payload)
	if err != nil {
		s.logger.Debug("ignoring command", "node", evt.NodeID, "err", err)
		return
	}
	s.dispatch(&cc.Received{NodeID: evt.NodeID, Command: cmd, Security: class})
}

func (s *Session) dispatch(rc *cc.Received) {
	s.mu.Lock()
	var target *waiter
	// Lowest ID first so the oldest waiter wins.
	var best uint64
	for id, w := range s.waiters {
		if (target == nil || id < best) && w.pred(rc) {
			target, best = w, id
		}
	}
	if target != nil {
		delete(s.waiters, best)
	}
	unsolicited := s.unsolicited
	s.mu.Unlock()

	if target != nil {
		target.ch <- rc
		return
	}
	s.logger.Debug("unsolicited command", "received", rc.String())
	if unsolicited != nil {
		unsolicited(rc)
	}
}
