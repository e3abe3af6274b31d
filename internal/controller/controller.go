// Package controller is the inclusion/exclusion orchestrator. It owns the
// inclusion state machine, reacts to the radio's add/remove/replace status
// callbacks, dispatches security bootstrapping for new nodes and keeps
// SmartStart listening in step with the provisioning list.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/serialapi"
	"zwave-go-home/internal/store"
)

var (
	ErrNodeNotFailed  = errors.New("node is not failed")
	ErrNoProvisioning = errors.New("smart start inclusion needs a provisioning entry")
	ErrUnknownNode    = errors.New("unknown node")
	// ErrNoSecureTransport rejects secure strategies when frames cannot be
	// encrypted.
	ErrNoSecureTransport = errors.New("secure inclusion needs frame encryption")
)

// OperationError is a radio failure while starting or stopping an
// inclusion, exclusion or replace. The state is back to idle when it is
// returned.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Config holds orchestrator timing.
type Config struct {
	Timeouts  bootstrap.Timeouts
	S0Timeout time.Duration
	// ProxyInitiate is how long to wait for an inclusion controller to
	// hand over a node it added.
	ProxyInitiate       time.Duration
	InterviewTimeout    time.Duration
	InterviewRetryDelay time.Duration
	RadioTimeout        time.Duration
	// Insecure is set when the transport cannot encrypt frames. Secure
	// strategies and SmartStart are refused and every node joins without
	// security.
	Insecure bool
}

func (c Config) withDefaults() Config {
	if c.S0Timeout <= 0 {
		c.S0Timeout = bootstrap.DefaultS0Timeout
	}
	if c.ProxyInitiate <= 0 {
		c.ProxyInitiate = 10 * time.Second
	}
	if c.InterviewTimeout <= 0 {
		c.InterviewTimeout = time.Minute
	}
	if c.InterviewRetryDelay <= 0 {
		c.InterviewRetryDelay = 2 * time.Second
	}
	if c.RadioTimeout <= 0 {
		c.RadioTimeout = 10 * time.Second
	}
	return c
}

// Controller orchestrates network membership.
type Controller struct {
	radio   serialapi.Radio
	host    bootstrap.Host
	keys    *security.KeyStore
	store   store.Store
	prov    *provisioning.List
	matcher *provisioning.Matcher
	s2      *bootstrap.S2
	s0      *bootstrap.S0
	events  *EventBus
	prompt  *Prompter
	cfg     Config
	logger  *slog.Logger

	// modeMu serializes the commands that change the chip's add/remove
	// mode together with the state transition that goes with them.
	modeMu sync.Mutex

	mu            sync.Mutex
	state         state
	attempt       string
	callbacks     bootstrap.UserCallbacks
	cancelSlot    chan bootstrap.FailureReason
	bootstrapping uint16

	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a controller and installs its radio handlers. Radio events
// are queued until Start.
func New(radio serialapi.Radio, host bootstrap.Host, keys *security.KeyStore, st store.Store, list *provisioning.List, events *EventBus, cfg Config, logger *slog.Logger) *Controller {
	cfg = cfg.withDefaults()
	logger = logger.With("component", "controller")
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		radio:   radio,
		host:    host,
		keys:    keys,
		store:   st,
		prov:    list,
		matcher: provisioning.NewMatcher(list, keys, logger),
		s2:      bootstrap.NewS2(host, keys, cfg.Timeouts, logger),
		s0:      bootstrap.NewS0(host, keys, cfg.S0Timeout, logger),
		events:  events,
		cfg:     cfg,
		logger:  logger,
		state:   idleState{},
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.prompt = NewPrompter(events)
	c.prompt.attempt = c.currentAttempt
	c.callbacks = c.prompt
	c.registerHandlers()
	return c
}

// Start runs the event loop and brings SmartStart listening in line with
// the provisioning list.
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.run()
	c.post(c.evaluateSmartStart)
}

// Stop cancels running bootstraps and waits for them to finish.
func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) registerHandlers() {
	c.radio.OnAddNodeStatus(func(evt serialapi.AddNodeStatusEvent) {
		c.post(func() { c.handleAddNodeStatus(evt) })
	})
	c.radio.OnRemoveNodeStatus(func(evt serialapi.RemoveNodeStatusEvent) {
		c.post(func() { c.handleRemoveNodeStatus(evt) })
	})
	c.radio.OnReplaceNodeStatus(func(evt serialapi.ReplaceNodeStatusEvent) {
		c.post(func() { c.handleReplaceStatus(evt) })
	})
	c.radio.OnApplicationUpdate(func(evt serialapi.ApplicationUpdateEvent) {
		c.post(func() { c.handleApplicationUpdate(evt) })
	})
	c.prov.OnChange(func() {
		c.post(c.evaluateSmartStart)
	})
}

// run handles radio events one at a time, off the radio's read goroutine.
func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.wake:
			for fn, ok := c.next(); ok; fn, ok = c.next() {
				if c.ctx.Err() != nil {
					return
				}
				fn()
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// post queues fn for the loop. It never blocks, so handlers running on the
// loop may post follow-up work.
func (c *Controller) post(fn func()) {
	if c.ctx.Err() != nil {
		return
	}
	c.queueMu.Lock()
	c.queue = append(c.queue, fn)
	c.queueMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) next() (func(), bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	fn := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return fn, true
}

// spawn runs fn in a goroutine that Stop waits for.
func (c *Controller) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) radioContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.cfg.RadioTimeout)
}

// State returns the live inclusion state.
func (c *Controller) State() StateKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.kind()
}

// Events returns the event bus.
func (c *Controller) Events() *EventBus {
	return c.events
}

// Prompter returns the interactive user call-outs.
func (c *Controller) Prompter() *Prompter {
	return c.prompt
}

// SetUserCallbacks replaces the call-outs used by S2 bootstraps that are
// not SmartStart. nil restores the interactive prompter.
func (c *Controller) SetUserCallbacks(cb bootstrap.UserCallbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb == nil {
		cb = c.prompt
	}
	c.callbacks = cb
}

func (c *Controller) userCallbacks() bootstrap.UserCallbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callbacks
}

// Nodes lists the node registry.
func (c *Controller) Nodes() ([]*store.Node, error) {
	return c.store.ListNodes()
}

// Node returns one node.
func (c *Controller) Node(id uint16) (*store.Node, error) {
	return c.store.GetNode(id)
}

// RenameNode sets a node's friendly name.
func (c *Controller) RenameNode(id uint16, name string) error {
	return c.store.UpdateNode(id, func(n *store.Node) error {
		n.FriendlyName = name
		return nil
	})
}

func (c *Controller) isKnownNode(id uint16) bool {
	_, err := c.store.GetNode(id)
	return err == nil
}

// transition moves to next if allowed accepts the current state (nil
// accepts any) and reports the state it replaced.
func (c *Controller) transition(allowed func(state) bool, next state) (state, bool) {
	c.mu.Lock()
	prev := c.state
	if allowed != nil && !allowed(prev) {
		c.mu.Unlock()
		return prev, false
	}
	c.state = next
	attempt := c.attempt
	c.mu.Unlock()

	if prev.kind() != next.kind() {
		c.logger.Info("state changed", "from", prev.kind(), "to", next.kind())
		c.events.Emit(Event{Type: EventStatusChanged, AttemptID: attempt, Data: StatusData{State: next.kind()}})
	}
	return prev, true
}

func isIncluding(s state) bool {
	st, ok := s.(includingState)
	return ok && st.replacing == 0
}

func isReplacing(s state) bool {
	st, ok := s.(includingState)
	return ok && st.replacing != 0
}

func isExcluding(s state) bool {
	_, ok := s.(excludingState)
	return ok
}

func isBusyWith(nodeID uint16) func(state) bool {
	return func(s state) bool {
		st, ok := s.(busyState)
		return ok && st.nodeID == nodeID
	}
}

func (c *Controller) newAttempt() string {
	id := uuid.NewString()
	c.mu.Lock()
	c.attempt = id
	c.mu.Unlock()
	return id
}

func (c *Controller) currentAttempt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Controller) emit(attempt, typ string, data any) {
	c.events.Emit(Event{Type: typ, AttemptID: attempt, Data: data})
}

// finish returns to idle after an operation and re-evaluates SmartStart.
func (c *Controller) finish(allowed func(state) bool) {
	if _, ok := c.transition(allowed, idleState{}); ok {
		c.post(c.evaluateSmartStart)
	}
}

func (c *Controller) openCancelSlot(nodeID uint16) <-chan bootstrap.FailureReason {
	ch := make(chan bootstrap.FailureReason, 1)
	c.mu.Lock()
	c.cancelSlot = ch
	c.bootstrapping = nodeID
	c.mu.Unlock()
	return ch
}

func (c *Controller) closeCancelSlot() {
	c.mu.Lock()
	c.cancelSlot = nil
	c.bootstrapping = 0
	c.mu.Unlock()
}

// BootstrappingNode returns the node whose security bootstrap is running,
// or 0.
func (c *Controller) BootstrappingNode() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootstrapping
}

// CancelSecureBootstrap aborts the running bootstrap at its next wait.
// ReasonNone means UserCanceled. It reports false when no bootstrap is
// running or a cancel is already pending.
func (c *Controller) CancelSecureBootstrap(reason bootstrap.FailureReason) bool {
	if reason == bootstrap.ReasonNone {
		reason = bootstrap.ReasonUserCanceled
	}
	c.mu.Lock()
	ch := c.cancelSlot
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- reason:
		c.logger.Info("bootstrap cancel requested", "reason", reason)
		return true
	default:
		return false
	}
}

// parseNodeRef accepts a decimal node ID.
func parseNodeRef(s string) (uint16, bool) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint16(v), true
}

func hex8(b uint8) string {
	return fmt.Sprintf("0x%02X", b)
}
