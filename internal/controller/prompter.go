package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/security"
)

// ErrNoPrompt is returned when an answer arrives for a node nobody is
// waiting on.
var ErrNoPrompt = errors.New("no pending prompt for node")

// PromptKind says what a pending prompt waits for.
type PromptKind string

const (
	PromptGrant PromptKind = "grant"
	PromptPIN   PromptKind = "pin"
)

// PendingPrompt describes an unanswered question.
type PendingPrompt struct {
	NodeID  uint16           `json:"node_id"`
	Kind    PromptKind       `json:"kind"`
	Classes []security.Class `json:"classes,omitempty"`
	DSK     string           `json:"dsk,omitempty"`
}

type answer struct {
	grant bootstrap.Grant
	pin   string
	err   error
}

type prompt struct {
	PendingPrompt
	reply chan answer
}

// Prompter turns the bootstrap's user call-outs into grant_requested and
// dsk_requested events and blocks until an answer is submitted, typically
// through the web API or MQTT.
type Prompter struct {
	events  *EventBus
	attempt func() string

	mu      sync.Mutex
	pending map[uint16]*prompt
}

func NewPrompter(events *EventBus) *Prompter {
	return &Prompter{
		events:  events,
		attempt: func() string { return "" },
		pending: make(map[uint16]*prompt),
	}
}

// GrantSecurityClasses emits grant_requested and waits for SubmitGrant or
// Reject.
func (p *Prompter) GrantSecurityClasses(ctx context.Context, req bootstrap.GrantRequest) (bootstrap.Grant, error) {
	pr := &prompt{
		PendingPrompt: PendingPrompt{NodeID: req.NodeID, Kind: PromptGrant, Classes: slices.Clone(req.Classes)},
		reply:         make(chan answer, 1),
	}
	data := GrantRequestedData{NodeID: req.NodeID, Classes: pr.Classes}
	a, err := p.ask(ctx, pr, EventGrantRequested, data)
	if err != nil {
		return bootstrap.Grant{}, err
	}
	return a.grant, a.err
}

// ValidateDSKAndEnterPIN emits dsk_requested and waits for SubmitPIN or
// Reject.
func (p *Prompter) ValidateDSKAndEnterPIN(ctx context.Context, nodeID uint16, dsk string) (string, error) {
	pr := &prompt{
		PendingPrompt: PendingPrompt{NodeID: nodeID, Kind: PromptPIN, DSK: dsk},
		reply:         make(chan answer, 1),
	}
	a, err := p.ask(ctx, pr, EventDSKRequested, DSKRequestedData{NodeID: nodeID, DSK: dsk})
	if err != nil {
		return "", err
	}
	return a.pin, a.err
}

// Abort drops any prompt for nodeID and emits bootstrap_aborted.
func (p *Prompter) Abort(nodeID uint16) {
	p.mu.Lock()
	delete(p.pending, nodeID)
	p.mu.Unlock()
	p.events.Emit(Event{Type: EventBootstrapAborted, AttemptID: p.attempt(), Data: BootstrapAbortedData{NodeID: nodeID}})
}

func (p *Prompter) ask(ctx context.Context, pr *prompt, typ string, data any) (answer, error) {
	p.mu.Lock()
	p.pending[pr.NodeID] = pr
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.pending[pr.NodeID] == pr {
			delete(p.pending, pr.NodeID)
		}
		p.mu.Unlock()
	}()

	p.events.Emit(Event{Type: typ, AttemptID: p.attempt(), Data: data})

	select {
	case a := <-pr.reply:
		return a, nil
	case <-ctx.Done():
		return answer{}, ctx.Err()
	}
}

func (p *Prompter) take(nodeID uint16, kind PromptKind) (*prompt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.pending[nodeID]
	if !ok || (kind != "" && pr.Kind != kind) {
		return nil, fmt.Errorf("node %d: %w", nodeID, ErrNoPrompt)
	}
	delete(p.pending, nodeID)
	return pr, nil
}

// SubmitGrant answers a grant request.
func (p *Prompter) SubmitGrant(nodeID uint16, g bootstrap.Grant) error {
	pr, err := p.take(nodeID, PromptGrant)
	if err != nil {
		return err
	}
	pr.reply <- answer{grant: g}
	return nil
}

// SubmitPIN answers a DSK request with the PIN read off the device.
func (p *Prompter) SubmitPIN(nodeID uint16, pin string) error {
	pr, err := p.take(nodeID, PromptPIN)
	if err != nil {
		return err
	}
	pr.reply <- answer{pin: pin}
	return nil
}

// Reject declines whichever prompt is pending for nodeID.
func (p *Prompter) Reject(nodeID uint16) error {
	pr, err := p.take(nodeID, "")
	if err != nil {
		return err
	}
	pr.reply <- answer{err: bootstrap.ErrRejected}
	return nil
}

// Pending lists the unanswered prompts ordered by node.
func (p *Prompter) Pending() []PendingPrompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingPrompt, 0, len(p.pending))
	for _, pr := range p.pending {
		out = append(out, pr.PendingPrompt)
	}
	slices.SortFunc(out, func(a, b PendingPrompt) int { return int(a.NodeID) - int(b.NodeID) })
	return out
}
