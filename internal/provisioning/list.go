// Package provisioning keeps the SmartStart provisioning list: the DSKs of
// devices the user has pre-approved, with the security classes each may be
// granted.
package provisioning

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"zwave-go-home/internal/security"
)

var (
	ErrNotFound     = errors.New("provisioning: entry not found")
	ErrInvalidEntry = errors.New("provisioning: invalid entry")
)

// Protocol is the radio protocol a provisioned node joins with.
type Protocol string

const (
	ProtocolZWave          Protocol = "zwave"
	ProtocolZWaveLongRange Protocol = "zwave_lr"
)

// Status controls whether an entry is eligible for SmartStart inclusion.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Entry is one provisioned device.
type Entry struct {
	DSK             string           `json:"dsk" yaml:"dsk"`
	SecurityClasses []security.Class `json:"security_classes" yaml:"security_classes"`
	// RequestedClasses is what the device asked for when it was last
	// bootstrapped, kept for display.
	RequestedClasses []security.Class `json:"requested_security_classes,omitempty" yaml:"requested_security_classes,omitempty"`
	Protocol         Protocol         `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Status           Status           `json:"status,omitempty" yaml:"status,omitempty"`
	NodeID           uint16           `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	Name             string           `json:"name,omitempty" yaml:"name,omitempty"`
}

// Normalize fills defaults and validates the entry. The DSK is rewritten
// in canonical form.
func (e *Entry) Normalize() error {
	dsk, err := security.ParseDSK(e.DSK)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	e.DSK = dsk.String()
	if e.Protocol == "" {
		e.Protocol = ProtocolZWave
	}
	if e.Protocol != ProtocolZWave && e.Protocol != ProtocolZWaveLongRange {
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidEntry, e.Protocol)
	}
	if e.Status == "" {
		e.Status = StatusActive
	}
	if e.Status != StatusActive && e.Status != StatusInactive {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntry, e.Status)
	}
	if len(e.SecurityClasses) == 0 {
		return fmt.Errorf("%w: no security classes", ErrInvalidEntry)
	}
	for _, c := range e.SecurityClasses {
		if c.Rank() <= 0 {
			return fmt.Errorf("%w: class %s cannot be granted", ErrInvalidEntry, c)
		}
	}
	return nil
}

// ParsedDSK returns the entry's DSK bytes.
func (e *Entry) ParsedDSK() (security.DSK, error) {
	return security.ParseDSK(e.DSK)
}

// Active reports whether the entry takes part in SmartStart.
func (e *Entry) Active() bool {
	return e.Status != StatusInactive
}

// Backend persists the list.
type Backend interface {
	SaveProvisioning(entries []Entry) error
	LoadProvisioning() ([]Entry, error)
}

// List is the ordered provisioning list. Every mutation is written
// through to the backend before listeners are notified.
type List struct {
	mu       sync.RWMutex
	entries  []Entry
	backend  Backend
	logger   *slog.Logger
	onChange []func()
}

// NewList loads the list from backend. A nil backend keeps it in memory.
func NewList(backend Backend, logger *slog.Logger) (*List, error) {
	l := &List{backend: backend, logger: logger.With("component", "provisioning")}
	if backend != nil {
		entries, err := backend.LoadProvisioning()
		if err != nil {
			return nil, fmt.Errorf("load provisioning list: %w", err)
		}
		l.entries = entries
	}
	return l, nil
}

// OnChange registers a listener called after every successful mutation.
func (l *List) OnChange(fn func()) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// mutate applies fn to a copy of the entries, persists the result and
// notifies listeners.
func (l *List) mutate(fn func(entries []Entry) ([]Entry, error)) error {
	l.mu.Lock()
	next, err := fn(slices.Clone(l.entries))
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if l.backend != nil {
		if err := l.backend.SaveProvisioning(next); err != nil {
			l.mu.Unlock()
			return fmt.Errorf("save provisioning list: %w", err)
		}
	}
	l.entries = next
	listeners := slices.Clone(l.onChange)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return nil
}

func indexByDSK(entries []Entry, dsk string) int {
	return slices.IndexFunc(entries, func(e Entry) bool { return e.DSK == dsk })
}

// Upsert adds an entry or replaces the one with the same DSK in place.
func (l *List) Upsert(e Entry) error {
	if err := e.Normalize(); err != nil {
		return err
	}
	return l.mutate(func(entries []Entry) ([]Entry, error) {
		if i := indexByDSK(entries, e.DSK); i >= 0 {
			if e.NodeID == 0 {
				e.NodeID = entries[i].NodeID
			}
			entries[i] = e
			return entries, nil
		}
		l.logger.Info("entry added", "dsk", e.DSK, "classes", e.SecurityClasses)
		return append(entries, e), nil
	})
}

// Remove deletes the entry with the given DSK.
func (l *List) Remove(dsk string) (Entry, error) {
	canon, err := canonicalDSK(dsk)
	if err != nil {
		return Entry{}, err
	}
	var removed Entry
	err = l.mutate(func(entries []Entry) ([]Entry, error) {
		i := indexByDSK(entries, canon)
		if i < 0 {
			return nil, fmt.Errorf("dsk %s: %w", canon, ErrNotFound)
		}
		removed = entries[i]
		return slices.Delete(entries, i, i+1), nil
	})
	return removed, err
}

// RemoveByNodeID deletes the entry assigned to nodeID.
func (l *List) RemoveByNodeID(nodeID uint16) (Entry, error) {
	e, ok := l.GetByNodeID(nodeID)
	if !ok {
		return Entry{}, fmt.Errorf("node %d: %w", nodeID, ErrNotFound)
	}
	return l.Remove(e.DSK)
}

// SetStatus activates or deactivates an entry.
func (l *List) SetStatus(dsk string, status Status) error {
	canon, err := canonicalDSK(dsk)
	if err != nil {
		return err
	}
	return l.mutate(func(entries []Entry) ([]Entry, error) {
		i := indexByDSK(entries, canon)
		if i < 0 {
			return nil, fmt.Errorf("dsk %s: %w", canon, ErrNotFound)
		}
		entries[i].Status = status
		return entries, nil
	})
}

// AssignNode records the node ID a provisioned device was included as.
func (l *List) AssignNode(dsk string, nodeID uint16) error {
	canon, err := canonicalDSK(dsk)
	if err != nil {
		return err
	}
	return l.mutate(func(entries []Entry) ([]Entry, error) {
		i := indexByDSK(entries, canon)
		if i < 0 {
			return nil, fmt.Errorf("dsk %s: %w", canon, ErrNotFound)
		}
		entries[i].NodeID = nodeID
		return entries, nil
	})
}

// Get returns the entry with the given DSK.
func (l *List) Get(dsk string) (Entry, bool) {
	canon, err := canonicalDSK(dsk)
	if err != nil {
		return Entry{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := indexByDSK(l.entries, canon); i >= 0 {
		return l.entries[i], true
	}
	return Entry{}, false
}

// GetByNodeID returns the entry assigned to nodeID.
func (l *List) GetByNodeID(nodeID uint16) (Entry, bool) {
	if nodeID == 0 {
		return Entry{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.NodeID == nodeID {
			return e, true
		}
	}
	return Entry{}, false
}

// All returns a copy of the list in order.
func (l *List) All() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.entries)
}

func canonicalDSK(s string) (string, error) {
	d, err := security.ParseDSK(s)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}
