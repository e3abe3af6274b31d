package cc

import (
	"fmt"
	"sync"
)

// ParseFunc decodes the parameters that follow the command class and
// command bytes.
type ParseFunc func(params []byte) (Command, error)

// CommandDef describes one parseable command.
type CommandDef struct {
	Class   uint8
	Command uint8
	Name    string
	Parse   ParseFunc
}

type commandKey struct {
	class, cmd uint8
}

// Registry maps (command class, command) pairs to their parsers.
type Registry struct {
	mu   sync.RWMutex
	defs map[commandKey]CommandDef
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[commandKey]CommandDef)}
}

// Register adds or replaces a command definition.
func (r *Registry) Register(d CommandDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[commandKey{d.Class, d.Command}] = d
}

// Lookup returns the definition of a command, if registered.
func (r *Registry) Lookup(class, cmd uint8) (CommandDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[commandKey{class, cmd}]
	return d, ok
}

// Parse decodes a full application payload.
func (r *Registry) Parse(payload []byte) (Command, error) {
	if err := need(payload, 2); err != nil {
		return nil, err
	}
	d, ok := r.Lookup(payload[0], payload[1])
	if !ok {
		return nil, fmt.Errorf("%w: class 0x%02X command 0x%02X", ErrUnknownCommand, payload[0], payload[1])
	}
	cmd, err := d.Parse(payload[2:])
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", d.Name, err)
	}
	return cmd, nil
}

// DefaultRegistry knows every command in this package.
var DefaultRegistry = newDefaultRegistry()

func newDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range security0Commands {
		r.Register(d)
	}
	for _, d := range security2Commands {
		r.Register(d)
	}
	for _, d := range inclusionControllerCommands {
		r.Register(d)
	}
	return r
}

// Parse decodes a payload with DefaultRegistry.
func Parse(payload []byte) (Command, error) {
	return DefaultRegistry.Parse(payload)
}

// Name returns a readable name for a command, for logs.
func Name(c Command) string {
	if c == nil {
		return "<nil>"
	}
	if d, ok := DefaultRegistry.Lookup(c.CommandClass(), c.CommandID()); ok {
		return d.Name
	}
	if _, ok := c.(*UndecryptableFrame); ok {
		return "UndecryptableFrame"
	}
	return fmt.Sprintf("0x%02X/0x%02X", c.CommandClass(), c.CommandID())
}
