// Package cc implements the Z-Wave command classes used while bootstrapping
// nodes: Security (S0), Security 2 key exchange, and Inclusion Controller.
// Each command marshals to and parses from the application payload
// (command class byte, command byte, parameters).
package cc

import (
	"errors"
	"fmt"

	"zwave-go-home/internal/security"
)

// Command class identifiers.
const (
	ClassSecurity            uint8 = 0x98
	ClassSecurity2           uint8 = 0x9F
	ClassInclusionController uint8 = 0x74
)

var (
	ErrShortPayload   = errors.New("cc: payload too short")
	ErrUnknownCommand = errors.New("cc: unknown command")
	ErrNotSendable    = errors.New("cc: command cannot be sent")
)

// Command is one decoded command class command.
type Command interface {
	CommandClass() uint8
	CommandID() uint8
	// MarshalBinary returns the full application payload including the
	// command class and command bytes.
	MarshalBinary() ([]byte, error)
}

// Received is an inbound command together with its sender and the
// security class whose key decrypted it. Security is ClassNone for
// plaintext frames and ClassTemporary for frames decrypted with a
// bootstrap's temporary key.
type Received struct {
	NodeID   uint16
	Command  Command
	Security security.Class
}

func (r *Received) String() string {
	return fmt.Sprintf("node %d %s (%s)", r.NodeID, Name(r.Command), r.Security)
}

// UndecryptableFrame stands in for an encapsulated frame from a node that
// no installed key could decrypt. It is delivered like any other command so
// waiters can react to a wrong key.
type UndecryptableFrame struct {
	Class uint8
}

func (c *UndecryptableFrame) CommandClass() uint8 { return c.Class }
func (c *UndecryptableFrame) CommandID() uint8    { return 0xFF }
func (c *UndecryptableFrame) MarshalBinary() ([]byte, error) {
	return nil, ErrNotSendable
}

func header(c Command, params ...byte) []byte {
	out := make([]byte, 0, 2+len(params))
	out = append(out, c.CommandClass(), c.CommandID())
	return append(out, params...)
}

func need(data []byte, n int) error {
	if len(data) < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortPayload, n, len(data))
	}
	return nil
}
