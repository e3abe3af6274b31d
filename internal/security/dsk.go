package security

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidDSK = errors.New("security: invalid DSK")
	ErrInvalidPIN = errors.New("security: PIN must be 5 decimal digits")
)

// DSK is the device-specific key: the first 16 bytes of a node's S2 public
// key.
type DSK [16]byte

// DSKFromPublicKey takes the first 16 bytes of pub.
func DSKFromPublicKey(pub [32]byte) DSK {
	var d DSK
	copy(d[:], pub[:16])
	return d
}

// ParseDSK parses the text form "xxxxx-xxxxx-...-xxxxx" (8 groups of five
// decimal digits, each 0..65535).
func ParseDSK(s string) (DSK, error) {
	var d DSK
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 8 {
		return d, fmt.Errorf("%w: want 8 groups, got %d", ErrInvalidDSK, len(parts))
	}
	for i, p := range parts {
		if len(p) != 5 {
			return d, fmt.Errorf("%w: group %d %q is not 5 digits", ErrInvalidDSK, i+1, p)
		}
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return d, fmt.Errorf("%w: group %d %q", ErrInvalidDSK, i+1, p)
		}
		binary.BigEndian.PutUint16(d[i*2:], uint16(v))
	}
	return d, nil
}

func (d DSK) String() string {
	var sb strings.Builder
	for i := 0; i < 8; i++ {
		if i > 0 {
			sb.WriteByte('-')
		}
		fmt.Fprintf(&sb, "%05d", binary.BigEndian.Uint16(d[i*2:]))
	}
	return sb.String()
}

// PIN returns the first group of the DSK, which is what the user enters
// for authenticated classes.
func (d DSK) PIN() string {
	return fmt.Sprintf("%05d", binary.BigEndian.Uint16(d[:2]))
}

// WithoutPIN returns the text form with the first group removed, as it is
// shown to the user for confirmation.
func (d DSK) WithoutPIN() string {
	return d.String()[6:]
}

// NWIHomeID is the home ID a SmartStart node announces itself with while
// waiting for network-wide inclusion.
func (d DSK) NWIHomeID() [4]byte {
	var h [4]byte
	copy(h[:], d[8:12])
	h[0] |= 0xC0
	h[3] &= 0xFE
	return h
}

// AuthHomeID is the home ID the controller hands to the radio when
// starting a SmartStart inclusion for this DSK.
func (d DSK) AuthHomeID() [4]byte {
	var h [4]byte
	copy(h[:], d[8:12])
	h[0] &= 0x3F
	h[3] |= 0x01
	return h
}

// ParsePIN validates a user-entered PIN.
func ParsePIN(pin string) (uint16, error) {
	if len(pin) != 5 {
		return 0, ErrInvalidPIN
	}
	v, err := strconv.ParseUint(pin, 10, 16)
	if err != nil {
		return 0, ErrInvalidPIN
	}
	return uint16(v), nil
}

// ApplyPIN writes the PIN into the two obscured leading bytes of a node's
// public key.
func ApplyPIN(pub *[32]byte, pin string) error {
	v, err := ParsePIN(pin)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(pub[:2], v)
	return nil
}
