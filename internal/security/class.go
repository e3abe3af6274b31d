// Package security holds the security-class model and the key material used
// while bootstrapping Z-Wave nodes: S2 and S0 network keys, the temporary
// per-node keys of a running bootstrap, ECDH/CKDF derivations and DSK helpers.
package security

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Class is a Z-Wave security class. The zero value is ClassNone, so a
// zero Class never selects a key.
type Class int8

const (
	ClassTemporary         Class = -1
	ClassNone              Class = 0
	ClassS2Unauthenticated Class = 1
	ClassS2Authenticated   Class = 2
	ClassS2AccessControl   Class = 3
	ClassS0Legacy          Class = 4
)

// keyBits maps each grantable class to its bit in the KEX keys byte.
var keyBits = map[Class]byte{
	ClassS2Unauthenticated: 0x01,
	ClassS2Authenticated:   0x02,
	ClassS2AccessControl:   0x04,
	ClassS0Legacy:          0x80,
}

// GrantableClasses lists every class a node can be granted, strongest first.
var GrantableClasses = []Class{
	ClassS2AccessControl,
	ClassS2Authenticated,
	ClassS2Unauthenticated,
	ClassS0Legacy,
}

func (c Class) String() string {
	switch c {
	case ClassTemporary:
		return "Temporary"
	case ClassNone:
		return "None"
	case ClassS2Unauthenticated:
		return "S2_Unauthenticated"
	case ClassS2Authenticated:
		return "S2_Authenticated"
	case ClassS2AccessControl:
		return "S2_AccessControl"
	case ClassS0Legacy:
		return "S0_Legacy"
	}
	return fmt.Sprintf("Class(%d)", int8(c))
}

// Rank orders classes from weakest (None) to strongest (S2 Access Control).
// Temporary and unknown classes rank below None.
func (c Class) Rank() int {
	switch c {
	case ClassNone:
		return 0
	case ClassS0Legacy:
		return 1
	case ClassS2Unauthenticated:
		return 2
	case ClassS2Authenticated:
		return 3
	case ClassS2AccessControl:
		return 4
	}
	return -1
}

// IsS2 reports whether c is one of the three S2 classes.
func (c Class) IsS2() bool {
	return c == ClassS2Unauthenticated || c == ClassS2Authenticated || c == ClassS2AccessControl
}

// RequiresPIN reports whether granting c needs the DSK/PIN check.
func (c Class) RequiresPIN() bool {
	return c == ClassS2Authenticated || c == ClassS2AccessControl
}

func (c Class) grantable() bool {
	return c.IsS2() || c == ClassS0Legacy
}

// ParseClass accepts the String form or a few common aliases
// ("S2_Unauthenticated", "s2-auth", "S0", "access_control").
func ParseClass(s string) (Class, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	switch norm {
	case "s2unauthenticated", "s2unauth", "unauthenticated":
		return ClassS2Unauthenticated, nil
	case "s2authenticated", "s2auth", "authenticated":
		return ClassS2Authenticated, nil
	case "s2accesscontrol", "s2ac", "accesscontrol":
		return ClassS2AccessControl, nil
	case "s0legacy", "s0":
		return ClassS0Legacy, nil
	case "none":
		return ClassNone, nil
	case "temporary":
		return ClassTemporary, nil
	}
	return ClassNone, fmt.Errorf("unknown security class %q", s)
}

func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Class) UnmarshalText(b []byte) error {
	v, err := ParseClass(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// KeyBitmask encodes classes as the KEX requested/granted keys byte.
func KeyBitmask(classes []Class) byte {
	var b byte
	for _, c := range classes {
		b |= keyBits[c]
	}
	return b
}

// ClassesFromBitmask decodes a KEX keys byte, strongest first.
// Reserved bits are ignored.
func ClassesFromBitmask(b byte) []Class {
	var out []Class
	for _, c := range GrantableClasses {
		if b&keyBits[c] != 0 {
			out = append(out, c)
		}
	}
	return out
}

// Grants records, for every grantable class, whether the node holds it.
// The zero value grants nothing; every class always has a definite value.
type Grants struct {
	s2ac, s2auth, s2unauth, s0 bool
}

// NewGrants returns Grants with exactly the given classes set.
func NewGrants(granted ...Class) Grants {
	var g Grants
	for _, c := range granted {
		g = g.With(c, true)
	}
	return g
}

// With returns a copy of g with class c set to v. Non-grantable classes are
// ignored.
func (g Grants) With(c Class, v bool) Grants {
	switch c {
	case ClassS2AccessControl:
		g.s2ac = v
	case ClassS2Authenticated:
		g.s2auth = v
	case ClassS2Unauthenticated:
		g.s2unauth = v
	case ClassS0Legacy:
		g.s0 = v
	}
	return g
}

// Has reports whether c is granted.
func (g Grants) Has(c Class) bool {
	switch c {
	case ClassS2AccessControl:
		return g.s2ac
	case ClassS2Authenticated:
		return g.s2auth
	case ClassS2Unauthenticated:
		return g.s2unauth
	case ClassS0Legacy:
		return g.s0
	}
	return false
}

// Classes returns the granted classes, strongest first.
func (g Grants) Classes() []Class {
	var out []Class
	for _, c := range GrantableClasses {
		if g.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Highest returns the strongest granted class, or ClassNone.
func (g Grants) Highest() Class {
	for _, c := range GrantableClasses {
		if g.Has(c) {
			return c
		}
	}
	return ClassNone
}

// Any reports whether at least one class is granted.
func (g Grants) Any() bool {
	return g.Highest() != ClassNone
}

func (g Grants) String() string {
	cls := g.Classes()
	if len(cls) == 0 {
		return "none"
	}
	parts := make([]string, len(cls))
	for i, c := range cls {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// MarshalJSON writes every grantable class with its definite value.
func (g Grants) MarshalJSON() ([]byte, error) {
	m := make(map[string]bool, len(GrantableClasses))
	for _, c := range GrantableClasses {
		m[c.String()] = g.Has(c)
	}
	return json.Marshal(m)
}

func (g *Grants) UnmarshalJSON(b []byte) error {
	var m map[string]bool
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	var out Grants
	for name, v := range m {
		c, err := ParseClass(name)
		if err != nil {
			return err
		}
		if !c.grantable() {
			return fmt.Errorf("security class %s cannot be granted", c)
		}
		out = out.With(c, v)
	}
	*g = out
	return nil
}
