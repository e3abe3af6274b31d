package controller

import (
	"fmt"
	"strings"

	"zwave-go-home/internal/provisioning"
)

// InclusionStrategy selects how a new node is secured.
type InclusionStrategy uint8

const (
	// StrategyDefault uses S2 when the node supports it, otherwise S0 when
	// the node supports it and its device class calls for security.
	StrategyDefault InclusionStrategy = iota
	StrategySmartStart
	StrategyInsecure
	StrategySecurityS0
	StrategySecurityS2
)

var strategyNames = map[InclusionStrategy]string{
	StrategyDefault:    "default",
	StrategySmartStart: "smart_start",
	StrategyInsecure:   "insecure",
	StrategySecurityS0: "security_s0",
	StrategySecurityS2: "security_s2",
}

func (s InclusionStrategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("InclusionStrategy(%d)", uint8(s))
}

// secure reports whether s asks for a security bootstrap up front.
func (s InclusionStrategy) secure() bool {
	switch s {
	case StrategySmartStart, StrategySecurityS0, StrategySecurityS2:
		return true
	}
	return false
}

func (s InclusionStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *InclusionStrategy) UnmarshalText(b []byte) error {
	v := strings.ToLower(strings.ReplaceAll(string(b), "-", "_"))
	for k, n := range strategyNames {
		if n == v {
			*s = k
			return nil
		}
	}
	switch v {
	case "s0":
		*s = StrategySecurityS0
	case "s2":
		*s = StrategySecurityS2
	case "":
		*s = StrategyDefault
	default:
		return fmt.Errorf("unknown inclusion strategy %q", b)
	}
	return nil
}

// InclusionOptions are fixed for the duration of one inclusion attempt.
type InclusionOptions struct {
	Strategy InclusionStrategy `json:"strategy"`
	// Provisioning is the matched entry of a SmartStart inclusion.
	Provisioning *provisioning.Entry `json:"provisioning,omitempty"`
	// ForceSecurity uses S0 even when the device class does not need it.
	ForceSecurity bool `json:"force_security,omitempty"`
}

// ExclusionStrategy decides what happens to the provisioning entry of an
// excluded node.
type ExclusionStrategy uint8

const (
	ExcludeOnly ExclusionStrategy = iota
	DisableProvisioningEntry
	Unprovision
)

var exclusionNames = map[ExclusionStrategy]string{
	ExcludeOnly:              "exclude_only",
	DisableProvisioningEntry: "disable_provisioning_entry",
	Unprovision:              "unprovision",
}

func (s ExclusionStrategy) String() string {
	if n, ok := exclusionNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ExclusionStrategy(%d)", uint8(s))
}

func (s ExclusionStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ExclusionStrategy) UnmarshalText(b []byte) error {
	v := strings.ToLower(strings.ReplaceAll(string(b), "-", "_"))
	for k, n := range exclusionNames {
		if n == v {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown exclusion strategy %q", b)
}

type ExclusionOptions struct {
	Strategy ExclusionStrategy `json:"strategy"`
}
