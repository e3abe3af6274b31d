package bootstrap

import (
	"context"
	"fmt"
	"slices"

	"zwave-go-home/internal/security"
)

// Provisioned answers the S2 call-outs from a provisioning entry instead of
// asking a user: it grants the entry's classes and supplies the PIN from
// the known DSK.
type Provisioned struct {
	DSK     security.DSK
	Classes []security.Class
}

func (p Provisioned) GrantSecurityClasses(_ context.Context, req GrantRequest) (Grant, error) {
	var g Grant
	for _, c := range req.Classes {
		if slices.Contains(p.Classes, c) {
			g.Classes = append(g.Classes, c)
		}
	}
	if len(g.Classes) == 0 {
		return g, fmt.Errorf("node %d requested none of the provisioned classes: %w", req.NodeID, ErrRejected)
	}
	return g, nil
}

// ValidateDSKAndEnterPIN checks that the node's DSK is the provisioned one.
func (p Provisioned) ValidateDSKAndEnterPIN(_ context.Context, nodeID uint16, dsk string) (string, error) {
	if dsk != p.DSK.WithoutPIN() {
		return "", fmt.Errorf("node %d DSK %s does not match provisioned %s: %w", nodeID, dsk, p.DSK, ErrRejected)
	}
	return p.DSK.PIN(), nil
}

func (p Provisioned) Abort(uint16) {}
