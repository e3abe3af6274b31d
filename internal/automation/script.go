// Package automation runs user Lua: hook scripts that react to controller
// events, and a policy script that answers S2 grant and PIN requests.
package automation

import (
	"context"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/controller"
	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/store"
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one hook script stored on disk.
type Script struct {
	ID       string     `json:"id"` // filename stem
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Controller is what hook scripts may drive.
type Controller interface {
	Events() *controller.EventBus
	State() controller.StateKind
	Nodes() ([]*store.Node, error)
	BeginInclusion(ctx context.Context, opts controller.InclusionOptions) (bool, error)
	StopInclusion(ctx context.Context) (bool, error)
	BeginExclusion(ctx context.Context, opts controller.ExclusionOptions) (bool, error)
	StopExclusion(ctx context.Context) (bool, error)
	CancelSecureBootstrap(reason bootstrap.FailureReason) bool
	ProvisionSmartStartNode(entry provisioning.Entry) error
	UnprovisionSmartStartNode(dskOrNodeID string) error
}
