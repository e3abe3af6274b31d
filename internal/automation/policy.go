//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/security"
)

const policyTimeout = 2 * time.Second

// Policy answers S2 bootstrap prompts from a Lua script before falling
// back to another UserCallbacks, usually the interactive prompter.
//
// The script may define any of:
//
//	grant(req)          -- req = {node_id, classes}
//	pin(node_id, dsk)
//	aborted(node_id)
//
// grant returns an array of class names, pin returns the PIN string. Returning false
// rejects the request, nil or a missing function defers to the fallback.
// A script error rejects the request.
type Policy struct {
	mu       sync.Mutex
	L        *lua.LState
	fallback bootstrap.UserCallbacks
	logger   *slog.Logger
}

var _ bootstrap.UserCallbacks = (*Policy)(nil)

func NewPolicy(code string, fallback bootstrap.UserCallbacks, logger *slog.Logger) (*Policy, error) {
	p := &Policy{
		L:        newSandbox(),
		fallback: fallback,
		logger:   logger.With("component", "policy"),
	}
	p.L.SetGlobal("log", p.L.NewFunction(func(L *lua.LState) int {
		p.logger.Info("policy log", "msg", L.CheckString(1))
		return 0
	}))
	if err := p.L.DoString(code); err != nil {
		p.L.Close()
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return p, nil
}

// LoadPolicy reads a policy script from path.
func LoadPolicy(path string, fallback bootstrap.UserCallbacks, logger *slog.Logger) (*Policy, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return NewPolicy(string(code), fallback, logger)
}

func (p *Policy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.L.Close()
}

// call runs the named global with args and returns its first result.
// handled is false when the function is not defined.
func (p *Policy) call(ctx context.Context, name string, args ...lua.LValue) (ret lua.LValue, handled bool, err error) {
	fn, ok := p.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return lua.LNil, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, policyTimeout)
	defer cancel()
	p.L.SetContext(ctx)
	defer p.L.RemoveContext()

	if err := p.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, true, fmt.Errorf("policy %s: %w", name, err)
	}
	ret = p.L.Get(-1)
	p.L.Pop(1)
	return ret, true, nil
}

func (p *Policy) GrantSecurityClasses(ctx context.Context, req bootstrap.GrantRequest) (bootstrap.Grant, error) {
	p.mu.Lock()
	names := make([]string, len(req.Classes))
	for i, c := range req.Classes {
		names[i] = c.String()
	}
	t := p.L.NewTable()
	t.RawSetString("node_id", lua.LNumber(req.NodeID))
	t.RawSetString("classes", goToLua(p.L, names))

	ret, handled, err := p.call(ctx, "grant", t)
	grant, decided, err := p.parseGrant(req, ret, handled, err)
	p.mu.Unlock()

	if decided {
		return grant, err
	}
	return p.fallback.GrantSecurityClasses(ctx, req)
}

func (p *Policy) parseGrant(req bootstrap.GrantRequest, ret lua.LValue, handled bool, err error) (bootstrap.Grant, bool, error) {
	switch {
	case err != nil:
		p.logger.Error("grant policy failed", "node", req.NodeID, "err", err)
		return bootstrap.Grant{}, true, bootstrap.ErrRejected
	case !handled || ret == lua.LNil:
		return bootstrap.Grant{}, false, nil
	case ret == lua.LFalse:
		p.logger.Info("grant rejected by policy", "node", req.NodeID)
		return bootstrap.Grant{}, true, bootstrap.ErrRejected
	}

	t, ok := ret.(*lua.LTable)
	if !ok {
		p.logger.Error("grant policy returned a non-table", "node", req.NodeID, "type", ret.Type())
		return bootstrap.Grant{}, true, bootstrap.ErrRejected
	}
	var grant bootstrap.Grant
	for i := 1; i <= t.Len(); i++ {
		c, err := security.ParseClass(t.RawGetInt(i).String())
		if err != nil {
			p.logger.Error("grant policy returned an unknown class", "node", req.NodeID, "err", err)
			return bootstrap.Grant{}, true, bootstrap.ErrRejected
		}
		grant.Classes = append(grant.Classes, c)
	}
	p.logger.Info("grant decided by policy", "node", req.NodeID, "classes", grant.Classes)
	return grant, true, nil
}

func (p *Policy) ValidateDSKAndEnterPIN(ctx context.Context, nodeID uint16, dsk string) (string, error) {
	p.mu.Lock()
	ret, handled, err := p.call(ctx, "pin", lua.LNumber(nodeID), lua.LString(dsk))
	p.mu.Unlock()

	switch {
	case err != nil:
		p.logger.Error("pin policy failed", "node", nodeID, "err", err)
		return "", bootstrap.ErrRejected
	case !handled || ret == lua.LNil:
		return p.fallback.ValidateDSKAndEnterPIN(ctx, nodeID, dsk)
	case ret == lua.LFalse:
		return "", bootstrap.ErrRejected
	}
	if s, ok := ret.(lua.LString); ok {
		return string(s), nil
	}
	p.logger.Error("pin policy returned a non-string", "node", nodeID, "type", ret.Type())
	return "", bootstrap.ErrRejected
}

func (p *Policy) Abort(nodeID uint16) {
	p.mu.Lock()
	if _, _, err := p.call(context.Background(), "aborted", lua.LNumber(nodeID)); err != nil {
		p.logger.Warn("abort hook failed", "node", nodeID, "err", err)
	}
	p.mu.Unlock()
	p.fallback.Abort(nodeID)
}
