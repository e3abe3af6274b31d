//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/security"
)

const testPolicy = `
function grant(req)
	if req.node_id == 3 then return false end
	if req.node_id == 4 then return nil end
	if req.node_id == 5 then error("broken") end
	local out = {}
	for _, c in ipairs(req.classes) do
		if c ~= "S2_AccessControl" then table.insert(out, c) end
	end
	return out
end

function pin(node_id, dsk)
	if node_id == 2 then return "12345" end
	if node_id == 3 then return false end
	if node_id == 6 then return 12 end
end

aborts = 0
function aborted(node_id) aborts = aborts + 1 end
`

func newTestPolicy(t *testing.T, code string) (*Policy, *recordingCallbacks) {
	t.Helper()
	fb := &recordingCallbacks{}
	p, err := NewPolicy(code, fb, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)
	return p, fb
}

func TestPolicyGrant(t *testing.T) {
	p, fb := newTestPolicy(t, testPolicy)
	ctx := context.Background()
	req := bootstrap.GrantRequest{
		NodeID:  2,
		Classes: []security.Class{security.ClassS2AccessControl, security.ClassS2Authenticated, security.ClassS0Legacy},
	}

	g, err := p.GrantSecurityClasses(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	want := []security.Class{security.ClassS2Authenticated, security.ClassS0Legacy}
	if !slices.Equal(g.Classes, want) {
		t.Errorf("grant = %+v", g)
	}

	req.NodeID = 3
	if _, err := p.GrantSecurityClasses(ctx, req); !errors.Is(err, bootstrap.ErrRejected) {
		t.Errorf("false should reject, got %v", err)
	}
	req.NodeID = 5
	if _, err := p.GrantSecurityClasses(ctx, req); !errors.Is(err, bootstrap.ErrRejected) {
		t.Errorf("script error should reject, got %v", err)
	}
	if fb.grants != 0 {
		t.Errorf("fallback called %d times", fb.grants)
	}

	req.NodeID = 4
	if _, err := p.GrantSecurityClasses(ctx, req); err != nil {
		t.Fatal(err)
	}
	if fb.grants != 1 {
		t.Errorf("nil should defer to fallback, grants = %d", fb.grants)
	}
}

func TestPolicyPIN(t *testing.T) {
	p, fb := newTestPolicy(t, testPolicy)
	ctx := context.Background()

	pin, err := p.ValidateDSKAndEnterPIN(ctx, 2, "-22222-33333")
	if err != nil || pin != "12345" {
		t.Errorf("pin = %q, %v", pin, err)
	}
	if _, err := p.ValidateDSKAndEnterPIN(ctx, 3, ""); !errors.Is(err, bootstrap.ErrRejected) {
		t.Errorf("false should reject, got %v", err)
	}
	if _, err := p.ValidateDSKAndEnterPIN(ctx, 6, ""); !errors.Is(err, bootstrap.ErrRejected) {
		t.Errorf("non-string should reject, got %v", err)
	}
	pin, err = p.ValidateDSKAndEnterPIN(ctx, 9, "")
	if err != nil || pin != "11111" || fb.pins != 1 {
		t.Errorf("fallback pin = %q, %v, calls %d", pin, err, fb.pins)
	}
}

func TestPolicyWithoutFunctions(t *testing.T) {
	p, fb := newTestPolicy(t, `-- nothing here`)
	if _, err := p.GrantSecurityClasses(context.Background(), bootstrap.GrantRequest{NodeID: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ValidateDSKAndEnterPIN(context.Background(), 2, ""); err != nil {
		t.Fatal(err)
	}
	if fb.grants != 1 || fb.pins != 1 {
		t.Errorf("fallback calls = %d/%d", fb.grants, fb.pins)
	}
}

func TestPolicyAbortReachesFallback(t *testing.T) {
	p, fb := newTestPolicy(t, testPolicy)
	p.Abort(8)
	if !slices.Equal(fb.aborted, []uint16{8}) {
		t.Errorf("aborted = %v", fb.aborted)
	}
	if n := p.L.GetGlobal("aborts").String(); n != "1" {
		t.Errorf("script abort hook ran %s times", n)
	}
}

func TestPolicyRunawayScriptTimesOut(t *testing.T) {
	p, fb := newTestPolicy(t, `function grant(req) while true do end end`)
	if _, err := p.GrantSecurityClasses(context.Background(), bootstrap.GrantRequest{NodeID: 2}); !errors.Is(err, bootstrap.ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
	if fb.grants != 0 {
		t.Error("fallback should not be asked after a script error")
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.lua")
	if _, err := LoadPolicy(path, &recordingCallbacks{}, testLogger()); err == nil {
		t.Error("expected error for missing file")
	}
	if err := os.WriteFile(path, []byte("function grant("), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicy(path, &recordingCallbacks{}, testLogger()); err == nil {
		t.Error("expected error for invalid script")
	}
}
