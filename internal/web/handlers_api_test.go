package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/controller"
	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/store"
)

const testDSK = "11111-22222-33333-44444-55555-00001-00002-00003"

type fakeController struct {
	events *controller.EventBus
	prompt *controller.Prompter
	list   *provisioning.List

	mu         sync.Mutex
	state      controller.StateKind
	nodes      map[uint16]*store.Node
	beginOK    bool
	beginErr   error
	inclusions []controller.InclusionOptions
	exclusions []controller.ExclusionOptions
	replaced   []uint16
	canceled   []bootstrap.FailureReason
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()
	bus := controller.NewEventBus(testLogger())
	list, err := provisioning.NewList(nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return &fakeController{
		events:  bus,
		prompt:  controller.NewPrompter(bus),
		list:    list,
		state:   controller.StateIdle,
		nodes:   map[uint16]*store.Node{1: {ID: 1, IsController: true}},
		beginOK: true,
	}
}

func (f *fakeController) Events() *controller.EventBus   { return f.events }
func (f *fakeController) Prompter() *controller.Prompter { return f.prompt }
func (f *fakeController) BootstrappingNode() uint16      { return 0 }

func (f *fakeController) State() controller.StateKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) Nodes() ([]*store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Node
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeController) Node(id uint16) (*store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[id]; ok {
		return n, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeController) RenameNode(id uint16, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return fmt.Errorf("node %d: %w", id, store.ErrNotFound)
	}
	n.FriendlyName = name
	return nil
}

func (f *fakeController) BeginInclusion(_ context.Context, opts controller.InclusionOptions) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inclusions = append(f.inclusions, opts)
	if f.beginErr != nil || !f.beginOK {
		return false, f.beginErr
	}
	f.state = controller.StateIncluding
	return true, nil
}

func (f *fakeController) StopInclusion(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != controller.StateIncluding {
		return false, nil
	}
	f.state = controller.StateIdle
	return true, nil
}

func (f *fakeController) BeginExclusion(_ context.Context, opts controller.ExclusionOptions) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exclusions = append(f.exclusions, opts)
	f.state = controller.StateExcluding
	return true, nil
}

func (f *fakeController) StopExclusion(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = controller.StateIdle
	return true, nil
}

func (f *fakeController) ReplaceFailedNode(_ context.Context, id uint16, _ controller.InclusionOptions) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != 9 {
		return false, controller.ErrNodeNotFailed
	}
	f.replaced = append(f.replaced, id)
	return true, nil
}

func (f *fakeController) CancelSecureBootstrap(reason bootstrap.FailureReason) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, reason)
	return len(f.canceled) == 1
}

func (f *fakeController) GetProvisioningEntries() []provisioning.Entry { return f.list.All() }

func (f *fakeController) GetProvisioningEntry(ref string) (provisioning.Entry, bool) {
	if id, err := strconv.ParseUint(ref, 10, 16); err == nil {
		return f.list.GetByNodeID(uint16(id))
	}
	return f.list.Get(ref)
}

func (f *fakeController) ProvisionSmartStartNode(e provisioning.Entry) error { return f.list.Upsert(e) }

func (f *fakeController) UnprovisionSmartStartNode(ref string) error {
	if id, err := strconv.ParseUint(ref, 10, 16); err == nil {
		_, err := f.list.RemoveByNodeID(uint16(id))
		return err
	}
	_, err := f.list.Remove(ref)
	return err
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *fakeController) {
	t.Helper()
	ctl := newFakeController(t)
	s := NewServer(ctl, testLogger(), opts...)
	t.Cleanup(s.Stop)
	return s, ctl
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPIInclusionLifecycle(t *testing.T) {
	s, ctl := newTestServer(t)

	rec := do(t, s, "POST", "/api/inclusion/start", `{"strategy":"security_s2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rec.Code, rec.Body)
	}
	if ctl.inclusions[0].Strategy != controller.StrategySecurityS2 {
		t.Errorf("strategy = %v", ctl.inclusions[0].Strategy)
	}

	state := decode[stateResponse](t, do(t, s, "GET", "/api/state", ""))
	if state.State != controller.StateIncluding {
		t.Errorf("state = %q", state.State)
	}

	if rec := do(t, s, "POST", "/api/inclusion/stop", ""); rec.Code != http.StatusOK {
		t.Errorf("stop = %d", rec.Code)
	}
	if rec := do(t, s, "POST", "/api/inclusion/stop", ""); rec.Code != http.StatusConflict {
		t.Errorf("second stop = %d, want 409", rec.Code)
	}
}

func TestAPIInclusionErrors(t *testing.T) {
	s, ctl := newTestServer(t)

	if rec := do(t, s, "POST", "/api/inclusion/start", `{"strategy":"bogus"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad strategy = %d", rec.Code)
	}
	if rec := do(t, s, "POST", "/api/inclusion/start", `{"strategy":"smart_start","dsk":"`+testDSK+`"}`); rec.Code != http.StatusNotFound {
		t.Errorf("smart start without entry = %d", rec.Code)
	}

	ctl.beginErr = &controller.OperationError{Op: "add node", Err: errors.New("nak")}
	if rec := do(t, s, "POST", "/api/inclusion/start", ""); rec.Code != http.StatusBadGateway {
		t.Errorf("radio failure = %d", rec.Code)
	}
	ctl.beginErr = nil
	ctl.beginOK = false
	if rec := do(t, s, "POST", "/api/inclusion/start", ""); rec.Code != http.StatusConflict {
		t.Errorf("busy = %d", rec.Code)
	}
}

func TestAPISmartStartInclusionUsesEntry(t *testing.T) {
	s, ctl := newTestServer(t)
	if rec := do(t, s, "PUT", "/api/provisioning", `{"dsk":"`+testDSK+`","security_classes":["S2_Authenticated"]}`); rec.Code != http.StatusOK {
		t.Fatalf("provision = %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, s, "POST", "/api/inclusion/start", `{"strategy":"smart_start","dsk":"`+testDSK+`"}`); rec.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rec.Code, rec.Body)
	}
	got := ctl.inclusions[0].Provisioning
	if got == nil || got.DSK != testDSK {
		t.Errorf("provisioning = %+v", got)
	}
}

func TestAPIExclusionDefaultsToDisable(t *testing.T) {
	s, ctl := newTestServer(t)
	do(t, s, "POST", "/api/exclusion/start", "")
	do(t, s, "POST", "/api/exclusion/start", `{"strategy":"unprovision"}`)
	want := []controller.ExclusionStrategy{controller.DisableProvisioningEntry, controller.Unprovision}
	for i, w := range want {
		if ctl.exclusions[i].Strategy != w {
			t.Errorf("exclusion %d = %v, want %v", i, ctl.exclusions[i].Strategy, w)
		}
	}
}

func TestAPINodes(t *testing.T) {
	s, _ := newTestServer(t)

	nodes := decode[[]store.Node](t, do(t, s, "GET", "/api/nodes", ""))
	if len(nodes) != 1 || nodes[0].ID != 1 {
		t.Errorf("nodes = %+v", nodes)
	}
	if rec := do(t, s, "GET", "/api/nodes/7", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing node = %d", rec.Code)
	}
	if rec := do(t, s, "GET", "/api/nodes/zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d", rec.Code)
	}
	if rec := do(t, s, "PATCH", "/api/nodes/1", `{"friendly_name":"stick"}`); rec.Code != http.StatusOK {
		t.Errorf("rename = %d", rec.Code)
	}
	n := decode[store.Node](t, do(t, s, "GET", "/api/nodes/1", ""))
	if n.FriendlyName != "stick" {
		t.Errorf("name = %q", n.FriendlyName)
	}
	if rec := do(t, s, "PATCH", "/api/nodes/7", `{"friendly_name":"x"}`); rec.Code != http.StatusNotFound {
		t.Errorf("rename missing = %d", rec.Code)
	}
}

func TestAPIReplace(t *testing.T) {
	s, ctl := newTestServer(t)
	if rec := do(t, s, "POST", "/api/nodes/3/replace", ""); rec.Code != http.StatusConflict {
		t.Errorf("healthy node = %d, want 409", rec.Code)
	}
	if rec := do(t, s, "POST", "/api/nodes/9/replace", `{"strategy":"insecure"}`); rec.Code != http.StatusOK {
		t.Errorf("failed node = %d", rec.Code)
	}
	if len(ctl.replaced) != 1 {
		t.Errorf("replaced = %v", ctl.replaced)
	}
}

func TestAPICancelBootstrap(t *testing.T) {
	s, ctl := newTestServer(t)
	if rec := do(t, s, "POST", "/api/bootstrap/cancel", `{"reason":"UserCanceled"}`); rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d %s", rec.Code, rec.Body)
	}
	if ctl.canceled[0] != bootstrap.ReasonUserCanceled {
		t.Errorf("reason = %v", ctl.canceled[0])
	}
	if rec := do(t, s, "POST", "/api/bootstrap/cancel", ""); rec.Code != http.StatusConflict {
		t.Errorf("nothing to cancel = %d", rec.Code)
	}
}

func TestAPIGrantPrompt(t *testing.T) {
	s, ctl := newTestServer(t)

	type result struct {
		grant bootstrap.Grant
		err   error
	}
	done := make(chan result, 1)
	go func() {
		g, err := ctl.prompt.GrantSecurityClasses(context.Background(), bootstrap.GrantRequest{
			NodeID:  6,
			Classes: []security.Class{security.ClassS2Authenticated, security.ClassS0Legacy},
		})
		done <- result{g, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(ctl.prompt.Pending()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("prompt never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}
	prompts := decode[[]controller.PendingPrompt](t, do(t, s, "GET", "/api/prompts", ""))
	if len(prompts) != 1 || prompts[0].Kind != controller.PromptGrant || prompts[0].NodeID != 6 {
		t.Fatalf("prompts = %+v", prompts)
	}

	if rec := do(t, s, "POST", "/api/prompts/6/pin", `{"pin":"12345"}`); rec.Code != http.StatusNotFound {
		t.Errorf("pin for grant prompt = %d, want 404", rec.Code)
	}
	if rec := do(t, s, "POST", "/api/prompts/6/grant", `{"classes":["S2_Authenticated"]}`); rec.Code != http.StatusOK {
		t.Fatalf("grant = %d %s", rec.Code, rec.Body)
	}

	select {
	case r := <-done:
		if r.err != nil || len(r.grant.Classes) != 1 || r.grant.Classes[0] != security.ClassS2Authenticated {
			t.Errorf("grant = %+v, %v", r.grant, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("grant was not delivered")
	}
	if rec := do(t, s, "POST", "/api/prompts/6/reject", ""); rec.Code != http.StatusNotFound {
		t.Errorf("reject without prompt = %d", rec.Code)
	}
}

func TestAPIProvisioning(t *testing.T) {
	s, _ := newTestServer(t)

	if rec := do(t, s, "PUT", "/api/provisioning", `{"dsk":"nope","security_classes":["s0"]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid entry = %d", rec.Code)
	}
	rec := do(t, s, "PUT", "/api/provisioning", `{"dsk":"`+testDSK+`","security_classes":["s2_unauthenticated"],"name":"plug"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put = %d %s", rec.Code, rec.Body)
	}
	saved := decode[provisioning.Entry](t, rec)
	if saved.Status != provisioning.StatusActive || saved.Name != "plug" {
		t.Errorf("saved = %+v", saved)
	}

	list := decode[[]provisioning.Entry](t, do(t, s, "GET", "/api/provisioning", ""))
	if len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}
	if rec := do(t, s, "GET", "/api/provisioning/"+testDSK, ""); rec.Code != http.StatusOK {
		t.Errorf("get = %d", rec.Code)
	}
	if rec := do(t, s, "DELETE", "/api/provisioning/"+testDSK, ""); rec.Code != http.StatusOK {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := do(t, s, "DELETE", "/api/provisioning/"+testDSK, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d", rec.Code)
	}
	if rec := do(t, s, "DELETE", "/api/provisioning/garbage", ""); rec.Code != http.StatusNotFound {
		t.Errorf("garbage ref = %d", rec.Code)
	}
}

func TestAPIKeyAndOrigins(t *testing.T) {
	s, _ := newTestServer(t, WithAPIKey("secret"), WithAllowedOrigins([]string{"http://ui.local"}))

	if rec := do(t, s, "GET", "/api/state", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/state", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key = %d", rec.Code)
	}

	req = httptest.NewRequest("POST", "/api/inclusion/stop", nil)
	req.Header.Set("X-API-Key", "secret")
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign origin = %d", rec.Code)
	}
}

func TestAutomationRoutesDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	if rec := do(t, s, "GET", "/api/automations", ""); rec.Code != http.StatusNotFound {
		t.Errorf("automations without engine = %d", rec.Code)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	s, ctl := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"subscribe":["node_removed"]}`)); err != nil {
		t.Fatal(err)
	}

	go func() {
		for ctx.Err() == nil {
			ctl.events.Emit(controller.Event{Type: controller.EventNodeAdded})
			ctl.events.Emit(controller.Event{Type: controller.EventNodeRemoved, Data: controller.NodeRemovedData{NodeID: 3}})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	// Before the filter lands the stream alternates; afterwards only
	// node_removed arrives.
	streak := 0
	for streak < 5 {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read (streak %d): %v", streak, err)
		}
		var evt controller.Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatal(err)
		}
		if evt.Type == controller.EventNodeRemoved {
			streak++
		} else {
			streak = 0
		}
	}
}
