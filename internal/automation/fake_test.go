//go:build !no_automation

package automation

import (
	"context"
	"sync"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/controller"
	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/store"
)

type fakeController struct {
	events *controller.EventBus

	mu          sync.Mutex
	inclusions  []controller.InclusionOptions
	exclusions  []controller.ExclusionOptions
	stops       int
	provisioned []provisioning.Entry
	removed     []string
	canceled    []bootstrap.FailureReason
}

func newFakeController() *fakeController {
	return &fakeController{events: controller.NewEventBus(testLogger())}
}

func (f *fakeController) Events() *controller.EventBus { return f.events }
func (f *fakeController) State() controller.StateKind  { return controller.StateIdle }

func (f *fakeController) Nodes() ([]*store.Node, error) {
	g := security.NewGrants(security.ClassS2Authenticated)
	return []*store.Node{
		{ID: 1, IsController: true},
		{ID: 5, FriendlyName: "lock", Grants: &g},
	}, nil
}

func (f *fakeController) BeginInclusion(_ context.Context, opts controller.InclusionOptions) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inclusions = append(f.inclusions, opts)
	return true, nil
}

func (f *fakeController) StopInclusion(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return true, nil
}

func (f *fakeController) BeginExclusion(_ context.Context, opts controller.ExclusionOptions) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exclusions = append(f.exclusions, opts)
	return true, nil
}

func (f *fakeController) StopExclusion(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return true, nil
}

func (f *fakeController) CancelSecureBootstrap(reason bootstrap.FailureReason) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, reason)
	return true
}

func (f *fakeController) ProvisionSmartStartNode(e provisioning.Entry) error {
	if err := e.Normalize(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisioned = append(f.provisioned, e)
	return nil
}

func (f *fakeController) UnprovisionSmartStartNode(ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ref)
	return nil
}

// recordingCallbacks is a fallback UserCallbacks that records calls.
type recordingCallbacks struct {
	mu      sync.Mutex
	grants  int
	pins    int
	aborted []uint16
}

func (r *recordingCallbacks) GrantSecurityClasses(_ context.Context, req bootstrap.GrantRequest) (bootstrap.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants++
	return bootstrap.Grant{Classes: req.Classes}, nil
}

func (r *recordingCallbacks) ValidateDSKAndEnterPIN(context.Context, uint16, string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pins++
	return "11111", nil
}

func (r *recordingCallbacks) Abort(nodeID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = append(r.aborted, nodeID)
}
