package web

import (
	"errors"
	"net/http"
	"strconv"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/controller"
	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/security"
	"zwave-go-home/internal/store"
)

func nodeIDParam(r *http.Request) (uint16, bool) {
	v, err := strconv.ParseUint(r.PathValue("id"), 10, 16)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint16(v), true
}

type stateResponse struct {
	State             controller.StateKind       `json:"state"`
	BootstrappingNode uint16                     `json:"bootstrapping_node,omitempty"`
	Prompts           []controller.PendingPrompt `json:"prompts"`
}

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, stateResponse{
		State:             s.ctl.State(),
		BootstrappingNode: s.ctl.BootstrappingNode(),
		Prompts:           s.ctl.Prompter().Pending(),
	})
}

func (s *Server) handleAPIListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.ctl.Nodes()
	if err != nil {
		s.logger.Error("list nodes", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if nodes == nil {
		nodes = []*store.Node{}
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleAPIGetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeIDParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	n, err := s.ctl.Node(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "node not found")
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

type renameNodeRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameNode(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeIDParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	var req renameNodeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.ctl.RenameNode(id, req.FriendlyName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "node not found")
			return
		}
		s.logger.Error("rename node", "node", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": req.FriendlyName})
}

// writeStarted reports the result of a begin/stop call: 200 when it took
// effect, 409 when the controller was in the wrong state and 502 when the
// radio refused.
func (s *Server) writeStarted(w http.ResponseWriter, op string, ok bool, err error) {
	var opErr *controller.OperationError
	switch {
	case errors.Is(err, controller.ErrNoProvisioning):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, controller.ErrNodeNotFailed):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &opErr):
		s.logger.Warn(op, "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	case err != nil:
		s.logger.Error(op, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	case !ok:
		s.writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "state": s.ctl.State()})
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "state": s.ctl.State()})
	}
}

type inclusionRequest struct {
	Strategy      controller.InclusionStrategy `json:"strategy"`
	ForceSecurity bool                         `json:"force_security"`
	// DSK selects the provisioning entry for smart_start.
	DSK string `json:"dsk,omitempty"`
}

func (s *Server) inclusionOptions(req inclusionRequest) (controller.InclusionOptions, bool) {
	opts := controller.InclusionOptions{Strategy: req.Strategy, ForceSecurity: req.ForceSecurity}
	if req.Strategy == controller.StrategySmartStart {
		e, ok := s.ctl.GetProvisioningEntry(req.DSK)
		if !ok {
			return opts, false
		}
		opts.Provisioning = &e
	}
	return opts, true
}

func (s *Server) handleAPIBeginInclusion(w http.ResponseWriter, r *http.Request) {
	var req inclusionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	opts, found := s.inclusionOptions(req)
	if !found {
		s.writeError(w, http.StatusNotFound, "provisioning entry not found")
		return
	}
	ok, err := s.ctl.BeginInclusion(r.Context(), opts)
	s.writeStarted(w, "begin inclusion", ok, err)
}

func (s *Server) handleAPIStopInclusion(w http.ResponseWriter, r *http.Request) {
	ok, err := s.ctl.StopInclusion(r.Context())
	s.writeStarted(w, "stop inclusion", ok, err)
}

type exclusionRequest struct {
	Strategy *controller.ExclusionStrategy `json:"strategy"`
}

func (s *Server) handleAPIBeginExclusion(w http.ResponseWriter, r *http.Request) {
	var req exclusionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// A device excluded from the UI should not come straight back through
	// SmartStart.
	opts := controller.ExclusionOptions{Strategy: controller.DisableProvisioningEntry}
	if req.Strategy != nil {
		opts.Strategy = *req.Strategy
	}
	ok, err := s.ctl.BeginExclusion(r.Context(), opts)
	s.writeStarted(w, "begin exclusion", ok, err)
}

func (s *Server) handleAPIStopExclusion(w http.ResponseWriter, r *http.Request) {
	ok, err := s.ctl.StopExclusion(r.Context())
	s.writeStarted(w, "stop exclusion", ok, err)
}

func (s *Server) handleAPIReplaceNode(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeIDParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	var req inclusionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	opts := controller.InclusionOptions{Strategy: req.Strategy, ForceSecurity: req.ForceSecurity}
	started, err := s.ctl.ReplaceFailedNode(r.Context(), id, opts)
	s.writeStarted(w, "replace failed node", started, err)
}

type cancelRequest struct {
	Reason bootstrap.FailureReason `json:"reason"`
}

func (s *Server) handleAPICancelBootstrap(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.ctl.CancelSecureBootstrap(req.Reason) {
		s.writeError(w, http.StatusConflict, "no bootstrap in progress")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListPrompts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctl.Prompter().Pending())
}

type grantRequest struct {
	Classes []security.Class `json:"classes"`
}

func (s *Server) handleAPIGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeIDParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	var req grantRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.ctl.Prompter().SubmitGrant(id, bootstrap.Grant{Classes: req.Classes})
	s.writePromptResult(w, err)
}

type pinRequest struct {
	PIN string `json:"pin"`
}

func (s *Server) handleAPIPIN(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeIDParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	var req pinRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.writePromptResult(w, s.ctl.Prompter().SubmitPIN(id, req.PIN))
}

func (s *Server) handleAPIReject(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeIDParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	s.writePromptResult(w, s.ctl.Prompter().Reject(id))
}

func (s *Server) writePromptResult(w http.ResponseWriter, err error) {
	if errors.Is(err, controller.ErrNoPrompt) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListProvisioning(w http.ResponseWriter, r *http.Request) {
	entries := s.ctl.GetProvisioningEntries()
	if entries == nil {
		entries = []provisioning.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAPIGetProvisioning(w http.ResponseWriter, r *http.Request) {
	e, ok := s.ctl.GetProvisioningEntry(r.PathValue("ref"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "provisioning entry not found")
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleAPIPutProvisioning(w http.ResponseWriter, r *http.Request) {
	var e provisioning.Entry
	if err := decodeBody(w, r, &e); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.ctl.ProvisionSmartStartNode(e); err != nil {
		if errors.Is(err, provisioning.ErrInvalidEntry) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("provision node", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	saved, _ := s.ctl.GetProvisioningEntry(e.DSK)
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAPIDeleteProvisioning(w http.ResponseWriter, r *http.Request) {
	err := s.ctl.UnprovisionSmartStartNode(r.PathValue("ref"))
	switch {
	case errors.Is(err, provisioning.ErrNotFound), errors.Is(err, security.ErrInvalidDSK):
		s.writeError(w, http.StatusNotFound, "provisioning entry not found")
	case err != nil:
		s.logger.Error("unprovision node", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
