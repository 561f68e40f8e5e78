// Package mgmt implements the 5GMAG-RT management API: provisioning-session
// enumeration at /5gmag-rt-management/v1/provisioning-sessions, policy
// template approve/reject (SUPPLEMENTED FEATURES item 2a), and a Prometheus
// /metrics handle.
package mgmt

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/logger"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/problem"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/router"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/store"
)

const (
	serviceName = "5gmag-rt-management"
	apiVersion  = "v1"
)

// policyApprover is the subset of the M1 FSM the management API needs.
type policyApprover interface {
	ApprovePolicyTemplate(psID, ptID string, approve bool) error
}

// API wires the management resource tree to the Provisioning store.
type API struct {
	store    *store.Store
	approver policyApprover
}

// New builds the management API.
func New(st *store.Store, approver policyApprover) *API {
	return &API{store: st, approver: approver}
}

// Register mounts the management resource tree and /metrics onto rt.
func (a *API) Register(rt *router.Router) {
	mux := rt.Mux()
	mux.Route("/5gmag-rt-management/v1", func(r chi.Router) {
		r.Get("/provisioning-sessions", rt.Post("mgmt.list", a.listProvisioningSessions))
		r.Post("/provisioning-sessions/{id}/policy-templates/{ptId}/approve", rt.Post("mgmt.policy.approve", a.approvePolicyTemplate))
		r.Post("/provisioning-sessions/{id}/policy-templates/{ptId}/reject", rt.Post("mgmt.policy.reject", a.rejectPolicyTemplate))
	})
	mux.Handle("/metrics", promhttp.Handler())
}

func (a *API) listProvisioningSessions(w http.ResponseWriter, r *http.Request) {
	ids := a.store.ListProvisioningSessionIDs()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ids); err != nil {
		logger.MgmtLog.Errorf("encode provisioning session list: %v", err)
	}
}

func (a *API) approvePolicyTemplate(w http.ResponseWriter, r *http.Request) {
	a.setPolicyTemplateApproval(w, r, true)
}

func (a *API) rejectPolicyTemplate(w http.ResponseWriter, r *http.Request) {
	a.setPolicyTemplateApproval(w, r, false)
}

func (a *API) setPolicyTemplateApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	id := chi.URLParam(r, "id")
	ptID := chi.URLParam(r, "ptId")
	if err := a.approver.ApprovePolicyTemplate(id, ptID, approve); err != nil {
		p := problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such policy template")
		if writeErr := p.WriteJSON(w); writeErr != nil {
			logger.MgmtLog.Errorf("write problem response: %v", writeErr)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
