// Package m5 implements the M5 service-access API state machine (C7): the
// media-client-facing resource tree rooted at /3gpp-m5/v2, covering Service
// Access Information, Consumption Reports, Metrics Reports, Dynamic
// Policies, and Network Assistance (which defers to the PCF subsystem).
package m5

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/logger"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/model"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/pcf"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/problem"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/router"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/store"
)

const (
	serviceName = "3gpp-m5"
	apiVersion  = "v2"
)

// FSM wires the M5 resource tree to the Provisioning store and the PCF
// subsystem.
type FSM struct {
	store             *store.Store
	pcf               *pcf.Subsystem
	dataCollectionDir string
	saiMaxAgeSeconds  int
}

// New builds the M5 FSM.
func New(st *store.Store, pcfSubsystem *pcf.Subsystem, dataCollectionDir string, saiMaxAgeSeconds int) *FSM {
	return &FSM{store: st, pcf: pcfSubsystem, dataCollectionDir: dataCollectionDir, saiMaxAgeSeconds: saiMaxAgeSeconds}
}

// Register mounts the M5 resource tree onto rt.
func (f *FSM) Register(rt *router.Router) {
	mux := rt.Mux()
	mux.Route("/3gpp-m5/v2", func(r chi.Router) {
		r.Get("/service-access-information/{id}", rt.Post("m5.sai", f.getServiceAccessInformation))

		r.Post("/consumption-reports/{id}", rt.Post("m5.consumption", f.postConsumptionReport))
		r.Post("/metrics-reports/{id}", rt.Post("m5.metrics", f.postMetricsReport))

		r.Post("/dynamic-policies/{id}", rt.Post("m5.policy.create", f.createDynamicPolicy))
		r.Get("/dynamic-policies/{id}/{ptId}", rt.Post("m5.policy.get", f.getDynamicPolicy))
		r.Delete("/dynamic-policies/{id}/{ptId}", rt.Post("m5.policy.delete", f.deleteDynamicPolicy))

		r.Post("/network-assistance-sessions/{id}", rt.Post("m5.na.create", f.createNetworkAssistanceSession))
		r.Post("/network-assistance-sessions/{id}/delivery-boost", rt.Post("m5.na.boost", f.deliveryBoost))
	})
}

func (f *FSM) writeProblem(w http.ResponseWriter, p *problem.Problem) {
	if err := p.WriteJSON(w); err != nil {
		logger.M5Log.Errorf("write problem response: %v", err)
	}
}

func (f *FSM) getServiceAccessInformation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ps, err := f.store.GetProvisioningSession(id)
	if err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}

	sai, err := f.store.GetOrComputeSAI(id, func() (map[string]interface{}, error) {
		return computeSAIDocument(ps), nil
	})
	if err != nil {
		f.writeProblem(w, problem.Wrap(err, serviceName, apiVersion, r.URL.Path))
		return
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == sai.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", sai.ETag)
	w.Header().Set("Last-Modified", sai.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", f.saiMaxAgeSeconds))
	_ = json.NewEncoder(w).Encode(sai.Document)
}

// computeSAIDocument derives the Service Access Information document from a
// Provisioning Session's CHC and valid policy templates.
func computeSAIDocument(ps *model.ProvisioningSession) map[string]interface{} {
	doc := map[string]interface{}{
		"provisioningSessionId": ps.ID,
	}
	if ps.ContentHostingConfig != nil {
		doc["contentHostingConfiguration"] = ps.ContentHostingConfig.Rewritten
	}
	var validTemplates []string
	for id, pt := range ps.PolicyTemplates {
		if pt.State == model.PolicyTemplateValid {
			validTemplates = append(validTemplates, id)
		}
	}
	doc["policyTemplateIds"] = validTemplates
	return doc
}

func (f *FSM) postConsumptionReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ps, err := f.store.GetProvisioningSession(id)
	if err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}
	if ps.ConsumptionReporting == nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "consumption reporting is not configured for this session"))
		return
	}

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "malformed JSON body"))
		return
	}

	if err := f.writeReport(id, "consumption", body); err != nil {
		f.writeProblem(w, problem.Wrap(err, serviceName, apiVersion, r.URL.Path))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *FSM) postMetricsReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ps, err := f.store.GetProvisioningSession(id)
	if err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}
	if len(ps.MetricsReporting) == 0 {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "metrics reporting is not configured for this session"))
		return
	}

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "malformed JSON body"))
		return
	}

	if err := f.writeReport(id, "metrics", body); err != nil {
		f.writeProblem(w, problem.Wrap(err, serviceName, apiVersion, r.URL.Path))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *FSM) writeReport(psID, kind string, body map[string]interface{}) error {
	dir := filepath.Join(f.dataCollectionDir, psID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	filename := filepath.Join(dir, kind+"-"+strconv.FormatInt(time.Now().UnixNano(), 10)+".json")
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o640)
}

type dynamicPolicyRequest struct {
	Document map[string]interface{} `json:"document"`
	QoSRef   string                 `json:"qosRef"`
}

func (f *FSM) createDynamicPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := f.store.GetProvisioningSession(id); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}

	var body dynamicPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "malformed JSON body"))
		return
	}

	now := time.Now()
	pt := &model.PolicyTemplate{ID: uuid.NewString(), State: model.PolicyTemplatePending, Document: body.Document, QoSRef: body.QoSRef, CreatedAt: now, UpdatedAt: now}
	if err := f.store.UpsertPolicyTemplate(id, pt); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/3gpp-m5/v2/dynamic-policies/%s/%s", id, pt.ID))
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"policyTemplateId": pt.ID})
}

func (f *FSM) getDynamicPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ptID := chi.URLParam(r, "ptId")
	ps, err := f.store.GetProvisioningSession(id)
	if err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}
	pt, ok := ps.PolicyTemplates[ptID]
	if !ok {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such policy template"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pt)
}

func (f *FSM) deleteDynamicPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ptID := chi.URLParam(r, "ptId")
	if err := f.store.DeletePolicyTemplate(id, ptID); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such policy template"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type networkAssistanceRequest struct {
	UEAddress string `json:"ueAddress"`
}

func (f *FSM) createNetworkAssistanceSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ps, err := f.store.GetProvisioningSession(id)
	if err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}

	var body networkAssistanceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "malformed JSON body"))
		return
	}

	pcfEndpoint, err := f.pcf.DiscoverPCF(r.Context(), body.UEAddress)
	if err != nil {
		if p, ok := err.(*problem.Problem); ok {
			f.writeProblem(w, p)
			return
		}
		f.writeProblem(w, problem.Wrap(err, serviceName, apiVersion, r.URL.Path))
		return
	}
	_ = pcfEndpoint

	var template *model.PolicyTemplate
	for _, pt := range ps.PolicyTemplates {
		if pt.State == model.PolicyTemplateValid {
			template = pt
			break
		}
	}
	if template == nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "no valid policy template available"))
		return
	}

	clientID := uuid.NewString()
	session, err := f.pcf.EstablishSession(r.Context(), id, clientID, template)
	if err != nil {
		if p, ok := err.(*problem.Problem); ok {
			f.writeProblem(w, p)
			return
		}
		f.writeProblem(w, problem.Wrap(err, serviceName, apiVersion, r.URL.Path))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"clientId": session.ClientID})
}

type deliveryBoostRequest struct {
	ClientID string `json:"clientId"`
}

// deliveryBoost boosts the calling client's session to the policy template
// the content provider configured on this Provisioning Session
// (ps.BoostPolicyTemplateID), not one the media client names: a client
// cannot choose an arbitrary policy template to switch to.
func (f *FSM) deliveryBoost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ps, err := f.store.GetProvisioningSession(id)
	if err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}

	var body deliveryBoostRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "malformed JSON body"))
		return
	}

	if ps.BoostPolicyTemplateID == "" {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "no boosted policy template configured for this provisioning session"))
		return
	}
	template, ok := ps.PolicyTemplates[ps.BoostPolicyTemplateID]
	if !ok || template.State != model.PolicyTemplateValid {
		f.writeProblem(w, problem.New(problem.KindPreconditionFailed, serviceName, apiVersion, r.URL.Path, "configured boost policy template is not valid"))
		return
	}

	if err := f.pcf.DeliveryBoost(r.Context(), id, body.ClientID, template.ID); err != nil {
		if p, ok := err.(*problem.Problem); ok {
			f.writeProblem(w, p)
			return
		}
		f.writeProblem(w, problem.Wrap(err, serviceName, apiVersion, r.URL.Path))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
