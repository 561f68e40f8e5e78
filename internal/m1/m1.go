// Package m1 implements the M1 provisioning API state machine (C5): the
// content-provider-facing resource tree rooted at /3gpp-m1/v2, covering
// Provisioning Sessions, Content Hosting Configuration, Server Certificates,
// Policy Templates, Consumption Reporting Configuration, Metrics Reporting
// Configurations and the static Content Protocols Discovery document.
package m1

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/certmgr"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/eventloop"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/httpserver"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/logger"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/m3"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/model"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/problem"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/router"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/store"
)

const (
	serviceName = "3gpp-m1"
	apiVersion  = "v2"
)

// contentProtocolsDocument is the static discovery document of spec.md §3,
// embedded at build time.
var contentProtocolsDocument = []byte(`{"protocols":[{"name":"DASH","urlPathPrefix":"dash"},{"name":"HLS","urlPathPrefix":"hls"}]}`)

var (
	contentProtocolsETag         = fmt.Sprintf(`W/"%x"`, sha256.Sum256(contentProtocolsDocument))
	contentProtocolsLastModified = time.Now()
)

// FSM wires the M1 resource tree to the Provisioning store, certificate
// manager, and M3 reconciliation engine.
type FSM struct {
	store *store.Store
	certs *certmgr.Manager
	m3    *m3.Engine
	loop  *eventloop.Loop
}

// New builds the M1 FSM. loop is the same event loop the router dispatches
// onto; certificate creation/revocation post their certmgr result back onto
// it rather than blocking the dispatch worker.
func New(st *store.Store, certs *certmgr.Manager, m3Engine *m3.Engine, loop *eventloop.Loop) *FSM {
	return &FSM{store: st, certs: certs, m3: m3Engine, loop: loop}
}

// Register mounts the M1 resource tree onto rt, wrapping every handler so
// its body runs on the event loop.
func (f *FSM) Register(rt *router.Router) {
	mux := rt.Mux()
	mux.Route("/3gpp-m1/v2", func(r chi.Router) {
		r.Post("/provisioning-sessions", rt.Post("m1.create", f.createProvisioningSession))
		r.Get("/provisioning-sessions/{id}", rt.Post("m1.get", f.getProvisioningSession))
		r.Delete("/provisioning-sessions/{id}", rt.Post("m1.delete", f.deleteProvisioningSession))

		r.Put("/provisioning-sessions/{id}/content-hosting-configuration", rt.Post("m1.chc.put", f.putContentHostingConfiguration))
		r.Get("/provisioning-sessions/{id}/content-hosting-configuration", rt.Post("m1.chc.get", f.getContentHostingConfiguration))

		r.Post("/provisioning-sessions/{id}/certificates", rt.PostAsync("m1.cert.create", f.createCertificate))
		r.Get("/provisioning-sessions/{id}/certificates/{certId}", rt.Post("m1.cert.get", f.getCertificate))
		r.Delete("/provisioning-sessions/{id}/certificates/{certId}", rt.PostAsync("m1.cert.delete", f.deleteCertificate))

		r.Post("/provisioning-sessions/{id}/policy-templates", rt.Post("m1.policy.create", f.createPolicyTemplate))
		r.Put("/provisioning-sessions/{id}/policy-templates/{ptId}", rt.Post("m1.policy.put", f.updatePolicyTemplate))
		r.Delete("/provisioning-sessions/{id}/policy-templates/{ptId}", rt.Post("m1.policy.delete", f.deletePolicyTemplate))

		r.Put("/provisioning-sessions/{id}/consumption-reporting-configuration", rt.Post("m1.crc.put", f.putConsumptionReportingConfiguration))

		r.Put("/provisioning-sessions/{id}/boost-policy-template", rt.Post("m1.boost.put", f.putBoostPolicyTemplate))

		r.Post("/provisioning-sessions/{id}/metrics-reporting-configurations", rt.Post("m1.mrc.create", f.createMetricsReportingConfiguration))
		r.Delete("/provisioning-sessions/{id}/metrics-reporting-configurations/{mId}", rt.Post("m1.mrc.delete", f.deleteMetricsReportingConfiguration))

		r.Get("/content-protocols", rt.Post("m1.protocols", f.getContentProtocols))
	})
}

func (f *FSM) writeProblem(w http.ResponseWriter, p *problem.Problem) {
	if p.Details.Detail != "" {
		logger.M1Log.Warnf("%s: %s", p.Kind, p.Details.Detail)
	}
	if err := p.WriteJSON(w); err != nil {
		logger.M1Log.Errorf("write problem response: %v", err)
	}
}

type createProvisioningSessionRequest struct {
	ProvisioningSessionType string `json:"provisioningSessionType"`
	AppID                   string `json:"appId"`
	ExternalAppID           string `json:"externalAppId"`
	ASPID                   string `json:"aspId"`
}

func (f *FSM) createProvisioningSession(w http.ResponseWriter, r *http.Request) {
	var body createProvisioningSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "malformed JSON body"))
		return
	}

	var invalid []problem.InvalidParam
	sessionType := model.SessionType(strings.ToUpper(body.ProvisioningSessionType))
	if sessionType != model.SessionTypeDownlink && sessionType != model.SessionTypeUplink {
		invalid = append(invalid, problem.InvalidParam{Param: "provisioningSessionType", Reason: "must be DOWNLINK or UPLINK"})
	}
	if strings.TrimSpace(body.AppID) == "" {
		invalid = append(invalid, problem.InvalidParam{Param: "appId", Reason: "must not be empty"})
	}
	if strings.TrimSpace(body.ASPID) == "" {
		invalid = append(invalid, problem.InvalidParam{Param: "aspId", Reason: "must not be empty"})
	}
	if len(invalid) > 0 {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "invalid provisioning session").WithInvalidParams(invalid...))
		return
	}

	now := time.Now()
	ps := &model.ProvisioningSession{
		ID:            uuid.NewString(),
		SessionType:   sessionType,
		AppID:         body.AppID,
		ExternalAppID: body.ExternalAppID,
		ASPID:         body.ASPID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	f.store.CreateProvisioningSession(ps)

	w.Header().Set("Location", fmt.Sprintf("/3gpp-m1/v2/provisioning-sessions/%s", ps.ID))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"provisioningSessionId": ps.ID})
}

func (f *FSM) getProvisioningSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ps, err := f.store.GetProvisioningSession(id)
	if err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ps)
}

func (f *FSM) deleteProvisioningSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ps, err := f.store.GetProvisioningSession(id)
	if err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}

	for hostname := range ps.AssignedApplicationServers {
		if chc := ps.ContentHostingConfig; chc != nil {
			f.m3.EnqueueDeleteCHC(hostname, id)
		}
		for certID := range ps.Certificates {
			f.m3.EnqueueDeleteCertificate(hostname, id, certID)
		}
	}

	if err := f.store.MarkDeleting(id); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *FSM) putContentHostingConfiguration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ps, err := f.store.GetProvisioningSession(id)
	if err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "malformed JSON body"))
		return
	}

	if etag := ps.ContentHostingConfig; etag != nil {
		if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
			current := weakETag(ps)
			if !weakEquals(ifMatch, current) {
				f.writeProblem(w, problem.New(problem.KindPreconditionFailed, serviceName, apiVersion, r.URL.Path, "If-Match precondition failed"))
				return
			}
		}
	}

	rewritten, invalidRef, err := rewriteCertificateReferences(raw, ps)
	if err != nil {
		f.writeProblem(w, problem.New(problem.KindInternal, serviceName, apiVersion, r.URL.Path, "failed to process content hosting configuration").WithCause(err))
		return
	}
	if invalidRef != "" {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "unknown certificate reference").
			WithInvalidParams(problem.InvalidParam{Param: "certificateId", Reason: fmt.Sprintf("certificate %q not found in this provisioning session", invalidRef)}))
		return
	}

	identical := ps.ContentHostingConfig != nil && jsonEqual(ps.ContentHostingConfig.Raw, raw)

	now := time.Now()
	chc := &model.ContentHostingConfiguration{Raw: raw, Rewritten: rewritten, CreatedAt: now, UpdatedAt: now}
	if err := f.store.SetContentHostingConfiguration(id, chc); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}

	// Idempotent re-PUT of an identical CHC does not enqueue new M3 work.
	if !identical {
		for hostname := range ps.AssignedApplicationServers {
			f.m3.EnqueueUploadCHC(hostname, id)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (f *FSM) getContentHostingConfiguration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ps, err := f.store.GetProvisioningSession(id)
	if err != nil || ps.ContentHostingConfig == nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no content hosting configuration"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", weakETag(ps))
	_ = json.NewEncoder(w).Encode(ps.ContentHostingConfig.Raw)
}

type createCertificateRequest struct {
	CertificateID string `json:"certificateId"`
}

// createCertificate validates and reserves the certificate id on the event
// loop, then hands the certmgr subprocess invocation to its own goroutine so
// the dispatch worker is free to process other M1/M3/M5/management work
// while the external process runs; the result is posted back onto the loop
// (mirroring m3.Engine.execute) to finish the request and complete the
// stream.
func (f *FSM) createCertificate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ps, err := f.store.GetProvisioningSession(id)
	if err != nil {
		f.completeProblem(w, r, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}

	var body createCertificateRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	certID := body.CertificateID
	if certID == "" {
		certID = uuid.NewString()
	}
	if _, exists := ps.Certificates[certID]; exists {
		f.completeProblem(w, r, problem.New(problem.KindConflict, serviceName, apiVersion, r.URL.Path, "certificate id already in use"))
		return
	}

	now := time.Now()
	cert := &model.ServerCertificate{
		ProvisioningSessionID: id,
		CertificateID:         certID,
		State:                 model.CertificateStateReserved,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	afUniqueID := cert.AFUniqueCertificateID()

	stream := router.StreamFromContext(r.Context())
	ctx := r.Context()
	go func() {
		pemPath, certErr := f.certs.NewCert(ctx, afUniqueID)
		f.loop.Post("m1.cert.newcert.result", func() {
			f.finishCreateCertificate(w, r, stream, ps, id, cert, pemPath, certErr)
		})
	}()
}

func (f *FSM) finishCreateCertificate(w http.ResponseWriter, r *http.Request, stream *httpserver.Stream, ps *model.ProvisioningSession, id string, cert *model.ServerCertificate, pemPath string, err error) {
	defer f.completeStream(stream)

	if err != nil {
		if p, ok := err.(*problem.Problem); ok {
			f.writeProblem(w, p)
			return
		}
		f.writeProblem(w, problem.Wrap(err, serviceName, apiVersion, r.URL.Path))
		return
	}
	cert.PEMPath = pemPath
	cert.State = model.CertificateStateUploaded

	if err := f.store.AddCertificate(id, cert); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}

	for hostname := range ps.AssignedApplicationServers {
		f.m3.EnqueueUploadCertificate(hostname, id, cert.CertificateID)
	}

	w.Header().Set("Location", fmt.Sprintf("/3gpp-m1/v2/provisioning-sessions/%s/certificates/%s", id, cert.CertificateID))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"certificateId": cert.CertificateID, "afUniqueCertificateId": cert.AFUniqueCertificateID()})
}

// completeStream releases a PostAsync stream once its deferred work has
// finished; it is a no-op for a nil stream (a direct httptest.NewRecorder
// unit test with no real httpserver.Stream in the request context).
func (f *FSM) completeStream(stream *httpserver.Stream) {
	if stream != nil {
		httpserver.ServerFromStream(stream).Complete(stream)
	}
}

// completeProblem writes a problem response and, for a PostAsync handler
// that bailed out before reaching its own goroutine, completes the stream
// itself since no later completion will happen.
func (f *FSM) completeProblem(w http.ResponseWriter, r *http.Request, p *problem.Problem) {
	f.writeProblem(w, p)
	f.completeStream(router.StreamFromContext(r.Context()))
}

func (f *FSM) getCertificate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	certID := chi.URLParam(r, "certId")
	cert, err := f.store.GetCertificate(id, certID)
	if err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such certificate"))
		return
	}
	pem, err := f.certs.ReadPEM(cert.AFUniqueCertificateID())
	if err != nil {
		if p, ok := err.(*problem.Problem); ok {
			f.writeProblem(w, p)
			return
		}
		f.writeProblem(w, problem.Wrap(err, serviceName, apiVersion, r.URL.Path))
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(pem)
}

// deleteCertificate mirrors createCertificate's async dispatch: certmgr's
// revoke invocation runs on its own goroutine and posts its result back onto
// the event loop rather than blocking the dispatch worker.
func (f *FSM) deleteCertificate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	certID := chi.URLParam(r, "certId")
	ps, err := f.store.GetProvisioningSession(id)
	if err != nil {
		f.completeProblem(w, r, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}
	cert, ok := ps.Certificates[certID]
	if !ok {
		f.completeProblem(w, r, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such certificate"))
		return
	}

	stream := router.StreamFromContext(r.Context())
	ctx := r.Context()
	afUniqueID := cert.AFUniqueCertificateID()
	go func() {
		revokeErr := f.certs.Revoke(ctx, afUniqueID)
		f.loop.Post("m1.cert.revoke.result", func() {
			f.finishDeleteCertificate(w, r, stream, ps, id, certID, revokeErr)
		})
	}()
}

func (f *FSM) finishDeleteCertificate(w http.ResponseWriter, r *http.Request, stream *httpserver.Stream, ps *model.ProvisioningSession, id, certID string, err error) {
	defer f.completeStream(stream)

	if err != nil {
		if p, ok := err.(*problem.Problem); ok {
			f.writeProblem(w, p)
			return
		}
		f.writeProblem(w, problem.Wrap(err, serviceName, apiVersion, r.URL.Path))
		return
	}
	_ = f.store.DeleteCertificate(id, certID)
	for hostname := range ps.AssignedApplicationServers {
		f.m3.EnqueueDeleteCertificate(hostname, id, certID)
	}
	w.WriteHeader(http.StatusNoContent)
}

type policyTemplateRequest struct {
	Document map[string]interface{} `json:"document"`
	QoSRef   string                 `json:"qosRef"`
}

func (f *FSM) createPolicyTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := f.store.GetProvisioningSession(id); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}

	var body policyTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "malformed JSON body"))
		return
	}

	now := time.Now()
	pt := &model.PolicyTemplate{
		ID:        uuid.NewString(),
		State:     model.PolicyTemplatePending,
		Document:  body.Document,
		QoSRef:    body.QoSRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.UpsertPolicyTemplate(id, pt); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/3gpp-m1/v2/provisioning-sessions/%s/policy-templates/%s", id, pt.ID))
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"policyTemplateId": pt.ID, "state": string(pt.State)})
}

func (f *FSM) updatePolicyTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ptID := chi.URLParam(r, "ptId")
	var body policyTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "malformed JSON body"))
		return
	}
	pt := &model.PolicyTemplate{ID: ptID, State: model.PolicyTemplatePending, Document: body.Document, QoSRef: body.QoSRef, UpdatedAt: time.Now()}
	if err := f.store.UpsertPolicyTemplate(id, pt); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session or policy template"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *FSM) deletePolicyTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ptID := chi.URLParam(r, "ptId")
	if err := f.store.DeletePolicyTemplate(id, ptID); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such policy template"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApprovePolicyTemplate is called by the management API (SUPPLEMENTED
// FEATURES item 2a) to move a policy template pending -> valid or -> invalid.
func (f *FSM) ApprovePolicyTemplate(psID, ptID string, approve bool) error {
	state := model.PolicyTemplateValid
	if !approve {
		state = model.PolicyTemplateInvalid
	}
	return f.store.SetPolicyTemplateState(psID, ptID, state)
}

type consumptionReportingConfigurationRequest struct {
	SamplePercentage  float64 `json:"samplePercentage"`
	LocationReporting bool    `json:"locationReporting"`
	AccessReporting   bool    `json:"accessReporting"`
}

func (f *FSM) putConsumptionReportingConfiguration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body consumptionReportingConfigurationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "malformed JSON body"))
		return
	}
	if body.SamplePercentage < 0 || body.SamplePercentage > 100 {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "invalid sample percentage").
			WithInvalidParams(problem.InvalidParam{Param: "samplePercentage", Reason: "must be within [0,100]"}))
		return
	}
	crc := &model.ConsumptionReportingConfiguration{
		SamplePercentage:  body.SamplePercentage,
		LocationReporting: body.LocationReporting,
		AccessReporting:   body.AccessReporting,
	}
	if err := f.store.SetConsumptionReportingConfiguration(id, crc); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type boostPolicyTemplateRequest struct {
	PolicyTemplateID string `json:"policyTemplateId"`
}

// putBoostPolicyTemplate designates the policy template M5's DeliveryBoost
// operation switches a session to (SUPPLEMENTED FEATURES: the "boosted"
// policy template referenced by Npcf_PolicyAuthorization's
// AF_APP_SESSION_CONTEXT_MODIFICATION notification must be one the content
// provider actually configured on this PS, not one a media client names).
func (f *FSM) putBoostPolicyTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body boostPolicyTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "malformed JSON body"))
		return
	}
	if strings.TrimSpace(body.PolicyTemplateID) == "" {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "invalid policy template reference").
			WithInvalidParams(problem.InvalidParam{Param: "policyTemplateId", Reason: "must not be empty"}))
		return
	}
	if err := f.store.SetBoostPolicyTemplate(id, body.PolicyTemplateID); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session or policy template"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type metricsReportingConfigurationRequest struct {
	Scheme            string  `json:"scheme"`
	DataNetworkName   string  `json:"dataNetworkName"`
	ReportingInterval int     `json:"reportingInterval"`
	SamplePercentage  float64 `json:"samplePercentage"`
	URL               string  `json:"url"`
}

func (f *FSM) createMetricsReportingConfiguration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body metricsReportingConfigurationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "malformed JSON body"))
		return
	}
	if body.URL != "" && !govalidator.IsURL(body.URL) {
		f.writeProblem(w, problem.New(problem.KindValidation, serviceName, apiVersion, r.URL.Path, "invalid url").
			WithInvalidParams(problem.InvalidParam{Param: "url", Reason: "must be a valid URL"}))
		return
	}
	mrc := &model.MetricsReportingConfiguration{
		ID:                uuid.NewString(),
		Scheme:            body.Scheme,
		DataNetworkName:   body.DataNetworkName,
		ReportingInterval: body.ReportingInterval,
		SamplePercentage:  body.SamplePercentage,
		URL:               body.URL,
	}
	if err := f.store.AddMetricsReportingConfiguration(id, mrc); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such provisioning session"))
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/3gpp-m1/v2/provisioning-sessions/%s/metrics-reporting-configurations/%s", id, mrc.ID))
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"metricsReportingConfigurationId": mrc.ID})
}

func (f *FSM) deleteMetricsReportingConfiguration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mID := chi.URLParam(r, "mId")
	if err := f.store.DeleteMetricsReportingConfiguration(id, mID); err != nil {
		f.writeProblem(w, problem.New(problem.KindNotFound, serviceName, apiVersion, r.URL.Path, "no such metrics reporting configuration"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *FSM) getContentProtocols(w http.ResponseWriter, r *http.Request) {
	if inm := r.Header.Get("If-None-Match"); inm != "" && weakEquals(inm, contentProtocolsETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", contentProtocolsETag)
	w.Header().Set("Last-Modified", contentProtocolsLastModified.UTC().Format(http.TimeFormat))
	_, _ = w.Write(contentProtocolsDocument)
}

// weakETag computes the weak SHA-256 ETag over a PS's canonicalised
// ContentHostingConfiguration,
// per SUPPLEMENTED FEATURES item 2.
func weakETag(ps *model.ProvisioningSession) string {
	canonical, _ := json.Marshal(ps.ContentHostingConfig)
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf(`W/"%x"`, sum)
}

func weakEquals(a, b string) bool {
	return strings.TrimPrefix(a, "W/") == strings.TrimPrefix(b, "W/")
}

func jsonEqual(a, b map[string]interface{}) bool {
	aBytes, _ := json.Marshal(a)
	bBytes, _ := json.Marshal(b)
	return string(aBytes) == string(bBytes)
}

// rewriteCertificateReferences walks raw looking for "certificateId" string
// values and replaces them with the corresponding AF-unique id, failing
// closed if any reference does not resolve inside ps (spec.md §3 invariant).
func rewriteCertificateReferences(raw map[string]interface{}, ps *model.ProvisioningSession) (map[string]interface{}, string, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, "", err
	}
	var rewritten map[string]interface{}
	if err := json.Unmarshal(encoded, &rewritten); err != nil {
		return nil, "", err
	}

	invalidRef := ""
	var walk func(v interface{}) interface{}
	walk = func(v interface{}) interface{} {
		switch value := v.(type) {
		case map[string]interface{}:
			for key, sub := range value {
				if key == "certificateId" {
					if certID, ok := sub.(string); ok {
						cert, exists := ps.Certificates[certID]
						if !exists {
							invalidRef = certID
							continue
						}
						value[key] = cert.AFUniqueCertificateID()
						continue
					}
				}
				value[key] = walk(sub)
			}
			return value
		case []interface{}:
			for i, sub := range value {
				value[i] = walk(sub)
			}
			return value
		default:
			return v
		}
	}
	rewritten = walk(rewritten).(map[string]interface{})
	return rewritten, invalidRef, nil
}
