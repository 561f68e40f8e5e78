package m5

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/eventloop"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/model"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/pcf"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/store"
)

func withURLParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func newFSMForTest(t *testing.T) (*FSM, *store.Store) {
	t.Helper()
	st := store.New(30 * time.Second)
	pcfSubsystem := pcf.New("http://bsf.example.com", "http://pcf.example.com", time.Minute, time.Minute, 20*time.Second, eventloop.New(4))
	return New(st, pcfSubsystem, t.TempDir(), 30), st
}

func TestGetServiceAccessInformationNotFound(t *testing.T) {
	f, _ := newFSMForTest(t)
	req := httptest.NewRequest(http.MethodGet, "/3gpp-m5/v2/service-access-information/missing", nil)
	req = withURLParams(req, map[string]string{"id": "missing"})
	rec := httptest.NewRecorder()

	f.getServiceAccessInformation(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetServiceAccessInformationSupportsConditionalGet(t *testing.T) {
	f, st := newFSMForTest(t)
	ps := &model.ProvisioningSession{ID: "ps-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	st.CreateProvisioningSession(ps)

	firstReq := httptest.NewRequest(http.MethodGet, "/3gpp-m5/v2/service-access-information/ps-1", nil)
	firstReq = withURLParams(firstReq, map[string]string{"id": "ps-1"})
	firstRec := httptest.NewRecorder()
	f.getServiceAccessInformation(firstRec, firstReq)
	require.Equal(t, http.StatusOK, firstRec.Code)
	etag := firstRec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.Contains(t, firstRec.Header().Get("Cache-Control"), "max-age=30")

	secondReq := httptest.NewRequest(http.MethodGet, "/3gpp-m5/v2/service-access-information/ps-1", nil)
	secondReq.Header.Set("If-None-Match", etag)
	secondReq = withURLParams(secondReq, map[string]string{"id": "ps-1"})
	secondRec := httptest.NewRecorder()
	f.getServiceAccessInformation(secondRec, secondReq)
	assert.Equal(t, http.StatusNotModified, secondRec.Code)
}

func TestPostConsumptionReportRequiresConfiguredReporting(t *testing.T) {
	f, st := newFSMForTest(t)
	ps := &model.ProvisioningSession{ID: "ps-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	st.CreateProvisioningSession(ps)

	req := httptest.NewRequest(http.MethodPost, "/3gpp-m5/v2/consumption-reports/ps-1", bytes.NewBufferString(`{}`))
	req = withURLParams(req, map[string]string{"id": "ps-1"})
	rec := httptest.NewRecorder()

	f.postConsumptionReport(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostConsumptionReportWritesFileWhenConfigured(t *testing.T) {
	f, st := newFSMForTest(t)
	ps := &model.ProvisioningSession{ID: "ps-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	st.CreateProvisioningSession(ps)
	require.NoError(t, st.SetConsumptionReportingConfiguration("ps-1", &model.ConsumptionReportingConfiguration{SamplePercentage: 50}))

	req := httptest.NewRequest(http.MethodPost, "/3gpp-m5/v2/consumption-reports/ps-1", bytes.NewBufferString(`{"playbackState":"playing"}`))
	req = withURLParams(req, map[string]string{"id": "ps-1"})
	rec := httptest.NewRecorder()

	f.postConsumptionReport(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	entries, err := os.ReadDir(f.dataCollectionDir + "/ps-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "consumption-")
}

func TestCreateDynamicPolicyThenGet(t *testing.T) {
	f, st := newFSMForTest(t)
	ps := &model.ProvisioningSession{ID: "ps-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	st.CreateProvisioningSession(ps)

	createReq := httptest.NewRequest(http.MethodPost, "/3gpp-m5/v2/dynamic-policies/ps-1", bytes.NewBufferString(`{"qosRef":"qos-1"}`))
	createReq = withURLParams(createReq, map[string]string{"id": "ps-1"})
	createRec := httptest.NewRecorder()
	f.createDynamicPolicy(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &resp))
	ptID := resp["policyTemplateId"]
	require.NotEmpty(t, ptID)

	getReq := httptest.NewRequest(http.MethodGet, "/3gpp-m5/v2/dynamic-policies/ps-1/"+ptID, nil)
	getReq = withURLParams(getReq, map[string]string{"id": "ps-1", "ptId": ptID})
	getRec := httptest.NewRecorder()
	f.getDynamicPolicy(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)
}

func TestDeliveryBoostRequiresConfiguredBoostTemplate(t *testing.T) {
	f, st := newFSMForTest(t)
	ps := &model.ProvisioningSession{ID: "ps-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	st.CreateProvisioningSession(ps)

	req := httptest.NewRequest(http.MethodPost, "/3gpp-m5/v2/network-assistance-sessions/ps-1/delivery-boost", bytes.NewBufferString(`{"clientId":"client-1"}`))
	req = withURLParams(req, map[string]string{"id": "ps-1"})
	rec := httptest.NewRecorder()

	f.deliveryBoost(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a PS with no boost template configured must reject rather than trust a client-chosen id")
}

func TestDeliveryBoostRejectsUnapprovedBoostTemplate(t *testing.T) {
	f, st := newFSMForTest(t)
	ps := &model.ProvisioningSession{ID: "ps-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	st.CreateProvisioningSession(ps)
	require.NoError(t, st.UpsertPolicyTemplate("ps-1", &model.PolicyTemplate{ID: "pt-boost", State: model.PolicyTemplatePending, QoSRef: "qos-boost"}))
	require.NoError(t, st.SetBoostPolicyTemplate("ps-1", "pt-boost"))

	req := httptest.NewRequest(http.MethodPost, "/3gpp-m5/v2/network-assistance-sessions/ps-1/delivery-boost", bytes.NewBufferString(`{"clientId":"client-1"}`))
	req = withURLParams(req, map[string]string{"id": "ps-1"})
	rec := httptest.NewRecorder()

	f.deliveryBoost(rec, req)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code, "the designated boost template must itself be valid/approved")
}

func TestDeliveryBoostUsesPSConfiguredTemplateNotClientSupplied(t *testing.T) {
	pcfServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Location", r.URL.String()+"/as-1")
			w.WriteHeader(http.StatusCreated)
			return
		}
		var patched map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
		assert.Equal(t, "qos-boost", patched["qosRef"], "the PATCH must carry the PS-configured boost template, not a client-chosen one")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer pcfServer.Close()

	st := store.New(30 * time.Second)
	pcfSubsystem := pcf.New("http://bsf.example.com", pcfServer.URL, time.Minute, time.Minute, 20*time.Second, eventloop.New(4))
	f := New(st, pcfSubsystem, t.TempDir(), 30)

	ps := &model.ProvisioningSession{ID: "ps-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	st.CreateProvisioningSession(ps)
	require.NoError(t, st.UpsertPolicyTemplate("ps-1", &model.PolicyTemplate{ID: "pt-normal", State: model.PolicyTemplateValid, QoSRef: "qos-normal"}))
	require.NoError(t, st.UpsertPolicyTemplate("ps-1", &model.PolicyTemplate{ID: "pt-boost", State: model.PolicyTemplateValid, QoSRef: "qos-boost"}))
	require.NoError(t, st.SetBoostPolicyTemplate("ps-1", "pt-boost"))

	_, err := pcfSubsystem.EstablishSession(context.Background(), "ps-1", "client-1", &model.PolicyTemplate{ID: "pt-normal", QoSRef: "qos-normal"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/3gpp-m5/v2/network-assistance-sessions/ps-1/delivery-boost", bytes.NewBufferString(`{"clientId":"client-1","boostedPolicyTemplateId":"pt-attacker-chosen"}`))
	req = withURLParams(req, map[string]string{"id": "ps-1"})
	rec := httptest.NewRecorder()

	f.deliveryBoost(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCreateNetworkAssistanceSessionSurfacesBSFDiscoveryFailure(t *testing.T) {
	f, st := newFSMForTest(t)
	ps := &model.ProvisioningSession{ID: "ps-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	st.CreateProvisioningSession(ps)

	req := httptest.NewRequest(http.MethodPost, "/3gpp-m5/v2/network-assistance-sessions/ps-1", bytes.NewBufferString(`{"ueAddress":"198.51.100.5"}`))
	req = withURLParams(req, map[string]string{"id": "ps-1"})
	rec := httptest.NewRecorder()

	f.createNetworkAssistanceSession(rec, req)
	// BSF discovery fails first against an unreachable host, surfacing as a
	// bad gateway before the missing-policy-template check is ever reached.
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
