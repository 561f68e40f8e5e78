package m1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/certmgr"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/eventloop"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/m3"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/store"
)

func newFSMForTest(t *testing.T) *FSM {
	t.Helper()
	fakeExe := filepath.Join(t.TempDir(), "fake-certmgr.sh")
	require.NoError(t, os.WriteFile(fakeExe, []byte("#!/bin/sh\nprintf 'pem-bytes'\nexit 0\n"), 0o755))

	st := store.New(30 * time.Second)
	certs, err := certmgr.New(fakeExe, 2*time.Second, t.TempDir())
	require.NoError(t, err)
	loop := eventloop.New(16)
	go loop.Run()
	t.Cleanup(loop.Stop)
	engine := m3.New(st, loop, certs)
	return New(st, certs, engine, loop)
}

// awaitCertificate waits for an asynchronously dispatched createCertificate
// (its certmgr call runs off the event loop; only its posted-back result
// commits the certificate to the store) to land.
func awaitCertificate(t *testing.T, f *FSM, psID, certID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := f.store.GetCertificate(psID, certID)
		return err == nil
	}, time.Second, 10*time.Millisecond, "certificate never committed by the async createCertificate dispatch")
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func withURLParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateProvisioningSessionValidatesRequiredFields(t *testing.T) {
	f := newFSMForTest(t)
	body := bytes.NewBufferString(`{"provisioningSessionType":"","appId":"","aspId":""}`)
	req := httptest.NewRequest(http.MethodPost, "/3gpp-m1/v2/provisioning-sessions", body)
	rec := httptest.NewRecorder()

	f.createProvisioningSession(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var details struct {
		InvalidParams []struct{ Param string } `json:"invalidParams"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	assert.Len(t, details.InvalidParams, 3)
}

func TestCreateProvisioningSessionSucceeds(t *testing.T) {
	f := newFSMForTest(t)
	body := bytes.NewBufferString(`{"provisioningSessionType":"downlink","appId":"app-1","aspId":"asp-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/3gpp-m1/v2/provisioning-sessions", body)
	rec := httptest.NewRecorder()

	f.createProvisioningSession(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Location"))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["provisioningSessionId"])
}

func TestGetProvisioningSessionNotFound(t *testing.T) {
	f := newFSMForTest(t)
	req := httptest.NewRequest(http.MethodGet, "/3gpp-m1/v2/provisioning-sessions/missing", nil)
	req = withURLParam(req, "id", "missing")
	rec := httptest.NewRecorder()

	f.getProvisioningSession(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func createTestSession(t *testing.T, f *FSM) string {
	t.Helper()
	body := bytes.NewBufferString(`{"provisioningSessionType":"downlink","appId":"app-1","aspId":"asp-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/3gpp-m1/v2/provisioning-sessions", body)
	rec := httptest.NewRecorder()
	f.createProvisioningSession(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp["provisioningSessionId"]
}

func TestPutContentHostingConfigurationRejectsUnknownCertificateReference(t *testing.T) {
	f := newFSMForTest(t)
	id := createTestSession(t, f)

	body := bytes.NewBufferString(`{"name":"stream","certificateId":"does-not-exist"}`)
	req := httptest.NewRequest(http.MethodPut, "/3gpp-m1/v2/provisioning-sessions/"+id+"/content-hosting-configuration", body)
	req = withURLParam(req, "id", id)
	rec := httptest.NewRecorder()

	f.putContentHostingConfiguration(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutContentHostingConfigurationRewritesCertificateReference(t *testing.T) {
	f := newFSMForTest(t)
	id := createTestSession(t, f)

	createBody := bytes.NewBufferString(`{"certificateId":"cert-1"}`)
	createReq := httptest.NewRequest(http.MethodPost, "/3gpp-m1/v2/provisioning-sessions/"+id+"/certificates", createBody)
	createReq = withURLParam(createReq, "id", id)
	createRec := httptest.NewRecorder()
	f.createCertificate(createRec, createReq)
	awaitCertificate(t, f, id, "cert-1")

	chcBody := bytes.NewBufferString(`{"name":"stream","certificateId":"cert-1"}`)
	chcReq := httptest.NewRequest(http.MethodPut, "/3gpp-m1/v2/provisioning-sessions/"+id+"/content-hosting-configuration", chcBody)
	chcReq = withURLParam(chcReq, "id", id)
	chcRec := httptest.NewRecorder()
	f.putContentHostingConfiguration(chcRec, chcReq)

	assert.Equal(t, http.StatusNoContent, chcRec.Code)

	ps, err := f.store.GetProvisioningSession(id)
	require.NoError(t, err)
	require.NotNil(t, ps.ContentHostingConfig)
	assert.Equal(t, id+":cert-1", ps.ContentHostingConfig.Rewritten["certificateId"])
}

func TestPutContentHostingConfigurationPreconditionFailed(t *testing.T) {
	f := newFSMForTest(t)
	id := createTestSession(t, f)

	firstBody := bytes.NewBufferString(`{"name":"v1"}`)
	firstReq := httptest.NewRequest(http.MethodPut, "/3gpp-m1/v2/provisioning-sessions/"+id+"/content-hosting-configuration", firstBody)
	firstReq = withURLParam(firstReq, "id", id)
	firstRec := httptest.NewRecorder()
	f.putContentHostingConfiguration(firstRec, firstReq)
	require.Equal(t, http.StatusNoContent, firstRec.Code)

	secondBody := bytes.NewBufferString(`{"name":"v2"}`)
	secondReq := httptest.NewRequest(http.MethodPut, "/3gpp-m1/v2/provisioning-sessions/"+id+"/content-hosting-configuration", secondBody)
	secondReq.Header.Set("If-Match", `W/"stale-etag"`)
	secondReq = withURLParam(secondReq, "id", id)
	secondRec := httptest.NewRecorder()
	f.putContentHostingConfiguration(secondRec, secondReq)

	assert.Equal(t, http.StatusPreconditionFailed, secondRec.Code)
}

func TestDeleteProvisioningSessionMarksDeletingAndHidesFromReads(t *testing.T) {
	f := newFSMForTest(t)
	id := createTestSession(t, f)

	delReq := httptest.NewRequest(http.MethodDelete, "/3gpp-m1/v2/provisioning-sessions/"+id, nil)
	delReq = withURLParam(delReq, "id", id)
	delRec := httptest.NewRecorder()
	f.deleteProvisioningSession(delRec, delReq)
	assert.Equal(t, http.StatusNoContent, delRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/3gpp-m1/v2/provisioning-sessions/"+id, nil)
	getReq = withURLParam(getReq, "id", id)
	getRec := httptest.NewRecorder()
	f.getProvisioningSession(getRec, getReq)
	assert.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestCreateCertificateConflictsOnDuplicateID(t *testing.T) {
	f := newFSMForTest(t)
	id := createTestSession(t, f)

	body1 := bytes.NewBufferString(`{"certificateId":"cert-1"}`)
	req1 := httptest.NewRequest(http.MethodPost, "/3gpp-m1/v2/provisioning-sessions/"+id+"/certificates", body1)
	req1 = withURLParam(req1, "id", id)
	rec1 := httptest.NewRecorder()
	f.createCertificate(rec1, req1)
	awaitCertificate(t, f, id, "cert-1")

	body2 := bytes.NewBufferString(`{"certificateId":"cert-1"}`)
	req2 := httptest.NewRequest(http.MethodPost, "/3gpp-m1/v2/provisioning-sessions/"+id+"/certificates", body2)
	req2 = withURLParam(req2, "id", id)
	rec2 := httptest.NewRecorder()
	f.createCertificate(rec2, req2)
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

func TestDeleteCertificateRevokesAsynchronouslyWithoutBlockingCaller(t *testing.T) {
	f := newFSMForTest(t)
	id := createTestSession(t, f)

	createBody := bytes.NewBufferString(`{"certificateId":"cert-1"}`)
	createReq := httptest.NewRequest(http.MethodPost, "/3gpp-m1/v2/provisioning-sessions/"+id+"/certificates", createBody)
	createReq = withURLParam(createReq, "id", id)
	f.createCertificate(httptest.NewRecorder(), createReq)
	awaitCertificate(t, f, id, "cert-1")

	delReq := httptest.NewRequest(http.MethodDelete, "/3gpp-m1/v2/provisioning-sessions/"+id+"/certificates/cert-1", nil)
	delReq = withURLParams(delReq, map[string]string{"id": id, "certId": "cert-1"})
	delRec := httptest.NewRecorder()
	f.deleteCertificate(delRec, delReq)

	require.Eventually(t, func() bool {
		_, err := f.store.GetCertificate(id, "cert-1")
		return err != nil
	}, time.Second, 10*time.Millisecond, "certificate revoke never landed from the async deleteCertificate dispatch")
}

func TestPutBoostPolicyTemplateRequiresExistingTemplate(t *testing.T) {
	f := newFSMForTest(t)
	id := createTestSession(t, f)

	body := bytes.NewBufferString(`{"policyTemplateId":"does-not-exist"}`)
	req := httptest.NewRequest(http.MethodPut, "/3gpp-m1/v2/provisioning-sessions/"+id+"/boost-policy-template", body)
	req = withURLParam(req, "id", id)
	rec := httptest.NewRecorder()

	f.putBoostPolicyTemplate(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPutBoostPolicyTemplateSucceeds(t *testing.T) {
	f := newFSMForTest(t)
	id := createTestSession(t, f)

	createBody := bytes.NewBufferString(`{"qosRef":"qos-boost"}`)
	createReq := httptest.NewRequest(http.MethodPost, "/3gpp-m1/v2/provisioning-sessions/"+id+"/policy-templates", createBody)
	createReq = withURLParam(createReq, "id", id)
	createRec := httptest.NewRecorder()
	f.createPolicyTemplate(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &resp))
	ptID := resp["policyTemplateId"]

	boostBody := bytes.NewBufferString(`{"policyTemplateId":"` + ptID + `"}`)
	boostReq := httptest.NewRequest(http.MethodPut, "/3gpp-m1/v2/provisioning-sessions/"+id+"/boost-policy-template", boostBody)
	boostReq = withURLParam(boostReq, "id", id)
	boostRec := httptest.NewRecorder()
	f.putBoostPolicyTemplate(boostRec, boostReq)
	require.Equal(t, http.StatusNoContent, boostRec.Code)

	ps, err := f.store.GetProvisioningSession(id)
	require.NoError(t, err)
	assert.Equal(t, ptID, ps.BoostPolicyTemplateID)
}

func TestApprovePolicyTemplateTransitionsState(t *testing.T) {
	f := newFSMForTest(t)
	id := createTestSession(t, f)

	createBody := bytes.NewBufferString(`{"qosRef":"qos-1"}`)
	createReq := httptest.NewRequest(http.MethodPost, "/3gpp-m1/v2/provisioning-sessions/"+id+"/policy-templates", createBody)
	createReq = withURLParam(createReq, "id", id)
	createRec := httptest.NewRecorder()
	f.createPolicyTemplate(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &resp))
	ptID := resp["policyTemplateId"]
	assert.Equal(t, "pending", resp["state"])

	require.NoError(t, f.ApprovePolicyTemplate(id, ptID, true))

	ps, err := f.store.GetProvisioningSession(id)
	require.NoError(t, err)
	assert.Equal(t, "valid", string(ps.PolicyTemplates[ptID].State))
}

func TestGetContentProtocolsSupportsConditionalGet(t *testing.T) {
	f := newFSMForTest(t)

	firstReq := httptest.NewRequest(http.MethodGet, "/3gpp-m1/v2/content-protocols", nil)
	firstRec := httptest.NewRecorder()
	f.getContentProtocols(firstRec, firstReq)
	require.Equal(t, http.StatusOK, firstRec.Code)
	etag := firstRec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	secondReq := httptest.NewRequest(http.MethodGet, "/3gpp-m1/v2/content-protocols", nil)
	secondReq.Header.Set("If-None-Match", etag)
	secondRec := httptest.NewRecorder()
	f.getContentProtocols(secondRec, secondReq)
	assert.Equal(t, http.StatusNotModified, secondRec.Code)
}
