package m3

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/eventloop"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/model"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/store"
)

type fakeCertReader struct {
	pem []byte
	err error
}

func (f *fakeCertReader) ReadPEM(afUniqueID string) ([]byte, error) {
	return f.pem, f.err
}

func newEngineForTest() *Engine {
	st := store.New(30 * time.Second)
	loop := eventloop.New(16)
	return New(st, loop, &fakeCertReader{pem: []byte("pem-bytes")})
}

func TestNextActionPriorityOrder(t *testing.T) {
	e := newEngineForTest()
	node := &store.ASState{Hostname: "as1.example.com"}

	act, ok := e.nextAction(node)
	require.True(t, ok)
	assert.Equal(t, "list_certificates", act.kind)

	node.CurrentCertificatesKnown = true
	act, ok = e.nextAction(node)
	require.True(t, ok)
	assert.Equal(t, "list_chc", act.kind)

	node.CurrentCHCKnown = true
	node.UploadCertificates = []model.ResourceIDQueueEntry{{ID: "ps-1:cert-1"}}
	node.UploadCHC = []model.ResourceIDQueueEntry{{ID: "ps-1"}}
	node.DeleteCHC = []model.ResourceIDQueueEntry{{ID: "ps-1"}}
	node.DeleteCertificates = []model.ResourceIDQueueEntry{{ID: "ps-1:cert-2"}}
	node.PurgeCHCCache = []model.ResourceIDQueueEntry{{ID: "ps-1"}}

	act, ok = e.nextAction(node)
	require.True(t, ok)
	assert.Equal(t, "upload_certificate", act.kind, "certificate upload must win over CHC upload and every delete/purge kind")

	node.UploadCertificates = nil
	act, ok = e.nextAction(node)
	require.True(t, ok)
	assert.Equal(t, "upload_chc", act.kind)

	node.UploadCHC = nil
	act, ok = e.nextAction(node)
	require.True(t, ok)
	assert.Equal(t, "delete_chc", act.kind)

	node.DeleteCHC = nil
	act, ok = e.nextAction(node)
	require.True(t, ok)
	assert.Equal(t, "delete_certificate", act.kind)

	node.DeleteCertificates = nil
	act, ok = e.nextAction(node)
	require.True(t, ok)
	assert.Equal(t, "purge_chc", act.kind)

	node.PurgeCHCCache = nil
	_, ok = e.nextAction(node)
	assert.False(t, ok, "no queued work and both lists known means nothing to do")
}

func TestNextActionUploadUsesPUTWhenCertificateAlreadyKnown(t *testing.T) {
	e := newEngineForTest()
	node := &store.ASState{
		Hostname:                 "as1.example.com",
		CurrentCertificatesKnown: true,
		CurrentCHCKnown:          true,
		CurrentCertificates:      map[string]struct{}{"ps-1:cert-1": {}},
		UploadCertificates:       []model.ResourceIDQueueEntry{{ID: "ps-1:cert-1"}},
	}
	act, ok := e.nextAction(node)
	require.True(t, ok)
	assert.Equal(t, http.MethodPut, act.method)
}

func TestOnResponseSuccessPopsQueueAndRecordsKnownState(t *testing.T) {
	e := newEngineForTest()
	node := &store.ASState{
		Hostname:           "as1.example.com",
		UploadCertificates: []model.ResourceIDQueueEntry{{ID: "ps-1:cert-1"}},
	}
	act := action{kind: "upload_certificate", entry: model.ResourceIDQueueEntry{ID: "ps-1:cert-1"}, sourceQueue: &node.UploadCertificates}
	node.CurrentCertificates = map[string]struct{}{}

	e.onResponse("as1.example.com", node, act, http.StatusCreated, nil)

	assert.Empty(t, node.UploadCertificates)
	assert.Contains(t, node.CurrentCertificates, "ps-1:cert-1")
	assert.False(t, node.InFlight)
	assert.Equal(t, 0, node.BackoffSeconds)
}

func TestOnResponseClientErrorDropsEntryWithoutRetry(t *testing.T) {
	e := newEngineForTest()
	node := &store.ASState{
		Hostname:           "as1.example.com",
		UploadCertificates: []model.ResourceIDQueueEntry{{ID: "ps-1:cert-1"}},
	}
	act := action{kind: "upload_certificate", entry: model.ResourceIDQueueEntry{ID: "ps-1:cert-1"}, sourceQueue: &node.UploadCertificates}

	e.onResponse("as1.example.com", node, act, http.StatusBadRequest, nil)

	assert.Empty(t, node.UploadCertificates, "4xx must drop the entry rather than retry it")
	assert.Equal(t, 0, node.BackoffSeconds)
}

func TestOnTransportErrorBacksOffExponentiallyUpToCap(t *testing.T) {
	e := newEngineForTest()
	node := &store.ASState{Hostname: "as1.example.com"}

	e.onTransportError("as1.example.com", node)
	assert.Equal(t, 1, node.BackoffSeconds)

	e.onTransportError("as1.example.com", node)
	assert.Equal(t, 2, node.BackoffSeconds)

	e.onTransportError("as1.example.com", node)
	assert.Equal(t, 4, node.BackoffSeconds)

	node.BackoffSeconds = 40
	e.onTransportError("as1.example.com", node)
	assert.Equal(t, 60, node.BackoffSeconds, "backoff must cap at 60 seconds")

	node.BackoffSeconds = 60
	e.onTransportError("as1.example.com", node)
	assert.Equal(t, 60, node.BackoffSeconds)
}

func TestOnResponseServerErrorTriggersBackoffNotQueuePop(t *testing.T) {
	e := newEngineForTest()
	node := &store.ASState{
		Hostname:           "as1.example.com",
		UploadCertificates: []model.ResourceIDQueueEntry{{ID: "ps-1:cert-1"}},
	}
	act := action{kind: "upload_certificate", entry: model.ResourceIDQueueEntry{ID: "ps-1:cert-1"}, sourceQueue: &node.UploadCertificates}

	e.onResponse("as1.example.com", node, act, http.StatusServiceUnavailable, nil)

	assert.Len(t, node.UploadCertificates, 1, "5xx must retry, not drop")
	assert.Equal(t, 1, node.BackoffSeconds)
}

func TestOnResponseListCertificatesRecordsASReportedInventory(t *testing.T) {
	e := newEngineForTest()
	node := &store.ASState{Hostname: "as1.example.com"}
	act := action{kind: "list_certificates"}

	e.onResponse("as1.example.com", node, act, http.StatusOK, []string{"ps-1:cert-1", "ps-1:cert-2"})

	assert.True(t, node.CurrentCertificatesKnown)
	assert.Contains(t, node.CurrentCertificates, "ps-1:cert-1")
	assert.Contains(t, node.CurrentCertificates, "ps-1:cert-2")
}

func TestOnResponseListChcRecordsASReportedInventory(t *testing.T) {
	e := newEngineForTest()
	node := &store.ASState{Hostname: "as1.example.com"}
	act := action{kind: "list_chc"}

	e.onResponse("as1.example.com", node, act, http.StatusOK, []string{"ps-1", "ps-2"})

	assert.True(t, node.CurrentCHCKnown)
	assert.Contains(t, node.CurrentCHC, "ps-1")
	assert.Contains(t, node.CurrentCHC, "ps-2")
}

// TestExecuteListCertificatesParsesResponseBodyIntoCurrentInventory drives a
// real HTTP round trip through execute so a certificate already known to the
// AS is treated with PUT (not POST) once the CHC inventory is also known,
// exercising the resync-after-restart scenario end to end rather than only unit-testing
// onResponse with a hand-built id list.
func TestExecuteListCertificatesParsesResponseBodyIntoCurrentInventory(t *testing.T) {
	asServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`["ps-1:cert-1"]`))
	}))
	defer asServer.Close()

	as := applicationServerFromTestURL(t, asServer.URL)

	e := newEngineForTest()
	loop := eventloop.New(8)
	e.loop = loop
	go loop.Run()
	defer loop.Stop()

	node := &store.ASState{Hostname: as.CanonicalHostname}
	act := action{kind: "list_certificates", method: http.MethodGet, path: "/3gpp-m3/v1/certificates"}

	e.execute(as, node, act)

	require.Eventually(t, func() bool {
		node.Mu.Lock()
		defer node.Mu.Unlock()
		return node.CurrentCertificatesKnown
	}, time.Second, 10*time.Millisecond)

	node.Mu.Lock()
	_, known := node.CurrentCertificates["ps-1:cert-1"]
	node.Mu.Unlock()
	assert.True(t, known, "AS's actual certificate inventory must be recorded, not discarded")

	node.Mu.Lock()
	node.CurrentCHCKnown = true
	node.UploadCertificates = []model.ResourceIDQueueEntry{{ID: "ps-1:cert-1"}}
	act2, ok := e.nextAction(node)
	node.Mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, http.MethodPut, act2.method, "a certificate the AS already reported must be PUT, not re-POSTed")
}

// applicationServerFromTestURL builds a model.ApplicationServer pointing at
// an httptest.Server's address.
func applicationServerFromTestURL(t *testing.T, rawURL string) model.ApplicationServer {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	return model.ApplicationServer{CanonicalHostname: parsed.Hostname(), M3Port: port}
}

func TestSplitAFUniqueID(t *testing.T) {
	psID, certID := splitAFUniqueID("ps-1:cert-1")
	assert.Equal(t, "ps-1", psID)
	assert.Equal(t, "cert-1", certID)

	psID, certID = splitAFUniqueID("no-colon")
	assert.Equal(t, "no-colon", psID)
	assert.Empty(t, certID)
}
