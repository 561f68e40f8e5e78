// Package m3 implements the AS reconciliation engine (C6): for each
// configured Application Server it drives exactly one outstanding
// /3gpp-m3/v1 request at a time, chosen by the strict seven-step priority
// order of spec.md §4.6, retrying transport/5xx failures with exponential
// backoff and dropping non-retriable 4xx failures.
package m3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/eventloop"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/logger"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/model"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/store"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// Engine owns one HTTP client per AS-state node (SUPPLEMENTED FEATURES item
// 6: sbi-path.c's per-hostname client pooling) and drives its reconciliation
// loop from the shared event loop.
type Engine struct {
	store *store.Store
	loop  *eventloop.Loop

	clients map[string]*http.Client
	certs   certReader
}

// certReader reads PEM bytes for an AF-unique certificate id; satisfied by
// certmgr.Manager.
type certReader interface {
	ReadPEM(afUniqueID string) ([]byte, error)
}

// New builds the M3 engine.
func New(st *store.Store, loop *eventloop.Loop, certs certReader) *Engine {
	return &Engine{store: st, loop: loop, clients: make(map[string]*http.Client), certs: certs}
}

func (e *Engine) clientFor(hostname string) *http.Client {
	if c, ok := e.clients[hostname]; ok {
		return c
	}
	c := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   3 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   3 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: 30 * time.Second,
	}
	e.clients[hostname] = c
	return c
}

func baseURL(as model.ApplicationServer) string {
	return fmt.Sprintf("http://%s:%d", as.CanonicalHostname, as.M3Port)
}

// EnqueueUploadCertificate appends a certificate upload to the AS node's
// queue and kicks its reconciliation step if it is idle.
func (e *Engine) EnqueueUploadCertificate(hostname, psID, certID string) {
	e.enqueue(hostname, func(node *store.ASState) {
		node.UploadCertificates = append(node.UploadCertificates, model.ResourceIDQueueEntry{ID: psID + ":" + certID})
	})
}

// EnqueueDeleteCertificate appends a certificate delete to the AS node's queue.
func (e *Engine) EnqueueDeleteCertificate(hostname, psID, certID string) {
	e.enqueue(hostname, func(node *store.ASState) {
		node.DeleteCertificates = append(node.DeleteCertificates, model.ResourceIDQueueEntry{ID: psID + ":" + certID})
	})
}

// EnqueueUploadCHC appends a Content Hosting Configuration upload.
func (e *Engine) EnqueueUploadCHC(hostname, psID string) {
	e.enqueue(hostname, func(node *store.ASState) {
		node.UploadCHC = append(node.UploadCHC, model.ResourceIDQueueEntry{ID: psID})
	})
}

// EnqueueDeleteCHC appends a Content Hosting Configuration delete.
func (e *Engine) EnqueueDeleteCHC(hostname, psID string) {
	e.enqueue(hostname, func(node *store.ASState) {
		node.DeleteCHC = append(node.DeleteCHC, model.ResourceIDQueueEntry{ID: psID})
	})
}

// EnqueuePurgeCHCCache appends a cache purge request with an optional
// x-www-form-urlencoded filter regex.
func (e *Engine) EnqueuePurgeCHCCache(hostname, psID, filterRegex string) {
	e.enqueue(hostname, func(node *store.ASState) {
		node.PurgeCHCCache = append(node.PurgeCHCCache, model.ResourceIDQueueEntry{ID: psID, PurgeRegex: filterRegex})
	})
}

func (e *Engine) enqueue(hostname string, mutate func(node *store.ASState)) {
	node, ok := e.store.ASNode(hostname)
	if !ok {
		logger.M3Log.Warnf("enqueue against unknown AS %s", hostname)
		return
	}
	node.Mu.Lock()
	mutate(node)
	idle := !node.InFlight
	node.Mu.Unlock()

	if idle {
		e.step(hostname)
	}
}

// step performs one reconciliation step for the named AS node, choosing the
// next action by the strict priority order of spec.md §4.6.
func (e *Engine) step(hostname string) {
	node, ok := e.store.ASNode(hostname)
	if !ok {
		return
	}
	as, found := e.applicationServer(hostname)
	if !found {
		return
	}

	node.Mu.Lock()
	if node.InFlight {
		node.Mu.Unlock()
		return
	}

	action, ok := e.nextAction(node)
	if !ok {
		node.Mu.Unlock()
		return
	}
	node.InFlight = true
	node.Mu.Unlock()

	go e.execute(as, node, action)
}

type action struct {
	kind      string
	method    string
	path      string
	body      []byte
	contentType string
	entry     model.ResourceIDQueueEntry
	sourceQueue *[]model.ResourceIDQueueEntry
}

// nextAction chooses the next M3 request per the seven-step priority order.
// Caller must hold node.Mu.
func (e *Engine) nextAction(node *store.ASState) (action, bool) {
	if !node.CurrentCertificatesKnown {
		return action{kind: "list_certificates", method: http.MethodGet, path: "/3gpp-m3/v1/certificates"}, true
	}
	if !node.CurrentCHCKnown {
		return action{kind: "list_chc", method: http.MethodGet, path: "/3gpp-m3/v1/content-hosting-configurations"}, true
	}
	if len(node.UploadCertificates) > 0 {
		entry := node.UploadCertificates[0]
		method := http.MethodPost
		if _, exists := node.CurrentCertificates[entry.ID]; exists {
			method = http.MethodPut
		}
		return action{
			kind: "upload_certificate", method: method,
			path: "/3gpp-m3/v1/certificates/" + entry.ID, contentType: "application/x-pem-file",
			entry: entry, sourceQueue: &node.UploadCertificates,
		}, true
	}
	if len(node.UploadCHC) > 0 {
		entry := node.UploadCHC[0]
		method := http.MethodPost
		if _, exists := node.CurrentCHC[entry.ID]; exists {
			method = http.MethodPut
		}
		return action{
			kind: "upload_chc", method: method,
			path: "/3gpp-m3/v1/content-hosting-configurations/" + entry.ID, contentType: "application/json",
			entry: entry, sourceQueue: &node.UploadCHC,
		}, true
	}
	if len(node.DeleteCHC) > 0 {
		entry := node.DeleteCHC[0]
		return action{kind: "delete_chc", method: http.MethodDelete, path: "/3gpp-m3/v1/content-hosting-configurations/" + entry.ID, entry: entry, sourceQueue: &node.DeleteCHC}, true
	}
	if len(node.DeleteCertificates) > 0 {
		entry := node.DeleteCertificates[0]
		return action{kind: "delete_certificate", method: http.MethodDelete, path: "/3gpp-m3/v1/certificates/" + entry.ID, entry: entry, sourceQueue: &node.DeleteCertificates}, true
	}
	if len(node.PurgeCHCCache) > 0 {
		entry := node.PurgeCHCCache[0]
		var body []byte
		if entry.PurgeRegex != "" {
			body = []byte("regex=" + entry.PurgeRegex)
		}
		return action{
			kind: "purge_chc", method: http.MethodPost,
			path: "/3gpp-m3/v1/content-hosting-configurations/" + entry.ID + "/purge",
			body: body, contentType: "application/x-www-form-urlencoded",
			entry: entry, sourceQueue: &node.PurgeCHCCache,
		}, true
	}
	return action{}, false
}

func (e *Engine) applicationServer(hostname string) (model.ApplicationServer, bool) {
	for _, as := range e.store.ApplicationServers() {
		if as.CanonicalHostname == hostname {
			return as, true
		}
	}
	return model.ApplicationServer{}, false
}

func (e *Engine) execute(as model.ApplicationServer, node *store.ASState, act action) {
	body := act.body
	if act.kind == "upload_certificate" {
		psID, certID := splitAFUniqueID(act.entry.ID)
		pem, err := e.certs.ReadPEM(act.entry.ID)
		if err != nil {
			logger.M3Log.Warnf("cannot read certificate %s/%s for AS %s: %v", psID, certID, as.CanonicalHostname, err)
			e.loop.Post("m3.result", func() { e.onTransportError(as.CanonicalHostname, node) })
			return
		}
		body = pem
	}

	url := baseURL(as) + act.path
	req, err := http.NewRequestWithContext(context.Background(), act.method, url, bytes.NewReader(body))
	if err != nil {
		logger.M3Log.Errorf("build M3 request to %s failed: %v", url, err)
		e.loop.Post("m3.result", func() { e.onTransportError(as.CanonicalHostname, node) })
		return
	}
	if act.contentType != "" {
		req.Header.Set("Content-Type", act.contentType)
	}

	resp, err := e.clientFor(as.CanonicalHostname).Do(req)
	if err != nil {
		logger.M3Log.Warnf("M3 %s %s failed: %v", act.method, url, err)
		e.loop.Post("m3.result", func() { e.onTransportError(as.CanonicalHostname, node) })
		return
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	var listedIDs []string
	if status/100 == 2 && (act.kind == "list_certificates" || act.kind == "list_chc") {
		if err := json.NewDecoder(resp.Body).Decode(&listedIDs); err != nil {
			logger.M3Log.Warnf("AS %s returned unparseable %s response: %v", as.CanonicalHostname, act.kind, err)
			e.loop.Post("m3.result", func() { e.onTransportError(as.CanonicalHostname, node) })
			return
		}
	}
	e.loop.Post("m3.result", func() { e.onResponse(as.CanonicalHostname, node, act, status, listedIDs) })
}

// onResponse applies the outcome of one M3 request. listedIDs is only
// populated for list_certificates/list_chc and holds the AS's actual current
// inventory, parsed from the response body by execute.
func (e *Engine) onResponse(hostname string, node *store.ASState, act action, status int, listedIDs []string) {
	node.Mu.Lock()
	node.InFlight = false

	switch {
	case status/100 == 2:
		node.BackoffSeconds = 0
		switch act.kind {
		case "list_certificates":
			node.CurrentCertificatesKnown = true
			node.CurrentCertificates = idSet(listedIDs)
		case "list_chc":
			node.CurrentCHCKnown = true
			node.CurrentCHC = idSet(listedIDs)
		default:
			if act.sourceQueue != nil && len(*act.sourceQueue) > 0 {
				*act.sourceQueue = (*act.sourceQueue)[1:]
			}
			switch act.kind {
			case "upload_certificate":
				if node.CurrentCertificates != nil {
					node.CurrentCertificates[act.entry.ID] = struct{}{}
				}
			case "delete_certificate":
				delete(node.CurrentCertificates, act.entry.ID)
			case "upload_chc":
				if node.CurrentCHC != nil {
					node.CurrentCHC[act.entry.ID] = struct{}{}
				}
			case "delete_chc":
				delete(node.CurrentCHC, act.entry.ID)
			}
			e.notifyDrainIfPending(hostname, node, act.entry.ID)
		}
	case status/100 == 4:
		node.BackoffSeconds = 0
		logger.M3Log.Warnf("AS %s rejected %s %s with %d, dropping", hostname, act.method, act.path, status)
		if act.sourceQueue != nil && len(*act.sourceQueue) > 0 {
			*act.sourceQueue = (*act.sourceQueue)[1:]
		}
		e.notifyDrainIfPending(hostname, node, act.entry.ID)
	default:
		node.Mu.Unlock()
		e.onTransportError(hostname, node)
		return
	}
	node.Mu.Unlock()

	e.step(hostname)
}

// notifyDrainIfPending checks whether entryID's owning PS is mid-deletion and
// whether this node's queues are now empty of it, completing phase two of
// spec.md §4.3's two-phase delete. Caller holds node.Mu.
func (e *Engine) notifyDrainIfPending(hostname string, node *store.ASState, entryID string) {
	psID := entryID
	if idx := strings.IndexByte(entryID, ':'); idx >= 0 {
		psID = entryID[:idx]
	}
	if !e.store.IsDeletePending(psID) {
		return
	}
	if node.QueuesEmptyFor(psID) {
		e.store.ObserveASQueueDrained(psID, hostname)
	}
}

func (e *Engine) onTransportError(hostname string, node *store.ASState) {
	node.Mu.Lock()
	node.InFlight = false
	backoff := node.BackoffSeconds
	if backoff <= 0 {
		backoff = int(initialBackoff.Seconds())
	} else {
		backoff *= 2
		if backoff > int(maxBackoff.Seconds()) {
			backoff = int(maxBackoff.Seconds())
		}
	}
	node.BackoffSeconds = backoff
	node.Mu.Unlock()

	logger.M3Log.Warnf("AS %s transport error, retrying in %ds", hostname, backoff)
	e.loop.PostAfter("m3.retry", time.Duration(backoff)*time.Second, func() {
		e.step(hostname)
	})
}

// idSet builds a membership set from a listing response's id array.
func idSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func splitAFUniqueID(id string) (psID, certID string) {
	idx := strings.IndexByte(id, ':')
	if idx < 0 {
		return id, ""
	}
	return id[:idx], id[idx+1:]
}
