// Package store owns the authoritative in-memory Provisioning Session
// entities and their derived indices: per-session certificates, Content
// Hosting Configuration, policy templates, reporting configurations, and the
// memoised Service Access Information document. All mutation happens on the
// single event-loop worker, so the maps are guarded by a plain RWMutex only
// to protect read paths invoked from outside that worker (management
// enumeration, metrics).
package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/logger"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/model"
)

// ErrNotFound is returned when a lookup misses, including lookups against a
// Provisioning Session that is in the "deleting" phase.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by operations that would violate a uniqueness or
// single-active-instance invariant.
var ErrConflict = errors.New("conflict")

// ASState is the per-Application-Server reconciliation node (spec C3/C6):
// the set of Provisioning Sessions assigned to it, its last-known current_*
// lists, and its four FIFO work queues plus the purge queue.
type ASState struct {
	Hostname string

	// Mu guards every field below. It is exported because the M3 engine,
	// not this package, is the component that actually drives the
	// reconciliation state machine over this node.
	Mu sync.Mutex

	AssignedPS map[string]struct{}

	CurrentCertificatesKnown bool
	CurrentCertificates      map[string]struct{}

	CurrentCHCKnown bool
	CurrentCHC      map[string]struct{}

	UploadCertificates []model.ResourceIDQueueEntry
	UploadCHC          []model.ResourceIDQueueEntry
	DeleteCertificates []model.ResourceIDQueueEntry
	DeleteCHC          []model.ResourceIDQueueEntry
	PurgeCHCCache      []model.ResourceIDQueueEntry

	InFlight bool

	BackoffSeconds int
}

func newASState(hostname string) *ASState {
	return &ASState{
		Hostname:   hostname,
		AssignedPS: make(map[string]struct{}),
	}
}

// QueuesEmptyFor reports whether every queue of this node is empty of
// entries that reference the given Provisioning Session id. Certificate
// entries are AF-unique ids of the form "<psID>:<rest>"; CHC and purge
// entries carry the bare psID. The caller must hold a.Mu.
func (a *ASState) QueuesEmptyFor(psID string) bool {
	prefix := psID + ":"
	for _, q := range [][]model.ResourceIDQueueEntry{a.UploadCertificates, a.UploadCHC, a.DeleteCertificates, a.DeleteCHC, a.PurgeCHCCache} {
		for _, e := range q {
			if e.ID == psID || hasPrefix(e.ID, prefix) {
				return false
			}
		}
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Store is the C3 Provisioning store: authoritative entities plus their
// indices, the AS-state nodes driven by C6, and the per-PS SAI cache.
type Store struct {
	mu sync.RWMutex

	sessions map[string]*model.ProvisioningSession

	// deletePending tracks, per PS id being deleted, the set of AS
	// hostnames that still have non-empty queues referencing it.
	deletePending map[string]map[string]struct{}

	asNodes map[string]*ASState

	applicationServers map[string]model.ApplicationServer

	saiCache *gocache.Cache

	saiMaxAge time.Duration
}

// New builds an empty Store. saiMaxAge is the go-cache default TTL of the
// per-PS Service Access Information cache.
func New(saiMaxAge time.Duration) *Store {
	return &Store{
		sessions:           make(map[string]*model.ProvisioningSession),
		deletePending:      make(map[string]map[string]struct{}),
		asNodes:            make(map[string]*ASState),
		applicationServers: make(map[string]model.ApplicationServer),
		saiCache:           gocache.New(saiMaxAge, 2*saiMaxAge),
		saiMaxAge:          saiMaxAge,
	}
}

// RegisterApplicationServer adds a configured AS and its reconciliation node.
func (s *Store) RegisterApplicationServer(as model.ApplicationServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applicationServers[as.CanonicalHostname] = as
	if _, ok := s.asNodes[as.CanonicalHostname]; !ok {
		s.asNodes[as.CanonicalHostname] = newASState(as.CanonicalHostname)
	}
}

// ASNode returns the reconciliation node for a configured AS.
func (s *Store) ASNode(hostname string) (*ASState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.asNodes[hostname]
	return node, ok
}

// ApplicationServers returns the configured AS records, hostname sorted.
func (s *Store) ApplicationServers() []model.ApplicationServer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ApplicationServer, 0, len(s.applicationServers))
	for _, as := range s.applicationServers {
		out = append(out, as)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalHostname < out[j].CanonicalHostname })
	return out
}

// CreateProvisioningSession inserts a new session under the given id.
func (s *Store) CreateProvisioningSession(ps *model.ProvisioningSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps.Certificates == nil {
		ps.Certificates = make(map[string]*model.ServerCertificate)
	}
	if ps.PolicyTemplates == nil {
		ps.PolicyTemplates = make(map[string]*model.PolicyTemplate)
	}
	if ps.MetricsReporting == nil {
		ps.MetricsReporting = make(map[string]*model.MetricsReportingConfiguration)
	}
	if ps.AssignedApplicationServers == nil {
		ps.AssignedApplicationServers = make(map[string]struct{})
		for hostname := range s.asNodes {
			ps.AssignedApplicationServers[hostname] = struct{}{}
		}
	}
	s.sessions[ps.ID] = ps
	logger.StoreLog.Debugf("provisioning session %s created", ps.ID)
}

// GetProvisioningSession returns a live (non-deleting) session.
func (s *Store) GetProvisioningSession(id string) (*model.ProvisioningSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.sessions[id]
	if !ok || ps.Deleting {
		return nil, ErrNotFound
	}
	return ps, nil
}

// ListProvisioningSessionIDs returns the ids of all live sessions, sorted.
func (s *Store) ListProvisioningSessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id, ps := range s.sessions {
		if ps.Deleting {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarkDeleting begins the two-phase deletion of spec.md §4.3: the session is
// flagged "deleting" (reads 404 from here on) and every AS node assigned to
// it is recorded as pending until its queues drain.
func (s *Store) MarkDeleting(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[id]
	if !ok || ps.Deleting {
		return ErrNotFound
	}
	ps.Deleting = true

	pending := make(map[string]struct{}, len(ps.AssignedApplicationServers))
	for hostname := range ps.AssignedApplicationServers {
		pending[hostname] = struct{}{}
	}
	s.deletePending[id] = pending
	s.saiCache.Delete(id)
	logger.StoreLog.Infof("provisioning session %s marked deleting, %d AS node(s) pending", id, len(pending))
	return nil
}

// ObserveASQueueDrained is called once an AS reconciliation step observes its
// queues empty of entries for psID. When every assigned AS node has reported
// drained, the session record is freed.
func (s *Store) ObserveASQueueDrained(psID, asHostname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.deletePending[psID]
	if !ok {
		return
	}
	delete(pending, asHostname)
	if len(pending) > 0 {
		return
	}
	delete(s.deletePending, psID)
	delete(s.sessions, psID)
	logger.StoreLog.Infof("provisioning session %s freed, all AS mirrors withdrawn", psID)
}

// IsDeletePending reports whether psID is still draining on any AS node.
func (s *Store) IsDeletePending(psID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.deletePending[psID]
	return ok
}

// InvalidateSAI drops the memoised Service Access Information for a PS. Call
// after any mutation that could change the derived document.
func (s *Store) InvalidateSAI(psID string) {
	s.saiCache.Delete(psID)
}

// GetOrComputeSAI returns the cached SAI for psID, computing and caching it
// via compute if absent. The ETag is a weak SHA-256 over the canonical JSON
// of the computed document (original_source confirms a hash-based ETag).
func (s *Store) GetOrComputeSAI(psID string, compute func() (map[string]interface{}, error)) (*model.ServiceAccessInformation, error) {
	if cached, ok := s.saiCache.Get(psID); ok {
		return cached.(*model.ServiceAccessInformation), nil
	}

	doc, err := compute()
	if err != nil {
		return nil, err
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "marshal SAI document")
	}
	sum := sha256.Sum256(canonical)
	etag := fmt.Sprintf(`W/"%x"`, sum)

	sai := &model.ServiceAccessInformation{
		Document:     doc,
		ETag:         etag,
		LastModified: time.Now(),
	}
	s.saiCache.SetDefault(psID, sai)
	return sai, nil
}

// AddCertificate records a newly reserved certificate on a PS.
func (s *Store) AddCertificate(psID string, cert *model.ServerCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[psID]
	if !ok || ps.Deleting {
		return ErrNotFound
	}
	ps.Certificates[cert.CertificateID] = cert
	ps.UpdatedAt = time.Now()
	return nil
}

// GetCertificate looks up a certificate scoped to a PS.
func (s *Store) GetCertificate(psID, certID string) (*model.ServerCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.sessions[psID]
	if !ok || ps.Deleting {
		return nil, ErrNotFound
	}
	cert, ok := ps.Certificates[certID]
	if !ok {
		return nil, ErrNotFound
	}
	return cert, nil
}

// DeleteCertificate removes a certificate record from its PS.
func (s *Store) DeleteCertificate(psID, certID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[psID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := ps.Certificates[certID]; !ok {
		return ErrNotFound
	}
	delete(ps.Certificates, certID)
	ps.UpdatedAt = time.Now()
	return nil
}

// SetContentHostingConfiguration replaces the CHC of a PS and invalidates its
// SAI. Validation that every embedded certificate reference resolves inside
// this PS is performed by the caller (the M1 FSM) before this is invoked.
func (s *Store) SetContentHostingConfiguration(psID string, chc *model.ContentHostingConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[psID]
	if !ok || ps.Deleting {
		return ErrNotFound
	}
	ps.ContentHostingConfig = chc
	ps.UpdatedAt = time.Now()
	s.saiCache.Delete(psID)
	return nil
}

// UpsertPolicyTemplate inserts or replaces a policy template on a PS.
func (s *Store) UpsertPolicyTemplate(psID string, pt *model.PolicyTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[psID]
	if !ok || ps.Deleting {
		return ErrNotFound
	}
	ps.PolicyTemplates[pt.ID] = pt
	ps.UpdatedAt = time.Now()
	s.saiCache.Delete(psID)
	return nil
}

// SetPolicyTemplateState transitions a policy template's approval state
// (pending/valid/invalid). The management API reaches it through
// m1.FSM.ApprovePolicyTemplate.
func (s *Store) SetPolicyTemplateState(psID, ptID string, state model.PolicyTemplateState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[psID]
	if !ok || ps.Deleting {
		return ErrNotFound
	}
	pt, ok := ps.PolicyTemplates[ptID]
	if !ok {
		return ErrNotFound
	}
	pt.State = state
	pt.UpdatedAt = time.Now()
	s.saiCache.Delete(psID)
	return nil
}

// SetBoostPolicyTemplate designates the policy template a PS's M5
// DeliveryBoost operation switches to. ptID must already exist on the PS.
func (s *Store) SetBoostPolicyTemplate(psID, ptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[psID]
	if !ok || ps.Deleting {
		return ErrNotFound
	}
	if _, ok := ps.PolicyTemplates[ptID]; !ok {
		return ErrNotFound
	}
	ps.BoostPolicyTemplateID = ptID
	ps.UpdatedAt = time.Now()
	return nil
}

// DeletePolicyTemplate removes a policy template from its PS.
func (s *Store) DeletePolicyTemplate(psID, ptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[psID]
	if !ok || ps.Deleting {
		return ErrNotFound
	}
	if _, ok := ps.PolicyTemplates[ptID]; !ok {
		return ErrNotFound
	}
	delete(ps.PolicyTemplates, ptID)
	s.saiCache.Delete(psID)
	return nil
}

// SetConsumptionReportingConfiguration replaces the PS's reporting config.
func (s *Store) SetConsumptionReportingConfiguration(psID string, crc *model.ConsumptionReportingConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[psID]
	if !ok || ps.Deleting {
		return ErrNotFound
	}
	ps.ConsumptionReporting = crc
	ps.UpdatedAt = time.Now()
	return nil
}

// AddMetricsReportingConfiguration inserts a metrics reporting configuration.
func (s *Store) AddMetricsReportingConfiguration(psID string, mrc *model.MetricsReportingConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[psID]
	if !ok || ps.Deleting {
		return ErrNotFound
	}
	ps.MetricsReporting[mrc.ID] = mrc
	ps.UpdatedAt = time.Now()
	return nil
}

// DeleteMetricsReportingConfiguration removes one by id.
func (s *Store) DeleteMetricsReportingConfiguration(psID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[psID]
	if !ok || ps.Deleting {
		return ErrNotFound
	}
	if _, ok := ps.MetricsReporting[id]; !ok {
		return ErrNotFound
	}
	delete(ps.MetricsReporting, id)
	return nil
}
