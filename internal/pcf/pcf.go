// Package pcf implements the PCF/BSF subsystem (C8): Nbsf_Management
// discovery with a TTL cache, Npcf_PolicyAuthorization AppSessionContext
// management, and the network-assistance delivery-boost lifecycle.
package pcf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/google/uuid"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/eventloop"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/logger"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/model"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/problem"
)

const (
	serviceName = "3gpp-m5"
	apiVersion  = "v2"
)

// Subsystem owns the BSF cache and the active PCF sessions.
type Subsystem struct {
	bsfURI string
	pcfURI string
	client *http.Client
	loop   *eventloop.Loop

	bsfCache *gocache.Cache
	negTTL   time.Duration

	boostDuration time.Duration

	sessions map[string]*model.PCFSession // keyed by clientID
}

// New builds the PCF/BSF subsystem.
func New(bsfURI, pcfURI string, cacheTTL, negativeTTL, boostDuration time.Duration, loop *eventloop.Loop) *Subsystem {
	return &Subsystem{
		bsfURI:        bsfURI,
		pcfURI:        pcfURI,
		client:        &http.Client{Timeout: 10 * time.Second},
		loop:          loop,
		bsfCache:      gocache.New(cacheTTL, 2*cacheTTL),
		negTTL:        negativeTTL,
		boostDuration: boostDuration,
		sessions:      make(map[string]*model.PCFSession),
	}
}

// DiscoverPCF resolves the PCF endpoint serving ueAddress, consulting the
// BSF cache before issuing Nbsf_Management discovery. Negative results are
// cached for a shorter TTL to avoid discovery storms.
func (s *Subsystem) DiscoverPCF(ctx context.Context, ueAddress string) (string, error) {
	if cached, ok := s.bsfCache.Get(ueAddress); ok {
		entry := cached.(model.BSFCacheEntry)
		if entry.PCFEndpoint == "" {
			return "", problem.New(problem.KindUpstream, serviceName, apiVersion, ueAddress, "BSF has no binding for this address")
		}
		return entry.PCFEndpoint, nil
	}

	url := fmt.Sprintf("%s/nbsf-management/v1/pcfBindings?ueIpv4Addr=%s", s.bsfURI, ueAddress)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", problem.New(problem.KindInternal, serviceName, apiVersion, ueAddress, "failed to build BSF request").WithCause(err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", problem.New(problem.KindUpstream, serviceName, apiVersion, ueAddress, "BSF discovery failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		s.bsfCache.Set(ueAddress, model.BSFCacheEntry{}, s.negTTL)
		return "", problem.New(problem.KindUpstream, serviceName, apiVersion, ueAddress, "BSF has no binding for this address")
	}
	if resp.StatusCode/100 != 2 {
		return "", problem.New(problem.KindUpstream, serviceName, apiVersion, ueAddress, fmt.Sprintf("BSF returned status %d", resp.StatusCode))
	}

	var body struct {
		PCFEndpoint string `json:"pcfSetId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", problem.New(problem.KindUpstream, serviceName, apiVersion, ueAddress, "malformed BSF response").WithCause(err)
	}

	s.bsfCache.SetDefault(ueAddress, model.BSFCacheEntry{PCFEndpoint: body.PCFEndpoint, Expiry: time.Now()})
	return body.PCFEndpoint, nil
}

// EstablishSession creates an Npcf_PolicyAuthorization AppSessionContext for
// a new M5 session requiring policy, keyed by clientID (the (PS, client)
// pair of spec.md §3).
func (s *Subsystem) EstablishSession(ctx context.Context, psID, clientID string, policyTemplate *model.PolicyTemplate) (*model.PCFSession, error) {
	url := fmt.Sprintf("%s/npcf-policyauthorization/v1/app-sessions", s.pcfURI)
	reqBody, _ := json.Marshal(map[string]interface{}{
		"ascReqData": map[string]interface{}{"qosRef": policyTemplate.QoSRef},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, problem.New(problem.KindInternal, serviceName, apiVersion, clientID, "failed to build PCF request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, problem.New(problem.KindUpstream, serviceName, apiVersion, clientID, "PCF session establishment failed").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, problem.New(problem.KindUpstream, serviceName, apiVersion, clientID, fmt.Sprintf("PCF returned status %d", resp.StatusCode))
	}

	// resp.Location resolves a relative Location against the request URL.
	location := url + "/" + uuid.NewString()
	if loc, err := resp.Location(); err == nil {
		location = loc.String()
	}

	session := &model.PCFSession{
		ProvisioningSessionID: psID,
		ClientID:              clientID,
		AppSessionContextURL:  location,
		CurrentPolicyTemplate: policyTemplate.ID,
	}
	s.sessions[clientID] = session
	return session, nil
}

// DeliveryBoost applies the boosted policy template to an active PCF
// session. psID must match the session's owning Provisioning Session (an M5
// caller cannot boost a session it does not own), and a second concurrent
// boost on the same session is a conflict.
func (s *Subsystem) DeliveryBoost(ctx context.Context, psID, clientID, boostedTemplateID string) error {
	session, ok := s.sessions[clientID]
	if !ok || session.ProvisioningSessionID != psID {
		return problem.New(problem.KindNotFound, serviceName, apiVersion, clientID, "no active session for this client")
	}
	if session.Boost != nil {
		return problem.New(problem.KindConflict, serviceName, apiVersion, clientID, "delivery boost already active")
	}

	if err := s.patchAppSessionContext(ctx, session, boostedTemplateID); err != nil {
		return err
	}

	session.Boost = &model.DeliveryBoost{
		BoostedPolicyTemplateID:  boostedTemplateID,
		OriginalPolicyTemplateID: session.CurrentPolicyTemplate,
		ExpiresAt:                time.Now().Add(s.boostDuration),
	}
	session.CurrentPolicyTemplate = boostedTemplateID

	s.loop.PostAfter("pcf.boost.revert", s.boostDuration, func() {
		s.revertBoost(clientID)
	})

	return nil
}

func (s *Subsystem) revertBoost(clientID string) {
	session, ok := s.sessions[clientID]
	if !ok || session.Boost == nil {
		return
	}
	original := session.Boost.OriginalPolicyTemplateID
	if err := s.patchAppSessionContext(context.Background(), session, original); err != nil {
		logger.PCFLog.Warnf("failed to revert delivery boost for client %s: %v", clientID, err)
		return
	}
	session.CurrentPolicyTemplate = original
	session.Boost = nil
	logger.PCFLog.Infof("delivery boost reverted for client %s", clientID)
}

func (s *Subsystem) patchAppSessionContext(ctx context.Context, session *model.PCFSession, templateID string) error {
	reqBody, _ := json.Marshal(map[string]interface{}{"qosRef": templateID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, session.AppSessionContextURL, bytes.NewReader(reqBody))
	if err != nil {
		return problem.New(problem.KindInternal, serviceName, apiVersion, session.ClientID, "failed to build PCF patch request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/merge-patch+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return problem.New(problem.KindUpstream, serviceName, apiVersion, session.ClientID, "PCF policy update failed").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return problem.New(problem.KindUpstream, serviceName, apiVersion, session.ClientID, fmt.Sprintf("PCF returned status %d", resp.StatusCode))
	}
	return nil
}

// EndSession releases the AppSessionContext when an M5 session ends.
func (s *Subsystem) EndSession(ctx context.Context, clientID string) error {
	session, ok := s.sessions[clientID]
	if !ok {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, session.AppSessionContextURL+":delete", nil)
	if err != nil {
		return problem.New(problem.KindInternal, serviceName, apiVersion, clientID, "failed to build PCF delete request").WithCause(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return problem.New(problem.KindUpstream, serviceName, apiVersion, clientID, "PCF session deletion failed").WithCause(err)
	}
	defer resp.Body.Close()
	delete(s.sessions, clientID)
	return nil
}
