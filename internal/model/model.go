// Package model defines the shared data structures of the 5GMS Application
// Function: Provisioning Sessions and everything hung off them (certificates,
// Content Hosting Configuration, policy templates, reporting configurations,
// Service Access Information), Application Server records, and the PCF/BSF
// session types. All types here are intentionally free of dependencies on
// other internal packages to avoid circular imports.
package model

import "time"

// SessionType enumerates the two Provisioning Session types.
type SessionType string

const (
	SessionTypeDownlink SessionType = "DOWNLINK"
	SessionTypeUplink   SessionType = "UPLINK"
)

// CertificateState tracks the lifecycle of a Server Certificate.
type CertificateState string

const (
	CertificateStateReserved CertificateState = "reserved"
	CertificateStateUploaded CertificateState = "uploaded"
	CertificateStateSynced   CertificateState = "synced"
)

// PolicyTemplateState tracks the lifecycle of a Policy Template.
type PolicyTemplateState string

const (
	PolicyTemplatePending PolicyTemplateState = "pending"
	PolicyTemplateValid   PolicyTemplateState = "valid"
	PolicyTemplateInvalid PolicyTemplateState = "invalid"
)

// ProvisioningSession is the root entity grouping all per-stream
// configuration a content provider configures over M1.
type ProvisioningSession struct {
	ID                    string
	SessionType           SessionType
	AppID                 string
	ExternalAppID         string
	ASPID                 string
	Deleting              bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
	ContentHostingConfig  *ContentHostingConfiguration
	Certificates          map[string]*ServerCertificate     // keyed by certificateId
	PolicyTemplates       map[string]*PolicyTemplate         // keyed by policyTemplateId
	ConsumptionReporting  *ConsumptionReportingConfiguration
	MetricsReporting      map[string]*MetricsReportingConfiguration // keyed by metricsReportingConfigurationId
	AssignedApplicationServers map[string]struct{}          // canonicalHostname set
	BoostPolicyTemplateID string                             // policyTemplateId designated for M5 DeliveryBoost
}

// ServerCertificate is a certificateId scoped within a Provisioning Session.
type ServerCertificate struct {
	ProvisioningSessionID string
	CertificateID         string
	State                 CertificateState
	PEMPath               string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AFUniqueCertificateID returns the flat M3 namespace identifier of the form
// "<provisioningSessionId>:<certificateId>".
func (c *ServerCertificate) AFUniqueCertificateID() string {
	return c.ProvisioningSessionID + ":" + c.CertificateID
}

// ContentHostingConfiguration is the provider-supplied delivery document,
// stored verbatim alongside a rewritten projection used on M3.
type ContentHostingConfiguration struct {
	Raw       map[string]interface{} // provider-supplied document, stored verbatim
	Rewritten map[string]interface{} // certificate references replaced by AF-unique ids
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PolicyTemplate models one network-assistance policy template belonging to
// a Provisioning Session.
type PolicyTemplate struct {
	ID        string
	State     PolicyTemplateState
	Document  map[string]interface{}
	QoSRef    string // reference into the document used by the PCF subsystem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConsumptionReportingConfiguration controls M5 consumption report intake.
type ConsumptionReportingConfiguration struct {
	SamplePercentage float64
	LocationReporting bool
	AccessReporting   bool
}

// MetricsReportingConfiguration controls M5 metrics report intake.
type MetricsReportingConfiguration struct {
	ID                string
	Scheme            string
	DataNetworkName    string
	ReportingInterval  int
	SamplePercentage   float64
	URL                string
}

// ServiceAccessInformation is the derived per-PS document M5 clients fetch.
type ServiceAccessInformation struct {
	Document     map[string]interface{}
	ETag         string
	LastModified time.Time
	Generation   uint64
}

// ApplicationServer is a configured M3 peer.
type ApplicationServer struct {
	CanonicalHostname   string
	URLPathPrefixFormat string
	M3Port              int
}

// ResourceIDQueueEntry is a FIFO entry of an AS-state reconciliation queue:
// a certificate id, CHC id, or purge request with optional filter.
type ResourceIDQueueEntry struct {
	ID          string
	PurgeRegex  string // only meaningful for purge_content_hosting_cache
}

// DeliveryBoost is an active bitrate-boost override on a PCF session.
type DeliveryBoost struct {
	BoostedPolicyTemplateID  string
	OriginalPolicyTemplateID string
	ExpiresAt                time.Time
}

// PCFSession is the per-media-session Npcf_PolicyAuthorization state.
type PCFSession struct {
	ProvisioningSessionID string
	ClientID              string // identifies the (PS, client) pair
	AppSessionContextURL  string
	CurrentPolicyTemplate string
	Boost                 *DeliveryBoost
}

// BSFCacheEntry is a cached Nbsf_Management discovery result.
type BSFCacheEntry struct {
	PCFEndpoint string
	Expiry      time.Time
}

// ConsumptionReport is one M5-posted consumption report.
type ConsumptionReport struct {
	ProvisioningSessionID string
	ReceivedAt            time.Time
	Body                  map[string]interface{}
}

// MetricsReport is one M5-posted metrics report.
type MetricsReport struct {
	ProvisioningSessionID string
	ReceivedAt            time.Time
	Body                  map[string]interface{}
}
