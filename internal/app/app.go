// Package app wires together every component of the 5GMS Application
// Function control plane: configuration, logging, the event loop, the
// Provisioning store, the certificate manager, the M1/M3/M5/management
// FSMs, the PCF/BSF subsystem, and the HTTP endpoints that carry them. It
// hides that wiring from cmd/dccfaf so main() only calls Start/Stop.
package app

import (
	stdctx "context"
	"fmt"
	"sync"
	"time"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/certmgr"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/eventloop"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/httpserver"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/logger"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/m1"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/m3"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/m5"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/mgmt"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/model"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/pcf"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/router"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/store"
	"github.com/5g-mag/rt-5gms-application-function-core/pkg/factory"
)

// App is the high-level interface implemented by the AF daemon.
type App interface {
	// Start brings the whole AF instance online: it starts the event loop
	// and every configured HTTP endpoint. Logging and the resource trees
	// are set up earlier, by NewApp.
	Start(ctx stdctx.Context) error

	// Stop gracefully shuts down every HTTP endpoint and the event loop.
	Stop(ctx stdctx.Context) error
}

// appImpl is the concrete implementation of App.
type appImpl struct {
	config *factory.Config

	loop     *eventloop.Loop
	store    *store.Store
	certs    *certmgr.Manager
	m3Engine *m3.Engine
	pcf      *pcf.Subsystem

	m1FSM *m1.FSM
	m5FSM *m5.FSM
	mgmt  *mgmt.API

	servers []*httpserver.Server

	startStopMutex sync.Mutex
	started        bool
}

// NewApp constructs a new App from a validated configuration. It creates
// every internal component but does not start any network listeners yet;
// that happens in Start.
func NewApp(config *factory.Config) (App, error) {
	if config == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	if initErr := logger.InitLog(config.Logging.Level, config.Logging.ReportCaller); initErr != nil {
		logger.MainLog.Warnf("InitLog failed with level=%s, using fallback: %v", config.Logging.Level, initErr)
	}

	logger.MainLog.Infof("starting 5GMS Application Function version=%s description=%q", config.Info.Version, config.Info.Description)

	saiMaxAge := time.Duration(config.SAICacheControlMaxAge) * time.Second
	st := store.New(saiMaxAge)

	for _, asCfg := range config.ApplicationServers {
		st.RegisterApplicationServer(model.ApplicationServer{
			CanonicalHostname:   asCfg.CanonicalHostname,
			URLPathPrefixFormat: asCfg.URLPathPrefixFormat,
			M3Port:              asCfg.M3Port,
		})
	}

	certs, err := certmgr.New(config.CertificateManager.Executable, time.Duration(config.CertificateManager.TimeoutSec)*time.Second, config.CertificateManager.CertDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise certificate manager: %w", err)
	}

	loop := eventloop.New(256)

	m3Engine := m3.New(st, loop, certs)

	pcfSubsystem := pcf.New(
		config.BSF.URI,
		config.PCF.URI,
		time.Duration(config.BSF.CacheTTLSec)*time.Second,
		time.Duration(config.BSF.NegativeTTLSec)*time.Second,
		time.Duration(config.NetworkAssistance.DeliveryBoostSeconds)*time.Second,
		loop,
	)

	m1FSM := m1.New(st, certs, m3Engine, loop)
	m5FSM := m5.New(st, pcfSubsystem, config.DataCollectionDir, config.SAICacheControlMaxAge)
	mgmtAPI := mgmt.New(st, m1FSM)

	rt := router.New(loop)
	m1FSM.Register(rt)
	m5FSM.Register(rt)
	mgmtAPI.Register(rt)

	var servers []*httpserver.Server
	for _, ep := range config.Endpoints {
		protocol := httpserver.ProtocolHTTP1
		if ep.Protocol == "http2" {
			protocol = httpserver.ProtocolHTTP2
		}
		srv := &httpserver.Server{
			Name:            ep.Name,
			Protocol:        protocol,
			ListenAddr:      ep.ListenAddr,
			APIFamily:       apiFamilyForEndpoint(ep.Name),
			ServerName:      config.ServerName,
			APIRelease:      config.APIRelease,
			WatchdogTimeout: 30 * time.Second,
		}
		srv.Init(rt.Handler())
		servers = append(servers, srv)
	}

	return &appImpl{
		config:   config,
		loop:     loop,
		store:    st,
		certs:    certs,
		m3Engine: m3Engine,
		pcf:      pcfSubsystem,
		m1FSM:    m1FSM,
		m5FSM:    m5FSM,
		mgmt:     mgmtAPI,
		servers:  servers,
	}, nil
}

func apiFamilyForEndpoint(name string) string {
	switch name {
	case "m1":
		return "m1 provisioningSession"
	case "m5":
		return "m5"
	case "management":
		return "management"
	default:
		return ""
	}
}

// Start implements App.Start.
func (a *appImpl) Start(ctx stdctx.Context) error {
	a.startStopMutex.Lock()
	defer a.startStopMutex.Unlock()

	if a.started {
		logger.MainLog.Warn("App.Start called more than once; ignoring subsequent call")
		return nil
	}

	go a.loop.Run()

	for _, srv := range a.servers {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start endpoint %s: %w", srv.Name, err)
		}
	}

	a.started = true
	logger.MainLog.Infof("5GMS Application Function successfully started")
	return nil
}

// Stop implements App.Stop.
func (a *appImpl) Stop(ctx stdctx.Context) error {
	a.startStopMutex.Lock()
	defer a.startStopMutex.Unlock()

	if !a.started {
		return nil
	}

	logger.MainLog.Infof("5GMS Application Function shutdown requested")

	for _, srv := range a.servers {
		if err := srv.Stop(ctx); err != nil {
			logger.MainLog.Warnf("endpoint %s stop returned error: %v", srv.Name, err)
		}
		srv.Finalize()
	}

	a.loop.Stop()

	a.started = false
	logger.MainLog.Infof("5GMS Application Function shutdown completed")
	return nil
}
