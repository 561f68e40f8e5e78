// Package logger provides structured loggers for the different subsystems of
// the 5GMS Application Function control plane. It wraps logrus and exposes
// category-specific log entries such as MainLog, M1Log, M3Log, etc. The
// logging level and caller reporting can be adjusted at runtime via InitLog.
package logger

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	moduleName = "5GMSAF"
)

var (
	initOnce sync.Once

	// MainLog is the primary logger for high-level lifecycle events
	// (startup, shutdown, major state transitions).
	MainLog *log.Entry

	// CfgLog is used for configuration loading, validation, and printing.
	CfgLog *log.Entry

	// HTTPLog is for the dual HTTP/1.1-HTTP/2 server abstraction (C1).
	HTTPLog *log.Entry

	// RouterLog is for request parsing and resource-tree dispatch (C2).
	RouterLog *log.Entry

	// StoreLog is for the provisioning store and its SAI cache (C3).
	StoreLog *log.Entry

	// CertLog is for the certificate manager glue (C4).
	CertLog *log.Entry

	// M1Log is for the M1 provisioning API state machine (C5).
	M1Log *log.Entry

	// M3Log is for the M3 Application Server reconciliation engine (C6).
	M3Log *log.Entry

	// M5Log is for the M5 service-access API state machine (C7).
	M5Log *log.Entry

	// PCFLog is for BSF discovery, PCF sessions and delivery boosts (C8).
	PCFLog *log.Entry

	// EventLog is for the event loop and its timers (C9).
	EventLog *log.Entry

	// MgmtLog is for the management API.
	MgmtLog *log.Entry
)

// InitLog configures the global logrus settings and initializes all category
// loggers. It is safe to call multiple times; the first call wins for
// category construction. Subsequent calls update the log level and
// reportCaller flag.
func InitLog(levelString string, reportCaller bool) error {
	var initErr error

	initOnce.Do(func() {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})

		log.SetLevel(log.InfoLevel)
		log.SetReportCaller(reportCaller)

		MainLog = log.WithFields(log.Fields{"module": moduleName, "category": "MAIN"})
		CfgLog = log.WithFields(log.Fields{"module": moduleName, "category": "CFG"})
		HTTPLog = log.WithFields(log.Fields{"module": moduleName, "category": "HTTP"})
		RouterLog = log.WithFields(log.Fields{"module": moduleName, "category": "ROUTER"})
		StoreLog = log.WithFields(log.Fields{"module": moduleName, "category": "STORE"})
		CertLog = log.WithFields(log.Fields{"module": moduleName, "category": "CERT"})
		M1Log = log.WithFields(log.Fields{"module": moduleName, "category": "M1"})
		M3Log = log.WithFields(log.Fields{"module": moduleName, "category": "M3"})
		M5Log = log.WithFields(log.Fields{"module": moduleName, "category": "M5"})
		PCFLog = log.WithFields(log.Fields{"module": moduleName, "category": "PCF"})
		EventLog = log.WithFields(log.Fields{"module": moduleName, "category": "EVENT"})
		MgmtLog = log.WithFields(log.Fields{"module": moduleName, "category": "MGMT"})
	})

	parsedLevel, parseErr := parseLogLevel(levelString)
	if parseErr != nil {
		log.SetLevel(log.InfoLevel)
		if CfgLog != nil {
			CfgLog.Warnf("invalid log level %q, falling back to info: %v", levelString, parseErr)
		}
		initErr = parseErr
	} else {
		log.SetLevel(parsedLevel)
	}

	log.SetReportCaller(reportCaller)

	return initErr
}

// parseLogLevel converts a string log level (case-insensitive) into a logrus.Level.
func parseLogLevel(levelString string) (log.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(levelString))

	switch normalized {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unknown log level: %s", levelString)
	}
}
