// Command dccfaf is the entry point for the 5GMS Application Function.
// Responsibilities:
//   - Parse command-line flags (config path) via cobra.
//   - Initialise a temporary logger so config loading has somewhere to report to.
//   - Load and validate configuration from YAML.
//   - Construct the App (wires all internal components).
//   - Start the App and block until SIGINT/SIGTERM.
//   - Trigger a best-effort graceful shutdown on signal.
package main

import (
	stdctx "context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/app"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/logger"
	"github.com/5g-mag/rt-5gms-application-function-core/pkg/factory"
)

// version is set at build time via -ldflags; it falls back to "dev" for
// local builds.
var version = "dev"

const (
	exitOK       = 0
	exitConfig   = 1
	exitBindFail = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "dccfaf",
		Short:   "5GMS Application Function control-plane daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", factory.DccfAfDefaultConfigPath, "path to the AF config file (YAML)")

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if asExitError(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	return exitOK
}

// exitError carries a process exit code alongside an error, so serve can
// signal bind failures (exitBindFail) distinctly from configuration errors
// (exitConfig) without main needing to inspect error strings.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func asExitError(err error, target **exitError) bool {
	if ee, ok := err.(*exitError); ok {
		*target = ee
		return true
	}
	return false
}

func serve(configPath string) error {
	_ = logger.InitLog("info", false)
	logger.MainLog.Infof("5GMS Application Function starting, configPath=%s", configPath)

	loader := &factory.YAMLConfigLoader{}
	config, readErr := loader.Load(configPath)
	if readErr != nil {
		logger.MainLog.Errorf("failed to read config: %v", readErr)
		return &exitError{code: exitConfig, err: readErr}
	}

	afApp, appErr := app.NewApp(config)
	if appErr != nil {
		logger.MainLog.Errorf("failed to create AF app: %v", appErr)
		return &exitError{code: exitConfig, err: appErr}
	}

	rootContext, rootCancel := stdctx.WithCancel(stdctx.Background())
	defer rootCancel()

	if startErr := afApp.Start(rootContext); startErr != nil {
		logger.MainLog.Errorf("failed to start AF: %v", startErr)
		return &exitError{code: exitBindFail, err: startErr}
	}

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	receivedSignal := <-signalChannel
	logger.MainLog.Infof("received signal=%s, initiating shutdown", receivedSignal.String())
	rootCancel()

	shutdownTimeout := 10 * time.Second
	shutdownContext, shutdownCancel := stdctx.WithTimeout(stdctx.Background(), shutdownTimeout)
	defer shutdownCancel()

	if stopErr := afApp.Stop(shutdownContext); stopErr != nil {
		logger.MainLog.Warnf("AF shutdown encountered error: %v", stopErr)
		return nil
	}

	logger.MainLog.Infof("AF shutdown completed within %s", shutdownTimeout)
	return nil
}
