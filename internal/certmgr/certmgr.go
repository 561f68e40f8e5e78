// Package certmgr is the glue between the M1 FSM and the external certmgr
// helper process (C4): it names certificates, invokes certmgr with a bounded
// timeout, captures PEM bytes from stdout, and maps its exit code onto the
// error kinds of the M1 API.
package certmgr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/logger"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/problem"
)

// Manager invokes the external certmgr executable and manages PEM files on
// disk under CertDir, named deterministically from the AF-unique id.
type Manager struct {
	Executable string
	Timeout    time.Duration
	CertDir    string
}

// New builds a Manager. certDir is created if it does not yet exist.
func New(executable string, timeout time.Duration, certDir string) (*Manager, error) {
	if err := os.MkdirAll(certDir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create certificate directory")
	}
	return &Manager{Executable: executable, Timeout: timeout, CertDir: certDir}, nil
}

// pemPath derives the on-disk filename for an AF-unique certificate id by
// sanitising the ':' separator (original_source: "certificates/%s:%s").
func (m *Manager) pemPath(afUniqueID string) string {
	sanitised := strings.ReplaceAll(afUniqueID, ":", "_")
	return filepath.Join(m.CertDir, sanitised+".pem")
}

// NewCert invokes `certmgr newcert <afUniqueId>`, writes the returned PEM to
// disk, and returns its path. Exit code 1 (CA error) maps to UpstreamError,
// 2 (naming error) to ValidationError.
func (m *Manager) NewCert(ctx context.Context, afUniqueID string) (string, error) {
	return m.invokeAndCapture(ctx, "newcert", afUniqueID)
}

// RenewCert invokes `certmgr renewcert <afUniqueId>` and rewrites the PEM.
func (m *Manager) RenewCert(ctx context.Context, afUniqueID string) (string, error) {
	return m.invokeAndCapture(ctx, "renewcert", afUniqueID)
}

// Revoke invokes `certmgr revoke <afUniqueId>` and removes the PEM file.
func (m *Manager) Revoke(ctx context.Context, afUniqueID string) error {
	if _, err := m.run(ctx, "revoke", afUniqueID); err != nil {
		return err
	}
	path := m.pemPath(afUniqueID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove certificate file")
	}
	return nil
}

// ReadPEM returns the stored PEM bytes for a certificate without
// re-invoking certmgr, as spec.md §4.4 requires for reads.
func (m *Manager) ReadPEM(afUniqueID string) ([]byte, error) {
	data, err := os.ReadFile(m.pemPath(afUniqueID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, problem.New(problem.KindNotFound, "3gpp-m1", "v2", afUniqueID, "certificate not found")
		}
		return nil, errors.Wrap(err, "read certificate file")
	}
	return data, nil
}

func (m *Manager) invokeAndCapture(ctx context.Context, verb, afUniqueID string) (string, error) {
	pem, err := m.run(ctx, verb, afUniqueID)
	if err != nil {
		return "", err
	}
	path := m.pemPath(afUniqueID)
	if err := os.WriteFile(path, pem, 0o640); err != nil {
		return "", errors.Wrap(err, "write certificate file")
	}
	return path, nil
}

func (m *Manager) run(ctx context.Context, verb, afUniqueID string) ([]byte, error) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, m.Executable, verb, afUniqueID)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.CertLog.Debugf("invoking %s %s %s", m.Executable, verb, afUniqueID)
	runErr := cmd.Run()

	if stderr.Len() > 0 {
		logger.CertLog.Warnf("certmgr %s %s stderr: %s", verb, afUniqueID, stderr.String())
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, problem.New(problem.KindTimeout, "3gpp-m1", "v2", afUniqueID, "certificate manager timed out").WithCause(runErr)
	}

	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, problem.New(problem.KindInternal, "3gpp-m1", "v2", afUniqueID, "certificate manager invocation failed").WithCause(runErr)
		}
		switch exitErr.ExitCode() {
		case 1:
			return nil, problem.New(problem.KindUpstream, "3gpp-m1", "v2", afUniqueID, "certificate authority error").WithCause(runErr)
		case 2:
			return nil, problem.New(problem.KindValidation, "3gpp-m1", "v2", afUniqueID, "invalid certificate identifier").
				WithInvalidParams(problem.InvalidParam{Param: "certificateId", Reason: "rejected by certificate manager"})
		default:
			return nil, problem.New(problem.KindInternal, "3gpp-m1", "v2", afUniqueID, "certificate manager exited abnormally").WithCause(runErr)
		}
	}

	return stdout.Bytes(), nil
}
