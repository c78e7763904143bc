// Package services controls the dependent application services around a
// recovery window and probes application reachability afterwards.
package services

import (
	"bytes"
	"context"
	"net/http"
	"os/exec"
	"time"

	"github.com/pkg/errors"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/logging"
)

var log = logging.Module("services")

const probeTimeout = 10 * time.Second

// Manager stops and starts the configured systemd units.
type Manager struct {
	units     []string
	healthURL string

	// runCommand and httpClient are swapped in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
	httpClient *http.Client
}

// NewManager returns a service manager for the configured units.
func NewManager(cfg config.ServicesConfig) *Manager {
	return &Manager{
		units:      cfg.Units,
		healthURL:  cfg.HealthURL,
		runCommand: runCommand,
		httpClient: &http.Client{Timeout: probeTimeout},
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stderr.Bytes(), err
	}

	return stderr.Bytes(), nil
}

// Stop stops every configured unit. A unit that fails to stop is logged
// and skipped; the restore proceeds regardless, matching operator
// expectations during disaster recovery.
func (m *Manager) Stop(ctx context.Context) {
	for _, unit := range m.units {
		log(ctx).Infof("stopping %v", unit)

		if stderr, err := m.runCommand(ctx, "systemctl", "stop", unit); err != nil {
			log(ctx).Warnf("unable to stop %v: %v: %v", unit, err, string(bytes.TrimSpace(stderr)))
		}
	}
}

// Start starts every configured unit after a daemon reload, returning the
// units that failed to start.
func (m *Manager) Start(ctx context.Context) []string {
	if stderr, err := m.runCommand(ctx, "systemctl", "daemon-reload"); err != nil {
		log(ctx).Warnf("daemon-reload failed: %v: %v", err, string(bytes.TrimSpace(stderr)))
	}

	var failed []string

	for _, unit := range m.units {
		log(ctx).Infof("starting %v", unit)

		if stderr, err := m.runCommand(ctx, "systemctl", "start", unit); err != nil {
			log(ctx).Errorf("unable to start %v: %v: %v", unit, err, string(bytes.TrimSpace(stderr)))
			failed = append(failed, unit)
		}
	}

	return failed
}

// Probe checks application reachability: every unit active, and the health
// URL (when configured) answering with a 2xx.
func (m *Manager) Probe(ctx context.Context) error {
	for _, unit := range m.units {
		if _, err := m.runCommand(ctx, "systemctl", "is-active", "--quiet", unit); err != nil {
			return errors.Wrapf(err, "unit %v is not active", unit)
		}
	}

	if m.healthURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "unable to build health request")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "health probe of %v failed", m.healthURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return errors.Errorf("health probe of %v returned %v", m.healthURL, resp.Status)
	}

	return nil
}
