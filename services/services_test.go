package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/internal/testlogging"
)

func TestStopStartOrderAndFailures(t *testing.T) {
	ctx := testlogging.Context(t)

	var commands []string

	m := NewManager(config.ServicesConfig{Units: []string{"coffeebreak-api", "coffeebreak-events"}})
	m.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		cmdline := strings.Join(append([]string{name}, args...), " ")
		commands = append(commands, cmdline)

		if cmdline == "systemctl start coffeebreak-events" {
			return []byte("unit not found"), errors.New("exit status 5")
		}

		return nil, nil
	}

	m.Stop(ctx)

	failed := m.Start(ctx)
	require.Equal(t, []string{"coffeebreak-events"}, failed)

	require.Equal(t, []string{
		"systemctl stop coffeebreak-api",
		"systemctl stop coffeebreak-events",
		"systemctl daemon-reload",
		"systemctl start coffeebreak-api",
		"systemctl start coffeebreak-events",
	}, commands)
}

func TestProbe(t *testing.T) {
	ctx := testlogging.Context(t)

	healthy := true

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	m := NewManager(config.ServicesConfig{Units: []string{"coffeebreak-api"}, HealthURL: srv.URL})

	unitsActive := true
	m.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if !unitsActive {
			return nil, errors.New("exit status 3")
		}

		return nil, nil
	}

	require.NoError(t, m.Probe(ctx))

	healthy = false
	require.ErrorContains(t, m.Probe(ctx), "503")

	unitsActive = false
	require.ErrorContains(t, m.Probe(ctx), "not active")
}
