package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/faultline/internal/config"
	httpserver "github.com/fyrsmithlabs/faultline/internal/http"
	"github.com/fyrsmithlabs/faultline/internal/signal"
	"github.com/fyrsmithlabs/faultline/internal/suggest"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = freePort(t)
	cfg.Server.ShutdownTimeout = config.Duration(2 * time.Second)
	cfg.Observability.LogLevel = "error"
	cfg.StackOverflow.Enabled = false
	cfg.GitHub.Enabled = false
	return cfg
}

type running struct {
	base string
	stop context.CancelFunc
	errc chan error
}

func start(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d, err := newDaemon(ctx, cfg)
	require.NoError(t, err)

	r := &running{
		base: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		stop: cancel,
		errc: make(chan error, 1),
	}
	go func() {
		err := d.Run(ctx)
		d.Close()
		r.errc <- err
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(r.base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return r
}

func (r *running) shutdown(t *testing.T) {
	t.Helper()
	r.stop()
	select {
	case err := <-r.errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestDaemon_LocalRelayRoundTrip(t *testing.T) {
	r := start(t, testConfig(t))
	defer r.shutdown(t)

	resp := postJSON(t, r.base+"/api/v1/signals", signal.Signal{
		Kind:     signal.KindRuntime,
		Severity: signal.SeverityError,
		Message:  "Uncaught TypeError: undefined is not a function",
		TabScope: "tab-1",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(r.base + "/api/v1/signals")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var list httpserver.SignalsResponse
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			return false
		}
		return len(list.Signals) == 1
	}, 2*time.Second, 20*time.Millisecond)

	resp = postJSON(t, r.base+"/api/v1/suggestions", httpserver.SuggestRequest{
		Query:   "TypeError undefined is not a function",
		Sources: []suggest.SourceID{suggest.SourceDocs, suggest.SourceGitHub},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result suggest.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEmpty(t, result.Suggestions)
	assert.Equal(t, suggest.StatusOK, result.Status[suggest.SourceDocs])
	assert.Equal(t, suggest.StatusNotConnected, result.Status[suggest.SourceGitHub])
}

func TestDaemon_EmbeddedRelay(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relay.Mode = config.RelayEmbedded
	r := start(t, cfg)
	defer r.shutdown(t)

	resp, err := http.Get(r.base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health httpserver.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, config.RelayEmbedded, health.Relay)
}

func TestDaemon_FeedbackSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Path = filepath.Join(t.TempDir(), "faultline.db")

	first := start(t, cfg)
	resp := postJSON(t, first.base+"/api/v1/feedback", httpserver.FeedbackRequest{
		SuggestionID: "docs:TypeError",
		Source:       suggest.SourceDocs,
		Rating:       suggest.RatingHelpful,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	first.shutdown(t)

	cfg.Server.Port = freePort(t)
	second := start(t, cfg)
	defer second.shutdown(t)

	resp, err := http.Get(second.base + "/api/v1/feedback")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list httpserver.FeedbackResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Feedback, 1)
	assert.Equal(t, "docs:TypeError", list.Feedback[0].SuggestionID)
}

func TestNewDaemon_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relay.Mode = "carrier-pigeon"
	_, err := newDaemon(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestNewDaemon_UnreachableNATS(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relay.Mode = config.RelayNATS
	cfg.Relay.URL = fmt.Sprintf("nats://127.0.0.1:%d", freePort(t))
	_, err := newDaemon(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect relay")
}

func TestNewDaemon_FailureReleasesRelay(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relay.Mode = config.RelayEmbedded
	cfg.Relay.EmbeddedPort = freePort(t)

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	cfg.Store.Path = filepath.Join(blocker, "faultline.db")

	var err error
	require.NotPanics(t, func() {
		_, err = newDaemon(context.Background(), cfg)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open store")

	// The embedded relay port must be free again after the failed start.
	cfg.Store.Path = ""
	d, err := newDaemon(context.Background(), cfg)
	require.NoError(t, err)
	d.Close()
}

func TestNewDaemon_UnreachableNATSDoesNotPanic(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relay.Mode = config.RelayNATS
	cfg.Relay.URL = fmt.Sprintf("nats://127.0.0.1:%d", freePort(t))
	assert.NotPanics(t, func() {
		d, err := newDaemon(context.Background(), cfg)
		assert.Nil(t, d)
		assert.Error(t, err)
	})
}

func TestLoggingConfig(t *testing.T) {
	obs := config.Default().Observability
	obs.LogLevel = "trace"
	lcfg, err := loggingConfig(obs)
	require.NoError(t, err)
	assert.Equal(t, "faultline", lcfg.Fields["service"])

	obs.LogLevel = "loud"
	_, err = loggingConfig(obs)
	assert.Error(t, err)
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://localhost:3000", "http://localhost:3000", false},
		{"https://app.test/path?q=1", "https://app.test/path?q=1", false},
		{"file:///tmp/index.html", "file:///tmp/index.html", false},
		{"ftp://example.com", "", true},
		{"localhost:3000", "", true},
		{"://", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTarget(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["watch"])

	root.SetArgs([]string{"watch"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.Execute(), "watch requires a url")
}
