package capture

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/faultline/internal/signal"
)

// recorder is an in-memory relay.Publisher.
type recorder struct {
	mu      sync.Mutex
	signals []signal.Signal
	navs    []string
	err     error
	panics  bool
}

func (r *recorder) PublishSignal(_ context.Context, s signal.Signal) error {
	if r.panics {
		panic("publisher exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.signals = append(r.signals, s)
	return nil
}

func (r *recorder) PublishNavigation(_ context.Context, tab string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navs = append(r.navs, tab)
	return r.err
}

func (r *recorder) all() []signal.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signal.Signal(nil), r.signals...)
}

func newAgent(t *testing.T, rec *recorder, opts ...Option) *Agent {
	t.Helper()
	a, err := New("tab-1", rec, opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNew_Validation(t *testing.T) {
	_, err := New("", &recorder{})
	assert.ErrorIs(t, err, ErrNoTabScope)
	_, err = New("tab", nil)
	assert.ErrorIs(t, err, ErrNoPublisher)
}

func TestNetworkSeverity(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   signal.Severity
		failed bool
	}{
		{"404 is a warning", 404, nil, signal.SeverityWarning, true},
		{"400 is a warning", 400, nil, signal.SeverityWarning, true},
		{"499 is a warning", 499, nil, signal.SeverityWarning, true},
		{"500 is an error", 500, nil, signal.SeverityError, true},
		{"503 is an error", 503, nil, signal.SeverityError, true},
		{"transport failure is an error", 0, errors.New("connection refused"), signal.SeverityError, true},
		{"no response is an error", 0, nil, signal.SeverityError, true},
		{"200 is not a failure", 200, nil, "", false},
		{"304 is not a failure", 304, nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sev, failed := NetworkSeverity(tt.status, tt.err)
			assert.Equal(t, tt.failed, failed)
			assert.Equal(t, tt.want, sev)
		})
	}
}

func TestEmit_StampsSignals(t *testing.T) {
	rec := &recorder{}
	base := time.Unix(1700000000, 0)
	ticks := []time.Time{base.Add(2 * time.Second), base, base.Add(time.Second), base.Add(5 * time.Second)}
	i := 0
	clock := func() time.Time {
		tm := ticks[i%len(ticks)]
		i++
		return tm
	}
	a := newAgent(t, rec, WithClock(clock))

	for n := 0; n < 4; n++ {
		a.Console(ConsoleWarn, "tick", n)
	}

	got := rec.all()
	require.Len(t, got, 4)
	ids := map[string]bool{}
	for n, s := range got {
		assert.Equal(t, "tab-1", s.TabScope)
		assert.NotEmpty(t, s.ID)
		assert.False(t, ids[s.ID], "ids are unique")
		ids[s.ID] = true
		if n > 0 {
			assert.False(t, s.Timestamp.Before(got[n-1].Timestamp), "timestamps never go backwards")
		}
		assert.NoError(t, s.Validate())
	}
	assert.Equal(t, "tick 0", got[0].Message)
	assert.Equal(t, signal.SeverityWarning, got[0].Severity)
}

func TestEmit_RedactsSecrets(t *testing.T) {
	rec := &recorder{}
	a := newAgent(t, rec)

	a.Console(ConsoleError, "login failed with Bearer abcdefghijklmnop")
	got := rec.all()
	require.Len(t, got, 1)
	assert.NotContains(t, got[0].Message, "abcdefghijklmnop")

	rec2 := &recorder{}
	plain := newAgent(t, rec2, WithSecretRedaction(false))
	plain.Console(ConsoleError, "login failed with Bearer abcdefghijklmnop")
	assert.Contains(t, rec2.all()[0].Message, "abcdefghijklmnop")
}

func TestEmit_ClipsOversizedText(t *testing.T) {
	rec := &recorder{}
	a := newAgent(t, rec)

	a.UncaughtError(ErrorEvent{
		Message: strings.Repeat("é", MaxMessageBytes),
		Stack:   strings.Repeat("at f (app.js:1:1)\n", MaxStackTraceBytes),
	})
	got := rec.all()
	require.Len(t, got, 1)
	assert.LessOrEqual(t, len(got[0].Message), MaxMessageBytes)
	assert.LessOrEqual(t, len(got[0].StackTrace), MaxStackTraceBytes)
	assert.True(t, utf8.ValidString(got[0].Message))
	assert.True(t, strings.HasSuffix(got[0].Message, "…"))

	a.Console(ConsoleError, "short")
	assert.Equal(t, "short", rec.all()[1].Message)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 3))
	assert.Equal(t, "a…", clip("abcdef", 4))
	// A cut inside a multi-byte rune backs up to its start.
	assert.Equal(t, "é…", clip("ééé", 5))
	assert.Equal(t, "…", clip("éé", 3))
}

func TestEmit_DeliveryFailureIsSwallowed(t *testing.T) {
	rec := &recorder{err: errors.New("no aggregator")}
	a := newAgent(t, rec)

	assert.NotPanics(t, func() { a.Console(ConsoleError, "x") })
	assert.Equal(t, int64(1), a.Stats().Dropped)
	assert.Equal(t, int64(0), a.Stats().Emitted)
}

func TestGuard_InstrumentationFaultNeverReachesHost(t *testing.T) {
	rec := &recorder{panics: true}
	a := newAgent(t, rec)

	called := false
	hooks := &Hooks{Console: map[ConsoleLevel]ConsoleFunc{ConsoleError: func(...any) { called = true }}}
	_, err := a.Install(hooks)
	require.NoError(t, err)

	assert.NotPanics(t, func() { hooks.Console[ConsoleError]("boom") })
	assert.True(t, called)
	assert.Equal(t, int64(1), a.Stats().Faults)
}

func TestInstall_ConsoleCallThroughAndRevoke(t *testing.T) {
	rec := &recorder{}
	a := newAgent(t, rec)

	var seen [][]any
	orig := func(args ...any) { seen = append(seen, args) }
	hooks := &Hooks{Console: map[ConsoleLevel]ConsoleFunc{ConsoleError: orig, ConsoleLog: orig}}

	inst, err := a.Install(hooks)
	require.NoError(t, err)
	assert.True(t, inst.Active())

	hooks.Console[ConsoleError]("failed to load", 42)
	hooks.Console[ConsoleLog]("hello")

	require.Len(t, seen, 2, "original called for every invocation")
	assert.Equal(t, []any{"failed to load", 42}, seen[0])

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, signal.KindConsole, got[0].Kind)
	assert.Equal(t, signal.SeverityError, got[0].Severity)
	assert.Equal(t, "failed to load 42", got[0].Message)
	assert.Equal(t, signal.SeverityInfo, got[1].Severity)

	stale := hooks.Console[ConsoleError]
	inst.Revoke()
	inst.Revoke()
	assert.False(t, inst.Active())
	assert.Nil(t, hooks.Transport, "original nil transport restored")

	hooks.Console[ConsoleError]("after revoke")
	stale("stale wrapper")
	assert.Len(t, seen, 4, "originals still run")
	assert.Len(t, rec.all(), 2, "nothing emitted after revoke")
}

func TestInstall_NilHooks(t *testing.T) {
	a := newAgent(t, &recorder{})
	_, err := a.Install(nil)
	assert.ErrorIs(t, err, ErrNilHooks)
}

func TestInstall_ErrorAndRejectionHandlers(t *testing.T) {
	rec := &recorder{}
	a := newAgent(t, rec)

	hooks := &Hooks{OnError: func(ErrorEvent) bool { return true }}
	_, err := a.Install(hooks)
	require.NoError(t, err)

	handled := hooks.OnError(ErrorEvent{
		Message:  "ReferenceError: foo is not defined",
		Location: &signal.Location{URL: "https://app.test/main.js", Line: 3, Column: 9},
		Stack:    "at main.js:3:9",
	})
	assert.True(t, handled, "original result returned unchanged")

	handled = hooks.OnRejection(RejectionEvent{Reason: errors.New("TypeError: Failed to fetch")})
	assert.False(t, handled, "no original handler means not handled")

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, signal.KindRuntime, got[0].Kind)
	assert.Equal(t, signal.SeverityError, got[0].Severity)
	assert.Equal(t, 3, got[0].Location.Line)
	assert.Equal(t, signal.KindPromise, got[1].Kind)
	assert.Equal(t, "Unhandled promise rejection: TypeError: Failed to fetch", got[1].Message)
}

func TestInstall_PromiseTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	a := newAgent(t, rec)
	hooks := &Hooks{}
	_, err := a.Install(hooks)
	require.NoError(t, err)
	client := &http.Client{Transport: hooks.Transport}

	for _, path := range []string{"/missing", "/broken", "/ok"} {
		resp, err := client.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
	}

	got := rec.all()
	require.Len(t, got, 2, "successful fast responses are not signals")
	assert.Equal(t, signal.SeverityWarning, got[0].Severity)
	assert.Equal(t, 404, got[0].NetworkDetails.Status)
	assert.Equal(t, "GET", got[0].NetworkDetails.Method)
	assert.Equal(t, signal.SeverityError, got[1].Severity)
	assert.Equal(t, 500, got[1].NetworkDetails.Status)

	// Transport failure: the caller sees the same error, the agent an error signal.
	deadURL := srv.URL
	srv.Close()
	_, err = client.Get(deadURL + "/gone")
	require.Error(t, err)

	got = rec.all()
	require.Len(t, got, 3)
	assert.Equal(t, signal.KindNetwork, got[2].Kind)
	assert.Equal(t, signal.SeverityError, got[2].Severity)
	assert.Contains(t, got[2].Message, "failed")
}

func TestInstall_CallbackTransport(t *testing.T) {
	rec := &recorder{}
	a := newAgent(t, rec)

	boom := errors.New("network down")
	hooks := &Hooks{Callback: func(req *http.Request, done func(*http.Response, error)) {
		if req.URL.Path == "/fail" {
			done(nil, boom)
			return
		}
		done(&http.Response{StatusCode: http.StatusServiceUnavailable, Request: req}, nil)
	}}
	_, err := a.Install(hooks)
	require.NoError(t, err)

	var gotErr error
	req, _ := http.NewRequest(http.MethodPost, "https://api.test/fail", nil)
	hooks.Callback(req, func(_ *http.Response, err error) { gotErr = err })
	assert.Same(t, boom, gotErr)

	var gotStatus int
	req, _ = http.NewRequest(http.MethodPut, "https://api.test/items", nil)
	hooks.Callback(req, func(resp *http.Response, _ error) { gotStatus = resp.StatusCode })
	assert.Equal(t, 503, gotStatus)

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, signal.SeverityError, got[0].Severity)
	assert.Equal(t, "POST", got[0].NetworkDetails.Method)
	assert.Contains(t, got[0].Message, "[xhr]")
	assert.Equal(t, signal.SeverityError, got[1].Severity)
	assert.Equal(t, "Service Unavailable", got[1].NetworkDetails.StatusText)
}

func TestNetworkExchange_SlowResponse(t *testing.T) {
	rec := &recorder{}
	a := newAgent(t, rec, WithSlowResponseThreshold(time.Second))

	a.NetworkExchange(Exchange{Transport: TransportPromise, Method: "get", URL: "https://app.test/slow", Status: 200, Duration: 1500 * time.Millisecond})
	a.NetworkExchange(Exchange{Transport: TransportPromise, URL: "https://app.test/fast", Status: 200, Duration: 10 * time.Millisecond})

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, signal.KindPerformance, got[0].Kind)
	assert.Equal(t, signal.SeverityWarning, got[0].Severity)
	assert.Equal(t, int64(1500), got[0].NetworkDetails.ResponseTimeMs)
	assert.NoError(t, got[0].Validate())
}

func TestNavigationStarted_Publishes(t *testing.T) {
	rec := &recorder{}
	a := newAgent(t, rec)
	a.NavigationStarted()
	assert.Equal(t, []string{"tab-1"}, rec.navs)
}
