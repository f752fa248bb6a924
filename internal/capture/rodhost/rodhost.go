// Package rodhost drives a capture.Agent from a real browser over the
// Chrome DevTools Protocol. It observes events only; the page's own
// console, error handlers and network APIs are never replaced.
package rodhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/faultline/internal/capture"
	"github.com/fyrsmithlabs/faultline/internal/signal"
)

// maxPending bounds in-flight request tracking; a page that never
// completes its requests cannot grow it without limit.
const maxPending = 1024

const rejectionMarker = "(in promise)"

// collectScripts returns the page URL, every inline script body and the
// text of every external script the page can fetch.
const collectScripts = `async () => {
	const inline = [];
	const external = [];
	for (const s of document.querySelectorAll('script')) {
		if (s.src) { external.push(s.src); } else if (s.textContent) { inline.push(s.textContent); }
	}
	const fetched = await Promise.all(external.map(src =>
		fetch(src, { credentials: 'same-origin' }).then(r => r.ok ? r.text() : '').catch(() => '')));
	return { url: location.href, scripts: inline.concat(fetched.filter(t => t)) };
}`

// Sink is the part of capture.Agent the adapter drives.
type Sink interface {
	Console(level capture.ConsoleLevel, args ...any)
	UncaughtError(ev capture.ErrorEvent)
	UnhandledRejection(ev capture.RejectionEvent)
	NetworkExchange(ex capture.Exchange)
	NavigationStarted()
	ScanScripts(sources ...string) int
	PageLoaded(pageURL string)
}

var _ Sink = (*capture.Agent)(nil)

// Option configures a Session.
type Option func(*handler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClock overrides the clock used to time requests.
func WithClock(now func() time.Time) Option {
	return func(h *handler) { h.now = now }
}

// Session is an attached page. Events flow until ctx is cancelled or
// Close is called.
type Session struct {
	page    *rod.Page
	handler *handler
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Attach enables the Runtime, Network and Page domains on page and starts
// translating their events into sink calls.
func Attach(ctx context.Context, page *rod.Page, sink Sink, opts ...Option) (*Session, error) {
	if page == nil {
		return nil, errors.New("rodhost: page is required")
	}
	if sink == nil {
		return nil, errors.New("rodhost: sink is required")
	}
	if err := (proto.RuntimeEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("enable runtime domain: %w", err)
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("enable network domain: %w", err)
	}
	if err := (proto.PageEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("enable page domain: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := newHandler(sink, page.FrameID, opts...)
	h.collect = func() (string, []string, error) { return evaluateScripts(ctx, page) }

	s := &Session{page: page, handler: h, cancel: cancel, done: make(chan struct{})}
	wait := page.Context(ctx).EachEvent(
		h.onConsole,
		h.onException,
		h.onRequest,
		h.onResponse,
		h.onLoadingFailed,
		h.onFrameStartedLoading,
		h.onLoad,
	)
	go func() {
		defer close(s.done)
		wait()
		h.wg.Wait()
	}()
	return s, nil
}

// Page returns the attached page.
func (s *Session) Page() *rod.Page { return s.page }

// Navigate loads url in the attached page.
func (s *Session) Navigate(url string) error {
	if err := s.page.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// Done is closed once the event loop and any pending load scans finish.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close stops event delivery and waits for in-flight scans.
func (s *Session) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

type pending struct {
	transport capture.Transport
	method    string
	url       string
	started   time.Time
}

// handler translates CDP events. EachEvent invokes callbacks from a single
// goroutine; the mutex covers the load-scan goroutines.
type handler struct {
	sink      Sink
	mainFrame proto.PageFrameID
	logger    *zap.Logger
	now       func() time.Time
	collect   func() (string, []string, error)

	mu       sync.Mutex
	requests map[proto.NetworkRequestID]pending
	wg       sync.WaitGroup
}

func newHandler(sink Sink, mainFrame proto.PageFrameID, opts ...Option) *handler {
	h := &handler{
		sink:      sink,
		mainFrame: mainFrame,
		logger:    zap.NewNop(),
		now:       time.Now,
		requests:  make(map[proto.NetworkRequestID]pending),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func transportOf(t proto.NetworkResourceType) (capture.Transport, bool) {
	switch t {
	case proto.NetworkResourceTypeFetch:
		return capture.TransportPromise, true
	case proto.NetworkResourceTypeXHR:
		return capture.TransportCallback, true
	}
	return "", false
}

func consoleLevel(t proto.RuntimeConsoleAPICalledType) capture.ConsoleLevel {
	switch t {
	case proto.RuntimeConsoleAPICalledTypeError, proto.RuntimeConsoleAPICalledTypeAssert:
		return capture.ConsoleError
	case proto.RuntimeConsoleAPICalledTypeWarning:
		return capture.ConsoleWarn
	case proto.RuntimeConsoleAPICalledTypeInfo:
		return capture.ConsoleInfo
	case proto.RuntimeConsoleAPICalledTypeDebug:
		return capture.ConsoleDebug
	default:
		return capture.ConsoleLog
	}
}

func (h *handler) onConsole(ev *proto.RuntimeConsoleAPICalled) {
	args := make([]any, 0, len(ev.Args))
	for _, a := range ev.Args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			args = append(args, a.Value.Val())
			continue
		}
		if a.Description != "" {
			args = append(args, a.Description)
		}
	}
	h.sink.Console(consoleLevel(ev.Type), args...)
}

func (h *handler) onException(ev *proto.RuntimeExceptionThrown) {
	d := ev.ExceptionDetails
	if d == nil {
		return
	}
	description := ""
	if d.Exception != nil {
		description = d.Exception.Description
		if description == "" && !d.Exception.Value.Nil() {
			description = d.Exception.Value.String()
		}
	}
	stack := formatStack(d.StackTrace)

	if strings.Contains(d.Text, rejectionMarker) {
		reason := firstLine(description)
		if reason == "" {
			reason = "undefined"
		}
		h.sink.UnhandledRejection(capture.RejectionEvent{Reason: reason, Stack: stack})
		return
	}

	msg := firstLine(description)
	if msg == "" {
		msg = d.Text
	} else if strings.HasPrefix(d.Text, "Uncaught") && !strings.HasPrefix(msg, "Uncaught") {
		msg = "Uncaught " + msg
	}
	var loc *signal.Location
	if d.URL != "" {
		// CDP positions are zero-based.
		loc = &signal.Location{URL: d.URL, Line: d.LineNumber + 1, Column: d.ColumnNumber + 1}
	}
	h.sink.UncaughtError(capture.ErrorEvent{Message: msg, Location: loc, Stack: stack})
}

func (h *handler) onRequest(ev *proto.NetworkRequestWillBeSent) {
	transport, ok := transportOf(ev.Type)
	if !ok || ev.Request == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.requests) >= maxPending {
		h.logger.Debug("pending request table full, request not timed", zap.String("url", ev.Request.URL))
		return
	}
	h.requests[ev.RequestID] = pending{
		transport: transport,
		method:    ev.Request.Method,
		url:       ev.Request.URL,
		started:   h.now(),
	}
}

func (h *handler) take(id proto.NetworkRequestID) (pending, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.requests[id]
	delete(h.requests, id)
	return p, ok
}

func (h *handler) onResponse(ev *proto.NetworkResponseReceived) {
	transport, ok := transportOf(ev.Type)
	if !ok || ev.Response == nil {
		return
	}
	ex := capture.Exchange{
		Transport:  transport,
		URL:        ev.Response.URL,
		Status:     ev.Response.Status,
		StatusText: ev.Response.StatusText,
	}
	if p, found := h.take(ev.RequestID); found {
		ex.Method = p.method
		ex.Duration = h.now().Sub(p.started)
	}
	h.sink.NetworkExchange(ex)
}

func (h *handler) onLoadingFailed(ev *proto.NetworkLoadingFailed) {
	p, found := h.take(ev.RequestID)
	transport, ok := transportOf(ev.Type)
	if !ok || ev.Canceled {
		return
	}
	ex := capture.Exchange{Transport: transport, Err: errors.New(ev.ErrorText)}
	if found {
		ex.Method = p.method
		ex.URL = p.url
		ex.Duration = h.now().Sub(p.started)
	}
	h.sink.NetworkExchange(ex)
}

func (h *handler) onFrameStartedLoading(ev *proto.PageFrameStartedLoading) {
	if ev.FrameID != h.mainFrame {
		return
	}
	h.mu.Lock()
	clear(h.requests)
	h.mu.Unlock()
	h.sink.NavigationStarted()
}

// onLoad scans scripts off the event goroutine: collecting external
// scripts fetches them through the page.
func (h *handler) onLoad(*proto.PageLoadEventFired) {
	if h.collect == nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		pageURL, scripts, err := h.collect()
		if err != nil {
			h.logger.Debug("script collection failed", zap.Error(err))
			return
		}
		// PageLoaded first: it records the URL the script findings point at.
		h.sink.PageLoaded(pageURL)
		h.sink.ScanScripts(scripts...)
	}()
}

func evaluateScripts(ctx context.Context, page *rod.Page) (string, []string, error) {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           collectScripts,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("evaluate scripts: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return "", nil, fmt.Errorf("marshal scripts: %w", err)
	}
	var out struct {
		URL     string   `json:"url"`
		Scripts []string `json:"scripts"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", nil, fmt.Errorf("decode scripts: %w", err)
	}
	return out.URL, out.Scripts, nil
}

func formatStack(st *proto.RuntimeStackTrace) string {
	if st == nil || len(st.CallFrames) == 0 {
		return ""
	}
	var b strings.Builder
	for i, f := range st.CallFrames {
		if i > 0 {
			b.WriteByte('\n')
		}
		name := f.FunctionName
		if name == "" {
			name = "<anonymous>"
		}
		fmt.Fprintf(&b, "    at %s (%s:%d:%d)", name, f.URL, f.LineNumber+1, f.ColumnNumber+1)
	}
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}
