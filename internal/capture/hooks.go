package capture

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ConsoleFunc is a console output method.
type ConsoleFunc func(args ...any)

// ErrorHandler is the global uncaught-error handler. It returns true when
// it handled the error and default reporting should be suppressed.
type ErrorHandler func(ErrorEvent) bool

// RejectionHandler is the global unhandled-rejection handler.
type RejectionHandler func(RejectionEvent) bool

// CallbackTransport is a callback-style network API: it starts req and
// later calls done exactly once.
type CallbackTransport func(req *http.Request, done func(*http.Response, error))

// Hooks holds the host's interceptable entry points. Install replaces the
// fields with wrapped versions; Revoke puts the originals back. The host
// must not read or write Hooks concurrently with Install or Revoke.
type Hooks struct {
	Console     map[ConsoleLevel]ConsoleFunc
	OnError     ErrorHandler
	OnRejection RejectionHandler
	// Transport is the promise-style API. Nil means http.DefaultTransport.
	Transport http.RoundTripper
	// Callback is the callback-style API. Nil is left alone.
	Callback CallbackTransport
}

func (h *Hooks) snapshot() Hooks {
	c := *h
	if h.Console != nil {
		c.Console = make(map[ConsoleLevel]ConsoleFunc, len(h.Console))
		for k, v := range h.Console {
			c.Console[k] = v
		}
	}
	return c
}

// Installation is a revocable grant of interception over one Hooks value.
type Installation struct {
	agent  *Agent
	hooks  *Hooks
	orig   Hooks
	active atomic.Bool
	once   sync.Once
}

// Install wraps every hook in h. Each wrapper calls the original first and
// returns exactly its result; the signal is emitted afterwards.
//
// Installing twice on the same Hooks stacks wrappers; revoke in reverse
// order.
func (a *Agent) Install(h *Hooks) (*Installation, error) {
	if h == nil {
		return nil, ErrNilHooks
	}
	inst := &Installation{agent: a, hooks: h, orig: h.snapshot()}
	inst.active.Store(true)

	if len(h.Console) > 0 {
		wrapped := make(map[ConsoleLevel]ConsoleFunc, len(h.Console))
		for level, fn := range h.Console {
			if fn == nil {
				continue
			}
			wrapped[level] = inst.wrapConsole(level, fn)
		}
		h.Console = wrapped
	}
	h.OnError = inst.wrapError(h.OnError)
	h.OnRejection = inst.wrapRejection(h.OnRejection)

	next := h.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	h.Transport = &roundTripper{inst: inst, next: next}

	if h.Callback != nil {
		h.Callback = inst.wrapCallback(h.Callback)
	}
	return inst, nil
}

// Active reports whether the installation still emits.
func (i *Installation) Active() bool { return i.active.Load() }

// Revoke restores the original hooks. Wrappers the host still holds keep
// calling through but stop emitting. Safe to call more than once.
func (i *Installation) Revoke() {
	i.once.Do(func() {
		i.active.Store(false)
		*i.hooks = i.orig
	})
}

func (i *Installation) wrapConsole(level ConsoleLevel, next ConsoleFunc) ConsoleFunc {
	return func(args ...any) {
		next(args...)
		if i.active.Load() {
			i.agent.Console(level, args...)
		}
	}
}

func (i *Installation) wrapError(next ErrorHandler) ErrorHandler {
	return func(ev ErrorEvent) bool {
		handled := false
		if next != nil {
			handled = next(ev)
		}
		if i.active.Load() {
			i.agent.UncaughtError(ev)
		}
		return handled
	}
}

func (i *Installation) wrapRejection(next RejectionHandler) RejectionHandler {
	return func(ev RejectionEvent) bool {
		handled := false
		if next != nil {
			handled = next(ev)
		}
		if i.active.Load() {
			i.agent.UnhandledRejection(ev)
		}
		return handled
	}
}

func (i *Installation) wrapCallback(next CallbackTransport) CallbackTransport {
	return func(req *http.Request, done func(*http.Response, error)) {
		start := i.agent.now()
		next(req, func(resp *http.Response, err error) {
			done(resp, err)
			if i.active.Load() {
				i.agent.NetworkExchange(exchangeOf(TransportCallback, req, resp, err, i.agent.now().Sub(start)))
			}
		})
	}
}

type roundTripper struct {
	inst *Installation
	next http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := rt.inst.agent.now()
	resp, err := rt.next.RoundTrip(req)
	if rt.inst.active.Load() {
		rt.inst.agent.NetworkExchange(exchangeOf(TransportPromise, req, resp, err, rt.inst.agent.now().Sub(start)))
	}
	return resp, err
}

func exchangeOf(t Transport, req *http.Request, resp *http.Response, err error, d time.Duration) Exchange {
	ex := Exchange{Transport: t, Duration: d, Err: err}
	if req != nil {
		ex.Method = req.Method
		if req.URL != nil {
			ex.URL = req.URL.String()
		}
	}
	if resp != nil {
		ex.Status = resp.StatusCode
		ex.StatusText = http.StatusText(resp.StatusCode)
	} else if err == nil {
		ex.Err = errNoResponse
	}
	return ex
}
