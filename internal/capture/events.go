package capture

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/faultline/internal/signal"
)

// ConsoleLevel names a console output method.
type ConsoleLevel string

const (
	ConsoleLog   ConsoleLevel = "log"
	ConsoleInfo  ConsoleLevel = "info"
	ConsoleDebug ConsoleLevel = "debug"
	ConsoleWarn  ConsoleLevel = "warn"
	ConsoleError ConsoleLevel = "error"
)

// Severity maps a console level to a signal severity.
func (l ConsoleLevel) Severity() signal.Severity {
	switch l {
	case ConsoleError:
		return signal.SeverityError
	case ConsoleWarn:
		return signal.SeverityWarning
	default:
		return signal.SeverityInfo
	}
}

// ErrorEvent is an uncaught error as seen by the global error handler.
type ErrorEvent struct {
	Message  string
	Location *signal.Location
	Stack    string
}

// RejectionEvent is an unhandled async rejection.
type RejectionEvent struct {
	Reason any
	Stack  string
}

// Transport identifies which network API carried an exchange.
type Transport string

const (
	// TransportPromise is the promise-style API (fetch, or a blocking
	// http.RoundTripper in Go hosts).
	TransportPromise Transport = "fetch"
	// TransportCallback is the callback-style API (XMLHttpRequest).
	TransportCallback Transport = "xhr"
)

// Exchange describes one completed network call. Err is set, or Status is
// zero, when no response arrived at all.
type Exchange struct {
	Transport  Transport
	Method     string
	URL        string
	Status     int
	StatusText string
	Duration   time.Duration
	Err        error
}

// NetworkSeverity classifies an exchange: [400,500) is a warning, >= 500
// and transport failures are errors. ok is false when the exchange is not
// a failure.
func NetworkSeverity(status int, err error) (sev signal.Severity, ok bool) {
	switch {
	case err != nil || status == 0:
		return signal.SeverityError, true
	case status >= 500:
		return signal.SeverityError, true
	case status >= 400:
		return signal.SeverityWarning, true
	}
	return "", false
}

// Console records console output at level.
func (a *Agent) Console(level ConsoleLevel, args ...any) {
	defer a.guard("console")
	a.emit(signal.Signal{
		Kind:     signal.KindConsole,
		Severity: level.Severity(),
		Message:  formatArgs(args),
	})
}

// UncaughtError records an error that reached the global handler.
func (a *Agent) UncaughtError(ev ErrorEvent) {
	defer a.guard("error")
	msg := ev.Message
	if msg == "" {
		msg = "Uncaught error"
	}
	a.emit(signal.Signal{
		Kind:       signal.KindRuntime,
		Severity:   signal.SeverityError,
		Message:    msg,
		Location:   ev.Location,
		StackTrace: ev.Stack,
	})
}

// UnhandledRejection records an async rejection nobody handled.
func (a *Agent) UnhandledRejection(ev RejectionEvent) {
	defer a.guard("rejection")
	a.emit(signal.Signal{
		Kind:       signal.KindPromise,
		Severity:   signal.SeverityError,
		Message:    "Unhandled promise rejection: " + describe(ev.Reason),
		StackTrace: ev.Stack,
	})
}

// NetworkExchange records a completed request. Failures become network
// signals; successful responses slower than the threshold become
// performance warnings; everything else is ignored.
func (a *Agent) NetworkExchange(ex Exchange) {
	defer a.guard("network")

	details := &signal.NetworkDetails{
		URL:            ex.URL,
		Method:         strings.ToUpper(ex.Method),
		Status:         ex.Status,
		StatusText:     ex.StatusText,
		ResponseTimeMs: ex.Duration.Milliseconds(),
	}
	if details.Method == "" {
		details.Method = http.MethodGet
	}
	if details.StatusText == "" && ex.Status > 0 {
		details.StatusText = http.StatusText(ex.Status)
	}

	if sev, failed := NetworkSeverity(ex.Status, ex.Err); failed {
		var msg string
		if ex.Err != nil || ex.Status == 0 {
			reason := "no response"
			if ex.Err != nil {
				reason = ex.Err.Error()
			}
			msg = fmt.Sprintf("[%s] %s %s failed: %s", ex.Transport, details.Method, ex.URL, reason)
		} else {
			msg = fmt.Sprintf("[%s] %s %s returned %d %s", ex.Transport, details.Method, ex.URL, ex.Status, details.StatusText)
		}
		a.emit(signal.Signal{
			Kind:           signal.KindNetwork,
			Severity:       sev,
			Message:        strings.TrimSpace(msg),
			NetworkDetails: details,
		})
		return
	}

	if a.slowThreshold > 0 && ex.Duration >= a.slowThreshold {
		a.emit(signal.Signal{
			Kind:     signal.KindPerformance,
			Severity: signal.SeverityWarning,
			Message: fmt.Sprintf("[%s] %s %s took %dms (threshold %dms)",
				ex.Transport, details.Method, ex.URL, details.ResponseTimeMs, a.slowThreshold.Milliseconds()),
			NetworkDetails: details,
		})
	}
}

func formatArgs(args []any) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, describe(arg))
	}
	return strings.Join(parts, " ")
}

func describe(v any) string {
	switch x := v.(type) {
	case nil:
		return "undefined"
	case string:
		return x
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// errNoResponse stands in when a callback transport reports neither a
// response nor an error.
var errNoResponse = errors.New("no response")
