package rodhost

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"

	"github.com/fyrsmithlabs/faultline/internal/capture"
)

type consoleCall struct {
	level capture.ConsoleLevel
	args  []any
}

type fakeSink struct {
	mu          sync.Mutex
	console     []consoleCall
	errors      []capture.ErrorEvent
	rejections  []capture.RejectionEvent
	exchanges   []capture.Exchange
	navigations int
	scripts     []string
	loaded      []string
	calls       []string
}

func (f *fakeSink) Console(level capture.ConsoleLevel, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.console = append(f.console, consoleCall{level, args})
}

func (f *fakeSink) UncaughtError(ev capture.ErrorEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, ev)
}

func (f *fakeSink) UnhandledRejection(ev capture.RejectionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejections = append(f.rejections, ev)
}

func (f *fakeSink) NetworkExchange(ex capture.Exchange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, ex)
}

func (f *fakeSink) NavigationStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigations++
}

func (f *fakeSink) ScanScripts(sources ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, sources...)
	f.calls = append(f.calls, "scan")
	return len(sources)
}

func (f *fakeSink) PageLoaded(pageURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = append(f.loaded, pageURL)
	f.calls = append(f.calls, "loaded")
}

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }

func TestConsoleLevel(t *testing.T) {
	tests := []struct {
		in   proto.RuntimeConsoleAPICalledType
		want capture.ConsoleLevel
	}{
		{proto.RuntimeConsoleAPICalledTypeError, capture.ConsoleError},
		{proto.RuntimeConsoleAPICalledTypeAssert, capture.ConsoleError},
		{proto.RuntimeConsoleAPICalledTypeWarning, capture.ConsoleWarn},
		{proto.RuntimeConsoleAPICalledTypeInfo, capture.ConsoleInfo},
		{proto.RuntimeConsoleAPICalledTypeDebug, capture.ConsoleDebug},
		{proto.RuntimeConsoleAPICalledTypeLog, capture.ConsoleLog},
		{proto.RuntimeConsoleAPICalledTypeTable, capture.ConsoleLog},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, consoleLevel(tt.in))
		})
	}
}

func TestOnConsole_Args(t *testing.T) {
	sink := &fakeSink{}
	h := newHandler(sink, "main")

	h.onConsole(&proto.RuntimeConsoleAPICalled{
		Type: proto.RuntimeConsoleAPICalledTypeError,
		Args: []*proto.RuntimeRemoteObject{
			{Type: proto.RuntimeRemoteObjectTypeString, Value: gson.New("failed to load")},
			nil,
			{Type: proto.RuntimeRemoteObjectTypeObject, Description: "Error: boom"},
			{Type: proto.RuntimeRemoteObjectTypeUndefined},
		},
	})

	require.Len(t, sink.console, 1)
	assert.Equal(t, capture.ConsoleError, sink.console[0].level)
	assert.Equal(t, []any{"failed to load", "Error: boom"}, sink.console[0].args)
}

func TestOnException_Uncaught(t *testing.T) {
	sink := &fakeSink{}
	h := newHandler(sink, "main")

	h.onException(&proto.RuntimeExceptionThrown{
		ExceptionDetails: &proto.RuntimeExceptionDetails{
			Text:         "Uncaught",
			URL:          "https://app.test/main.js",
			LineNumber:   9,
			ColumnNumber: 4,
			Exception: &proto.RuntimeRemoteObject{
				Description: "TypeError: x is not a function\n    at render (main.js:10:5)",
			},
			StackTrace: &proto.RuntimeStackTrace{
				CallFrames: []*proto.RuntimeCallFrame{
					{FunctionName: "render", URL: "https://app.test/main.js", LineNumber: 9, ColumnNumber: 4},
					{URL: "https://app.test/main.js", LineNumber: 20, ColumnNumber: 0},
				},
			},
		},
	})

	require.Len(t, sink.errors, 1)
	ev := sink.errors[0]
	assert.Equal(t, "Uncaught TypeError: x is not a function", ev.Message)
	require.NotNil(t, ev.Location)
	assert.Equal(t, "https://app.test/main.js", ev.Location.URL)
	assert.Equal(t, 10, ev.Location.Line)
	assert.Equal(t, 5, ev.Location.Column)
	assert.Equal(t,
		"    at render (https://app.test/main.js:10:5)\n    at <anonymous> (https://app.test/main.js:21:1)",
		ev.Stack)
	assert.Empty(t, sink.rejections)
}

func TestOnException_TextOnly(t *testing.T) {
	sink := &fakeSink{}
	h := newHandler(sink, "main")

	h.onException(&proto.RuntimeExceptionThrown{
		ExceptionDetails: &proto.RuntimeExceptionDetails{Text: "Script error."},
	})
	h.onException(&proto.RuntimeExceptionThrown{})

	require.Len(t, sink.errors, 1)
	assert.Equal(t, "Script error.", sink.errors[0].Message)
	assert.Nil(t, sink.errors[0].Location)
}

func TestOnException_Rejection(t *testing.T) {
	sink := &fakeSink{}
	h := newHandler(sink, "main")

	h.onException(&proto.RuntimeExceptionThrown{
		ExceptionDetails: &proto.RuntimeExceptionDetails{
			Text:      "Uncaught (in promise)",
			Exception: &proto.RuntimeRemoteObject{Description: "Error: nope\n    at async load"},
		},
	})
	h.onException(&proto.RuntimeExceptionThrown{
		ExceptionDetails: &proto.RuntimeExceptionDetails{
			Text:      "Uncaught (in promise)",
			Exception: &proto.RuntimeRemoteObject{Type: proto.RuntimeRemoteObjectTypeString, Value: gson.New("plain reason")},
		},
	})
	h.onException(&proto.RuntimeExceptionThrown{
		ExceptionDetails: &proto.RuntimeExceptionDetails{Text: "Uncaught (in promise)"},
	})

	require.Len(t, sink.rejections, 3)
	assert.Equal(t, "Error: nope", sink.rejections[0].Reason)
	assert.Equal(t, "plain reason", sink.rejections[1].Reason)
	assert.Equal(t, "undefined", sink.rejections[2].Reason)
	assert.Empty(t, sink.errors)
}

func TestNetwork_FetchAndXHR(t *testing.T) {
	sink := &fakeSink{}
	clock := &stepClock{t: time.Unix(1000, 0)}
	h := newHandler(sink, "main", WithClock(clock.now))

	h.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "1",
		Type:      proto.NetworkResourceTypeFetch,
		Request:   &proto.NetworkRequest{URL: "https://api.test/items", Method: "POST"},
	})
	h.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "2",
		Type:      proto.NetworkResourceTypeXHR,
		Request:   &proto.NetworkRequest{URL: "https://api.test/legacy", Method: "GET"},
	})
	h.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "3",
		Type:      proto.NetworkResourceTypeImage,
		Request:   &proto.NetworkRequest{URL: "https://cdn.test/a.png", Method: "GET"},
	})
	require.Len(t, h.requests, 2, "only fetch and xhr are tracked")

	clock.t = clock.t.Add(250 * time.Millisecond)
	h.onResponse(&proto.NetworkResponseReceived{
		RequestID: "1",
		Type:      proto.NetworkResourceTypeFetch,
		Response:  &proto.NetworkResponse{URL: "https://api.test/items", Status: 500, StatusText: "Internal Server Error"},
	})
	h.onResponse(&proto.NetworkResponseReceived{
		RequestID: "3",
		Type:      proto.NetworkResourceTypeImage,
		Response:  &proto.NetworkResponse{URL: "https://cdn.test/a.png", Status: 404},
	})
	h.onLoadingFailed(&proto.NetworkLoadingFailed{
		RequestID: "2",
		Type:      proto.NetworkResourceTypeXHR,
		ErrorText: "net::ERR_CONNECTION_REFUSED",
	})

	require.Len(t, sink.exchanges, 2)
	fetch := sink.exchanges[0]
	assert.Equal(t, capture.TransportPromise, fetch.Transport)
	assert.Equal(t, "POST", fetch.Method)
	assert.Equal(t, 500, fetch.Status)
	assert.Equal(t, "Internal Server Error", fetch.StatusText)
	assert.Equal(t, 250*time.Millisecond, fetch.Duration)
	assert.NoError(t, fetch.Err)

	xhr := sink.exchanges[1]
	assert.Equal(t, capture.TransportCallback, xhr.Transport)
	assert.Equal(t, "https://api.test/legacy", xhr.URL)
	assert.EqualError(t, xhr.Err, "net::ERR_CONNECTION_REFUSED")
	assert.Empty(t, h.requests)
}

func TestNetwork_CanceledIsIgnored(t *testing.T) {
	sink := &fakeSink{}
	h := newHandler(sink, "main")

	h.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "1",
		Type:      proto.NetworkResourceTypeFetch,
		Request:   &proto.NetworkRequest{URL: "https://api.test/poll", Method: "GET"},
	})
	h.onLoadingFailed(&proto.NetworkLoadingFailed{
		RequestID: "1",
		Type:      proto.NetworkResourceTypeFetch,
		ErrorText: "net::ERR_ABORTED",
		Canceled:  true,
	})

	assert.Empty(t, sink.exchanges)
	assert.Empty(t, h.requests)
}

func TestNetwork_PendingTableIsBounded(t *testing.T) {
	h := newHandler(&fakeSink{}, "main")
	for i := 0; i < maxPending+10; i++ {
		h.onRequest(&proto.NetworkRequestWillBeSent{
			RequestID: proto.NetworkRequestID(strconv.Itoa(i)),
			Type:      proto.NetworkResourceTypeFetch,
			Request:   &proto.NetworkRequest{URL: "https://api.test/x", Method: "GET"},
		})
	}
	assert.Len(t, h.requests, maxPending)
}

func TestFrameStartedLoading_MainFrameOnly(t *testing.T) {
	sink := &fakeSink{}
	h := newHandler(sink, "main")
	h.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "1",
		Type:      proto.NetworkResourceTypeFetch,
		Request:   &proto.NetworkRequest{URL: "https://api.test/x", Method: "GET"},
	})

	h.onFrameStartedLoading(&proto.PageFrameStartedLoading{FrameID: "iframe"})
	assert.Equal(t, 0, sink.navigations)
	assert.Len(t, h.requests, 1)

	h.onFrameStartedLoading(&proto.PageFrameStartedLoading{FrameID: "main"})
	assert.Equal(t, 1, sink.navigations)
	assert.Empty(t, h.requests)
}

func TestOnLoad_ReportsPageThenScans(t *testing.T) {
	sink := &fakeSink{}
	h := newHandler(sink, "main")
	h.collect = func() (string, []string, error) {
		return "https://app.test/", []string{"fetch('/a')", "const b = 1"}, nil
	}

	h.onLoad(&proto.PageLoadEventFired{})
	h.wg.Wait()

	assert.Equal(t, []string{"fetch('/a')", "const b = 1"}, sink.scripts)
	assert.Equal(t, []string{"https://app.test/"}, sink.loaded)
	assert.Equal(t, []string{"loaded", "scan"}, sink.calls)
}

func TestOnLoad_CollectFailure(t *testing.T) {
	sink := &fakeSink{}
	h := newHandler(sink, "main")
	h.collect = func() (string, []string, error) { return "", nil, errors.New("context canceled") }

	h.onLoad(&proto.PageLoadEventFired{})
	h.wg.Wait()

	assert.Empty(t, sink.scripts)
	assert.Empty(t, sink.loaded)
}

func TestAttach_Validation(t *testing.T) {
	_, err := Attach(t.Context(), nil, &fakeSink{})
	assert.Error(t, err)
}
