package suggest

import (
	"context"
	"regexp"

	"github.com/fyrsmithlabs/faultline/internal/classifier"
)

const mdnBase = "https://developer.mozilla.org/en-US/docs/"

type docEntry struct {
	title   string
	path    string
	excerpt string
}

// docs maps well-known error-type tokens to reference pages.
var docs = map[string]docEntry{
	"TypeError": {
		"TypeError - JavaScript | MDN", "Web/JavaScript/Reference/Global_Objects/TypeError",
		"Thrown when an operation could not be performed, typically when a value is not of the expected type, such as reading a property of undefined or calling a non-function.",
	},
	"ReferenceError": {
		"ReferenceError - JavaScript | MDN", "Web/JavaScript/Reference/Global_Objects/ReferenceError",
		"Thrown when a variable that does not exist, or has not yet been initialized, is referenced in the current scope.",
	},
	"SyntaxError": {
		"SyntaxError - JavaScript | MDN", "Web/JavaScript/Reference/Global_Objects/SyntaxError",
		"Thrown when the engine encounters tokens or token order that does not conform to the language syntax, including malformed JSON passed to JSON.parse.",
	},
	"RangeError": {
		"RangeError - JavaScript | MDN", "Web/JavaScript/Reference/Global_Objects/RangeError",
		"Thrown when a value is not in the set or range of allowed values, such as an invalid array length or exceeding the maximum call stack size.",
	},
	"URIError": {
		"URIError - JavaScript | MDN", "Web/JavaScript/Reference/Global_Objects/URIError",
		"Thrown when a global URI handling function such as decodeURIComponent was used in a wrong way.",
	},
	"EvalError": {
		"EvalError - JavaScript | MDN", "Web/JavaScript/Reference/Global_Objects/EvalError",
		"Represents an error regarding the global eval function; kept for compatibility.",
	},
	"AggregateError": {
		"AggregateError - JavaScript | MDN", "Web/JavaScript/Reference/Global_Objects/AggregateError",
		"Wraps several errors in one, for example when every promise passed to Promise.any rejects.",
	},
	"InternalError": {
		"InternalError - JavaScript | MDN", "Web/JavaScript/Reference/Global_Objects/InternalError",
		"Thrown for internal engine errors such as too much recursion.",
	},
	"SecurityError": {
		"DOMException: SecurityError | MDN", "Web/API/DOMException#securityerror",
		"The operation is insecure, for example accessing a cross-origin frame or storage from an opaque origin.",
	},
	"NetworkError": {
		"DOMException: NetworkError | MDN", "Web/API/DOMException#networkerror",
		"A network error occurred; fetch rejects with a TypeError for the same condition.",
	},
	"AbortError": {
		"DOMException: AbortError | MDN", "Web/API/AbortController/abort",
		"The operation was aborted, usually through an AbortController signal passed to fetch.",
	},
	"NotAllowedError": {
		"DOMException: NotAllowedError | MDN", "Web/API/DOMException#notallowederror",
		"The request is not allowed by the user agent or the platform in the current context, often because a user gesture or permission is missing.",
	},
	"QuotaExceededError": {
		"DOMException: QuotaExceededError | MDN", "Web/API/DOMException#quotaexceedederror",
		"The storage quota was exceeded, commonly by localStorage.setItem or IndexedDB writes.",
	},
	"Error": {
		"Error - JavaScript | MDN", "Web/JavaScript/Reference/Global_Objects/Error",
		"Base error object thrown on runtime errors; user-defined exceptions usually extend it.",
	},
}

var docToken = regexp.MustCompile(`\b[A-Za-z_]*Error\b`)

// DocsSource answers from a fixed table of reference pages keyed by error
// type. It makes no network calls and never fails.
type DocsSource struct{}

// NewDocsSource returns the static documentation source.
func NewDocsSource() *DocsSource { return &DocsSource{} }

func (*DocsSource) ID() SourceID { return SourceDocs }

// Search looks up q.ErrorType first, then every other error token in the
// query text in order of appearance.
func (*DocsSource) Search(_ context.Context, q classifier.Query, limit int) ([]Suggestion, error) {
	tokens := make([]string, 0, 4)
	if q.ErrorType != "" {
		tokens = append(tokens, q.ErrorType)
	}
	tokens = append(tokens, docToken.FindAllString(q.Text, -1)...)

	out := make([]Suggestion, 0, len(tokens))
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		if len(out) >= limit {
			break
		}
		entry, ok := docs[tok]
		if !ok || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, Suggestion{
			ID:             "docs:" + tok,
			Source:         SourceDocs,
			Title:          entry.title,
			URL:            mdnBase + entry.path,
			Excerpt:        entry.excerpt,
			RelevanceScore: 1.0,
			Tags:           []string{"mdn", tok},
			Accepted:       true,
		})
	}
	return out, nil
}

// DisconnectedSource stands in for a source that is registered but not
// usable, such as one disabled in configuration. Every search reports
// ErrNotConnected.
type DisconnectedSource struct{ id SourceID }

// Disconnected returns a DisconnectedSource for id.
func Disconnected(id SourceID) *DisconnectedSource { return &DisconnectedSource{id: id} }

func (d *DisconnectedSource) ID() SourceID { return d.id }

func (d *DisconnectedSource) Search(context.Context, classifier.Query, int) ([]Suggestion, error) {
	return nil, ErrNotConnected
}
