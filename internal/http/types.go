package http

import (
	"time"

	"github.com/fyrsmithlabs/faultline/internal/classifier"
	"github.com/fyrsmithlabs/faultline/internal/signal"
	"github.com/fyrsmithlabs/faultline/internal/suggest"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string             `json:"status"`
	Relay   string             `json:"relay"`
	Sources []suggest.SourceID `json:"sources"`
}

// SignalsResponse is the response body for GET /api/v1/signals.
type SignalsResponse struct {
	Signals []signal.Signal `json:"signals"`
}

// QueryResponse is the response body for GET /api/v1/signals/:id/query.
type QueryResponse struct {
	Signal signal.Signal    `json:"signal"`
	Query  classifier.Query `json:"query"`
	Tags   classifier.Tags  `json:"tags"`
}

// NavigationRequest is the optional body of POST /api/v1/tabs/:tab/navigation.
type NavigationRequest struct {
	Timestamp time.Time `json:"timestamp"`
}

// AcceptedResponse acknowledges a fire-and-forget publish.
type AcceptedResponse struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
}

// SuggestRequest is the request body for POST /api/v1/suggestions. Exactly
// one of Query and SignalID is set.
type SuggestRequest struct {
	Query      string             `json:"query,omitempty"`
	SignalID   string             `json:"signalId,omitempty"`
	Sources    []suggest.SourceID `json:"sources"`
	MaxResults int                `json:"maxResults,omitempty"`
	SortBy     suggest.SortBy     `json:"sortBy,omitempty"`
}

// FeedbackRequest is the request body for POST /api/v1/feedback.
type FeedbackRequest struct {
	SuggestionID string           `json:"suggestionId"`
	Source       suggest.SourceID `json:"source,omitempty"`
	Query        string           `json:"query,omitempty"`
	Rating       suggest.Rating   `json:"rating"`
}

// FeedbackResponse is the response body for GET /api/v1/feedback.
type FeedbackResponse struct {
	Feedback []suggest.Feedback `json:"feedback"`
}

// ErrorResponse mirrors echo's HTTPError body.
type ErrorResponse struct {
	Message string `json:"message"`
}
