// Package suggest fans a query out to independent knowledge sources,
// normalizes their results into Suggestions and merges them into one
// capped, optionally sorted list.
//
// A failing source never fails the request: its status is reported in
// Result.Status and it contributes no suggestions.
package suggest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/faultline/internal/classifier"
)

// SourceID identifies a knowledge source.
type SourceID string

const (
	SourceDocs          SourceID = "docs"
	SourceStackOverflow SourceID = "stackoverflow"
	SourceGitHub        SourceID = "github"
)

// Suggestion is a normalized knowledge-source result.
type Suggestion struct {
	ID             string   `json:"id"`
	Source         SourceID `json:"source"`
	Title          string   `json:"title"`
	URL            string   `json:"url"`
	Excerpt        string   `json:"excerpt,omitempty"`
	RelevanceScore float64  `json:"relevanceScore"`
	VoteCount      int      `json:"voteCount"`
	Tags           []string `json:"tags,omitempty"`
	Accepted       bool     `json:"accepted"`
}

// SortBy selects the client-side ordering of merged results.
type SortBy string

const (
	SortNone      SortBy = "none"
	SortRelevance SortBy = "relevance"
	SortVotes     SortBy = "votes"
)

// Status is the outcome of one source for one request.
type Status string

const (
	StatusOK           Status = "ok"
	StatusFailed       Status = "failed"
	StatusNotConnected Status = "not_connected"
)

var (
	ErrNoSources         = errors.New("at least one source is required")
	ErrUnknownSource     = errors.New("unknown source")
	ErrInvalidMaxResults = errors.New("maxResults must be at least 1")
	ErrInvalidSort       = errors.New("sortBy must be none, relevance or votes")
	ErrEmptyQuery        = errors.New("query is empty")
	// ErrNotConnected is returned by a source that has no usable
	// credentials or is disabled.
	ErrNotConnected = errors.New("source not connected")
)

// AuthError reports that a source rejected our credentials. It is never
// retried.
type AuthError struct {
	Source SourceID
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: authentication failed (status %d)", e.Source, e.Status)
	}
	return fmt.Sprintf("%s: authentication failed (status %d): %v", e.Source, e.Status, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Request is one suggestion lookup.
type Request struct {
	Query      classifier.Query `json:"query"`
	Sources    []SourceID       `json:"sources"`
	MaxResults int              `json:"maxResults"`
	SortBy     SortBy           `json:"sortBy,omitempty"`
}

// Result is the merged outcome. Suggestions is never nil.
type Result struct {
	Query       classifier.Query    `json:"query"`
	Suggestions []Suggestion        `json:"suggestions"`
	Status      map[SourceID]Status `json:"status"`
}

// merge concatenates per-source results in request order, caps the total
// and, when asked, stable-sorts descending so ties keep arrival order.
func merge(perSource [][]Suggestion, max int, by SortBy) []Suggestion {
	out := make([]Suggestion, 0, max)
	for _, results := range perSource {
		out = append(out, results...)
	}
	if len(out) > max {
		out = out[:max]
	}
	switch by {
	case SortRelevance:
		sort.SliceStable(out, func(i, j int) bool { return out[i].RelevanceScore > out[j].RelevanceScore })
	case SortVotes:
		sort.SliceStable(out, func(i, j int) bool { return out[i].VoteCount > out[j].VoteCount })
	}
	return out
}

// decay scores the i-th of n results from one source.
func decay(i, n int) float64 {
	if n <= 0 {
		return 0
	}
	return 1 - float64(i)/float64(n)
}
