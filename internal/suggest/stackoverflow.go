package suggest

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/faultline/internal/classifier"
	"github.com/fyrsmithlabs/faultline/internal/config"
)

const (
	DefaultStackExchangeURL = "https://api.stackexchange.com"
	searchPath              = "/2.3/search/advanced"
	maxExcerptRunes         = 280
)

// StackOverflowConfig configures the Q&A source.
type StackOverflowConfig struct {
	BaseURL string
	Site    string
	// Rate is requests per second; Burst the bucket size.
	Rate    float64
	Burst   int
	APIKey  config.Secret
	Timeout time.Duration
	Logger  *zap.Logger
}

// StackOverflowSource searches the Stack Exchange API. The API is
// unauthenticated and throttled, so every call first waits on a token
// bucket and honours the backoff the API asks for. Calls are never
// retried.
type StackOverflowSource struct {
	client  *resty.Client
	limiter *rate.Limiter
	policy  *bluemonday.Policy
	site    string
	apiKey  config.Secret
	logger  *zap.Logger

	mu         sync.Mutex
	pauseUntil time.Time
}

// NewStackOverflowSource builds the source.
func NewStackOverflowSource(cfg StackOverflowConfig) *StackOverflowSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultStackExchangeURL
	}
	if cfg.Site == "" {
		cfg.Site = "stackoverflow"
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSourceTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	// Pooled transport from retryablehttp with retries off: a failed
	// source reports failure instead of silently retrying.
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.Logger = nil

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "faultline-suggest")
	client.SetTransport(retryClient.HTTPClient.Transport)

	return &StackOverflowSource{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		policy:  bluemonday.StrictPolicy(),
		site:    cfg.Site,
		apiKey:  cfg.APIKey,
		logger:  cfg.Logger,
	}
}

func (*StackOverflowSource) ID() SourceID { return SourceStackOverflow }

type seSearchResponse struct {
	Items []struct {
		QuestionID       int64    `json:"question_id"`
		Title            string   `json:"title"`
		Link             string   `json:"link"`
		Score            int      `json:"score"`
		IsAnswered       bool     `json:"is_answered"`
		AcceptedAnswerID int64    `json:"accepted_answer_id"`
		Tags             []string `json:"tags"`
		Body             string   `json:"body"`
	} `json:"items"`
	Backoff        int    `json:"backoff"`
	QuotaRemaining int    `json:"quota_remaining"`
	ErrorID        int    `json:"error_id"`
	ErrorName      string `json:"error_name"`
	ErrorMessage   string `json:"error_message"`
}

// Search runs an advanced search sorted by relevance.
func (s *StackOverflowSource) Search(ctx context.Context, q classifier.Query, limit int) ([]Suggestion, error) {
	if err := s.waitBackoff(ctx); err != nil {
		return nil, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("stackoverflow: rate limiter: %w", err)
	}

	params := map[string]string{
		"order":    "desc",
		"sort":     "relevance",
		"site":     s.site,
		"filter":   "withbody",
		"q":        q.Text,
		"pagesize": strconv.Itoa(limit),
	}
	if s.apiKey.IsSet() {
		params["key"] = s.apiKey.Value()
	}

	var body seSearchResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		ForceContentType("application/json").
		SetResult(&body).
		SetError(&body).
		Get(searchPath)
	if err != nil {
		return nil, fmt.Errorf("stackoverflow: %w", err)
	}

	if body.Backoff > 0 {
		s.pause(time.Duration(body.Backoff) * time.Second)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, &AuthError{Source: SourceStackOverflow, Status: code, Err: errors.New(body.ErrorMessage)}
	case code < 200 || code > 299:
		if body.ErrorMessage != "" {
			return nil, fmt.Errorf("stackoverflow: status %d: %s: %s", code, body.ErrorName, body.ErrorMessage)
		}
		return nil, fmt.Errorf("stackoverflow: status %d", code)
	}

	items := body.Items
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]Suggestion, 0, len(items))
	for i, it := range items {
		out = append(out, Suggestion{
			ID:             fmt.Sprintf("stackoverflow:%d", it.QuestionID),
			Source:         SourceStackOverflow,
			Title:          html.UnescapeString(it.Title),
			URL:            it.Link,
			Excerpt:        s.excerpt(it.Body),
			RelevanceScore: decay(i, len(items)),
			VoteCount:      it.Score,
			Tags:           it.Tags,
			Accepted:       it.AcceptedAnswerID != 0,
		})
	}
	s.logger.Debug("stackoverflow search",
		zap.Int("results", len(out)), zap.Int("quota_remaining", body.QuotaRemaining))
	return out, nil
}

// excerpt strips markup, unescapes entities and shortens to a preview.
func (s *StackOverflowSource) excerpt(body string) string {
	return preview(html.UnescapeString(s.policy.Sanitize(body)))
}

func (s *StackOverflowSource) pause(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(s.pauseUntil) {
		s.pauseUntil = until
	}
	s.logger.Info("stackoverflow asked for backoff", zap.Duration("backoff", d))
}

func (s *StackOverflowSource) waitBackoff(ctx context.Context) error {
	s.mu.Lock()
	wait := time.Until(s.pauseUntil)
	s.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("stackoverflow: backing off: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
