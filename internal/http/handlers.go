package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/faultline/internal/classifier"
	"github.com/fyrsmithlabs/faultline/internal/logging"
	"github.com/fyrsmithlabs/faultline/internal/signal"
	"github.com/fyrsmithlabs/faultline/internal/suggest"
)

// requestLogger returns the server logger carrying the correlation fields
// set on ctx by the request middleware and handlers.
func (s *Server) requestLogger(ctx context.Context) *zap.Logger {
	return s.logger.With(logging.ContextFields(ctx)...)
}

// handleIngestSignal accepts a signal captured by a remote agent and
// publishes it through the relay.
func (s *Server) handleIngestSignal(c echo.Context) error {
	var sig signal.Signal
	if err := c.Bind(&sig); err != nil {
		s.requestLogger(c.Request().Context()).Warn("invalid signal body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if sig.ID == "" {
		sig.ID = signal.NewID()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	ctx := logging.WithSignalID(logging.WithTabScope(c.Request().Context(), sig.TabScope), sig.ID)
	if err := sig.Validate(); err != nil {
		s.requestLogger(ctx).Debug("signal rejected", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.deps.Publisher.PublishSignal(ctx, sig); err != nil {
		s.requestLogger(ctx).Warn("publish failed", zap.Error(err))
		return publishFailed(err)
	}
	return c.JSON(http.StatusAccepted, AcceptedResponse{ID: sig.ID, Status: "accepted"})
}

// handleNavigation announces that a tab started navigating. The body is
// optional; without a timestamp the server clock is used.
func (s *Server) handleNavigation(c echo.Context) error {
	tab := c.Param("tab")
	var req NavigationRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil && !errors.Is(err, io.EOF) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	ctx := logging.WithTabScope(c.Request().Context(), tab)
	if err := s.deps.Publisher.PublishNavigation(ctx, tab, req.Timestamp); err != nil {
		s.requestLogger(ctx).Warn("publish failed", zap.Error(err))
		return publishFailed(err)
	}
	return c.JSON(http.StatusAccepted, AcceptedResponse{Status: "accepted"})
}

func (s *Server) handleListSignals(c echo.Context) error {
	signals, err := s.sync(c.Request().Context())
	if err != nil {
		return syncFailed(err)
	}
	return c.JSON(http.StatusOK, SignalsResponse{Signals: signals})
}

func (s *Server) handleSignalQuery(c echo.Context) error {
	sig, err := s.lookup(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, QueryResponse{
		Signal: sig,
		Query:  classifier.ExtractQuery(sig),
		Tags:   classifier.Classify(sig),
	})
}

// handleSuggest resolves the query, from free text or from a buffered
// signal, and fans it out. Source failures are reported in the result;
// only request errors produce a 4xx.
func (s *Server) handleSuggest(c echo.Context) error {
	var req SuggestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var q classifier.Query
	switch {
	case req.SignalID != "" && req.Query != "":
		return echo.NewHTTPError(http.StatusBadRequest, "set either query or signalId, not both")
	case req.SignalID != "":
		sig, err := s.lookup(c.Request().Context(), req.SignalID)
		if err != nil {
			return err
		}
		q = classifier.ExtractQuery(sig)
	default:
		q = classifier.QueryFromText(req.Query)
	}

	max := req.MaxResults
	if max == 0 {
		max = s.config.DefaultMaxResults
	}
	res, err := s.deps.Suggester.Suggest(c.Request().Context(), suggest.Request{
		Query:      q,
		Sources:    req.Sources,
		MaxResults: max,
		SortBy:     req.SortBy,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleRecordFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	fb, err := s.deps.Feedback.Record(c.Request().Context(), suggest.Feedback{
		SuggestionID: req.SuggestionID,
		Source:       req.Source,
		Query:        req.Query,
		Rating:       req.Rating,
	})
	switch {
	case errors.Is(err, suggest.ErrFeedbackClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.requestLogger(c.Request().Context()).Debug("feedback recorded",
		zap.String("feedback_id", fb.ID),
		zap.String("suggestion_id", fb.SuggestionID),
		zap.String("rating", string(fb.Rating)))
	return c.JSON(http.StatusAccepted, fb)
}

func (s *Server) handleListFeedback(c echo.Context) error {
	entries := s.deps.Feedback.Entries()
	if entries == nil {
		entries = []suggest.Feedback{}
	}
	return c.JSON(http.StatusOK, FeedbackResponse{Feedback: entries})
}
