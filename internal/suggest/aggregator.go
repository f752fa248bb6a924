package suggest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/faultline/internal/classifier"
)

const instrumentationName = "github.com/fyrsmithlabs/faultline/internal/suggest"

const (
	DefaultSourceTimeout = 10 * time.Second
	DefaultConcurrency   = 4
)

// Source is one knowledge source.
type Source interface {
	ID() SourceID
	// Search returns at most limit suggestions for q.
	Search(ctx context.Context, q classifier.Query, limit int) ([]Suggestion, error)
}

// Aggregator dispatches requests to its registered sources.
type Aggregator struct {
	sources     map[SourceID]Source
	order       []SourceID
	timeout     time.Duration
	concurrency int
	logger      *zap.Logger

	tracer   trace.Tracer
	searches metric.Int64Counter
	failures metric.Int64Counter
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithSourceTimeout bounds each source call.
func WithSourceTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithConcurrency bounds how many sources run at once.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Aggregator) { a.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(a *Aggregator) { a.initMetrics(mp.Meter(instrumentationName)) }
}

// New builds an aggregator over sources. A later source with the same ID
// replaces an earlier one.
func New(sources []Source, opts ...Option) *Aggregator {
	a := &Aggregator{
		sources:     make(map[SourceID]Source, len(sources)),
		timeout:     DefaultSourceTimeout,
		concurrency: DefaultConcurrency,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(instrumentationName),
	}
	for _, s := range sources {
		if s == nil {
			continue
		}
		if _, seen := a.sources[s.ID()]; !seen {
			a.order = append(a.order, s.ID())
		}
		a.sources[s.ID()] = s
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.searches == nil {
		a.initMetrics(otel.Meter(instrumentationName))
	}
	return a
}

func (a *Aggregator) initMetrics(meter metric.Meter) {
	var err error
	a.searches, err = meter.Int64Counter(
		"faultline.suggest.searches_total",
		metric.WithDescription("Source searches labeled by source and status"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		a.logger.Warn("failed to create searches counter", zap.Error(err))
	}
	a.failures, err = meter.Int64Counter(
		"faultline.suggest.source_failures_total",
		metric.WithDescription("Source searches that failed or were not connected"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		a.logger.Warn("failed to create failures counter", zap.Error(err))
	}
}

// Sources lists the registered source IDs in registration order.
func (a *Aggregator) Sources() []SourceID {
	return append([]SourceID(nil), a.order...)
}

func (a *Aggregator) validate(req Request) ([]Source, error) {
	if len(req.Sources) == 0 {
		return nil, ErrNoSources
	}
	if req.MaxResults < 1 {
		return nil, ErrInvalidMaxResults
	}
	switch req.SortBy {
	case "", SortNone, SortRelevance, SortVotes:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSort, req.SortBy)
	}
	if req.Query.Text == "" {
		return nil, ErrEmptyQuery
	}
	selected := make([]Source, 0, len(req.Sources))
	seen := make(map[SourceID]bool, len(req.Sources))
	for _, id := range req.Sources {
		src, ok := a.sources[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		selected = append(selected, src)
	}
	return selected, nil
}

// Suggest queries the requested sources concurrently and merges their
// results. The only errors are request validation errors; source failures
// are reported per source in the Result.
//
// Source calls are detached from ctx cancellation and bounded only by the
// per-source timeout, so an abandoned request still completes in the
// background.
func (a *Aggregator) Suggest(ctx context.Context, req Request) (*Result, error) {
	selected, err := a.validate(req)
	if err != nil {
		return nil, err
	}

	ctx, span := a.tracer.Start(ctx, "suggest.fanout")
	defer span.End()
	span.SetAttributes(
		attribute.String("query.text", req.Query.Text),
		attribute.Int("sources.count", len(selected)),
		attribute.Int("max_results", req.MaxResults),
	)

	detached := context.WithoutCancel(ctx)
	perSource := make([][]Suggestion, len(selected))
	statuses := make([]Status, len(selected))

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, src := range selected {
		g.Go(func() error {
			perSource[i], statuses[i] = a.search(detached, src, req.Query, req.MaxResults)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{
		Query:       req.Query,
		Suggestions: merge(perSource, req.MaxResults, req.SortBy),
		Status:      make(map[SourceID]Status, len(selected)),
	}
	for i, src := range selected {
		res.Status[src.ID()] = statuses[i]
	}
	span.SetAttributes(attribute.Int("results.count", len(res.Suggestions)))
	return res, nil
}

// search runs one source with a timeout and panic isolation.
func (a *Aggregator) search(ctx context.Context, src Source, q classifier.Query, limit int) (results []Suggestion, status Status) {
	id := src.ID()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	ctx, span := a.tracer.Start(ctx, "suggest.source",
		trace.WithAttributes(attribute.String("source", string(id))))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			results, status = nil, StatusFailed
			a.logger.Error("suggestion source panicked",
				zap.String("source", string(id)), zap.Any("panic", r))
			span.SetStatus(codes.Error, "panic")
		}
		a.record(ctx, id, status)
	}()

	found, err := src.Search(ctx, q, limit)
	duration := time.Since(start)
	if err != nil {
		status = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(status))
		a.logger.Warn("suggestion source failed",
			zap.String("source", string(id)),
			zap.String("status", string(status)),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, status
	}

	if len(found) > limit {
		found = found[:limit]
	}
	for i := range found {
		found[i].Source = id
		if found[i].ID == "" {
			found[i].ID = fmt.Sprintf("%s:%d", id, i)
		}
	}
	span.SetAttributes(attribute.Int("results.count", len(found)))
	a.logger.Debug("suggestion source answered",
		zap.String("source", string(id)),
		zap.Int("results", len(found)),
		zap.Duration("duration", duration))
	return found, StatusOK
}

func (a *Aggregator) record(ctx context.Context, id SourceID, status Status) {
	attrs := metric.WithAttributes(attribute.String("source", string(id)), attribute.String("status", string(status)))
	if a.searches != nil {
		a.searches.Add(ctx, 1, attrs)
	}
	if status != StatusOK && a.failures != nil {
		a.failures.Add(ctx, 1, attrs)
	}
}

func classify(err error) Status {
	var authErr *AuthError
	if errors.Is(err, ErrNotConnected) || errors.As(err, &authErr) {
		return StatusNotConnected
	}
	return StatusFailed
}
