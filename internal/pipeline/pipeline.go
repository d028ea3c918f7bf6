package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/Harshitk-cp/coursegraph/internal/normalize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Config struct {
	// Concurrency bounds the number of spans extracted at once.
	Concurrency     int
	ExtractionRPS   float64
	ExtractionBurst int
	// RetryCeiling and Backoff govern both extraction retries and deferred
	// resolution.
	RetryCeiling  int
	Backoff       []time.Duration
	DrainInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		ExtractionRPS:   2,
		ExtractionBurst: 4,
		RetryCeiling:    5,
		Backoff:         []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute},
		DrainInterval:   10 * time.Second,
	}
}

// Pipeline drives documents through extraction, normalization and the
// coordinator. Extraction runs on a bounded worker pool; everything after it
// is fed to the coordinator in span order so the resulting ids do not depend
// on which extraction finished first.
type Pipeline struct {
	coord      *Coordinator
	extractor  domain.Extractor
	embedder   domain.EmbeddingClient
	normalizer *normalize.Normalizer
	limiter    *rate.Limiter
	clock      domain.Clock
	cfg        Config
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	deferred  []*deferredAssertion
	exhausted int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type deferredAssertion struct {
	assertion Assertion
	attempts  int
	nextAt    time.Time
	lastErr   string
}

func New(coord *Coordinator, extractor domain.Extractor, embedder domain.EmbeddingClient, normalizer *normalize.Normalizer, clock domain.Clock, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultConfig().DrainInterval
	}
	limit := rate.Inf
	if cfg.ExtractionRPS > 0 {
		limit = rate.Limit(cfg.ExtractionRPS)
	}
	burst := cfg.ExtractionBurst
	if burst <= 0 {
		burst = 1
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Pipeline{
		coord:      coord,
		extractor:  extractor,
		embedder:   embedder,
		normalizer: normalizer,
		limiter:    rate.NewLimiter(limit, burst),
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		sleep:      sleepContext,
		stopCh:     make(chan struct{}),
	}
}

// SetSleep replaces the wait between extraction retries.
func (p *Pipeline) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	p.sleep = fn
}

type spanResult struct {
	triples    int
	malformed  int
	assertions []Assertion
	err        error
}

// ProcessDocument extracts, resolves and merges every span of doc and returns
// the per-document report. Component-local failures are counted in the
// report; a consistency violation is returned as an error alongside it.
func (p *Pipeline) ProcessDocument(ctx context.Context, doc domain.Document) (*domain.DocumentReport, error) {
	report := domain.NewDocumentReport(doc.ID)
	if strings.TrimSpace(doc.ID) == "" {
		err := fmt.Errorf("%w: document id is empty", domain.ErrMalformedInput)
		report.CountError(err)
		return report, err
	}
	report.Spans = len(doc.Spans)

	var spans []domain.Span
	for _, s := range doc.Spans {
		if s.DocumentID == "" {
			s.DocumentID = doc.ID
		}
		if s.DocumentID != doc.ID || s.SpanID == "" || strings.TrimSpace(s.Text) == "" || !utf8.ValidString(s.Text) {
			report.Errors[domain.KindMalformedInput]++
			p.logger.Warn("malformed span dropped",
				zap.String("document_id", doc.ID),
				zap.String("span_id", s.SpanID))
			continue
		}
		spans = append(spans, s)
	}

	results := make([]spanResult, len(spans))
	ready := make([]chan struct{}, len(spans))
	for i := range ready {
		ready[i] = make(chan struct{})
	}

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.cfg.Concurrency)
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i := range spans {
			i := i
			eg.Go(func() error {
				defer close(ready[i])
				results[i] = p.extractSpan(gCtx, doc, spans[i])
				return nil
			})
		}
	}()

	var violation error
	for i := range spans {
		select {
		case <-ready[i]:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		if err := p.applySpan(ctx, results[i], report); err != nil && violation == nil {
			violation = err
		}
	}

	<-launched
	_ = eg.Wait()

	if ctx.Err() == nil {
		if vs, err := p.coord.CheckInvariants(ctx); err == nil && len(vs) > 0 {
			report.Violations = append(report.Violations, vs...)
			report.Errors[domain.KindConsistencyViolation] += len(vs)
			if violation == nil {
				violation = fmt.Errorf("%w: %s", domain.ErrConsistencyViolation, strings.Join(vs, "; "))
			}
		}
	}

	p.logger.Info("document processed",
		zap.String("document_id", doc.ID),
		zap.Int("spans", report.Spans),
		zap.Int("triples", report.Triples),
		zap.Int("entities_created", report.EntitiesCreated),
		zap.Int("entities_merged", report.EntitiesMerged),
		zap.Int("relations_created", report.RelationsCreated),
		zap.Int("relations_updated", report.RelationsUpdated),
		zap.Int("deferred", report.Deferred),
		zap.Int("errors", report.ErrorCount()))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if violation != nil {
		return report, violation
	}
	return report, nil
}

// applySpan feeds one span's assertions to the coordinator in extraction
// order. It returns the first consistency violation it hits.
func (p *Pipeline) applySpan(ctx context.Context, res spanResult, report *domain.DocumentReport) error {
	report.Triples += res.triples
	report.Errors[domain.KindMalformedInput] += res.malformed
	if res.err != nil {
		report.CountError(res.err)
		p.logger.Warn("span extraction failed", zap.Error(res.err))
	}

	var violation error
	for _, a := range res.assertions {
		out, err := p.coord.Process(ctx, a)
		report.EntitiesCreated += out.EntitiesCreated
		report.EntitiesMerged += out.EntitiesMerged
		if out.RelationCreated {
			report.RelationsCreated++
		}
		if out.RelationUpdated {
			report.RelationsUpdated++
		}
		if err == nil {
			continue
		}

		switch domain.KindOf(err) {
		case domain.KindTransientDependency:
			p.deferAssertion(a, err)
			report.Deferred++
		case domain.KindCanceled:
			return violation
		case domain.KindConsistencyViolation:
			report.CountError(err)
			report.Violations = append(report.Violations, err.Error())
			p.logger.Error("consistency violation", zap.String("span", a.Span.String()), zap.Error(err))
			if violation == nil {
				violation = err
			}
		case domain.KindDegenerateRelation, domain.KindMalformedInput:
			report.CountError(err)
		default:
			report.CountError(err)
			p.logger.Error("assertion failed", zap.String("span", a.Span.String()), zap.Error(err))
		}
	}
	return violation
}

func (p *Pipeline) extractSpan(ctx context.Context, doc domain.Document, span domain.Span) spanResult {
	var res spanResult

	raw, err := p.extract(ctx, domain.ExtractionRequest{SpanID: span.SpanID, Text: span.Text, TypeHints: doc.TypeHints})
	if err != nil {
		res.err = fmt.Errorf("extract span %s: %w", span.Ref(), err)
		return res
	}
	res.triples = len(raw)

	ref := span.Ref()
	vectors := make(map[string][]float32)
	for _, r := range raw {
		cand, err := domain.ValidateTriple(r)
		if err != nil {
			res.malformed++
			p.logger.Warn("malformed triple dropped", zap.String("span", ref.String()), zap.Error(err))
			continue
		}
		a, err := p.assertion(ctx, cand, ref, vectors)
		if err != nil {
			if ctx.Err() != nil {
				res.err = ctx.Err()
				return res
			}
			res.malformed++
			p.logger.Warn("unnormalizable triple dropped", zap.String("span", ref.String()), zap.Error(err))
			continue
		}
		res.assertions = append(res.assertions, a)
	}
	return res
}

// extract calls the extraction adapter, retrying transient failures on the
// configured backoff schedule.
func (p *Pipeline) extract(ctx context.Context, req domain.ExtractionRequest) ([]domain.RawTriple, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.RetryCeiling; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, backoff(p.cfg.Backoff, attempt)); err != nil {
				return nil, err
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		triples, err := p.extractor.Extract(ctx, req)
		if err == nil {
			return triples, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, domain.ErrTransientDependency) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *Pipeline) assertion(ctx context.Context, cand domain.CandidateTriple, span domain.SpanRef, vectors map[string][]float32) (Assertion, error) {
	subjectKey, err := p.normalizer.Normalize(cand.Subject)
	if err != nil {
		return Assertion{}, fmt.Errorf("subject: %w", err)
	}
	objectKey, err := p.normalizer.Normalize(cand.Object)
	if err != nil {
		return Assertion{}, fmt.Errorf("object: %w", err)
	}
	predicate, err := p.normalizer.NormalizePredicate(cand.Predicate)
	if err != nil {
		return Assertion{}, fmt.Errorf("predicate: %w", err)
	}

	a := Assertion{
		Span:       span,
		Subject:    domain.Mention{Raw: cand.Subject, Key: subjectKey, Type: cand.SubjectType, Span: span},
		Predicate:  predicate,
		Object:     domain.Mention{Raw: cand.Object, Key: objectKey, Type: cand.ObjectType, Span: span},
		Confidence: cand.Confidence,
	}
	a.Subject.Embedding = p.embed(ctx, a.Subject, vectors)
	a.Object.Embedding = p.embed(ctx, a.Object, vectors)
	if err := ctx.Err(); err != nil {
		return Assertion{}, err
	}
	return a, nil
}

// embed returns the context embedding for m, or nil if the embedding service
// failed. A nil embedding only matters if the mention misses the alias table,
// in which case resolution is deferred.
func (p *Pipeline) embed(ctx context.Context, m domain.Mention, cache map[string][]float32) []float32 {
	text := contextText(m)
	if v, ok := cache[text]; ok {
		return v
	}
	v, err := p.embedder.Embed(ctx, text)
	if err != nil {
		p.logger.Warn("context embedding failed", zap.String("key", string(m.Key)), zap.Error(err))
		return nil
	}
	if cache != nil {
		cache[text] = v
	}
	return v
}

func contextText(m domain.Mention) string {
	label := strings.TrimSpace(m.Raw)
	if label == "" {
		label = string(m.Key)
	}
	if m.Type != "" {
		return label + " (" + string(m.Type) + ")"
	}
	return label
}

func (p *Pipeline) deferAssertion(a Assertion, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.deferred = append(p.deferred, &deferredAssertion{
		assertion: a,
		attempts:  1,
		nextAt:    p.clock.Now().Add(backoff(p.cfg.Backoff, 1)),
		lastErr:   err.Error(),
	})
	p.logger.Info("resolution deferred",
		zap.String("span", a.Span.String()),
		zap.String("subject", string(a.Subject.Key)),
		zap.String("object", string(a.Object.Key)),
		zap.Error(err))
}

type DrainResult struct {
	Resolved  int `json:"resolved"`
	Requeued  int `json:"requeued"`
	Exhausted int `json:"exhausted"`
	Dropped   int `json:"dropped"`
}

// DrainDeferred retries every deferred assertion whose backoff has elapsed.
// Assertions that stay transient past the retry ceiling are reported as
// exhausted and dropped; they are never turned into new entities.
func (p *Pipeline) DrainDeferred(ctx context.Context) (DrainResult, error) {
	now := p.clock.Now()

	p.mu.Lock()
	var due []*deferredAssertion
	kept := p.deferred[:0]
	for _, d := range p.deferred {
		if now.Before(d.nextAt) {
			kept = append(kept, d)
		} else {
			due = append(due, d)
		}
	}
	p.deferred = kept
	p.mu.Unlock()

	var res DrainResult
	var requeue []*deferredAssertion
	defer func() {
		p.mu.Lock()
		p.deferred = append(p.deferred, requeue...)
		p.mu.Unlock()
	}()

	for i, d := range due {
		if ctx.Err() != nil {
			requeue = append(requeue, due[i:]...)
			return res, ctx.Err()
		}

		a := d.assertion
		if len(a.Subject.Embedding) == 0 {
			a.Subject.Embedding = p.embed(ctx, a.Subject, nil)
		}
		if len(a.Object.Embedding) == 0 {
			a.Object.Embedding = p.embed(ctx, a.Object, nil)
		}
		d.assertion = a

		_, err := p.coord.Process(ctx, a)
		switch {
		case err == nil:
			res.Resolved++
		case domain.KindOf(err) == domain.KindCanceled:
			requeue = append(requeue, due[i:]...)
			return res, err
		case errors.Is(err, domain.ErrTransientDependency):
			d.attempts++
			d.lastErr = err.Error()
			if d.attempts > p.cfg.RetryCeiling {
				res.Exhausted++
				p.mu.Lock()
				p.exhausted++
				p.mu.Unlock()
				p.logger.Error("deferred resolution exhausted",
					zap.String("span", a.Span.String()),
					zap.String("subject", string(a.Subject.Key)),
					zap.String("object", string(a.Object.Key)),
					zap.Int("attempts", d.attempts),
					zap.Error(err))
				continue
			}
			d.nextAt = p.clock.Now().Add(backoff(p.cfg.Backoff, d.attempts))
			requeue = append(requeue, d)
			res.Requeued++
		default:
			res.Dropped++
			p.logger.Warn("deferred assertion dropped",
				zap.String("span", a.Span.String()),
				zap.String("kind", string(domain.KindOf(err))),
				zap.Error(err))
		}
	}
	return res, nil
}

type DeferredStats struct {
	Pending   int `json:"pending"`
	Exhausted int `json:"exhausted"`
}

func (p *Pipeline) DeferredStats() DeferredStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return DeferredStats{Pending: len(p.deferred), Exhausted: p.exhausted}
}

// Start drains the deferred queue on a periodic schedule in a background goroutine.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.DrainInterval)
		defer ticker.Stop()

		p.logger.Info("deferred resolution drainer started", zap.Duration("interval", p.cfg.DrainInterval))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				res, err := p.DrainDeferred(ctx)
				if err != nil {
					p.logger.Warn("deferred drain interrupted", zap.Error(err))
				} else if res.Resolved+res.Exhausted+res.Dropped > 0 {
					p.logger.Info("deferred drain pass",
						zap.Int("resolved", res.Resolved),
						zap.Int("requeued", res.Requeued),
						zap.Int("exhausted", res.Exhausted),
						zap.Int("dropped", res.Dropped))
				}
				cancel()
			case <-p.stopCh:
				p.logger.Info("deferred resolution drainer stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the drainer.
func (p *Pipeline) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func backoff(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(schedule) {
		i = len(schedule) - 1
	}
	return schedule[i]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
