package journal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	// RetryCeiling is the number of failed apply attempts after which a
	// mutation is dead-lettered.
	RetryCeiling int
	// Backoff is indexed by attempt; the last entry repeats.
	Backoff       []time.Duration
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryCeiling:  5,
		Backoff:       []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute},
		RetryInterval: 10 * time.Second,
	}
}

type Stats struct {
	LastSequence int64 `json:"last_sequence"`
	Checkpoint   int64 `json:"checkpoint"`
	Pending      int   `json:"pending"`
	Failed       int   `json:"failed"`
}

// Journal is the write-ahead log in front of the graph store. Every mutation
// is durably appended before it is applied; records sharing a target key are
// applied strictly in sequence order.
type Journal struct {
	store  domain.JournalStore
	graph  domain.GraphStore
	index  domain.EmbeddingIndex
	clock  domain.Clock
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	pending    map[string][]*domain.MutationRecord
	byID       map[uuid.UUID]*domain.MutationRecord
	lastSeq    int64
	checkpoint int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(store domain.JournalStore, graph domain.GraphStore, index domain.EmbeddingIndex, clock domain.Clock, cfg Config, logger *zap.Logger) *Journal {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	return &Journal{
		store:   store,
		graph:   graph,
		index:   index,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string][]*domain.MutationRecord),
		byID:    make(map[uuid.UUID]*domain.MutationRecord),
		stopCh:  make(chan struct{}),
	}
}

// Submit appends rec and, if no earlier mutation of the same target is still
// outstanding, applies it. The returned error only reflects the append: a
// failed apply is handed to the retry state machine.
func (j *Journal) Submit(ctx context.Context, rec *domain.MutationRecord) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if existing, ok := j.byID[rec.ID]; ok {
		return existing.Sequence, nil
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = j.clock.Now()
	}
	rec.State = domain.StateAppended

	seq, err := j.store.Append(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: append mutation: %v", domain.ErrTransientDependency, err)
	}
	if seq <= j.lastSeq {
		// Already journaled and settled in an earlier run.
		return seq, nil
	}
	rec.Sequence = seq
	j.lastSeq = seq

	key := rec.TargetKey()
	j.pending[key] = append(j.pending[key], rec)
	j.byID[rec.ID] = rec

	j.logger.Debug("mutation appended",
		zap.Int64("sequence", seq),
		zap.String("kind", string(rec.Kind)),
		zap.String("target", key))

	j.advanceLocked(ctx, key)
	j.saveCheckpointLocked(ctx)
	return seq, nil
}

// Recover loads every record after the last checkpoint and re-applies the
// ones that never reached a terminal state. It returns the number of records
// that settled during recovery.
func (j *Journal) Recover(ctx context.Context) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cp, err := j.store.Checkpoint(ctx)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	j.checkpoint = cp
	if cp > j.lastSeq {
		j.lastSeq = cp
	}

	records, err := j.store.Records(ctx, cp)
	if err != nil {
		return 0, fmt.Errorf("load journal records: %w", err)
	}

	var keys []string
	seen := make(map[string]bool)
	for i := range records {
		rec := &records[i]
		if rec.Sequence > j.lastSeq {
			j.lastSeq = rec.Sequence
		}
		if rec.State.Terminal() {
			continue
		}
		if _, ok := j.byID[rec.ID]; ok {
			continue
		}
		if rec.State == domain.StateApplied {
			// The store may or may not have seen it; apply is idempotent.
			rec.State = domain.StateAppended
		}
		key := rec.TargetKey()
		j.pending[key] = append(j.pending[key], rec)
		j.byID[rec.ID] = rec
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	outstanding := len(j.byID)
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		j.advanceLocked(ctx, key)
	}
	j.saveCheckpointLocked(ctx)

	recovered := outstanding - len(j.byID)
	j.logger.Info("journal recovered",
		zap.Int64("checkpoint", cp),
		zap.Int64("last_sequence", j.lastSeq),
		zap.Int("reapplied", recovered),
		zap.Int("still_pending", len(j.byID)))
	return recovered, ctx.Err()
}

// RetryDue re-enters every failed record whose backoff has elapsed, and every
// record left appended by a canceled apply, into the apply path. It returns
// the number of records attempted.
func (j *Journal) RetryDue(ctx context.Context) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	keys := make([]string, 0, len(j.pending))
	for key := range j.pending {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(a, b int) bool {
		return j.pending[keys[a]][0].Sequence < j.pending[keys[b]][0].Sequence
	})

	attempted := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}
		attempted += j.advanceLocked(ctx, key)
	}
	j.saveCheckpointLocked(ctx)
	return attempted, nil
}

// Redrive puts a dead-lettered record back into the apply path with a fresh
// attempt budget.
func (j *Journal) Redrive(ctx context.Context, mutationID uuid.UUID) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	dead, err := j.store.ListByState(ctx, domain.StateDeadLettered, 0)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}
	var rec *domain.MutationRecord
	for i := range dead {
		if dead[i].ID == mutationID {
			rec = &dead[i]
			break
		}
	}
	if rec == nil {
		return fmt.Errorf("mutation %s is not dead-lettered: %w", mutationID, ErrNotDeadLettered)
	}

	rec.State = domain.StateAppended
	rec.Attempts = 0
	rec.NextAttemptAt = nil
	rec.LastError = ""
	j.persistLocked(ctx, rec)

	key := rec.TargetKey()
	queue := append(j.pending[key], rec)
	sort.Slice(queue, func(a, b int) bool { return queue[a].Sequence < queue[b].Sequence })
	j.pending[key] = queue
	j.byID[rec.ID] = rec

	// The checkpoint may already have passed this record.
	if rec.Sequence <= j.checkpoint {
		j.checkpoint = rec.Sequence - 1
		if err := j.store.SaveCheckpoint(ctx, j.checkpoint); err != nil {
			j.logger.Warn("failed to rewind journal checkpoint", zap.Error(err))
		}
	}

	j.logger.Info("dead-lettered mutation redriven",
		zap.String("mutation_id", rec.ID.String()),
		zap.Int64("sequence", rec.Sequence))

	j.advanceLocked(ctx, key)
	j.saveCheckpointLocked(ctx)
	return nil
}

var ErrNotDeadLettered = errors.New("mutation not dead-lettered")

// Replay streams every journaled record, in sequence order, to fn. It is used
// at startup to rebuild in-memory state and does not touch the store.
func (j *Journal) Replay(ctx context.Context, fn func(*domain.MutationRecord) error) error {
	records, err := j.store.Records(ctx, 0)
	if err != nil {
		return fmt.Errorf("load journal records: %w", err)
	}
	for i := range records {
		if err := fn(&records[i]); err != nil {
			return fmt.Errorf("replay mutation %d: %w", records[i].Sequence, err)
		}
	}
	return nil
}

func (j *Journal) DeadLetters(ctx context.Context, limit int) ([]domain.MutationRecord, error) {
	return j.store.ListByState(ctx, domain.StateDeadLettered, limit)
}

func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Stats{LastSequence: j.lastSeq, Checkpoint: j.checkpoint, Pending: len(j.byID)}
	for _, rec := range j.byID {
		if rec.State == domain.StateFailed {
			s.Failed++
		}
	}
	return s
}

// advanceLocked applies records at the head of key's queue until one fails,
// is not yet due, or the queue is empty. It returns the number attempted.
func (j *Journal) advanceLocked(ctx context.Context, key string) int {
	attempted := 0
	for {
		queue := j.pending[key]
		if len(queue) == 0 {
			delete(j.pending, key)
			return attempted
		}
		head := queue[0]
		if !j.dueLocked(head) {
			return attempted
		}
		if ctx.Err() != nil {
			return attempted
		}

		attempted++
		j.attemptLocked(ctx, head)
		if !head.State.Terminal() {
			return attempted
		}

		j.pending[key] = queue[1:]
		delete(j.byID, head.ID)
	}
}

func (j *Journal) dueLocked(rec *domain.MutationRecord) bool {
	switch rec.State {
	case domain.StateAppended:
		return true
	case domain.StateFailed:
		return rec.NextAttemptAt == nil || !j.clock.Now().Before(*rec.NextAttemptAt)
	}
	return false
}

func (j *Journal) attemptLocked(ctx context.Context, rec *domain.MutationRecord) {
	if rec.State == domain.StateFailed {
		rec.State = domain.StateAppended
		rec.NextAttemptAt = nil
	}

	err := j.apply(ctx, rec)
	if err == nil {
		rec.State = domain.StateApplied
		j.persistLocked(ctx, rec)
		rec.State = domain.StateAcknowledged
		rec.LastError = ""
		j.persistLocked(ctx, rec)
		j.logger.Debug("mutation applied",
			zap.Int64("sequence", rec.Sequence),
			zap.String("kind", string(rec.Kind)))
		return
	}

	if ctx.Err() != nil {
		// Cancellation is not the dependency's fault.
		j.logger.Info("mutation apply canceled", zap.Int64("sequence", rec.Sequence))
		return
	}

	rec.Attempts++
	rec.LastError = err.Error()
	if rec.Attempts > j.cfg.RetryCeiling {
		rec.State = domain.StateDeadLettered
		rec.NextAttemptAt = nil
		j.persistLocked(ctx, rec)
		j.logger.Error("mutation dead-lettered",
			zap.String("mutation_id", rec.ID.String()),
			zap.Int64("sequence", rec.Sequence),
			zap.String("kind", string(rec.Kind)),
			zap.Int("attempts", rec.Attempts),
			zap.Error(err))
		return
	}

	next := j.clock.Now().Add(j.backoff(rec.Attempts))
	rec.State = domain.StateFailed
	rec.NextAttemptAt = &next
	j.persistLocked(ctx, rec)
	j.logger.Warn("mutation apply failed",
		zap.Int64("sequence", rec.Sequence),
		zap.Int("attempts", rec.Attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(err))
}

func (j *Journal) backoff(attempts int) time.Duration {
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(j.cfg.Backoff) {
		i = len(j.cfg.Backoff) - 1
	}
	return j.cfg.Backoff[i]
}

func (j *Journal) apply(ctx context.Context, rec *domain.MutationRecord) error {
	switch rec.Kind {
	case domain.MutationCreateEntity:
		e := rec.Payload.Entity
		if err := j.graph.UpsertNode(ctx, e); err != nil {
			return fmt.Errorf("upsert node %s: %w", e.ID, err)
		}
		if len(e.Embedding) > 0 {
			if err := j.index.Index(ctx, e.ID, e.Embedding); err != nil {
				return fmt.Errorf("index entity %s: %w", e.ID, err)
			}
		}
		return nil
	case domain.MutationMergeEntity:
		if err := j.graph.UpsertNode(ctx, rec.Payload.Entity); err != nil {
			return fmt.Errorf("upsert node %s: %w", rec.Payload.Entity.ID, err)
		}
		return nil
	case domain.MutationCreateRelation, domain.MutationUpdateRelationEvidence:
		if err := j.graph.UpsertEdge(ctx, rec.Payload.Relation); err != nil {
			return fmt.Errorf("upsert edge %s: %w", rec.Payload.Relation.ID, err)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown mutation kind %q", domain.ErrMalformedInput, rec.Kind)
}

func (j *Journal) persistLocked(ctx context.Context, rec *domain.MutationRecord) {
	if err := j.store.UpdateState(ctx, rec); err != nil {
		// Recovery re-applies anything not recorded as terminal.
		j.logger.Warn("failed to persist mutation state",
			zap.Int64("sequence", rec.Sequence),
			zap.String("state", string(rec.State)),
			zap.Error(err))
	}
}

// saveCheckpointLocked moves the checkpoint to just below the oldest
// outstanding record.
func (j *Journal) saveCheckpointLocked(ctx context.Context) {
	cp := j.lastSeq
	for _, rec := range j.byID {
		if rec.Sequence-1 < cp {
			cp = rec.Sequence - 1
		}
	}
	if cp == j.checkpoint {
		return
	}
	if err := j.store.SaveCheckpoint(ctx, cp); err != nil {
		j.logger.Warn("failed to save journal checkpoint", zap.Int64("checkpoint", cp), zap.Error(err))
		return
	}
	j.checkpoint = cp
}

// Start runs RetryDue on a periodic schedule in a background goroutine.
func (j *Journal) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.cfg.RetryInterval)
		defer ticker.Stop()

		j.logger.Info("journal retrier started", zap.Duration("interval", j.cfg.RetryInterval))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if n, err := j.RetryDue(ctx); err != nil {
					j.logger.Warn("journal retry pass interrupted", zap.Error(err))
				} else if n > 0 {
					j.logger.Info("journal retry pass", zap.Int("attempted", n))
				}
				cancel()
			case <-j.stopCh:
				j.logger.Info("journal retrier stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the retrier.
func (j *Journal) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}
