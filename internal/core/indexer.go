package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/observability"

	"github.com/rs/zerolog"
)

// ErrDedupUnavailable is returned when the durable dedup tier cannot answer.
// The event must be retried; applying it could double count.
var ErrDedupUnavailable = errors.New("dedup store unavailable")

var (
	// ErrIndexerClosed is returned after Close.
	ErrIndexerClosed = errors.New("indexer closed")
	// ErrIndexerHalted means an applied event could not be handed to the
	// persist channel. In-memory state is ahead of the log; restart and replay.
	ErrIndexerHalted = errors.New("indexer halted with unpersisted state")
)

// PayloadEncoder renders an event into the wire bytes stored in the event log.
type PayloadEncoder func(event.Event) ([]byte, error)

// Output is what the indexer emits for every applied event.
type Output struct {
	Envelope *event.EventEnvelope
	Changes  *ledger.Changes
}

// Config wires an Indexer.
type Config struct {
	// Next sequence to assign. Sequences start at 1.
	StartSequence int64
	LRUCapacity   int

	DBChecker DBIdempotencyChecker
	Resolver  ledger.NameResolver
	Encode    PayloadEncoder

	PersistChan    chan<- Output // blocking
	ProjectionChan chan<- Output // non-blocking, may be nil
	PublishChan    chan<- Output // non-blocking, may be nil

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Indexer is the single-writer event processor:
// dedup -> ordering -> reduce -> hash -> emit.
type Indexer struct {
	mu sync.Mutex

	sequence    int64
	state       *ledger.State
	reducer     *ledger.Reducer
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	ordering    *OrderValidator
	encode      PayloadEncoder

	persistChan    chan<- Output
	projectionChan chan<- Output
	publishChan    chan<- Output

	stopping chan struct{}
	stopOnce sync.Once
	closed   bool
	halted   error

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewIndexer(cfg Config) (*Indexer, error) {
	if cfg.PersistChan == nil {
		return nil, errors.New("indexer: persist channel is required")
	}
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 1_000_000
	}
	if cfg.StartSequence <= 0 {
		cfg.StartSequence = 1
	}
	idem, err := NewIdempotencyChecker(cfg.LRUCapacity, cfg.DBChecker, cfg.Metrics)
	if err != nil {
		return nil, err
	}
	return &Indexer{
		sequence:       cfg.StartSequence,
		state:          ledger.NewState(),
		reducer:        ledger.NewReducer(cfg.Resolver),
		hasher:         NewStateHasher(),
		idempotency:    idem,
		ordering:       NewOrderValidator(),
		encode:         cfg.Encode,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
		publishChan:    cfg.PublishChan,
		stopping:       make(chan struct{}),
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
	}, nil
}

// ProcessEvent runs one live event through the pipeline. A duplicate returns
// nil without effect. Malformed and out-of-order events return an error and
// leave state untouched; ErrDedupUnavailable means the caller must retry.
//
// ctx is honoured only until the reducer runs. After that the event is
// committed in memory and the persist send waits for the channel regardless
// of ctx; only Close interrupts it, which halts the indexer.
func (ix *Indexer) ProcessEvent(ctx context.Context, evt event.Event) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()

	// Step 1: idempotency (two-tier)
	isDuplicate, err := ix.idempotency.IsDuplicate(ctx, eventType, key)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDedupUnavailable, key, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Step 2: payload for the event log. Encoded before anything moves so an
	// encoder failure leaves no trace.
	var payload []byte
	if !isDuplicate && ix.encode != nil {
		if payload, err = ix.encode(evt); err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
	}

	// Step 3: chain order within the vault
	if err := ix.ordering.Validate(partitionFor(evt), evt.Position(), isDuplicate); err != nil {
		ix.reject(eventType, "out_of_order")
		if ix.metrics != nil {
			ix.metrics.EventOutOfOrder.Inc()
		}
		return err
	}

	if isDuplicate {
		ix.reject(eventType, "duplicate")
		return nil
	}

	// Step 4: reduce
	changes, err := ix.reducer.Apply(ctx, ix.state, evt)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownVault) {
			ix.reject(eventType, "unknown_vault")
		} else {
			ix.reject(eventType, "malformed")
		}
		return fmt.Errorf("apply %s %s: %w", eventType, key, err)
	}
	ix.recordWarnings(changes)

	// Step 5: hash chain
	prevHash := ix.hasher.GetPrevHash()
	stateHash := ix.hasher.ComputeHash(ix.sequence, Digest(changes))

	envelope := &event.EventEnvelope{
		Sequence:       ix.sequence,
		IdempotencyKey: key,
		EventType:      evt.EventType(),
		VaultID:        evt.VaultID(),
		Position:       evt.Position(),
		Timestamp:      evt.Timestamp(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	out := Output{Envelope: envelope, Changes: changes}

	// Step 6: emit. Persistence blocks (backpressure); projections and the
	// outbound feed drop on full and are rebuilt from the store.
	if err := ix.sendPersist(out); err != nil {
		ix.halted = err
		ix.logger.Error().Err(err).Str("key", key).Msg("indexer halted")
		return err
	}
	ix.sendNonBlocking(ix.projectionChan, out, "user_stats")
	if ix.publishChan != nil {
		select {
		case ix.publishChan <- out:
		default:
			if ix.metrics != nil {
				ix.metrics.PublishDrops.Inc()
			}
		}
	}

	// Step 7: mark processed
	ix.idempotency.MarkProcessed(key)
	ix.sequence++

	if ix.metrics != nil {
		ix.metrics.IndexerEventsApplied.WithLabelValues(eventType).Inc()
		ix.metrics.IndexerEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		ix.metrics.IndexerSequence.Set(float64(ix.sequence))
	}
	return nil
}

func (ix *Indexer) sendPersist(out Output) error {
	select {
	case ix.persistChan <- out:
		return nil
	default:
	}
	if ix.metrics != nil {
		ix.metrics.PersistBackpressure.Inc()
	}
	select {
	case ix.persistChan <- out:
		return nil
	case <-ix.stopping:
		return fmt.Errorf("%w: seq %d", ErrIndexerHalted, out.Envelope.Sequence)
	}
}

func (ix *Indexer) usable() error {
	if ix.closed {
		return ErrIndexerClosed
	}
	return ix.halted
}

// Close stops the indexer and closes its output channels so downstream
// workers drain and exit. A ProcessEvent still blocked on the persist channel
// is released with ErrIndexerHalted. Callers must stop intake first.
func (ix *Indexer) Close() {
	ix.stopOnce.Do(func() { close(ix.stopping) })

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return
	}
	ix.closed = true
	close(ix.persistChan)
	if ix.projectionChan != nil {
		close(ix.projectionChan)
	}
	if ix.publishChan != nil {
		close(ix.publishChan)
	}
}

// Err reports whether the indexer halted. A halted indexer must not be
// snapshotted.
func (ix *Indexer) Err() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.halted
}

// ReplayEvent re-applies an event already in the log. It skips the durable
// dedup lookup, verifies the stored hash and emits nothing.
func (ix *Indexer) ReplayEvent(ctx context.Context, env *event.EventEnvelope, evt event.Event) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.usable(); err != nil {
		return err
	}

	key := evt.IdempotencyKey()
	if ix.idempotency.lru.Contains(key) {
		return nil
	}
	if err := ix.ordering.Validate(partitionFor(evt), evt.Position(), false); err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}

	changes, err := ix.reducer.Apply(ctx, ix.state, evt)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}

	if env.PrevHash != ix.hasher.GetPrevHash() {
		return fmt.Errorf("%w: seq %d prev hash", ErrHashMismatch, env.Sequence)
	}
	hash := ix.hasher.ComputeHash(env.Sequence, Digest(changes))
	if hash != env.StateHash {
		return fmt.Errorf("%w: seq %d", ErrHashMismatch, env.Sequence)
	}

	ix.idempotency.MarkProcessed(key)
	ix.sequence = env.Sequence + 1
	if ix.metrics != nil {
		ix.metrics.ReplayEventsTotal.Inc()
		ix.metrics.IndexerSequence.Set(float64(ix.sequence))
	}
	return nil
}

func (ix *Indexer) sendNonBlocking(ch chan<- Output, out Output, projection string) {
	if ch == nil {
		return
	}
	select {
	case ch <- out:
	default:
		if ix.metrics != nil {
			ix.metrics.ProjectionDrops.WithLabelValues(projection).Inc()
		}
	}
}

func (ix *Indexer) reject(eventType, reason string) {
	if ix.metrics != nil {
		ix.metrics.IndexerEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (ix *Indexer) recordWarnings(changes *ledger.Changes) {
	for _, w := range changes.Warnings {
		ix.logger.Warn().
			Str("kind", string(w.Kind)).
			Str("vault", w.VaultID).
			Str("user", w.UserID).
			Msg(w.Detail)
		if ix.metrics != nil {
			ix.metrics.DataQualityWarnings.WithLabelValues(string(w.Kind)).Inc()
		}
	}
}

// --- Snapshot restore & startup ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	// Last applied sequence
	Sequence        int64
	StateHash       [32]byte
	Ledger          *ledger.Snapshot
	Ordering        map[string]event.Position
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current state under the indexer lock.
func (ix *Indexer) CreateSnapshotState() *SnapshotState {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return &SnapshotState{
		Sequence:        ix.sequence - 1,
		StateHash:       ix.hasher.GetPrevHash(),
		Ledger:          ix.state.Export(),
		Ordering:        ix.ordering.Export(),
		IdempotencyKeys: ix.idempotency.Keys(),
	}
}

// RestoreFromSnapshot replaces the in-memory state. Call before replay.
func (ix *Indexer) RestoreFromSnapshot(snap *SnapshotState) error {
	st, err := ledger.Restore(snap.Ledger)
	if err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.state = st
	ix.sequence = snap.Sequence + 1
	ix.hasher.SetPrevHash(snap.StateHash)
	for partition, pos := range snap.Ordering {
		ix.ordering.Restore(partition, pos)
	}
	ix.idempotency.Warm(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU tier.
func (ix *Indexer) WarmLRU(keys []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.idempotency.Warm(keys)
}

// Sequence returns the next sequence to assign.
func (ix *Indexer) Sequence() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.sequence
}

// StateHash returns the chain tip.
func (ix *Indexer) StateHash() [32]byte {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.hasher.GetPrevHash()
}

// View runs fn against the live state under the indexer lock. fn must not
// retain st.
func (ix *Indexer) View(fn func(st *ledger.State)) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	fn(ix.state)
}

// VerifyInvariants checks conservation, share partition and non-negativity
// across all vaults.
func (ix *Indexer) VerifyInvariants() []error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ledger.NewInvariantValidator(ix.state).ValidateAll()
}
