// Package engine is the synchronization façade. An Engine owns the
// offline queue, the record-store client, and the conflict resolver,
// and hands out live Sessions that tie a shared document, peer
// presence, and a relay connection together for one collaboratively
// edited record.
//
// Engines are created explicitly and passed to whoever needs one.
// Nothing in this package is process-global, so tests and multi-tenant
// programs run isolated instances side by side.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dealsync/dealsync/internal/conn"
	"github.com/dealsync/dealsync/internal/protocol"
	"github.com/dealsync/dealsync/internal/queue"
	"github.com/dealsync/dealsync/internal/record"
	"github.com/dealsync/dealsync/internal/resolve"
)

// Config holds engine configuration.
type Config struct {
	// ClientID identifies this client to peers and the relay. Leave
	// empty to generate one.
	ClientID string

	// RelayURL is the websocket endpoint sessions dial, e.g.
	// ws://127.0.0.1:8737/sync. Without it sessions cannot be joined;
	// offline record work still runs.
	RelayURL string

	// Store is the record-store client. Required.
	Store record.Store

	// QueuePath is the offline queue database file. Required.
	QueuePath string

	// EntityTypes is the allow-list for session names and record
	// creation.
	EntityTypes []string

	// DefaultStrategy resolves record conflicts for sessions that did
	// not pick their own strategy.
	DefaultStrategy resolve.Strategy

	// PromptFunc is consulted by the prompt strategy. Without one,
	// prompt falls back to merge.
	PromptFunc resolve.PromptFunc

	// Transport dials relay connections. Defaults to the websocket
	// transport; tests inject fakes.
	Transport conn.Transport

	// DrainInterval is how often the queue is drained in the absence
	// of reconnect triggers.
	DrainInterval time.Duration

	// MaxQueueRetries caps replay attempts per queued operation.
	MaxQueueRetries int

	// ReconnectBaseDelay, ReconnectMaxDelay and ReconnectMaxAttempts
	// tune each session's reconnect loop.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	// AwarenessInterval and AwarenessTimeout tune presence coalescing
	// and peer liveness eviction.
	AwarenessInterval time.Duration
	AwarenessTimeout  time.Duration

	// Logger for engine activity. Component loggers inherit its
	// destination.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for everything but the
// required Store and QueuePath.
func DefaultConfig() *Config {
	return &Config{
		EntityTypes:     []string{"deal", "contact", "company"},
		DefaultStrategy: resolve.Merge,
		DrainInterval:   30 * time.Second,
		Logger:          log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine coordinates sessions, the offline queue, and the record
// store. Create with New, Start it, and Stop it when done.
type Engine struct {
	config   *Config
	store    record.Store
	outbox   *queue.Outbox
	resolver *resolve.Resolver
	logger   *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	started  bool

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	drainCh chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates an engine. The offline queue at config.QueuePath is
// opened (and locked to this process) immediately, so operations
// queued by an earlier run are ready to drain as soon as Start runs.
func New(config *Config) (*Engine, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}
	if config.QueuePath == "" {
		return nil, fmt.Errorf("queue path cannot be empty")
	}
	defaults := DefaultConfig()
	if config.ClientID == "" {
		config.ClientID = uuid.NewString()
	}
	if len(config.EntityTypes) == 0 {
		config.EntityTypes = defaults.EntityTypes
	}
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = defaults.DefaultStrategy
	}
	if config.Transport == nil {
		config.Transport = conn.WebsocketTransport{}
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = defaults.DrainInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	resolver := resolve.New(
		resolve.WithDefaultStrategy(config.DefaultStrategy),
		resolve.WithPromptFunc(config.PromptFunc),
		resolve.WithLogger(config.Logger),
	)
	if !resolver.Known(config.DefaultStrategy) {
		return nil, fmt.Errorf("unknown conflict strategy %q", config.DefaultStrategy)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:   config,
		store:    config.Store,
		resolver: resolver,
		logger:   config.Logger,
		sessions: make(map[string]*Session),
		subs:     make(map[int]func(Event)),
		drainCh:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	outbox, err := queue.Open(queue.Config{
		Path:       config.QueuePath,
		MaxRetries: config.MaxQueueRetries,
		Logger:     log.New(config.Logger.Writer(), "[queue] ", log.LstdFlags),
		OnExhausted: func(ex *queue.ExhaustedError) {
			e.publish(QueueExhaustedEvent{Op: ex.Op, Attempts: ex.Attempts, Err: ex.Err})
		},
		OnIDAssigned: func(placeholder, serverID string, updatedAt time.Time) {
			e.logger.Printf("Record %s is now %s", placeholder, serverID)
			if s := e.sessionForEntityID(placeholder); s != nil {
				s.rebind(serverID, updatedAt)
			}
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open offline queue: %w", err)
	}
	e.outbox = outbox
	return e, nil
}

// Start launches the queue drain loop. The context bounds the engine's
// lifetime: when it is cancelled the engine shuts down as if Stop were
// called, which is how signal handling reaches it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		select {
		case <-ctx.Done():
			e.cancel()
		case <-e.ctx.Done():
		}
	}()
	go e.drainLoop()

	// Replay anything a previous run left behind.
	e.requestDrain()
	return nil
}

// Stop leaves every live session, stops the drain loop, and closes the
// queue. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		sessions := make([]*Session, 0, len(e.sessions))
		for _, s := range e.sessions {
			sessions = append(sessions, s)
		}
		e.mu.Unlock()
		for _, s := range sessions {
			s.Leave()
		}

		e.cancel()
		e.wg.Wait()
		if err := e.outbox.Close(); err != nil {
			e.logger.Printf("Warning: failed to close queue: %v", err)
		}
	})
}

// ClientID returns the identity this engine presents to peers.
func (e *Engine) ClientID() string {
	return e.config.ClientID
}

// Subscribe registers fn for every event the engine publishes.
// Callbacks run on whichever goroutine produced the event and must not
// block. The returned function unsubscribes; calling it twice is
// harmless.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
		})
	}
}

func (e *Engine) publish(ev Event) {
	e.subMu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// JoinSession joins the collaborative session for one record. The name
// is <namespace>:<entityType>:<entityId>; a malformed name or an
// entity type outside the allow-list returns a *ValidationError.
// Joining a session that is already live returns the live session.
//
// The returned session is usable immediately: connecting, syncing, and
// the version baseline fetch all proceed in the background, so joining
// never waits on connectivity.
func (e *Engine) JoinSession(ctx context.Context, name string, opts ...Option) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseSessionName(name)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}
	if !e.allowedEntityType(parsed.EntityType) {
		return nil, validationf("entity type %q is not allowed (expected one of %s)",
			parsed.EntityType, strings.Join(e.config.EntityTypes, ", "))
	}
	if e.config.RelayURL == "" {
		return nil, fmt.Errorf("no relay URL configured")
	}

	key := parsed.String()
	e.mu.Lock()
	defer e.mu.Unlock()

	// A session mid-Leave still occupies its slot until teardown
	// finishes; replace it rather than resurrect it.
	if s, ok := e.sessions[key]; ok && s.ctx.Err() == nil {
		return s, nil
	}
	s, err := newSession(e, parsed, opts)
	if err != nil {
		return nil, err
	}
	e.sessions[key] = s
	s.start()
	e.logger.Printf("Joined session %s", key)
	return s, nil
}

// CreateRecord writes a new record through the store, online or off.
// When the store is reachable the server-assigned entity comes back;
// when it is not, the create is queued and the returned entity carries
// a placeholder ID that replay later substitutes with the real one.
func (e *Engine) CreateRecord(ctx context.Context, entityType string, fields map[string]any) (record.Entity, error) {
	if !e.allowedEntityType(entityType) {
		return record.Entity{}, validationf("entity type %q is not allowed (expected one of %s)",
			entityType, strings.Join(e.config.EntityTypes, ", "))
	}

	ent, err := e.store.Create(ctx, entityType, fields)
	if err == nil {
		return ent, nil
	}
	if !record.IsTransient(err) {
		return record.Entity{}, err
	}

	placeholder := queue.LocalIDPrefix + uuid.NewString()
	op := queue.Op{
		Kind:       queue.KindCreate,
		EntityType: entityType,
		EntityID:   placeholder,
		Fields:     fields,
	}
	if _, err := e.outbox.Enqueue(ctx, op); err != nil {
		return record.Entity{}, fmt.Errorf("failed to queue create: %w", err)
	}
	e.logger.Printf("Store unreachable, queued create of %s as %s", entityType, placeholder)
	e.requestDrain()
	return record.Entity{ID: placeholder, Fields: fields}, nil
}

// QueueLen reports how many operations are waiting to replay.
func (e *Engine) QueueLen(ctx context.Context) (int, error) {
	return e.outbox.Len(ctx)
}

// Flush drains the offline queue synchronously and reports what
// happened, unlike the background drain loop. Works whether or not the
// engine is started; concurrent drains serialize.
func (e *Engine) Flush(ctx context.Context) (queue.DrainStats, error) {
	return e.outbox.Drain(ctx, e.applyOp)
}

func (e *Engine) allowedEntityType(entityType string) bool {
	for _, allowed := range e.config.EntityTypes {
		if entityType == allowed {
			return true
		}
	}
	return false
}

func (e *Engine) removeSession(key string, s *Session) {
	e.mu.Lock()
	if e.sessions[key] == s {
		delete(e.sessions, key)
	}
	e.mu.Unlock()
}

// sessionFor returns the live session editing the given record, if
// any. A session joined on a placeholder matches its server ID once
// the create has replayed.
func (e *Engine) sessionFor(entityType, entityID string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		if s.name.EntityType == entityType && s.currentEntityID() == entityID {
			return s
		}
	}
	return nil
}

// sessionForEntityID finds a session by entity ID alone. Placeholder
// IDs are unique across entity types, which is what this is for.
func (e *Engine) sessionForEntityID(entityID string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		if s.currentEntityID() == entityID {
			return s
		}
	}
	return nil
}

// requestDrain schedules a queue drain without blocking. Back-to-back
// requests coalesce into one pass.
func (e *Engine) requestDrain() {
	select {
	case e.drainCh <- struct{}{}:
	default:
	}
}

func (e *Engine) drainLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		case <-e.drainCh:
		}
		e.drain()
	}
}

func (e *Engine) drain() {
	n, err := e.outbox.Len(e.ctx)
	if err != nil || n == 0 {
		return
	}
	stats, err := e.outbox.Drain(e.ctx, e.applyOp)
	if err != nil {
		if e.ctx.Err() == nil {
			e.logger.Printf("Warning: queue drain aborted: %v", err)
		}
		return
	}
	if stats.Applied > 0 || stats.Dropped > 0 {
		e.logger.Printf("Queue drain: %d applied, %d kept, %d dropped",
			stats.Applied, stats.Kept, stats.Dropped)
	}
}

// applyOp replays one queued operation against the record store.
func (e *Engine) applyOp(ctx context.Context, op queue.Op) (queue.ApplyResult, error) {
	switch op.Kind {
	case queue.KindCreate:
		ent, err := e.store.Create(ctx, op.EntityType, op.Fields)
		if err != nil {
			return queue.ApplyResult{}, classifyApplyErr(err)
		}
		return queue.ApplyResult{ServerID: ent.ID, UpdatedAt: ent.UpdatedAt}, nil

	case queue.KindUpdate:
		var expected time.Time
		if op.ExpectedUpdatedAt != nil {
			expected = *op.ExpectedUpdatedAt
		}
		ent, err := e.store.Update(ctx, op.EntityType, op.EntityID, op.Fields, expected)
		if err == nil {
			if s := e.sessionFor(op.EntityType, op.EntityID); s != nil {
				s.setVersion(ent.UpdatedAt)
			}
			return queue.ApplyResult{UpdatedAt: ent.UpdatedAt}, nil
		}
		var conflict *record.ConflictError
		if errors.As(err, &conflict) {
			resolved, rerr := e.resolveConflict(ctx, op.EntityType, op.EntityID, op.Fields, conflict.Current)
			if rerr != nil {
				return queue.ApplyResult{}, classifyApplyErr(rerr)
			}
			return queue.ApplyResult{UpdatedAt: resolved.UpdatedAt}, nil
		}
		return queue.ApplyResult{}, classifyApplyErr(err)

	case queue.KindDelete:
		if err := e.store.Delete(ctx, op.EntityType, op.EntityID); err != nil {
			return queue.ApplyResult{}, classifyApplyErr(err)
		}
		return queue.ApplyResult{}, nil
	}
	return queue.ApplyResult{}, fmt.Errorf("unknown operation kind %q", op.Kind)
}

// classifyApplyErr tags network-level failures so the queue defers the
// whole drain instead of charging the first operation in line a retry.
func classifyApplyErr(err error) error {
	if record.IsUnreachable(err) {
		return fmt.Errorf("%w: %v", queue.ErrUnreachable, err)
	}
	return err
}

// resolveConflict runs the conflict strategy for one record and writes
// the resolution back to the store. Another writer can land between
// the resolution and the write-back, so it re-resolves against the
// fresh copy a bounded number of times.
func (e *Engine) resolveConflict(ctx context.Context, entityType, entityID string, local map[string]any, current record.Entity) (record.Entity, error) {
	strategy := e.strategyFor(entityType, entityID)
	const attempts = 3
	for i := 0; i < attempts; i++ {
		res, err := e.resolver.Resolve(local, current.Fields, strategy)
		if err != nil {
			return record.Entity{}, fmt.Errorf("failed to resolve conflict on %s/%s: %w", entityType, entityID, err)
		}
		ent, err := e.store.Update(ctx, entityType, entityID, res.Resolved, current.UpdatedAt)
		if err == nil {
			e.logger.Printf("Conflict on %s/%s resolved by %s", entityType, entityID, strategy)
			e.publish(ConflictResolvedEvent{
				EntityType: entityType,
				EntityID:   entityID,
				Strategy:   strategy,
				Source:     res.Source,
				Resolved:   res.Resolved,
			})
			if s := e.sessionFor(entityType, entityID); s != nil {
				s.applyResolution(res.Resolved, ent.UpdatedAt)
			}
			return ent, nil
		}
		var conflict *record.ConflictError
		if errors.As(err, &conflict) {
			current = conflict.Current
			continue
		}
		return record.Entity{}, err
	}
	return record.Entity{}, fmt.Errorf("conflict on %s/%s persisted through %d resolution attempts", entityType, entityID, attempts)
}

func (e *Engine) strategyFor(entityType, entityID string) resolve.Strategy {
	if s := e.sessionFor(entityType, entityID); s != nil {
		return s.strategy
	}
	return e.config.DefaultStrategy
}
