package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dealsync/dealsync/internal/awareness"
	"github.com/dealsync/dealsync/internal/conn"
	"github.com/dealsync/dealsync/internal/crdt"
	"github.com/dealsync/dealsync/internal/protocol"
	"github.com/dealsync/dealsync/internal/queue"
	"github.com/dealsync/dealsync/internal/record"
	"github.com/dealsync/dealsync/internal/resolve"
)

// Option customizes one joined session.
type Option func(*Session)

// WithStrategy picks the conflict strategy for records edited through
// this session, overriding the engine default.
func WithStrategy(s resolve.Strategy) Option {
	return func(sess *Session) { sess.strategy = s }
}

// TextField is the presentation hook for collaborative text: anything
// that can show a string. SetText receives the full text after every
// change that touches it and must not block.
type TextField interface {
	SetText(string)
}

// PresenceIndicator is the presentation hook for peer presence.
// SetPeers receives the current states whenever they change and must
// not block.
type PresenceIndicator interface {
	SetPeers([]awareness.State)
}

// Session is one live collaborative record: a shared document, the
// presence of everyone viewing it, and the relay link keeping both in
// sync.
//
// Mutating methods hand their work to the session's event loop, so
// changes apply in submission order without caller-side locking.
// Store and network propagation happen asynchronously; no mutation
// ever waits on connectivity.
type Session struct {
	name     protocol.SessionName
	engine   *Engine
	doc      *crdt.Document
	tracker  *awareness.Tracker
	manager  *conn.Manager
	strategy resolve.Strategy
	logger   *log.Logger

	calls chan func()
	sends chan crdt.Delta

	// entityID is the record the session's mutations target. It starts
	// as the entity ID in the session name and is swapped for the
	// server-assigned ID when a record created offline reaches the
	// store.
	idMu     sync.Mutex
	entityID string

	// version is the record timestamp this client last reconciled
	// against; owned by the event loop.
	version time.Time

	indMu      sync.Mutex
	indicators map[int]PresenceIndicator
	nextInd    int

	unobserve func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	left   sync.Once
}

// newSession wires a session's document, tracker, and connection
// manager. Called with the engine's session table locked; it must not
// call back into the engine synchronously.
func newSession(e *Engine, name protocol.SessionName, opts []Option) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		name:       name,
		engine:     e,
		doc:        crdt.NewDocument(e.config.ClientID),
		strategy:   e.config.DefaultStrategy,
		logger:     e.logger,
		calls:      make(chan func()),
		sends:      make(chan crdt.Delta, 256),
		entityID:   name.EntityID,
		indicators: make(map[int]PresenceIndicator),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !e.resolver.Known(s.strategy) {
		cancel()
		return nil, fmt.Errorf("unknown conflict strategy %q", s.strategy)
	}

	s.tracker = awareness.New(&awareness.Config{
		ClientID: e.config.ClientID,
		Interval: e.config.AwarenessInterval,
		Timeout:  e.config.AwarenessTimeout,
		Logger:   log.New(e.logger.Writer(), "[awareness] ", log.LstdFlags),
		OnBroadcast: func(st awareness.State) {
			go s.send(protocol.MessageAwareness, st)
		},
		OnPeersChanged: func() {
			s.notifyPeers()
		},
	})

	mgr, err := conn.New(e.config.Transport, &conn.Config{
		URL:         e.config.RelayURL,
		BaseDelay:   e.config.ReconnectBaseDelay,
		MaxDelay:    e.config.ReconnectMaxDelay,
		MaxAttempts: e.config.ReconnectMaxAttempts,
		Logger:      log.New(e.logger.Writer(), "[conn] ", log.LstdFlags),
		OnStateChange: func(st conn.State) {
			e.publish(StateEvent{Session: name.String(), State: st})
		},
		OnConnect: func(c conn.Conn) {
			s.wg.Add(1)
			go s.readLoop(c)
		},
		OnReconnectFailed: func(err error) {
			e.publish(ReconnectFailedEvent{Session: name.String(), Err: err})
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}
	s.manager = mgr

	s.unobserve = s.doc.Observe(func(c crdt.Change) {
		e.publish(DocumentEvent{Session: name.String(), Change: c})
		if c.Local {
			s.queueSend(c.Delta)
		}
	})
	return s, nil
}

// start launches the event loop and begins connecting.
func (s *Session) start() {
	s.wg.Add(2)
	go s.loop()
	go s.sendLoop()
	s.tracker.Start()
	s.manager.Start()

	if !queue.IsLocalID(s.name.EntityID) {
		s.wg.Add(1)
		go s.fetchVersion(s.name.EntityID)
	}
}

// currentEntityID returns the record ID mutations target right now.
func (s *Session) currentEntityID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return s.entityID
}

// rebind points the session at the server-assigned record ID after a
// queued create replays, and seeds the version baseline from the
// created record. The session name is unchanged; only store traffic
// switches to the new ID.
func (s *Session) rebind(serverID string, updatedAt time.Time) {
	s.idMu.Lock()
	s.entityID = serverID
	s.idMu.Unlock()
	s.setVersion(updatedAt)
	s.logger.Printf("Session %s now writes to record %s", s.name, serverID)
}

// Name returns the session name, <namespace>:<entityType>:<entityId>.
func (s *Session) Name() string {
	return s.name.String()
}

// State returns the connection state of the session's relay link.
func (s *Session) State() conn.State {
	return s.manager.State()
}

// Reconnect restarts the relay link after the retry budget was
// exhausted. No-op unless the session is in the failed state.
func (s *Session) Reconnect() {
	s.manager.Reconnect()
}

// Version returns the record-store timestamp this session last
// reconciled against. Zero until the first round-trip with the store.
func (s *Session) Version() time.Time {
	var v time.Time
	_ = s.call(func() { v = s.version })
	return v
}

// Mutate applies field changes optimistically: the shared document
// updates (and propagates to peers) immediately, and the record store
// is updated in the background using the last seen version. An
// unreachable or unhealthy store routes the change into the offline
// queue; a version conflict goes through the conflict resolver.
func (s *Session) Mutate(fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	var applyErr error
	err := s.call(func() {
		_, applyErr = s.doc.Update(func(tx *crdt.Txn) error {
			for k, v := range copied {
				if err := tx.Set(k, v); err != nil {
					return err
				}
			}
			return nil
		})
		if applyErr != nil {
			return
		}
		base := s.version
		id := s.currentEntityID()
		s.wg.Add(1)
		go s.pushUpdate(id, copied, base)
	})
	if err != nil {
		return err
	}
	return applyErr
}

// InsertText inserts text at the given visible rune offset in the
// collaborative text.
func (s *Session) InsertText(offset int, text string) error {
	var applyErr error
	if err := s.call(func() {
		_, applyErr = s.doc.Update(func(tx *crdt.Txn) error {
			return tx.InsertText(offset, text)
		})
	}); err != nil {
		return err
	}
	return applyErr
}

// DeleteText removes n visible runes starting at offset.
func (s *Session) DeleteText(offset, n int) error {
	var applyErr error
	if err := s.call(func() {
		_, applyErr = s.doc.Update(func(tx *crdt.Txn) error {
			return tx.DeleteText(offset, n)
		})
	}); err != nil {
		return err
	}
	return applyErr
}

// AppendActivity appends an immutable event to the session's activity
// log. Activity entries replicate but never touch the record store.
func (s *Session) AppendActivity(kind string, data any) error {
	var applyErr error
	if err := s.call(func() {
		_, applyErr = s.doc.Update(func(tx *crdt.Txn) error {
			return tx.AppendActivity(kind, data)
		})
	}); err != nil {
		return err
	}
	return applyErr
}

// SetPresence merges fields into this client's ephemeral presence.
// The value under "user" identifies the person; changing it broadcasts
// immediately, everything else coalesces into the next broadcast
// window. Presence is never persisted or queued.
func (s *Session) SetPresence(fields map[string]any) error {
	partial := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal presence field %s: %w", k, err)
		}
		partial[k] = raw
	}
	s.tracker.SetLocal(partial)
	return nil
}

// Peers returns the known presence states, this client included.
func (s *Session) Peers() []awareness.State {
	return s.tracker.States()
}

// Text returns the current collaborative text.
func (s *Session) Text() string {
	return s.doc.Text()
}

// Properties returns a snapshot of the document's record fields.
func (s *Session) Properties() map[string]json.RawMessage {
	return s.doc.Properties()
}

// Activity returns the activity log in its stable order.
func (s *Session) Activity() []crdt.Entry {
	return s.doc.Activity()
}

// BindTextField keeps f showing the collaborative text: filled
// immediately, refreshed after every change that touches the text.
// The returned function unbinds it.
func (s *Session) BindTextField(f TextField) func() {
	f.SetText(s.doc.Text())
	return s.doc.Observe(func(c crdt.Change) {
		if len(c.Delta.Inserts) == 0 && len(c.Delta.Deletes) == 0 {
			return
		}
		f.SetText(s.doc.Text())
	})
}

// BindPresenceIndicator keeps p showing who is in the session: filled
// immediately, refreshed as peers come, go, and change state. The
// returned function unbinds it.
func (s *Session) BindPresenceIndicator(p PresenceIndicator) func() {
	s.indMu.Lock()
	id := s.nextInd
	s.nextInd++
	s.indicators[id] = p
	s.indMu.Unlock()

	p.SetPeers(s.tracker.States())

	var once sync.Once
	return func() {
		once.Do(func() {
			s.indMu.Lock()
			delete(s.indicators, id)
			s.indMu.Unlock()
		})
	}
}

// Leave tears the session down: tells peers, stops reconnecting
// (cancelling any backoff wait or in-flight dial), stops presence
// tracking, and detaches observers and bindings. Queued offline work
// is untouched and outlives the session. Leaving twice is harmless.
func (s *Session) Leave() {
	s.left.Do(s.leave)
}

func (s *Session) leave() {
	// Best effort; absorbed when the link is down.
	s.send(protocol.MessageLeave, nil)

	s.cancel()
	s.manager.Stop()
	s.tracker.Stop()
	s.wg.Wait()
	s.unobserve()

	s.indMu.Lock()
	s.indicators = make(map[int]PresenceIndicator)
	s.indMu.Unlock()

	s.engine.removeSession(s.name.String(), s)
	s.logger.Printf("Left session %s", s.name)
}

// loop is the session's actor: every state change runs here, in
// submission order.
func (s *Session) loop() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.calls:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

// post hands fn to the event loop without waiting for it to run.
// Dropped once the session has left.
func (s *Session) post(fn func()) {
	select {
	case s.calls <- fn:
	case <-s.ctx.Done():
	}
}

// call runs fn on the event loop and waits for it to finish.
func (s *Session) call(fn func()) error {
	done := make(chan struct{})
	select {
	case s.calls <- func() { fn(); close(done) }:
	case <-s.ctx.Done():
		return fmt.Errorf("session %s has left", s.name)
	}
	select {
	case <-done:
		return nil
	case <-s.ctx.Done():
		// The loop may have accepted fn just before shutdown.
		select {
		case <-done:
			return nil
		default:
			return fmt.Errorf("session %s has left", s.name)
		}
	}
}

// fetchVersion establishes the optimistic-concurrency baseline from
// the store. Failure is fine: the first write then applies
// unconditionally and establishes one.
func (s *Session) fetchVersion(entityID string) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	ent, err := s.engine.store.Read(ctx, s.name.EntityType, entityID)
	if err != nil {
		s.logger.Printf("No version baseline for %s yet: %v", s.name, err)
		return
	}
	s.setVersion(ent.UpdatedAt)
}

func (s *Session) setVersion(t time.Time) {
	s.post(func() {
		if t.After(s.version) {
			s.version = t
		}
	})
}

// applyResolution makes the session document reflect a store-side
// conflict resolution, which also propagates it to peers.
func (s *Session) applyResolution(resolved map[string]any, updatedAt time.Time) {
	s.post(func() {
		if updatedAt.After(s.version) {
			s.version = updatedAt
		}
		_, err := s.doc.Update(func(tx *crdt.Txn) error {
			for k, v := range resolved {
				if err := tx.Set(k, v); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.logger.Printf("Warning: failed to write back resolution for %s: %v", s.name, err)
		}
	})
}

// pushUpdate reconciles one mutation with the record store in the
// background.
func (s *Session) pushUpdate(entityID string, fields map[string]any, base time.Time) {
	defer s.wg.Done()

	// A record created offline has no server copy to update yet; the
	// queued create must land first, so the update queues behind it.
	if queue.IsLocalID(entityID) {
		s.enqueue(queue.KindUpdate, entityID, fields, nil)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
	defer cancel()

	var expected *time.Time
	if !base.IsZero() {
		t := base
		expected = &t
	}

	ent, err := s.engine.store.Update(ctx, s.name.EntityType, entityID, fields, base)
	if err == nil {
		s.setVersion(ent.UpdatedAt)
		return
	}

	var conflict *record.ConflictError
	if errors.As(err, &conflict) {
		if _, rerr := s.engine.resolveConflict(ctx, s.name.EntityType, entityID, fields, conflict.Current); rerr != nil {
			s.logger.Printf("Warning: conflict on %s not resolved, queueing update: %v", s.name, rerr)
			s.enqueue(queue.KindUpdate, entityID, fields, expected)
		}
		return
	}

	s.logger.Printf("Store update for %s deferred: %v", s.name, err)
	s.enqueue(queue.KindUpdate, entityID, fields, expected)
}

// enqueue hands a mutation to the offline queue. Uses a fresh context:
// queued work must survive the session that produced it.
func (s *Session) enqueue(kind queue.Kind, entityID string, fields map[string]any, expected *time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	op := queue.Op{
		Kind:              kind,
		EntityType:        s.name.EntityType,
		EntityID:          entityID,
		Fields:            fields,
		ExpectedUpdatedAt: expected,
	}
	if _, err := s.engine.outbox.Enqueue(ctx, op); err != nil {
		s.logger.Printf("Warning: failed to queue %s for %s: %v", kind, s.name, err)
		return
	}
	s.engine.requestDrain()
}

// queueSend hands a delta to the sender goroutine. A full buffer drops
// the delta: the link is behind anyway, and the state exchange on the
// next sync repairs anything missed.
func (s *Session) queueSend(delta crdt.Delta) {
	select {
	case s.sends <- delta:
	default:
		s.logger.Printf("Warning: send buffer full, dropping delta for %s", s.name)
	}
}

func (s *Session) sendLoop() {
	defer s.wg.Done()
	for {
		select {
		case delta := <-s.sends:
			s.send(protocol.MessageDelta, delta)
		case <-s.ctx.Done():
			return
		}
	}
}

// send encodes one envelope and transmits it on the current link;
// absorbed when the link is down.
func (s *Session) send(t protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(t, s.name.String(), s.engine.config.ClientID, payload)
	if err != nil {
		s.logger.Printf("Warning: failed to build %s envelope: %v", t, err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		s.logger.Printf("Warning: failed to encode %s envelope: %v", t, err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.manager.Send(ctx, data); err != nil && s.ctx.Err() == nil {
		s.logger.Printf("Warning: failed to send %s for %s: %v", t, s.name, err)
	}
}

// readLoop owns one live connection: it runs the session handshake and
// then pumps relay messages until the connection dies.
func (s *Session) readLoop(c conn.Conn) {
	defer s.wg.Done()

	if err := s.handshake(c); err != nil {
		if s.ctx.Err() == nil {
			s.logger.Printf("Handshake for %s failed: %v", s.name, err)
			s.manager.ReportFailure(err)
		}
		return
	}

	// Synced again: anything queued while offline can replay now.
	s.engine.requestDrain()

	for {
		data, err := c.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.manager.ReportFailure(err)
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Printf("Warning: dropping malformed relay message: %v", err)
			continue
		}
		s.dispatch(env)
	}
}

// handshake offers the local document state and merges the relay's
// authoritative reply, bringing this replica and the relay to the same
// state regardless of what either missed.
func (s *Session) handshake(c conn.Conn) error {
	hello, err := protocol.NewEnvelope(protocol.MessageHello, s.name.String(), s.engine.config.ClientID,
		protocol.Hello{State: s.doc.State()})
	if err != nil {
		return err
	}
	data, err := hello.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := c.Send(ctx, data); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}
	reply, err := c.Receive(ctx)
	if err != nil {
		return fmt.Errorf("failed to read welcome: %w", err)
	}
	env, err := protocol.Decode(reply)
	if err != nil {
		return err
	}

	switch env.Type {
	case protocol.MessageWelcome:
	case protocol.MessageError:
		var info protocol.ErrorInfo
		if derr := env.DecodeData(&info); derr != nil {
			return fmt.Errorf("relay rejected session %s", s.name)
		}
		return fmt.Errorf("relay rejected session %s: %s (%s)", s.name, info.Message, info.Code)
	default:
		return fmt.Errorf("expected welcome, relay sent %s", env.Type)
	}

	var welcome protocol.Welcome
	if err := env.DecodeData(&welcome); err != nil {
		return err
	}
	s.doc.Merge(welcome.State)
	for _, raw := range welcome.Peers {
		s.applyPresence("", raw)
	}
	s.manager.MarkSynced()

	// Re-announce so peers that arrived while this client was away
	// see it without waiting for the next broadcast window.
	if local := s.tracker.Local(); len(local.Fields) > 0 {
		s.send(protocol.MessageAwareness, local)
	}
	return nil
}

// dispatch posts one relay message into the event loop.
func (s *Session) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.MessageDelta:
		var delta crdt.Delta
		if err := env.DecodeData(&delta); err != nil {
			s.logger.Printf("Warning: dropping malformed delta: %v", err)
			return
		}
		s.post(func() { s.doc.Merge(delta) })

	case protocol.MessageAwareness:
		if env.ClientID == s.engine.config.ClientID {
			return
		}
		s.applyPresence(env.ClientID, env.Data)

	case protocol.MessageLeave:
		clientID := env.ClientID
		s.post(func() { s.tracker.Evict(clientID) })

	case protocol.MessageError:
		var info protocol.ErrorInfo
		if err := env.DecodeData(&info); err == nil {
			s.logger.Printf("Relay reported %s: %s", info.Code, info.Message)
		}
	}
}

func (s *Session) applyPresence(clientID string, raw json.RawMessage) {
	var st awareness.State
	if err := json.Unmarshal(raw, &st); err != nil {
		s.logger.Printf("Warning: dropping malformed awareness state: %v", err)
		return
	}
	if st.ClientID == "" {
		st.ClientID = clientID
	}
	s.post(func() { s.tracker.Apply(st) })
}

// notifyPeers fans a presence change out to the engine event stream
// and every bound indicator.
func (s *Session) notifyPeers() {
	states := s.tracker.States()
	s.engine.publish(AwarenessEvent{Session: s.name.String(), Peers: states})

	s.indMu.Lock()
	inds := make([]PresenceIndicator, 0, len(s.indicators))
	for _, p := range s.indicators {
		inds = append(inds, p)
	}
	s.indMu.Unlock()
	for _, p := range inds {
		p.SetPeers(states)
	}
}
