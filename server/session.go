package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"mini-ipc/channel"
	"mini-ipc/codec"
	"mini-ipc/message"
)

// State of a client session.
//
//	Connected ──connection closes──→ Grace ──same client id reconnects──→ Connected
//	                                   └────grace timer fires──→ Disposed
type State int

const (
	StateConnected State = iota
	StateGrace
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateGrace:
		return "grace"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type inflight struct {
	peer   *peer
	cancel context.CancelFunc
}

type listenEntry struct {
	cancel context.CancelFunc
}

// session is one logical client across reconnects.
//
// Lock order: Server.mu → session.mu, and session.sendMu → session.mu.
// session.mu is never held while writing to a connection.
type session struct {
	id     string
	srv    *Server
	ctx    context.Context // cancelled on dispose
	cancel context.CancelFunc

	// sendMu orders listen traffic: a backlog flush on reconnect completes
	// before any newer event is written.
	sendMu sync.Mutex

	mu      sync.Mutex
	state   State
	peer    *peer  // nil unless Connected
	gen     uint64 // bumped on every transition; stale grace timers compare it
	timer   *time.Timer
	calls   map[uint32]*inflight
	listens map[uint32]*listenEntry
	backlog []*message.Message
}

func newSession(srv *Server, id string) *session {
	ctx, cancel := context.WithCancel(srv.ctx)
	return &session{
		id:      id,
		srv:     srv,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateConnected,
		calls:   make(map[uint32]*inflight),
		listens: make(map[uint32]*listenEntry),
	}
}

// attach makes p the session's connection and flushes queued events to it.
// It reports false if the session was disposed in the meantime.
func (sess *session) attach(p *peer, resumed bool) bool {
	// A previous connection of the same client is dropped before taking
	// sendMu, since a forwarder may be stuck writing to it.
	sess.mu.Lock()
	old := sess.peer
	sess.mu.Unlock()
	if old != nil && old != p {
		old.close()
	}

	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()

	sess.mu.Lock()
	if sess.state == StateDisposed {
		sess.mu.Unlock()
		return false
	}
	var stale []context.CancelFunc
	if sess.peer != nil && sess.peer != p {
		stale = sess.takeCallsOf(sess.peer)
	}
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	sess.gen++
	sess.state = StateConnected
	sess.peer = p
	backlog := sess.backlog
	sess.backlog = nil
	ack := message.HelloAck{Resumed: resumed}
	if resumed {
		ack.Listens = sess.servedListens(backlog)
	}
	sess.mu.Unlock()

	for _, cancel := range stale {
		cancel()
	}

	p.send(&message.Message{Kind: message.KindHello, Payload: ack.Encode()})
	for _, msg := range backlog {
		p.send(msg)
	}
	return true
}

// servedListens lists the listen ids the client may still hear from: running
// listens and those with messages in backlog. Must be called with mu held.
func (sess *session) servedListens(backlog []*message.Message) []uint32 {
	seen := make(map[uint32]bool, len(sess.listens))
	ids := make([]uint32, 0, len(sess.listens))
	for id := range sess.listens {
		seen[id] = true
		ids = append(ids, id)
	}
	for _, msg := range backlog {
		if !seen[msg.RequestID] {
			seen[msg.RequestID] = true
			ids = append(ids, msg.RequestID)
		}
	}
	slices.Sort(ids)
	return ids
}

// detach is called when p's connection closes. In-flight calls are
// cancelled; listens survive until the grace timer fires.
func (sess *session) detach(p *peer, cause error) {
	srv := sess.srv
	sess.mu.Lock()
	if sess.state != StateConnected || sess.peer != p {
		sess.mu.Unlock()
		return
	}
	sess.peer = nil
	cancels := sess.takeCallsOf(p)
	if srv.grace <= 0 || srv.shutdown.Load() {
		sess.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		srv.dispose(sess, "disconnected", nil)
		return
	}
	sess.state = StateGrace
	sess.gen++
	gen := sess.gen
	sess.timer = time.AfterFunc(srv.grace, func() { sess.expire(gen) })
	sess.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	srv.logger.Info("session waiting for reconnect", "client_id", sess.id, "grace", srv.grace, "err", cause)
}

func (sess *session) expire(gen uint64) {
	sess.srv.dispose(sess, "grace period expired", func() bool {
		return sess.state == StateGrace && sess.gen == gen
	})
}

// markDisposed moves the session to Disposed and returns the cancel funcs of
// everything it was running. Called by Server.dispose with Server.mu held.
func (sess *session) markDisposed(cond func() bool) ([]context.CancelFunc, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == StateDisposed || (cond != nil && !cond()) {
		return nil, false
	}
	sess.state = StateDisposed
	sess.gen++
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	sess.peer = nil
	cancels := make([]context.CancelFunc, 0, len(sess.calls)+len(sess.listens))
	for _, ic := range sess.calls {
		cancels = append(cancels, ic.cancel)
	}
	for _, le := range sess.listens {
		cancels = append(cancels, le.cancel)
	}
	sess.calls = make(map[uint32]*inflight)
	sess.listens = make(map[uint32]*listenEntry)
	sess.backlog = nil
	return cancels, true
}

// takeCallsOf removes p's in-flight calls; their replies are suppressed.
// Must be called with mu held.
func (sess *session) takeCallsOf(p *peer) []context.CancelFunc {
	var cancels []context.CancelFunc
	for id, ic := range sess.calls {
		if ic.peer == p {
			cancels = append(cancels, ic.cancel)
			delete(sess.calls, id)
		}
	}
	return cancels
}

func (sess *session) activePeer() *peer {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.peer
}

func (sess *session) info() SessionInfo {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	info := SessionInfo{
		ClientID: sess.id,
		State:    sess.state,
		Calls:    len(sess.calls),
		Listens:  len(sess.listens),
		Backlog:  len(sess.backlog),
	}
	if sess.peer != nil {
		info.RemoteAddr = sess.peer.conn.RemoteAddr()
	}
	return info
}

// admit registers a new request id, or explains why it cannot.
// Must be called with mu held.
func (sess *session) admit(p *peer, id uint32) error {
	if sess.state != StateConnected || sess.peer != p {
		return errStalePeer
	}
	if _, ok := sess.calls[id]; ok {
		return fmt.Errorf("%w: %d", message.ErrDuplicateRequest, id)
	}
	if _, ok := sess.listens[id]; ok {
		return fmt.Errorf("%w: %d", message.ErrDuplicateRequest, id)
	}
	return nil
}

var errStalePeer = errors.New("request from a replaced connection")

func (sess *session) clientContext(p *peer) channel.ClientContext {
	return channel.ClientContext{ClientID: sess.id, RemoteAddr: p.conn.RemoteAddr()}
}

func (sess *session) call(p *peer, msg *message.Message) {
	srv := sess.srv
	id := msg.RequestID

	sess.mu.Lock()
	if err := sess.admit(p, id); err != nil {
		sess.mu.Unlock()
		if !errors.Is(err, errStalePeer) {
			p.send(srv.result(id, nil, err))
		}
		return
	}
	ctx, cancel := context.WithCancel(sess.ctx)
	ic := &inflight{peer: p, cancel: cancel}
	sess.calls[id] = ic
	sess.mu.Unlock()

	// Dispatch request to a new goroutine for parallel processing, so a slow
	// handler does not hold up later requests on the same connection.
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		defer cancel()

		var result any
		args, err := codec.NewArgs(srv.codec, msg.Payload)
		if err != nil {
			err = message.NewError("BadRequest", "%v", err)
		} else {
			result, err = srv.chain()(ctx, &channel.Request{
				Client:    sess.clientContext(p),
				RequestID: id,
				Channel:   msg.Channel,
				Command:   msg.Name,
				Args:      args,
			})
		}

		sess.mu.Lock()
		live := sess.calls[id] == ic
		if live {
			delete(sess.calls, id)
		}
		sess.mu.Unlock()
		if !live {
			srv.logger.Debug("dropping reply to cancelled call", "client_id", sess.id, "request_id", id)
			return
		}
		p.send(srv.result(id, result, err))
	}()
}

func (sess *session) cancelCall(id uint32) {
	sess.mu.Lock()
	ic, ok := sess.calls[id]
	if ok {
		delete(sess.calls, id)
	}
	sess.mu.Unlock()
	if ok {
		ic.cancel()
		sess.srv.logger.Debug("call cancelled", "client_id", sess.id, "request_id", id)
	}
}

func (sess *session) listen(p *peer, msg *message.Message) {
	srv := sess.srv
	id := msg.RequestID

	sess.mu.Lock()
	if err := sess.admit(p, id); err != nil {
		sess.mu.Unlock()
		if !errors.Is(err, errStalePeer) {
			p.send(srv.result(id, nil, err))
		}
		return
	}
	ctx, cancel := context.WithCancel(sess.ctx)
	le := &listenEntry{cancel: cancel}
	sess.listens[id] = le
	sess.mu.Unlock()

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		defer cancel()

		events, err := sess.openStream(ctx, p, msg)
		if err != nil {
			sess.deliver(id, le, srv.result(id, nil, err), true)
			return
		}
		for {
			select {
			case v, ok := <-events:
				if !ok {
					sess.deliver(id, le, srv.result(id, nil, nil), true)
					return
				}
				payload, err := srv.codec.Encode(v)
				if err != nil {
					srv.logger.Warn("dropping unencodable event", "client_id", sess.id, "request_id", id, "err", err)
					continue
				}
				sess.deliver(id, le, &message.Message{Kind: message.KindEventFire, RequestID: id, Payload: payload}, false)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (sess *session) openStream(ctx context.Context, p *peer, msg *message.Message) (events <-chan any, err error) {
	defer func() {
		if r := recover(); r != nil {
			sess.srv.logger.Error("listen handler panic", "channel", msg.Channel, "event", msg.Name, "panic", r)
			events, err = nil, &message.RemoteError{Name: "Panic", Message: fmt.Sprint(r), Stack: string(debug.Stack())}
		}
	}()
	h, ok := sess.srv.registry.Lookup(msg.Channel)
	if !ok {
		return nil, fmt.Errorf("%w: %q", message.ErrChannelNotFound, msg.Channel)
	}
	args, err := codec.NewArgs(sess.srv.codec, msg.Payload)
	if err != nil {
		return nil, message.NewError("BadRequest", "%v", err)
	}
	events, err = h.Listen(ctx, sess.clientContext(p), msg.Name, args)
	if err != nil {
		return nil, err
	}
	if events == nil {
		return nil, fmt.Errorf("%w: %s.%s", message.ErrUnknownEvent, msg.Channel, msg.Name)
	}
	return events, nil
}

// deliver sends one message of listen id, or queues it while the session is
// in grace. Nothing is sent once the listen has been disposed.
func (sess *session) deliver(id uint32, le *listenEntry, msg *message.Message, final bool) {
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()

	sess.mu.Lock()
	if sess.listens[id] != le {
		sess.mu.Unlock()
		return
	}
	if final {
		delete(sess.listens, id)
	}
	switch sess.state {
	case StateGrace:
		sess.enqueue(msg)
		sess.mu.Unlock()
	case StateConnected:
		p := sess.peer
		sess.mu.Unlock()
		p.send(msg)
	default:
		sess.mu.Unlock()
	}
}

// enqueue appends msg to the backlog. When the backlog is full the oldest
// EventFire is dropped; the terminal message of a listen is always kept.
// Must be called with mu held.
func (sess *session) enqueue(msg *message.Message) {
	if limit := sess.srv.backlogLimit; limit > 0 && len(sess.backlog) >= limit {
		i := slices.IndexFunc(sess.backlog, func(m *message.Message) bool { return m.Kind == message.KindEventFire })
		switch {
		case i >= 0:
			sess.srv.logger.Warn("event backlog full, dropping oldest event", "client_id", sess.id, "request_id", sess.backlog[i].RequestID)
			sess.backlog = slices.Delete(sess.backlog, i, i+1)
		case msg.Kind == message.KindEventFire:
			sess.srv.logger.Warn("event backlog full, dropping event", "client_id", sess.id, "request_id", msg.RequestID)
			return
		}
	}
	sess.backlog = append(sess.backlog, msg)
}

func (sess *session) disposeListen(id uint32) {
	sess.mu.Lock()
	le, ok := sess.listens[id]
	if ok {
		delete(sess.listens, id)
	}
	sess.mu.Unlock()
	if ok {
		le.cancel()
		sess.srv.logger.Debug("listen disposed", "client_id", sess.id, "request_id", id)
	}
}
