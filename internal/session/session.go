package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/quantal/execore/internal/observ"
	"github.com/quantal/execore/internal/venue"
)

// State is the connection lifecycle of one session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthorizing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config controls session behavior. One config is shared by the whole pool.
type Config struct {
	URL                  string `yaml:"url"`
	DialTimeoutMs        int    `yaml:"dial_timeout_ms"`
	AuthTimeoutMs        int    `yaml:"auth_timeout_ms"`
	RequestTimeoutMs     int    `yaml:"request_timeout_ms"`
	WriteTimeoutMs       int    `yaml:"write_timeout_ms"`
	ReconnectMaxAttempts int    `yaml:"reconnect_max_attempts"`
	BackoffBaseMs        int    `yaml:"backoff_base_ms"`
	BackoffMaxMs         int    `yaml:"backoff_max_ms"`
	IdleTimeoutSec       int    `yaml:"idle_timeout_sec"`
	SweepIntervalSec     int    `yaml:"sweep_interval_sec"`
	ListenerBuffer       int    `yaml:"listener_buffer"`
}

// Defaults fills zero-valued fields.
func (c *Config) Defaults() {
	if c.DialTimeoutMs == 0 {
		c.DialTimeoutMs = 5000
	}
	if c.AuthTimeoutMs == 0 {
		c.AuthTimeoutMs = 5000
	}
	if c.RequestTimeoutMs == 0 {
		c.RequestTimeoutMs = 10000
	}
	if c.WriteTimeoutMs == 0 {
		c.WriteTimeoutMs = 5000
	}
	if c.ReconnectMaxAttempts == 0 {
		c.ReconnectMaxAttempts = 8
	}
	if c.BackoffBaseMs == 0 {
		c.BackoffBaseMs = 500
	}
	if c.BackoffMaxMs == 0 {
		c.BackoffMaxMs = 30000
	}
	if c.IdleTimeoutSec == 0 {
		c.IdleTimeoutSec = 600
	}
	if c.SweepIntervalSec == 0 {
		c.SweepIntervalSec = 60
	}
	if c.ListenerBuffer == 0 {
		c.ListenerBuffer = 256
	}
}

type callResult struct {
	raw json.RawMessage
	err error
}

type call struct {
	id       int64
	ch       chan callResult
	deadline time.Time
}

type outbound struct {
	data     []byte
	deadline time.Time
	call     *call // nil for fire-and-forget
}

// Session is one persistent, authenticated, request/response-correlated
// connection for an account. At most one physical connection exists at a
// time; the run loop reconnects with exponential backoff up to the attempt
// ceiling and then tears the session down, failing everything pending.
type Session struct {
	account string
	token   string
	cfg     Config
	dialer  Dialer

	mu         sync.Mutex
	state      State
	conn       Conn
	identity   venue.AuthorizeReply
	pending    map[int64]*call
	queue      []*outbound
	attempts   int
	lastActive time.Time
	listeners  map[string][]chan json.RawMessage
	hooks      []func()
	readyCh    chan struct{}
	everReady  bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(ctx context.Context, account, token string, cfg Config, dialer Dialer) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		account:    account,
		token:      token,
		cfg:        cfg,
		dialer:     dialer,
		state:      StateDisconnected,
		pending:    make(map[int64]*call),
		listeners:  make(map[string][]chan json.RawMessage),
		readyCh:    make(chan struct{}),
		lastActive: time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Account returns the owning account id.
func (s *Session) Account() string { return s.account }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the authorized identity from the last handshake.
func (s *Session) Identity() venue.AuthorizeReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// WaitReady blocks until the session is authorized and draining, the
// session dies, or ctx expires.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		switch s.state {
		case StateReady:
			s.mu.Unlock()
			return nil
		case StateClosed:
			s.mu.Unlock()
			return venue.NewError(venue.CodeWSNetwork, true, "session torn down")
		}
		ch := s.readyCh
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Request sends a correlated message and waits for the matching reply, a
// timeout, or ctx cancellation. If the session is not ready the message is
// queued with its own deadline; a message whose deadline passes before the
// connection is ready is rejected, never sent stale.
func (s *Session) Request(ctx context.Context, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.RequestTimeoutMs) * time.Millisecond
	}
	id := venue.NextReqID()
	payload["req_id"] = id
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	c := &call{id: id, ch: make(chan callResult, 1), deadline: deadline}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, venue.NewError(venue.CodeWSNetwork, true, "session torn down")
	}
	s.pending[id] = c
	if s.state == StateReady && s.conn != nil {
		conn := s.conn
		s.lastActive = time.Now()
		s.mu.Unlock()
		if err := conn.WriteMessage(data); err != nil {
			// the read loop will observe the dead connection and fail
			// pending calls; nothing more to do here
			observ.IncCounter("session_write_errors_total", map[string]string{"account": s.account})
		}
	} else {
		s.queue = append(s.queue, &outbound{data: data, deadline: deadline, call: c})
		s.mu.Unlock()
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case res := <-c.ch:
		return res.raw, res.err
	case <-t.C:
		s.dropCall(id)
		return nil, venue.Timeout("request", timeout)
	case <-ctx.Done():
		s.dropCall(id)
		return nil, ctx.Err()
	}
}

// Notify sends without awaiting a reply, queueing when not ready.
func (s *Session) Notify(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(time.Duration(s.cfg.RequestTimeoutMs) * time.Millisecond)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return venue.NewError(venue.CodeWSNetwork, true, "session torn down")
	}
	if s.state == StateReady && s.conn != nil {
		conn := s.conn
		s.lastActive = time.Now()
		s.mu.Unlock()
		// write in the caller's goroutine so back-to-back notifies reach
		// the venue in submission order
		if err := conn.WriteMessage(data); err != nil {
			observ.IncCounter("session_write_errors_total", map[string]string{"account": s.account})
		}
		return nil
	}
	s.queue = append(s.queue, &outbound{data: data, deadline: deadline})
	s.mu.Unlock()
	return nil
}

// Listen registers a stream listener for a msg_type category. Frames are
// delivered best-effort: a full listener drops the frame rather than stall
// the read loop.
func (s *Session) Listen(category string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, s.cfg.ListenerBuffer)
	s.mu.Lock()
	s.listeners[category] = append(s.listeners[category], ch)
	s.mu.Unlock()
	return ch
}

// OnReconnect registers a hook run after every re-authorization, so
// dependents can recover state the transport does not persist.
func (s *Session) OnReconnect(fn func()) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Close tears the session down and waits for the run loop to exit.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// idle reports whether the session has been quiet long enough to sweep.
// Sessions with in-flight or queued work are never idle.
func (s *Session) idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 || len(s.queue) > 0 {
		return false
	}
	return now.Sub(s.lastActive) > timeout
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.teardown(nil)
			return
		default:
		}

		s.setState(StateConnecting)
		dialCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.DialTimeoutMs)*time.Millisecond)
		conn, err := s.dialer.Dial(dialCtx, s.cfg.URL)
		cancel()
		if err != nil {
			observ.IncCounter("session_dial_errors_total", map[string]string{"account": s.account})
			if !s.backoff(ctx) {
				s.teardown(venue.Network(err))
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setState(StateAuthorizing)

		connErr := make(chan error, 1)
		go s.readLoop(conn, connErr)

		if err := s.authorize(ctx); err != nil {
			conn.Close()
			ve := venue.Classify(err)
			if ve.Code == venue.CodeWSAuth {
				// a rejected credential will not fix itself
				s.teardown(ve)
				return
			}
			s.clearConn()
			if !s.backoff(ctx) {
				s.teardown(ve)
				return
			}
			continue
		}

		s.mu.Lock()
		s.attempts = 0
		reconnected := s.everReady
		s.everReady = true
		s.mu.Unlock()

		s.setState(StateReady)
		observ.Log("session_ready", map[string]any{"account": s.account, "reconnect": reconnected})
		s.drainQueue()
		s.runHooks()

		select {
		case err := <-connErr:
			conn.Close()
			s.clearConn()
			s.setState(StateDisconnected)
			s.failPending(venue.Network(err))
			observ.IncCounter("session_disconnects_total", map[string]string{"account": s.account})
			if !s.backoff(ctx) {
				s.teardown(venue.Network(err))
				return
			}
		case <-ctx.Done():
			conn.Close()
			<-connErr
			s.teardown(nil)
			return
		}
	}
}

func (s *Session) authorize(ctx context.Context) error {
	timeout := time.Duration(s.cfg.AuthTimeoutMs) * time.Millisecond
	id := venue.NextReqID()
	req := venue.AuthorizeRequest{Authorize: s.token, ReqID: id}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c := &call{id: id, ch: make(chan callResult, 1), deadline: time.Now().Add(timeout)}
	s.mu.Lock()
	s.pending[id] = c
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return venue.NewError(venue.CodeWSNetwork, true, "connection lost before authorize")
	}
	if err := conn.WriteMessage(data); err != nil {
		s.dropCall(id)
		return venue.Network(err)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case res := <-c.ch:
		if res.err != nil {
			return res.err
		}
		var reply struct {
			Authorize venue.AuthorizeReply `json:"authorize"`
		}
		if err := json.Unmarshal(res.raw, &reply); err != nil {
			return err
		}
		s.mu.Lock()
		s.identity = reply.Authorize
		s.mu.Unlock()
		return nil
	case <-t.C:
		s.dropCall(id)
		return venue.Timeout("authorize", timeout)
	case <-ctx.Done():
		s.dropCall(id)
		return ctx.Err()
	}
}

func (s *Session) readLoop(conn Conn, connErr chan<- error) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			connErr <- err
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(raw []byte) {
	env, err := venue.ParseEnvelope(raw)
	if err != nil {
		observ.IncCounter("session_bad_frames_total", map[string]string{"account": s.account})
		return
	}

	if env.ReqID != 0 {
		s.mu.Lock()
		c, ok := s.pending[env.ReqID]
		if ok {
			delete(s.pending, env.ReqID)
		}
		s.lastActive = time.Now()
		s.mu.Unlock()
		if !ok {
			return // late reply for an abandoned call
		}
		if env.Error != nil {
			c.ch <- callResult{err: venue.FromWire(env.MsgType, env.Error)}
		} else {
			c.ch <- callResult{raw: env.Raw}
		}
		return
	}

	if env.MsgType == "" {
		return
	}
	s.mu.Lock()
	subs := s.listeners[env.MsgType]
	s.lastActive = time.Now()
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- env.Raw:
		default:
			observ.IncCounter("session_stream_drops_total", map[string]string{
				"account": s.account, "category": env.MsgType,
			})
		}
	}
}

// drainQueue flushes queued messages after authorization. Messages whose
// deadline passed while disconnected are rejected instead of sent.
func (s *Session) drainQueue() {
	now := time.Now()
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	conn := s.conn
	if len(queued) > 0 {
		s.lastActive = now
	}
	s.mu.Unlock()
	if conn == nil {
		return
	}

	for _, ob := range queued {
		if now.After(ob.deadline) {
			if ob.call != nil {
				s.resolveStale(ob.call)
			} else {
				observ.IncCounter("session_stale_drops_total", map[string]string{"account": s.account})
			}
			continue
		}
		if ob.call != nil {
			s.mu.Lock()
			_, stillWanted := s.pending[ob.call.id]
			s.mu.Unlock()
			if !stillWanted {
				continue
			}
		}
		if err := conn.WriteMessage(ob.data); err != nil {
			// connection died mid-drain; requeue the remainder for the
			// next reconnect, the read loop handles the failure
			s.mu.Lock()
			s.queue = append([]*outbound{ob}, s.queue...)
			s.mu.Unlock()
			return
		}
	}
}

func (s *Session) resolveStale(c *call) {
	s.mu.Lock()
	_, ok := s.pending[c.id]
	if ok {
		delete(s.pending, c.id)
	}
	s.mu.Unlock()
	if ok {
		c.ch <- callResult{err: venue.NewError(venue.CodeWSTimeout, true, "deadline passed before connection ready")}
	}
}

func (s *Session) runHooks() {
	s.mu.Lock()
	hooks := make([]func(), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()
	for _, fn := range hooks {
		go fn()
	}
}

// backoffDelay is base doubled per attempt, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (s *Session) backoff(ctx context.Context) bool {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()
	if attempt > s.cfg.ReconnectMaxAttempts {
		observ.Error("session_reconnect_exhausted", map[string]any{
			"account": s.account, "attempts": attempt - 1,
		})
		return false
	}
	d := backoffDelay(attempt,
		time.Duration(s.cfg.BackoffBaseMs)*time.Millisecond,
		time.Duration(s.cfg.BackoffMaxMs)*time.Millisecond)
	observ.Log("session_backoff", map[string]any{
		"account": s.account, "attempt": attempt, "delay_ms": d.Milliseconds(),
	})
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// failPending rejects every call that was actually sent on the dead
// connection. Queued-but-unsent messages stay queued for the next
// connection; their own deadlines decide their fate.
func (s *Session) failPending(err error) {
	s.mu.Lock()
	queued := make(map[int64]bool, len(s.queue))
	for _, ob := range s.queue {
		if ob.call != nil {
			queued[ob.call.id] = true
		}
	}
	var failed []*call
	for id, c := range s.pending {
		if queued[id] {
			continue
		}
		delete(s.pending, id)
		failed = append(failed, c)
	}
	s.mu.Unlock()
	for _, c := range failed {
		c.ch <- callResult{err: err}
	}
}

func (s *Session) teardown(err error) {
	if err == nil {
		err = venue.NewError(venue.CodeWSNetwork, true, "session closed")
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	pending := s.pending
	s.pending = make(map[int64]*call)
	queued := s.queue
	s.queue = nil
	close(s.readyCh)
	s.readyCh = make(chan struct{})
	listeners := s.listeners
	s.listeners = make(map[string][]chan json.RawMessage)
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	// queued calls are also in pending; fail each exactly once
	for _, ob := range queued {
		if ob.call != nil {
			delete(pending, ob.call.id)
			ob.call.ch <- callResult{err: err}
		}
	}
	for _, c := range pending {
		c.ch <- callResult{err: err}
	}
	for _, subs := range listeners {
		for _, ch := range subs {
			close(ch)
		}
	}
	observ.Log("session_closed", map[string]any{"account": s.account})
}

func (s *Session) setState(v State) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = v
	if v == StateReady {
		close(s.readyCh)
		s.readyCh = make(chan struct{})
	}
	s.mu.Unlock()
	if prev != v {
		observ.SetGauge("session_state", float64(v), map[string]string{"account": s.account})
	}
}

func (s *Session) clearConn() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

func (s *Session) dropCall(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}
