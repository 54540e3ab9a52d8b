package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quantal/execore/internal/venue"
)

// fakeConn is an in-memory Conn driven by the test.
type fakeConn struct {
	in     chan []byte // frames delivered to the session
	out    chan []byte // frames the session wrote
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 32),
		out:    make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.in <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatal("deliver blocked")
	}
}

// nextWrite returns the next frame the session wrote, decoded.
func (c *fakeConn) nextWrite(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-c.out:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("no frame written")
		return nil
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	fail  int // fail the first n dials
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.fail {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func testConfig() Config {
	cfg := Config{
		URL:              "ws://test",
		RequestTimeoutMs: 2000,
		BackoffBaseMs:    10,
		BackoffMaxMs:     50,
	}
	cfg.Defaults()
	return cfg
}

// authorizeOn answers the session's authorize handshake on conn.
func authorizeOn(t *testing.T, c *fakeConn) {
	t.Helper()
	frame := c.nextWrite(t)
	if frame["authorize"] == nil {
		t.Fatalf("expected authorize first, got %v", frame)
	}
	reqID := int64(frame["req_id"].(float64))
	c.deliver(t, fmt.Sprintf(
		`{"msg_type":"authorize","req_id":%d,"authorize":{"loginid":"CR1","balance":1000,"currency":"USD"}}`,
		reqID))
}

func startReady(t *testing.T) (*Session, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	s := newSession(context.Background(), "acct1", "tok", testConfig(), d)
	t.Cleanup(s.Close)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for d.conn(0) == nil {
			time.Sleep(time.Millisecond)
		}
		authorizeOn(t, d.conn(0))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	<-done
	return s, d
}

func TestRequestCorrelation(t *testing.T) {
	s, d := startReady(t)
	conn := d.conn(0)

	type reply struct {
		raw json.RawMessage
		err error
	}
	results := make([]chan reply, 2)
	ids := make([]int64, 2)

	for i := 0; i < 2; i++ {
		results[i] = make(chan reply, 1)
		i := i
		go func() {
			raw, err := s.Request(context.Background(), map[string]any{"ping": i}, time.Second)
			results[i] <- reply{raw, err}
		}()
	}
	for i := 0; i < 2; i++ {
		frame := conn.nextWrite(t)
		idx := int(frame["ping"].(float64))
		ids[idx] = int64(frame["req_id"].(float64))
	}

	// answer in reverse order to prove correlation is by req_id
	conn.deliver(t, fmt.Sprintf(`{"msg_type":"ping","req_id":%d,"pong":1}`, ids[1]))
	conn.deliver(t, fmt.Sprintf(`{"msg_type":"ping","req_id":%d,"pong":0}`, ids[0]))

	for i := 0; i < 2; i++ {
		res := <-results[i]
		if res.err != nil {
			t.Fatalf("request %d: %v", i, res.err)
		}
		var body struct {
			Pong int `json:"pong"`
		}
		if err := json.Unmarshal(res.raw, &body); err != nil {
			t.Fatal(err)
		}
		if body.Pong != i {
			t.Fatalf("request %d got reply %d", i, body.Pong)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	s, d := startReady(t)
	conn := d.conn(0)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), map[string]any{"ping": 1}, 50*time.Millisecond)
		errCh <- err
	}()
	conn.nextWrite(t) // swallow the request

	err := <-errCh
	ve := venue.Classify(err)
	if ve.Code != venue.CodeWSTimeout {
		t.Fatalf("want WS_TIMEOUT, got %v", err)
	}
	if !ve.Retryable {
		t.Fatal("timeout should be retryable")
	}

	// the late reply must not leak anywhere or panic
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("dropped call still pending: %d", n)
	}
}

func TestQueuedBeforeReadyDrains(t *testing.T) {
	d := &fakeDialer{fail: 1} // first dial fails so the session sits in backoff
	s := newSession(context.Background(), "acct1", "tok", testConfig(), d)
	t.Cleanup(s.Close)

	resCh := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), map[string]any{"ping": 1}, 2*time.Second)
		resCh <- err
	}()

	for d.conn(0) == nil {
		time.Sleep(time.Millisecond)
	}
	conn := d.conn(0)
	authorizeOn(t, conn)

	// the queued request is sent after authorization
	frame := conn.nextWrite(t)
	if frame["ping"] == nil {
		t.Fatalf("expected queued ping, got %v", frame)
	}
	reqID := int64(frame["req_id"].(float64))
	conn.deliver(t, fmt.Sprintf(`{"msg_type":"ping","req_id":%d}`, reqID))

	if err := <-resCh; err != nil {
		t.Fatalf("queued request: %v", err)
	}
}

func TestStreamFanout(t *testing.T) {
	s, d := startReady(t)
	conn := d.conn(0)

	ticks := s.Listen(venue.StreamTick)
	conn.deliver(t, `{"msg_type":"tick","tick":{"symbol":"R_100","quote":123.45,"epoch":1700000000}}`)

	select {
	case raw := <-ticks:
		var frame struct {
			Tick venue.TickEvent `json:"tick"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatal(err)
		}
		if frame.Tick.Symbol != "R_100" || frame.Tick.Quote != 123.45 {
			t.Fatalf("bad tick: %+v", frame.Tick)
		}
	case <-time.After(time.Second):
		t.Fatal("tick never delivered")
	}
}

func TestNotifyPreservesSubmissionOrder(t *testing.T) {
	s, d := startReady(t)
	conn := d.conn(0)

	for i := 0; i < 8; i++ {
		if err := s.Notify(map[string]any{"ticks": fmt.Sprintf("SYM_%d", i), "subscribe": 1}); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	for i := 0; i < 8; i++ {
		frame := conn.nextWrite(t)
		if got := frame["ticks"]; got != fmt.Sprintf("SYM_%d", i) {
			t.Fatalf("frame %d out of order: %v", i, frame)
		}
	}
}

func TestReconnectRunsHooks(t *testing.T) {
	s, d := startReady(t)

	hooked := make(chan struct{}, 4)
	s.OnReconnect(func() { hooked <- struct{}{} })

	d.conn(0).Close() // drop the connection

	for d.conn(1) == nil {
		time.Sleep(time.Millisecond)
	}
	authorizeOn(t, d.conn(1))

	select {
	case <-hooked:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect hook never ran")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("not ready after reconnect: %v", err)
	}
}

func TestAuthRejectTearsDown(t *testing.T) {
	d := &fakeDialer{}
	s := newSession(context.Background(), "acct1", "bad-token", testConfig(), d)
	t.Cleanup(s.Close)

	for d.conn(0) == nil {
		time.Sleep(time.Millisecond)
	}
	conn := d.conn(0)
	frame := conn.nextWrite(t)
	reqID := int64(frame["req_id"].(float64))
	conn.deliver(t, fmt.Sprintf(
		`{"msg_type":"authorize","req_id":%d,"error":{"code":"InvalidToken","message":"token is invalid"}}`,
		reqID))

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("session not torn down, state %s", s.State())
		}
		time.Sleep(time.Millisecond)
	}

	// a rejected credential must not be retried
	d.mu.Lock()
	dials := d.dials
	d.mu.Unlock()
	if dials != 1 {
		t.Fatalf("expected single dial, got %d", dials)
	}

	if _, err := s.Request(context.Background(), map[string]any{"ping": 1}, time.Second); err == nil {
		t.Fatal("request on closed session should fail")
	}
}

func TestIdentityCapturedOnAuthorize(t *testing.T) {
	s, _ := startReady(t)
	ident := s.Identity()
	if ident.LoginID != "CR1" || ident.Balance != 1000 {
		t.Fatalf("bad identity: %+v", ident)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	max := 30 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{7, 30 * time.Second}, // capped
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt, base, max); got != tc.want {
			t.Fatalf("attempt %d: want %s, got %s", tc.attempt, tc.want, got)
		}
	}
}
