package playback

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kokoavailable/rfbreplay/av"

	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond

// manualClock only moves when Advance is called.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// fireStopped runs the callbacks of cancelled timers, as if the cancel had
// lost a race with the timer firing.
func (c *manualClock) fireStopped() {
	c.mu.Lock()
	var late []*manualTimer
	for _, t := range c.timers {
		if t.stopped && !t.fired {
			t.fired = true
			late = append(late, t)
		}
	}
	c.mu.Unlock()
	for _, t := range late {
		t.f()
	}
}

// pending lists the remaining time of every active timer.
func (c *manualClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	return out
}

func (c *manualClock) waitPending(t *testing.T, want ...time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := c.pending()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, waitFor, tick, "pending timers never became %v (now %v)", want, c.pending())
}

type fakeClient struct {
	mu       sync.Mutex
	conn     Conn
	viewOnly bool
	got      []string
	at       []time.Time
	saturate int
	pending  int
	flushes  int
	gate     chan struct{}
	closed   []int
	errs     int
	creds    []Credentials
	onDisc   func(bool)
	onCreds  func()
}

func newFakeClient(conn Conn) *fakeClient {
	c := &fakeClient{conn: conn}
	conn.OnMessage(func(b []byte) {
		c.mu.Lock()
		c.got = append(c.got, string(b))
		c.at = append(c.at, time.Now())
		c.mu.Unlock()
		_ = conn.Send([]byte("ack"))
	})
	conn.OnClose(func(code int, reason string) {
		c.mu.Lock()
		c.closed = append(c.closed, code)
		f := c.onDisc
		c.mu.Unlock()
		_ = conn.Close(code, reason)
		if f != nil {
			f(code == NormalClosure)
		}
	})
	conn.OnError(func(err error) {
		c.mu.Lock()
		c.errs++
		f := c.onDisc
		c.mu.Unlock()
		if f != nil {
			f(false)
		}
	})
	return c
}

func (c *fakeClient) SetViewOnly(v bool) {
	c.mu.Lock()
	c.viewOnly = v
	c.mu.Unlock()
}

func (c *fakeClient) OnDisconnect(f func(bool)) {
	c.mu.Lock()
	c.onDisc = f
	c.mu.Unlock()
}

func (c *fakeClient) OnCredentialsRequired(f func()) {
	c.mu.Lock()
	c.onCreds = f
	c.mu.Unlock()
}

func (c *fakeClient) SendCredentials(creds Credentials) error {
	c.mu.Lock()
	c.creds = append(c.creds, creds)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) requestCredentials() {
	c.mu.Lock()
	f := c.onCreds
	c.mu.Unlock()
	f()
}

func (c *fakeClient) Saturated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saturate > 0 {
		c.saturate--
		return true
	}
	return false
}

func (c *fakeClient) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending > 0 {
		c.pending--
		return true
	}
	return false
}

// Flush completes immediately unless a gate is set, in which case the drain
// lasts until the test closes it.
func (c *fakeClient) Flush() <-chan struct{} {
	c.mu.Lock()
	c.flushes++
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		return gate
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (c *fakeClient) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func (c *fakeClient) closes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.closed...)
}

func (c *fakeClient) waitReceived(t *testing.T, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := c.received()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, waitFor, tick, "client never received %v (got %v)", want, c.received())
}

type factory struct {
	mu      sync.Mutex
	clients []*fakeClient
	setup   func(*fakeClient)
	err     error
}

func (f *factory) New(conn Conn) (Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeClient(conn)
	if f.setup != nil {
		f.setup(c)
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

func (f *factory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *factory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[len(f.clients)-1]
}

type disconnect struct {
	clean  bool
	cursor int
}

type recorder struct {
	finished    chan time.Duration
	disconnects chan disconnect
	mu          sync.Mutex
	stops       int
	resumes     int
}

func newRecorder() *recorder {
	return &recorder{
		finished:    make(chan time.Duration, 4),
		disconnects: make(chan disconnect, 4),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnFinish: func(elapsed time.Duration) { r.finished <- elapsed },
		OnDisconnect: func(clean bool, cursor int) {
			r.disconnects <- disconnect{clean: clean, cursor: cursor}
		},
		OnStop: func() {
			r.mu.Lock()
			r.stops++
			r.mu.Unlock()
		},
		OnResume: func() {
			r.mu.Lock()
			r.resumes++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) counts() (stops, resumes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops, r.resumes
}

func (r *recorder) waitFinished(t *testing.T) time.Duration {
	t.Helper()
	select {
	case elapsed := <-r.finished:
		return elapsed
	case <-time.After(waitFor):
		t.Fatal("playback never finished")
	}
	return 0
}

func server(ts uint32, payload string) av.Frame {
	return av.Frame{Direction: av.ServerOriginated, Timestamp: ts, Payload: []byte(payload)}
}

func client(ts uint32, payload string) av.Frame {
	return av.Frame{Direction: av.ClientOriginated, Timestamp: ts, Payload: []byte(payload)}
}

func boolp(b bool) *bool {
	return &b
}
