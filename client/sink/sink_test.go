package sink

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kokoavailable/rfbreplay/av"
	"github.com/kokoavailable/rfbreplay/protocol/playback"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("flush never completed")
	}
}

func TestRendersInOrder(t *testing.T) {
	tr := playback.NewTransport()
	out := &lockedBuffer{}
	c := New(tr, Config{Out: out, RenderCost: time.Millisecond})

	tr.Deliver([]byte("RFB 003.008\n"))
	tr.Deliver([]byte{1, securityNone})
	tr.Deliver([]byte("one,"))
	tr.Deliver([]byte("two"))

	waitClosed(t, c.Flush())
	assert.Equal(t, "one,two", out.String())
	assert.Equal(t, int64(2), c.Rendered())
	assert.Equal(t, int64(7), c.Written())
	assert.False(t, c.Pending())
	assert.Equal(t, int64(1), tr.Sent())
}

func TestFlushWhenIdle(t *testing.T) {
	c := New(playback.NewTransport(), Config{})
	waitClosed(t, c.Flush())
	assert.False(t, c.Saturated())
}

func TestSaturatesAtHighWater(t *testing.T) {
	tr := playback.NewTransport()
	c := New(tr, Config{RenderCost: time.Hour, QueueSize: 2})
	tr.Deliver([]byte("a"))
	assert.False(t, c.Saturated())
	tr.Deliver([]byte("b"))
	assert.True(t, c.Saturated())
	assert.True(t, c.Pending())

	flushed := c.Flush()
	tr.SignalClose(playback.NormalClosure, "")
	waitClosed(t, flushed)
	assert.False(t, c.Pending())
	assert.Equal(t, int64(0), c.Rendered())
}

func TestPasswordChallenge(t *testing.T) {
	tr := playback.NewTransport()
	c := New(tr, Config{})
	asked := make(chan struct{}, 1)
	c.OnCredentialsRequired(func() {
		asked <- struct{}{}
		assert.NoError(t, c.SendCredentials(playback.PlaceholderCredentials))
	})

	tr.Deliver([]byte("RFB 003.008\n"))
	tr.Deliver([]byte{1, securityVNC})

	select {
	case <-asked:
	default:
		t.Fatal("credentials were not requested")
	}
	assert.Equal(t, int64(3), tr.Sent())
	waitClosed(t, c.Flush())
	assert.Equal(t, int64(0), c.Rendered())
}

func TestNeedsPassword(t *testing.T) {
	assert.True(t, needsPassword([]byte{1, securityVNC}))
	assert.True(t, needsPassword([]byte{2, 16, securityVNC}))
	assert.False(t, needsPassword([]byte{2, securityNone, securityVNC}))
	assert.False(t, needsPassword([]byte{3, securityVNC}))
	assert.False(t, needsPassword(nil))
}

func TestDisconnect(t *testing.T) {
	for _, tc := range []struct {
		name   string
		signal func(*playback.Transport)
		clean  bool
	}{
		{"normal", func(tr *playback.Transport) { tr.SignalClose(playback.NormalClosure, "") }, true},
		{"abnormal", func(tr *playback.Transport) { tr.SignalClose(1011, "oops") }, false},
		{"error", func(tr *playback.Transport) { tr.SignalError(errors.New("reset")) }, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr := playback.NewTransport()
			c := New(tr, Config{})
			var got []bool
			c.OnDisconnect(func(clean bool) { got = append(got, clean) })

			tc.signal(tr)
			tc.signal(tr)
			assert.Equal(t, []bool{tc.clean}, got)
			assert.Equal(t, ErrClosed, c.SendCredentials(playback.Credentials{}))

			tr.Deliver([]byte("late"))
			assert.False(t, c.Pending())
		})
	}
}

func TestDrivesPlayer(t *testing.T) {
	out := &lockedBuffer{}
	var recorded []av.Frame
	for i, msg := range []string{"RFB 003.008\n", "\x01\x01", "hello ", "world"} {
		recorded = append(recorded, av.Frame{Direction: av.ServerOriginated, Timestamp: uint32(i), Payload: []byte(msg)})
	}
	frames := av.NewStore(recorded)
	finished := make(chan time.Duration, 1)
	p := playback.NewPlayer(frames, Factory(Config{Out: out, QueueSize: 1}), playback.Config{
		Handlers: playback.Handlers{OnFinish: func(d time.Duration) { finished <- d }},
	})
	defer p.Close()

	require.NoError(t, p.Start(playback.StartOptions{Mode: playback.FullSpeed}))
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never finished")
	}
	assert.Equal(t, "hello world", out.String())
}
