package av

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testFrames() []Frame {
	return []Frame{
		{Direction: ServerOriginated, Timestamp: 0, Payload: []byte("A")},
		{Direction: ClientOriginated, Timestamp: 5, Payload: []byte("B")},
		{Direction: ClientOriginated, Timestamp: 7, Payload: []byte("b")},
		{Direction: ServerOriginated, Timestamp: 100, Payload: []byte("C")},
	}
}

func TestStore_NextServer(t *testing.T) {
	s := NewStore(testFrames())
	assert.Equal(t, 4, s.Len())
	assert.Equal(t, 2, s.ServerFrames())
	assert.Equal(t, 0, s.NextServer(0))
	assert.Equal(t, 3, s.NextServer(1))
	assert.Equal(t, 3, s.NextServer(3))
	assert.Equal(t, 4, s.NextServer(4))
	assert.Equal(t, 0, s.NextServer(-2))
}

func TestStore_Immutable(t *testing.T) {
	frames := testFrames()
	s := NewStore(frames)
	frames[0].Timestamp = 999
	assert.Equal(t, uint32(0), s.At(0).Timestamp)
	assert.Equal(t, uint32(100), s.Duration())
	assert.Equal(t, uint32(100), s.Timestamp(17))
}

func TestStore_Empty(t *testing.T) {
	s := NewStore(nil)
	assert.Equal(t, 0, s.NextServer(0))
	assert.Equal(t, uint32(0), s.Duration())
	assert.Equal(t, uint32(0), s.Timestamp(3))
}

func TestTimeBase_ElapsedExcludesPauses(t *testing.T) {
	origin := time.Unix(1000, 0)
	tb := NewTimeBase(time.Minute)
	tb.Reset(origin)

	tb.Pause(origin.Add(100 * time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, tb.Elapsed(origin.Add(time.Second)))

	tb.Resume(origin.Add(400 * time.Millisecond))
	assert.Equal(t, 300*time.Millisecond, tb.PauseOffset())
	assert.Equal(t, 200*time.Millisecond, tb.Elapsed(origin.Add(500*time.Millisecond)))
}

func TestTimeBase_DelayFloorAndSeek(t *testing.T) {
	origin := time.Unix(1000, 0)
	tb := NewTimeBase(time.Minute)
	tb.Reset(origin)

	assert.Equal(t, time.Millisecond, tb.Delay(0, origin))
	assert.Equal(t, 100*time.Millisecond, tb.Delay(100, origin))
	assert.Equal(t, 60*time.Millisecond, tb.Delay(100, origin.Add(40*time.Millisecond)))
	assert.Equal(t, time.Millisecond, tb.Delay(100, origin.Add(time.Second)))

	tb.Adjust(5000)
	assert.Equal(t, int64(5000), tb.SeekAdjustment())
	assert.Equal(t, 100*time.Millisecond, tb.Delay(5100, origin))
}

func TestTimeBase_Alive(t *testing.T) {
	now := time.Unix(1000, 0)
	tb := NewTimeBase(time.Second)
	tb.SetPreTime(now)
	assert.True(t, tb.Alive(now.Add(500*time.Millisecond)))
	assert.False(t, tb.Alive(now.Add(time.Second)))
}
