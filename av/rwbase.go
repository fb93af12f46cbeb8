package av

import (
	"sync"
	"time"
)

// TimeBase reconciles wall-clock time with recorded frame timestamps across
// pause, resume and seek.
// 재생 세션의 시간 기준을 관리하는 구조체이다. 실제 흐른 시간에서 정지 구간을
// 빼고, 앞으로 이동(seek)한 만큼 녹화 타임라인을 당겨서 다음 프레임까지의
// 대기 시간을 계산한다.
type TimeBase struct {
	lock        sync.Mutex    // 재생 루프와 상태 조회 고루틴이 동시에 접근할 때 충돌 방지.
	timeout     time.Duration // 마지막 활동 이후 이 시간이 지나면 세션이 죽은 것으로 본다.
	PreTime     time.Time     // 마지막 활동 시점. Alive 판정에 쓴다.
	origin      time.Time     // 재생 시작 시점. 모든 경과 시간의 기준점.
	pausedAt    time.Time     // 현재 정지 구간이 시작된 시점.
	paused      bool          // 정지 구간이 열려 있는지.
	pauseOffset time.Duration // 끝난 정지 구간들의 합. 경과 시간에서 뺀다.
	seekAdjust  int64         // seek 로 건너뛴 녹화 시간(ms)의 누적.
}

func NewTimeBase(timeout time.Duration) *TimeBase {
	now := time.Now()
	return &TimeBase{
		timeout: timeout,
		PreTime: now,
		origin:  now,
	}
}

// Reset starts a fresh timeline at now.
func (tb *TimeBase) Reset(now time.Time) {
	tb.lock.Lock()
	tb.origin = now
	tb.PreTime = now
	tb.paused = false
	tb.pausedAt = time.Time{}
	tb.pauseOffset = 0
	tb.seekAdjust = 0
	tb.lock.Unlock()
}

// 정지 구간을 연다. 이미 정지 중이면 시작 시점을 유지한다.
func (tb *TimeBase) Pause(now time.Time) {
	tb.lock.Lock()
	if !tb.paused {
		tb.paused = true
		tb.pausedAt = now
	}
	tb.PreTime = now
	tb.lock.Unlock()
}

// Resume folds the just-ended pause interval into the pause offset.
func (tb *TimeBase) Resume(now time.Time) {
	tb.lock.Lock()
	if tb.paused {
		if d := now.Sub(tb.pausedAt); d > 0 {
			tb.pauseOffset += d
		}
		tb.paused = false
	}
	tb.PreTime = now
	tb.lock.Unlock()
}

// PauseOffset is the total time elided by completed pause intervals.
func (tb *TimeBase) PauseOffset() time.Duration {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	return tb.pauseOffset
}

// Elapsed is the running time at now. An open pause interval does not count.
func (tb *TimeBase) Elapsed(now time.Time) time.Duration {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	end := now
	if tb.paused {
		end = tb.pausedAt
	}
	d := end.Sub(tb.origin) - tb.pauseOffset
	if d < 0 {
		return 0
	}
	return d
}

// Adjust adds a timestamp delta in milliseconds to the seek adjustment.
func (tb *TimeBase) Adjust(deltaMs int64) {
	tb.lock.Lock()
	tb.seekAdjust += deltaMs
	tb.lock.Unlock()
}

func (tb *TimeBase) SeekAdjustment() int64 {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	return tb.seekAdjust
}

// Delay returns how long to wait before delivering a frame recorded at
// timestamp. It never returns less than one millisecond.
func (tb *TimeBase) Delay(timestamp uint32, now time.Time) time.Duration {
	elapsed := tb.Elapsed(now).Milliseconds()
	// 녹화 시각 - (실제 재생된 시간 + seek 로 건너뛴 시간)
	delay := int64(timestamp) - (elapsed + tb.SeekAdjustment())
	if delay < 1 {
		delay = 1
	}
	return time.Duration(delay) * time.Millisecond
}

func (tb *TimeBase) SetPreTime(now time.Time) {
	tb.lock.Lock()
	tb.PreTime = now
	tb.lock.Unlock()
}

// Alive reports whether there was activity within the timeout.
func (tb *TimeBase) Alive(now time.Time) bool {
	tb.lock.Lock()
	b := now.Sub(tb.PreTime) < tb.timeout
	tb.lock.Unlock()
	return b
}
