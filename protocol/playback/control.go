package playback

import (
	"time"

	"github.com/kokoavailable/rfbreplay/av"
)

// Control calls are tolerant: a call that does not apply to the current
// state (stop while not running, resume while not stopped, ...) is a no-op
// and returns nil. They only fail once the player is closed.

// Start begins a new run from the first frame. When a stopped session is
// pending, Start resumes it instead; use Restart to discard it.
func (p *Player) Start(opts StartOptions) error {
	return p.call(request{op: opStart, opts: opts})
}

// Restart discards any current or stopped run and starts from the first frame.
func (p *Player) Restart(opts StartOptions) error {
	return p.call(request{op: opRestart, opts: opts})
}

// Stop pauses a running session, keeping its cursor and timing. Any
// outstanding delivery timer is cancelled before Stop returns.
func (p *Player) Stop() error {
	return p.call(request{op: opStop})
}

func (p *Player) Resume() error {
	return p.call(request{op: opResume})
}

// Finish ends the run once the client has rendered everything delivered.
func (p *Player) Finish() error {
	return p.call(request{op: opFinish})
}

// Seek moves the cursor forward to target. Backward seeks are ignored.
func (p *Player) Seek(target int) error {
	return p.call(request{op: opSeek, target: target})
}

func (p *Player) call(req request) error {
	req.reply = make(chan error, 1)
	select {
	case p.reqs <- req:
	case <-p.done:
		return ErrClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-p.exited:
		return ErrClosed
	}
}

// Close tears the session down without invoking any handler.
func (p *Player) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	<-p.exited
}

func (p *Player) Info() av.Info {
	return p.info
}

func (p *Player) Frames() *av.Store {
	return p.frames
}

func (p *Player) State() State {
	return State(p.snapState.Load())
}

// Running is true from start until the run finishes, except while stopped.
func (p *Player) Running() bool {
	s := p.State()
	return s == Running || s == Draining
}

// Cursor is the index of the next frame to deliver.
func (p *Player) Cursor() int {
	return int(p.snapCursor.Load())
}

// Delivered counts frames handed to the client in the current run.
func (p *Player) Delivered() int64 {
	return p.delivered.Load()
}

// Drains counts the waits on client drain completion in the current run.
func (p *Player) Drains() int64 {
	return p.drains.Load()
}

// Alive reports whether the session is playing or was active recently.
func (p *Player) Alive() bool {
	switch p.State() {
	case Running, Stopped, Draining:
		return true
	}
	return p.timeBase.Alive(p.clock.Now())
}

var _ av.Alive = (*Player)(nil)

type Progress struct {
	Cursor    int           `json:"cursor"`
	Total     int           `json:"total"`
	State     string        `json:"state"`
	Mode      string        `json:"mode"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Paused    time.Duration `json:"paused_ns"`
	Delivered int64         `json:"delivered"`
}

func (p *Player) Progress() Progress {
	return Progress{
		Cursor:    p.Cursor(),
		Total:     p.frames.Len(),
		State:     p.State().String(),
		Mode:      Mode(p.snapMode.Load()).String(),
		Elapsed:   p.timeBase.Elapsed(p.clock.Now()),
		Paused:    p.timeBase.PauseOffset(),
		Delivered: p.delivered.Load(),
	}
}
