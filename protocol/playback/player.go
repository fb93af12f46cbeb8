// Package playback replays a recorded frame sequence into a protocol client,
// either paced by the recorded timestamps or as fast as the client accepts.
//
// A Player owns one session. All session state lives on a single loop
// goroutine; control calls and asynchronous completions (timers, drain
// notifications, client disconnects) are serialized through it. Every
// asynchronous continuation carries the epoch it was armed in and is dropped
// when the session has moved on since.
package playback

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kokoavailable/rfbreplay/av"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultSettleDelay = 100 * time.Millisecond
	DefaultIdleTimeout = 5 * time.Minute
)

var (
	ErrClosed   = errors.New("playback: player is closed")
	ErrNoClient = errors.New("playback: cannot create protocol client")
)

type Mode uint8

const (
	Realtime Mode = iota
	FullSpeed
)

func (m Mode) String() string {
	if m == FullSpeed {
		return "fullspeed"
	}
	return "realtime"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "realtime", "real":
		return Realtime, nil
	case "fullspeed", "full", "fast":
		return FullSpeed, nil
	}
	return Realtime, fmt.Errorf("unknown playback mode %q", s)
}

// ParseTraffic reads a traffic management override. "auto" and "" leave
// the choice to the mode.
func ParseTraffic(s string) (*bool, error) {
	var on bool
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return nil, nil
	case "on", "true", "1":
		on = true
	case "off", "false", "0":
	default:
		return nil, fmt.Errorf("unknown traffic setting %q", s)
	}
	return &on, nil
}

type State int32

const (
	Idle State = iota
	Running
	Stopped
	Draining
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Draining:
		return "draining"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handlers are invoked in order on a dedicated goroutine.
type Handlers struct {
	OnFinish     func(elapsed time.Duration)
	OnDisconnect func(clean bool, cursor int)
	OnStop       func()
	OnResume     func()
}

type Config struct {
	Info     av.Info
	Clock    Clock
	Handlers Handlers

	// SettleDelay is waited after a seek before a running session resumes.
	SettleDelay time.Duration

	// IdleTimeout bounds how long a session that is not playing stays Alive.
	IdleTimeout time.Duration
}

// StartOptions select the pacing of a run. TrafficManagement defaults to
// on for FullSpeed and off for Realtime.
type StartOptions struct {
	Mode              Mode
	TrafficManagement *bool
}

func (o StartOptions) traffic() bool {
	if o.TrafficManagement != nil {
		return *o.TrafficManagement
	}
	return o.Mode != Realtime
}

type opcode uint8

const (
	opStart opcode = iota
	opRestart
	opStop
	opResume
	opFinish
	opSeek
)

type request struct {
	op     opcode
	opts   StartOptions
	target int
	reply  chan error
}

type eventKind uint8

const (
	evDeliver eventKind = iota
	evDrained
	evSettled
	evDisconnect
)

type event struct {
	kind      eventKind
	epoch     uint64
	run       uint64
	clean     bool
	finishing bool
}

type Player struct {
	log       *log.Entry
	info      av.Info
	frames    *av.Store
	newClient ClientFactory
	clock     Clock
	settle    time.Duration
	handlers  Handlers
	notify    *notifier
	timeBase  *av.TimeBase

	reqs      chan request
	events    chan event
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	// owned by the loop goroutine
	state     State
	cursor    int
	mode      Mode
	traffic   bool
	timer     Timer
	settling  bool
	turn      bool
	epoch     uint64
	run       uint64
	transport *Transport
	client    Client

	// snapshots for readers outside the loop
	snapState  atomic.Int32
	snapCursor atomic.Int64
	snapMode   atomic.Int32
	delivered  atomic.Int64
	drains     atomic.Int64
}

func NewPlayer(frames *av.Store, newClient ClientFactory, cfg Config) *Player {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	p := &Player{
		log:       log.WithFields(log.Fields{"session": cfg.Info.UID, "key": cfg.Info.Key}),
		info:      cfg.Info,
		frames:    frames,
		newClient: newClient,
		clock:     cfg.Clock,
		settle:    cfg.SettleDelay,
		handlers:  cfg.Handlers,
		notify:    newNotifier(),
		timeBase:  av.NewTimeBase(cfg.IdleTimeout),
		reqs:      make(chan request),
		events:    make(chan event, 64),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	p.timeBase.Reset(p.clock.Now())
	go p.loop()
	return p
}

func (p *Player) loop() {
	defer close(p.exited)
	for {
		if p.turn {
			// Full speed delivery yields one loop turn so control calls and
			// completions queued meanwhile are served first.
			select {
			case req := <-p.reqs:
				p.handle(req)
				continue
			case ev := <-p.events:
				p.dispatch(ev)
				continue
			case <-p.done:
				p.shutdown()
				return
			default:
			}
			p.turn = false
			p.attempt(p.epoch)
			p.publish()
			continue
		}

		select {
		case req := <-p.reqs:
			p.handle(req)
		case ev := <-p.events:
			p.dispatch(ev)
		case <-p.done:
			p.shutdown()
			return
		}
	}
}

func (p *Player) handle(req request) {
	var err error
	switch req.op {
	case opStart:
		err = p.start(req.opts, false)
	case opRestart:
		err = p.start(req.opts, true)
	case opStop:
		p.stop()
	case opResume:
		p.resume()
	case opFinish:
		p.finishRequested()
	case opSeek:
		p.seek(req.target)
	}
	p.publish()
	req.reply <- err
}

func (p *Player) dispatch(ev event) {
	switch ev.kind {
	case evDeliver:
		p.attempt(ev.epoch)
	case evDrained:
		if ev.epoch != p.epoch {
			p.log.Debug("drain completed for a past epoch, ignored")
			break
		}
		if ev.finishing {
			if p.state == Draining {
				p.finish()
			}
			break
		}
		p.attempt(ev.epoch)
	case evSettled:
		if ev.epoch != p.epoch || p.state != Stopped || !p.settling {
			break
		}
		p.settling = false
		p.resume()
	case evDisconnect:
		p.disconnected(ev)
	}
	p.publish()
}

func (p *Player) publish() {
	p.snapState.Store(int32(p.state))
	p.snapCursor.Store(int64(p.cursor))
	p.snapMode.Store(int32(p.mode))
}

// transition cancels whatever was scheduled for the old state and moves the
// epoch forward so that late continuations are recognized as stale.
func (p *Player) transition(s State) {
	p.cancelTimer()
	p.turn = false
	p.settling = false
	p.epoch++
	p.state = s
	p.timeBase.SetPreTime(p.clock.Now())
}

func (p *Player) cancelTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// arm replaces the outstanding timer. At most one is ever pending.
func (p *Player) arm(d time.Duration, kind eventKind) {
	p.cancelTimer()
	epoch := p.epoch
	p.timer = p.clock.AfterFunc(d, func() {
		p.post(event{kind: kind, epoch: epoch})
	})
}

// post queues an event for the loop. It never blocks the caller, which may
// be the loop itself when a client reacts synchronously to a delivery.
func (p *Player) post(ev event) {
	select {
	case p.events <- ev:
	case <-p.done:
	default:
		go func() {
			select {
			case p.events <- ev:
			case <-p.done:
			}
		}()
	}
}

func (p *Player) start(opts StartOptions, force bool) error {
	if p.state == Stopped && !force {
		p.log.Info("start with a stopped session pending, resuming instead")
		p.resume()
		return nil
	}
	if p.transport != nil {
		p.teardown("restart")
	}

	transport := NewTransport()
	client, err := p.newClient(transport)
	if err != nil {
		p.log.Errorf("create client: %v", err)
		return fmt.Errorf("%w: %v", ErrNoClient, err)
	}
	client.SetViewOnly(true)

	p.run++
	run := p.run
	client.OnDisconnect(func(clean bool) {
		p.post(event{kind: evDisconnect, run: run, clean: clean})
	})
	client.OnCredentialsRequired(func() {
		if err := client.SendCredentials(PlaceholderCredentials); err != nil {
			p.log.Warnf("send credentials: %v", err)
		}
	})

	p.transport = transport
	p.client = client
	p.cursor = 0
	p.mode = opts.Mode
	p.traffic = opts.traffic()
	p.delivered.Store(0)
	p.drains.Store(0)
	p.timeBase.Reset(p.clock.Now())
	p.transition(Running)

	p.log.WithFields(log.Fields{
		"mode":    p.mode,
		"traffic": p.traffic,
		"frames":  p.frames.Len(),
	}).Info("playback started")

	p.advance()
	return nil
}

// teardown drops the current client without reporting anything upstream.
func (p *Player) teardown(reason string) {
	t := p.transport
	p.transition(Idle)
	p.client = nil
	p.transport = nil
	if t != nil {
		t.SignalClose(NormalClosure, reason)
	}
}

func (p *Player) shutdown() {
	p.teardown("shutdown")
	p.publish()
	p.notify.close()
}

func (p *Player) stop() {
	if p.state == Stopped && p.settling {
		p.cancelTimer()
		p.settling = false
		p.log.Debug("stop cancelled the resume scheduled after seek")
		return
	}
	if p.state != Running {
		p.log.Debugf("stop ignored in state %s", p.state)
		return
	}
	p.transition(Stopped)
	p.timeBase.Pause(p.clock.Now())
	p.log.WithField("cursor", p.cursor).Info("playback stopped")
	p.notify.post(p.handlers.OnStop)
}

func (p *Player) resume() {
	if p.state != Stopped {
		p.log.Debugf("resume ignored in state %s", p.state)
		return
	}
	p.timeBase.Resume(p.clock.Now())
	p.transition(Running)
	p.log.WithField("cursor", p.cursor).Info("playback resumed")
	p.notify.post(p.handlers.OnResume)
	p.advance()
}

// advance schedules delivery of the next server frame, or finishes the run
// when none is left.
func (p *Player) advance() {
	p.cursor = p.frames.NextServer(p.cursor)
	if p.cursor >= p.frames.Len() {
		p.log.Debug("no more frames")
		p.finish()
		return
	}

	if p.mode == Realtime {
		f := p.frames.At(p.cursor)
		p.arm(p.timeBase.Delay(f.Timestamp, p.clock.Now()), evDeliver)
		return
	}
	p.turn = true
}

// attempt delivers the frame at the cursor unless the session moved on or
// the client asks for backpressure.
func (p *Player) attempt(epoch uint64) {
	if epoch != p.epoch || p.state != Running {
		p.log.Debug("delivery fired after the session moved on, ignored")
		return
	}
	p.timer = nil

	if p.traffic && p.client.Saturated() {
		p.awaitDrain(false)
		return
	}

	f := p.frames.At(p.cursor)
	if !f.Empty() {
		p.transport.Deliver(f.Payload)
		p.delivered.Add(1)
	}
	p.cursor++
	p.advance()
}

func (p *Player) awaitDrain(finishing bool) {
	p.drains.Add(1)
	ch := p.client.Flush()
	epoch := p.epoch
	go func() {
		select {
		case <-ch:
			p.post(event{kind: evDrained, epoch: epoch, finishing: finishing})
		case <-p.done:
		}
	}()
}

func (p *Player) finishRequested() {
	switch p.state {
	case Running, Stopped:
	default:
		p.log.Debugf("finish ignored in state %s", p.state)
		return
	}
	if p.state == Stopped {
		p.timeBase.Resume(p.clock.Now())
	}
	p.transition(Draining)
	p.finish()
}

// finish waits out pending render work, then closes the run.
func (p *Player) finish() {
	if p.client != nil && p.client.Pending() {
		if p.state != Draining {
			p.transition(Draining)
		}
		p.awaitDrain(true)
		return
	}

	elapsed := p.timeBase.Elapsed(p.clock.Now())
	t := p.transport
	p.transition(Finished)
	p.client = nil
	p.transport = nil
	if t != nil {
		t.SignalClose(NormalClosure, "")
	}

	p.log.WithFields(log.Fields{
		"elapsed":   elapsed,
		"delivered": p.delivered.Load(),
	}).Info("playback finished")
	if f := p.handlers.OnFinish; f != nil {
		p.notify.post(func() { f(elapsed) })
	}
}

func (p *Player) disconnected(ev event) {
	if ev.run != p.run {
		return
	}
	switch p.state {
	case Running, Stopped, Draining:
	default:
		return
	}

	cursor := p.cursor
	p.transition(Finished)
	p.client = nil
	p.transport = nil

	p.log.WithFields(log.Fields{"clean": ev.clean, "cursor": cursor}).Warn("client disconnected")
	if f := p.handlers.OnDisconnect; f != nil {
		p.notify.post(func() { f(ev.clean, cursor) })
	}
}

// seek moves the cursor forward to target, replaying the server frames in
// between synchronously so the client's state catches up.
func (p *Player) seek(target int) {
	if p.state != Running && p.state != Stopped {
		p.log.Debugf("seek ignored in state %s", p.state)
		return
	}
	if target > p.frames.Len() {
		target = p.frames.Len()
	}
	if target <= p.cursor {
		p.log.Debugf("seek to %d from %d ignored, only forward seeks are supported", target, p.cursor)
		return
	}

	wasRunning := p.state == Running
	if wasRunning {
		p.stop()
	}

	from := p.cursor
	delta := int64(p.frames.Timestamp(target)) - int64(p.frames.Timestamp(from))
	for i := from; i < target; i++ {
		f := p.frames.At(i)
		if f.FromClient() || f.Empty() {
			continue
		}
		p.transport.Deliver(f.Payload)
		p.delivered.Add(1)
	}
	p.cursor = target
	p.timeBase.Adjust(delta)

	p.log.WithFields(log.Fields{"from": from, "to": target, "adjust_ms": delta}).Info("seek")
	if wasRunning {
		p.arm(p.settle, evSettled)
		p.settling = true
	}
}
