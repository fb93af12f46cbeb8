package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kokoavailable/rfbreplay/av"
	"github.com/kokoavailable/rfbreplay/configure"
	"github.com/kokoavailable/rfbreplay/protocol/playback"

	log "github.com/sirupsen/logrus"
)

const DefaultReapInterval = 5 * time.Second

type Session struct {
	Player   *playback.Player
	Reporter *playback.Reporter
}

func (s *Session) Info() av.Info {
	return s.Player.Info()
}

// SessionStatus is the listing entry for one session.
type SessionStatus struct {
	Key      string            `json:"key"`
	Name     string            `json:"name"`
	ID       string            `json:"id"`
	Capture  string            `json:"capture"`
	Progress playback.Progress `json:"progress"`
}

type Registry struct {
	sessions *sync.Map
}

func NewRegistry() *Registry {
	return &Registry{sessions: &sync.Map{}}
}

// Store registers s under its key. It fails when the key is taken.
func (r *Registry) Store(s *Session) bool {
	_, loaded := r.sessions.LoadOrStore(s.Info().Key, s)
	return !loaded
}

func (r *Registry) Load(key string) (*Session, bool) {
	v, ok := r.sessions.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Remove closes and drops the session under key.
func (r *Registry) Remove(key string) bool {
	v, ok := r.sessions.LoadAndDelete(key)
	if !ok {
		return false
	}
	s := v.(*Session)
	s.Player.Close()
	configure.CaptureKeys.DeleteKey(key)
	log.WithField("key", key).Info("session removed")
	return true
}

func (r *Registry) List() []SessionStatus {
	var out []SessionStatus
	r.sessions.Range(func(key, val interface{}) bool {
		s := val.(*Session)
		info := s.Info()
		out = append(out, SessionStatus{
			Key:      info.Key,
			Name:     info.Name,
			ID:       info.UID,
			Capture:  info.Capture,
			Progress: s.Player.Progress(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reap closes every session that is neither playing nor recently active.
func (r *Registry) Reap() int {
	n := 0
	r.sessions.Range(func(key, val interface{}) bool {
		if !val.(*Session).Player.Alive() {
			if r.Remove(key.(string)) {
				n++
			}
		}
		return true
	})
	return n
}

// CheckAlive reaps idle sessions every interval until ctx is done.
func (r *Registry) CheckAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	for {
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
		if n := r.Reap(); n > 0 {
			log.Debugf("reaped %d idle sessions", n)
		}
	}
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.sessions.Range(func(key, val interface{}) bool {
		r.Remove(key.(string))
		return true
	})
}
