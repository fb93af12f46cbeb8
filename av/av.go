package av

import (
	"fmt"
)

// Direction tells which peer originally sent a recorded frame.
type Direction uint8

const (
	ServerOriginated Direction = iota
	ClientOriginated
)

func (d Direction) String() string {
	switch d {
	case ServerOriginated:
		return "server"
	case ClientOriginated:
		return "client"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// Frame is one recorded protocol message. Timestamp is the offset in
// milliseconds from the start of the captured session.
type Frame struct {
	Direction Direction // 서버가 보낸 것인지 클라이언트가 보낸 것인지. 재생은 서버 프레임만 전달한다.
	Timestamp uint32    // 녹화 시작부터의 오프셋(ms)
	Payload   []byte    // 디코딩된 원본 프로토콜 메시지
}

func (f Frame) FromClient() bool {
	return f.Direction == ClientOriginated
}

// Empty frames are delivered as no-ops.
func (f Frame) Empty() bool {
	return len(f.Payload) == 0
}

func (f Frame) String() string {
	return fmt.Sprintf("<%s t=%dms len=%d>", f.Direction, f.Timestamp, len(f.Payload))
}

// Store is the immutable, ordered frame sequence of one capture. It is safe
// to share between any number of sessions.
type Store struct {
	frames []Frame // 녹화 순서 그대로의 프레임 목록. 만든 뒤에는 바뀌지 않는다.
	server int     // 서버 프레임 수
}

func NewStore(frames []Frame) *Store {
	s := &Store{frames: make([]Frame, len(frames))}
	copy(s.frames, frames)
	for _, f := range s.frames {
		if !f.FromClient() {
			s.server++
		}
	}
	return s
}

func (s *Store) Len() int {
	return len(s.frames)
}

// ServerFrames counts the frames a playback actually delivers.
func (s *Store) ServerFrames() int {
	return s.server
}

func (s *Store) At(i int) Frame {
	return s.frames[i]
}

// NextServer returns the first index >= i holding a server frame, or Len()
// when none is left.
func (s *Store) NextServer(i int) int {
	if i < 0 {
		i = 0
	}
	for i < len(s.frames) && s.frames[i].FromClient() {
		i++
	}
	return i
}

// Duration is the timestamp of the last frame.
func (s *Store) Duration() uint32 {
	if len(s.frames) == 0 {
		return 0
	}
	return s.frames[len(s.frames)-1].Timestamp
}

// Timestamp returns the timestamp at index i, clamping i past the end to
// the last frame.
func (s *Store) Timestamp(i int) uint32 {
	if len(s.frames) == 0 {
		return 0
	}
	if i >= len(s.frames) {
		i = len(s.frames) - 1
	}
	if i < 0 {
		i = 0
	}
	return s.frames[i].Timestamp
}

// Alive is implemented by anything the session reaper polls.
type Alive interface {
	Alive() bool
}

// Info identifies one playback session.
type Info struct {
	Key     string // opaque key handed to the presentation layer
	Name    string // capture name the key was issued for
	UID     string // unique id of this session instance
	Capture string // source path of the capture
}

func (info Info) String() string {
	return fmt.Sprintf("<key: %s, name: %s, UID: %s, capture: %s>",
		info.Key, info.Name, info.UID, info.Capture)
}
