package playback

import (
	"sync"
	"sync/atomic"
)

const NormalClosure = 1000

// Transport is the synthetic Conn a client is built on during playback.
// Nothing leaves the process: outbound Send and Close are counted and
// dropped. Deliver, SignalClose and SignalError inject inbound events.
type Transport struct {
	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func(int, string)
	onError   func(error)

	sent   atomic.Int64
	closes atomic.Int64
}

var _ Conn = (*Transport)(nil)

func NewTransport() *Transport {
	return &Transport{}
}

func (t *Transport) Send(data []byte) error {
	t.sent.Add(1)
	return nil
}

func (t *Transport) Close(code int, reason string) error {
	t.closes.Add(1)
	return nil
}

func (t *Transport) OnMessage(f func([]byte)) {
	t.mu.Lock()
	t.onMessage = f
	t.mu.Unlock()
}

func (t *Transport) OnClose(f func(int, string)) {
	t.mu.Lock()
	t.onClose = f
	t.mu.Unlock()
}

func (t *Transport) OnError(f func(error)) {
	t.mu.Lock()
	t.onError = f
	t.mu.Unlock()
}

// Deliver hands payload to the client's inbound handler.
func (t *Transport) Deliver(payload []byte) {
	t.mu.Lock()
	f := t.onMessage
	t.mu.Unlock()
	if f != nil {
		f(payload)
	}
}

func (t *Transport) SignalClose(code int, reason string) {
	t.mu.Lock()
	f := t.onClose
	t.mu.Unlock()
	if f != nil {
		f(code, reason)
	}
}

func (t *Transport) SignalError(err error) {
	t.mu.Lock()
	f := t.onError
	t.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// Sent is the number of outbound messages the client tried to send.
func (t *Transport) Sent() int64 {
	return t.sent.Load()
}

func (t *Transport) Closes() int64 {
	return t.closes.Load()
}
