package playback

// Conn is the duplex channel a protocol client is constructed against. Send
// and Close are the client's outbound side; the On* hooks are how the client
// learns about inbound traffic and connection state.
type Conn interface {
	Send(data []byte) error
	Close(code int, reason string) error

	OnMessage(func(data []byte))
	OnClose(func(code int, reason string))
	OnError(func(err error))
}

// Credentials answer a client's credentials request.
type Credentials struct {
	Username string
	Password string
	Target   string
}

// PlaceholderCredentials are handed to any client that asks during playback.
// A recording replays the server's side only, so any answer is accepted.
var PlaceholderCredentials = Credentials{
	Username: "Foo",
	Password: "Bar",
	Target:   "Baz",
}

// Client is what playback needs from a protocol client.
//
// Saturated reports that the client wants no more input until its render
// backlog drains. Pending reports whether any render work is outstanding.
// Flush returns a channel closed once the backlog present at the call has
// been rendered.
type Client interface {
	SetViewOnly(viewOnly bool)

	OnDisconnect(func(clean bool))
	OnCredentialsRequired(func())
	SendCredentials(creds Credentials) error

	Saturated() bool
	Pending() bool
	Flush() <-chan struct{}
}

// ClientFactory builds a fresh client on top of conn for every new run.
type ClientFactory func(conn Conn) (Client, error)
