package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

// streamCommand is a text frame sent by a progress viewer.
type streamCommand struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`
}

// handleProgressStream pushes progress samples over a websocket. The viewer
// may send {"type":"seek","index":N}, {"type":"stop"} or {"type":"resume"}.
func (s *Server) handleProgressStream(w http.ResponseWriter, req *http.Request) {
	sess, ok := s.lookup(w, req)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warnf("progress stream upgrade: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	l := log.WithField("key", sess.Info().Key)

	go func() {
		defer cancel()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					l.Debugf("progress stream read: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var cmd streamCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				l.Debugf("invalid progress command: %v", err)
				continue
			}
			switch cmd.Type {
			case "seek":
				err = sess.Reporter.SeekTo(cmd.Index)
			case "stop":
				err = sess.Player.Stop()
			case "resume":
				err = sess.Player.Resume()
			default:
				l.Debugf("unknown progress command %q", cmd.Type)
			}
			if err != nil {
				l.Warnf("progress command %s: %v", cmd.Type, err)
				return
			}
		}
	}()

	for prog := range sess.Reporter.Subscribe(ctx) {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(prog); err != nil {
			l.Debugf("progress stream write: %v", err)
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
