package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kokoavailable/rfbreplay/av"
	"github.com/kokoavailable/rfbreplay/configure"
	"github.com/kokoavailable/rfbreplay/container/capture"
	"github.com/kokoavailable/rfbreplay/protocol/playback"
	"github.com/kokoavailable/rfbreplay/utils/uid"

	jwtmiddleware "github.com/auth0/go-jwt-middleware"
	"github.com/dgrijalva/jwt-go"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/negroni"
)

type Response struct {
	w      http.ResponseWriter
	Status int         `json:"status"`
	Data   interface{} `json:"data"`
}

func (r *Response) SendJson() (int, error) {
	resp, _ := json.Marshal(r)
	r.w.Header().Set("Content-Type", "application/json")
	r.w.WriteHeader(r.Status)
	return r.w.Write(resp)
}

var errOutsideCaptureDir = errors.New("capture is outside the capture directory")

type Options struct {
	Captures  *capture.Cache
	NewClient playback.ClientFactory

	// CaptureDir confines the captures the API may open. Relative capture
	// paths are resolved against it. Empty means unrestricted.
	CaptureDir string

	// Player supplies settle delay, idle timeout and clock for new sessions.
	Player playback.Config

	Mode             playback.Mode
	ProgressInterval time.Duration
}

type Server struct {
	opts     Options
	sessions *Registry
	upgrader websocket.Upgrader
	srv      *http.Server
}

func NewServer(opts Options) *Server {
	if opts.Captures == nil {
		opts.Captures = capture.NewCache(0)
	}
	s := &Server{
		opts:     opts,
		sessions: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.srv = &http.Server{Handler: s.Handler()}
	return s
}

func (s *Server) Sessions() *Registry {
	return s.sessions
}

// Add creates a session for store named name. Handlers are invoked in
// addition to the server's own logging.
func (s *Server) Add(name, capturePath string, store *av.Store, h playback.Handlers) (*Session, error) {
	key, err := configure.CaptureKeys.GetKey(name)
	if err != nil {
		return nil, err
	}
	if existing, ok := s.sessions.Load(key); ok {
		return existing, fmt.Errorf("session %q already exists", name)
	}

	info := av.Info{
		Key:     key,
		Name:    name,
		UID:     uid.NewId(),
		Capture: capturePath,
	}
	cfg := s.opts.Player
	cfg.Info = info
	cfg.Handlers = logged(info, h)

	sess := &Session{Player: playback.NewPlayer(store, s.opts.NewClient, cfg)}
	sess.Reporter = playback.NewReporter(sess.Player, s.opts.ProgressInterval)
	if !s.sessions.Store(sess) {
		sess.Player.Close()
		existing, _ := s.sessions.Load(key)
		return existing, fmt.Errorf("session %q already exists", name)
	}
	log.WithFields(log.Fields{"key": key, "name": name, "frames": store.Len()}).Info("session added")
	return sess, nil
}

func logged(info av.Info, h playback.Handlers) playback.Handlers {
	l := log.WithFields(log.Fields{"session": info.UID, "name": info.Name})
	return playback.Handlers{
		OnFinish: func(elapsed time.Duration) {
			l.Infof("finished after %v", elapsed)
			if h.OnFinish != nil {
				h.OnFinish(elapsed)
			}
		},
		OnDisconnect: func(clean bool, cursor int) {
			l.Warnf("client disconnected at frame %d (clean=%v)", cursor, clean)
			if h.OnDisconnect != nil {
				h.OnDisconnect(clean, cursor)
			}
		},
		OnStop:   h.OnStop,
		OnResume: h.OnResume,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/sessions", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{key}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{key}/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{key}/restart", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{key}/stop", s.control((*playback.Player).Stop)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{key}/resume", s.control((*playback.Player).Resume)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{key}/finish", s.control((*playback.Player).Finish)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{key}/seek", s.handleSeek).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{key}/progress", s.handleProgress).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{key}/progress/ws", s.handleProgressStream).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{key}/capture", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/captures", s.handleFlushCaptures).Methods(http.MethodDelete)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		res := &Response{w: w, Status: http.StatusNotFound, Data: "not found"}
		res.SendJson()
	})

	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.Use(negroni.NewLogger())
	n.UseHandler(JWTMiddleware(r))
	return n
}

func (s *Server) Serve(l net.Listener) error {
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and closes every session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.sessions.CloseAll()
	return err
}

func JWTMiddleware(next http.Handler) http.Handler {
	isJWT := len(configure.Config.GetString("jwt.secret")) > 0
	if !isJWT {
		return next
	}

	log.Info("Using JWT middleware")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var algorithm jwt.SigningMethod
		if len(configure.Config.GetString("jwt.algorithm")) > 0 {
			algorithm = jwt.GetSigningMethod(configure.Config.GetString("jwt.algorithm"))
		}

		if algorithm == nil {
			algorithm = jwt.SigningMethodHS256
		}

		jwtMiddleware := jwtmiddleware.New(jwtmiddleware.Options{
			Extractor: jwtmiddleware.FromFirst(jwtmiddleware.FromAuthHeader, jwtmiddleware.FromParameter("jwt")),
			ValidationKeyGetter: func(token *jwt.Token) (interface{}, error) {
				return []byte(configure.Config.GetString("jwt.secret")), nil
			},
			SigningMethod: algorithm,
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err string) {
				res := &Response{
					w:      w,
					Status: http.StatusForbidden,
					Data:   err,
				}
				res.SendJson()
			},
		})

		jwtMiddleware.HandlerWithNext(w, r, next.ServeHTTP)
	})
}

// POST /sessions?capture=recordings/login.js&name=login
func (s *Server) handleCreate(w http.ResponseWriter, req *http.Request) {
	res := &Response{w: w, Status: http.StatusOK}
	defer res.SendJson()

	path := req.URL.Query().Get("capture")
	if path == "" {
		res.Status = http.StatusBadRequest
		res.Data = "url: /sessions?capture=<path>[&name=<name>]"
		return
	}
	name := req.URL.Query().Get("name")
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	path, err := s.resolveCapture(path)
	if err != nil {
		res.Status = openStatus(err)
		res.Data = err.Error()
		return
	}
	store, err := s.opts.Captures.Open(path)
	if err != nil {
		res.Status = openStatus(err)
		res.Data = err.Error()
		return
	}

	sess, err := s.Add(name, path, store, playback.Handlers{})
	if err != nil {
		res.Status = http.StatusConflict
		res.Data = err.Error()
		if sess != nil {
			res.Data = sess.Info().Key
		}
		return
	}
	res.Data = sess.Info().Key
}

// resolveCapture maps a requested capture path to a file inside CaptureDir,
// following symlinks before the check.
func (s *Server) resolveCapture(path string) (string, error) {
	if s.opts.CaptureDir == "" {
		return path, nil
	}
	root, err := filepath.Abs(s.opts.CaptureDir)
	if err != nil {
		return "", err
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		log.Warnf("rejected capture %s outside %s", path, root)
		return "", errOutsideCaptureDir
	}
	return resolved, nil
}

func openStatus(err error) int {
	var fe *capture.FormatError
	switch {
	case errors.Is(err, errOutsideCaptureDir):
		return http.StatusForbidden
	case errors.As(err, &fe):
		return http.StatusUnprocessableEntity
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// DELETE /captures drops every cached capture. Sessions keep the frames
// they were created with.
func (s *Server) handleFlushCaptures(w http.ResponseWriter, req *http.Request) {
	n := s.opts.Captures.Len()
	s.opts.Captures.Flush()
	log.Infof("[capture] flushed %d cached captures", n)
	res := &Response{w: w, Status: http.StatusOK, Data: n}
	res.SendJson()
}

func (s *Server) handleList(w http.ResponseWriter, req *http.Request) {
	res := &Response{w: w, Status: http.StatusOK, Data: s.sessions.List()}
	res.SendJson()
}

func (s *Server) handleDelete(w http.ResponseWriter, req *http.Request) {
	res := &Response{w: w, Status: http.StatusOK, Data: "Ok"}
	defer res.SendJson()

	if !s.sessions.Remove(mux.Vars(req)["key"]) {
		res.Status = http.StatusNotFound
		res.Data = "session not found"
	}
}

// lookup resolves the {key} route variable, answering 404 itself when the
// session is unknown.
func (s *Server) lookup(w http.ResponseWriter, req *http.Request) (*Session, bool) {
	sess, ok := s.sessions.Load(mux.Vars(req)["key"])
	if !ok {
		res := &Response{w: w, Status: http.StatusNotFound, Data: "session not found"}
		res.SendJson()
	}
	return sess, ok
}

func (s *Server) startOptions(req *http.Request) (playback.StartOptions, error) {
	opts := playback.StartOptions{Mode: s.opts.Mode}
	if m := req.URL.Query().Get("mode"); m != "" {
		mode, err := playback.ParseMode(m)
		if err != nil {
			return opts, err
		}
		opts.Mode = mode
	}
	traffic, err := playback.ParseTraffic(req.URL.Query().Get("traffic"))
	if err != nil {
		return opts, err
	}
	opts.TrafficManagement = traffic
	return opts, nil
}

func (s *Server) handleStart(w http.ResponseWriter, req *http.Request) {
	s.start(w, req, (*playback.Player).Start)
}

func (s *Server) handleRestart(w http.ResponseWriter, req *http.Request) {
	s.start(w, req, (*playback.Player).Restart)
}

func (s *Server) start(w http.ResponseWriter, req *http.Request, op func(*playback.Player, playback.StartOptions) error) {
	sess, ok := s.lookup(w, req)
	if !ok {
		return
	}
	res := &Response{w: w, Status: http.StatusOK}
	defer res.SendJson()

	opts, err := s.startOptions(req)
	if err != nil {
		res.Status = http.StatusBadRequest
		res.Data = err.Error()
		return
	}
	if err := op(sess.Player, opts); err != nil {
		res.Status = controlStatus(err)
		res.Data = err.Error()
		return
	}
	res.Data = sess.Player.Progress()
}

func (s *Server) control(op func(*playback.Player) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sess, ok := s.lookup(w, req)
		if !ok {
			return
		}
		res := &Response{w: w, Status: http.StatusOK}
		if err := op(sess.Player); err != nil {
			res.Status = controlStatus(err)
			res.Data = err.Error()
		} else {
			res.Data = sess.Player.Progress()
		}
		res.SendJson()
	}
}

func controlStatus(err error) int {
	switch {
	case errors.Is(err, playback.ErrClosed):
		return http.StatusGone
	case errors.Is(err, playback.ErrNoClient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// POST /sessions/{key}/seek?index=120
func (s *Server) handleSeek(w http.ResponseWriter, req *http.Request) {
	sess, ok := s.lookup(w, req)
	if !ok {
		return
	}
	res := &Response{w: w, Status: http.StatusOK}
	defer res.SendJson()

	index, err := strconv.Atoi(req.URL.Query().Get("index"))
	if err != nil {
		res.Status = http.StatusBadRequest
		res.Data = "url: /sessions/{key}/seek?index=<frame>"
		return
	}
	if err := sess.Reporter.SeekTo(index); err != nil {
		res.Status = controlStatus(err)
		res.Data = err.Error()
		return
	}
	res.Data = sess.Player.Progress()
}

func (s *Server) handleProgress(w http.ResponseWriter, req *http.Request) {
	sess, ok := s.lookup(w, req)
	if !ok {
		return
	}
	res := &Response{w: w, Status: http.StatusOK, Data: sess.Player.Progress()}
	res.SendJson()
}

// GET /sessions/{key}/capture?layout=script&encoding=base64
func (s *Server) handleExport(w http.ResponseWriter, req *http.Request) {
	sess, ok := s.lookup(w, req)
	if !ok {
		return
	}
	layout, err := capture.ParseLayout(req.URL.Query().Get("layout"))
	if err == nil {
		var enc capture.Encoding
		if enc, err = capture.ParseEncoding(req.URL.Query().Get("encoding")); err == nil {
			s.export(w, sess, layout, enc)
			return
		}
	}
	res := &Response{w: w, Status: http.StatusBadRequest, Data: err.Error()}
	res.SendJson()
}

func (s *Server) export(w http.ResponseWriter, sess *Session, layout capture.Layout, enc capture.Encoding) {
	var buf bytes.Buffer
	if err := capture.WriteStore(&buf, sess.Player.Frames(), layout, enc); err != nil {
		res := &Response{w: w, Status: http.StatusUnprocessableEntity, Data: err.Error()}
		res.SendJson()
		return
	}
	ext, ctype := ".js", "application/javascript"
	if layout == capture.Lines {
		ext, ctype = ".txt", "text/plain"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sess.Info().Name+ext))
	w.Write(buf.Bytes())
}
