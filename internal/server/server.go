// Package server exposes the annotation engine over HTTP: the JSON
// persistence endpoints, the static viewer assets and the per-connection
// WebSocket event stream.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bridgepano/annotator/internal/api"
	"github.com/bridgepano/annotator/internal/dispatcher"
	"github.com/bridgepano/annotator/internal/logging"
	"github.com/bridgepano/annotator/internal/session"
	"github.com/bridgepano/annotator/internal/storage"
	"github.com/bridgepano/annotator/internal/store"
	"github.com/bridgepano/annotator/internal/stream"
	"github.com/bridgepano/annotator/internal/viewer/rectilinear"
	"github.com/bridgepano/annotator/pkg/core"
)

const (
	defaultViewportW = 1280.0
	defaultViewportH = 720.0
	defaultFOV       = math.Pi / 2

	wsReadLimit    = 1 << 20
	wsReadDeadline = 60 * time.Second
)

// SceneLoader resolves the scene descriptor of a working folder.
type SceneLoader func(folder string) ([]core.Scene, error)

// Config assembles the server's collaborators.
type Config struct {
	Log     zerolog.Logger
	Slog    *logging.SlogManager
	Backend storage.Backend

	// StaticDir is the root of the viewer assets: per-folder tiles,
	// map.png, scenes.json and bridge_info.json.
	StaticDir string

	ReadOnly bool

	// DefaultFolder is used when a request carries no folder parameter.
	DefaultFolder string

	// Scenes overrides the default scenes.json loader in tests.
	Scenes SceneLoader

	Metrics session.Metrics
}

// Server is the HTTP front of the annotation engine.
type Server struct {
	log           zerolog.Logger
	slog          *logging.SlogManager
	backend       storage.Backend
	static        string
	readOnly      bool
	defaultFolder string
	scenes        SceneLoader
	metrics       session.Metrics

	upgrader websocket.Upgrader

	// Live sessions by folder, notified when an HTTP writer mutates the
	// folder's document.
	sessMu   sync.Mutex
	sessions map[*session.Session]string
}

// New creates a server. The backend must already be initialized.
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("server: backend is required")
	}
	s := &Server{
		log:           cfg.Log,
		slog:          cfg.Slog,
		backend:       cfg.Backend,
		static:        cfg.StaticDir,
		readOnly:      cfg.ReadOnly,
		defaultFolder: cfg.DefaultFolder,
		scenes:        cfg.Scenes,
		metrics:       cfg.Metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session.Session]string),
	}
	if s.scenes == nil {
		s.scenes = s.loadScenes
	}
	return s, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{folder}/annotations/annotations.json", s.handleGetAnnotations)
	mux.HandleFunc("POST /save-annotations", s.handleSave)
	mux.HandleFunc("DELETE /delete-annotation", s.handleDelete)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("/", http.FileServer(http.Dir(s.static)))
	return s.requestLog(mux)
}

// requestLog traces every request through the slog manager.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.slog == nil {
			return
		}
		level := "INFO"
		if rec.status >= 400 {
			level = "WARN"
		}
		s.slog.WriteLog("http", fmt.Sprintf("%s %s %d", r.Method, r.URL.Path, rec.status), level)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the websocket upgrade working through the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) handleGetAnnotations(w http.ResponseWriter, r *http.Request) {
	folder := r.PathValue("folder")
	doc, err := s.backend.Document(r.Context(), folder)
	if err != nil {
		s.log.Error().Err(err).Str("folder", folder).Msg("document load failed")
		writeError(w, http.StatusInternalServerError, "load failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.log.Error().Err(err).Msg("document encode failed")
	}
}

// saveBody is the union of the three accepted save shapes: a full record,
// a geometry-only update and a details-only update.
type saveBody struct {
	ID        string        `json:"id"`
	ImageName string        `json:"imageName"`
	Vertices  []core.Vertex `json:"vertices"`
	Points    []core.Vertex `json:"points"`
	Label     string        `json:"label"`
	Info      string        `json:"info"`
	Member    string        `json:"member"`
	Color     *string       `json:"color"`
}

// folderOf resolves the working folder of a request, falling back to the
// configured default when the parameter is absent.
func (s *Server) folderOf(r *http.Request) string {
	if f := r.URL.Query().Get("folder"); f != "" {
		return f
	}
	return s.defaultFolder
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if s.readOnly {
		writeError(w, http.StatusForbidden, "read-only")
		return
	}
	folder := s.folderOf(r)
	if folder == "" {
		writeError(w, http.StatusBadRequest, "folder required")
		return
	}

	var body saveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.ID == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}

	var err error
	switch {
	case len(body.Points) > 0:
		if len(body.Points) < core.MinVertices {
			writeError(w, http.StatusBadRequest, "too few vertices")
			return
		}
		err = s.backend.UpdateGeometry(r.Context(), folder, body.ID, body.Points)
	case body.ImageName != "":
		ann := core.Annotation{
			ID:        body.ID,
			ImageName: body.ImageName,
			Vertices:  body.Vertices,
			Label:     body.Label,
			Info:      body.Info,
			Member:    body.Member,
			Color:     body.Color,
		}
		if !ann.Valid() {
			writeError(w, http.StatusBadRequest, "invalid annotation")
			return
		}
		err = s.backend.SaveAnnotation(r.Context(), folder, ann)
	default:
		err = s.backend.UpdateDetails(r.Context(), folder, body.ID, core.DetailsPatch{
			Label:  body.Label,
			Info:   body.Info,
			Member: body.Member,
			Color:  body.Color,
		})
	}
	if err != nil {
		s.writeBackendError(w, folder, body.ID, err)
		return
	}
	s.notifySessions(folder)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.readOnly {
		writeError(w, http.StatusForbidden, "read-only")
		return
	}
	folder := s.folderOf(r)
	id := r.URL.Query().Get("id")
	if folder == "" || id == "" {
		writeError(w, http.StatusBadRequest, "folder and id required")
		return
	}
	if err := s.backend.Delete(r.Context(), folder, id); err != nil {
		s.writeBackendError(w, folder, id, err)
		return
	}
	s.notifySessions(folder)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeBackendError(w http.ResponseWriter, folder, id string, err error) {
	if errors.Is(err, core.ErrAnnotationNotFound) {
		writeError(w, http.StatusNotFound, "unknown annotation")
		return
	}
	s.log.Error().Err(err).Str("folder", folder).Str("annotation", id).Msg("backend operation failed")
	writeError(w, http.StatusInternalServerError, "storage failed")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// notifySessions pushes a fresh snapshot to every live session of the
// folder after an out-of-band document change.
func (s *Server) notifySessions(folder string) {
	s.sessMu.Lock()
	targets := make([]*session.Session, 0, len(s.sessions))
	for sess, f := range s.sessions {
		if f == folder {
			targets = append(targets, sess)
		}
	}
	s.sessMu.Unlock()
	for _, sess := range targets {
		sess.Reload()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	folder := s.folderOf(r)
	if folder == "" {
		writeError(w, http.StatusBadRequest, "folder required")
		return
	}
	scenes, err := s.scenes(folder)
	if err != nil {
		s.log.Error().Err(err).Str("folder", folder).Msg("scene descriptor load failed")
		writeError(w, http.StatusNotFound, "unknown folder")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.runSession(r.Context(), conn, folder, scenes, r.URL.Query())
}

// runSession owns one WebSocket connection: it assembles the engine for the
// folder, replays the opening state and pumps incoming events through the
// dispatcher until the peer disconnects.
func (s *Server) runSession(ctx context.Context, conn *websocket.Conn, folder string, scenes []core.Scene, query map[string][]string) {
	sessionID := fmt.Sprintf("sess_%d", time.Now().UnixNano())

	var writeMu sync.Mutex
	send := func(msgType string, payload any) {
		data, err := stream.Marshal(msgType, payload)
		if err != nil {
			s.log.Error().Err(err).Str("type", msgType).Msg("command marshal failed")
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Debug().Err(err).Str("session", sessionID).Msg("command write failed")
		}
	}

	view := rectilinear.New(
		queryFloat(query, "w", defaultViewportW),
		queryFloat(query, "h", defaultViewportH),
		sceneFOV(scenes[0]),
	)
	st := store.New(&backendPersistence{backend: s.backend}, folder)

	sess, err := session.New(session.Config{
		Viewer:   view,
		Store:    st,
		Send:     send,
		Log:      s.log.With().Str("session", sessionID).Logger(),
		Scenes:   scenes,
		Panels:   session.DefaultPanels(queryFloat(query, "w", defaultViewportW), queryFloat(query, "h", defaultViewportH)),
		ReadOnly: s.readOnly,
		Metrics:  s.metrics,
		Maps:     localMaps{root: s.static},
	})
	if err != nil {
		s.log.Error().Err(err).Msg("session assembly failed")
		return
	}

	// Dispatcher logs carry the session identity on every record.
	base := s.slogHandler()
	dispLog := logging.NewDispatcherLogger(newSessionLogger(base, folder, sessionID, sess))
	d, err := dispatcher.New(dispLog)
	if err != nil {
		s.log.Error().Err(err).Msg("dispatcher assembly failed")
		return
	}
	sess.Register(d)

	if err := sess.Start(ctx); err != nil {
		s.log.Error().Err(err).Str("session", sessionID).Msg("session start failed")
		return
	}
	s.sessMu.Lock()
	s.sessions[sess] = folder
	s.sessMu.Unlock()
	defer func() {
		s.sessMu.Lock()
		delete(s.sessions, sess)
		s.sessMu.Unlock()
	}()
	if s.slog != nil {
		s.slog.WriteLog("session", fmt.Sprintf("connected %s folder=%s", sessionID, folder), "INFO")
	}

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Str("session", sessionID).Msg("session closed")
			break
		}
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		var env stream.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn().Err(err).Str("session", sessionID).Msg("malformed event")
			continue
		}
		if !d.HasHandler(env.Type) {
			s.log.Warn().Str("type", env.Type).Str("session", sessionID).Msg("unknown event")
			continue
		}
		if _, err := d.Dispatch(dispatcher.Event{
			Command:   env.Type,
			Payload:   env.Payload,
			Timestamp: time.Now(),
		}); err != nil {
			s.log.Warn().Err(err).Str("type", env.Type).Str("session", sessionID).Msg("event failed")
		}
	}

	if s.slog != nil {
		s.slog.WriteLog("session", fmt.Sprintf("disconnected %s", sessionID), "INFO")
	}
}

func (s *Server) slogHandler() *logging.SlogManager {
	if s.slog != nil {
		return s.slog
	}
	return logging.NewSlogManager()
}

// newSessionLogger tags every dispatcher log record with the session
// identity and the scene it is showing when the record is written.
func newSessionLogger(m *logging.SlogManager, folder, id string, sess *session.Session) *slog.Logger {
	h := logging.NewTagHandler(m.Logger().Handler(), func() []slog.Attr {
		return []slog.Attr{
			slog.String("folder", folder),
			slog.String("session", id),
			slog.String("scene", sess.Scene().ID),
		}
	})
	return slog.New(h)
}

// loadScenes reads the per-folder scene descriptor from the static tree.
func (s *Server) loadScenes(folder string) ([]core.Scene, error) {
	f, err := os.Open(filepath.Join(s.static, folder, "scenes.json"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var desc struct {
		Scenes []core.Scene `json:"scenes"`
	}
	if err := json.NewDecoder(f).Decode(&desc); err != nil {
		return nil, fmt.Errorf("parse scenes.json: %w", err)
	}
	if len(desc.Scenes) == 0 {
		return nil, errors.New("scenes.json lists no scenes")
	}
	return desc.Scenes, nil
}

func sceneFOV(sc core.Scene) float64 {
	if sc.InitialView.FOV > 0 {
		return sc.InitialView.FOV
	}
	return defaultFOV
}

func queryFloat(q map[string][]string, key string, def float64) float64 {
	vals, ok := q[key]
	if !ok || len(vals) == 0 {
		return def
	}
	f, err := strconv.ParseFloat(vals[0], 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

// localMaps probes the static tree directly instead of looping back over
// HTTP.
type localMaps struct {
	root string
}

func (m localMaps) MapExists(ctx context.Context, folder string) (bool, error) {
	_, err := os.Stat(filepath.Join(m.root, folder, "map.png"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// backendPersistence adapts the storage backend to the store's persistence
// surface so in-process sessions skip the HTTP loop.
type backendPersistence struct {
	backend storage.Backend
}

func (p *backendPersistence) FetchDocument(ctx context.Context, folder string) (core.Document, error) {
	return p.backend.Document(ctx, folder)
}

func (p *backendPersistence) SaveAnnotation(ctx context.Context, folder string, ann core.Annotation) error {
	return p.backend.SaveAnnotation(ctx, folder, ann)
}

func (p *backendPersistence) SaveGeometry(ctx context.Context, folder string, upd api.GeometryUpdate) error {
	return p.backend.UpdateGeometry(ctx, folder, upd.ID, upd.Points)
}

func (p *backendPersistence) SaveDetails(ctx context.Context, folder string, upd api.DetailsUpdate) error {
	return p.backend.UpdateDetails(ctx, folder, upd.ID, core.DetailsPatch{
		Label:  upd.Label,
		Info:   upd.Info,
		Member: upd.Member,
		Color:  upd.Color,
	})
}

func (p *backendPersistence) DeleteAnnotation(ctx context.Context, folder, id string) error {
	return p.backend.Delete(ctx, folder, id)
}
