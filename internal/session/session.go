// Package session wires one frontend connection to the annotation engine.
// It routes incoming UI events through the dispatcher to the editor, the
// overlay renderer and the hit-test resolver, and streams the resulting
// draw and UI commands back to the frontend.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bridgepano/annotator/internal/dispatcher"
	"github.com/bridgepano/annotator/internal/editor"
	"github.com/bridgepano/annotator/internal/hittest"
	"github.com/bridgepano/annotator/internal/overlay"
	"github.com/bridgepano/annotator/internal/store"
	"github.com/bridgepano/annotator/internal/stream"
	"github.com/bridgepano/annotator/internal/transform"
	"github.com/bridgepano/annotator/internal/viewer"
	"github.com/bridgepano/annotator/pkg/core"
)

// Sender delivers one outbound command to the frontend.
type Sender func(msgType string, payload any)

// Metrics records edit and navigation activity. Satisfied by influx.Manager.
type Metrics interface {
	RecordEdit(ctx context.Context, op, folder, annotationID string) error
	RecordSceneSwitch(ctx context.Context, folder, fromScene, toScene string) error
}

// MapChecker probes for the overview map image of a folder. Satisfied by
// api.Client.
type MapChecker interface {
	MapExists(ctx context.Context, folder string) (bool, error)
}

// Config assembles the collaborators of a session.
type Config struct {
	Viewer viewer.Viewer
	Store  *store.Store
	Send   Sender
	Log    zerolog.Logger

	// Scenes in descriptor order. The first scene is entered at Start
	// unless InitialScene names another one.
	Scenes       []core.Scene
	InitialScene string

	// Panels are the foreground UI regions that swallow panorama clicks.
	Panels []hittest.PanelRect

	ReadOnly bool
	Metrics  Metrics
	Maps     MapChecker

	// Clock overrides the draft-id timestamp source in tests.
	Clock func() time.Time
}

// DefaultPanels returns the standard workspace chrome regions for a
// viewport: the overview map bottom-left, the document selector and the
// scene selector along the top edge.
func DefaultPanels(width, height float64) []hittest.PanelRect {
	return []hittest.PanelRect{
		{ID: "map-container", Box: viewer.Box{Left: 10, Top: height - 190, Width: 240, Height: 180}},
		{ID: "documentSelectorContainer", Box: viewer.Box{Left: 10, Top: 10, Width: 260, Height: 48}},
		{ID: "itemSelector", Box: viewer.Box{Left: width - 270, Top: 10, Width: 260, Height: 48}},
	}
}

type linkSpot struct {
	target string
	spot   viewer.Hotspot
}

// Session is the per-connection orchestrator. All event handlers run under
// one mutex; the dispatcher delivers events from a single read loop, the
// lock additionally covers Start racing early events.
type Session struct {
	mu   sync.Mutex
	log  zerolog.Logger
	send Sender

	view     *mirrorViewer
	store    *store.Store
	renderer *overlay.Renderer
	editor   *editor.Editor
	resolver *hittest.Resolver

	metrics Metrics
	maps    MapChecker

	scenes  map[string]core.Scene
	order   []string
	current core.Scene

	ctx       context.Context
	pending   []hittest.Target
	linkSpots []linkSpot
	panels    []hittest.PanelRect
}

// New assembles a session. Start must be called before events arrive.
func New(cfg Config) (*Session, error) {
	if cfg.Viewer == nil || cfg.Store == nil || cfg.Send == nil {
		return nil, errors.New("session: viewer, store and send are required")
	}
	if len(cfg.Scenes) == 0 {
		return nil, errors.New("session: at least one scene is required")
	}

	s := &Session{
		log:     cfg.Log,
		send:    cfg.Send,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		maps:    cfg.Maps,
		scenes:  make(map[string]core.Scene, len(cfg.Scenes)),
		panels:  cfg.Panels,
		ctx:     context.Background(),
	}
	for _, sc := range cfg.Scenes {
		s.scenes[sc.ID] = sc
		s.order = append(s.order, sc.ID)
	}

	s.view = &mirrorViewer{Viewer: cfg.Viewer, send: cfg.Send}
	s.renderer = overlay.NewRenderer(s.view, s, cfg.Log)

	var opts []editor.Option
	if cfg.ReadOnly {
		opts = append(opts, editor.ReadOnly())
	}
	if cfg.Clock != nil {
		opts = append(opts, editor.WithClock(cfg.Clock))
	}
	s.editor = editor.New(s.view, cfg.Store, s, cfg.Log, opts...)

	s.resolver = hittest.NewResolver(
		func() []hittest.PanelRect { return s.panels },
		s.renderer,
		s.linkBoxes,
	)

	s.current = cfg.Scenes[0]
	if cfg.InitialScene != "" {
		sc, ok := s.scenes[cfg.InitialScene]
		if !ok {
			return nil, fmt.Errorf("session: unknown initial scene %q", cfg.InitialScene)
		}
		s.current = sc
	}
	return s, nil
}

// Start enters the initial scene and pushes the opening state to the
// frontend. ctx bounds the persistence calls of this session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx

	if s.maps != nil {
		has, err := s.maps.MapExists(ctx, s.store.Folder())
		if err != nil {
			s.log.Warn().Err(err).Msg("map probe failed")
		}
		bg := stream.MapBackgroundPayload{HasImage: has}
		if has {
			bg.URL = s.store.Folder() + "/map.png"
		}
		s.send(stream.TypeMapBackground, bg)
	}

	return s.enterScene(s.current, false)
}

// Register installs the session's handlers on a dispatcher. Mutating
// commands are logged; high-frequency view changes are not.
func (s *Session) Register(d *dispatcher.Dispatcher) {
	logged := dispatcher.Logged()
	d.Register(stream.TypeClick, handle(s, s.handleClick))
	d.Register(stream.TypeRightClick, handle(s, s.handleRightClick))
	d.Register(stream.TypeViewChange, handle(s, s.handleViewChange))
	d.Register(stream.TypeSwitchScene, handle(s, s.handleSwitchScene), logged)
	d.Register(stream.TypeAddItem, handle(s, s.handleAddItem), logged)
	d.Register(stream.TypeSelectItem, handle(s, s.handleSelectItem), logged)
	d.Register(stream.TypeSelectRow, handle(s, s.handleSelectRow))
	d.Register(stream.TypeSubmitDetails, handle(s, s.handleSubmitDetails), logged)
	d.Register(stream.TypeCancelDetails, handle(s, s.handleCancelDetails))
	d.Register(stream.TypeConfirmEdit, handle(s, s.handleConfirmEdit), logged)
	d.Register(stream.TypeCancelEdit, handle(s, s.handleCancelEdit))
	d.Register(stream.TypeDragVertex, handle(s, s.handleDragVertex))
	d.Register(stream.TypeFinishEdit, handle(s, s.handleFinishEdit), logged)
	d.Register(stream.TypeSaveDetails, handle(s, s.handleSaveDetails), logged)
	d.Register(stream.TypeDeleteItem, handle(s, s.handleDeleteItem), logged)
}

// handle adapts a typed handler to the dispatcher contract, decoding the
// payload and serializing under the session lock.
func handle[T any](s *Session, fn func(T) error) dispatcher.HandlerFunc {
	return func(e dispatcher.Event) (any, error) {
		var payload T
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				return nil, fmt.Errorf("decode %s: %w", e.Command, err)
			}
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, fn(payload)
	}
}

// Reload re-fetches the annotation snapshot and replays the overlay. Called
// when another writer changed the folder's document out from under this
// session.
func (s *Session) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.LoadForScene(s.ctx, s.current.ImageName()); err != nil {
		s.log.Error().Err(err).Msg("external reload failed")
		return
	}
	s.afterMutation()
}

// Scene returns the scene currently displayed.
func (s *Session) Scene() core.Scene {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) handleClick(p stream.PointPayload) error {
	point := core.ScreenPoint{X: p.X, Y: p.Y}

	switch m := s.editor.Mode().(type) {
	case editor.Adding:
		if !m.AwaitingDetails {
			s.editor.AddVertex(point)
		}
		return nil
	case editor.Editing, editor.EditConfirm:
		return nil
	}

	res := s.resolver.Resolve(point)
	if res.Occluded || len(res.Targets) == 0 {
		return nil
	}
	if len(res.Targets) == 1 {
		s.activate(res.Targets[0])
		return nil
	}

	s.pending = res.Targets
	rows := make([]string, len(res.Targets))
	for i, t := range res.Targets {
		rows[i] = t.Row
	}
	s.send(stream.TypeSelectionList, stream.SelectionListPayload{Rows: rows})
	return nil
}

func (s *Session) handleRightClick(p stream.PointPayload) error {
	point := core.ScreenPoint{X: p.X, Y: p.Y}

	if m, ok := s.editor.Mode().(editor.Adding); ok {
		if !m.AwaitingDetails {
			s.editor.FinishAdding(point)
		}
		return nil
	}
	if s.editor.Busy() {
		return nil
	}

	ids := s.renderer.HitIDs(point)
	if len(ids) == 0 {
		return nil
	}
	if err := s.editor.RequestEdit(ids[0]); err != nil && !errors.Is(err, editor.ErrReadOnly) {
		s.log.Warn().Err(err).Str("annotation", ids[0]).Msg("edit request rejected")
	}
	return nil
}

func (s *Session) handleViewChange(p stream.ViewPayload) error {
	// The frontend reports its camera after a gesture; sync the mirror
	// without echoing a set_view back.
	s.view.syncView(core.Spherical{Yaw: p.Yaw, Pitch: p.Pitch})
	s.renderer.Redraw()
	return nil
}

func (s *Session) handleSwitchScene(p stream.ScenePayload) error {
	if s.editor.Busy() {
		return nil
	}
	return s.switchScene(p.SceneID)
}

func (s *Session) handleAddItem(stream.PointPayload) error {
	err := s.editor.StartAdding()
	switch {
	case errors.Is(err, editor.ErrBusy):
		s.log.Debug().Msg("add rejected while editing")
	case errors.Is(err, editor.ErrReadOnly):
		s.log.Debug().Msg("add rejected in read-only session")
	case err != nil:
		return err
	}
	return nil
}

func (s *Session) handleSelectItem(p stream.IDPayload) error {
	ann, ok := s.store.FindByID(p.ID)
	if !ok || len(ann.Vertices) == 0 {
		return nil
	}
	dir := transform.CentroidSpherical(ann.Vertices, s.current.ImageWidth, s.current.ImageHeight)
	s.view.SetView(dir)
	s.renderer.Redraw()
	return nil
}

func (s *Session) handleSelectRow(p stream.RowPayload) error {
	pending := s.pending
	s.pending = nil
	if p.Index < 0 || p.Index >= len(pending) {
		return nil
	}
	s.activate(pending[p.Index])
	return nil
}

func (s *Session) handleSubmitDetails(p stream.DetailsPayload) error {
	id, err := s.editor.SubmitDetails(s.ctx, s.current.ImageName(), detailsOf(p))
	if err != nil {
		s.notifyError("保存に失敗しました")
		return err
	}
	s.recordEdit("create", id)
	s.afterMutation()
	return nil
}

func (s *Session) handleCancelDetails(stream.PointPayload) error {
	s.editor.CancelDetails()
	return nil
}

func (s *Session) handleConfirmEdit(stream.PointPayload) error {
	if err := s.editor.ConfirmEdit(); err != nil {
		s.log.Warn().Err(err).Msg("edit confirmation failed")
	}
	return nil
}

func (s *Session) handleCancelEdit(stream.PointPayload) error {
	switch s.editor.Mode().(type) {
	case editor.EditConfirm:
		s.editor.CancelEditConfirm()
	case editor.Editing:
		s.editor.CancelEditing()
	}
	return nil
}

func (s *Session) handleDragVertex(p stream.PointPayload) error {
	s.editor.DragVertex(p.Index, core.ScreenPoint{X: p.X, Y: p.Y})
	return nil
}

func (s *Session) handleFinishEdit(stream.PointPayload) error {
	m, ok := s.editor.Mode().(editor.Editing)
	if !ok {
		return nil
	}
	if err := s.editor.FinishEditing(s.ctx); err != nil {
		s.notifyError("保存に失敗しました")
		return err
	}
	s.recordEdit("update_geometry", m.ID)
	s.afterMutation()
	return nil
}

func (s *Session) handleSaveDetails(p stream.DetailsPayload) error {
	if err := s.editor.SaveDetails(s.ctx, p.ID, detailsOf(p)); err != nil {
		if errors.Is(err, editor.ErrReadOnly) {
			return nil
		}
		s.notifyError("保存に失敗しました")
		return err
	}
	s.recordEdit("update_details", p.ID)
	s.send(stream.TypeDetailPopup, stream.DetailPopupPayload{Open: false})
	s.afterMutation()
	return nil
}

func (s *Session) handleDeleteItem(p stream.IDPayload) error {
	if err := s.editor.Delete(s.ctx, p.ID); err != nil {
		if errors.Is(err, editor.ErrReadOnly) {
			return nil
		}
		s.notifyError("削除に失敗しました")
		return err
	}
	s.recordEdit("delete", p.ID)
	s.send(stream.TypeDetailPopup, stream.DetailPopupPayload{Open: false})
	s.afterMutation()
	return nil
}

// activate performs the action of one resolved click target.
func (s *Session) activate(t hittest.Target) {
	switch t.Kind {
	case hittest.TargetAnnotation:
		ann, ok := s.renderer.Annotation(t.AnnotationID)
		if !ok {
			return
		}
		s.send(stream.TypeDetailPopup, stream.DetailPopupPayload{
			Open:       true,
			Annotation: ann,
			Editable:   s.editor.Editable(),
		})
	case hittest.TargetLink:
		if err := s.switchScene(t.SceneID); err != nil {
			s.log.Warn().Err(err).Str("scene", t.SceneID).Msg("link jump failed")
		}
	}
}

func (s *Session) switchScene(id string) error {
	to, ok := s.scenes[id]
	if !ok {
		return fmt.Errorf("session: unknown scene %q", id)
	}
	if to.ID == s.current.ID {
		return nil
	}
	return s.enterScene(to, true)
}

// enterScene aims the camera, rebuilds link hotspots and reloads the
// annotation snapshot for the target scene. With carry set the current
// viewing direction is preserved across the two capture orientations;
// otherwise the scene's initial view is used.
func (s *Session) enterScene(to core.Scene, carry bool) error {
	from := s.current

	view := core.Spherical{Yaw: to.InitialView.Yaw, Pitch: to.InitialView.Pitch}
	if carry {
		view = transform.CarryView(s.view.View(), from, to)
	}

	s.view.SwitchScene(to.ID)
	s.send(stream.TypeSceneSwitched, stream.ScenePayload{SceneID: to.ID})
	s.view.SetView(view)

	for _, l := range s.linkSpots {
		l.spot.Destroy()
	}
	s.linkSpots = s.linkSpots[:0]
	for _, l := range to.LinkHotspots {
		spot := s.view.CreateHotspot(core.Spherical{Yaw: l.Yaw, Pitch: l.Pitch})
		s.linkSpots = append(s.linkSpots, linkSpot{target: l.Target, spot: spot})
	}

	s.current = to
	s.pending = nil
	s.renderer.SetImageSize(to.ImageWidth, to.ImageHeight)
	s.editor.SetImageSize(to.ImageWidth, to.ImageHeight)

	// Load failures are log-only: the frontend keeps whatever overlay it
	// already shows.
	if err := s.store.LoadForScene(s.ctx, to.ImageName()); err != nil {
		s.log.Error().Err(err).Str("image", to.ImageName()).Msg("annotation load failed")
	}
	s.renderer.Sync(s.store.Annotations())
	s.renderer.Redraw()

	s.send(stream.TypeCaptureDate, stream.CaptureDatePayload{Text: CaptureDate(s.store.Folder())})
	s.sendMapMarkers()

	if carry && s.metrics != nil {
		if err := s.metrics.RecordSceneSwitch(s.ctx, s.store.Folder(), from.ID, to.ID); err != nil {
			s.log.Warn().Err(err).Msg("scene switch metric dropped")
		}
	}
	return nil
}

func (s *Session) afterMutation() {
	s.renderer.Sync(s.store.Annotations())
	s.renderer.Redraw()
	s.send(stream.TypeReloaded, stream.ReloadedPayload{
		ImageName: s.store.ImageName(),
		Count:     len(s.store.Annotations()),
	})
}

func (s *Session) recordEdit(op, annotationID string) {
	if s.metrics == nil {
		return
	}
	if err := s.metrics.RecordEdit(s.ctx, op, s.store.Folder(), annotationID); err != nil {
		s.log.Warn().Err(err).Str("op", op).Msg("edit metric dropped")
	}
}

func (s *Session) notifyError(msg string) {
	s.send(stream.TypeErrorNotice, stream.ErrorNoticePayload{Message: msg})
}

func (s *Session) sendMapMarkers() {
	markers := make([]stream.MapMarker, 0, len(s.order))
	for _, id := range s.order {
		sc := s.scenes[id]
		markers = append(markers, stream.MapMarker{
			SceneID:   sc.ID,
			X:         sc.MapX,
			Y:         sc.MapY,
			BelowDeck: sc.BelowDeck(),
			Current:   sc.ID == s.current.ID,
		})
	}
	s.send(stream.TypeMapMarkers, stream.MapMarkersPayload{Markers: markers})
}

func (s *Session) linkBoxes() []hittest.LinkBox {
	out := make([]hittest.LinkBox, 0, len(s.linkSpots))
	for _, l := range s.linkSpots {
		out = append(out, hittest.LinkBox{SceneID: l.target, Box: l.spot.ScreenBox()})
	}
	return out
}

// CaptureDate formats the capture date caption from a folder name of the
// form <bridge>_<yyyymmdd>. Unparseable folders yield an empty caption.
func CaptureDate(folder string) string {
	i := strings.LastIndex(folder, "_")
	if i < 0 {
		return ""
	}
	t, err := time.Parse("20060102", folder[i+1:])
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d年%d月%d日撮影", t.Year(), int(t.Month()), t.Day())
}

// Canvas implementation: polygon draw commands stream to the frontend.

func (s *Session) FillPolygon(id string, pts []core.ScreenPoint, color string) {
	s.send(stream.TypeFillPolygon, stream.PolygonPayload{ID: id, Points: pts, Color: color})
}

func (s *Session) Remove(id string) {
	s.send(stream.TypeRemovePolygon, stream.IDPayload{ID: id})
}

// Surface implementation: editing UI state streams to the frontend.

func (s *Session) SetWorkspaceHidden(hidden bool) {
	s.send(stream.TypeWorkspace, stream.HiddenPayload{Hidden: hidden})
}

func (s *Session) DrawDraft(pts []core.ScreenPoint, closed bool) {
	s.send(stream.TypeDrawDraft, stream.DraftPayload{Points: pts, Closed: closed})
}

func (s *Session) RemoveDraft() {
	s.send(stream.TypeRemoveDraft, struct{}{})
}

func (s *Session) ShowDetailsForm() {
	s.send(stream.TypeDetailsForm, stream.OpenPayload{Open: true})
}

func (s *Session) CloseDetailsForm() {
	s.send(stream.TypeDetailsForm, stream.OpenPayload{Open: false})
}

func (s *Session) ShowEditConfirm(id string) {
	s.send(stream.TypeEditConfirm, stream.OpenPayload{Open: true, ID: id})
}

func (s *Session) CloseEditConfirm() {
	s.send(stream.TypeEditConfirm, stream.OpenPayload{Open: false})
}

func detailsOf(p stream.DetailsPayload) editor.Details {
	return editor.Details{Member: p.Member, Label: p.Label, Info: p.Info, Color: p.Color}
}

// mirrorViewer forwards camera mutations to the frontend so the engine-side
// projection and the on-screen panorama stay aligned.
type mirrorViewer struct {
	viewer.Viewer
	send Sender
}

func (m *mirrorViewer) SetView(v core.Spherical) {
	m.Viewer.SetView(v)
	m.send(stream.TypeSetView, stream.ViewPayload{Yaw: v.Yaw, Pitch: v.Pitch})
}

// syncView updates the engine-side camera from a frontend report without
// sending a set_view echo.
func (m *mirrorViewer) syncView(v core.Spherical) {
	m.Viewer.SetView(v)
}

func (m *mirrorViewer) SetControlsEnabled(enabled bool) {
	m.Viewer.SetControlsEnabled(enabled)
	m.send(stream.TypeSetControls, stream.ControlsPayload{Enabled: enabled})
}
