// Package editor implements the annotation add/edit workflow as an explicit
// state machine. Exactly one add or edit session may be active at a time;
// both suppress camera controls and the workspace chrome, so overlap never
// arises by construction.
package editor

import (
	"context"
	"errors"
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/rs/zerolog"

	"github.com/bridgepano/annotator/internal/api"
	"github.com/bridgepano/annotator/internal/transform"
	"github.com/bridgepano/annotator/internal/viewer"
	"github.com/bridgepano/annotator/pkg/core"
)

// ErrBusy rejects entering add or edit mode while another session is active.
var ErrBusy = errors.New("editor: another editing session is active")

// ErrReadOnly rejects every mutation when editing capability is disabled.
var ErrReadOnly = errors.New("editor: viewer is read-only")

// Mode is the tagged editing state. Exactly one concrete type is current at
// any time.
type Mode interface{ isMode() }

// Viewing is the idle state.
type Viewing struct{}

// Adding collects draft vertices for a new annotation.
type Adding struct {
	DraftID string
	Points  []core.ScreenPoint
	// Details form is open, no more vertices are accepted.
	AwaitingDetails bool
}

// EditConfirm waits for the user to confirm entering vertex editing.
type EditConfirm struct{ ID string }

// Editing drags the vertices of an existing annotation.
type Editing struct {
	ID     string
	Points []core.ScreenPoint
}

func (Viewing) isMode()     {}
func (Adding) isMode()      {}
func (EditConfirm) isMode() {}
func (Editing) isMode()     {}

// Details are the free-text fields collected by the detail form. A nil
// Color means "derive from label".
type Details struct {
	Member string
	Label  string
	Info   string
	Color  *string
}

// Store is the annotation persistence surface the editor mutates.
type Store interface {
	FindByID(id string) (core.Annotation, bool)
	Create(ctx context.Context, ann core.Annotation) error
	UpdateGeometry(ctx context.Context, id string, points []core.Vertex) error
	UpdateDetails(ctx context.Context, upd api.DetailsUpdate) error
	Delete(ctx context.Context, id string) error
}

// Surface receives the UI side effects of mode transitions. Every hide has
// a matching show on the way back to Viewing.
type Surface interface {
	// SetWorkspaceHidden hides or restores the map, the selector panels
	// and the add button around an editing session.
	SetWorkspaceHidden(hidden bool)
	DrawDraft(pts []core.ScreenPoint, closed bool)
	RemoveDraft()
	ShowDetailsForm()
	CloseDetailsForm()
	ShowEditConfirm(id string)
	CloseEditConfirm()
}

// Editor drives the annotation editing state machine for one scene.
type Editor struct {
	view    viewer.Viewer
	store   Store
	surface Surface
	log     zerolog.Logger

	editable   bool
	imgW, imgH float64

	now func() time.Time

	mode Mode
}

type Option func(*Editor)

// WithClock overrides the draft-id timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Editor) { e.now = now }
}

// ReadOnly disables every mutating entry point while keeping view-only
// behavior intact.
func ReadOnly() Option {
	return func(e *Editor) { e.editable = false }
}

func New(v viewer.Viewer, store Store, surface Surface, log zerolog.Logger, opts ...Option) *Editor {
	e := &Editor{
		view:     v,
		store:    store,
		surface:  surface,
		log:      log.With().Str("component", "editor").Logger(),
		editable: true,
		now:      time.Now,
		mode:     Viewing{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetImageSize sets the equirectangular dimensions used when deriving
// stored pixel coordinates. Must be called on every scene switch.
func (e *Editor) SetImageSize(w, h float64) {
	e.imgW, e.imgH = w, h
}

// Mode returns the current state.
func (e *Editor) Mode() Mode { return e.mode }

// Busy reports whether an add or edit session is active.
func (e *Editor) Busy() bool {
	_, idle := e.mode.(Viewing)
	return !idle
}

// Editable reports whether mutations are permitted.
func (e *Editor) Editable() bool { return e.editable }

// StartAdding enters vertex collection for a new annotation.
func (e *Editor) StartAdding() error {
	if !e.editable {
		return ErrReadOnly
	}
	if e.Busy() {
		return ErrBusy
	}
	e.mode = Adding{DraftID: core.NewDraftID(e.now())}
	e.enterSession()
	e.log.Debug().Str("draft", e.mode.(Adding).DraftID).Msg("adding started")
	return nil
}

// AddVertex appends a draft vertex from a left click. Ignored outside
// vertex collection.
func (e *Editor) AddVertex(p core.ScreenPoint) {
	m, ok := e.mode.(Adding)
	if !ok || m.AwaitingDetails {
		return
	}
	m.Points = append(m.Points, p)
	e.mode = m
	e.surface.DrawDraft(m.Points, len(m.Points) >= core.MinVertices)
}

// FinishAdding handles the right click that ends vertex collection. Inside
// the draft shape with enough vertices it opens the details form; inside
// with too few vertices, or anywhere outside, the draft is silently
// discarded.
func (e *Editor) FinishAdding(p core.ScreenPoint) {
	m, ok := e.mode.(Adding)
	if !ok || m.AwaitingDetails {
		return
	}
	if len(m.Points) >= core.MinVertices && containsPoint(m.Points, p) {
		m.AwaitingDetails = true
		e.mode = m
		e.surface.ShowDetailsForm()
		return
	}
	e.log.Debug().Int("vertices", len(m.Points)).Msg("draft discarded")
	e.cancelAdding()
}

// SubmitDetails persists the draft with the collected metadata and returns
// the finalized annotation id. On failure the form stays open and the draft
// survives.
func (e *Editor) SubmitDetails(ctx context.Context, imageName string, d Details) (string, error) {
	m, ok := e.mode.(Adding)
	if !ok || !m.AwaitingDetails {
		return "", errors.New("editor: no draft awaiting details")
	}
	ann := core.Annotation{
		ID:        core.FinalizeID(m.DraftID),
		ImageName: imageName,
		Vertices:  e.derivePixels(m.Points),
		Member:    d.Member,
		Label:     d.Label,
		Info:      d.Info,
		Color:     d.Color,
	}
	if len(ann.Vertices) < core.MinVertices {
		e.log.Warn().Int("vertices", len(ann.Vertices)).Msg("draft degenerated below polygon minimum")
		return "", errors.New("editor: draft no longer forms a polygon")
	}
	if err := e.store.Create(ctx, ann); err != nil {
		e.log.Error().Err(err).Str("annotation", ann.ID).Msg("save failed")
		return "", err
	}
	e.surface.CloseDetailsForm()
	e.cancelAdding()
	return ann.ID, nil
}

// CancelDetails discards the draft from the open details form.
func (e *Editor) CancelDetails() {
	if m, ok := e.mode.(Adding); ok && m.AwaitingDetails {
		e.surface.CloseDetailsForm()
		e.cancelAdding()
	}
}

func (e *Editor) cancelAdding() {
	e.surface.RemoveDraft()
	e.mode = Viewing{}
	e.leaveSession()
}

// RequestEdit enters the edit confirmation step for an existing annotation.
func (e *Editor) RequestEdit(id string) error {
	if !e.editable {
		return ErrReadOnly
	}
	if e.Busy() {
		return ErrBusy
	}
	if _, ok := e.store.FindByID(id); !ok {
		return errors.New("editor: unknown annotation " + id)
	}
	e.mode = EditConfirm{ID: id}
	e.surface.ShowEditConfirm(id)
	return nil
}

// ConfirmEdit starts vertex dragging. Every vertex must project to a valid
// screen position; refusing a partial drag set keeps a save from silently
// dropping the off-screen vertices.
func (e *Editor) ConfirmEdit() error {
	m, ok := e.mode.(EditConfirm)
	if !ok {
		return errors.New("editor: no edit pending confirmation")
	}
	e.surface.CloseEditConfirm()
	ann, ok := e.store.FindByID(m.ID)
	if !ok {
		e.mode = Viewing{}
		return errors.New("editor: annotation vanished: " + m.ID)
	}
	pts := make([]core.ScreenPoint, 0, len(ann.Vertices))
	for _, v := range ann.Vertices {
		p, ok := e.projectVertex(v)
		if !ok {
			e.mode = Viewing{}
			e.log.Debug().Str("annotation", m.ID).Msg("edit refused, vertex out of view")
			return errors.New("editor: annotation not fully in view")
		}
		pts = append(pts, p)
	}
	e.mode = Editing{ID: m.ID, Points: pts}
	e.enterSession()
	e.surface.DrawDraft(pts, true)
	return nil
}

// CancelEditConfirm dismisses the confirmation without entering editing.
func (e *Editor) CancelEditConfirm() {
	if _, ok := e.mode.(EditConfirm); ok {
		e.surface.CloseEditConfirm()
		e.mode = Viewing{}
	}
}

// DragVertex moves one vertex during editing, redrawing the preview.
func (e *Editor) DragVertex(index int, p core.ScreenPoint) {
	m, ok := e.mode.(Editing)
	if !ok || index < 0 || index >= len(m.Points) {
		return
	}
	m.Points[index] = p
	e.mode = m
	e.surface.DrawDraft(m.Points, true)
}

// FinishEditing re-derives image pixels from the dragged screen positions
// and persists geometry only. Metadata is untouched.
func (e *Editor) FinishEditing(ctx context.Context) error {
	m, ok := e.mode.(Editing)
	if !ok {
		return errors.New("editor: not editing")
	}
	px := e.derivePixels(m.Points)
	if len(px) < core.MinVertices {
		e.log.Warn().Str("annotation", m.ID).Int("vertices", len(px)).Msg("edit abandoned, polygon degenerated")
		e.surface.RemoveDraft()
		e.mode = Viewing{}
		e.leaveSession()
		return errors.New("editor: edited shape no longer forms a polygon")
	}
	if err := e.store.UpdateGeometry(ctx, m.ID, px); err != nil {
		e.log.Error().Err(err).Str("annotation", m.ID).Msg("geometry save failed")
		return err
	}
	e.surface.RemoveDraft()
	e.mode = Viewing{}
	e.leaveSession()
	return nil
}

// CancelEditing abandons the drag session without persisting.
func (e *Editor) CancelEditing() {
	if _, ok := e.mode.(Editing); ok {
		e.surface.RemoveDraft()
		e.mode = Viewing{}
		e.leaveSession()
	}
}

// SaveDetails persists metadata edits from the detail popup. Allowed in
// Viewing state; the popup save path is independent of vertex editing.
func (e *Editor) SaveDetails(ctx context.Context, id string, d Details) error {
	if !e.editable {
		return ErrReadOnly
	}
	return e.store.UpdateDetails(ctx, api.DetailsUpdate{
		ID:     id,
		Label:  d.Label,
		Info:   d.Info,
		Member: d.Member,
		Color:  d.Color,
	})
}

// Delete removes an annotation. Confirmation is the caller's duty.
func (e *Editor) Delete(ctx context.Context, id string) error {
	if !e.editable {
		return ErrReadOnly
	}
	return e.store.Delete(ctx, id)
}

func (e *Editor) enterSession() {
	e.view.SetControlsEnabled(false)
	e.surface.SetWorkspaceHidden(true)
}

func (e *Editor) leaveSession() {
	e.view.SetControlsEnabled(true)
	e.surface.SetWorkspaceHidden(false)
}

// derivePixels converts screen points to stored image pixels. Pitch is
// negated on this path to match the row order of the source image.
func (e *Editor) derivePixels(pts []core.ScreenPoint) []core.Vertex {
	out := make([]core.Vertex, 0, len(pts))
	for _, p := range pts {
		dir, ok := e.view.ScreenToSpherical(p)
		if !ok {
			continue
		}
		px := transform.ImagePixel(core.Spherical{Yaw: dir.Yaw, Pitch: -dir.Pitch}, e.imgW, e.imgH)
		out = append(out, transform.RoundVertex(px))
	}
	return out
}

// projectVertex maps a stored pixel to its current screen position through
// a throwaway hotspot.
func (e *Editor) projectVertex(v core.Vertex) (core.ScreenPoint, bool) {
	dir := transform.VertexSpherical(v, e.imgW, e.imgH)
	h := e.view.CreateHotspot(dir)
	defer h.Destroy()
	box := h.ScreenBox()
	if !box.Valid() {
		return core.ScreenPoint{}, false
	}
	return box.Center(), true
}

// containsPoint tests p against the closed draft ring. Ring validation is
// skipped so a self-crossing draft still answers the inside test instead of
// failing construction.
func containsPoint(pts []core.ScreenPoint, p core.ScreenPoint) bool {
	if len(pts) < core.MinVertices {
		return false
	}
	coords := make([]float64, 0, (len(pts)+1)*2)
	for _, q := range pts {
		coords = append(coords, q.X, q.Y)
	}
	coords = append(coords, pts[0].X, pts[0].Y)
	ring, err := geom.NewLineString(geom.NewSequence(coords, geom.DimXY), geom.DisableAllValidations)
	if err != nil {
		return false
	}
	poly, err := geom.NewPolygon([]geom.LineString{ring}, geom.DisableAllValidations)
	if err != nil {
		return false
	}
	pt, err := geom.NewPoint(geom.Coordinates{XY: geom.XY{X: p.X, Y: p.Y}})
	if err != nil {
		return false
	}
	return geom.Intersects(poly.AsGeometry(), pt.AsGeometry())
}
