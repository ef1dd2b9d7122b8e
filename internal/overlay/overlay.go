// Package overlay projects stored annotations into screen space and keeps
// the drawn polygons in sync with the panorama view.
package overlay

import (
	"sync"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/rs/zerolog"

	"github.com/bridgepano/annotator/internal/transform"
	"github.com/bridgepano/annotator/internal/viewer"
	"github.com/bridgepano/annotator/pkg/core"
)

// Canvas receives the polygon draw commands produced by a Redraw pass.
// Implementations draw on whatever surface the frontend provides.
type Canvas interface {
	// FillPolygon draws a closed polygon for the given annotation id.
	// Points arrive in stored vertex order.
	FillPolygon(id string, pts []core.ScreenPoint, color string)
	// Remove erases the polygon previously drawn for id, if any.
	Remove(id string)
}

// Damage-class color table. An explicit color on the annotation wins.
var labelColors = map[string]string{
	"鉄筋露出": "red",
	"鋼材腐食": "blue",
	"ひび割れ": "green",
}

const defaultColor = "red"

// ColorFor resolves the fill color for an annotation.
func ColorFor(a core.Annotation) string {
	if a.Color != nil && *a.Color != "" {
		return *a.Color
	}
	if c, ok := labelColors[a.Label]; ok {
		return c
	}
	return defaultColor
}

type entry struct {
	annotation core.Annotation
	hotspots   []viewer.Hotspot

	// Screen-space polygon from the last Redraw. Zero value when the
	// annotation was skipped because no vertex projected validly.
	screen  geom.Polygon
	visible bool
}

// Renderer owns one hotspot per annotation vertex and redraws the filled
// polygons whenever the view or the annotation set changes.
type Renderer struct {
	mu     sync.Mutex
	view   viewer.Viewer
	canvas Canvas
	log    zerolog.Logger

	imgW, imgH float64

	entries map[string]*entry
	order   []string
}

func NewRenderer(v viewer.Viewer, c Canvas, log zerolog.Logger) *Renderer {
	return &Renderer{
		view:    v,
		canvas:  c,
		log:     log.With().Str("component", "overlay").Logger(),
		entries: make(map[string]*entry),
	}
}

// SetImageSize sets the equirectangular source dimensions used to convert
// stored pixel vertices back to directions. Must be called before Sync.
func (r *Renderer) SetImageSize(w, h float64) {
	r.mu.Lock()
	r.imgW, r.imgH = w, h
	r.mu.Unlock()
}

// Sync reconciles the rendered set against the given snapshot. Annotations
// absent from the snapshot are destroyed, new or changed ones get fresh
// hotspots. Call Redraw afterwards to repaint.
func (r *Renderer) Sync(annotations []core.Annotation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(annotations))
	for _, a := range annotations {
		seen[a.ID] = true
		if e, ok := r.entries[a.ID]; ok {
			if sameGeometry(e.annotation, a) {
				e.annotation = a
				continue
			}
			r.destroyLocked(a.ID)
		}
		r.createLocked(a)
	}
	for id := range r.entries {
		if !seen[id] {
			r.destroyLocked(id)
			r.canvas.Remove(id)
		}
	}
}

// Clear destroys every rendered annotation, for scene teardown.
func (r *Renderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.entries {
		r.destroyLocked(id)
		r.canvas.Remove(id)
	}
}

func (r *Renderer) createLocked(a core.Annotation) {
	e := &entry{annotation: a}
	for _, v := range a.Vertices {
		dir := transform.VertexSpherical(v, r.imgW, r.imgH)
		e.hotspots = append(e.hotspots, r.view.CreateHotspot(dir))
	}
	r.entries[a.ID] = e
	r.order = append(r.order, a.ID)
}

func (r *Renderer) destroyLocked(id string) {
	e, ok := r.entries[id]
	if !ok {
		return
	}
	for _, h := range e.hotspots {
		h.Destroy()
	}
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Redraw repaints every annotation from its hotspot screen boxes. Vertices
// whose box is invalid are dropped; an annotation with no valid vertex left
// is erased for this frame rather than drawn degenerate.
func (r *Renderer) Redraw() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		e := r.entries[id]
		pts := make([]core.ScreenPoint, 0, len(e.hotspots))
		for _, h := range e.hotspots {
			box := h.ScreenBox()
			if !box.Valid() {
				continue
			}
			pts = append(pts, box.Center())
		}
		if len(pts) == 0 {
			if e.visible {
				r.canvas.Remove(id)
				e.visible = false
				e.screen = geom.Polygon{}
			}
			continue
		}
		poly, err := screenPolygon(pts)
		if err != nil {
			r.log.Debug().Err(err).Str("annotation", id).Msg("screen polygon rejected")
			poly = geom.Polygon{}
		}
		e.screen = poly
		e.visible = true
		r.canvas.FillPolygon(id, pts, ColorFor(e.annotation))
	}
}

// HitIDs returns the annotations whose screen polygon contains p, topmost
// first. Draw order puts later annotations on top.
func (r *Renderer) HitIDs(p core.ScreenPoint) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	pt, err := geom.NewPoint(geom.Coordinates{XY: geom.XY{X: p.X, Y: p.Y}})
	if err != nil {
		return nil
	}
	var hits []string
	for i := len(r.order) - 1; i >= 0; i-- {
		e := r.entries[r.order[i]]
		if !e.visible {
			continue
		}
		if geom.Intersects(e.screen.AsGeometry(), pt.AsGeometry()) {
			hits = append(hits, r.order[i])
		}
	}
	return hits
}

// Annotation returns the rendered annotation for id.
func (r *Renderer) Annotation(id string) (core.Annotation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return core.Annotation{}, false
	}
	return e.annotation, true
}

func sameGeometry(a, b core.Annotation) bool {
	if len(a.Vertices) != len(b.Vertices) {
		return false
	}
	for i := range a.Vertices {
		if a.Vertices[i] != b.Vertices[i] {
			return false
		}
	}
	return true
}

// screenPolygon builds a closed ring from the projected points. Ring
// validation is skipped so degenerate slivers and self-crossing shapes still
// produce a hit-testable polygon.
func screenPolygon(pts []core.ScreenPoint) (geom.Polygon, error) {
	coords := make([]float64, 0, (len(pts)+1)*2)
	for _, p := range pts {
		coords = append(coords, p.X, p.Y)
	}
	coords = append(coords, pts[0].X, pts[0].Y)
	seq := geom.NewSequence(coords, geom.DimXY)
	ring, err := geom.NewLineString(seq, geom.DisableAllValidations)
	if err != nil {
		return geom.Polygon{}, err
	}
	return geom.NewPolygon([]geom.LineString{ring}, geom.DisableAllValidations)
}
