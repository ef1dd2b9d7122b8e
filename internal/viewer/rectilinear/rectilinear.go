// Package rectilinear implements the viewer contract with a standard
// perspective projection. It mirrors the frontend camera so hit testing
// and overlay geometry can be computed engine-side.
package rectilinear

import (
	"math"
	"sync"

	"github.com/bridgepano/annotator/internal/viewer"
	"github.com/bridgepano/annotator/pkg/core"
)

const markerSize = 10.0

// Viewer projects directions through a pinhole camera at the panorama
// center. Yaw 0 / pitch 0 looks down the +Z axis.
type Viewer struct {
	mu       sync.Mutex
	width    float64
	height   float64
	fov      float64 // vertical field of view, radians
	view     core.Spherical
	scene    string
	controls bool
}

// New creates a viewer for the given viewport and vertical field of view.
func New(width, height, fov float64) *Viewer {
	return &Viewer{width: width, height: height, fov: fov, controls: true}
}

func (v *Viewer) View() core.Spherical {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.view
}

func (v *Viewer) SetView(view core.Spherical) {
	v.mu.Lock()
	v.view = view
	v.mu.Unlock()
}

// SetFOV updates the zoom level.
func (v *Viewer) SetFOV(fov float64) {
	v.mu.Lock()
	v.fov = fov
	v.mu.Unlock()
}

func (v *Viewer) SwitchScene(sceneID string) {
	v.mu.Lock()
	v.scene = sceneID
	v.mu.Unlock()
}

// Scene returns the id of the scene currently displayed.
func (v *Viewer) Scene() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scene
}

func (v *Viewer) SetControlsEnabled(enabled bool) {
	v.mu.Lock()
	v.controls = enabled
	v.mu.Unlock()
}

// ControlsEnabled reports whether camera controls are active.
func (v *Viewer) ControlsEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.controls
}

// focal returns the focal length in pixels for the current field of view.
func (v *Viewer) focal() float64 {
	return (v.height / 2) / math.Tan(v.fov/2)
}

// toVector converts a direction to a world-space unit vector.
func toVector(d core.Spherical) (x, y, z float64) {
	x = math.Cos(d.Pitch) * math.Sin(d.Yaw)
	y = math.Sin(d.Pitch)
	z = math.Cos(d.Pitch) * math.Cos(d.Yaw)
	return
}

// project maps a direction to viewport coordinates. ok is false when the
// direction is behind the camera plane.
func (v *Viewer) project(d core.Spherical) (core.ScreenPoint, bool) {
	v.mu.Lock()
	view := v.view
	f := v.focal()
	cx, cy := v.width/2, v.height/2
	v.mu.Unlock()

	x, y, z := toVector(d)

	// Rotate into camera space: yaw about Y, then pitch about X.
	sinYaw, cosYaw := math.Sin(view.Yaw), math.Cos(view.Yaw)
	x, z = x*cosYaw-z*sinYaw, x*sinYaw+z*cosYaw

	sinPitch, cosPitch := math.Sin(view.Pitch), math.Cos(view.Pitch)
	y, z = y*cosPitch-z*sinPitch, y*sinPitch+z*cosPitch

	if z <= 0 {
		return core.ScreenPoint{}, false
	}
	return core.ScreenPoint{
		X: cx + f*x/z,
		Y: cy - f*y/z,
	}, true
}

func (v *Viewer) ScreenToSpherical(p core.ScreenPoint) (core.Spherical, bool) {
	v.mu.Lock()
	view := v.view
	f := v.focal()
	cx, cy := v.width/2, v.height/2
	v.mu.Unlock()

	// Camera-space ray through the pixel.
	x := (p.X - cx) / f
	y := (cy - p.Y) / f
	z := 1.0

	// Undo pitch, then yaw.
	sinPitch, cosPitch := math.Sin(view.Pitch), math.Cos(view.Pitch)
	y, z = y*cosPitch+z*sinPitch, -y*sinPitch+z*cosPitch

	sinYaw, cosYaw := math.Sin(view.Yaw), math.Cos(view.Yaw)
	x, z = x*cosYaw+z*sinYaw, -x*sinYaw+z*cosYaw

	norm := math.Sqrt(x*x + y*y + z*z)
	if norm == 0 {
		return core.Spherical{}, false
	}
	return core.Spherical{
		Yaw:   math.Atan2(x, z),
		Pitch: math.Asin(y / norm),
	}, true
}

func (v *Viewer) CreateHotspot(dir core.Spherical) viewer.Hotspot {
	return &hotspot{viewer: v, dir: dir}
}

type hotspot struct {
	viewer    *Viewer
	dir       core.Spherical
	destroyed bool
}

// ScreenBox reports the marker box around the projected direction. A
// destroyed or behind-camera hotspot yields the zero box, which callers
// filter out through Box.Valid.
func (h *hotspot) ScreenBox() viewer.Box {
	if h.destroyed {
		return viewer.Box{}
	}
	p, ok := h.viewer.project(h.dir)
	if !ok {
		return viewer.Box{}
	}
	return viewer.Box{
		Left:   p.X - markerSize/2,
		Top:    p.Y - markerSize/2,
		Width:  markerSize,
		Height: markerSize,
	}
}

func (h *hotspot) Destroy() {
	h.destroyed = true
}
