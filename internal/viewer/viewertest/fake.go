// Package viewertest provides a deterministic Viewer for tests: a linear
// angle-to-screen projection with no perspective, plus switches to force
// invalid projections.
package viewertest

import (
	"sync"

	"github.com/bridgepano/annotator/internal/viewer"
	"github.com/bridgepano/annotator/pkg/core"
)

const (
	// Screen geometry of the fake viewport.
	ScreenWidth  = 1280.0
	ScreenHeight = 720.0

	// Radians-to-pixels scale of the linear projection.
	Scale = 400.0

	markerSize = 10.0
)

// Fake implements viewer.Viewer with a linear projection centered on the
// current view. Pitch-up moves the projected point up the screen, matching
// the real engine.
type Fake struct {
	mu       sync.Mutex
	view     core.Spherical
	scene    string
	controls bool
	hotspots []*fakeHotspot

	// Directions listed here project to the origin box (invalid), the
	// way the real engine reports a vertex behind the camera.
	invalid map[core.Spherical]bool
}

// New creates a fake viewer looking at yaw 0 / pitch 0.
func New() *Fake {
	return &Fake{controls: true, invalid: make(map[core.Spherical]bool)}
}

func (f *Fake) View() core.Spherical {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *Fake) SetView(v core.Spherical) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = v
}

// Project maps a direction to screen space under the current view.
func (f *Fake) Project(dir core.Spherical) core.ScreenPoint {
	f.mu.Lock()
	v := f.view
	f.mu.Unlock()
	return core.ScreenPoint{
		X: ScreenWidth/2 + (dir.Yaw-v.Yaw)*Scale,
		Y: ScreenHeight/2 - (dir.Pitch-v.Pitch)*Scale,
	}
}

func (f *Fake) ScreenToSpherical(p core.ScreenPoint) (core.Spherical, bool) {
	f.mu.Lock()
	v := f.view
	f.mu.Unlock()
	return core.Spherical{
		Yaw:   v.Yaw + (p.X-ScreenWidth/2)/Scale,
		Pitch: v.Pitch - (p.Y-ScreenHeight/2)/Scale,
	}, true
}

func (f *Fake) CreateHotspot(dir core.Spherical) viewer.Hotspot {
	h := &fakeHotspot{fake: f, dir: dir}
	f.mu.Lock()
	f.hotspots = append(f.hotspots, h)
	f.mu.Unlock()
	return h
}

func (f *Fake) SwitchScene(sceneID string) {
	f.mu.Lock()
	f.scene = sceneID
	f.mu.Unlock()
}

// Scene returns the id passed to the last SwitchScene call.
func (f *Fake) Scene() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scene
}

func (f *Fake) SetControlsEnabled(enabled bool) {
	f.mu.Lock()
	f.controls = enabled
	f.mu.Unlock()
}

// ControlsEnabled reports the current control state.
func (f *Fake) ControlsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.controls
}

// MarkInvalid makes every hotspot at dir project to an invalid box.
func (f *Fake) MarkInvalid(dir core.Spherical) {
	f.mu.Lock()
	f.invalid[dir] = true
	f.mu.Unlock()
}

// LiveHotspots counts hotspots that have not been destroyed.
func (f *Fake) LiveHotspots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.hotspots {
		if !h.destroyed {
			n++
		}
	}
	return n
}

type fakeHotspot struct {
	fake      *Fake
	dir       core.Spherical
	destroyed bool
}

func (h *fakeHotspot) ScreenBox() viewer.Box {
	h.fake.mu.Lock()
	bad := h.fake.invalid[h.dir]
	h.fake.mu.Unlock()
	if bad || h.destroyed {
		return viewer.Box{}
	}
	p := h.fake.Project(h.dir)
	return viewer.Box{
		Left:   p.X - markerSize/2,
		Top:    p.Y - markerSize/2,
		Width:  markerSize,
		Height: markerSize,
	}
}

func (h *fakeHotspot) Destroy() {
	h.destroyed = true
}
