// Package viewer defines the contract of the external panorama engine.
// The engine owns projection, tiling and gesture handling; this module only
// consumes its screen<->angle conversions and its hotspot anchoring.
package viewer

import (
	"math"

	"github.com/bridgepano/annotator/pkg/core"
)

// Box is the screen bounding box of a hotspot's anchor element.
type Box struct {
	Left   float64
	Top    float64
	Width  float64
	Height float64
}

// Valid reports whether the box is a usable projection. The engine signals
// an off-screen or degenerate projection with a zero-area box, NaN
// coordinates, or a box pinned to the origin.
func (b Box) Valid() bool {
	if b.Width == 0 || b.Height == 0 {
		return false
	}
	if math.IsNaN(b.Left) || math.IsNaN(b.Top) {
		return false
	}
	if b.Left == 0 && b.Top == 0 {
		return false
	}
	return true
}

// Center is the screen position the box anchors.
func (b Box) Center() core.ScreenPoint {
	return core.ScreenPoint{X: b.Left + b.Width/2, Y: b.Top + b.Height/2}
}

// Hotspot is a screen-anchored marker bound to a spherical direction in the
// current scene. Hotspots are ephemeral rendering artifacts: destroyed and
// recreated whenever the scene or the annotation set changes.
type Hotspot interface {
	// ScreenBox returns the marker's current bounding box under the
	// camera orientation of this frame.
	ScreenBox() Box
	// Destroy removes the marker from the scene.
	Destroy()
}

// Viewer is the capability surface of the external panorama engine.
type Viewer interface {
	// View returns the current camera orientation.
	View() core.Spherical
	// SetView aims the camera.
	SetView(core.Spherical)
	// ScreenToSpherical projects a viewport position to a viewing
	// direction. Reports false when the position cannot be projected.
	ScreenToSpherical(p core.ScreenPoint) (core.Spherical, bool)
	// CreateHotspot anchors a marker at a viewing direction.
	CreateHotspot(dir core.Spherical) Hotspot
	// SwitchScene displays another scene.
	SwitchScene(sceneID string)
	// SetControlsEnabled toggles pan/zoom input. Add and edit modes
	// freeze the camera so screen positions stay meaningful mid-gesture.
	SetControlsEnabled(enabled bool)
}
