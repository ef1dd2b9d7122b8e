// pkg/core/scene.go
package core

import "path"

// UpperLowerBorderZ splits scenes into above-deck and below-deck groups
// on the map. Scenes at or below this Z render with the lower-deck marker.
const UpperLowerBorderZ = 0.35

// ViewParameters is an initial camera orientation for a scene.
type ViewParameters struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	FOV   float64 `json:"fov"`
}

// Scene identifies one panoramic image and its camera metadata.
// Scenes are built once from the static scene descriptor and never mutated.
type Scene struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ImageURL    string  `json:"imageUrl"`
	ImageWidth  float64 `json:"imageWidth"`
	ImageHeight float64 `json:"imageHeight"`

	InitialView ViewParameters `json:"initialViewParameters"`

	// Capture-rig orientation. ZVector is the camera forward axis,
	// YVector the camera up axis; both drive the view carry-over when
	// switching between scenes.
	ZVector [3]float64 `json:"z_vector"`
	YVector [3]float64 `json:"y_vector"`

	// Normalized map position (0..1) plus deck height.
	MapX float64 `json:"mapX"`
	MapY float64 `json:"mapY"`
	MapZ float64 `json:"mapZ"`

	LinkHotspots []LinkHotspot `json:"linkHotspots"`
}

// BelowDeck reports whether the scene lies under the bridge deck.
func (s Scene) BelowDeck() bool {
	return s.MapZ <= UpperLowerBorderZ
}

// ImageName is the file name component of ImageURL. Annotations are keyed
// to this name.
func (s Scene) ImageName() string {
	if s.ImageURL == "" {
		return ""
	}
	return path.Base(s.ImageURL)
}

// LinkHotspot is a navigation marker embedded in a scene pointing at
// another scene.
type LinkHotspot struct {
	Yaw      float64 `json:"yaw"`
	Pitch    float64 `json:"pitch"`
	Rotation float64 `json:"rotation"`
	Target   string  `json:"target"`
}

// ScreenPoint is a position in viewport pixel space.
type ScreenPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Spherical is a viewing direction in radians. Yaw 0 / pitch 0 points at
// the image center; yaw grows rightward in (-pi, pi], pitch in [-pi/2, pi/2].
type Spherical struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
}
