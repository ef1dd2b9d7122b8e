// Package transform holds the pure coordinate conversions between
// spherical viewing angles and source-equirectangular image pixels.
//
// The equirectangular mapping is linear and exact: yaw -pi maps to pixel
// column 0, yaw +pi to the full image width, pitch +pi/2 to row 0. Inputs
// are deliberately never clamped; columns outside [0, width) are valid for
// polygons wrapping across the seam at yaw = +-pi.
//
// The screen-editing path and the storage path disagree on pitch sign: the
// viewer reports pitch-up as positive while image rows grow downward, so
// every save site passes -pitch into ImagePixel. That negation lives at the
// call sites, not here.
package transform

import (
	"math"

	"github.com/bridgepano/annotator/pkg/core"
)

// ImagePixel converts a viewing direction to source-image pixel coordinates.
func ImagePixel(dir core.Spherical, imageWidth, imageHeight float64) core.ScreenPoint {
	return core.ScreenPoint{
		X: (dir.Yaw + math.Pi) / (2 * math.Pi) * imageWidth,
		Y: (math.Pi/2 - dir.Pitch) / math.Pi * imageHeight,
	}
}

// Spherical converts source-image pixel coordinates to a viewing direction.
func Spherical(x, y, imageWidth, imageHeight float64) core.Spherical {
	return core.Spherical{
		Yaw:   (x/imageWidth)*2*math.Pi - math.Pi,
		Pitch: -(math.Pi/2 - (y/imageHeight)*math.Pi),
	}
}

// VertexSpherical converts a stored annotation vertex to the viewing
// direction its hotspot is anchored at.
func VertexSpherical(v core.Vertex, imageWidth, imageHeight float64) core.Spherical {
	return Spherical(float64(v.X), float64(v.Y), imageWidth, imageHeight)
}

// RoundVertex converts an image-space position to the integer vertex the
// persistence layer stores.
func RoundVertex(p core.ScreenPoint) core.Vertex {
	return core.Vertex{X: int(math.Round(p.X)), Y: int(math.Round(p.Y))}
}

// YawOffset is the global yaw of a scene's capture rig, derived from its
// forward axis. Carrying the difference of two offsets across a scene
// switch keeps the operator looking at the same world direction.
func YawOffset(s core.Scene) float64 {
	return math.Atan2(s.ZVector[0], -s.ZVector[2])
}

// PitchOffset is the global pitch of a scene's capture rig, derived from
// its up axis.
func PitchOffset(s core.Scene) float64 {
	return math.Atan2(s.YVector[1], -s.YVector[2])
}

// CarryView translates the current view in one scene into the equivalent
// view in the next scene using both rigs' orientation vectors.
func CarryView(view core.Spherical, from, to core.Scene) core.Spherical {
	return core.Spherical{
		Yaw:   view.Yaw + YawOffset(from) - YawOffset(to),
		Pitch: view.Pitch + PitchOffset(from) - PitchOffset(to),
	}
}

// Centroid returns the vertex mean in image pixel space. Used to aim the
// camera at an annotation picked from the item selector.
func Centroid(vertices []core.Vertex) core.ScreenPoint {
	if len(vertices) == 0 {
		return core.ScreenPoint{}
	}
	var sumX, sumY float64
	for _, v := range vertices {
		sumX += float64(v.X)
		sumY += float64(v.Y)
	}
	n := float64(len(vertices))
	return core.ScreenPoint{X: sumX / n, Y: sumY / n}
}

// CentroidSpherical aims at the centroid of an annotation's vertices.
func CentroidSpherical(vertices []core.Vertex, imageWidth, imageHeight float64) core.Spherical {
	c := Centroid(vertices)
	return Spherical(c.X, c.Y, imageWidth, imageHeight)
}
