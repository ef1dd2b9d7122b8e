package rectilinear

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgepano/annotator/pkg/core"
)

func newTestViewer() *Viewer {
	return New(1280, 720, math.Pi/2)
}

func TestViewDirectionProjectsToCenter(t *testing.T) {
	v := newTestViewer()
	v.SetView(core.Spherical{Yaw: 0.7, Pitch: -0.3})

	p, ok := v.project(core.Spherical{Yaw: 0.7, Pitch: -0.3})
	require.True(t, ok)
	assert.InDelta(t, 640, p.X, 1e-9)
	assert.InDelta(t, 360, p.Y, 1e-9)
}

func TestProjectAboveViewIsHigherOnScreen(t *testing.T) {
	v := newTestViewer()

	p, ok := v.project(core.Spherical{Yaw: 0, Pitch: 0.1})
	require.True(t, ok)
	assert.Less(t, p.Y, 360.0)
	assert.InDelta(t, 640, p.X, 1e-9)
}

func TestProjectBehindCamera(t *testing.T) {
	v := newTestViewer()

	_, ok := v.project(core.Spherical{Yaw: math.Pi, Pitch: 0})
	assert.False(t, ok)
}

func TestScreenToSphericalRoundTrip(t *testing.T) {
	v := newTestViewer()
	v.SetView(core.Spherical{Yaw: 1.2, Pitch: 0.4})

	dirs := []core.Spherical{
		{Yaw: 1.2, Pitch: 0.4},
		{Yaw: 1.5, Pitch: 0.2},
		{Yaw: 0.9, Pitch: 0.55},
	}
	for _, want := range dirs {
		p, ok := v.project(want)
		require.True(t, ok)
		got, ok := v.ScreenToSpherical(p)
		require.True(t, ok)
		assert.InDelta(t, want.Yaw, got.Yaw, 1e-9)
		assert.InDelta(t, want.Pitch, got.Pitch, 1e-9)
	}
}

func TestHotspotTracksView(t *testing.T) {
	v := newTestViewer()
	spot := v.CreateHotspot(core.Spherical{Yaw: 0.2, Pitch: 0})

	before := spot.ScreenBox()
	require.True(t, before.Valid())

	v.SetView(core.Spherical{Yaw: 0.2, Pitch: 0})
	after := spot.ScreenBox()
	require.True(t, after.Valid())
	assert.InDelta(t, 640, after.Center().X, 1e-9)
	assert.NotEqual(t, before.Center().X, after.Center().X)
}

func TestHotspotBehindCameraInvalid(t *testing.T) {
	v := newTestViewer()
	spot := v.CreateHotspot(core.Spherical{Yaw: math.Pi, Pitch: 0})

	assert.False(t, spot.ScreenBox().Valid())
}

func TestDestroyedHotspot(t *testing.T) {
	v := newTestViewer()
	spot := v.CreateHotspot(core.Spherical{})
	spot.Destroy()

	assert.False(t, spot.ScreenBox().Valid())
}

func TestControlsAndScene(t *testing.T) {
	v := newTestViewer()
	assert.True(t, v.ControlsEnabled())

	v.SetControlsEnabled(false)
	assert.False(t, v.ControlsEnabled())

	v.SwitchScene("scene_2")
	assert.Equal(t, "scene_2", v.Scene())
}
