package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgepano/annotator/internal/api"
	"github.com/bridgepano/annotator/internal/config"
	"github.com/bridgepano/annotator/internal/storage/jsonfile"
	"github.com/bridgepano/annotator/internal/stream"
	"github.com/bridgepano/annotator/pkg/core"
)

const testFolder = "bridge1_20241103"

func seedAnnotation() core.Annotation {
	return core.Annotation{
		ID: "annotation_1", ImageName: "scene_1.jpg",
		Member: "床版", Label: "ひび割れ",
		Vertices: []core.Vertex{{X: 3900, Y: 1950}, {X: 4100, Y: 1950}, {X: 4000, Y: 2100}},
	}
}

func testScenes() []core.Scene {
	z := [3]float64{0, 0, -1}
	y := [3]float64{0, 1, 0}
	return []core.Scene{
		{
			ID: "scene_1", Name: "P1", ImageURL: "tiles/scene_1.jpg",
			ImageWidth: 8000, ImageHeight: 4000,
			InitialView: core.ViewParameters{FOV: 1.5707963267948966},
			ZVector:     z, YVector: y,
			MapX: 0.2, MapY: 0.3, MapZ: 0.9,
		},
	}
}

func newTestServer(t *testing.T, mutate ...func(*Config)) (*httptest.Server, *jsonfile.Backend) {
	t.Helper()

	static := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(static, testFolder), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(static, testFolder, "map.png"), []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(static, "bridge_info.json"),
		[]byte(`{"bridges":[{"bridgeName":"第一橋梁","bridgeRomanName":"bridge1","inspections":[],"additional_data":[]}]}`), 0o644))

	backend := jsonfile.New(config.JSONFileConfig{DataDir: t.TempDir()})
	require.NoError(t, backend.Init())
	require.NoError(t, backend.SaveAnnotation(context.Background(), testFolder, seedAnnotation()))

	cfg := Config{
		Log:       zerolog.Nop(),
		Backend:   backend,
		StaticDir: static,
		Scenes:    func(folder string) ([]core.Scene, error) { return testScenes(), nil },
	}
	for _, m := range mutate {
		m(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, backend
}

func TestFetchDocumentRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	client := api.New(srv.URL)

	doc, err := client.FetchDocument(context.Background(), testFolder)
	require.NoError(t, err)
	require.Len(t, doc.Annotations, 1)
	assert.Equal(t, "annotation_1", doc.Annotations[0].ID)
	assert.Equal(t, "ひび割れ", doc.Annotations[0].Label)
}

func TestSaveShapesThroughClient(t *testing.T) {
	srv, _ := newTestServer(t)
	client := api.New(srv.URL)
	ctx := context.Background()

	// Full record.
	require.NoError(t, client.SaveAnnotation(ctx, testFolder, core.Annotation{
		ID: "annotation_2", ImageName: "scene_1.jpg",
		Member: "主桁", Label: "鋼材腐食",
		Vertices: []core.Vertex{{X: 100, Y: 100}, {X: 200, Y: 100}, {X: 150, Y: 200}},
	}))

	// Geometry-only update.
	require.NoError(t, client.SaveGeometry(ctx, testFolder, api.GeometryUpdate{
		ID:     "annotation_1",
		Points: []core.Vertex{{X: 3800, Y: 1900}, {X: 4200, Y: 1900}, {X: 4000, Y: 2200}},
	}))

	// Details-only update.
	require.NoError(t, client.SaveDetails(ctx, testFolder, api.DetailsUpdate{
		ID: "annotation_1", Label: "鉄筋露出", Info: "補修済", Member: "床版",
	}))

	doc, err := client.FetchDocument(ctx, testFolder)
	require.NoError(t, err)
	require.Len(t, doc.Annotations, 2)

	var first core.Annotation
	for _, a := range doc.Annotations {
		if a.ID == "annotation_1" {
			first = a
		}
	}
	assert.Equal(t, []core.Vertex{{X: 3800, Y: 1900}, {X: 4200, Y: 1900}, {X: 4000, Y: 2200}}, first.Vertices)
	assert.Equal(t, "鉄筋露出", first.Label)
	assert.Equal(t, "補修済", first.Info)
}

func TestDeleteAnnotation(t *testing.T) {
	srv, _ := newTestServer(t)
	client := api.New(srv.URL)
	ctx := context.Background()

	require.NoError(t, client.DeleteAnnotation(ctx, testFolder, "annotation_1"))

	doc, err := client.FetchDocument(ctx, testFolder)
	require.NoError(t, err)
	assert.Empty(t, doc.Annotations)

	err = client.DeleteAnnotation(ctx, testFolder, "annotation_1")
	require.ErrorIs(t, err, api.ErrDeleteFailed)
	assert.Contains(t, err.Error(), "404")
}

func TestReadOnlyRejectsMutations(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *Config) { cfg.ReadOnly = true })
	client := api.New(srv.URL)
	ctx := context.Background()

	err := client.SaveDetails(ctx, testFolder, api.DetailsUpdate{ID: "annotation_1", Label: "x"})
	require.ErrorIs(t, err, api.ErrSaveFailed)
	assert.Contains(t, err.Error(), "403")

	err = client.DeleteAnnotation(ctx, testFolder, "annotation_1")
	require.ErrorIs(t, err, api.ErrDeleteFailed)
	assert.Contains(t, err.Error(), "403")

	// Reads still work.
	doc, err := client.FetchDocument(ctx, testFolder)
	require.NoError(t, err)
	assert.Len(t, doc.Annotations, 1)
}

func TestMapProbe(t *testing.T) {
	srv, _ := newTestServer(t)
	client := api.New(srv.URL)

	has, err := client.MapExists(context.Background(), testFolder)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = client.MapExists(context.Background(), "no_such_folder")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestBridgeInfo(t *testing.T) {
	srv, _ := newTestServer(t)
	client := api.New(srv.URL)

	info, err := client.FetchBridgeInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, info.Bridges, 1)
	assert.Equal(t, "第一橋梁", info.Bridges[0].BridgeName)
}

func TestSaveRequiresID(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/save-annotations?folder="+testFolder,
		"application/json", strings.NewReader(`{"label":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSaveRejectsDegeneratePolygons(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	// Full record with two vertices.
	body := `{"id":"annotation_9","imageName":"scene_1.jpg","vertices":[{"x":1,"y":1},{"x":2,"y":2}]}`
	resp, err := http.Post(srv.URL+"/save-annotations?folder="+testFolder,
		"application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Geometry update that would shrink an existing polygon below three.
	body = `{"id":"annotation_1","points":[{"x":1,"y":1},{"x":2,"y":2}]}`
	resp, err = http.Post(srv.URL+"/save-annotations?folder="+testFolder,
		"application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	client := api.New(srv.URL)
	doc, err := client.FetchDocument(ctx, testFolder)
	require.NoError(t, err)
	require.Len(t, doc.Annotations, 1)
	assert.Len(t, doc.Annotations[0].Vertices, 3)
}

func TestMissingFolderFallsBackToDefault(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *Config) { cfg.DefaultFolder = testFolder })
	ctx := context.Background()

	// Details save without a folder parameter lands in the default folder.
	resp, err := http.Post(srv.URL+"/save-annotations",
		"application/json", strings.NewReader(`{"id":"annotation_1","label":"鉄筋露出"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	client := api.New(srv.URL)
	doc, err := client.FetchDocument(ctx, testFolder)
	require.NoError(t, err)
	require.Len(t, doc.Annotations, 1)
	assert.Equal(t, "鉄筋露出", doc.Annotations[0].Label)

	// A websocket handshake without a folder binds to the default too.
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env stream.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, stream.TypeSceneSwitched, env.Type)
}

func TestMissingFolderWithoutDefaultRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/save-annotations",
		"application/json", strings.NewReader(`{"id":"annotation_1","label":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// dialSession opens a websocket session and returns a receive function that
// blocks until the next envelope of the wanted type arrives.
func dialSession(t *testing.T, srv *httptest.Server) (*ws.Conn, func(string) json.RawMessage) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?folder=" + testFolder
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	recv := func(wantType string) json.RawMessage {
		deadline := time.Now().Add(3 * time.Second)
		for {
			require.NoError(t, conn.SetReadDeadline(deadline))
			_, data, err := conn.ReadMessage()
			require.NoError(t, err, "waiting for %s", wantType)
			var env stream.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			if env.Type == wantType {
				return env.Payload
			}
		}
	}
	return conn, recv
}

func sendEvent(t *testing.T, conn *ws.Conn, msgType string, payload any) {
	t.Helper()
	data, err := stream.Marshal(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(ws.TextMessage, data))
}

func TestWebSocketSessionOpeningState(t *testing.T) {
	srv, _ := newTestServer(t)
	_, recv := dialSession(t, srv)

	var sw stream.ScenePayload
	require.NoError(t, json.Unmarshal(recv(stream.TypeSceneSwitched), &sw))
	assert.Equal(t, "scene_1", sw.SceneID)

	var fill stream.PolygonPayload
	require.NoError(t, json.Unmarshal(recv(stream.TypeFillPolygon), &fill))
	assert.Equal(t, "annotation_1", fill.ID)
	assert.Equal(t, "green", fill.Color)
	assert.Len(t, fill.Points, 3)

	var date stream.CaptureDatePayload
	require.NoError(t, json.Unmarshal(recv(stream.TypeCaptureDate), &date))
	assert.Equal(t, "2024年11月3日撮影", date.Text)
}

func TestWebSocketClickOpensPopup(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, recv := dialSession(t, srv)

	// Drain the opening state before interacting.
	recv(stream.TypeMapMarkers)

	sendEvent(t, conn, stream.TypeClick, stream.PointPayload{X: 640, Y: 360})

	var popup stream.DetailPopupPayload
	require.NoError(t, json.Unmarshal(recv(stream.TypeDetailPopup), &popup))
	assert.True(t, popup.Open)
	assert.Equal(t, "annotation_1", popup.Annotation.ID)
	assert.True(t, popup.Editable)
}

func TestWebSocketSaveDetailsReachesBackend(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, recv := dialSession(t, srv)
	recv(stream.TypeMapMarkers)

	sendEvent(t, conn, stream.TypeSaveDetails, stream.DetailsPayload{
		ID: "annotation_1", Member: "床版", Label: "鉄筋露出", Info: "補修済",
	})

	var popup stream.DetailPopupPayload
	require.NoError(t, json.Unmarshal(recv(stream.TypeDetailPopup), &popup))
	assert.False(t, popup.Open)

	doc, err := api.New(srv.URL).FetchDocument(context.Background(), testFolder)
	require.NoError(t, err)
	for _, a := range doc.Annotations {
		if a.ID == "annotation_1" {
			assert.Equal(t, "鉄筋露出", a.Label)
			assert.Equal(t, "補修済", a.Info)
		}
	}
}

func TestHTTPMutationNotifiesSessions(t *testing.T) {
	srv, _ := newTestServer(t)
	_, recv := dialSession(t, srv)
	recv(stream.TypeMapMarkers)

	client := api.New(srv.URL)
	require.NoError(t, client.DeleteAnnotation(context.Background(), testFolder, "annotation_1"))

	var reloaded stream.ReloadedPayload
	require.NoError(t, json.Unmarshal(recv(stream.TypeReloaded), &reloaded))
	assert.Equal(t, 0, reloaded.Count)
	assert.Equal(t, "scene_1.jpg", reloaded.ImageName)
}

func TestWebSocketUnknownFolder(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *Config) {
		cfg.Scenes = nil // fall back to scenes.json lookup
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?folder=missing"
	_, resp, err := ws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
