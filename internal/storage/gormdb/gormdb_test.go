package gormdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgepano/annotator/pkg/core"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b := New(Options{SQLitePath: filepath.Join(t.TempDir(), "test.db")}, zerolog.Nop())
	require.NoError(t, b.Init())
	t.Cleanup(func() { b.Close() })
	return b
}

func sample(id string) core.Annotation {
	return core.Annotation{
		ID:        id,
		ImageName: "scene_1.jpg",
		Vertices:  []core.Vertex{{X: 10, Y: 20}, {X: 30, Y: 20}, {X: 20, Y: 40}},
		Member:    "主桁",
		Label:     "ひび割れ",
	}
}

func TestSaveAndDocument(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SaveAnnotation(ctx, "bridge1_20241103", sample("annotation_1")))
	require.NoError(t, b.SaveAnnotation(ctx, "bridge1_20241103", sample("annotation_2")))

	doc, err := b.Document(ctx, "bridge1_20241103")
	require.NoError(t, err)
	require.Len(t, doc.Annotations, 2)
	assert.Equal(t, "annotation_1", doc.Annotations[0].ID)
	assert.Equal(t, []core.Vertex{{X: 10, Y: 20}, {X: 30, Y: 20}, {X: 20, Y: 40}}, doc.Annotations[0].Vertices)
}

func TestSave_ReplacesSameID(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SaveAnnotation(ctx, "f", sample("annotation_1")))
	updated := sample("annotation_1")
	updated.Label = "鉄筋露出"
	require.NoError(t, b.SaveAnnotation(ctx, "f", updated))

	doc, err := b.Document(ctx, "f")
	require.NoError(t, err)
	require.Len(t, doc.Annotations, 1)
	assert.Equal(t, "鉄筋露出", doc.Annotations[0].Label)
}

func TestFoldersAreIsolated(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SaveAnnotation(ctx, "bridge1_20241103", sample("annotation_1")))
	require.NoError(t, b.SaveAnnotation(ctx, "bridge2_20250101", sample("annotation_1")))

	doc, err := b.Document(ctx, "bridge2_20250101")
	require.NoError(t, err)
	assert.Len(t, doc.Annotations, 1)
}

func TestUpdateGeometry(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SaveAnnotation(ctx, "f", sample("annotation_1")))
	pts := []core.Vertex{{X: 1, Y: 1}, {X: 2, Y: 1}, {X: 2, Y: 2}, {X: 1, Y: 2}}
	require.NoError(t, b.UpdateGeometry(ctx, "f", "annotation_1", pts))

	doc, err := b.Document(ctx, "f")
	require.NoError(t, err)
	require.Len(t, doc.Annotations, 1)
	assert.Equal(t, pts, doc.Annotations[0].Vertices)
	assert.Equal(t, "ひび割れ", doc.Annotations[0].Label)

	assert.ErrorIs(t, b.UpdateGeometry(ctx, "f", "annotation_9", pts), core.ErrAnnotationNotFound)
}

func TestUpdateDetails(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SaveAnnotation(ctx, "f", sample("annotation_1")))
	color := "blue"
	require.NoError(t, b.UpdateDetails(ctx, "f", "annotation_1", core.DetailsPatch{
		Member: "床版", Label: "鋼材腐食", Info: "詳細", Color: &color,
	}))

	doc, err := b.Document(ctx, "f")
	require.NoError(t, err)
	got := doc.Annotations[0]
	assert.Equal(t, "床版", got.Member)
	assert.Equal(t, "鋼材腐食", got.Label)
	require.NotNil(t, got.Color)
	assert.Equal(t, "blue", *got.Color)
	assert.Len(t, got.Vertices, 3)
}

func TestUpdateDetails_NilColorClears(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	ann := sample("annotation_1")
	color := "purple"
	ann.Color = &color
	require.NoError(t, b.SaveAnnotation(ctx, "f", ann))

	require.NoError(t, b.UpdateDetails(ctx, "f", "annotation_1", core.DetailsPatch{
		Member: ann.Member, Label: ann.Label, Info: ann.Info, Color: nil,
	}))

	doc, err := b.Document(ctx, "f")
	require.NoError(t, err)
	assert.Nil(t, doc.Annotations[0].Color)
}

func TestDelete(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SaveAnnotation(ctx, "f", sample("annotation_1")))
	require.NoError(t, b.Delete(ctx, "f", "annotation_1"))

	doc, err := b.Document(ctx, "f")
	require.NoError(t, err)
	assert.Empty(t, doc.Annotations)

	assert.ErrorIs(t, b.Delete(ctx, "f", "annotation_1"), core.ErrAnnotationNotFound)
}
