// Package jsonfile stores each bridge folder's annotations as a single
// JSON document at <dataDir>/<folder>/annotations/annotations.json.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bridgepano/annotator/internal/config"
	"github.com/bridgepano/annotator/pkg/core"
)

// Backend is the file-backed annotation store.
type Backend struct {
	cfg config.JSONFileConfig
	mu  sync.Mutex
}

// New creates a new jsonfile backend
func New(cfg config.JSONFileConfig) *Backend {
	return &Backend{cfg: cfg}
}

// Init verifies the data directory exists.
func (b *Backend) Init() error {
	info, err := os.Stat(b.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data dir %s is not a directory", b.cfg.DataDir)
	}
	return nil
}

// Close is a no-op for file storage.
func (b *Backend) Close() error { return nil }

func (b *Backend) documentPath(folder string) string {
	return filepath.Join(b.cfg.DataDir, folder, "annotations", "annotations.json")
}

// Document returns the folder's full annotation document. A missing file
// yields an empty document, not an error: new folders start blank.
func (b *Backend) Document(_ context.Context, folder string) (core.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read(folder)
}

func (b *Backend) read(folder string) (core.Document, error) {
	data, err := os.ReadFile(b.documentPath(folder))
	if errors.Is(err, os.ErrNotExist) {
		return core.Document{Annotations: []core.Annotation{}}, nil
	}
	if err != nil {
		return core.Document{}, err
	}
	var doc core.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return core.Document{}, fmt.Errorf("parsing %s: %w", b.documentPath(folder), err)
	}
	if doc.Annotations == nil {
		doc.Annotations = []core.Annotation{}
	}
	return doc, nil
}

// write rewrites the whole document atomically via a temp file rename.
func (b *Backend) write(folder string, doc core.Document) error {
	path := b.documentPath(folder)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".annotations-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// SaveAnnotation creates a record or replaces one with the same id.
func (b *Backend) SaveAnnotation(_ context.Context, folder string, ann core.Annotation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.read(folder)
	if err != nil {
		return err
	}
	replaced := false
	for i := range doc.Annotations {
		if doc.Annotations[i].ID == ann.ID {
			doc.Annotations[i] = ann
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Annotations = append(doc.Annotations, ann)
	}
	return b.write(folder, doc)
}

// UpdateGeometry replaces only the vertex list of an existing record.
func (b *Backend) UpdateGeometry(_ context.Context, folder, id string, points []core.Vertex) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.read(folder)
	if err != nil {
		return err
	}
	for i := range doc.Annotations {
		if doc.Annotations[i].ID == id {
			doc.Annotations[i].Vertices = points
			return b.write(folder, doc)
		}
	}
	return core.ErrAnnotationNotFound
}

// UpdateDetails replaces only the descriptive fields.
func (b *Backend) UpdateDetails(_ context.Context, folder, id string, patch core.DetailsPatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.read(folder)
	if err != nil {
		return err
	}
	for i := range doc.Annotations {
		if doc.Annotations[i].ID == id {
			patch.Apply(&doc.Annotations[i])
			return b.write(folder, doc)
		}
	}
	return core.ErrAnnotationNotFound
}

// Delete removes a record by id.
func (b *Backend) Delete(_ context.Context, folder, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.read(folder)
	if err != nil {
		return err
	}
	for i := range doc.Annotations {
		if doc.Annotations[i].ID == id {
			doc.Annotations = append(doc.Annotations[:i], doc.Annotations[i+1:]...)
			return b.write(folder, doc)
		}
	}
	return core.ErrAnnotationNotFound
}
