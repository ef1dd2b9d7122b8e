// internal/store/store.go
package store

import (
	"context"
	"sync"

	"github.com/bridgepano/annotator/internal/api"
	"github.com/bridgepano/annotator/pkg/core"
)

// Persistence is the slice of the API client the store depends on.
type Persistence interface {
	FetchDocument(ctx context.Context, folder string) (core.Document, error)
	SaveAnnotation(ctx context.Context, folder string, ann core.Annotation) error
	SaveGeometry(ctx context.Context, folder string, upd api.GeometryUpdate) error
	SaveDetails(ctx context.Context, folder string, upd api.DetailsUpdate) error
	DeleteAnnotation(ctx context.Context, folder, id string) error
}

// Store caches the annotations of the current scene's image. It holds
// exactly one snapshot; every successful mutation reloads the snapshot from
// the server rather than patching it locally, so the cache never diverges
// from server state. A reload racing a second mutation is last-completion-
// wins; that window is accepted, not corrected.
type Store struct {
	client Persistence
	folder string

	mu          sync.Mutex
	imageName   string
	annotations []core.Annotation
}

// New creates a store bound to one working folder.
func New(client Persistence, folder string) *Store {
	return &Store{client: client, folder: folder}
}

// Folder returns the working folder identifier.
func (s *Store) Folder() string {
	return s.folder
}

// LoadForScene fetches the full annotation document and replaces the cached
// snapshot with the records belonging to imageName. On any fetch or parse
// failure the previous snapshot is left untouched.
func (s *Store) LoadForScene(ctx context.Context, imageName string) error {
	doc, err := s.client.FetchDocument(ctx, s.folder)
	if err != nil {
		return err
	}

	filtered := make([]core.Annotation, 0, len(doc.Annotations))
	for _, ann := range doc.Annotations {
		if ann.ImageName == imageName {
			filtered = append(filtered, ann)
		}
	}

	s.mu.Lock()
	s.imageName = imageName
	s.annotations = filtered
	s.mu.Unlock()
	return nil
}

// ImageName returns the image the current snapshot belongs to.
func (s *Store) ImageName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imageName
}

// Annotations returns a copy of the cached snapshot.
func (s *Store) Annotations() []core.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Annotation, len(s.annotations))
	copy(out, s.annotations)
	return out
}

// FindByID scans the cached snapshot for an annotation.
func (s *Store) FindByID(id string) (core.Annotation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ann := range s.annotations {
		if ann.ID == id {
			return ann, true
		}
	}
	return core.Annotation{}, false
}

// Create persists a new annotation, then reloads the snapshot.
func (s *Store) Create(ctx context.Context, ann core.Annotation) error {
	if err := s.client.SaveAnnotation(ctx, s.folder, ann); err != nil {
		return err
	}
	return s.reload(ctx)
}

// UpdateGeometry persists re-derived vertex positions, then reloads.
func (s *Store) UpdateGeometry(ctx context.Context, id string, points []core.Vertex) error {
	upd := api.GeometryUpdate{ID: id, Points: points}
	if err := s.client.SaveGeometry(ctx, s.folder, upd); err != nil {
		return err
	}
	return s.reload(ctx)
}

// UpdateDetails persists detail-popup fields, then reloads.
func (s *Store) UpdateDetails(ctx context.Context, upd api.DetailsUpdate) error {
	if err := s.client.SaveDetails(ctx, s.folder, upd); err != nil {
		return err
	}
	return s.reload(ctx)
}

// Delete removes an annotation, then reloads.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.DeleteAnnotation(ctx, s.folder, id); err != nil {
		return err
	}
	return s.reload(ctx)
}

func (s *Store) reload(ctx context.Context) error {
	s.mu.Lock()
	imageName := s.imageName
	s.mu.Unlock()
	return s.LoadForScene(ctx, imageName)
}
