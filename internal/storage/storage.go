// internal/storage/storage.go
package storage

import (
	"context"

	"github.com/bridgepano/annotator/pkg/core"
)

// Backend is the interface all annotation storage implementations must
// satisfy. Every operation is scoped by the bridge working folder.
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Document returns every annotation of the folder, all scenes.
	Document(ctx context.Context, folder string) (core.Document, error)

	// SaveAnnotation creates a new record or replaces one with the same id.
	SaveAnnotation(ctx context.Context, folder string, ann core.Annotation) error

	// UpdateGeometry replaces only the vertex list of an existing record.
	UpdateGeometry(ctx context.Context, folder, id string, points []core.Vertex) error

	// UpdateDetails replaces only the descriptive fields.
	UpdateDetails(ctx context.Context, folder, id string, patch core.DetailsPatch) error

	// Delete removes a record. Returns core.ErrAnnotationNotFound when the
	// id is unknown.
	Delete(ctx context.Context, folder, id string) error
}
