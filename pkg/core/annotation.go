// pkg/core/annotation.go
package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAnnotationNotFound reports a lookup, update or delete against an id
// that is not in storage.
var ErrAnnotationNotFound = errors.New("annotation not found")

// MinVertices is the smallest vertex count a persisted annotation may have.
// Drafts with fewer vertices are discarded, never saved.
const MinVertices = 3

// Vertex is one polygon corner in source-image pixel space.
// Coordinates are integers because the editor rounds on save.
type Vertex struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Annotation is one polygonal region of interest on a scene's image.
type Annotation struct {
	ID        string   `json:"id"`
	ImageName string   `json:"imageName"`
	Vertices  []Vertex `json:"vertices"`
	Member    string   `json:"member"`
	Label     string   `json:"label"`
	Info      string   `json:"info"`

	// Color is the explicit stroke color. nil means "derive from Label".
	Color *string `json:"color"`
}

// Valid reports whether the annotation can be persisted.
func (a Annotation) Valid() bool {
	return a.ID != "" && a.ImageName != "" && len(a.Vertices) >= MinVertices
}

// Document is the on-disk/over-the-wire annotation document covering
// every scene of one working folder.
type Document struct {
	Annotations []Annotation `json:"annotations"`
}

// DetailsPatch updates the descriptive fields of an annotation while
// leaving its geometry alone. A nil Color reverts to label-derived color.
type DetailsPatch struct {
	Member string  `json:"member"`
	Label  string  `json:"label"`
	Info   string  `json:"info"`
	Color  *string `json:"color"`
}

// Apply writes the patch onto an annotation.
func (p DetailsPatch) Apply(a *Annotation) {
	a.Member = p.Member
	a.Label = p.Label
	a.Info = p.Info
	a.Color = p.Color
}

const (
	idPrefix    = "annotation_"
	draftPrefix = "annotation_new_"
)

// NewDraftID builds the reserved in-progress id for an unsaved annotation.
func NewDraftID(now time.Time) string {
	return fmt.Sprintf("%s%d", draftPrefix, now.UnixMilli())
}

// IsDraftID reports whether id belongs to an unsaved draft.
func IsDraftID(id string) bool {
	return strings.HasPrefix(id, draftPrefix)
}

// FinalizeID converts a draft id into its persisted form. Renaming before
// save matters: a polygon that keeps the draft prefix would never enter edit
// mode after reload.
func FinalizeID(id string) string {
	if IsDraftID(id) {
		return idPrefix + strings.TrimPrefix(id, draftPrefix)
	}
	return id
}
