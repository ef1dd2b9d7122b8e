// Package hittest resolves a screen click against everything stacked under
// the cursor: UI panels that occlude the panorama, annotation polygons, and
// scene-link icons.
package hittest

import (
	"fmt"

	"github.com/bridgepano/annotator/internal/viewer"
	"github.com/bridgepano/annotator/pkg/core"
)

// TargetKind discriminates what a click resolved to.
type TargetKind int

const (
	// TargetAnnotation opens the annotation detail popup.
	TargetAnnotation TargetKind = iota
	// TargetLink switches to the linked scene.
	TargetLink
)

// Target is one candidate action under the cursor.
type Target struct {
	Kind TargetKind

	// AnnotationID is set for TargetAnnotation.
	AnnotationID string
	// SceneID is set for TargetLink.
	SceneID string

	// Row is the label shown in the disambiguation dialog.
	Row string
}

// Result of resolving a click.
type Result struct {
	// Occluded means a foreground panel swallowed the click. No targets
	// are reported and no action follows.
	Occluded bool
	Targets  []Target
}

// AnnotationHits is the part of the overlay renderer that hit testing needs.
type AnnotationHits interface {
	// HitIDs returns annotation ids containing p, topmost first.
	HitIDs(p core.ScreenPoint) []string
	Annotation(id string) (core.Annotation, bool)
}

// LinkBox is the current screen box of a scene-link icon.
type LinkBox struct {
	SceneID string
	Box     viewer.Box
}

// PanelRect is a foreground UI region that blocks panorama clicks.
type PanelRect struct {
	ID  string
	Box viewer.Box
}

// Resolver gathers the stacked click candidates for a point. Foreground
// panels win outright, then annotation polygons, then link icons.
type Resolver struct {
	panels      func() []PanelRect
	annotations AnnotationHits
	links       func() []LinkBox
}

func NewResolver(panels func() []PanelRect, annotations AnnotationHits, links func() []LinkBox) *Resolver {
	return &Resolver{panels: panels, annotations: annotations, links: links}
}

// Resolve builds the candidate list for a click at p. An empty, non-occluded
// result means the click fell on bare panorama.
func (r *Resolver) Resolve(p core.ScreenPoint) Result {
	if r.panels != nil {
		for _, panel := range r.panels() {
			if contains(panel.Box, p) {
				return Result{Occluded: true}
			}
		}
	}

	var res Result
	for _, id := range r.annotations.HitIDs(p) {
		a, ok := r.annotations.Annotation(id)
		if !ok {
			continue
		}
		res.Targets = append(res.Targets, Target{
			Kind:         TargetAnnotation,
			AnnotationID: id,
			Row:          AnnotationRow(a),
		})
	}
	if r.links != nil {
		for _, l := range r.links() {
			if l.Box.Valid() && contains(l.Box, p) {
				res.Targets = append(res.Targets, Target{
					Kind:    TargetLink,
					SceneID: l.SceneID,
					Row:     LinkRow(),
				})
			}
		}
	}
	return res
}

// AnnotationRow formats the disambiguation row for an annotation.
func AnnotationRow(a core.Annotation) string {
	return fmt.Sprintf("[アノテーション] %s：%s", a.Member, a.Label)
}

// LinkRow formats the disambiguation row for a scene link.
func LinkRow() string {
	return "[視点移動]"
}

func contains(b viewer.Box, p core.ScreenPoint) bool {
	return p.X >= b.Left && p.X <= b.Left+b.Width &&
		p.Y >= b.Top && p.Y <= b.Top+b.Height
}
