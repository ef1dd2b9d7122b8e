// Package stream defines the WebSocket protocol between the annotation
// engine and the panorama frontend. The frontend owns projection and
// gesture capture; the engine owns every decision.
package stream

import (
	"encoding/json"

	"github.com/bridgepano/annotator/pkg/core"
)

// Frontend-to-engine event types.
const (
	TypeClick         = "click"
	TypeRightClick    = "rightclick"
	TypeViewChange    = "viewchange"
	TypeSwitchScene   = "switchscene"
	TypeAddItem       = "additem"
	TypeSelectItem    = "selectitem"
	TypeSelectRow     = "selectrow"
	TypeSubmitDetails = "submitdetails"
	TypeCancelDetails = "canceldetails"
	TypeConfirmEdit   = "confirmedit"
	TypeCancelEdit    = "canceledit"
	TypeDragVertex    = "dragvertex"
	TypeFinishEdit    = "finishedit"
	TypeSaveDetails   = "savedetails"
	TypeDeleteItem    = "deleteitem"
)

// Engine-to-frontend command types.
const (
	TypeFillPolygon   = "fill_polygon"
	TypeRemovePolygon = "remove_polygon"
	TypeDrawDraft     = "draw_draft"
	TypeRemoveDraft   = "remove_draft"
	TypeWorkspace     = "workspace_hidden"
	TypeDetailsForm   = "details_form"
	TypeEditConfirm   = "edit_confirm"
	TypeDetailPopup   = "detail_popup"
	TypeSelectionList = "selection_list"
	TypeSetView       = "set_view"
	TypeSceneSwitched = "scene_switched"
	TypeSetControls   = "set_controls"
	TypeReloaded      = "annotations_reloaded"
	TypeCaptureDate   = "capture_date"
	TypeMapMarkers    = "map_markers"
	TypeMapBackground = "map_background"
	TypeErrorNotice   = "error_notice"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal builds a JSON-encoded Envelope around the payload.
func Marshal(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// PointPayload carries a screen position for click and drag events.
type PointPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	// Index is the dragged vertex for dragvertex events.
	Index int `json:"index,omitempty"`
}

// ViewPayload carries the camera orientation after a view change.
type ViewPayload struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
}

// ScenePayload names a scene for switching.
type ScenePayload struct {
	SceneID string `json:"sceneId"`
}

// RowPayload is the user's choice from a disambiguation list.
// A negative index means cancel.
type RowPayload struct {
	Index int `json:"index"`
}

// DetailsPayload carries the detail form fields.
type DetailsPayload struct {
	ID     string  `json:"id,omitempty"`
	Member string  `json:"member"`
	Label  string  `json:"label"`
	Info   string  `json:"info"`
	Color  *string `json:"color"`
}

// IDPayload names an annotation.
type IDPayload struct {
	ID string `json:"id"`
}

// PolygonPayload is one filled polygon to draw in screen space.
type PolygonPayload struct {
	ID     string             `json:"id"`
	Points []core.ScreenPoint `json:"points"`
	Color  string             `json:"color"`
}

// DraftPayload is the in-progress polyline preview.
type DraftPayload struct {
	Points []core.ScreenPoint `json:"points"`
	Closed bool               `json:"closed"`
}

// HiddenPayload toggles the workspace chrome.
type HiddenPayload struct {
	Hidden bool `json:"hidden"`
}

// OpenPayload toggles a named popup, optionally bound to an annotation.
type OpenPayload struct {
	Open bool   `json:"open"`
	ID   string `json:"id,omitempty"`
}

// DetailPopupPayload opens the read-only or editable annotation popup.
type DetailPopupPayload struct {
	Open       bool            `json:"open"`
	Annotation core.Annotation `json:"annotation,omitzero"`
	Editable   bool            `json:"editable"`
}

// SelectionListPayload offers disambiguation rows for an ambiguous click.
type SelectionListPayload struct {
	Rows []string `json:"rows"`
}

// ControlsPayload enables or disables camera controls.
type ControlsPayload struct {
	Enabled bool `json:"enabled"`
}

// CaptureDatePayload is the formatted capture date caption.
type CaptureDatePayload struct {
	Text string `json:"text"`
}

// MapMarker is one scene position on the overview map.
type MapMarker struct {
	SceneID   string  `json:"sceneId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	BelowDeck bool    `json:"belowDeck"`
	Current   bool    `json:"current"`
}

// MapMarkersPayload replaces the overview map marker set.
type MapMarkersPayload struct {
	Markers []MapMarker `json:"markers"`
}

// MapBackgroundPayload reports whether the folder ships a map image.
type MapBackgroundPayload struct {
	HasImage bool   `json:"hasImage"`
	URL      string `json:"url,omitempty"`
}

// ErrorNoticePayload surfaces a failure to the user.
type ErrorNoticePayload struct {
	Message string `json:"message"`
}

// ReloadedPayload announces a fresh annotation snapshot after a mutation.
type ReloadedPayload struct {
	ImageName string `json:"imageName"`
	Count     int    `json:"count"`
}
