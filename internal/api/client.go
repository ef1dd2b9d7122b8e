// internal/api/client.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bridgepano/annotator/pkg/core"
)

// Error taxonomy for the persistence collaborator. Callers log these and
// keep the UI in its prior state; none of them crosses into a panic.
var (
	// ErrLoadFailed covers fetch or parse failures of the annotation document.
	ErrLoadFailed = errors.New("annotation document load failed")
	// ErrSaveFailed covers non-2xx responses to create/update requests.
	ErrSaveFailed = errors.New("annotation save failed")
	// ErrDeleteFailed covers non-2xx responses to delete requests.
	ErrDeleteFailed = errors.New("annotation delete failed")
)

// GeometryUpdate is the partial save body carrying only re-derived vertex
// positions after drag editing.
type GeometryUpdate struct {
	ID     string        `json:"id"`
	Points []core.Vertex `json:"points"`
}

// DetailsUpdate is the partial save body carrying only the detail-popup
// fields. Color nil means "derive from label".
type DetailsUpdate struct {
	ID     string  `json:"id"`
	Label  string  `json:"label"`
	Info   string  `json:"info"`
	Member string  `json:"member"`
	Color  *string `json:"color"`
}

// Client handles communication with the annotation file server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchDocument retrieves the full annotation document for a working folder.
// The document covers every scene; filtering to the current image is the
// store's job.
func (c *Client) FetchDocument(ctx context.Context, folder string) (core.Document, error) {
	u := fmt.Sprintf("%s/%s/annotations/annotations.json?folder=%s",
		c.baseURL, url.PathEscape(folder), url.QueryEscape(folder))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return core.Document{}, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.Document{}, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.Document{}, fmt.Errorf("%w: status %d", ErrLoadFailed, resp.StatusCode)
	}

	var doc core.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return core.Document{}, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	return doc, nil
}

// SaveAnnotation posts a complete new annotation record.
func (c *Client) SaveAnnotation(ctx context.Context, folder string, ann core.Annotation) error {
	return c.postSave(ctx, folder, ann)
}

// SaveGeometry posts a geometry-only partial update.
func (c *Client) SaveGeometry(ctx context.Context, folder string, upd GeometryUpdate) error {
	return c.postSave(ctx, folder, upd)
}

// SaveDetails posts a metadata-only partial update.
func (c *Client) SaveDetails(ctx context.Context, folder string, upd DetailsUpdate) error {
	return c.postSave(ctx, folder, upd)
}

func (c *Client) postSave(ctx context.Context, folder string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	u := fmt.Sprintf("%s/save-annotations?folder=%s", c.baseURL, url.QueryEscape(folder))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrSaveFailed, resp.StatusCode, string(detail))
	}
	return nil
}

// DeleteAnnotation removes one annotation by id.
func (c *Client) DeleteAnnotation(ctx context.Context, folder, id string) error {
	u := fmt.Sprintf("%s/delete-annotation?folder=%s&id=%s",
		c.baseURL, url.QueryEscape(folder), url.QueryEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrDeleteFailed, resp.StatusCode, string(detail))
	}
	return nil
}

// MapExists checks whether the working folder carries a map background.
// A missing map is the normal case for folders without survey drawings, so
// 404 reports false without an error.
func (c *Client) MapExists(ctx context.Context, folder string) (bool, error) {
	u := fmt.Sprintf("%s/%s/map.png", c.baseURL, url.PathEscape(folder))

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

// FetchBridgeInfo retrieves the bridge catalog used by the document selector.
func (c *Client) FetchBridgeInfo(ctx context.Context) (core.BridgeInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/bridge_info.json", nil)
	if err != nil {
		return core.BridgeInfo{}, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.BridgeInfo{}, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.BridgeInfo{}, fmt.Errorf("%w: status %d", ErrLoadFailed, resp.StatusCode)
	}

	var info core.BridgeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return core.BridgeInfo{}, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	return info, nil
}
