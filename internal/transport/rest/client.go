package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/MrWong99/maestro/pkg/stage"
)

// APIError is a non-200 answer from POST /assist.
type APIError struct {
	Status int
	ErrorBody
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("assist: %d %s %s: %s", e.Status, e.Stage, e.Kind, e.ErrorBody.Error)
	}
	return fmt.Sprintf("assist: %d: %s", e.Status, e.ErrorBody.Error)
}

// Client calls a maestro REST binding.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a client for the server at baseURL, e.g.
// "http://localhost:7000". A nil httpClient selects [http.DefaultClient].
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{url: strings.TrimRight(baseURL, "/") + "/assist", http: httpClient}
}

// Assist uploads audio and returns the synthesized reply and the cache
// header of the response.
func (c *Client) Assist(ctx context.Context, req stage.TranscribeRequest) ([]byte, string, error) {
	req = req.WithDefaults()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FormField, req.Filename))
	h.Set("Content-Type", req.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("assist: build form: %w", err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return nil, "", fmt.Errorf("assist: build form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("assist: build form: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return nil, "", fmt.Errorf("assist: %w", err)
	}
	hreq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, "", fmt.Errorf("assist: POST %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("assist: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, &apiErr.ErrorBody) != nil || apiErr.ErrorBody.Error == "" {
			apiErr.ErrorBody.Error = strings.TrimSpace(string(data))
		}
		return nil, "", apiErr
	}
	return data, resp.Header.Get(CacheHeader), nil
}
