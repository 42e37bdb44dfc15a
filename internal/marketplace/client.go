// ABOUTME: HTTP client for the upstream Acuitas marketplace API.
// ABOUTME: Claims plugin sessions with a ticket and fetches medical image metadata.

package marketplace

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// TicketHeader carries the ticket on every upstream call.
const TicketHeader = "pst"

// ReplayedCode is the upstream error code for a ticket that was already claimed.
const ReplayedCode = "ticket.replayed"

// Defaults used when Options leave a field empty.
const (
	DefaultBaseURL      = "https://euint.oh.ocuco.com"
	DefaultPluginID     = "retinalyze"
	DefaultClaimTimeout = 5 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

// maxBody bounds how much of an upstream response is read.
const maxBody = 1 << 20

// ErrUnavailable means the upstream sent no response at all.
var ErrUnavailable = errors.New("marketplace unavailable")

// APIError is an upstream response with an error status.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("marketplace status %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	case e.Message != "":
		return fmt.Sprintf("marketplace status %d: %s", e.StatusCode, e.Message)
	case e.Code != "":
		return fmt.Sprintf("marketplace status %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("marketplace status %d", e.StatusCode)
}

// Replayed reports whether the upstream rejected the ticket only because it was already used.
func (e *APIError) Replayed() bool {
	return e.Code == ReplayedCode
}

// ImageData is the medical image metadata the upstream returns.
type ImageData struct {
	ID           string `json:"id"`
	FileMimeType string `json:"fileMimeType"`
	OriginalFile string `json:"originalFile"`
	Type         string `json:"type"`
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	PluginID string

	// InsecureSkipVerify disables upstream certificate verification. Off unless explicitly set.
	InsecureSkipVerify bool

	ClaimTimeout time.Duration
	FetchTimeout time.Duration

	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Client talks to the marketplace API.
type Client struct {
	baseURL  string
	pluginID string
	claim    *http.Client
	fetch    *http.Client
}

// New creates a client, filling unset options with defaults.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.PluginID == "" {
		opts.PluginID = DefaultPluginID
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = DefaultClaimTimeout
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}

	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		transport = t
	}

	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		pluginID: opts.PluginID,
		claim:    &http.Client{Timeout: opts.ClaimTimeout, Transport: transport},
		fetch:    &http.Client{Timeout: opts.FetchTimeout, Transport: transport},
	}
}

// PluginID returns the plugin id sessions are claimed for.
func (c *Client) PluginID() string {
	return c.pluginID
}

// ClaimSession presents ticket to the claim endpoint. It returns nil only for status 200,
// an *APIError for any other response and an error wrapping ErrUnavailable when nothing came back.
func (c *Client) ClaimSession(ctx context.Context, ticket string) error {
	endpoint := fmt.Sprintf("%s/api/v1/marketplace/plugins/%s/session/claim", c.baseURL, url.PathEscape(c.pluginID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader("{}"))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TicketHeader, ticket)

	status, body, err := do(c.claim, req)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return parseAPIError(status, body)
	}
	return nil
}

// GetMedicalImage fetches metadata for image id using ticket.
func (c *Client) GetMedicalImage(ctx context.Context, ticket, id string) (*ImageData, error) {
	endpoint := fmt.Sprintf("%s/api/v1/imaging/medicalimages/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(TicketHeader, ticket)

	status, body, err := do(c.fetch, req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, parseAPIError(status, body)
	}

	var envelope struct {
		Data ImageData `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode medical image %s: %w", id, err)
	}
	return &envelope.Data, nil
}

func do(client *http.Client, req *http.Request) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	return resp.StatusCode, body, nil
}

// parseAPIError reads the code from "error" (string) or "error.code", and the
// message from "message" or "error.message".
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: body}
	if !gjson.ValidBytes(body) {
		return apiErr
	}

	errField := gjson.GetBytes(body, "error")
	switch {
	case errField.Type == gjson.String:
		apiErr.Code = errField.String()
	case errField.IsObject():
		apiErr.Code = errField.Get("code").String()
	}

	if msg := gjson.GetBytes(body, "message"); msg.Type == gjson.String {
		apiErr.Message = msg.String()
	} else if errField.IsObject() {
		apiErr.Message = errField.Get("message").String()
	}
	return apiErr
}
