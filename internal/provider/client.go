package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxJSONResponseBytes bounds API response bodies.
const maxJSONResponseBytes = 10 << 20

// ErrUpstream classifies every provider failure: transport errors, non-2xx
// statuses, undecodable bodies and responses that cannot satisfy the request.
var ErrUpstream = errors.New("upstream error")

// UpstreamError describes a failed provider call. It wraps ErrUpstream.
type UpstreamError struct {
	Op     string
	URL    string // query string stripped
	Status int    // 0 when no response was received
	Err    error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.URL != "" {
		b.WriteString(" ")
		b.WriteString(e.URL)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": unexpected status %d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstream}
	}
	return []error{ErrUpstream, e.Err}
}

type (
	// Client talks to a CurseForge-compatible mod-hosting API.
	Client struct {
		api       *http.Client
		download  *http.Client
		baseURL   string
		apiKey    string
		userAgent string
	}

	// ClientOption configures a Client during construction.
	ClientOption func(*Client)
)

// WithHTTPClient sets the client used for JSON API calls.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.api = c }
}

// WithDownloadClient sets the client used for artifact downloads. It should
// not carry an overall timeout; downloads are bounded by the caller's context.
func WithDownloadClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.download = c }
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) ClientOption {
	return func(cl *Client) { cl.userAgent = ua }
}

// WithTimeout installs default HTTP clients using timeout for API calls and
// as the response-header timeout for downloads.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cl *Client) {
		cl.api = &http.Client{Timeout: timeout}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = timeout
		cl.download = &http.Client{Transport: tr}
	}
}

// NewClient creates a Client for baseURL (for example
// "https://api.curseforge.com/v1") authenticating with apiKey.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		api:       &http.Client{Timeout: 30 * time.Second},
		download:  &http.Client{},
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		userAgent: "packsync/dev",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListLatestFiles returns the project's latest files as reported by
// GET {base}/mods/{projectID}.
func (c *Client) ListLatestFiles(ctx context.Context, projectID int) ([]File, error) {
	reqURL := fmt.Sprintf("%s/mods/%d", c.baseURL, projectID)

	var body modResponse
	if err := c.getJSON(ctx, "list files", reqURL, &body); err != nil {
		return nil, err
	}

	files := make([]File, 0, len(body.Data.LatestFiles))
	for _, f := range body.Data.LatestFiles {
		files = append(files, toFile(f))
	}
	return files, nil
}

// GetFile returns the descriptor of a single file via
// GET {base}/mods/{projectID}/files/{fileID}.
func (c *Client) GetFile(ctx context.Context, projectID, fileID int) (*File, error) {
	reqURL := fmt.Sprintf("%s/mods/%d/files/%d", c.baseURL, projectID, fileID)

	var body fileResponse
	if err := c.getJSON(ctx, "get file", reqURL, &body); err != nil {
		return nil, err
	}
	if body.Data.ID == 0 {
		return nil, &UpstreamError{Op: "get file", URL: reqURL, Err: errors.New("response has no file")}
	}

	f := toFile(body.Data)
	return &f, nil
}

// LatestServerPackFileID resolves the server-pack file id belonging to the
// newest file of projectID.
func (c *Client) LatestServerPackFileID(ctx context.Context, projectID int) (int, error) {
	files, err := c.ListLatestFiles(ctx, projectID)
	if err != nil {
		return 0, err
	}
	latest, ok := SelectLatest(files)
	if !ok {
		return 0, &UpstreamError{Op: "resolve latest", Err: fmt.Errorf("project %d has no files", projectID)}
	}
	switch {
	case latest.ServerPackFileID != 0:
		return latest.ServerPackFileID, nil
	case latest.IsServerPack:
		return latest.ID, nil
	default:
		return 0, &UpstreamError{
			Op:  "resolve latest",
			Err: fmt.Errorf("file %d (%s) has no server pack", latest.ID, latest.FileName),
		}
	}
}

// Download opens the artifact at rawURL. The caller closes the body.
func (c *Client) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, c.download, rawURL, false)
	if err != nil {
		return nil, &UpstreamError{Op: "download", URL: redactURL(rawURL), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &UpstreamError{Op: "download", URL: redactURL(rawURL), Status: resp.StatusCode}
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, op, reqURL string, out any) error {
	resp, err := c.do(ctx, c.api, reqURL, true)
	if err != nil {
		return &UpstreamError{Op: op, URL: redactURL(reqURL), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UpstreamError{Op: op, URL: redactURL(reqURL), Status: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONResponseBytes)).Decode(out); err != nil {
		return &UpstreamError{Op: op, URL: redactURL(reqURL), Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, reqURL string, api bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if api {
		req.Header.Set("Accept", "application/json")
	}
	// Download URLs usually point at a CDN; only send the key to the API host.
	if c.apiKey != "" && (api || sameHost(req.URL, c.baseURL)) {
		req.Header.Set("x-api-key", c.apiKey)
	}
	return hc.Do(req)
}

func sameHost(u *url.URL, base string) bool {
	b, err := url.Parse(base)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, b.Host)
}

// redactURL strips query parameters and fragments for error messages.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
