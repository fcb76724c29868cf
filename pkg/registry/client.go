package registry

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

	"github.com/schollz/progressbar/v3"

	"github.com/lengrongfu/tokfetch/pkg/api"
	"github.com/lengrongfu/tokfetch/pkg/api/model"
	"github.com/lengrongfu/tokfetch/pkg/utils"
)

var _ api.Registry = (*Client)(nil)

// DefaultEndpoint is the public Hugging Face hub.
const DefaultEndpoint = "https://huggingface.co"

// Client talks to a hub compatible HTTP API
type Client struct {
	// Base URL of the hub
	endpoint string
	// Bearer token, optional
	token string
	// HTTP client
	httpClient *http.Client
	// Progress bars are drawn here when non-nil
	progress io.Writer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds each request including reading the body.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithProgress draws download progress bars on w.
func WithProgress(w io.Writer) ClientOption {
	return func(c *Client) { c.progress = w }
}

// NewClient creates a new client for a hub endpoint
func NewClient(endpoint string, opts ...ClientOption) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the base URL requests are sent to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// RepoInfo gets model index information for a revision from the hub API
func (c *Client) RepoInfo(ctx context.Context, modelID, revision string) (model.ModelIndexInfo, error) {
	u := fmt.Sprintf("%s/api/models/%s/revision/%s", c.endpoint, modelID, url.PathEscape(revision))

	resp, err := c.do(ctx, http.MethodGet, u)
	if err != nil {
		return model.ModelIndexInfo{}, err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, modelID+"@"+revision); err != nil {
		return model.ModelIndexInfo{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.ModelIndexInfo{}, fmt.Errorf("failed to read response body: %w", errors.Join(err, api.ErrUnreachable))
	}

	var indexInfo model.ModelIndexInfo
	if err := json.Unmarshal(body, &indexInfo); err != nil {
		return model.ModelIndexInfo{}, fmt.Errorf("failed to parse model index: %w", err)
	}
	if indexInfo.SHA == "" {
		indexInfo.SHA = revision
	}
	if indexInfo.ModelID == "" {
		indexInfo.ModelID = modelID
	}
	return indexInfo, nil
}

// Fetch opens a file of a resolved commit. The caller closes Blob.Body.
func (c *Client) Fetch(ctx context.Context, modelID, sha, filename string) (*api.Blob, error) {
	u := fmt.Sprintf("%s/%s/resolve/%s/%s", c.endpoint, modelID, url.PathEscape(sha), escapeFilename(filename))

	resp, err := c.do(ctx, http.MethodGet, u)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp, modelID+"/"+filename); err != nil {
		resp.Body.Close()
		return nil, err
	}

	etag := resp.Header.Get("X-Linked-Etag")
	if etag == "" {
		etag = resp.Header.Get("ETag")
	}

	blob := &api.Blob{
		Body: resp.Body,
		ETag: utils.NormalizeETag(etag),
		Size: resp.ContentLength,
	}
	if c.progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(c.progress),
			progressbar.OptionSetDescription(filename),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		blob.Body = &progressBody{ReadCloser: resp.Body, bar: bar}
	}
	return blob, nil
}

func (c *Client) do(ctx context.Context, method, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", "tokfetch")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to send request: %w", errors.Join(err, api.ErrUnreachable))
	}
	return resp, nil
}

// checkResponse maps hub status codes onto the api error kinds. The hub answers
// 401 for repositories that do not exist, tagging them with X-Error-Code.
func checkResponse(resp *http.Response, what string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}

	switch resp.Header.Get("X-Error-Code") {
	case "RepoNotFound", "RevisionNotFound", "EntryNotFound":
		return fmt.Errorf("%s: %s: %w", what, msg, api.ErrNotFound)
	case "GatedRepo":
		return fmt.Errorf("%s: %s: %w", what, msg, api.ErrAccessDenied)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %s: %w", what, msg, api.ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %s; provide HF_TOKEN or --token: %w", what, msg, api.ErrAccessDenied)
	default:
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s: %s: %w", what, msg, api.ErrUnreachable)
		}
		return fmt.Errorf("%s: unexpected status %s: %s", what, resp.Status, msg)
	}
}

func escapeFilename(filename string) string {
	parts := strings.Split(filename, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

type progressBody struct {
	io.ReadCloser
	bar *progressbar.ProgressBar
}

func (p *progressBody) Read(b []byte) (int, error) {
	n, err := p.ReadCloser.Read(b)
	if n > 0 {
		_ = p.bar.Add(n)
	}
	return n, err
}

func (p *progressBody) Close() error {
	_ = p.bar.Finish()
	return p.ReadCloser.Close()
}
