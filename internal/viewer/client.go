package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/razvandimescu/treesnap/internal/snapshot"
	"go.uber.org/zap"
)

const (
	snapshotPath = "/filetree.json"
	rawPrefix    = "/raw/"

	// maxPreviewBytes caps how much of a text file a preview downloads.
	maxPreviewBytes = 1 << 20
)

// FetchError describes a failed snapshot or preview fetch. StatusCode is
// zero when the request never got an HTTP response.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NotFound reports whether the server answered 404.
func (e *FetchError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// IsNotFound reports whether err is a FetchError for a missing resource.
func IsNotFound(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.NotFound()
}

// Client talks to a treesnap server (or any static host serving
// filetree.json and the files themselves).
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Logger  *zap.Logger
	Now     func() time.Time
}

func NewClient(baseURL string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		Logger:  log,
		Now:     time.Now,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

// SnapshotURL returns the cache-busted snapshot URL.
func (c *Client) SnapshotURL() string {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return c.BaseURL + snapshotPath + "?t=" + strconv.FormatInt(now().UnixNano(), 10)
}

// RawURL returns the URL a file's raw content is served from.
func (c *Client) RawURL(path string) string {
	return c.BaseURL + rawPrefix + escapePath(path)
}

func escapePath(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (c *Client) get(ctx context.Context, target string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: target, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}
	return body, nil
}

// FetchSnapshot downloads and parses the current snapshot.
func (c *Client) FetchSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	target := c.SnapshotURL()
	body, err := c.get(ctx, target, 64<<20)
	if err != nil {
		c.Logger.Debug("snapshot fetch failed", zap.String("url", target), zap.Error(err))
		return nil, err
	}
	var snap snapshot.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, &FetchError{URL: target, Err: fmt.Errorf("parse snapshot: %w", err)}
	}
	return &snap, nil
}

// Preview loads whatever the preview pane shows for path.
func (c *Client) Preview(ctx context.Context, path string) (Preview, error) {
	p := Preview{Path: path, Kind: Classify(path)}
	switch p.Kind {
	case KindImage:
		p.URL = c.RawURL(path)
	case KindText:
		body, err := c.get(ctx, c.RawURL(path), maxPreviewBytes)
		if err != nil {
			return p, err
		}
		p.Text = string(body)
	default:
		p.Message = NoPreviewMessage
	}
	return p, nil
}
