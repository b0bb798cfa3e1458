package guestbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Remote is the server-side guestbook.
type Remote interface {
	List(ctx context.Context) ([]Entry, error)
	Send(ctx context.Context, e Entry) error
	Delete(ctx context.Context, id string) error
	Replace(ctx context.Context, entries []Entry) error
}

// StatusError is a non-2xx answer from the remote.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("guestbook %s: HTTP %d", e.Op, e.Code)
}

// HTTPRemote talks to a treesnap server.
type HTTPRemote struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPRemote(baseURL string) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPRemote) client() *http.Client {
	if r.HTTP == nil {
		return http.DefaultClient
	}
	return r.HTTP
}

func (r *HTTPRemote) do(ctx context.Context, op, method, target string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("guestbook %s: encode: %w", op, err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("guestbook %s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("guestbook %s: %w", op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("guestbook %s: read: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, Code: resp.StatusCode}
	}
	return data, nil
}

// List fetches the server's entries. Callers treat an error as an empty
// listing.
func (r *HTTPRemote) List(ctx context.Context) ([]Entry, error) {
	target := r.BaseURL + "/guestbook.json?_=" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	data, err := r.do(ctx, "list", http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("guestbook list: decode: %w", err)
	}
	return entries, nil
}

func (r *HTTPRemote) Send(ctx context.Context, e Entry) error {
	_, err := r.do(ctx, "send", http.MethodPost, r.BaseURL+"/guestbook", e)
	return err
}

func (r *HTTPRemote) Delete(ctx context.Context, id string) error {
	_, err := r.do(ctx, "delete", http.MethodDelete, r.BaseURL+"/guestbook/"+url.PathEscape(id), nil)
	return err
}

// Replace overwrites the server's whole list.
func (r *HTTPRemote) Replace(ctx context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	_, err := r.do(ctx, "replace", http.MethodPost, r.BaseURL+"/guestbook/upload", entries)
	return err
}
