package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/razvandimescu/treesnap/internal/guestbook"
	"github.com/razvandimescu/treesnap/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeTestFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newTestServer builds a server over a fresh root holding a small tree and
// a written snapshot.
func newTestServer(t *testing.T, withSnapshot bool) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	writeTestFile(t, root, "b.txt", strings.Repeat("x", 500))
	writeTestFile(t, root, "A/c.txt", "c")
	writeTestFile(t, root, "docs/README.md", "# Title\n\n<script>alert(1)</script>\n")
	writeTestFile(t, root, "img.png", "\x89PNG")
	writeTestFile(t, root, "blob.bin", "\x00\x01")
	writeTestFile(t, root, ".git/config", "secret")
	writeTestFile(t, root, "private/key", "secret")

	store, err := guestbook.OpenSQLStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv, err := New(Options{
		Root:    root,
		Exclude: []string{"private"},
		Store:   store,
		Now:     func() time.Time { return time.UnixMilli(1700000000000) },
	})
	require.NoError(t, err)
	if withSnapshot {
		_, err := srv.Generator().Run()
		require.NoError(t, err)
	}
	return srv, root
}

func do(t *testing.T, h http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, false)
	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSnapshotRoute(t *testing.T) {
	srv, _ := newTestServer(t, false)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/filetree.json?t=1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := srv.Generator().Run()
	require.NoError(t, err)

	rec = do(t, h, http.MethodGet, "/filetree.json?t=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	var snap snapshot.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Build)
	var names []string
	for _, c := range snap.Root.Children {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"A", "docs", "b.txt", "blob.bin", "img.png"}, names)
}

func TestRawRoute(t *testing.T) {
	srv, _ := newTestServer(t, true)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/raw/A/c.txt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c", rec.Body.String())

	tests := []struct {
		target string
		want   int
	}{
		{"/raw/.git/config", http.StatusForbidden},
		{"/raw/private/key", http.StatusForbidden},
		{"/raw/filetree.json", http.StatusForbidden},
		{"/raw/missing.txt", http.StatusNotFound},
		{"/raw/A", http.StatusNotFound},
		{"/raw/../../etc/passwd", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, do(t, h, http.MethodGet, tt.target, "").Code)
		})
	}
}

func TestRawRoute_SymlinkEscape(t *testing.T) {
	srv, root := newTestServer(t, false)
	outside := filepath.Join(t.TempDir(), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("nope"), 0o644))
	if err := os.Symlink(outside, filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	rec := do(t, srv.Handler(), http.MethodGet, "/raw/link.txt", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPreviewRoute(t *testing.T) {
	srv, _ := newTestServer(t, true)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/preview/docs/README.md", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `<h1 id="title">Title</h1>`)
	assert.NotContains(t, body, "alert(1)")

	rec = do(t, h, http.MethodGet, "/preview/A/c.txt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<pre class="plain">c</pre>`)

	rec = do(t, h, http.MethodGet, "/preview/img.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<img class="preview" src="/raw/img.png"`)

	rec = do(t, h, http.MethodGet, "/preview/blob.bin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Preview not available for this file type. Use the download link.")

	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/preview/.git/config", "").Code)
}

func TestIndexPage(t *testing.T) {
	srv, _ := newTestServer(t, false)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No filetree.json found. Run &#34;treesnap generate&#34; to create it.")

	_, err := srv.Generator().Run()
	require.NoError(t, err)
	require.NoError(t, srv.store.Add(context.Background(), guestbook.Entry{ID: "1", Name: "ana", Msg: "hi <b>", T: 5}))

	rec = do(t, h, http.MethodGet, "/?file=A/c.txt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `data-path="A/c.txt"`)
	assert.Contains(t, body, `data-path="b.txt"`)
	assert.Contains(t, body, "500 B")
	assert.Contains(t, body, "build 1")
	assert.Contains(t, body, `src="/preview/A/c.txt"`)
	assert.Contains(t, body, "hi &lt;b&gt;")
	assert.NotContains(t, body, ".git")
}

func TestIndexPage_BrokenSnapshot(t *testing.T) {
	srv, root := newTestServer(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(root, snapshot.DefaultOutput), []byte("{oops"), 0o644))

	rec := do(t, srv.Handler(), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failed to load file tree: ")
}

func TestGuestbookRoutes(t *testing.T) {
	srv, _ := newTestServer(t, false)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/guestbook", `{"msg":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1700000000000", resp["id"])

	// Retrying the same id is idempotent.
	for i := 0; i < 2; i++ {
		rec = do(t, h, http.MethodPost, "/guestbook", `{"id":"abc","name":"ana","msg":"hi","t":42}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/guestbook", `{"name":"","msg":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/guestbook", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/guestbook.json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []guestbook.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, guestbook.Entry{ID: "abc", Name: "ana", Msg: "hi", T: 42}, list[0])
	assert.Equal(t, guestbook.DefaultName, list[1].Name)

	rec = do(t, h, http.MethodDelete, "/guestbook/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/guestbook.json", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = do(t, h, http.MethodPost, "/guestbook/upload", `{"not":"an array"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/guestbook/upload", `[{"id":7,"name":"n","msg":"m","t":7},{"name":"x","msg":"y","t":8}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/guestbook.json", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "7", list[0].ID)
	assert.Equal(t, "8", list[1].ID)
}

func TestGuestbookDelete_EscapedID(t *testing.T) {
	srv, _ := newTestServer(t, false)
	h := srv.Handler()
	ctx := context.Background()
	require.NoError(t, srv.store.Add(ctx, guestbook.Entry{ID: "a/b c", Name: "n", Msg: "m", T: 1}))
	require.NoError(t, srv.store.Add(ctx, guestbook.Entry{ID: "keep", Name: "n", Msg: "m", T: 2}))

	rec := do(t, h, http.MethodDelete, "/guestbook/a%2Fb%20c", "")
	require.Equal(t, http.StatusOK, rec.Code)

	list, err := srv.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "keep", list[0].ID)
}

func TestOriginCheck(t *testing.T) {
	srv, _ := newTestServer(t, false)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/guestbook", `{"msg":"x"}`, "Origin", "http://evil.example")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodDelete, "/guestbook/1", "", "Origin", "http://evil.example")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// httptest.NewRequest uses example.com as the host.
	rec = do(t, h, http.MethodPost, "/guestbook", `{"msg":"x"}`, "Origin", "http://example.com")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/guestbook.json", "", "Origin", "http://evil.example")
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not origin-checked")
}

func TestResetBuild(t *testing.T) {
	srv, root := newTestServer(t, false)
	h := srv.Handler()

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/reset-build", "").Code)

	for i := 0; i < 3; i++ {
		_, err := srv.Generator().Run()
		require.NoError(t, err)
	}
	snap, err := snapshot.Load(filepath.Join(root, snapshot.DefaultOutput))
	require.NoError(t, err)
	require.Equal(t, 3, snap.Build)

	rec := do(t, h, http.MethodPost, "/reset-build", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap, err = snapshot.Load(filepath.Join(root, snapshot.DefaultOutput))
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Build)
	assert.Equal(t, int64(1700000000000), snap.BuildTime)
	assert.Len(t, snap.Root.Children, 5, "tree is kept")
}

func TestUploadSnapshot(t *testing.T) {
	srv, root := newTestServer(t, true)
	h := srv.Handler()
	path := filepath.Join(root, snapshot.DefaultOutput)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	rec := do(t, h, http.MethodPost, "/upload-filetree", `{"name":".","broken"`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "invalid upload must not touch the file")

	doc := `{"name":".","path":"","type":"directory","children":[],"build":9,"buildTime":1}`
	rec = do(t, h, http.MethodPost, "/upload-filetree", doc)
	require.Equal(t, http.StatusOK, rec.Code)
	after, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, doc, string(after))
}

func TestEventsStream(t *testing.T) {
	srv, _ := newTestServer(t, true)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	require.Eventually(t, func() bool { return srv.events.clientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	srv.SnapshotWritten(&snapshot.Snapshot{Build: 7, BuildTime: 99})

	var sawEvent bool
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if line == "event: snapshot" {
				sawEvent = true
				continue
			}
			if sawEvent && strings.HasPrefix(line, "data: ") {
				assert.JSONEq(t, `{"build":7,"buildTime":99}`, strings.TrimPrefix(line, "data: "))
				return
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for snapshot event")
		}
	}
}

func TestBrokerReplay(t *testing.T) {
	b := newBroker(2, zap.NewNop())
	b.publish("a", 1)
	b.publish("b", 2)
	b.publish("c", 3)

	got := b.after("2")
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].id)
	assert.Contains(t, got[0].data, "event: c")
	assert.Empty(t, b.after("1"), "evicted ids cannot be replayed")
}

func TestServe_GracefulShutdown(t *testing.T) {
	srv, _ := newTestServer(t, true)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	// An open SSE stream must not hold up shutdown.
	resp, err := http.Get(url + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestSameOrigin(t *testing.T) {
	assert.True(t, sameOrigin("http://localhost:8000", "localhost:8000"))
	assert.False(t, sameOrigin("http://localhost:8001", "localhost:8000"))
	assert.False(t, sameOrigin("null", "localhost:8000"))
	assert.False(t, sameOrigin("file://x", "x"))
}
