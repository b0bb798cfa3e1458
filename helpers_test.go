package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/razvandimescu/treesnap/internal/guestbook"
	"github.com/razvandimescu/treesnap/internal/server"
	"github.com/stretchr/testify/require"
)

// cliResult captures one CLI invocation.
type cliResult struct {
	stdout string
	stderr string
	err    error
}

// runCLI executes the root command with args. Logging is kept quiet and the
// client state goes to stateFile unless args override it.
func runCLI(t *testing.T, stateFile string, args ...string) cliResult {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--log-level", "error", "--state-file", stateFile}, args...))
	err := cmd.ExecuteContext(context.Background())
	return cliResult{stdout: out.String(), stderr: errOut.String(), err: err}
}

// createTestFile writes content at rel under dir, creating parents.
func createTestFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// testTree creates a small root:
//
//	A/c.txt
//	b.txt
//	docs/notes.txt
func testTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	createTestFile(t, root, "A/c.txt", "c")
	createTestFile(t, root, "b.txt", "bbb")
	createTestFile(t, root, "docs/notes.txt", "hello notes")
	return root
}

// startServer serves root on a test listener and returns its URL.
func startServer(t *testing.T, root string) string {
	t.Helper()
	store, err := guestbook.OpenSQLStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv, err := server.New(server.Options{Root: root, Store: store})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

// deadURL returns the URL of a server that is no longer listening.
func deadURL(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()
	return url
}
