package snapshot

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Example(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "b.txt", strings.Repeat("x", 500))
	writeTestFile(t, dir, "A/c.txt", "c")

	root, err := Generate(dir, Options{})
	require.NoError(t, err)

	assert.Equal(t, ".", root.Name)
	assert.Equal(t, "", root.Path)
	require.Equal(t, []string{"A", "b.txt"}, childNames(root))

	a := root.Children[0]
	assert.True(t, a.IsDir())
	assert.Equal(t, "A", a.Path)
	require.Len(t, a.Children, 1)
	assert.Equal(t, "A/c.txt", a.Children[0].Path)

	b := root.Children[1]
	assert.Equal(t, TypeFile, b.Type)
	assert.Equal(t, int64(500), b.Size)
	assert.NotZero(t, b.MTime)
}

func TestGenerate_Ordering(t *testing.T) {
	dir := t.TempDir()
	for _, rel := range []string{
		"zeta.txt", "Alpha.txt", "alpha.txt", "beta/x.go", "Beta/y.go",
		"beta/inner/z.md", "beta/inner/a.md", "beta/Inner2/q", "_under.txt",
	} {
		writeTestFile(t, dir, rel, "data")
	}

	root, err := Generate(dir, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"Beta", "beta", "Alpha.txt", "_under.txt", "alpha.txt", "zeta.txt"}, childNames(root))
	assertSorted(t, root)
}

func TestGenerate_Exclusions(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, ".git/HEAD", "ref")
	writeTestFile(t, dir, "node_modules/pkg/index.js", "js")
	writeTestFile(t, dir, "src/node_modules/deep.js", "js")
	writeTestFile(t, dir, "filetree.json", "{}")
	writeTestFile(t, dir, "build/out.bin", "bin")
	writeTestFile(t, dir, "keep.txt", "keep")

	root, err := Generate(dir, Options{Exclude: []string{"build"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"src", "keep.txt"}, childNames(root))
	assert.Empty(t, root.Children[0].Children)
}

func TestGenerate_SkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "real/file.txt", "x")
	if err := os.Symlink(filepath.Join(dir, "real"), filepath.Join(dir, "loop")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	root, err := Generate(dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, childNames(root))
}

func TestGenerate_UnreadableDirectoryDegrades(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	dir := t.TempDir()
	writeTestFile(t, dir, "locked/secret.txt", "s")
	writeTestFile(t, dir, "open.txt", "o")
	locked := filepath.Join(dir, "locked")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	root, err := Generate(dir, Options{})
	require.NoError(t, err)

	require.Equal(t, []string{"locked", "open.txt"}, childNames(root))
	assert.True(t, root.Children[0].IsDir())
	assert.Empty(t, root.Children[0].Children)
}

func TestGenerate_RootErrors(t *testing.T) {
	dir := t.TempDir()
	file := writeTestFile(t, dir, "plain.txt", "x")

	_, err := Generate(filepath.Join(dir, "missing"), Options{})
	assert.Error(t, err)

	_, err = Generate(file, Options{})
	assert.Error(t, err)
}

func TestTreeNode_JSONShape(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "empty.txt", "")
	writeTestFile(t, dir, "sub/.keep", "")

	g := &Generator{Root: dir}
	snap, err := g.Build()
	require.NoError(t, err)

	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "directory", doc["type"])
	assert.EqualValues(t, 1, doc["build"])
	assert.Contains(t, doc, "buildTime")

	children := doc["children"].([]any)
	require.Len(t, children, 2)

	sub := children[0].(map[string]any)
	assert.Equal(t, "sub", sub["name"])
	assert.Contains(t, sub, "children")
	assert.NotContains(t, sub, "size")
	assert.NotContains(t, sub, "mtime")

	file := children[1].(map[string]any)
	assert.Equal(t, "empty.txt", file["name"])
	assert.EqualValues(t, 0, file["size"])
	assert.Contains(t, file, "mtime")
	assert.NotContains(t, file, "children")
}

func TestSnapshot_AcceptsFractionalTimes(t *testing.T) {
	raw := `{"name":"root","path":"","type":"directory","build":4,"buildTime":1700000000000,
		"children":[{"name":"a.txt","path":"a.txt","type":"file","size":12,"mtime":1699999999999.6}]}`

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	assert.Equal(t, 4, snap.Build)
	require.Len(t, snap.Root.Children, 1)
	assert.Equal(t, int64(1700000000000), snap.Root.Children[0].MTime)
	assert.Equal(t, int64(12), snap.Root.Children[0].Size)
}

func TestNextBuild(t *testing.T) {
	tests := []struct {
		name    string
		content *string
		want    int
	}{
		{name: "missing", content: nil, want: 1},
		{name: "corrupt", content: ptr("{not json"), want: 1},
		{name: "no build", content: ptr(`{"name":"."}`), want: 1},
		{name: "string build", content: ptr(`{"build":"7"}`), want: 1},
		{name: "array document", content: ptr(`[1,2]`), want: 1},
		{name: "numeric build", content: ptr(`{"build":7}`), want: 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), DefaultOutput)
			if tt.content != nil {
				require.NoError(t, os.WriteFile(path, []byte(*tt.content), 0o644))
			}
			assert.Equal(t, tt.want, NextBuild(path))
		})
	}
}

func TestGenerator_RegenerationIncrementsBuild(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "notes.txt", "hello")

	var stdout bytes.Buffer
	clock := time.UnixMilli(1_700_000_000_000)
	g := &Generator{Root: dir, Stdout: &stdout, Now: func() time.Time { return clock }}

	first, err := g.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, first.Build)
	assert.Contains(t, stdout.String(), "Wrote "+filepath.Join(dir, DefaultOutput))

	clock = clock.Add(time.Second)
	second, err := g.Run()
	require.NoError(t, err)
	assert.Equal(t, first.Build+1, second.Build)
	assert.GreaterOrEqual(t, second.BuildTime, first.BuildTime)

	loaded, err := Load(g.OutputPath())
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Build)
	assert.Equal(t, []string{"notes.txt"}, childNames(loaded.Root))
}

func TestGenerator_BuildTimeNeverMovesBackwards(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, DefaultOutput)
	require.NoError(t, os.WriteFile(out, []byte(`{"build":3,"buildTime":9999999999999}`), 0o644))

	g := &Generator{Root: dir}
	snap, err := g.Run()
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Build)
	assert.Equal(t, int64(9999999999999), snap.BuildTime)
}

func TestGenerator_CorruptPriorResetsBuild(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, DefaultOutput, "garbage")

	snap, err := (&Generator{Root: dir}).Run()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Build)
}

func TestGenerator_WriteFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	var stderr bytes.Buffer
	g := &Generator{
		Root:   dir,
		Output: filepath.Join(dir, "missing-dir", DefaultOutput),
		Stderr: &stderr,
	}

	_, err := g.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWrite)
	assert.Contains(t, stderr.String(), "Failed to write")
}

func TestResetBuild(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a.txt", "a")
	g := &Generator{Root: dir}
	for i := 0; i < 3; i++ {
		_, err := g.Run()
		require.NoError(t, err)
	}

	now := time.UnixMilli(1_800_000_000_000)
	snap, err := ResetBuild(g.OutputPath(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Build)

	loaded, err := Load(g.OutputPath())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Build)
	assert.Equal(t, now.UnixMilli(), loaded.BuildTime)
	assert.Equal(t, []string{"a.txt"}, childNames(loaded.Root))

	_, err = ResetBuild(filepath.Join(dir, "nope.json"), now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetBuild_UnparsableDocumentIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultOutput)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	now := time.UnixMilli(1_800_000_000_000)

	snap, err := ResetBuild(path, now)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Build)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Build)
	assert.Equal(t, now.UnixMilli(), loaded.BuildTime)
	assert.Empty(t, loaded.Root.Children)
}

func ptr(s string) *string { return &s }

func TestFilter_Excluded(t *testing.T) {
	f := NewFilter(Options{Output: "out/tree.json", Exclude: []string{"secret"}})

	tests := []struct {
		rel  string
		want bool
	}{
		{"docs/readme.md", false},
		{"", false},
		{".git/config", true},
		{"a/node_modules/b.js", true},
		{"tree.json", true},
		{"nested/secret/key.pem", true},
		{".treesnap-tmp-42", true},
		{"secrets/ok.txt", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.Excluded(tt.rel), tt.rel)
	}
}
