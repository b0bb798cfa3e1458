package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeTestFile creates rel (slash-separated) under dir with the given content.
func writeTestFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create parent of %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to create test file %s: %v", path, err)
	}
	return path
}

// childNames lists the names of node's children in order.
func childNames(node *TreeNode) []string {
	names := make([]string, 0, len(node.Children))
	for _, c := range node.Children {
		names = append(names, c.Name)
	}
	return names
}

// assertSorted checks the dirs-first, name-ordered invariant at every level.
func assertSorted(t *testing.T, node *TreeNode) {
	t.Helper()
	for i := 1; i < len(node.Children); i++ {
		prev, cur := node.Children[i-1], node.Children[i]
		if prev.IsDir() == cur.IsDir() && strings.Compare(prev.Name, cur.Name) > 0 {
			t.Errorf("%q: %q sorted before %q", node.Path, prev.Name, cur.Name)
		}
		if !prev.IsDir() && cur.IsDir() {
			t.Errorf("%q: file %q sorted before directory %q", node.Path, prev.Name, cur.Name)
		}
	}
	for _, c := range node.Children {
		if c.IsDir() {
			assertSorted(t, c)
		}
	}
}
