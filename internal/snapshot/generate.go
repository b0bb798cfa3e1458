package snapshot

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Hardcoded exclusions (version control metadata and dependency caches).
// The output file name is added per generator.
var hardcodedExclusions = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// tmpPrefix marks the temporary files Write creates next to the output.
const tmpPrefix = ".treesnap-tmp-"

// Options configures a single walk.
type Options struct {
	// Output is the snapshot file name; entries with this base name are skipped.
	Output string
	// Exclude lists additional entry names to skip at any depth.
	Exclude []string
	Logger  *zap.Logger
}

type walker struct {
	skip map[string]bool
	log  *zap.Logger
}

func newWalker(opts Options) *walker {
	skip := make(map[string]bool, len(hardcodedExclusions)+len(opts.Exclude)+1)
	for name := range hardcodedExclusions {
		skip[name] = true
	}
	for _, name := range opts.Exclude {
		if name = strings.TrimSpace(name); name != "" {
			skip[name] = true
		}
	}
	out := opts.Output
	if out == "" {
		out = DefaultOutput
	}
	skip[filepath.Base(out)] = true

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &walker{skip: skip, log: log}
}

// isExcluded returns true if an entry name should never appear in a snapshot.
func (w *walker) isExcluded(name string) bool {
	return w.skip[name] || strings.HasPrefix(name, tmpPrefix)
}

// excludesPath reports whether any segment of the slash-separated rel is
// excluded.
func (w *walker) excludesPath(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if part != "" && part != "." && w.isExcluded(part) {
			return true
		}
	}
	return false
}

// Filter answers exclusion questions for paths outside a walk, such as
// requests for raw file content.
type Filter struct {
	w *walker
}

func NewFilter(opts Options) *Filter {
	return &Filter{w: newWalker(opts)}
}

// Excluded reports whether a walk with the filter's options would skip rel
// or one of its parents.
func (f *Filter) Excluded(rel string) bool {
	return f.w.excludesPath(rel)
}

// Generate walks root depth-first and returns the root directory node.
// Unreadable subdirectories become empty nodes and files that cannot be
// stat'd are left out; only a failure to read root itself is an error.
func Generate(root string, opts Options) (*TreeNode, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read root: %w", err)
	}

	w := newWalker(opts)
	node := &TreeNode{Name: ".", Path: "", Type: TypeDirectory, Children: []*TreeNode{}}
	w.fill(node, abs, entries)
	return node, nil
}

func (w *walker) walkDir(absDir, relPath, name string) *TreeNode {
	node := &TreeNode{Name: name, Path: relPath, Type: TypeDirectory, Children: []*TreeNode{}}
	entries, err := os.ReadDir(absDir)
	if err != nil {
		w.log.Debug("unreadable directory, emitting empty subtree", zap.String("path", relPath), zap.Error(err))
		return node
	}
	w.fill(node, absDir, entries)
	return node
}

func (w *walker) fill(node *TreeNode, absDir string, entries []os.DirEntry) {
	for _, ent := range entries {
		name := ent.Name()
		if w.isExcluded(name) {
			continue
		}
		full := filepath.Join(absDir, name)
		rel := path.Join(node.Path, name)

		switch {
		case ent.IsDir():
			node.Children = append(node.Children, w.walkDir(full, rel, name))
		case ent.Type().IsRegular():
			info, err := ent.Info()
			if err != nil {
				w.log.Debug("stat failed, skipping file", zap.String("path", rel), zap.Error(err))
				continue
			}
			node.Children = append(node.Children, &TreeNode{
				Name:  name,
				Path:  rel,
				Type:  TypeFile,
				Size:  info.Size(),
				MTime: info.ModTime().UnixMilli(),
			})
		}
	}
	sortChildren(node.Children)
}

// sortChildren orders directories first, then files, by name within each group.
func sortChildren(children []*TreeNode) {
	sort.SliceStable(children, func(i, j int) bool {
		if children[i].IsDir() != children[j].IsDir() {
			return children[i].IsDir()
		}
		return children[i].Name < children[j].Name
	})
}

// Generator produces and writes snapshots for one root.
type Generator struct {
	Root    string
	Output  string // absolute or root-relative path of the snapshot file
	Exclude []string
	Logger  *zap.Logger
	// Stdout and Stderr receive the "Wrote"/"Failed to write" lines.
	Stdout io.Writer
	Stderr io.Writer
	Now    func() time.Time
}

// OutputPath resolves the snapshot path against Root.
func (g *Generator) OutputPath() string {
	out := g.Output
	if out == "" {
		out = DefaultOutput
	}
	if filepath.IsAbs(out) {
		return out
	}
	return filepath.Join(g.Root, out)
}

func (g *Generator) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

func (g *Generator) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// Build generates a snapshot in memory, numbering it from the prior file.
func (g *Generator) Build() (*Snapshot, error) {
	out := g.OutputPath()
	root, err := Generate(g.Root, Options{Output: out, Exclude: g.Exclude, Logger: g.Logger})
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Root: root, Build: 1, BuildTime: g.now().UnixMilli()}
	if p := readPrior(out); p.ok {
		snap.Build = p.build + 1
		if p.buildTime > snap.BuildTime {
			snap.BuildTime = p.buildTime
		}
	}
	return snap, nil
}

// Run generates and writes one snapshot. A write failure is reported and
// returned; it is never retried.
func (g *Generator) Run() (*Snapshot, error) {
	snap, err := g.Build()
	if err != nil {
		return nil, err
	}
	out := g.OutputPath()
	if err := Write(out, snap); err != nil {
		if g.Stderr != nil {
			fmt.Fprintf(g.Stderr, "Failed to write %s: %v\n", out, err)
		}
		g.logger().Error("snapshot write failed", zap.String("path", out), zap.Error(err))
		return nil, fmt.Errorf("%w %s: %w", ErrWrite, out, err)
	}
	if g.Stdout != nil {
		fmt.Fprintf(g.Stdout, "Wrote %s\n", out)
	}
	g.logger().Info("snapshot written", zap.String("path", out), zap.Int("build", snap.Build))
	return snap, nil
}
