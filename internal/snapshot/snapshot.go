// Package snapshot walks a directory tree and produces the filetree.json
// document served to viewers. A Snapshot is replaced as a whole on every
// generation and never edited in place.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"time"
)

const (
	TypeDirectory = "directory"
	TypeFile      = "file"

	// DefaultOutput is the snapshot file name written at the root.
	DefaultOutput = "filetree.json"
)

// ErrNotFound is returned when no snapshot exists at the requested path.
var ErrNotFound = errors.New("snapshot not found")

// ErrWrite marks a failure to write the snapshot file. Such failures are
// reported once and never retried.
var ErrWrite = errors.New("write snapshot")

// TreeNode is one file or directory inside a Snapshot. Size and MTime are
// only meaningful for files; Children only for directories.
type TreeNode struct {
	Name     string
	Path     string
	Type     string
	Size     int64
	MTime    int64 // epoch milliseconds
	Children []*TreeNode
}

// IsDir reports whether the node is a directory.
func (n *TreeNode) IsDir() bool {
	return n.Type == TypeDirectory
}

type dirJSON struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"`
	Children []*TreeNode `json:"children"`
}

type fileJSON struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Type  string `json:"type"`
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
}

// MarshalJSON emits children for directories and size/mtime for files,
// never both.
func (n TreeNode) MarshalJSON() ([]byte, error) {
	if n.IsDir() {
		children := n.Children
		if children == nil {
			children = []*TreeNode{}
		}
		return json.Marshal(dirJSON{Name: n.Name, Path: n.Path, Type: n.Type, Children: children})
	}
	return json.Marshal(fileJSON{Name: n.Name, Path: n.Path, Type: n.Type, Size: n.Size, MTime: n.MTime})
}

// UnmarshalJSON accepts fractional mtimes, which other generators emit.
func (n *TreeNode) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name     string      `json:"name"`
		Path     string      `json:"path"`
		Type     string      `json:"type"`
		Size     float64     `json:"size"`
		MTime    float64     `json:"mtime"`
		Children []*TreeNode `json:"children"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = TreeNode{
		Name:     raw.Name,
		Path:     raw.Path,
		Type:     raw.Type,
		Size:     int64(raw.Size),
		MTime:    int64(math.Round(raw.MTime)),
		Children: raw.Children,
	}
	return nil
}

// Snapshot is the serialized document: the root directory node plus a build
// counter and the generation instant.
type Snapshot struct {
	Root      *TreeNode
	Build     int
	BuildTime int64 // epoch milliseconds
}

type snapshotJSON struct {
	Name      string      `json:"name"`
	Path      string      `json:"path"`
	Type      string      `json:"type"`
	Children  []*TreeNode `json:"children"`
	Build     int         `json:"build"`
	BuildTime int64       `json:"buildTime"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	root := s.Root
	if root == nil {
		root = &TreeNode{Name: ".", Type: TypeDirectory}
	}
	children := root.Children
	if children == nil {
		children = []*TreeNode{}
	}
	return json.Marshal(snapshotJSON{
		Name:      root.Name,
		Path:      root.Path,
		Type:      TypeDirectory,
		Children:  children,
		Build:     s.Build,
		BuildTime: s.BuildTime,
	})
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name      string      `json:"name"`
		Path      string      `json:"path"`
		Type      string      `json:"type"`
		Children  []*TreeNode `json:"children"`
		Build     float64     `json:"build"`
		BuildTime float64     `json:"buildTime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	typ := raw.Type
	if typ == "" {
		typ = TypeDirectory
	}
	s.Root = &TreeNode{Name: raw.Name, Path: raw.Path, Type: typ, Children: raw.Children}
	s.Build = int(raw.Build)
	s.BuildTime = int64(raw.BuildTime)
	return nil
}

// BuildInstant returns BuildTime as a time.Time.
func (s *Snapshot) BuildInstant() time.Time {
	return time.UnixMilli(s.BuildTime)
}

// Load reads and parses the snapshot at path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

// prior describes whatever usable state the previous snapshot file held.
type prior struct {
	build     int
	buildTime int64
	ok        bool
}

func readPrior(path string) prior {
	data, err := os.ReadFile(path)
	if err != nil {
		return prior{}
	}
	var doc struct {
		Build     *float64 `json:"build"`
		BuildTime float64  `json:"buildTime"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.Build == nil {
		return prior{}
	}
	return prior{build: int(*doc.Build), buildTime: int64(doc.BuildTime), ok: true}
}

// NextBuild returns the build number the next snapshot written to path should
// carry: the prior build plus one, or 1 when the prior file is missing,
// unparsable or has no numeric build.
func NextBuild(path string) int {
	p := readPrior(path)
	if !p.ok {
		return 1
	}
	return p.build + 1
}

// ResetBuild rewrites the snapshot at path with build 1 and a fresh build
// time. An unparsable document is replaced by an empty tree; a missing one
// gives ErrNotFound.
func ResetBuild(path string, now time.Time) (*Snapshot, error) {
	snap, err := Load(path)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, err
	case err != nil:
		var serr *json.SyntaxError
		var terr *json.UnmarshalTypeError
		if !errors.As(err, &serr) && !errors.As(err, &terr) {
			return nil, err
		}
		snap = &Snapshot{Root: &TreeNode{Name: ".", Type: TypeDirectory, Children: []*TreeNode{}}}
	}
	snap.Build = 1
	snap.BuildTime = now.UnixMilli()
	if err := Write(path, snap); err != nil {
		return nil, err
	}
	return snap, nil
}
