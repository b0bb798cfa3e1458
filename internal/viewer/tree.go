// Package viewer fetches a snapshot and turns it into a collapsible,
// searchable listing. The data transformations (flattening, search, size and
// time formatting, preview classification) are pure; rendering and fetching
// sit on top of them.
package viewer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/razvandimescu/treesnap/internal/snapshot"
	"github.com/razvandimescu/treesnap/internal/state"
)

// Item is one rendered row of the tree.
type Item struct {
	Name  string
	Path  string
	Dir   bool
	Depth int

	// Collapsed is set on directories whose path is in the collapse set.
	Collapsed bool
	// Visible is false when any ancestor directory is collapsed.
	Visible bool
	// Hidden is set by ApplySearch on rows that do not match the query.
	Hidden bool

	Size      int64
	SizeText  string
	MTime     int64
	MTimeText string
	MTimeAgo  string
}

// Flatten lists every node below root depth-first. Collapse state is looked
// up by path, so it survives regeneration as long as paths do not change.
func Flatten(root *snapshot.TreeNode, collapsed state.CollapseSet) []Item {
	if root == nil {
		return nil
	}
	var items []Item
	var walk func(n *snapshot.TreeNode, depth int, visible bool)
	walk = func(n *snapshot.TreeNode, depth int, visible bool) {
		for _, child := range n.Children {
			it := Item{
				Name:    child.Name,
				Path:    child.Path,
				Dir:     child.IsDir(),
				Depth:   depth,
				Visible: visible,
			}
			if it.Dir {
				it.Collapsed = collapsed.Has(child.Path)
			} else {
				it.Size = child.Size
				it.SizeText = FormatSize(child.Size)
				it.MTime = child.MTime
				it.MTimeText = FormatMTime(child.MTime)
				it.MTimeAgo = humanize.Time(time.UnixMilli(child.MTime))
			}
			items = append(items, it)
			if it.Dir {
				walk(child, depth+1, visible && !it.Collapsed)
			}
		}
	}
	walk(root, 0, true)
	return items
}

// Matches reports whether query matches an entry's name or full path,
// ignoring case. The empty query matches everything.
func Matches(query, name, path string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(name), q) || strings.Contains(strings.ToLower(path), q)
}

// ApplySearch returns a copy of items with Hidden set on every row that
// does not match query.
func ApplySearch(items []Item, query string) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		it.Hidden = !Matches(query, it.Name, it.Path)
		out[i] = it
	}
	return out
}

// Shown filters items down to the rows a renderer should display. While a
// query is active every match is shown, even inside collapsed directories.
func Shown(items []Item, query string) []Item {
	searching := strings.TrimSpace(query) != ""
	var out []Item
	for _, it := range items {
		if it.Hidden {
			continue
		}
		if !searching && !it.Visible {
			continue
		}
		out = append(out, it)
	}
	return out
}

const (
	kib = 1024
	mib = 1024 * 1024
)

// FormatSize renders a byte count: bytes below 1 KiB, whole kilobytes below
// 1 MiB, whole megabytes above.
func FormatSize(n int64) string {
	switch {
	case n < kib:
		return fmt.Sprintf("%d B", n)
	case n < mib:
		return fmt.Sprintf("%d KB", int64(math.Round(float64(n)/kib)))
	default:
		return fmt.Sprintf("%d MB", int64(math.Round(float64(n)/mib)))
	}
}

// FormatMTime renders an epoch-millisecond timestamp in local time.
func FormatMTime(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
