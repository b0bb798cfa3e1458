package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/razvandimescu/treesnap/internal/snapshot"
	"github.com/razvandimescu/treesnap/internal/state"
	"go.uber.org/zap"
)

// DefaultRefreshInterval is how often AutoRefresh refetches the snapshot.
const DefaultRefreshInterval = 2500 * time.Millisecond

const notFoundMessage = `No filetree.json found. Run "treesnap generate" to create it.`

// Fetcher is what a Viewer loads snapshots from.
type Fetcher interface {
	FetchSnapshot(ctx context.Context) (*snapshot.Snapshot, error)
}

// Viewer holds the current listing plus the persisted collapse set and
// search query.
type Viewer struct {
	mu sync.Mutex

	fetch  Fetcher
	prefs  *state.Prefs
	logger *zap.Logger

	collapsed state.CollapseSet
	query     string

	snap  *snapshot.Snapshot
	items []Item
	err   string
}

// New restores the collapse set and search query from prefs.
func New(f Fetcher, prefs *state.Prefs, log *zap.Logger) *Viewer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Viewer{
		fetch:     f,
		prefs:     prefs,
		logger:    log,
		collapsed: prefs.Collapsed(),
		query:     prefs.Search(),
	}
}

// Load fetches the snapshot and replaces the current content. On failure the
// previous items are dropped and Err carries a user-facing message.
func (v *Viewer) Load(ctx context.Context) error {
	snap, err := v.fetch.FetchSnapshot(ctx)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		v.snap = nil
		v.items = nil
		if IsNotFound(err) {
			v.err = notFoundMessage
		} else {
			v.err = "Failed to load file tree: " + errorCause(err)
		}
		v.logger.Debug("load failed", zap.Error(err))
		return err
	}
	v.snap = snap
	v.err = ""
	v.rebuild()
	return nil
}

func errorCause(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Err != nil {
			return fe.Err.Error()
		}
		return fmt.Sprintf("HTTP %d", fe.StatusCode)
	}
	return err.Error()
}

// rebuild must be called with mu held.
func (v *Viewer) rebuild() {
	if v.snap == nil {
		v.items = nil
		return
	}
	v.items = ApplySearch(Flatten(v.snap.Root, v.collapsed), v.query)
}

// Items returns the current rows, including hidden ones.
func (v *Viewer) Items() []Item {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Item(nil), v.items...)
}

// Err returns the message from the last failed Load, or "".
func (v *Viewer) Err() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Snapshot returns the last successfully loaded snapshot.
func (v *Viewer) Snapshot() *snapshot.Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snap
}

func (v *Viewer) Query() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.query
}

// Toggle flips the collapse state of a directory and persists the set.
func (v *Viewer) Toggle(path string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.collapsed.Toggle(path)
	v.rebuild()
	if err := v.prefs.SetCollapsed(v.collapsed); err != nil {
		return now, fmt.Errorf("save collapse state: %w", err)
	}
	return now, nil
}

// Search stores the query and reapplies it to the current rows.
func (v *Viewer) Search(q string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.query = q
	v.rebuild()
	if err := v.prefs.SetSearch(q); err != nil {
		return fmt.Errorf("save search: %w", err)
	}
	return nil
}

// Render writes the current state as text.
func (v *Viewer) Render(w io.Writer, details bool) error {
	v.mu.Lock()
	errMsg, items, query := v.err, append([]Item(nil), v.items...), v.query
	v.mu.Unlock()

	if errMsg != "" {
		_, err := fmt.Fprintln(w, errMsg)
		return err
	}
	return RenderText(w, items, RenderOptions{Query: query, Details: details})
}

// AutoRefresh calls Load every interval until ctx is done, handing each
// result to fn. A slow fetch delays the next tick rather than overlapping it.
func (v *Viewer) AutoRefresh(ctx context.Context, interval time.Duration, fn func(error)) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			err := v.Load(ctx)
			if ctx.Err() != nil {
				return
			}
			if fn != nil {
				fn(err)
			}
			timer.Reset(interval)
		}
	}
}
