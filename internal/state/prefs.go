package state

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Fixed storage keys.
const (
	KeyCollapsed         = "filetree.collapsed"
	KeySearch            = "filetree.search"
	KeyTheme             = "filetree.theme"
	KeyHits              = "filetree.hits"
	KeyAdmin             = "filetree.admin"
	KeyGuestbookLocal    = "guestbook.local"
	KeyGuestbookQueue    = "guestbook.queue"
	KeyGuestbookLastSync = "guestbook.lastSync"
)

const (
	ThemeLight = "light"
	ThemeDark  = "dark"
)

// AdminPassphrase unlocks the admin flag. The flag only reveals extra UI
// actions; it is not an access-control boundary and nothing server side
// checks it.
const AdminPassphrase = "letmein"

// GetJSON decodes the value under key into v. A missing key leaves v untouched.
func GetJSON(s Store, key string, v any) error {
	raw, ok := s.Get(key)
	if !ok || raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(key, string(data))
}

// CollapseSet is the set of collapsed directory paths.
type CollapseSet map[string]bool

// Has reports whether path is collapsed.
func (c CollapseSet) Has(path string) bool {
	return c[path]
}

// Toggle flips path and reports the new collapsed state.
func (c CollapseSet) Toggle(path string) bool {
	if c[path] {
		delete(c, path)
		return false
	}
	c[path] = true
	return true
}

// Paths returns the collapsed paths in sorted order.
func (c CollapseSet) Paths() []string {
	paths := lo.Keys(map[string]bool(c))
	slices.Sort(paths)
	return paths
}

// Prefs wraps a Store with typed accessors. Read accessors never fail: a
// broken value is logged and treated as unset.
type Prefs struct {
	Store  Store
	Logger *zap.Logger
}

func NewPrefs(s Store, log *zap.Logger) *Prefs {
	if log == nil {
		log = zap.NewNop()
	}
	return &Prefs{Store: s, Logger: log}
}

func (p *Prefs) Collapsed() CollapseSet {
	var paths []string
	if err := GetJSON(p.Store, KeyCollapsed, &paths); err != nil {
		p.Logger.Warn("ignoring stored collapse state", zap.Error(err))
	}
	set := make(CollapseSet, len(paths))
	for _, path := range paths {
		set[path] = true
	}
	return set
}

func (p *Prefs) SetCollapsed(set CollapseSet) error {
	return SetJSON(p.Store, KeyCollapsed, set.Paths())
}

func (p *Prefs) Search() string {
	q, _ := p.Store.Get(KeySearch)
	return q
}

func (p *Prefs) SetSearch(q string) error {
	return p.Store.Set(KeySearch, q)
}

func (p *Prefs) Theme() string {
	if t, ok := p.Store.Get(KeyTheme); ok && (t == ThemeLight || t == ThemeDark) {
		return t
	}
	return ThemeLight
}

func (p *Prefs) SetTheme(theme string) error {
	theme = strings.ToLower(strings.TrimSpace(theme))
	if theme != ThemeLight && theme != ThemeDark {
		return fmt.Errorf("unknown theme %q (want %s or %s)", theme, ThemeLight, ThemeDark)
	}
	return p.Store.Set(KeyTheme, theme)
}

// ToggleTheme switches between light and dark and returns the new theme.
func (p *Prefs) ToggleTheme() (string, error) {
	next := ThemeDark
	if p.Theme() == ThemeDark {
		next = ThemeLight
	}
	return next, p.SetTheme(next)
}

func (p *Prefs) Hits() int {
	raw, _ := p.Store.Get(KeyHits)
	n, _ := strconv.Atoi(raw)
	return n
}

// IncrementHits bumps the visit counter and returns the new value.
func (p *Prefs) IncrementHits() int {
	n := p.Hits() + 1
	if err := p.Store.Set(KeyHits, strconv.Itoa(n)); err != nil {
		p.Logger.Warn("cannot persist hit counter", zap.Error(err))
	}
	return n
}

func (p *Prefs) Admin() bool {
	v, _ := p.Store.Get(KeyAdmin)
	return v == "1"
}

// UnlockAdmin sets the admin flag when input matches AdminPassphrase.
func (p *Prefs) UnlockAdmin(input string) bool {
	if strings.TrimSpace(input) != AdminPassphrase {
		return false
	}
	if err := p.Store.Set(KeyAdmin, "1"); err != nil {
		p.Logger.Warn("cannot persist admin flag", zap.Error(err))
	}
	return true
}

func (p *Prefs) LockAdmin() error {
	return p.Store.Delete(KeyAdmin)
}

func (p *Prefs) LastSync() (time.Time, bool) {
	raw, ok := p.Store.Get(KeyGuestbookLastSync)
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (p *Prefs) SetLastSync(t time.Time) error {
	return p.Store.Set(KeyGuestbookLastSync, strconv.FormatInt(t.UnixMilli(), 10))
}
