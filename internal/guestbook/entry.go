// Package guestbook keeps a local-first guestbook in sync with a remote
// store. Entries are written to client storage before any network call;
// undelivered ones wait in an outbound queue drained with capped
// exponential backoff.
package guestbook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultName is used when an entry is submitted without a name.
const DefaultName = "Guest"

// ErrEmptyEntry is returned when both name and message are blank.
var ErrEmptyEntry = errors.New("guestbook: name or message required")

// Entry is one guestbook message. T is epoch milliseconds.
type Entry struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Msg  string `json:"msg"`
	T    int64  `json:"t"`
}

// Key is the entry's identity: its id, or the timestamp for legacy
// entries written without one.
func (e Entry) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return strconv.FormatInt(e.T, 10)
}

// Time returns T as a time.Time.
func (e Entry) Time() time.Time { return time.UnixMilli(e.T) }

// UnmarshalJSON accepts numeric ids and fractional timestamps, both of
// which older writers produced.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID   json.RawMessage `json:"id"`
		Name string          `json:"name"`
		Msg  string          `json:"msg"`
		T    *float64        `json:"t"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := decodeID(raw.ID)
	if err != nil {
		return err
	}
	*e = Entry{ID: id, Name: raw.Name, Msg: raw.Msg}
	if raw.T != nil {
		e.T = int64(math.Round(*raw.T))
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decode id: %w", err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("decode id: %w", err)
	}
	return strings.TrimSuffix(n.String(), ".0"), nil
}

// NewID returns a fresh time-ordered identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Normalize applies the submission defaults: a blank name becomes
// DefaultName and missing id or timestamp are filled from now. Entries with
// neither name nor message are rejected.
func Normalize(e Entry, now time.Time) (Entry, error) {
	e.Name = strings.TrimSpace(e.Name)
	e.Msg = strings.TrimSpace(e.Msg)
	if e.Name == "" && e.Msg == "" {
		return e, ErrEmptyEntry
	}
	if e.Name == "" {
		e.Name = DefaultName
	}
	ms := now.UnixMilli()
	if e.ID == "" {
		e.ID = strconv.FormatInt(ms, 10)
	}
	if e.T == 0 {
		e.T = ms
	}
	return e, nil
}

// Tag records where a merged entry came from. It is never persisted.
type Tag string

const (
	TagServer Tag = "server"
	TagQueued Tag = "queued"
	TagLocal  Tag = "local"
)

// Tagged is an entry plus its provenance.
type Tagged struct {
	Entry
	Tag Tag `json:"-"`
}
