package guestbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/razvandimescu/treesnap/internal/state"
	"go.uber.org/zap"
)

// Book is the client side of the guestbook. Submissions land in the local
// cache first; failed deliveries wait in the outbound queue until Drain
// delivers them.
type Book struct {
	Remote  Remote
	Prefs   *state.Prefs
	Backoff Backoff
	Logger  *zap.Logger
	Now     func() time.Time
	// IdlePoll is how long Drain waits before rechecking an empty queue.
	IdlePoll time.Duration

	// mu serializes read-modify-write of the stored lists within this
	// process. Another process sharing the store still races.
	mu   sync.Mutex
	kick chan struct{}
}

func NewBook(remote Remote, prefs *state.Prefs, log *zap.Logger) *Book {
	if log == nil {
		log = zap.NewNop()
	}
	return &Book{
		Remote:   remote,
		Prefs:    prefs,
		Backoff:  DefaultBackoff(),
		Logger:   log,
		Now:      time.Now,
		IdlePoll: DefaultIdlePoll,
		kick:     make(chan struct{}, 1),
	}
}

// DefaultIdlePoll is Drain's recheck interval for an empty queue.
const DefaultIdlePoll = 5 * time.Second

func (b *Book) idlePoll() time.Duration {
	if b.IdlePoll <= 0 {
		return DefaultIdlePoll
	}
	return b.IdlePoll
}

func (b *Book) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

func (b *Book) load(key string) []Entry {
	var entries []Entry
	if err := state.GetJSON(b.Prefs.Store, key, &entries); err != nil {
		b.Logger.Warn("ignoring unreadable guestbook list", zap.String("key", key), zap.Error(err))
		return nil
	}
	return entries
}

func (b *Book) save(key string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	return state.SetJSON(b.Prefs.Store, key, entries)
}

// Local returns the local cache.
func (b *Book) Local() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(state.KeyGuestbookLocal)
}

// Queue returns the undelivered entries in delivery order.
func (b *Book) Queue() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(state.KeyGuestbookQueue)
}

// Submit stores a new entry locally and makes one delivery attempt. A failed
// attempt is not an error: the entry is queued and delivered reports false.
func (b *Book) Submit(ctx context.Context, name, msg string) (e Entry, delivered bool, err error) {
	now := b.now()
	e, err = Normalize(Entry{ID: NewID(), Name: name, Msg: msg, T: now.UnixMilli()}, now)
	if err != nil {
		return e, false, err
	}

	b.mu.Lock()
	err = b.save(state.KeyGuestbookLocal, append(b.load(state.KeyGuestbookLocal), e))
	b.mu.Unlock()
	if err != nil {
		return e, false, fmt.Errorf("store entry: %w", err)
	}

	if sendErr := b.Remote.Send(ctx, e); sendErr != nil {
		b.Logger.Info("guestbook send failed, queued for retry", zap.String("id", e.ID), zap.Error(sendErr))
		b.mu.Lock()
		err = b.save(state.KeyGuestbookQueue, append(b.load(state.KeyGuestbookQueue), e))
		b.mu.Unlock()
		if err != nil {
			return e, false, fmt.Errorf("queue entry: %w", err)
		}
		b.Kick()
		return e, false, nil
	}
	b.markSynced()
	return e, true, nil
}

func (b *Book) markSynced() {
	if err := b.Prefs.SetLastSync(b.now()); err != nil {
		b.Logger.Warn("cannot record last sync", zap.Error(err))
	}
}

// DrainOnce tries to deliver the queue head. It returns how many entries are
// still queued; a non-nil error means the head stays queued.
func (b *Book) DrainOnce(ctx context.Context) (int, error) {
	b.mu.Lock()
	queue := b.load(state.KeyGuestbookQueue)
	b.mu.Unlock()
	if len(queue) == 0 {
		return 0, nil
	}

	head := queue[0]
	if err := b.Remote.Send(ctx, head); err != nil {
		return len(queue), err
	}

	// Reload: Submit may have appended while the send was in flight.
	b.mu.Lock()
	defer b.mu.Unlock()
	queue = without(b.load(state.KeyGuestbookQueue), head.Key())
	if err := b.save(state.KeyGuestbookQueue, queue); err != nil {
		return len(queue) + 1, fmt.Errorf("update queue: %w", err)
	}
	b.markSynced()
	b.Logger.Debug("guestbook entry delivered", zap.String("id", head.ID), zap.Int("remaining", len(queue)))
	return len(queue), nil
}

// Kick wakes the drain loop so it retries immediately.
func (b *Book) Kick() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Drain delivers queued entries until ctx is done. After a delivery it waits
// SuccessDelay and resets the backoff to Floor; after a failure it grows the
// backoff and waits that long. With nothing queued it checks again after
// IdlePoll, since another process sharing the store may queue entries, or
// sooner on Kick.
func (b *Book) Drain(ctx context.Context) error {
	delay := b.Backoff.Floor
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.kick:
			delay = b.Backoff.Floor
		case <-timer.C:
		}

		remaining, err := b.DrainOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var wait time.Duration
		switch {
		case err != nil:
			delay = b.Backoff.Next(delay)
			wait = delay
			b.Logger.Debug("guestbook delivery failed", zap.Duration("retry_in", wait), zap.Error(err))
		case remaining == 0:
			delay = b.Backoff.Floor
			wait = b.idlePoll()
		default:
			delay = b.Backoff.Floor
			wait = b.Backoff.SuccessDelay
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// Delete removes an entry everywhere. The remote delete falls back to
// fetching the list, filtering it and uploading the result; that overwrite
// can undo a concurrent delete from another client. The local copies are
// removed even when the remote update fails.
func (b *Book) Delete(ctx context.Context, id string) error {
	remoteErr := b.Remote.Delete(ctx, id)
	if remoteErr != nil {
		b.Logger.Info("remote delete failed, replacing list", zap.String("id", id), zap.Error(remoteErr))
		remoteErr = b.replaceWithout(ctx, id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.save(state.KeyGuestbookLocal, without(b.load(state.KeyGuestbookLocal), id)); err != nil {
		return fmt.Errorf("update local cache: %w", err)
	}
	if err := b.save(state.KeyGuestbookQueue, without(b.load(state.KeyGuestbookQueue), id)); err != nil {
		return fmt.Errorf("update queue: %w", err)
	}
	if remoteErr != nil {
		return fmt.Errorf("remote delete: %w", remoteErr)
	}
	return nil
}

func (b *Book) replaceWithout(ctx context.Context, id string) error {
	list, err := b.Remote.List(ctx)
	if err != nil {
		// Uploading a filtered empty list would wipe the server.
		return err
	}
	return b.Remote.Replace(ctx, without(list, id))
}

// Entries merges the remote list, the queue and the local cache. An
// unreachable remote contributes nothing.
func (b *Book) Entries(ctx context.Context) []Tagged {
	remote, err := b.Remote.List(ctx)
	if err != nil {
		b.Logger.Debug("guestbook list unavailable", zap.Error(err))
		remote = nil
	}
	b.mu.Lock()
	queue := b.load(state.KeyGuestbookQueue)
	local := b.load(state.KeyGuestbookLocal)
	b.mu.Unlock()
	return Merge(remote, queue, local)
}
