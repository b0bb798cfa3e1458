package guestbook

import (
	"sort"

	"github.com/samber/lo"
)

// Merge combines the three entry sources. Entries are deduplicated by Key
// with precedence server, then queued, then local; entries without an id get
// their timestamp as id. The result is newest first, ties broken by id.
func Merge(server, queued, local []Entry) []Tagged {
	all := make([]Tagged, 0, len(server)+len(queued)+len(local))
	all = append(all, tagAll(server, TagServer)...)
	all = append(all, tagAll(queued, TagQueued)...)
	all = append(all, tagAll(local, TagLocal)...)

	merged := lo.UniqBy(all, func(t Tagged) string { return t.ID })
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].T != merged[j].T {
			return merged[i].T > merged[j].T
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

func tagAll(entries []Entry, tag Tag) []Tagged {
	return lo.Map(entries, func(e Entry, _ int) Tagged {
		e.ID = e.Key()
		return Tagged{Entry: e, Tag: tag}
	})
}

// Untag strips provenance.
func Untag(tagged []Tagged) []Entry {
	return lo.Map(tagged, func(t Tagged, _ int) Entry { return t.Entry })
}

func without(entries []Entry, key string) []Entry {
	return lo.Reject(entries, func(e Entry, _ int) bool { return e.Key() == key })
}
