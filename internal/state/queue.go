package state

import (
	"cmp"
	"slices"
)

// QueueEntry is one scheduled item: a key due at a unix-nanosecond instant.
type QueueEntry[K cmp.Ordered] struct {
	At  int64
	Key K
}

// Queue is a journaled set of entries ordered by (At, Key). The engine uses
// it for escrow expirations and the archival backlog; it is derived state and
// is rebuilt from entities on restore rather than persisted.
type Queue[K cmp.Ordered] struct {
	j       *Journal
	entries []QueueEntry[K]
}

// NewQueue creates an empty queue registered against journal j.
func NewQueue[K cmp.Ordered](j *Journal) *Queue[K] {
	return &Queue[K]{j: j}
}

func compareEntries[K cmp.Ordered](a, b QueueEntry[K]) int {
	if c := cmp.Compare(a.At, b.At); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}

// Insert adds e. Inserting an entry that is already present is a no-op.
func (q *Queue[K]) Insert(e QueueEntry[K]) {
	i, found := slices.BinarySearchFunc(q.entries, e, compareEntries[K])
	if found {
		return
	}
	q.entries = slices.Insert(q.entries, i, e)
	q.j.record(func() { q.remove(e) })
}

// Remove deletes e if present.
func (q *Queue[K]) Remove(e QueueEntry[K]) {
	if q.remove(e) {
		q.j.record(func() { q.insertRaw(e) })
	}
}

// Due returns up to limit entries with At <= now, oldest first.
func (q *Queue[K]) Due(now int64, limit int) []QueueEntry[K] {
	var out []QueueEntry[K]
	for _, e := range q.entries {
		if e.At > now || len(out) >= limit {
			break
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of queued entries.
func (q *Queue[K]) Len() int {
	return len(q.entries)
}

// Reset drops every entry without journaling. Used before a restore.
func (q *Queue[K]) Reset() {
	q.entries = nil
}

// Seed adds an entry without journaling. Used while rebuilding after a restore.
func (q *Queue[K]) Seed(e QueueEntry[K]) {
	q.insertRaw(e)
}

func (q *Queue[K]) remove(e QueueEntry[K]) bool {
	i, found := slices.BinarySearchFunc(q.entries, e, compareEntries[K])
	if !found {
		return false
	}
	q.entries = slices.Delete(q.entries, i, i+1)
	return true
}

func (q *Queue[K]) insertRaw(e QueueEntry[K]) {
	i, found := slices.BinarySearchFunc(q.entries, e, compareEntries[K])
	if found {
		return
	}
	q.entries = slices.Insert(q.entries, i, e)
}
