// Package state provides the journaled keyed stores the settlement engine
// keeps its entities in. Every mutation records an undo step so a failed
// operation can be rolled back to a savepoint, and every touched key is
// tracked so the committed change set can be handed to a persistence layer.
package state

// Change is one entity write produced by a committed transaction.
type Change struct {
	Table   string
	Key     string
	Value   any
	Deleted bool
}

// Mark is a savepoint inside the journal.
type Mark struct {
	undo  int
	dirty int
}

type dirtyRef struct {
	table string
	key   string
}

type dirtyEntry struct {
	ref     dirtyRef
	resolve func() (any, bool)
}

// Journal collects undo steps and dirty keys for the transaction in flight.
// It is not safe for concurrent use; the engine serialises all access.
type Journal struct {
	undo  []func()
	dirty []dirtyEntry
	seen  map[dirtyRef]int
}

// NewJournal returns an empty journal.
func NewJournal() *Journal {
	return &Journal{seen: make(map[dirtyRef]int)}
}

// Mark returns a savepoint that RollbackTo can return to.
func (j *Journal) Mark() Mark {
	return Mark{undo: len(j.undo), dirty: len(j.dirty)}
}

// RollbackTo undoes every mutation recorded after m, newest first.
func (j *Journal) RollbackTo(m Mark) {
	for i := len(j.undo) - 1; i >= m.undo; i-- {
		j.undo[i]()
	}
	j.undo = j.undo[:m.undo]
	for i := m.dirty; i < len(j.dirty); i++ {
		delete(j.seen, j.dirty[i].ref)
	}
	j.dirty = j.dirty[:m.dirty]
}

// Changes returns the current value of every key touched since the last
// commit, in first-touch order, without discarding the undo log.
func (j *Journal) Changes() []Change {
	changes := make([]Change, 0, len(j.dirty))
	for _, d := range j.dirty {
		v, ok := d.resolve()
		changes = append(changes, Change{
			Table:   d.ref.table,
			Key:     d.ref.key,
			Value:   v,
			Deleted: !ok,
		})
	}
	return changes
}

// Commit discards the undo log and returns the final value of every key
// touched since the last commit.
func (j *Journal) Commit() []Change {
	changes := j.Changes()
	j.undo = j.undo[:0]
	j.dirty = j.dirty[:0]
	clear(j.seen)
	return changes
}

// Discard rolls back everything since the last commit.
func (j *Journal) Discard() {
	j.RollbackTo(Mark{})
}

// Pending reports whether there are uncommitted mutations.
func (j *Journal) Pending() bool {
	return len(j.undo) > 0
}

func (j *Journal) record(undo func()) {
	j.undo = append(j.undo, undo)
}

func (j *Journal) touch(table, key string, resolve func() (any, bool)) {
	ref := dirtyRef{table: table, key: key}
	if _, ok := j.seen[ref]; ok {
		return
	}
	j.seen[ref] = len(j.dirty)
	j.dirty = append(j.dirty, dirtyEntry{ref: ref, resolve: resolve})
}
