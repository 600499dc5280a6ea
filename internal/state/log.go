package state

// Log is a journaled append-only list. Entries appended after a savepoint
// disappear when the journal rolls back past it. The engine buffers the
// events and archived records of the open transaction in logs.
type Log[T any] struct {
	j     *Journal
	items []T
}

// NewLog creates an empty log registered against journal j.
func NewLog[T any](j *Journal) *Log[T] {
	return &Log[T]{j: j}
}

// Append adds v to the end of the log.
func (l *Log[T]) Append(v T) {
	n := len(l.items)
	l.items = append(l.items, v)
	l.j.record(func() { l.items = l.items[:n] })
}

// Len returns the number of entries.
func (l *Log[T]) Len() int {
	return len(l.items)
}

// Items returns a copy of the entries.
func (l *Log[T]) Items() []T {
	return append([]T(nil), l.items...)
}

// Update calls fn on every entry from index from onwards. It is not
// journaled: it is meant for finalising entries of a completed operation.
func (l *Log[T]) Update(from int, fn func(*T)) {
	for i := from; i < len(l.items); i++ {
		fn(&l.items[i])
	}
}

// Reset empties the log without journaling. Call it after the journal is
// committed or discarded.
func (l *Log[T]) Reset() {
	l.items = l.items[:0]
}
