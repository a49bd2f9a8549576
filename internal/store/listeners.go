package store

// listeners keeps callbacks in registration order. It is not safe for
// concurrent use; callers guard it with the owning store's mutex.
type listeners[F any] struct {
	next    int
	entries []listener[F]
}

type listener[F any] struct {
	id int
	fn F
}

func (l *listeners[F]) add(fn F) int {
	l.next++
	l.entries = append(l.entries, listener[F]{id: l.next, fn: fn})
	return l.next
}

func (l *listeners[F]) remove(id int) {
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *listeners[F]) len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// snapshot copies the callbacks so they can be invoked after the lock is
// released.
func (l *listeners[F]) snapshot() []F {
	if l == nil || len(l.entries) == 0 {
		return nil
	}
	out := make([]F, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.fn
	}
	return out
}
