package window

// Ring keeps the most recent values up to a fixed capacity.
type Ring[T any] struct {
	items []T
	next  int
	full  bool
}

// NewRing allocates a ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, overwriting the oldest value once full.
func (r *Ring[T]) Push(v T) {
	r.items[r.next] = v
	r.next++
	if r.next == len(r.items) {
		r.next = 0
		r.full = true
	}
}

// Len returns the number of stored values.
func (r *Ring[T]) Len() int {
	if r.full {
		return len(r.items)
	}
	return r.next
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Values returns the stored values oldest first.
func (r *Ring[T]) Values() []T {
	out := make([]T, 0, r.Len())
	if r.full {
		out = append(out, r.items[r.next:]...)
	}
	return append(out, r.items[:r.next]...)
}

// Last returns the most recently pushed value.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.Len() == 0 {
		return zero, false
	}
	idx := r.next - 1
	if idx < 0 {
		idx = len(r.items) - 1
	}
	return r.items[idx], true
}

// IDSet remembers the most recent ids up to a fixed capacity.
type IDSet struct {
	order *Ring[string]
	set   map[string]struct{}
}

// NewIDSet allocates an id set holding at most capacity ids.
func NewIDSet(capacity int) *IDSet {
	order := NewRing[string](capacity)
	return &IDSet{order: order, set: make(map[string]struct{}, order.Cap())}
}

// Seen records id and reports whether it was already present.
func (s *IDSet) Seen(id string) bool {
	if _, ok := s.set[id]; ok {
		return true
	}
	if s.order.Len() == s.order.Cap() {
		evicted := s.order.items[s.order.next]
		delete(s.set, evicted)
	}
	s.order.Push(id)
	s.set[id] = struct{}{}
	return false
}

// Len returns the number of remembered ids.
func (s *IDSet) Len() int {
	return len(s.set)
}
