package utils

import "sync"

// Lazy is a single-assignment cell: the first Get runs fn, every later Get
// returns the stored result. Safe for concurrent use.
type Lazy[T any] struct {
	once sync.Once
	fn   func() (T, error)
	val  T
	err  error
}

// NewLazy wraps fn.
func NewLazy[T any](fn func() (T, error)) *Lazy[T] {
	return &Lazy[T]{fn: fn}
}

// Get returns the memoized result of fn.
func (l *Lazy[T]) Get() (T, error) {
	l.once.Do(func() {
		l.val, l.err = l.fn()
		l.fn = nil
	})
	return l.val, l.err
}
