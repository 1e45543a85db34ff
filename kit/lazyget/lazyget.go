// Package lazyget computes a value on first use and caches it together with
// its error.
package lazyget

import "sync"

type Value[T any] struct {
	once sync.Once
	val  T
	err  error
}

// Get runs init on the first call only. Every call returns its result.
func (v *Value[T]) Get(init func() (T, error)) (T, error) {
	v.once.Do(func() { v.val, v.err = init() })
	return v.val, v.err
}

// New returns a getter that runs fn once.
func New[T any](fn func() (T, error)) func() (T, error) {
	var v Value[T]
	return func() (T, error) { return v.Get(fn) }
}
