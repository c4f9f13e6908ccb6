// Package repository caches one live automation object per RTID so repeated
// lookups return the identical instance and listeners stay attached.
package repository

import (
	"reflect"
	"sync"

	"tabdriver/internal/logging"
	"tabdriver/internal/rtid"
)

// Disposer is implemented by objects that hold resources (event
// subscriptions) to release when evicted.
type Disposer interface {
	Dispose()
}

// Objects of different Go types may share an RTID (a page and its mouse),
// so the cache key includes the type.
type key struct {
	id rtid.RTID
	t  reflect.Type
}

// Repository is safe for concurrent use.
type Repository struct {
	mu      sync.Mutex
	objects map[key]any
}

func New() *Repository {
	return &Repository{objects: make(map[key]any)}
}

// Get returns the cached T for id, building and caching it on first use.
// build runs under the repository lock, so a concurrent Clear cannot slip
// between the lookup and the insert. build must not call back into the
// repository.
func Get[T any](r *Repository, id rtid.RTID, build func(rtid.RTID) T) T {
	k := key{id: id, t: reflect.TypeFor[T]()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if obj, ok := r.objects[k]; ok {
		return obj.(T)
	}
	obj := build(id)
	r.objects[k] = obj
	logging.Get(logging.CategoryRepository).Debug("cached %s %s", k.t, id)
	return obj
}

// Lookup returns the cached T for id without building one.
func Lookup[T any](r *Repository, id rtid.RTID) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[key{id: id, t: reflect.TypeFor[T]()}]
	if !ok {
		var zero T
		return zero, false
	}
	return obj.(T), true
}

// Clear drops every cached object.
func (r *Repository) Clear() {
	r.mu.Lock()
	old := r.objects
	r.objects = make(map[key]any)
	r.mu.Unlock()

	dispose(old)
	logging.Get(logging.CategoryRepository).Debug("cleared %d objects", len(old))
}

// Evict drops every object whose RTID lies within scope, such as everything
// under a closed tab, and returns how many were dropped.
func (r *Repository) Evict(scope rtid.RTID) int {
	r.mu.Lock()
	gone := make(map[key]any)
	for k, obj := range r.objects {
		if scope.Contains(k.id) {
			gone[k] = obj
			delete(r.objects, k)
		}
	}
	r.mu.Unlock()

	dispose(gone)
	if len(gone) > 0 {
		logging.Get(logging.CategoryRepository).Debug("evicted %d objects under %s", len(gone), scope)
	}
	return len(gone)
}

// Len returns the number of cached objects.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

func dispose(objs map[key]any) {
	for _, obj := range objs {
		if d, ok := obj.(Disposer); ok {
			d.Dispose()
		}
	}
}
