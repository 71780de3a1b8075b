package pool

import "sync"

// Handle is an exclusive lease on one pooled resource. Release returns the
// resource to its pool; call it exactly once, typically via defer. Further
// calls are no-ops.
type Handle[R any] struct {
	pool  *Pool[R]
	value R
	once  sync.Once
}

func (h *Handle[R]) Value() R {
	return h.value
}

func (h *Handle[R]) Release() {
	if h == nil {
		return
	}

	h.once.Do(func() {
		r := h.value
		var zero R
		h.value = zero
		h.pool.release(r)
	})
}
