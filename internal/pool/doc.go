// Package pool provides a bounded, goroutine-safe pool of reusable
// resources built on demand by a caller-supplied factory.
//
// It is used for resources that are expensive to construct, such as a
// connection backed by an ssh subprocess that has already completed its
// protocol handshake:
//
//	p := pool.New(factory, pool.WithMax[*serve.Conn](4))
//	defer p.Close()
//
//	h, err := p.Acquire()
//	if err != nil {
//	    return err
//	}
//	defer h.Release()
//	conn := h.Value()
//
// # Semantics
//
// Acquire blocks while there is no idle resource and the number of leased
// resources has reached the maximum. It never times out and cannot be
// cancelled. Idle resources are reused most-recently-released first so the
// warmest resource is handed out. When no idle resource exists and there
// is spare capacity, a slot is reserved and the factory runs without the
// pool lock held, so one slow construction does not stall unrelated
// Acquire or Release calls.
//
// A factory failure frees the reserved slot and wakes one waiter.
//
// The pool guarantees exclusivity of a leased resource, not the
// resource's own goroutine safety: a Handle must be used by one goroutine
// at a time.
//
// Close requires that no Handle is outstanding and panics otherwise.
package pool
