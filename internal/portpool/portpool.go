// Package portpool implements the blocking queue of local ports the factory
// draws from. It is process-wide state, so it is always passed in rather
// than reached for as a global — tests can substitute a fresh pool per case
// (spec §9).
package portpool

import (
	"context"
	"fmt"
)

// Pool is a blocking-dequeue, non-blocking-enqueue queue of port numbers.
type Pool struct {
	ports chan int
}

// New returns a pool pre-loaded with the given ports.
func New(ports []int) *Pool {
	ch := make(chan int, len(ports))
	for _, p := range ports {
		ch <- p
	}
	return &Pool{ports: ch}
}

// Acquire blocks until a port is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (int, error) {
	select {
	case port := <-p.ports:
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Release returns a port to the pool. It never blocks; a port released
// beyond the pool's original capacity is a programming error.
func (p *Pool) Release(port int) {
	select {
	case p.ports <- port:
	default:
		panic(fmt.Sprintf("portpool: released port %d beyond pool capacity", port))
	}
}

// Len reports how many ports are currently available, for tests asserting
// on pool-size invariants (spec §8, property 4).
func (p *Pool) Len() int {
	return len(p.ports)
}
