package submit

import (
	"errors"
	"sync"
)

// ErrNonceReuse means a nonce source handed out a value at or below one
// already used. Submitting it could replay or shadow an earlier request.
var ErrNonceReuse = errors.New("nonce reuse")

// NonceSource assigns strictly increasing nonces for one account. Gaps are
// allowed.
type NonceSource interface {
	Next() (uint64, error)
}

// Counter is an in-memory NonceSource.
type Counter struct {
	mu   sync.Mutex
	last uint64
}

// NewCounter starts after last, so the first nonce is last+1.
func NewCounter(last uint64) *Counter {
	return &Counter{last: last}
}

func (c *Counter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last++
	return c.last, nil
}

// Last returns the most recently issued nonce.
func (c *Counter) Last() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
