// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"time"
)

type Policy struct {
	Attempts int
	BaseWait time.Duration
	Factor   int
}

// Default matches the ledger write path: three attempts, waits of 2s then 4s.
var Default = Policy{Attempts: 3, BaseWait: 2 * time.Second, Factor: 2}

// Do runs fn until it succeeds, attempts are exhausted, or ctx is done. The
// last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.BaseWait
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		if p.Factor > 1 {
			wait *= time.Duration(p.Factor)
		}
	}
	return err
}
