package bluez

import (
	"context"

	"github.com/srg/blues/internal/bus"
)

// Changes turns one device's PropertiesChanged signals into a sequence of
// property names restricted to an interest set.
//
// A single signal may name several properties; they are queued and handed out
// one per Wait call before the next signal is read. Changes is not safe for
// concurrent use.
type Changes struct {
	sub      bus.PropertySubscription
	interest [len(propertyKeys)]bool
	pending  []PropertyName
	err      error
}

func newChanges(sub bus.PropertySubscription, interest []PropertyName) *Changes {
	c := &Changes{sub: sub}
	for _, p := range interest {
		if p >= 0 && int(p) < len(c.interest) {
			c.interest[p] = true
		}
	}
	return c
}

// Wait blocks until an interesting property has changed and returns its name.
//
// Once the underlying subscription ends, Wait returns ErrChangeStreamEnded on
// this and every later call. If ctx ends first nothing is consumed.
func (c *Changes) Wait(ctx context.Context) (PropertyName, error) {
	for {
		if p, ok := c.pop(); ok {
			return p, nil
		}
		if c.err != nil {
			return 0, c.err
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case batch, ok := <-c.sub.C():
			if !ok {
				c.terminate()
				continue
			}
			c.absorb(batch)
		}
	}
}

// Close ends the underlying subscription.
func (c *Changes) Close() {
	c.sub.Close()
}

// ready reports whether Wait would return without receiving.
func (c *Changes) ready() bool {
	return len(c.pending) > 0
}

func (c *Changes) ended() bool {
	return c.err != nil
}

func (c *Changes) pop() (PropertyName, bool) {
	n := len(c.pending)
	if n == 0 {
		return 0, false
	}
	p := c.pending[n-1]
	c.pending = c.pending[:n-1]
	return p, true
}

// absorb queues the interesting names of one batch, each at most once.
func (c *Changes) absorb(batch bus.PropertiesChanged) {
	var seen [len(propertyKeys)]bool
	queue := func(key string) {
		p, ok := parsePropertyName(key)
		if !ok || !c.interest[p] || seen[p] {
			return
		}
		seen[p] = true
		c.pending = append(c.pending, p)
	}

	for key := range batch.Changed {
		queue(key)
	}
	for _, key := range batch.Invalidated {
		queue(key)
	}
}

func (c *Changes) terminate() {
	if c.err == nil {
		c.err = ErrChangeStreamEnded
	}
}
