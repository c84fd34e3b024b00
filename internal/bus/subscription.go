package bus

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blues/internal/groutine"
)

// subscription pumps raw godbus signals through a decoder into a typed channel.
//
// godbus hands every signal to every registered channel, so each subscription
// owns its raw channel and filters on its own. The pump always keeps reading
// raw: decoded values the consumer has not taken yet wait in a backlog, so
// godbus never has to park a signal in a goroutine of its own and order is
// kept. Nothing is dropped. When merge is set, a new value is folded into the
// newest backlog entry instead of being appended.
type subscription[T any] struct {
	id     string
	name   string
	raw    chan *dbus.Signal
	out    chan T
	merge  func(older, newer T) T
	done   chan struct{}
	pumped <-chan struct{}
	once   sync.Once
	detach func()
	logger *logrus.Logger
}

func newSubscription[T any](name string, capacity int, merge func(older, newer T) T, logger *logrus.Logger) *subscription[T] {
	return &subscription[T]{
		id:     xid.New().String(),
		name:   name,
		raw:    make(chan *dbus.Signal, rawSignalQueue),
		out:    make(chan T, capacity),
		merge:  merge,
		done:   make(chan struct{}),
		detach: func() {},
		logger: logger,
	}
}

func (s *subscription[T]) C() <-chan T {
	return s.out
}

// Close stops the pump and detaches from the bus. C is closed once Close
// returns. Safe to call more than once.
func (s *subscription[T]) Close() {
	s.once.Do(func() {
		close(s.done)
		s.detach()
		if s.pumped != nil {
			<-s.pumped
		}
	})
}

func (s *subscription[T]) start(ctx context.Context, decode func(*dbus.Signal) (T, bool)) {
	s.pumped = groutine.Go(context.WithoutCancel(ctx), "bus-pump:"+s.name, func(ctx context.Context) {
		s.pump(ctx, decode)
	})
}

func (s *subscription[T]) pump(ctx context.Context, decode func(*dbus.Signal) (T, bool)) {
	defer close(s.out)

	var backlog []T
	for {
		// A nil channel disables the send case while the backlog is empty.
		var out chan<- T
		var next T
		if len(backlog) > 0 {
			out = s.out
			next = backlog[0]
		}

		select {
		case <-s.done:
			return
		case sig, ok := <-s.raw:
			if !ok {
				s.logger.WithField("goroutine", groutine.Name(ctx)).Debug("Signal channel closed by bus")
				s.flush(backlog)
				return
			}
			v, ok := decode(sig)
			if !ok {
				continue
			}
			backlog = s.enqueue(backlog, v)
		case out <- next:
			var zero T
			backlog[0] = zero
			backlog = backlog[1:]
		}
	}
}

func (s *subscription[T]) enqueue(backlog []T, v T) []T {
	if s.merge != nil && len(backlog) > 0 {
		last := len(backlog) - 1
		backlog[last] = s.merge(backlog[last], v)
		return backlog
	}
	backlog = append(backlog, v)
	if len(backlog) == backlogWarn {
		s.logger.WithFields(logrus.Fields{
			"subscription": s.name,
			"backlog":      len(backlog),
		}).Warn("Consumer lagging behind bus signals")
	}
	return backlog
}

// flush hands the remaining backlog to the consumer after the bus went away.
func (s *subscription[T]) flush(backlog []T) {
	for _, v := range backlog {
		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
