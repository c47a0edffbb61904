package sensor

import (
	"context"
	"sync"
)

// Publisher holds the current State and fans every transition out to its
// subscribers. Each subscriber sees the current state first, then every
// later state in publish order, without drops.
type Publisher struct {
	mu      sync.Mutex
	current State
	subs    map[*Subscription]struct{}
	closed  bool
}

// NewPublisher creates a publisher whose current state is Disconnected
func NewPublisher() *Publisher {
	return &Publisher{
		current: Disconnected{},
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish makes s the current state and queues it for every subscriber
func (p *Publisher) Publish(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.current = s
	for sub := range p.subs {
		sub.enqueue(s)
	}
}

// Current returns the latest published state
func (p *Publisher) Current() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe registers a subscriber. Its channel yields the current state
// immediately, then all subsequent transitions. The subscription ends when
// ctx is done, Unsubscribe is called or the publisher is closed.
func (p *Publisher) Subscribe(ctx context.Context) *Subscription {
	sub := &Subscription{
		pub:  p,
		wake: make(chan struct{}, 1),
		out:  make(chan State),
		done: make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sub.Unsubscribe()
		close(sub.out)
		return sub
	}
	sub.enqueue(p.current)
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	go sub.pump(ctx)
	return sub
}

// Subscribers returns the number of live subscriptions
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close ends every subscription; later publishes are ignored
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for sub := range p.subs {
		sub.Unsubscribe()
	}
}

func (p *Publisher) remove(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, sub)
}

// Subscription is one observer of a Publisher
type Subscription struct {
	pub *Publisher

	mu    sync.Mutex
	queue []State

	wake     chan struct{}
	out      chan State
	done     chan struct{}
	stopOnce sync.Once
}

// C returns the channel states are delivered on. It is closed when the
// subscription ends.
func (s *Subscription) C() <-chan State {
	return s.out
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) enqueue(st State) {
	s.mu.Lock()
	s.queue = append(s.queue, st)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued states to the unbuffered output channel one at a time
func (s *Subscription) pump(ctx context.Context) {
	defer close(s.out)
	defer s.pub.remove(s)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
