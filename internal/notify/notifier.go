// Package notify is the in-process event channel for invite lifecycle events.
// It is deliberately a last-value holder plus a subscriber list rather than a
// generic event library: the invite-detected topic replays its last value to
// new subscribers until explicitly cleared, and delivery is synchronous so
// emit order is observation order.
package notify

import "sync"

// InviteDetected is published when an invite lands (deep link, push).
type InviteDetected struct {
	InviteID string
	EVC      string
}

// InviteAccepted carries the newly joined account.
type InviteAccepted struct {
	AccountID   string
	AccountName string
}

type Notifier struct {
	mu sync.Mutex

	lastDetected   *InviteDetected
	detectedSubs   map[int]func(InviteDetected)
	acceptedSubs   map[int]func(InviteAccepted)
	settledSubs    map[int]func()
	nextSubscriber int
}

func New() *Notifier {
	return &Notifier{
		detectedSubs: make(map[int]func(InviteDetected)),
		acceptedSubs: make(map[int]func(InviteAccepted)),
		settledSubs:  make(map[int]func()),
	}
}

// SubscribeDetected registers fn and immediately replays the last detected
// invite, if one is held. Returns an unsubscribe func.
func (n *Notifier) SubscribeDetected(fn func(InviteDetected)) func() {
	n.mu.Lock()
	id := n.nextSubscriber
	n.nextSubscriber++
	n.detectedSubs[id] = fn
	last := n.lastDetected
	n.mu.Unlock()

	if last != nil {
		fn(*last)
	}
	return func() {
		n.mu.Lock()
		delete(n.detectedSubs, id)
		n.mu.Unlock()
	}
}

func (n *Notifier) SubscribeAccepted(fn func(InviteAccepted)) func() {
	n.mu.Lock()
	id := n.nextSubscriber
	n.nextSubscriber++
	n.acceptedSubs[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.acceptedSubs, id)
		n.mu.Unlock()
	}
}

func (n *Notifier) SubscribeSettled(fn func()) func() {
	n.mu.Lock()
	id := n.nextSubscriber
	n.nextSubscriber++
	n.settledSubs[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.settledSubs, id)
		n.mu.Unlock()
	}
}

// EmitDetected holds event for replay and fans it out.
func (n *Notifier) EmitDetected(event InviteDetected) {
	n.mu.Lock()
	n.lastDetected = &event
	subs := make([]func(InviteDetected), 0, len(n.detectedSubs))
	for _, fn := range n.detectedSubs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}

// ClearDetected drops the held invite so late subscribers no longer see it.
func (n *Notifier) ClearDetected() {
	n.mu.Lock()
	n.lastDetected = nil
	n.mu.Unlock()
}

func (n *Notifier) EmitAccepted(event InviteAccepted) {
	n.mu.Lock()
	subs := make([]func(InviteAccepted), 0, len(n.acceptedSubs))
	for _, fn := range n.acceptedSubs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}

func (n *Notifier) EmitSettled() {
	n.mu.Lock()
	subs := make([]func(), 0, len(n.settledSubs))
	for _, fn := range n.settledSubs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}
