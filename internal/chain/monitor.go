package chain

import "sync"

// MonitorRegistry ties deposit subscriptions to the orders that own them, so
// the orchestrator can cancel a watch the moment its order reaches a terminal
// state. Registering a second watch for the same order cancels the first.
type MonitorRegistry struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewMonitorRegistry() *MonitorRegistry {
	return &MonitorRegistry{subs: make(map[string]*Subscription)}
}

func (r *MonitorRegistry) Register(orderID string, sub *Subscription) {
	r.mu.Lock()
	prev := r.subs[orderID]
	r.subs[orderID] = sub
	r.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
}

func (r *MonitorRegistry) Cancel(orderID string) {
	r.mu.Lock()
	sub := r.subs[orderID]
	delete(r.subs, orderID)
	r.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

func (r *MonitorRegistry) CancelAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}
