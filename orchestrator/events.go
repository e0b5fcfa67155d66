package orchestrator

import (
	"sync"

	"github.com/m4xw311/arbor/agent"
)

// Callbacks receive agent changes. Any field may be nil. They run on the
// goroutine that made the change and must not block.
type Callbacks struct {
	OnCreated func(snap agent.Snapshot)
	OnRemoved func(agentID string)
	OnStatus  func(agentID string, status agent.Status, errText string)
	OnStep    func(agentID string, step agent.Step, updated bool)
	OnMessage func(agentID string, msg agent.Message, updated bool)
}

type hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]Callbacks
}

func newHub() *hub {
	return &hub{subs: make(map[int]Callbacks)}
}

// Subscribe registers cb and returns a function that removes it.
func (o *Orchestrator) Subscribe(cb Callbacks) (cancel func()) {
	h := o.events
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = cb
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *hub) each(fn func(Callbacks)) {
	h.mu.RLock()
	subs := make([]Callbacks, 0, len(h.subs))
	for _, cb := range h.subs {
		subs = append(subs, cb)
	}
	h.mu.RUnlock()
	for _, cb := range subs {
		fn(cb)
	}
}

func (h *hub) publish(e agent.Event) {
	h.each(func(cb Callbacks) {
		switch e.Kind {
		case agent.EventStatus:
			if cb.OnStatus != nil {
				cb.OnStatus(e.AgentID, e.Status, e.Error)
			}
		case agent.EventStep:
			if cb.OnStep != nil && e.Step != nil {
				cb.OnStep(e.AgentID, *e.Step, e.Updated)
			}
		case agent.EventMessage:
			if cb.OnMessage != nil && e.Message != nil {
				cb.OnMessage(e.AgentID, *e.Message, e.Updated)
			}
		}
	})
}

func (h *hub) created(snap agent.Snapshot) {
	h.each(func(cb Callbacks) {
		if cb.OnCreated != nil {
			cb.OnCreated(snap)
		}
	})
}

func (h *hub) removed(id string) {
	h.each(func(cb Callbacks) {
		if cb.OnRemoved != nil {
			cb.OnRemoved(id)
		}
	})
}
