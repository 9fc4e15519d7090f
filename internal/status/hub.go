// Package status tracks run progress and serves it over HTTP.
package status

import (
	"sync"
	"time"

	"github.com/jeffypooo/fleetmon/internal/inventory"
	"github.com/jeffypooo/fleetmon/internal/metrics"
	"github.com/jeffypooo/fleetmon/internal/processor"
)

type State string

const (
	StatePending    State = "pending"
	StateMonitoring State = "monitoring"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

type MachineStatus struct {
	Address   string          `json:"address"`
	Name      string          `json:"name,omitempty"`
	State     State           `json:"state"`
	Samples   int             `json:"samples"`
	Last      *metrics.Sample `json:"last,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Event struct {
	Address string         `json:"address"`
	Sample  metrics.Sample `json:"sample"`
}

// subscriberBuffer is how many events a slow subscriber may fall behind
// before events are dropped for it.
const subscriberBuffer = 32

// Hub implements processor.Observer. It is safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	order    []string
	machines map[string]*MachineStatus
	subs     map[chan Event]struct{}
	now      func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		machines: make(map[string]*MachineStatus),
		subs:     make(map[chan Event]struct{}),
		now:      time.Now,
	}
}

// Track registers every machine of the table as pending.
func (h *Hub) Track(t *inventory.Table) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range t.Machines {
		h.entry(m.Address)
	}
}

func (h *Hub) entry(addr string) *MachineStatus {
	ms, ok := h.machines[addr]
	if !ok {
		ms = &MachineStatus{Address: addr, State: StatePending, UpdatedAt: h.now()}
		h.machines[addr] = ms
		h.order = append(h.order, addr)
	}
	return ms
}

func (h *Hub) MachineStarted(m *inventory.Machine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := h.entry(m.Address)
	ms.State = StateMonitoring
	ms.Samples = 0
	ms.Last = nil
	ms.Error = ""
	ms.UpdatedAt = h.now()
}

func (h *Hub) SampleDrained(addr string, s metrics.Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := h.entry(addr)
	if !s.IsAverage() {
		ms.Samples++
	}
	last := s
	ms.Last = &last
	ms.UpdatedAt = h.now()

	ev := Event{Address: addr, Sample: s}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) MachineFinished(r processor.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := h.entry(r.Address)
	ms.Name = r.Name
	ms.State = StateDone
	if r.Err != nil {
		ms.State = StateFailed
		ms.Error = r.Err.Error()
	}
	ms.UpdatedAt = h.now()
}

// Snapshot returns the machines in table order.
func (h *Hub) Snapshot() []MachineStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]MachineStatus, 0, len(h.order))
	for _, addr := range h.order {
		ms := *h.machines[addr]
		if ms.Last != nil {
			last := *ms.Last
			ms.Last = &last
		}
		out = append(out, ms)
	}
	return out
}

// Subscribe returns a stream of drained samples and a func that ends it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}
