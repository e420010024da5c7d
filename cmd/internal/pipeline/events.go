package pipeline

import "sync"

// Event is a coarse progress update emitted while a job moves through the
// pipeline stages.
type Event struct {
	JobID      string  `json:"job_id"`
	Stage      string  `json:"stage"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message,omitempty"`
	ETALabel   string  `json:"eta_label,omitempty"`
}

// Publisher fans events out to subscribers. Publishing never blocks: a
// subscriber that stops draining its channel loses events instead of stalling
// the pipeline.
type Publisher struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewPublisher creates an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered event channel and returns it with an
// unsubscribe function. The channel is closed on unsubscribe.
func (p *Publisher) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = ch
	p.mu.Unlock()

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
	}
}

// Publish delivers the event to every subscriber with room in its buffer.
func (p *Publisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
