package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Config defines settings for the Proxy Pool.
type Config struct {
	// MaxFailures is the number of consecutive proxy failures after which a
	// record is marked Dead for the lifetime of the pool.
	MaxFailures int
	// Now is the clock used for LastUsedAt and LastValidatedAt. Defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	rec      Record // rec.Status never holds StatusReserved; see reserved
	reserved bool
}

func (e *entry) snapshot() Record {
	r := e.rec
	r.Stats = e.rec.Stats.clone()
	if e.reserved {
		r.Status = StatusReserved
	}
	return r
}

// Pool owns a set of proxy records and hands them out one request at a time.
// Every read and write of record state happens under mu, so selecting a
// record and reserving it is a single indivisible step.
type Pool struct {
	mu          sync.Mutex
	entries     []*entry
	index       map[string]*entry
	maxFailures int
	now         func() time.Time

	// released is closed and replaced whenever a reservation ends or a
	// record is revalidated, waking Acquire callers.
	released chan struct{}
}

// Counts summarises the pool by status.
type Counts struct {
	Total    int
	Untested int
	Working  int
	Dead     int
	Reserved int
}

// NewPool creates an empty pool. If config values are zero, reasonable defaults are used.
func NewPool(cfg Config) *Pool {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{
		index:       make(map[string]*entry),
		maxFailures: cfg.MaxFailures,
		now:         cfg.Now,
		released:    make(chan struct{}),
	}
}

// MaxFailures returns the configured death threshold.
func (p *Pool) MaxFailures() int {
	return p.maxFailures
}

// Load replaces the pool contents with fresh Untested records. It fails
// without modifying the pool if two endpoints share a key.
func (p *Pool) Load(endpoints []Endpoint) error {
	entries := make([]*entry, 0, len(endpoints))
	index := make(map[string]*entry, len(endpoints))
	for _, ep := range endpoints {
		key := ep.Key()
		if _, dup := index[key]; dup {
			return &DuplicateProxyError{Key: key}
		}
		e := &entry{rec: Record{Endpoint: ep, Status: StatusUntested}}
		entries = append(entries, e)
		index[key] = e
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.reserved {
			return ErrPoolBusy
		}
	}
	p.entries = entries
	p.index = index
	return nil
}

// Select reserves the eligible record with the fewest failures, breaking
// ties by least recent use. Records never used sort first. It returns an
// *ExhaustedError when every record is Dead or Reserved.
func (p *Pool) Select() (Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, _, err := p.selectLocked()
	return rec, err
}

// Acquire behaves like Select, but when the pool is exhausted only because
// every live record is in flight it waits for a release instead of failing.
// A pool with no live records fails immediately.
func (p *Pool) Acquire(ctx context.Context) (Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}

		p.mu.Lock()
		rec, wait, err := p.selectLocked()
		p.mu.Unlock()
		if err == nil {
			return rec, nil
		}

		var exhausted *ExhaustedError
		if !errors.As(err, &exhausted) || exhausted.Reserved == 0 {
			return Record{}, err
		}

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-wait:
		}
	}
}

// selectLocked must be called with mu held. On failure it also returns the
// current release channel so callers can wait without missing a wakeup.
func (p *Pool) selectLocked() (Record, <-chan struct{}, error) {
	exhausted := ExhaustedError{Total: len(p.entries)}

	var best *entry
	for _, e := range p.entries {
		if e.rec.Status == StatusDead {
			exhausted.Dead++
			continue
		}
		if e.reserved {
			exhausted.Reserved++
			continue
		}
		if best == nil || preferred(e, best) {
			best = e
		}
	}

	if best == nil {
		return Record{}, p.released, &exhausted
	}

	best.reserved = true
	best.rec.LastUsedAt = p.now()
	return best.snapshot(), nil, nil
}

// preferred reports whether a should be selected ahead of b.
func preferred(a, b *entry) bool {
	if a.rec.FailureCount != b.rec.FailureCount {
		return a.rec.FailureCount < b.rec.FailureCount
	}
	return a.rec.LastUsedAt.Before(b.rec.LastUsedAt)
}

// Release ends the reservation taken by Select and applies the outcome to
// the record's health. It must be called exactly once per Select. The
// updated record is returned so callers can observe a transition to Dead.
func (p *Pool) Release(key string, o Outcome) (Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.index[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownProxy, key)
	}
	if !e.reserved {
		return Record{}, fmt.Errorf("%w: %s", ErrNotReserved, key)
	}

	e.reserved = false
	switch o.Kind {
	case Success, TargetFailure:
		e.rec.FailureCount = 0
		e.rec.Status = StatusWorking
	case ProxyFailure:
		e.rec.FailureCount++
		if e.rec.FailureCount >= p.maxFailures {
			e.rec.Status = StatusDead
		} else {
			e.rec.Status = StatusWorking
		}
	case Aborted:
		// reservation cleared, health untouched
	}
	recordStats(&e.rec.Stats, o)

	p.broadcastLocked()
	return e.snapshot(), nil
}

func recordStats(s *Stats, o Outcome) {
	if o.Kind == Aborted {
		return
	}
	s.TotalRequests++
	switch o.Kind {
	case Success:
		s.Successes++
	case TargetFailure:
		s.TargetFailures++
	case ProxyFailure:
		s.ProxyFailures++
	}
	if o.StatusCode > 0 {
		if s.StatusCodes == nil {
			s.StatusCodes = make(map[int]int)
		}
		s.StatusCodes[o.StatusCode]++
	}
}

// MarkValidated records the verdict of a validation probe. A Dead verdict
// sets FailureCount to the threshold so the Dead invariant holds; a Working
// verdict starts a fresh cycle with zero failures. Reserved records cannot
// be validated.
func (p *Pool) MarkValidated(key string, working bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.index[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, key)
	}
	if e.reserved {
		return fmt.Errorf("%w: %s", ErrReserved, key)
	}

	if working {
		e.rec.Status = StatusWorking
		e.rec.FailureCount = 0
	} else {
		e.rec.Status = StatusDead
		e.rec.FailureCount = p.maxFailures
	}
	e.rec.LastValidatedAt = p.now()

	p.broadcastLocked()
	return nil
}

func (p *Pool) broadcastLocked() {
	close(p.released)
	p.released = make(chan struct{})
}

// Get returns a snapshot of the record with the given key.
func (p *Pool) Get(key string) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.index[key]
	if !ok {
		return Record{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns copies of all records in load order.
func (p *Pool) Snapshot() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.snapshot())
	}
	return out
}

// Counts returns the number of records in each status.
func (p *Pool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := Counts{Total: len(p.entries)}
	for _, e := range p.entries {
		switch {
		case e.reserved:
			c.Reserved++
		case e.rec.Status == StatusUntested:
			c.Untested++
		case e.rec.Status == StatusWorking:
			c.Working++
		case e.rec.Status == StatusDead:
			c.Dead++
		}
	}
	return c
}

// Len returns the number of records in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
