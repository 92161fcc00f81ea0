// ABOUTME: TTL-bounded seen-set for webhook delivery deduplication
// ABOUTME: Platforms redeliver on timeout; a seen (platform, message id) pair is dropped

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Deduper tracks recently seen delivery keys so redelivered webhook
// payloads are processed once. Size-bounded with oldest-first eviction;
// entries expire after the TTL.
type Deduper struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a deduper. A background goroutine sweeps expired entries.
func New(ttl time.Duration, maxSize int) *Deduper {
	d := &Deduper{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go d.sweep()
	return d
}

// Seen atomically checks-and-marks a delivery key. True means the key
// was already seen within the TTL and the delivery must be dropped.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.seen[key]; ok && time.Since(e.seenAt) < d.ttl {
		return true
	}
	d.mark(key)
	return false
}

// mark records a key, evicting the oldest entry at capacity. Callers
// hold mu.
func (d *Deduper) mark(key string) {
	now := time.Now()
	if e, ok := d.seen[key]; ok {
		e.seenAt = now
		d.order.MoveToBack(e.element)
		return
	}
	if len(d.seen) >= d.maxSize {
		if front := d.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			d.order.Remove(front)
			delete(d.seen, oldest)
		}
	}
	d.seen[key] = &entry{seenAt: now, element: d.order.PushBack(key)}
}

func (d *Deduper) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.mu.Lock()
			now := time.Now()
			for key, e := range d.seen {
				if now.Sub(e.seenAt) > d.ttl {
					d.order.Remove(e.element)
					delete(d.seen, key)
				}
			}
			d.mu.Unlock()
		case <-d.done:
			return
		}
	}
}

// Close stops the sweeper. Safe to call multiple times.
func (d *Deduper) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		close(d.done)
		d.closed = true
	}
}
