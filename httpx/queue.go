package httpx

import "sync"

// Queue holds work waiting for a client connection. It may be shared by
// several connections, in which case each unit goes to whichever idle
// connection polls it first. Units are handed out in push order.
type Queue struct {
	mu      sync.Mutex
	items   []Work
	waiters map[*ClientConn]struct{}
	conns   int
	closed  bool
}

// NewQueue returns a queue preloaded with w.
func NewQueue(w ...Work) *Queue {
	return &Queue{items: append([]Work(nil), w...)}
}

// Push appends work and wakes idle connections. It fails with
// ErrConnectionClosed once the last connection serving the queue has closed.
func (q *Queue) Push(w ...Work) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrConnectionClosed
	}
	q.items = append(q.items, w...)
	waiters := make([]*ClientConn, 0, len(q.waiters))
	for cc := range q.waiters {
		waiters = append(waiters, cc)
	}
	clear(q.waiters)
	q.mu.Unlock()

	for _, cc := range waiters {
		cc.wake()
	}
	return nil
}

// Len returns the number of queued units.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// poll pops the next unit. When the queue is empty cc is registered to be
// woken by the next Push.
func (q *Queue) poll(cc *ClientConn) Work {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		if !q.closed {
			if q.waiters == nil {
				q.waiters = make(map[*ClientConn]struct{})
			}
			q.waiters[cc] = struct{}{}
		}
		return nil
	}
	w := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return w
}

func (q *Queue) attach() {
	q.mu.Lock()
	q.conns++
	q.mu.Unlock()
}

// detach unregisters cc and returns how many connections still serve the
// queue.
func (q *Queue) detach(cc *ClientConn) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.waiters, cc)
	q.conns--
	return q.conns
}

// drain closes the queue and returns what was left in it.
func (q *Queue) drain() []Work {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	items := q.items
	q.items = nil
	clear(q.waiters)
	return items
}
