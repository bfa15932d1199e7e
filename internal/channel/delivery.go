package channel

import "github.com/glimte/postbox-go/contracts"

// delivery tracks one letter until every condition it waits for is met.
// Control letters complete through done and never enter a queue.
type delivery struct {
	letter  *contracts.Letter
	letters []*contracts.Letter // batch constituents
	waiting int
	done    func()
}

// userLetters returns the letters the handler knows about
func (d *delivery) userLetters() []*contracts.Letter {
	if d.letters != nil {
		return d.letters
	}
	return []*contracts.Letter{d.letter}
}

// deliveryQueue completes deliveries strictly in the order they were pushed
type deliveryQueue struct {
	items []*delivery
}

func (q *deliveryQueue) push(d *delivery) {
	q.items = append(q.items, d)
}

// drain removes and returns the completed prefix
func (q *deliveryQueue) drain() []*delivery {
	n := 0
	for n < len(q.items) && q.items[n].waiting <= 0 {
		n++
	}
	if n == 0 {
		return nil
	}
	done := q.items[:n:n]
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return done
}

// reset removes and returns everything
func (q *deliveryQueue) reset() []*delivery {
	items := q.items
	q.items = nil
	return items
}

func (q *deliveryQueue) len() int {
	return len(q.items)
}

// pendingMap holds deliveries waiting on the same key in the order they were
// registered. Letters are written in order and acked in arrival order, so the
// head is always the one a matching completion belongs to.
type pendingMap[K comparable] map[K][]*delivery

func (m pendingMap[K]) add(k K, d *delivery) {
	m[k] = append(m[k], d)
}

func (m pendingMap[K]) pop(k K) (*delivery, bool) {
	q := m[k]
	if len(q) == 0 {
		return nil, false
	}
	d := q[0]
	if len(q) == 1 {
		delete(m, k)
	} else {
		q[0] = nil
		m[k] = q[1:]
	}
	return d, true
}
