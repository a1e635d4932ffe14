package coordinator

import (
	"sync"

	"capsync/internal/protocol"
)

// waitKey identifies the request a reply answers: ACK/NACK/ERROR by
// (peer, refType, refTimestamp), PONG by (peer, PING, origin).
type waitKey struct {
	peer string
	ref  protocol.Type
	ts   int64
}

type reply struct {
	msg        protocol.Message
	receivedAt int64
}

// pending tracks outstanding requests. Waiters with the same key are served
// first come, first served.
type pending struct {
	mu      sync.Mutex
	waiters map[waitKey][]chan reply
}

func newPending() *pending {
	return &pending{waiters: make(map[waitKey][]chan reply)}
}

func (p *pending) add(k waitKey) chan reply {
	ch := make(chan reply, 1)
	p.mu.Lock()
	p.waiters[k] = append(p.waiters[k], ch)
	p.mu.Unlock()
	return ch
}

func (p *pending) remove(k waitKey, ch chan reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.waiters[k]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.waiters, k)
	} else {
		p.waiters[k] = list
	}
}

// deliver hands r to the oldest waiter for k. It reports whether one existed.
func (p *pending) deliver(k waitKey, r reply) bool {
	p.mu.Lock()
	list := p.waiters[k]
	if len(list) == 0 {
		p.mu.Unlock()
		return false
	}
	ch := list[0]
	if len(list) == 1 {
		delete(p.waiters, k)
	} else {
		p.waiters[k] = list[1:]
	}
	p.mu.Unlock()
	ch <- r
	return true
}

// reset drops every waiter; blocked callers fall through to their timeouts
// or context cancellation.
func (p *pending) reset() {
	p.mu.Lock()
	p.waiters = make(map[waitKey][]chan reply)
	p.mu.Unlock()
}

func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, l := range p.waiters {
		n += len(l)
	}
	return n
}
