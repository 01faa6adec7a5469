package p2p

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/lightningnetwork/lnd/queue"
)

// outboxBufferSize is the in-channel depth before the queue spills to its
// overflow list.
const outboxBufferSize = 64

// outboundMsg is one queued announcement.
type outboundMsg struct {
	proto   protocol.ID
	msgType byte
	data    []byte
}

// outbox delivers announcements to a single peer one at a time, in the
// order they were queued. A sender's transactions leave in nonce order
// instead of racing each other on separate streams.
type outbox struct {
	pid   peer.ID
	queue *queue.ConcurrentQueue
	send  func(outboundMsg) error

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newOutbox(pid peer.ID, send func(outboundMsg) error) *outbox {
	o := &outbox{
		pid:   pid,
		queue: queue.NewConcurrentQueue(outboxBufferSize),
		send:  send,
		quit:  make(chan struct{}),
	}
	o.queue.Start()

	o.wg.Add(1)
	go o.writeHandler()
	return o
}

// enqueue appends msg. It reports false once the outbox is stopped.
func (o *outbox) enqueue(msg outboundMsg) bool {
	select {
	case o.queue.ChanIn() <- msg:
		return true
	case <-o.quit:
		return false
	}
}

// writeHandler drains the queue.
//
// NOTE: MUST be run as a goroutine.
func (o *outbox) writeHandler() {
	defer o.wg.Done()

	for {
		select {
		case item := <-o.queue.ChanOut():
			msg := item.(outboundMsg)
			if err := o.send(msg); err != nil && !isExpectedStreamCloseError(err) {
				nodeLog.Debugf("Failed to announce to %s: %v", o.pid, err)
			}
		case <-o.quit:
			return
		}
	}
}

// stop discards anything still queued and waits for an in-flight send.
func (o *outbox) stop() {
	o.stopOnce.Do(func() {
		close(o.quit)
		o.wg.Wait()
		o.queue.Stop()
	})
}
