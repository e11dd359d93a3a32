// Package sender implements the message sender (C6): an immediate
// direct sender and a rate-shaped cover-traffic queue that emits
// exactly one frame per tick regardless of queue occupancy, backed by
// the teacher's scheduler.PriorityScheduler self-rescheduling idiom
// (dsnet spec §4.5). Grounded on proxy/send.go's SendScheduler, which
// re-adds a task to the same scheduler from within its own handler to
// get a recurring cadence out of a one-shot priority queue.
package sender

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/katzenpost/core/log"
	"gopkg.in/op/go-logging.v1"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/dsnet-network/client/bbclient"
	"github.com/dsnet-network/client/ratchet"
	"github.com/dsnet-network/client/scheduler"
	"github.com/dsnet-network/client/wire"
)

// CiphertextLength is the fixed size of every pigeonhole payload once
// sealed, real or cover, so observers cannot distinguish them by size.
const CiphertextLength = ratchet.PHMessageLength + secretbox.Overhead

// MessageSender is the shared contract of both sender variants.
type MessageSender interface {
	Send(ctx context.Context, addr [32]byte, msg *wire.PigeonHoleMessage) error
}

// DirectSender posts a ciphertext immediately, raising on non-2xx.
type DirectSender struct {
	bb *bbclient.Client
}

// NewDirectSender wraps bb for immediate sends.
func NewDirectSender(bb *bbclient.Client) *DirectSender {
	return &DirectSender{bb: bb}
}

func (d *DirectSender) Send(ctx context.Context, addr [32]byte, msg *wire.PigeonHoleMessage) error {
	return d.bb.SendPigeonHole(ctx, addr, msg)
}

type queuedSend struct {
	addr [32]byte
	msg  *wire.PigeonHoleMessage
}

// QueueSender never blocks its caller: Send enqueues and returns
// immediately. A background scheduler wakes every distribution()
// interval, sends the oldest queued message if one is waiting, or
// emits an indistinguishable cover frame otherwise.
type QueueSender struct {
	mu           sync.Mutex
	queue        []queuedSend
	stopped      bool
	bb           *bbclient.Client
	sched        *scheduler.PriorityScheduler
	log          *logging.Logger
	distribution func() time.Duration
}

// NewQueueSender starts the cover-traffic ticker immediately, ticking
// on the caller-provided distribution (typically exponential).
func NewQueueSender(logBackend *log.Backend, bb *bbclient.Client, distribution func() time.Duration) *QueueSender {
	qs := &QueueSender{
		bb:           bb,
		log:          logBackend.GetLogger("QueueSender"),
		distribution: distribution,
	}
	qs.sched = scheduler.New(qs.tick, logBackend, "cover-traffic")
	qs.sched.Add(distribution(), nil)
	return qs
}

// Send enqueues a real message for the next tick; it never blocks.
func (qs *QueueSender) Send(_ context.Context, addr [32]byte, msg *wire.PigeonHoleMessage) error {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.queue = append(qs.queue, queuedSend{addr: addr, msg: msg})
	return nil
}

func (qs *QueueSender) dequeue() (queuedSend, bool) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if len(qs.queue) == 0 {
		return queuedSend{}, false
	}
	next := qs.queue[0]
	qs.queue = qs.queue[1:]
	return next, true
}

// tick is the scheduler.PriorityScheduler task handler: it sends
// exactly one frame, real or cover, then reschedules itself unless
// Stop has been called.
func (qs *QueueSender) tick(interface{}) {
	qs.sendOneFrame()

	qs.mu.Lock()
	stopped := qs.stopped
	qs.mu.Unlock()
	if !stopped {
		qs.sched.Add(qs.distribution(), nil)
	}
}

func (qs *QueueSender) sendOneFrame() {
	ctx := context.Background()
	if item, ok := qs.dequeue(); ok {
		if err := qs.bb.SendPigeonHole(ctx, item.addr, item.msg); err != nil {
			qs.log.Debugf("cover-traffic queue send failed: %v", err)
		}
		return
	}
	cover, err := coverMessage()
	if err != nil {
		qs.log.Debugf("failed to build cover message: %v", err)
		return
	}
	var addr [32]byte
	copy(addr[:], cover.Address[:])
	if err := qs.bb.SendPigeonHole(ctx, addr, cover); err != nil {
		qs.log.Debugf("cover-traffic send failed: %v", err)
	}
}

// coverMessage builds a random address and a uniformly random
// ciphertext of CiphertextLength, indistinguishable from a real send.
func coverMessage() (*wire.PigeonHoleMessage, error) {
	m := &wire.PigeonHoleMessage{}
	if _, err := rand.Read(m.Address[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(m.FromKey[:]); err != nil {
		return nil, err
	}
	m.Payload = make([]byte, CiphertextLength)
	if _, err := rand.Read(m.Payload); err != nil {
		return nil, err
	}
	return m, nil
}

// Stop drains any remaining queued real messages synchronously, then
// halts the scheduler, per spec.md §4.5 "Shutdown drains the queue
// then exits."
func (qs *QueueSender) Stop() {
	qs.mu.Lock()
	qs.stopped = true
	qs.mu.Unlock()

	ctx := context.Background()
	for {
		item, ok := qs.dequeue()
		if !ok {
			break
		}
		if err := qs.bb.SendPigeonHole(ctx, item.addr, item.msg); err != nil {
			qs.log.Debugf("drain send failed: %v", err)
		}
	}
	qs.sched.Shutdown()
}
