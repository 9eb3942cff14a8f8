// Package queue implements the single-flight, FIFO request queue a PCP or
// NAT-PMP gateway drives over its one UDP socket.
package queue

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/achingbrain/nat-port-mapper/pkg/lib/log"
)

var logger = log.Logger("nat-port-mapper.queue")

// ErrCancelled is returned to a caller whose context was cancelled before
// its request was resolved.
var ErrCancelled = errors.New("queue: request cancelled")

// ErrClosed is returned by Enqueue once the queue has been stopped.
var ErrClosed = errors.New("queue: closed")

// OpcodeFunc extracts the opcode a response datagram answers, so the queue
// can correlate it to the head-of-queue request without understanding the
// rest of the wire format. ok is false for datagrams too short to contain
// an opcode, which the queue silently drops.
type OpcodeFunc func(data []byte) (opcode uint8, ok bool)

// request is one FIFO entry. result is buffered 1 so a send never blocks
// the pump even if the caller already gave up via ctx.
type request struct {
	opcode  uint8
	payload []byte
	ctx     context.Context
	result  chan result
	done    bool // guarded by Queue.mu; true once result has been sent
	sent    bool // guarded by Queue.mu; true once payload has been written
}

type result struct {
	data []byte
	err  error
}

// Queue serializes requests onto one net.PacketConn, sending the head of
// the queue only when no request is already in flight, and correlating
// inbound datagrams to that head by opcode.
type Queue struct {
	conn       net.PacketConn
	remoteAddr net.Addr
	opcodeOf   OpcodeFunc

	mu      sync.Mutex
	pending []*request
	closed  bool

	stopReadLoop context.CancelFunc
	readLoopDone chan struct{}
}

// New constructs a Queue bound to conn, sending only to remoteAddr and
// accepting datagrams only from it. It immediately starts a read loop
// goroutine; call Close to stop it and fail every pending request.
func New(conn net.PacketConn, remoteAddr net.Addr, opcodeOf OpcodeFunc) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		conn:         conn,
		remoteAddr:   remoteAddr,
		opcodeOf:     opcodeOf,
		stopReadLoop: cancel,
		readLoopDone: make(chan struct{}),
	}
	go q.readLoop(ctx)
	return q
}

// Enqueue appends a request to the tail of the FIFO and blocks until it is
// resolved, rejected, the context is cancelled, or the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, opcode uint8, payload []byte) ([]byte, error) {
	req := &request{
		opcode:  opcode,
		payload: payload,
		ctx:     ctx,
		result:  make(chan result, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.pending = append(q.pending, req)
	q.mu.Unlock()

	q.pump()

	select {
	case r := <-req.result:
		return r.data, r.err
	case <-ctx.Done():
		q.cancel(req)
		return nil, ErrCancelled
	}
}

// pump sends the head of the queue only if it hasn't been sent yet, so a
// later Enqueue appending to the tail never re-sends an in-flight head.
// Once the head is popped (resolved, cancelled, or failed), the new head's
// sent flag is false and the next pump call sends it.
func (q *Queue) pump() {
	q.mu.Lock()
	if q.closed || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	head := q.pending[0]
	if head.sent {
		q.mu.Unlock()
		return
	}
	head.sent = true
	q.mu.Unlock()

	if _, err := q.conn.WriteTo(head.payload, q.remoteAddr); err != nil {
		q.failHead(err)
	}
}

// HandleDatagram processes one inbound datagram. If the queue is empty it
// is dropped. If its opcode does not match the head-of-queue request, it is
// a stale reply (from a prior retry or an unrelated sender) and is ignored
// so the real reply can still be correlated later.
func (q *Queue) HandleDatagram(data []byte) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		logger.Debug("dropping datagram, queue empty")
		return
	}
	head := q.pending[0]
	opcode, ok := q.opcodeOf(data)
	if !ok {
		q.mu.Unlock()
		logger.Debug("dropping unparseable datagram")
		return
	}
	if opcode != head.opcode {
		q.mu.Unlock()
		logger.Debug("dropping stale reply", "want", head.opcode, "got", opcode)
		return
	}
	q.pending = q.pending[1:]
	q.mu.Unlock()

	q.resolve(head, data, nil)
	q.pump()
}

// cancel removes req from the queue (wherever it sits) and resolves it
// with ErrCancelled, clearing the in-flight slot if it was the head.
func (q *Queue) cancel(req *request) {
	q.mu.Lock()
	wasHead := len(q.pending) > 0 && q.pending[0] == req
	for i, r := range q.pending {
		if r == req {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	q.resolve(req, nil, ErrCancelled)
	if wasHead {
		q.pump()
	}
}

func (q *Queue) failHead(err error) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	head := q.pending[0]
	q.pending = q.pending[1:]
	q.mu.Unlock()

	q.resolve(head, nil, err)
	q.pump()
}

func (q *Queue) resolve(req *request, data []byte, err error) {
	q.mu.Lock()
	if req.done {
		q.mu.Unlock()
		return
	}
	req.done = true
	q.mu.Unlock()
	req.result <- result{data: data, err: err}
}

func (q *Queue) readLoop(ctx context.Context) {
	defer close(q.readLoopDone)
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return
		}
		n, addr, err := q.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug("read loop error", "err", err)
			return
		}
		if q.remoteAddr != nil && addr.String() != q.remoteAddr.String() {
			logger.Debug("dropping datagram from unexpected source", "addr", addr.String())
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		q.HandleDatagram(data)
	}
}

// Close stops the read loop, fails every pending request with ErrClosed,
// and marks the queue closed so further Enqueue calls fail immediately. It
// does not close the underlying connection; the owning gateway does that.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	q.stopReadLoop()
	for _, req := range pending {
		q.resolve(req, nil, ErrClosed)
	}
}
