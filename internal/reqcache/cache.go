// Package reqcache tracks outstanding server-initiated requests so that each
// one resolves exactly once: with the peer's reply, with Timeout when the
// deadline passes, or with a synthesized error when the owner goes away.
package reqcache

import (
	"errors"
	"sync"
	"time"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

// ErrCacheFull is returned when every sequence number is in flight.
var ErrCacheFull = errors.New("request cache full")

// Cache allocates msgSeq values from the node-wide space [1, 65535] and
// resolves them. Sequence 0 is reserved for push packets and never issued.
type Cache struct {
	mu      sync.Mutex
	next    uint16
	entries map[uint16]*entry
	timeout time.Duration
	closed  bool
}

type entry struct {
	msgId      string
	ownerStage int64
	targetNode string
	timer      *time.Timer
	done       func(*protocol.Packet)
}

// New creates a Cache whose requests expire after timeout.
func New(timeout time.Duration) *Cache {
	return &Cache{
		entries: make(map[uint16]*entry),
		timeout: timeout,
	}
}

// Register reserves a sequence number for a request to targetNode. done is
// invoked exactly once, from the replying goroutine or the expiry timer; the
// caller decides on which goroutine the result is then processed. ownerStage
// is 0 for requests not issued from inside a stage.
func (c *Cache) Register(msgId string, ownerStage int64, targetNode string, done func(*protocol.Packet)) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, errors.New("request cache closed")
	}
	if len(c.entries) >= constants.MaxMsgSeq {
		return 0, ErrCacheFull
	}

	seq := c.next
	for {
		seq++
		if seq == 0 {
			seq = 1
		}
		if _, busy := c.entries[seq]; !busy {
			break
		}
	}
	c.next = seq

	e := &entry{
		msgId:      msgId,
		ownerStage: ownerStage,
		targetNode: targetNode,
		done:       done,
	}
	e.timer = time.AfterFunc(c.timeout, func() { c.expire(seq) })
	c.entries[seq] = e
	return seq, nil
}

// Complete resolves seq with the peer's reply. Returns false when the seq is
// unknown, which means the request already timed out or was never issued;
// the caller logs and drops such replies.
func (c *Cache) Complete(seq uint16, reply *protocol.Packet) bool {
	e := c.take(seq)
	if e == nil {
		return false
	}
	e.timer.Stop()
	e.done(reply)
	return true
}

// Fail resolves a single request with a synthesized error. Used when the
// send that should have carried it never left the node.
func (c *Cache) Fail(seq uint16, code uint16) bool {
	e := c.take(seq)
	if e == nil {
		return false
	}
	e.timer.Stop()
	e.done(errorReply(e, seq, code))
	return true
}

// FailNode resolves every request addressed to nodeId with code. Called when
// the peer connection drops.
func (c *Cache) FailNode(nodeId string, code uint16) int {
	return c.failWhere(func(e *entry) bool { return e.targetNode == nodeId }, code)
}

// FailStage resolves every request owned by stageId with code. Called when
// the stage is destroyed while requests are still in flight.
func (c *Cache) FailStage(stageId int64, code uint16) int {
	return c.failWhere(func(e *entry) bool { return e.ownerStage == stageId && stageId != 0 }, code)
}

// FailAll resolves every pending request with code. Called when the
// underlying connection is gone and no reply can arrive anymore.
func (c *Cache) FailAll(code uint16) int {
	return c.failWhere(func(*entry) bool { return true }, code)
}

// Close fails all pending requests and refuses further registrations.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.failWhere(func(*entry) bool { return true }, constants.ServiceUnavailable)
}

// Pending returns the number of requests in flight.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// take removes the entry for seq. Removal under the lock is the settle point:
// whichever of reply, expiry, or bulk-fail removes the entry first delivers
// the result, the others find nothing.
func (c *Cache) take(seq uint16) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[seq]
	if !ok {
		return nil
	}
	delete(c.entries, seq)
	return e
}

func (c *Cache) expire(seq uint16) {
	e := c.take(seq)
	if e == nil {
		return
	}
	e.done(errorReply(e, seq, constants.Timeout))
}

func (c *Cache) failWhere(match func(*entry) bool, code uint16) int {
	c.mu.Lock()
	var failed []*entry
	var seqs []uint16
	for seq, e := range c.entries {
		if match(e) {
			failed = append(failed, e)
			seqs = append(seqs, seq)
		}
	}
	for _, seq := range seqs {
		delete(c.entries, seq)
	}
	c.mu.Unlock()

	for i, e := range failed {
		e.timer.Stop()
		e.done(errorReply(e, seqs[i], code))
	}
	return len(failed)
}

func errorReply(e *entry, seq uint16, code uint16) *protocol.Packet {
	return &protocol.Packet{
		MsgId:     e.msgId,
		MsgSeq:    seq,
		StageId:   e.ownerStage,
		ErrorCode: code,
	}
}
