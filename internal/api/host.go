// Package api implements the stateless side of the fabric: an api node
// serves a registry of message handlers on a worker pool, with no session
// or stage state of its own. Play nodes and other api nodes reach it by
// service id.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

// Handler serves one inbound message. Handlers are stateless by contract:
// the same msgId can run on any number of workers at once.
type Handler func(sender *Sender, pkt *protocol.Packet)

// host owns the msgId registry and the worker pool that drains inbound
// envelopes.
type host struct {
	node    *Node
	workers int

	mu       sync.RWMutex
	handlers map[string]Handler

	tasks chan *protocol.Envelope
}

func newHost(n *Node, workers int) *host {
	if workers <= 0 {
		workers = 64
	}
	return &host{
		node:     n,
		workers:  workers,
		handlers: make(map[string]Handler),
		tasks:    make(chan *protocol.Envelope, workers*32),
	}
}

func (h *host) register(msgId string, handler Handler) error {
	if msgId == "" || handler == nil {
		return fmt.Errorf("registering handler %q: empty msgId or nil handler", msgId)
	}
	if strings.HasPrefix(msgId, "@") {
		return fmt.Errorf("registering handler %q: @-prefixed msgIds are reserved", msgId)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.handlers[msgId]; dup {
		return fmt.Errorf("registering handler %q: already registered", msgId)
	}
	h.handlers[msgId] = handler
	return nil
}

func (h *host) lookup(msgId string) Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handlers[msgId]
}

// registered returns the sorted msgIds, for the admin endpoint.
func (h *host) registered() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// submit queues env for a worker. Overflow answers requests with
// Overloaded and drops pushes.
func (h *host) submit(env *protocol.Envelope) {
	select {
	case h.tasks <- env:
	default:
		if h.node.metrics != nil {
			h.node.metrics.QueueDrop()
		}
		slog.Warn("api worker queue full",
			"from", env.SourceNodeId, "msgId", env.Packet.MsgId)
		h.node.replyEnvelopeError(env, constants.Overloaded)
	}
}

// run drains tasks until ctx is cancelled.
func (h *host) run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < h.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case env := <-h.tasks:
					h.serve(env)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
}

// serve runs one envelope through its handler with the panic fence, the
// optional handler deadline, and the success auto-reply.
func (h *host) serve(env *protocol.Envelope) {
	pkt := &env.Packet
	handler := h.lookup(pkt.MsgId)
	if handler == nil {
		slog.Warn("no handler for message",
			"from", env.SourceNodeId, "msgId", pkt.MsgId)
		h.node.replyEnvelopeError(env, constants.BadRequest)
		return
	}

	sender := &Sender{node: h.node, env: env}
	var guard *time.Timer
	if d := h.node.cfg.HandleTimeout; d > 0 && pkt.IsRequest() {
		guard = time.AfterFunc(d, func() {
			if sender.autoReply(constants.Timeout) {
				slog.Warn("handler deadline exceeded",
					"msgId", pkt.MsgId, "from", env.SourceNodeId, "deadline", d)
			}
		})
	}

	start := time.Now()
	defer func() {
		if guard != nil {
			guard.Stop()
		}
		if h.node.metrics != nil {
			h.node.metrics.Dispatch(time.Since(start))
		}
		if r := recover(); r != nil {
			slog.Error("api handler panicked", "msgId", pkt.MsgId, "panic", r)
			sender.autoReply(constants.InternalError)
		}
	}()

	handler(sender, pkt)
	sender.autoReply(constants.Success)
}
