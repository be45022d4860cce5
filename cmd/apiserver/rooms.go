package main

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/playhouse/playhouse-go/internal/api"
	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// roomEntry is one room this node provisioned.
type roomEntry struct {
	StageId   int64  `json:"stageId"`
	NodeId    string `json:"nodeId"`
	StageType string `json:"stageType"`
	Topic     string `json:"topic,omitempty"`
}

// directory tracks rooms provisioned through this api node. Handlers run
// concurrently on the worker pool, hence the lock.
type directory struct {
	mu    sync.RWMutex
	rooms map[int64]roomEntry
}

func newDirectory() *directory {
	return &directory{rooms: make(map[int64]roomEntry)}
}

func (d *directory) handlers() map[string]api.Handler {
	return map[string]api.Handler{
		"rooms.create": d.create,
		"rooms.list":   d.list,
		"rooms.get":    d.get,
		"rooms.say":    d.say,
	}
}

// create provisions a room. The payload is "<nodeId> <stageType> [topic]";
// the reply carries the new stage id in decimal.
func (d *directory) create(sender *api.Sender, pkt *protocol.Packet) {
	fields := strings.Fields(string(pkt.Payload))
	if len(fields) < 2 {
		sender.ReplyCode(constants.BadRequest)
		return
	}
	nodeId, stageType := fields[0], fields[1]
	topic := strings.Join(fields[2:], " ")

	res := <-sender.CreateStage(nodeId, stageType, 0, &protocol.Packet{Payload: []byte(topic)})
	if res.ErrorCode != constants.Success {
		sender.ReplyCode(res.ErrorCode)
		return
	}

	d.mu.Lock()
	d.rooms[res.StageId] = roomEntry{
		StageId:   res.StageId,
		NodeId:    nodeId,
		StageType: stageType,
		Topic:     topic,
	}
	d.mu.Unlock()

	sender.Reply(protocol.New(pkt.MsgId, []byte(strconv.FormatInt(res.StageId, 10))))
}

func (d *directory) list(sender *api.Sender, pkt *protocol.Packet) {
	d.mu.RLock()
	entries := make([]roomEntry, 0, len(d.rooms))
	for _, e := range d.rooms {
		entries = append(entries, e)
	}
	d.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].StageId < entries[j].StageId })

	body, err := json.Marshal(entries)
	if err != nil {
		sender.ReplyCode(constants.InternalError)
		return
	}
	sender.Reply(protocol.New(pkt.MsgId, body))
}

func (d *directory) get(sender *api.Sender, pkt *protocol.Packet) {
	id, err := strconv.ParseInt(strings.TrimSpace(string(pkt.Payload)), 10, 64)
	if err != nil {
		sender.ReplyCode(constants.BadRequest)
		return
	}
	d.mu.RLock()
	entry, ok := d.rooms[id]
	d.mu.RUnlock()
	if !ok {
		sender.ReplyCode(constants.StageNotFound)
		return
	}
	body, err := json.Marshal(entry)
	if err != nil {
		sender.ReplyCode(constants.InternalError)
		return
	}
	sender.Reply(protocol.New(pkt.MsgId, body))
}

// say pushes a server line into a provisioned room. The payload is
// "<stageId> <text>"; the room broadcasts it under the "server" name. The
// framework completes the request once the push is on the wire.
func (d *directory) say(sender *api.Sender, pkt *protocol.Packet) {
	idPart, text, ok := strings.Cut(string(pkt.Payload), " ")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if !ok || err != nil || strings.TrimSpace(text) == "" {
		sender.ReplyCode(constants.BadRequest)
		return
	}
	d.mu.RLock()
	entry, found := d.rooms[id]
	d.mu.RUnlock()
	if !found {
		sender.ReplyCode(constants.StageNotFound)
		return
	}
	if err := sender.SendToStage(entry.NodeId, id, protocol.New("chat.say", []byte(text))); err != nil {
		sender.ReplyCode(constants.NodeUnreachable)
	}
}
