package main

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/play"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	chatHistoryCap = 32
	lingerEviction = 5 * time.Minute
	emptyRoomGrace = 10 * time.Minute
)

// chatSeat is the per-actor state: when this member sat down.
type chatSeat struct {
	joinedAt time.Time
}

func newChatSeat(*play.ActorSender) play.ActorState { return &chatSeat{} }

func (s *chatSeat) OnCreate()  { s.joinedAt = time.Now() }
func (s *chatSeat) OnDestroy() {}

type chatMember struct {
	actor *play.Actor
	name  string
}

// chatRoom is a chat stage. The auth payload is "<account> [name]"; the ops
// are chat.say, chat.list, chat.whisper and chat.leave. A minute timer evicts
// members who stay disconnected and closes rooms that stay empty.
type chatRoom struct {
	sender  *play.StageSender
	topic   string
	members map[int64]*chatMember
	pending map[int64]string // display names claimed at auth, consumed on join
	history []string

	emptySince time.Time
}

func newChatRoom(sender *play.StageSender) play.Stage {
	return &chatRoom{
		sender:  sender,
		members: make(map[int64]*chatMember),
		pending: make(map[int64]string),
	}
}

func (c *chatRoom) OnCreate(pkt *protocol.Packet) uint16 {
	c.topic = strings.TrimSpace(string(pkt.Payload))
	if c.topic == "" {
		c.topic = "general"
	}
	c.emptySince = time.Now()
	return constants.Success
}

func (c *chatRoom) OnPostCreate() {
	c.sender.AddRepeatTimer(time.Minute, time.Minute, c.sweep)
}

func (c *chatRoom) OnAuthenticate(pkt *protocol.Packet) (int64, uint16) {
	id, name, _ := strings.Cut(strings.TrimSpace(string(pkt.Payload)), " ")
	account, err := strconv.ParseInt(id, 10, 64)
	if err != nil || account <= 0 {
		return 0, constants.Unauthenticated
	}
	if name = strings.TrimSpace(name); name != "" {
		c.pending[account] = name
	}
	return account, constants.Success
}

func (c *chatRoom) OnJoinStage(a *play.Actor, _ *protocol.Packet) uint16 {
	name := c.pending[a.AccountId()]
	delete(c.pending, a.AccountId())
	if name == "" {
		name = fmt.Sprintf("player-%d", a.AccountId())
	}
	c.members[a.AccountId()] = &chatMember{actor: a, name: name}
	c.emptySince = time.Time{}
	c.sender.Broadcast(protocol.New("chat.joined", []byte(name)), func(other *play.Actor) bool {
		return other.AccountId() != a.AccountId()
	})
	return constants.Success
}

// OnPostJoinStage catches the newcomer up before any fresh messages reach
// them.
func (c *chatRoom) OnPostJoinStage(a *play.Actor) {
	sender := a.Sender()
	sender.Send(protocol.New("chat.topic", []byte(c.topic)))
	for _, line := range c.history {
		sender.Send(protocol.New("chat.message", []byte(line)))
	}
}

func (c *chatRoom) OnDispatch(a *play.Actor, pkt *protocol.Packet) {
	switch pkt.MsgId {
	case "chat.say":
		c.say(c.displayName(a), string(pkt.Payload))
	case "chat.list":
		c.list()
	case "chat.whisper":
		c.whisper(a, string(pkt.Payload))
	case "chat.leave":
		if a != nil {
			a.Sender().LeaveStage("left the room")
		}
	default:
		if pkt.IsRequest() {
			c.sender.Reply(constants.BadRequest)
		}
	}
}

func (c *chatRoom) OnActorConnectionChanged(a *play.Actor, connected bool) {
	state := "offline"
	if connected {
		state = "online"
	}
	c.sender.Broadcast(protocol.New("chat.presence", []byte(c.displayName(a)+" is "+state)),
		func(other *play.Actor) bool { return other.AccountId() != a.AccountId() })
}

func (c *chatRoom) OnLeaveStage(a *play.Actor, reason string) {
	name := c.displayName(a)
	delete(c.members, a.AccountId())
	if len(c.members) == 0 {
		c.emptySince = time.Now()
	}
	c.sender.Broadcast(protocol.New("chat.left", []byte(name+" ("+reason+")")),
		func(other *play.Actor) bool { return other.AccountId() != a.AccountId() })
}

func (c *chatRoom) OnDestroy() {
	slog.Info("chat room closed", "stage", c.sender.StageId(), "topic", c.topic)
}

// say appends to the bounded history and fans the line out to the room.
// Fabric pushes (nil actor) show up as "server".
func (c *chatRoom) say(from, text string) {
	line := from + ": " + text
	c.history = append(c.history, line)
	if len(c.history) > chatHistoryCap {
		c.history = c.history[len(c.history)-chatHistoryCap:]
	}
	c.sender.Broadcast(protocol.New("chat.message", []byte(line)), nil)
}

func (c *chatRoom) list() {
	type memberInfo struct {
		AccountId int64  `json:"accountId"`
		Name      string `json:"name"`
		Online    bool   `json:"online"`
		Joined    string `json:"joined,omitempty"`
	}
	infos := make([]memberInfo, 0, len(c.members))
	for id, m := range c.members {
		info := memberInfo{AccountId: id, Name: m.name, Online: m.actor.IsConnected()}
		if seat, ok := m.actor.State().(*chatSeat); ok {
			info.Joined = seat.joinedAt.UTC().Format(time.RFC3339)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AccountId < infos[j].AccountId })

	body, err := json.Marshal(struct {
		Topic   string       `json:"topic"`
		Members []memberInfo `json:"members"`
	}{Topic: c.topic, Members: infos})
	if err != nil {
		c.sender.Reply(constants.InternalError)
		return
	}
	c.sender.ReplyPacket(protocol.New("chat.list", body))
}

func (c *chatRoom) whisper(a *play.Actor, args string) {
	if a == nil {
		c.sender.Reply(constants.BadRequest)
		return
	}
	idPart, text, ok := strings.Cut(args, " ")
	target, err := strconv.ParseInt(idPart, 10, 64)
	if !ok || err != nil || strings.TrimSpace(text) == "" {
		c.sender.Reply(constants.BadRequest)
		return
	}
	line := c.displayName(a) + " (whisper): " + text
	if c.sender.SendToActor(target, protocol.New("chat.whisper", []byte(line))) {
		c.sender.ReplyPacket(protocol.New("chat.whisper", []byte("delivered")))
	} else {
		c.sender.ReplyPacket(protocol.New("chat.whisper", []byte("away")))
	}
}

func (c *chatRoom) displayName(a *play.Actor) string {
	if a == nil {
		return "server"
	}
	if m, ok := c.members[a.AccountId()]; ok {
		return m.name
	}
	return fmt.Sprintf("player-%d", a.AccountId())
}

// sweep runs on the room's minute timer: evict members whose session never
// came back, then close the room once it has been empty long enough.
func (c *chatRoom) sweep() {
	now := time.Now()
	for _, m := range c.members {
		if !m.actor.IsConnected() && now.Sub(m.actor.DisconnectedAt()) > lingerEviction {
			m.actor.Sender().LeaveStage("disconnected too long")
		}
	}
	if len(c.members) == 0 && !c.emptySince.IsZero() && now.Sub(c.emptySince) > emptyRoomGrace {
		slog.Info("closing empty chat room", "stage", c.sender.StageId(), "topic", c.topic)
		c.sender.CloseStage()
	}
}
