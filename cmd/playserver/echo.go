package main

import (
	"strconv"
	"strings"

	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/play"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

// echoStage is the smallest useful stage: any numeric account may join and
// every request comes straight back. Handy as a smoke target for loadgen.
type echoStage struct {
	sender *play.StageSender
}

func newEchoStage(sender *play.StageSender) play.Stage {
	return &echoStage{sender: sender}
}

func (e *echoStage) OnCreate(*protocol.Packet) uint16 { return constants.Success }

func (e *echoStage) OnPostCreate() {}

func (e *echoStage) OnAuthenticate(pkt *protocol.Packet) (int64, uint16) {
	account, err := strconv.ParseInt(strings.TrimSpace(string(pkt.Payload)), 10, 64)
	if err != nil || account <= 0 {
		return 0, constants.Unauthenticated
	}
	return account, constants.Success
}

func (e *echoStage) OnJoinStage(*play.Actor, *protocol.Packet) uint16 { return constants.Success }

func (e *echoStage) OnPostJoinStage(*play.Actor) {}

func (e *echoStage) OnDispatch(_ *play.Actor, pkt *protocol.Packet) {
	if pkt.IsRequest() {
		e.sender.ReplyPacket(protocol.New(pkt.MsgId, pkt.Payload))
	}
}

func (e *echoStage) OnActorConnectionChanged(*play.Actor, bool) {}

func (e *echoStage) OnLeaveStage(*play.Actor, string) {}

func (e *echoStage) OnDestroy() {}
