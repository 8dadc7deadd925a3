package gossip

import (
	"github.com/moukrea/serverless-chat-sub000/internal/flood"
	"github.com/moukrea/serverless-chat-sub000/internal/meshid"
)

func init() {
	newAnnouncement := func() any { return &meshid.Announcement{} }
	flood.RegisterPayloadType(flood.MsgPeerAnnouncement, newAnnouncement, true)
	flood.RegisterPayloadType(flood.MsgIPChangeAnnounce, newAnnouncement, true)
}
