package reconnect

import "github.com/moukrea/serverless-chat-sub000/internal/flood"

func init() {
	flood.RegisterPayloadType(flood.MsgPathQuery, func() any { return &PathQuery{} }, false)
	flood.RegisterPayloadType(flood.MsgPathResponse, func() any { return &PathResponse{} }, false)
	flood.RegisterPayloadType(flood.MsgReconnectOffer, func() any { return &ReconnectOffer{} }, false)
	flood.RegisterPayloadType(flood.MsgReconnectAnswer, func() any { return &ReconnectAnswer{} }, false)
	flood.RegisterPayloadType(flood.MsgReconnectRejection, func() any { return &ReconnectRejection{} }, false)
}
