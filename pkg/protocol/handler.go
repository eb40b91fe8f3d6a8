package protocol

import (
	"github.com/core-tools/hsu-fleet/pkg/errors"
)

// Handler receives decoded packets, one method per packet type
type Handler interface {
	HandleHandshake(p *HandshakePacket) error
	HandleAuthentication(p *AuthenticationPacket) error
	HandleHeartbeat(p *HeartbeatPacket) error
	HandleServerUpdate(p *ServerUpdatePacket) error
	HandleServerList(p *ServerListPacket) error
	HandleServerAdd(p *ServerAddPacket) error
	HandleServerRemove(p *ServerRemovePacket) error
	HandleServerListRequest(p *ServerListRequestPacket) error
	HandleServerInfoUpdate(p *ServerInfoUpdatePacket) error
	HandleFleetServerUpdate(p *FleetServerUpdatePacket) error
	HandleMetadataUpdate(p *MetadataUpdatePacket) error
	HandleServerCommand(p *ServerCommandPacket) error
	HandleServerControl(p *ServerControlPacket) error
}

// Dispatch routes a packet to the handler method for its wire id
func Dispatch(packet Packet, handler Handler) error {
	switch packet.ID() {
	case HandshakeID:
		return handler.HandleHandshake(packet.(*HandshakePacket))
	case AuthenticationID:
		return handler.HandleAuthentication(packet.(*AuthenticationPacket))
	case HeartbeatID:
		return handler.HandleHeartbeat(packet.(*HeartbeatPacket))
	case ServerUpdateID:
		return handler.HandleServerUpdate(packet.(*ServerUpdatePacket))
	case ServerListID:
		return handler.HandleServerList(packet.(*ServerListPacket))
	case ServerAddID:
		return handler.HandleServerAdd(packet.(*ServerAddPacket))
	case ServerRemoveID:
		return handler.HandleServerRemove(packet.(*ServerRemovePacket))
	case ServerListRequestID:
		return handler.HandleServerListRequest(packet.(*ServerListRequestPacket))
	case ServerInfoUpdateID:
		return handler.HandleServerInfoUpdate(packet.(*ServerInfoUpdatePacket))
	case FleetServerUpdateID:
		return handler.HandleFleetServerUpdate(packet.(*FleetServerUpdatePacket))
	case MetadataUpdateID:
		return handler.HandleMetadataUpdate(packet.(*MetadataUpdatePacket))
	case ServerCommandID:
		return handler.HandleServerCommand(packet.(*ServerCommandPacket))
	case ServerControlID:
		return handler.HandleServerControl(packet.(*ServerControlPacket))
	default:
		return errors.NewProtocolError("no handler for packet", nil).WithContext("packet_id", packet.ID())
	}
}

// NopHandler ignores every packet. Embed it to implement a subset of Handler.
type NopHandler struct{}

func (NopHandler) HandleHandshake(*HandshakePacket) error                 { return nil }
func (NopHandler) HandleAuthentication(*AuthenticationPacket) error       { return nil }
func (NopHandler) HandleHeartbeat(*HeartbeatPacket) error                 { return nil }
func (NopHandler) HandleServerUpdate(*ServerUpdatePacket) error           { return nil }
func (NopHandler) HandleServerList(*ServerListPacket) error               { return nil }
func (NopHandler) HandleServerAdd(*ServerAddPacket) error                 { return nil }
func (NopHandler) HandleServerRemove(*ServerRemovePacket) error           { return nil }
func (NopHandler) HandleServerListRequest(*ServerListRequestPacket) error { return nil }
func (NopHandler) HandleServerInfoUpdate(*ServerInfoUpdatePacket) error   { return nil }
func (NopHandler) HandleFleetServerUpdate(*FleetServerUpdatePacket) error { return nil }
func (NopHandler) HandleMetadataUpdate(*MetadataUpdatePacket) error       { return nil }
func (NopHandler) HandleServerCommand(*ServerCommandPacket) error         { return nil }
func (NopHandler) HandleServerControl(*ServerControlPacket) error         { return nil }
