package network

import (
	"context"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/protocol"
)

const (
	reasonAccepted     = "Accepted"
	reasonInvalidToken = "Invalid authentication token"
)

// session handles the packets of one connection
type session struct {
	server     *Server
	connection *Connection
}

var _ protocol.Handler = (*session)(nil)

// drain dispatches every complete packet. It returns false when the stream is
// corrupt and the connection must be dropped.
func (s *session) drain(decoder *protocol.Decoder) bool {
	for {
		packet, err := decoder.Next()
		if err != nil {
			s.server.logger.Errorf("Closing connection from %s: %v", s.connection.RemoteAddress(), err)
			return false
		}
		if packet == nil {
			return true
		}
		if err := s.dispatch(packet); err != nil {
			s.server.logger.Warnf("Packet 0x%02x from %s: %v", packet.ID(), s.connection.RemoteAddress(), err)
		}
		if !s.connection.IsActive() {
			return false
		}
	}
}

func (s *session) dispatch(packet protocol.Packet) error {
	switch packet.ID() {
	case protocol.HandshakeID, protocol.AuthenticationID:
	default:
		if !s.connection.IsAuthenticated() {
			return errors.NewAuthError("packet received before authentication", nil).WithContext("packet_id", packet.ID())
		}
	}
	return protocol.Dispatch(packet, s)
}

func (s *session) send(packet protocol.Packet) error {
	return s.connection.Send(packet)
}

func (s *session) HandleHandshake(p *protocol.HandshakePacket) error {
	s.server.logger.Infof("Handshake received from %s v%s", p.PluginType, p.Version)

	accepted := s.server.auth.Authenticate(p.AuthToken)
	s.connection.setIdentity(p.PluginType, p.Version)
	s.connection.SetAuthenticated(accepted)
	s.connection.Touch(time.Now())

	reason := reasonAccepted
	if !accepted {
		reason = reasonInvalidToken
	}
	err := s.send(&protocol.HandshakePacket{
		PluginType: p.PluginType,
		Version:    p.Version,
		Accepted:   accepted,
		Reason:     reason,
	})
	if !accepted {
		s.connection.Close()
	}
	return err
}

func (s *session) HandleAuthentication(p *protocol.AuthenticationPacket) error {
	success := s.server.auth.Authenticate(p.AuthToken)
	if success {
		s.connection.SetAuthenticated(true)
		s.connection.Touch(time.Now())
		if p.ServerID != "" {
			s.server.connections.Bind(s.connection, p.ServerID)
		}
	}

	err := s.send(&protocol.AuthenticationPacket{ServerID: p.ServerID, Success: success})
	if !success {
		s.connection.Close()
	}
	return err
}

// claim binds the reported server id and refuses reports for a server owned elsewhere
func (s *session) claim(serverID string) error {
	if serverID == "" {
		return errors.NewValidationError("missing server id", nil)
	}
	if !s.server.connections.Bind(s.connection, serverID) {
		return errors.NewConflictError("server id is bound to another connection", nil).WithContext("server_id", serverID)
	}
	return nil
}

func (s *session) HandleHeartbeat(p *protocol.HeartbeatPacket) error {
	s.connection.Touch(time.Now())
	if err := s.claim(p.ServerID); err != nil {
		return err
	}

	directory, _, _ := s.server.backend()
	if directory == nil {
		return nil
	}
	if !directory.UpdatePlayerCount(p.ServerID, int(p.OnlinePlayers), int(p.MaxPlayers)) {
		s.server.logger.Warnf("Heartbeat from unknown server: %s", p.ServerID)
		return nil
	}

	s.server.logger.Debugf("Heartbeat received from server %s - %d players", p.ServerID, p.OnlinePlayers)
	return nil
}

func (s *session) HandleServerInfoUpdate(p *protocol.ServerInfoUpdatePacket) error {
	if p.Server == nil {
		return errors.NewValidationError("server info update without server", nil)
	}

	s.connection.Touch(time.Now())
	if err := s.claim(p.Server.ServerID); err != nil {
		return err
	}

	directory, _, _ := s.server.backend()
	if directory == nil {
		return nil
	}
	directory.UpdateServerInfo(p.Server.ServerID, *p.Server)
	return nil
}

func (s *session) HandleMetadataUpdate(p *protocol.MetadataUpdatePacket) error {
	directory, _, _ := s.server.backend()
	if directory == nil {
		return nil
	}

	server, ok := directory.Server(p.ServerID)
	if !ok {
		return errors.NewNotFoundError("metadata update for unknown server", nil).WithContext("server_id", p.ServerID)
	}

	server.MergeMetadata(p.Metadata)
	s.server.logger.Debugf("Metadata updated for server %s: %v", server.Name(), p.Metadata)
	s.server.ServerUpdated(server.Info())
	return nil
}

func (s *session) HandleServerListRequest(p *protocol.ServerListRequestPacket) error {
	directory, _, _ := s.server.backend()

	servers := []domain.ServerInfo{}
	if directory != nil {
		for _, server := range directory.AllServers() {
			servers = append(servers, server.Info())
		}
	}

	s.server.logger.Debugf("Sending %d servers to %s", len(servers), p.RequesterID)
	return s.send(&protocol.ServerListPacket{Servers: servers})
}

func (s *session) HandleServerCommand(p *protocol.ServerCommandPacket) error {
	directory, _, _ := s.server.backend()

	serverID := p.ServerID
	if directory != nil {
		if server, ok := directory.FindServer(p.ServerID); ok {
			serverID = server.ID()
		}
	}

	s.server.logger.Infof("Forwarding command to server %s: %s", serverID, p.Command)
	return s.server.SendCommand(serverID, p.Command)
}

func (s *session) HandleServerControl(p *protocol.ServerControlPacket) error {
	_, _, controller := s.server.backend()
	if controller == nil {
		return errors.NewInternalError("server control is not available", nil)
	}

	s.server.logger.Infof("Server control %s for %s requested by %s", p.Action, p.ServerIdentifier, p.RequesterID)

	identifier, action := p.ServerIdentifier, p.Action
	s.server.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.server.config.ControlTimeout)
		defer cancel()

		if err := controller.ControlServer(ctx, identifier, action); err != nil {
			s.server.logger.Errorf("Server control %s for %s failed: %v", action, identifier, err)
			return
		}
		s.server.logger.Infof("Server control %s for %s completed", action, identifier)
	})
	return nil
}

func (s *session) HandleServerUpdate(p *protocol.ServerUpdatePacket) error {
	s.server.logger.Debugf("Server update received: %s", p.Server.Name)
	return nil
}

func (s *session) HandleServerList(p *protocol.ServerListPacket) error {
	s.server.logger.Debugf("Server list received with %d servers", len(p.Servers))
	return nil
}

func (s *session) HandleServerAdd(p *protocol.ServerAddPacket) error {
	s.server.logger.Debugf("Server add received: %s", p.Server.Name)
	return nil
}

func (s *session) HandleServerRemove(p *protocol.ServerRemovePacket) error {
	s.server.logger.Debugf("Server remove received: %s", p.ServerID)
	return nil
}

func (s *session) HandleFleetServerUpdate(p *protocol.FleetServerUpdatePacket) error {
	s.server.logger.Debugf("Fleet server update received from %s", s.connection.RemoteAddress())
	return nil
}
