package protocol

import (
	"encoding/json"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
)

// Packet ids, shared with every plugin implementation
const (
	HandshakeID         int32 = 0x01
	AuthenticationID    int32 = 0x02
	HeartbeatID         int32 = 0x03
	ServerUpdateID      int32 = 0x10
	ServerListID        int32 = 0x11
	ServerAddID         int32 = 0x12
	ServerRemoveID      int32 = 0x13
	ServerListRequestID int32 = 0x14
	ServerInfoUpdateID  int32 = 0x20
	FleetServerUpdateID int32 = 0x21
	MetadataUpdateID    int32 = 0x22
	ServerCommandID     int32 = 0x30
	ServerControlID     int32 = 0x31
)

// Packet is one wire message. Each type owns its payload layout.
type Packet interface {
	ID() int32
	Encode(w *Writer) error
	Decode(r *Reader) error
}

// NewPacket returns an empty packet for the id, or nil when the id is unknown
func NewPacket(id int32) Packet {
	switch id {
	case HandshakeID:
		return &HandshakePacket{}
	case AuthenticationID:
		return &AuthenticationPacket{}
	case HeartbeatID:
		return &HeartbeatPacket{}
	case ServerUpdateID:
		return &ServerUpdatePacket{}
	case ServerListID:
		return &ServerListPacket{}
	case ServerAddID:
		return &ServerAddPacket{}
	case ServerRemoveID:
		return &ServerRemovePacket{}
	case ServerListRequestID:
		return &ServerListRequestPacket{}
	case ServerInfoUpdateID:
		return &ServerInfoUpdatePacket{}
	case FleetServerUpdateID:
		return &FleetServerUpdatePacket{}
	case MetadataUpdateID:
		return &MetadataUpdatePacket{}
	case ServerCommandID:
		return &ServerCommandPacket{}
	case ServerControlID:
		return &ServerControlPacket{}
	default:
		return nil
	}
}

// HandshakePacket opens a session. The plugin sends its identity and token; the
// control plane answers with the same packet carrying Accepted and Reason.
type HandshakePacket struct {
	PluginType string
	Version    string
	AuthToken  string
	Accepted   bool
	Reason     string
}

func (p *HandshakePacket) ID() int32 { return HandshakeID }

func (p *HandshakePacket) Encode(w *Writer) error {
	w.WriteString(p.PluginType)
	w.WriteString(p.Version)
	w.WriteString(p.AuthToken)
	w.WriteBool(p.Accepted)
	w.WriteString(p.Reason)
	return nil
}

func (p *HandshakePacket) Decode(r *Reader) (err error) {
	if p.PluginType, err = r.ReadString(); err != nil {
		return err
	}
	if p.Version, err = r.ReadString(); err != nil {
		return err
	}
	if p.AuthToken, err = r.ReadString(); err != nil {
		return err
	}
	if p.Accepted, err = r.ReadBool(); err != nil {
		return err
	}
	p.Reason, err = r.ReadString()
	return err
}

// AuthenticationPacket re-presents the shared secret on an open session
type AuthenticationPacket struct {
	AuthToken string
	ServerID  string
	Success   bool
}

func (p *AuthenticationPacket) ID() int32 { return AuthenticationID }

func (p *AuthenticationPacket) Encode(w *Writer) error {
	w.WriteString(p.AuthToken)
	w.WriteString(p.ServerID)
	w.WriteBool(p.Success)
	return nil
}

func (p *AuthenticationPacket) Decode(r *Reader) (err error) {
	if p.AuthToken, err = r.ReadString(); err != nil {
		return err
	}
	if p.ServerID, err = r.ReadString(); err != nil {
		return err
	}
	p.Success, err = r.ReadBool()
	return err
}

type HeartbeatPacket struct {
	ServerID      string
	Timestamp     int64
	OnlinePlayers int32
	MaxPlayers    int32
}

func (p *HeartbeatPacket) ID() int32 { return HeartbeatID }

func (p *HeartbeatPacket) Encode(w *Writer) error {
	w.WriteString(p.ServerID)
	w.WriteInt64(p.Timestamp)
	w.WriteInt32(p.OnlinePlayers)
	w.WriteInt32(p.MaxPlayers)
	return nil
}

func (p *HeartbeatPacket) Decode(r *Reader) (err error) {
	if p.ServerID, err = r.ReadString(); err != nil {
		return err
	}
	if p.Timestamp, err = r.ReadInt64(); err != nil {
		return err
	}
	if p.OnlinePlayers, err = r.ReadInt32(); err != nil {
		return err
	}
	p.MaxPlayers, err = r.ReadInt32()
	return err
}

// ServerUpdatePacket broadcasts a changed server as a nested server record
type ServerUpdatePacket struct {
	Server domain.ServerInfo
}

func (p *ServerUpdatePacket) ID() int32 { return ServerUpdateID }

func (p *ServerUpdatePacket) Encode(w *Writer) error {
	return writeServerRecord(w, &p.Server)
}

func (p *ServerUpdatePacket) Decode(r *Reader) error {
	server, err := readServerRecord(r)
	if err != nil {
		return err
	}
	p.Server = domain.ServerInfo{}
	if server != nil {
		p.Server = *server
	}
	return nil
}

// ServerListPacket answers a ServerListRequest with every tracked server
type ServerListPacket struct {
	Servers []domain.ServerInfo
}

func (p *ServerListPacket) ID() int32 { return ServerListID }

func (p *ServerListPacket) Encode(w *Writer) error {
	servers := p.Servers
	if servers == nil {
		servers = []domain.ServerInfo{}
	}
	return writeJSON(w, servers)
}

func (p *ServerListPacket) Decode(r *Reader) error {
	if err := readJSON(r, &p.Servers); err != nil {
		return err
	}
	if p.Servers == nil {
		p.Servers = []domain.ServerInfo{}
	}
	return nil
}

type ServerAddPacket struct {
	Server domain.ServerInfo
}

func (p *ServerAddPacket) ID() int32 { return ServerAddID }

func (p *ServerAddPacket) Encode(w *Writer) error {
	return writeJSON(w, p.Server)
}

func (p *ServerAddPacket) Decode(r *Reader) error {
	return readJSON(r, &p.Server)
}

type ServerRemovePacket struct {
	ServerID string
	Reason   string
}

func (p *ServerRemovePacket) ID() int32 { return ServerRemoveID }

func (p *ServerRemovePacket) Encode(w *Writer) error {
	w.WriteString(p.ServerID)
	w.WriteString(p.Reason)
	return nil
}

func (p *ServerRemovePacket) Decode(r *Reader) (err error) {
	if p.ServerID, err = r.ReadString(); err != nil {
		return err
	}
	p.Reason, err = r.ReadString()
	return err
}

type ServerListRequestPacket struct {
	RequesterID string
}

func (p *ServerListRequestPacket) ID() int32 { return ServerListRequestID }

func (p *ServerListRequestPacket) Encode(w *Writer) error {
	w.WriteString(p.RequesterID)
	return nil
}

func (p *ServerListRequestPacket) Decode(r *Reader) (err error) {
	p.RequesterID, err = r.ReadString()
	return err
}

// ServerInfoUpdatePacket is a backend's self-report. A nil Server encodes as null.
type ServerInfoUpdatePacket struct {
	Server *domain.ServerInfo
}

func (p *ServerInfoUpdatePacket) ID() int32 { return ServerInfoUpdateID }

func (p *ServerInfoUpdatePacket) Encode(w *Writer) error {
	return writeNullableJSON(w, p.Server)
}

func (p *ServerInfoUpdatePacket) Decode(r *Reader) (err error) {
	p.Server, err = readNullableServer(r)
	return err
}

// FleetServerUpdatePacket pushes the control plane's view of a server back to its plugin,
// in the same nested record as ServerUpdate. A nil Server encodes as null.
type FleetServerUpdatePacket struct {
	Server *domain.ServerInfo
}

func (p *FleetServerUpdatePacket) ID() int32 { return FleetServerUpdateID }

func (p *FleetServerUpdatePacket) Encode(w *Writer) error {
	return writeServerRecord(w, p.Server)
}

func (p *FleetServerUpdatePacket) Decode(r *Reader) (err error) {
	p.Server, err = readServerRecord(r)
	return err
}

type MetadataUpdatePacket struct {
	ServerID string
	// nil encodes as null
	Metadata map[string]string
}

func (p *MetadataUpdatePacket) ID() int32 { return MetadataUpdateID }

func (p *MetadataUpdatePacket) Encode(w *Writer) error {
	w.WriteString(p.ServerID)
	if p.Metadata == nil {
		w.WriteNullableString(nil)
		return nil
	}
	return writeJSON(w, p.Metadata)
}

func (p *MetadataUpdatePacket) Decode(r *Reader) (err error) {
	if p.ServerID, err = r.ReadString(); err != nil {
		return err
	}
	raw, err := r.ReadNullableString()
	if err != nil || raw == nil {
		p.Metadata = nil
		return err
	}
	return unmarshal(*raw, &p.Metadata)
}

type ServerCommandPacket struct {
	ServerID string `json:"serverId"`
	Command  string `json:"command"`
}

func (p *ServerCommandPacket) ID() int32 { return ServerCommandID }

func (p *ServerCommandPacket) Encode(w *Writer) error {
	return writeJSON(w, p)
}

func (p *ServerCommandPacket) Decode(r *Reader) error {
	return readJSON(r, p)
}

// ServerControlPacket asks the control plane to start, stop or restart a server.
// ServerIdentifier may be an id or a name.
type ServerControlPacket struct {
	ServerIdentifier string              `json:"serverIdentifier"`
	Action           domain.ServerAction `json:"action"`
	RequesterID      string              `json:"requesterId"`
}

func (p *ServerControlPacket) ID() int32 { return ServerControlID }

func (p *ServerControlPacket) Encode(w *Writer) error {
	return writeJSON(w, p)
}

func (p *ServerControlPacket) Decode(r *Reader) error {
	return readJSON(r, p)
}

func writeJSON(w *Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.NewProtocolError("failed to marshal payload", err)
	}
	w.WriteString(string(data))
	return nil
}

func writeNullableJSON(w *Writer, server *domain.ServerInfo) error {
	if server == nil {
		w.WriteNullableString(nil)
		return nil
	}
	return writeJSON(w, server)
}

func readJSON(r *Reader, v interface{}) error {
	raw, err := r.ReadNullableString()
	if err != nil || raw == nil {
		return err
	}
	return unmarshal(*raw, v)
}

func readNullableServer(r *Reader) (*domain.ServerInfo, error) {
	raw, err := r.ReadNullableString()
	if err != nil || raw == nil {
		return nil, err
	}
	var server domain.ServerInfo
	if err := unmarshal(*raw, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

func unmarshal(raw string, v interface{}) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return errors.NewProtocolError("failed to unmarshal payload", err)
	}
	return nil
}
