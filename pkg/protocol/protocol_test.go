package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func newQuietLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

func sampleServer() domain.ServerInfo {
	return domain.ServerInfo{
		ServerID:          "3f2a9c1e",
		Name:              "lobby-1",
		Group:             "Lobby",
		WorkingDirectory:  "servers/Lobby/lobby-1#3f2a9c1e",
		Address:           "10.0.0.4",
		Port:              25565,
		Type:              domain.ServerTypeDynamic,
		Status:            domain.ServerStatusRunning,
		OnlinePlayers:     3,
		MaxPlayers:        50,
		OnlinePlayerNames: []string{"alice", "bob", "carol"},
		CreatedAt:         1_700_000_000_000,
		LastHeartbeat:     1_700_000_005_000,
		ServiceProviderID: "inmem-server-1",
		ManuallyScaled:    true,
		Metadata:          map[string]string{"gamemode": "bedwars"},
	}
}

func roundTrip(t *testing.T, packet Packet) Packet {
	t.Helper()
	frame, err := Encode(packet)
	require.NoError(t, err)

	decoder := NewDecoder(newQuietLogger())
	decoder.Feed(frame)
	decoded, err := decoder.Next()
	require.NoError(t, err)
	require.NotNil(t, decoded)
	assert.Equal(t, 0, decoder.Buffered())
	return decoded
}

func TestPackets_RoundTrip(t *testing.T) {
	server := sampleServer()

	packets := map[string]Packet{
		"handshake request":  &HandshakePacket{PluginType: "velocity", Version: "1.2.0", AuthToken: "secret"},
		"handshake response": &HandshakePacket{PluginType: "velocity", Version: "1.2.0", Accepted: true, Reason: "Accepted"},
		"authentication":     &AuthenticationPacket{AuthToken: "secret", ServerID: "abc", Success: true},
		"heartbeat":          &HeartbeatPacket{ServerID: "abc", Timestamp: 1_700_000_000_123, OnlinePlayers: 7, MaxPlayers: 64},
		"server update":      &ServerUpdatePacket{Server: server},
		"server list":        &ServerListPacket{Servers: []domain.ServerInfo{server, {ServerID: "x", Name: "x-1", Type: domain.ServerTypeStatic, Status: domain.ServerStatusStarting}}},
		"empty server list":  &ServerListPacket{Servers: []domain.ServerInfo{}},
		"server add":         &ServerAddPacket{Server: server},
		"server remove":      &ServerRemovePacket{ServerID: "abc", Reason: "Server status changed to STOPPED"},
		"list request":       &ServerListRequestPacket{RequesterID: "proxy-1"},
		"info update":        &ServerInfoUpdatePacket{Server: &server},
		"info update null":   &ServerInfoUpdatePacket{},
		"fleet update":       &FleetServerUpdatePacket{Server: &server},
		"fleet update null":  &FleetServerUpdatePacket{},
		"metadata":           &MetadataUpdatePacket{ServerID: "abc", Metadata: map[string]string{"state": "ingame"}},
		"metadata null":      &MetadataUpdatePacket{ServerID: "abc"},
		"command":            &ServerCommandPacket{ServerID: "abc", Command: "say hello"},
		"control":            &ServerControlPacket{ServerIdentifier: "lobby-1", Action: domain.ServerActionRestart, RequesterID: "proxy-1"},
		"unicode strings":    &ServerRemovePacket{ServerID: "ñ-服务器", Reason: ""},
	}

	for name, packet := range packets {
		t.Run(name, func(t *testing.T) {
			decoded := roundTrip(t, packet)
			assert.Equal(t, packet.ID(), decoded.ID())
			assert.Equal(t, packet, decoded)
		})
	}
}

func TestEncode_FrameLayout(t *testing.T) {
	frame, err := Encode(&ServerListRequestPacket{RequesterID: "ab"})
	require.NoError(t, err)

	expected := []byte{
		0x00, 0x00, 0x00, 0x14, // id
		0x00, 0x00, 0x00, 0x06, // payload length
		0x00, 0x00, 0x00, 0x02, 'a', 'b',
	}
	assert.Equal(t, expected, frame)
}

func TestWriter_NullString(t *testing.T) {
	w := NewWriter()
	w.WriteNullableString(nil)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, w.Bytes())

	r := NewReader(w.Bytes())
	s, err := r.ReadNullableString()
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestDecoder_IncompleteFrame(t *testing.T) {
	frame, err := Encode(&HeartbeatPacket{ServerID: "abc", Timestamp: 42, OnlinePlayers: 1, MaxPlayers: 2})
	require.NoError(t, err)

	decoder := NewDecoder(newQuietLogger())

	t.Run("partial header", func(t *testing.T) {
		decoder.Feed(frame[:5])
		packet, err := decoder.Next()
		require.NoError(t, err)
		assert.Nil(t, packet)
		assert.Equal(t, 5, decoder.Buffered())
	})

	t.Run("partial payload", func(t *testing.T) {
		decoder.Feed(frame[5 : len(frame)-1])
		packet, err := decoder.Next()
		require.NoError(t, err)
		assert.Nil(t, packet)
		assert.Equal(t, len(frame)-1, decoder.Buffered())
	})

	t.Run("completed", func(t *testing.T) {
		decoder.Feed(frame[len(frame)-1:])
		packet, err := decoder.Next()
		require.NoError(t, err)
		require.NotNil(t, packet)
		assert.Equal(t, &HeartbeatPacket{ServerID: "abc", Timestamp: 42, OnlinePlayers: 1, MaxPlayers: 2}, packet)
		assert.Equal(t, 0, decoder.Buffered())
	})
}

func TestDecoder_MultipleFramesInOneRead(t *testing.T) {
	first, err := Encode(&ServerListRequestPacket{RequesterID: "a"})
	require.NoError(t, err)
	second, err := Encode(&ServerRemovePacket{ServerID: "b", Reason: "gone"})
	require.NoError(t, err)

	decoder := NewDecoder(newQuietLogger())
	decoder.Feed(append(append([]byte{}, first...), second[:3]...))

	packet, err := decoder.Next()
	require.NoError(t, err)
	assert.Equal(t, &ServerListRequestPacket{RequesterID: "a"}, packet)

	packet, err = decoder.Next()
	require.NoError(t, err)
	assert.Nil(t, packet)

	decoder.Feed(second[3:])
	packet, err = decoder.Next()
	require.NoError(t, err)
	assert.Equal(t, &ServerRemovePacket{ServerID: "b", Reason: "gone"}, packet)
}

func TestDecoder_SkipsUnknownPacket(t *testing.T) {
	logger := &MockLogger{}
	logger.On("Warnf", "Unknown packet id 0x%02x, skipping %d bytes", mock.Anything).Once()

	unknown := make([]byte, HeaderSize+3)
	binary.BigEndian.PutUint32(unknown[0:4], 0x7f)
	binary.BigEndian.PutUint32(unknown[4:8], 3)
	known, err := Encode(&ServerListRequestPacket{RequesterID: "after"})
	require.NoError(t, err)

	decoder := NewDecoder(logger)
	decoder.Feed(unknown)
	decoder.Feed(known)

	packet, err := decoder.Next()
	require.NoError(t, err)
	assert.Equal(t, &ServerListRequestPacket{RequesterID: "after"}, packet)
	logger.AssertExpectations(t)
}

func TestDecoder_DropsMalformedPayload(t *testing.T) {
	// heartbeat whose payload is too short for its fields
	frame := make([]byte, HeaderSize+2)
	binary.BigEndian.PutUint32(frame[0:4], uint32(HeartbeatID))
	binary.BigEndian.PutUint32(frame[4:8], 2)

	decoder := NewDecoder(newQuietLogger())
	decoder.Feed(frame)

	packet, err := decoder.Next()
	require.NoError(t, err)
	assert.Nil(t, packet)
	assert.Equal(t, 0, decoder.Buffered())
}

func TestDecoder_InvalidLengthIsFatal(t *testing.T) {
	for name, length := range map[string]uint32{
		"negative":  0xffffffff,
		"oversized": MaxPayloadSize + 1,
	} {
		t.Run(name, func(t *testing.T) {
			frame := make([]byte, HeaderSize)
			binary.BigEndian.PutUint32(frame[0:4], uint32(HeartbeatID))
			binary.BigEndian.PutUint32(frame[4:8], length)

			decoder := NewDecoder(newQuietLogger())
			decoder.Feed(frame)
			_, err := decoder.Next()
			require.Error(t, err)
			assert.True(t, errors.IsProtocolError(err))
		})
	}
}

type recordingHandler struct {
	NopHandler
	heartbeats []*HeartbeatPacket
	controls   []*ServerControlPacket
}

func (h *recordingHandler) HandleHeartbeat(p *HeartbeatPacket) error {
	h.heartbeats = append(h.heartbeats, p)
	return nil
}

func (h *recordingHandler) HandleServerControl(p *ServerControlPacket) error {
	h.controls = append(h.controls, p)
	return nil
}

func TestDispatch(t *testing.T) {
	handler := &recordingHandler{}

	require.NoError(t, Dispatch(&HeartbeatPacket{ServerID: "a"}, handler))
	require.NoError(t, Dispatch(&ServerControlPacket{ServerIdentifier: "b", Action: domain.ServerActionStop}, handler))
	require.NoError(t, Dispatch(&ServerListRequestPacket{}, handler))

	require.Len(t, handler.heartbeats, 1)
	assert.Equal(t, "a", handler.heartbeats[0].ServerID)
	require.Len(t, handler.controls, 1)
	assert.Equal(t, domain.ServerActionStop, handler.controls[0].Action)
}

func TestNewPacket_CoversCatalog(t *testing.T) {
	ids := []int32{
		HandshakeID, AuthenticationID, HeartbeatID, ServerUpdateID, ServerListID, ServerAddID,
		ServerRemoveID, ServerListRequestID, ServerInfoUpdateID, FleetServerUpdateID,
		MetadataUpdateID, ServerCommandID, ServerControlID,
	}
	for _, id := range ids {
		packet := NewPacket(id)
		require.NotNil(t, packet, "id 0x%02x", id)
		assert.Equal(t, id, packet.ID())
		assert.NoError(t, Dispatch(packet, NopHandler{}))
	}
	assert.Nil(t, NewPacket(0x7f))
}
