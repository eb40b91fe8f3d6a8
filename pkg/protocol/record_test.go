package protocol

import (
	"testing"

	"github.com/core-tools/hsu-fleet/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serverRecordJSON is the record a plugin reads from ServerUpdate and FleetServerUpdate
const serverRecordJSON = `{
	"serverId": "3f2a9c1e",
	"name": "lobby-1",
	"group": "Lobby",
	"workingDirectory": "servers/Lobby/lobby-1#3f2a9c1e",
	"address": "10.0.0.4",
	"port": 25565,
	"type": "DYNAMIC",
	"createdAt": 1700000000000,
	"lastHeartbeat": 1700000005000,
	"serviceProviderId": "inmem-server-1",
	"isManuallyScaled": true,
	"shutdown": false,
	"shouldRestartAfterStop": false,
	"serverInfo": {
		"serverId": "3f2a9c1e",
		"name": "lobby-1",
		"group": "Lobby",
		"workingDirectory": "servers/Lobby/lobby-1#3f2a9c1e",
		"address": "10.0.0.4",
		"port": 25565,
		"type": "DYNAMIC",
		"status": "RUNNING",
		"onlinePlayers": 3,
		"maxPlayers": 50,
		"onlinePlayerNames": ["alice", "bob", "carol"],
		"createdAt": 1700000000000,
		"lastHeartbeat": 1700000005000,
		"serviceProviderId": "inmem-server-1",
		"isManuallyScaled": true
	},
	"metadata": {"gamemode": "bedwars"}
}`

// payloadJSON encodes the packet and returns its single string payload
func payloadJSON(t *testing.T, packet Packet) string {
	t.Helper()
	w := NewWriter()
	require.NoError(t, packet.Encode(w))
	r := NewReader(w.Bytes())
	payload, err := r.ReadString()
	require.NoError(t, err)
	assert.Zero(t, r.Remaining())
	return payload
}

func decodePayload(t *testing.T, packet Packet, payload string) {
	t.Helper()
	w := NewWriter()
	w.WriteString(payload)
	require.NoError(t, packet.Decode(NewReader(w.Bytes())))
}

func TestServerRecord_EncodesNestedState(t *testing.T) {
	server := sampleServer()

	assert.JSONEq(t, serverRecordJSON, payloadJSON(t, &ServerUpdatePacket{Server: server}))
	assert.JSONEq(t, serverRecordJSON, payloadJSON(t, &FleetServerUpdatePacket{Server: &server}))
}

func TestServerRecord_DecodesPluginRecord(t *testing.T) {
	// resourceMetrics is sent by some plugins and ignored here
	payload := `{
		"serverId": "3f2a9c1e",
		"name": "lobby-1",
		"group": "Lobby",
		"port": 25565,
		"type": "DYNAMIC",
		"createdAt": 1700000000000,
		"lastHeartbeat": 1700000005000,
		"isManuallyScaled": false,
		"shutdown": true,
		"shouldRestartAfterStop": false,
		"serverInfo": {
			"serverId": "3f2a9c1e",
			"address": "10.0.0.4",
			"status": "STOPPED",
			"onlinePlayers": 0,
			"maxPlayers": 50,
			"onlinePlayerNames": []
		},
		"resourceMetrics": {"cpuUsage": 12.5},
		"metadata": {}
	}`

	var update ServerUpdatePacket
	decodePayload(t, &update, payload)
	assert.Equal(t, "3f2a9c1e", update.Server.ServerID)
	assert.Equal(t, domain.ServerStatusStopped, update.Server.Status)
	assert.Equal(t, "10.0.0.4", update.Server.Address)
	assert.Equal(t, 50, update.Server.MaxPlayers)
	assert.Equal(t, []string{}, update.Server.OnlinePlayerNames)
	assert.True(t, update.Server.Shutdown)

	var fleetUpdate FleetServerUpdatePacket
	decodePayload(t, &fleetUpdate, payload)
	require.NotNil(t, fleetUpdate.Server)
	assert.Equal(t, update.Server, *fleetUpdate.Server)
}

func TestServerRecord_MissingStateKeepsIdentity(t *testing.T) {
	var update FleetServerUpdatePacket
	decodePayload(t, &update, `{"serverId":"abc","name":"lobby-2","group":"Lobby","type":"STATIC","port":0,"createdAt":0,"lastHeartbeat":0,"isManuallyScaled":false,"shutdown":false,"shouldRestartAfterStop":false}`)

	require.NotNil(t, update.Server)
	assert.Equal(t, "lobby-2", update.Server.Name)
	assert.Equal(t, domain.ServerTypeStatic, update.Server.Type)
	assert.Empty(t, update.Server.Status)
}

func TestFlatPayloadsHaveNoNestedState(t *testing.T) {
	server := sampleServer()

	for name, packet := range map[string]Packet{
		"server add":  &ServerAddPacket{Server: server},
		"info update": &ServerInfoUpdatePacket{Server: &server},
	} {
		t.Run(name, func(t *testing.T) {
			payload := payloadJSON(t, packet)
			assert.Contains(t, payload, `"status":"RUNNING"`)
			assert.Contains(t, payload, `"onlinePlayers":3`)
			assert.NotContains(t, payload, `"serverInfo"`)
		})
	}
}
