package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-fleet/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintGroups(t *testing.T) {
	groups := []domain.GroupStatus{
		{Name: "Lobby", ScalingType: "normal", AutoServers: 2, MinServers: 1, MaxServers: -1, OnlinePlayers: 40},
		{Name: "Proxy", ScalingType: "proxy", Utilization: 0.5, Paused: true, PendingRemovals: 1},
	}

	var out bytes.Buffer
	require.NoError(t, printGroups(&out, groups, "table"))
	assert.Contains(t, out.String(), "Lobby")
	assert.Contains(t, out.String(), "unlimited")
	assert.Contains(t, out.String(), "50%")
	assert.Contains(t, out.String(), "1 removing")

	out.Reset()
	require.NoError(t, printGroups(&out, groups, "json"))
	var decoded []domain.GroupStatus
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, groups, decoded)

	out.Reset()
	require.NoError(t, printGroups(&out, nil, "table"))
	assert.Contains(t, out.String(), "No groups loaded")
}

func TestPrintServers(t *testing.T) {
	servers := []domain.ServerInfo{
		{Name: "lobby-1", Group: "Lobby", Status: domain.ServerStatusRunning, Address: "10.0.0.5", Port: 25565, OnlinePlayers: 3, MaxPlayers: 50},
	}

	var out bytes.Buffer
	require.NoError(t, printServers(&out, servers, "table"))
	assert.Contains(t, out.String(), "lobby-1")
	assert.Contains(t, out.String(), "10.0.0.5:25565")
	assert.Contains(t, out.String(), "3/50")

	out.Reset()
	require.NoError(t, printServers(&out, servers, "yaml"))
	var decoded []map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded, 1)

	assert.Error(t, printServers(&out, servers, "xml"))
}

func TestCommandTree(t *testing.T) {
	names := []string{}
	for _, cmd := range rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Subset(t, names, []string{"status", "groups", "servers", "scale", "command", "start", "stop", "restart", "remove", "logs"})

	scale, _, err := rootCmd.Find([]string{"scale"})
	require.NoError(t, err)
	assert.Error(t, scale.Args(scale, []string{"Lobby"}))
	assert.NoError(t, scale.Args(scale, []string{"Lobby", "up"}))
}

func TestLogsURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:9091/logs/lobby-1", logsURL("127.0.0.1:9091", "lobby-1", 0))
	assert.Equal(t, "ws://fleet:9091/logs/lobby%201?lines=25", logsURL("fleet:9091", "lobby 1", 25))
}
