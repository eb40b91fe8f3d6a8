package domain

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServer_InfoIsACopy(t *testing.T) {
	server := NewServer(ServerInfo{
		ServerID:          "id-1",
		Name:              "lobby-1",
		OnlinePlayerNames: []string{"alice"},
		Metadata:          map[string]string{"map": "castle"},
	})

	info := server.Info()
	info.OnlinePlayerNames[0] = "mallory"
	info.Metadata["map"] = "changed"

	again := server.Info()
	assert.Equal(t, []string{"alice"}, again.OnlinePlayerNames)
	assert.Equal(t, "castle", again.Metadata["map"])
}

func TestServer_BeginShutdownIsSingleFlight(t *testing.T) {
	server := NewServer(ServerInfo{ServerID: "id-1"})

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if server.BeginShutdown() {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
	assert.True(t, server.IsShuttingDown())
	assert.True(t, server.Info().Shutdown)

	server.ClearShutdown()
	assert.False(t, server.IsShuttingDown())
	assert.True(t, server.BeginShutdown())
}

func TestServer_StatusAndHeartbeat(t *testing.T) {
	server := NewServer(ServerInfo{ServerID: "id-1", Status: ServerStatusStarting})

	old := server.SetStatus(ServerStatusRunning)
	assert.Equal(t, ServerStatusStarting, old)
	assert.Equal(t, ServerStatusRunning, server.Status())

	now := time.UnixMilli(1_700_000_000_000)
	server.Touch(now)
	assert.Equal(t, now, server.LastHeartbeat())
}

func TestServer_MergeMetadata(t *testing.T) {
	server := NewServer(ServerInfo{ServerID: "id-1"})
	server.MergeMetadata(map[string]string{"state": "waiting", "map": "castle"})
	server.MergeMetadata(map[string]string{"state": "ingame", "map": ""})

	assert.Equal(t, map[string]string{"state": "ingame"}, server.Metadata())
}

func TestGroupConfig_Helpers(t *testing.T) {
	group := GroupConfig{Name: "Lobby"}
	assert.Equal(t, "lobby-{id}", group.NamePattern())
	assert.Equal(t, ServerTypeDynamic, group.ServerType())
	assert.False(t, group.IsProxy())
	assert.Equal(t, "Lobby", group.DisplayNameOrName())

	group.Server.Type = "static"
	group.Scaling.Type = "PROXY"
	group.Server.Naming = NamingSettings{Identifier: "UUID", NamePattern: "proxy-{id}"}
	assert.Equal(t, ServerTypeStatic, group.ServerType())
	assert.True(t, group.IsProxy())
	assert.True(t, group.UsesUUIDNaming())
	assert.Equal(t, "proxy-{id}", group.NamePattern())
}
