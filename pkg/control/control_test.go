package control

import (
	"context"
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingContract struct {
	mutex    sync.Mutex
	groups   []domain.GroupStatus
	servers  []domain.ServerInfo
	calls    []string
	failWith error
}

func (c *recordingContract) record(call string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.calls = append(c.calls, call)
	return c.failWith
}

func (c *recordingContract) Status(ctx context.Context) (string, error) {
	if err := c.record("status"); err != nil {
		return "", err
	}
	return "fleet running: 1 group, 2 servers", nil
}

func (c *recordingContract) ListGroups(ctx context.Context) ([]domain.GroupStatus, error) {
	if err := c.record("groups"); err != nil {
		return nil, err
	}
	return c.groups, nil
}

func (c *recordingContract) ListServers(ctx context.Context, group string) ([]domain.ServerInfo, error) {
	if err := c.record("servers " + group); err != nil {
		return nil, err
	}
	return c.servers, nil
}

func (c *recordingContract) ControlServer(ctx context.Context, serverIdentifier string, action domain.ServerAction) error {
	return c.record("control " + serverIdentifier + " " + string(action))
}

func (c *recordingContract) ScaleGroup(ctx context.Context, group string, direction domain.ScaleDirection) error {
	return c.record("scale " + group + " " + string(direction))
}

func (c *recordingContract) SendCommand(ctx context.Context, serverIdentifier string, command string) error {
	return c.record("command " + serverIdentifier + " " + command)
}

func (c *recordingContract) recorded() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]string(nil), c.calls...)
}

func quietLogger() logging.Logger {
	return logging.NewLogger("", logging.LogFuncs{})
}

func setupGateway(t *testing.T, contract domain.Contract) domain.Contract {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterGRPCServerHandler(server, contract, quietLogger())
	go server.Serve(listener)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewGRPCClientGateway(conn, quietLogger())
}

func TestGateway_Status(t *testing.T) {
	gateway := setupGateway(t, &recordingContract{})

	status, err := gateway.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fleet running: 1 group, 2 servers", status)
}

func TestGateway_ListGroupsAndServers(t *testing.T) {
	contract := &recordingContract{
		groups: []domain.GroupStatus{
			{Name: "Lobby", ScalingType: "normal", AutoServers: 2, MinServers: 1, MaxServers: -1, OnlinePlayers: 12},
			{Name: "Proxy", ScalingType: "proxy", Utilization: 0.5, Paused: true},
		},
		servers: []domain.ServerInfo{
			{
				ServerID:      "0b9f6f1e",
				Name:          "lobby-1",
				Group:         "Lobby",
				Port:          25565,
				Status:        domain.ServerStatusRunning,
				OnlinePlayers: 7,
				MaxPlayers:    50,
				CreatedAt:     1760000000000,
				Metadata:      map[string]string{"map": "spawn"},
			},
		},
	}
	gateway := setupGateway(t, contract)

	groups, err := gateway.ListGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, contract.groups, groups)

	servers, err := gateway.ListServers(context.Background(), "Lobby")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "lobby-1", servers[0].Name)
	assert.Equal(t, 25565, servers[0].Port)
	assert.Equal(t, domain.ServerStatusRunning, servers[0].Status)
	assert.Equal(t, int64(1760000000000), servers[0].CreatedAt)
	assert.Equal(t, "spawn", servers[0].Metadata["map"])

	assert.Equal(t, []string{"groups", "servers Lobby"}, contract.recorded())
}

func TestGateway_Commands(t *testing.T) {
	contract := &recordingContract{}
	gateway := setupGateway(t, contract)
	ctx := context.Background()

	require.NoError(t, gateway.ControlServer(ctx, "lobby-1", domain.ServerActionRestart))
	require.NoError(t, gateway.ScaleGroup(ctx, "Lobby", domain.ScaleDirectionPause))
	require.NoError(t, gateway.SendCommand(ctx, "lobby-1", "say hello"))

	assert.Equal(t, []string{
		"control lobby-1 RESTART",
		"scale Lobby PAUSE",
		"command lobby-1 say hello",
	}, contract.recorded())
}

func TestGateway_ErrorTypesSurviveTransport(t *testing.T) {
	testCases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", errors.NewValidationError("bad action", nil), errors.IsValidationError},
		{"not found", errors.NewNotFoundError("server not found", nil), errors.IsNotFoundError},
		{"rejected", errors.NewRejectedError("fleet not running", nil), errors.IsRejectedError},
		{"timeout", errors.NewTimeoutError("command timed out", nil), errors.IsTimeoutError},
		{"internal", errors.NewInternalError("boom", nil), errors.IsInternalError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gateway := setupGateway(t, &recordingContract{failWith: tc.err})

			err := gateway.ScaleGroup(context.Background(), "Lobby", domain.ScaleDirectionUp)
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected error type: %v", err)
			assert.Contains(t, err.Error(), tc.err.Error())

			_, err = gateway.ListGroups(context.Background())
			assert.True(t, tc.check(err), "unexpected error type: %v", err)
		})
	}
}
