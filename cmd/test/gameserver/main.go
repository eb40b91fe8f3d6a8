package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/protocol"
)

// gameserver stands in for a real game server under the process provider. It
// accepts connections on SERVER_PORT so the TCP probe passes and, when a fleet
// address is given, registers as a plugin and sends heartbeats.
type flagOptions struct {
	RunDuration       int    `long:"run-duration" description:"Duration in seconds to run (debug feature)"`
	FleetAddress      string `long:"fleet" env:"FLEET_ADDRESS" description:"plugin endpoint of the fleet, host:port"`
	FleetKey          string `long:"key" env:"FLEET_KEY" description:"shared plugin key"`
	Players           int    `long:"players" description:"online players to report"`
	MaxPlayers        int    `long:"max-players" default:"50" description:"player capacity to report"`
	HeartbeatInterval int    `long:"heartbeat" default:"5" description:"heartbeat interval in seconds"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	serverID := os.Getenv("SERVER_ID")
	serverName := os.Getenv("SERVER_NAME")
	port, _ := strconv.Atoi(os.Getenv("SERVER_PORT"))

	fmt.Printf("Running gameserver %s (%s), opts: %+v...\n", serverName, serverID, opts)

	ctx := context.Background()
	if opts.RunDuration > 0 {
		fmt.Printf("Using RUN DURATION of %d seconds\n", opts.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup

	if port > 0 {
		listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			fmt.Printf("Failed to listen on port %d: %v\n", port, err)
			os.Exit(1)
		}
		defer listener.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			acceptLoop(listener)
		}()
		go func() {
			<-ctx.Done()
			listener.Close()
		}()
	}

	if opts.FleetAddress != "" && serverID != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runPlugin(ctx, opts, serverID); err != nil {
				fmt.Printf("Plugin session ended: %v\n", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	fmt.Printf("Gameserver is fully operational\n")

	select {
	case receivedSignal := <-sig:
		fmt.Printf("Gameserver received signal: %v\n", receivedSignal)
	case <-ctx.Done():
		fmt.Printf("Gameserver timed out\n")
	}

	stop()
	wg.Wait()
	fmt.Printf("Gameserver is stopped\n")
}

func acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

// plugin answers control plane packets for one server
type plugin struct {
	protocol.NopHandler
	serverID string
	accepted chan bool
}

func (p *plugin) HandleHandshake(packet *protocol.HandshakePacket) error {
	fmt.Printf("Handshake answered: accepted=%t reason=%s\n", packet.Accepted, packet.Reason)
	p.accepted <- packet.Accepted
	return nil
}

func (p *plugin) HandleServerCommand(packet *protocol.ServerCommandPacket) error {
	fmt.Printf("[console] %s\n", packet.Command)
	return nil
}

func (p *plugin) HandleFleetServerUpdate(packet *protocol.FleetServerUpdatePacket) error {
	if packet.Server != nil {
		fmt.Printf("Fleet reports status %s for %s\n", packet.Server.Status, packet.Server.Name)
	}
	return nil
}

func runPlugin(ctx context.Context, opts flagOptions, serverID string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", opts.FleetAddress)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	handler := &plugin{serverID: serverID, accepted: make(chan bool, 1)}
	readErr := make(chan error, 1)
	go func() {
		readErr <- readLoop(conn, handler)
	}()

	send := func(packet protocol.Packet) error {
		frame, err := protocol.Encode(packet)
		if err != nil {
			return err
		}
		_, err = conn.Write(frame)
		return err
	}

	if err := send(&protocol.HandshakePacket{PluginType: "gameserver", Version: "1.0", AuthToken: opts.FleetKey}); err != nil {
		return err
	}
	select {
	case accepted := <-handler.accepted:
		if !accepted {
			return fmt.Errorf("handshake rejected")
		}
	case err := <-readErr:
		return err
	case <-ctx.Done():
		return nil
	}

	if err := send(&protocol.AuthenticationPacket{AuthToken: opts.FleetKey, ServerID: serverID}); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Duration(opts.HeartbeatInterval) * time.Second)
	defer ticker.Stop()

	for {
		heartbeat := &protocol.HeartbeatPacket{
			ServerID:      serverID,
			Timestamp:     time.Now().UnixMilli(),
			OnlinePlayers: int32(opts.Players),
			MaxPlayers:    int32(opts.MaxPlayers),
		}
		if err := send(heartbeat); err != nil {
			return err
		}

		select {
		case <-ticker.C:
		case err := <-readErr:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

func readLoop(conn net.Conn, handler protocol.Handler) error {
	decoder := protocol.NewDecoder(logging.NewLogger("", logging.LogFuncs{}))
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}
		decoder.Feed(buf[:n])
		for {
			packet, err := decoder.Next()
			if err != nil {
				return err
			}
			if packet == nil {
				break
			}
			if err := protocol.Dispatch(packet, handler); err != nil {
				return err
			}
		}
	}
}
