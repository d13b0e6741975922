package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"lanchat/app"
	"lanchat/config"
	"lanchat/models"
	"lanchat/storage"
)

var errQuit = errors.New("quit")

// commandTimeout bounds one console command that touches the network.
const commandTimeout = 10 * time.Second

// runtimeCommands is the part of the runtime the console drives.
type runtimeCommands interface {
	Identity() config.Identity
	GetCurrentPeers() []models.PeerInfo
	KnownPeers() ([]storage.KnownPeer, error)
	Rename(name string) error
	Connect(ctx context.Context, addr string) error
	ConnectPeer(ctx context.Context, peerID string) (string, error)
	SendMessage(ctx context.Context, addr, text string) error
	Disconnect(addr string) error
	Connections() []string
	RefreshPeers(ctx context.Context) error
	ServerAddress() string
}

var _ runtimeCommands = (*app.Runtime)(nil)

type consoleCommand struct {
	name string
	args []string
}

// parseCommand splits a console line. /send and /rename keep the rest of the
// line as one argument so text may contain spaces.
func parseCommand(line string) (consoleCommand, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return consoleCommand{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return consoleCommand{}, fmt.Errorf("commands start with /, try /help")
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	cmd := consoleCommand{name: strings.ToLower(name)}

	switch cmd.name {
	case "/peers", "/known", "/refresh", "/whoami", "/conns", "/help", "/quit":
		if rest != "" {
			return consoleCommand{}, fmt.Errorf("%s takes no arguments", cmd.name)
		}
	case "/connect", "/connect-peer", "/disconnect":
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return consoleCommand{}, fmt.Errorf("usage: %s <%s>", cmd.name, argName(cmd.name))
		}
		cmd.args = []string{rest}
	case "/rename":
		if rest == "" {
			return consoleCommand{}, errors.New("usage: /rename <name>")
		}
		cmd.args = []string{rest}
	case "/send":
		addr, text, ok := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if !ok || addr == "" || text == "" {
			return consoleCommand{}, errors.New("usage: /send <addr> <text>")
		}
		cmd.args = []string{addr, text}
	default:
		return consoleCommand{}, fmt.Errorf("unknown command %s, try /help", cmd.name)
	}
	return cmd, nil
}

func argName(command string) string {
	if command == "/connect-peer" {
		return "peer-id"
	}
	return "addr"
}

const consoleHelp = `/peers                  live peers
/known                  every peer ever seen
/connect <addr>         open a connection to host:port
/connect-peer <id>      connect to a peer's advertised address
/send <addr> <text>     send a message on an open connection
/disconnect <addr>      close a connection
/conns                  open connections
/rename <name>          change the display name
/refresh                scan for peers now
/whoami                 show the local identity
/quit                   stop the node`

type console struct {
	rt  runtimeCommands
	out io.Writer
}

// run reads commands from in until EOF, /quit or ctx ends. It returns
// errQuit for /quit and nil otherwise.
func (c *console) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
				continue
			}
			if cmd.name == "" {
				continue
			}
			if err := c.execute(ctx, cmd); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *console) execute(ctx context.Context, cmd consoleCommand) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd.name {
	case "/quit":
		return errQuit
	case "/help":
		fmt.Fprintln(c.out, consoleHelp)
	case "/whoami":
		id := c.rt.Identity()
		fmt.Fprintf(c.out, "%s (%s) listening on %s\n", id.DisplayName, id.PeerID, c.rt.ServerAddress())
	case "/peers":
		peers := c.rt.GetCurrentPeers()
		if len(peers) == 0 {
			fmt.Fprintln(c.out, "no peers online")
			return nil
		}
		w := tabwriter.NewWriter(c.out, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPEER ID\tADDRESS\tPLATFORM")
		for _, peer := range peers {
			var name, addr, platform string
			if peer.Metadata != nil {
				name, addr, platform = peer.Metadata.Name, peer.Metadata.Addr, peer.Metadata.Platform
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, peer.ID, addr, platform)
		}
		return w.Flush()
	case "/known":
		peers, err := c.rt.KnownPeers()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(c.out, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPEER ID\tSTATUS\tADDRESS")
		for _, peer := range peers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", peer.DisplayName, peer.PeerID, peer.Status, peer.Address)
		}
		return w.Flush()
	case "/conns":
		conns := c.rt.Connections()
		if len(conns) == 0 {
			fmt.Fprintln(c.out, "no open connections")
			return nil
		}
		for _, addr := range conns {
			fmt.Fprintln(c.out, addr)
		}
	case "/connect":
		if err := c.rt.Connect(ctx, cmd.args[0]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "connected to %s\n", cmd.args[0])
	case "/connect-peer":
		addr, err := c.rt.ConnectPeer(ctx, cmd.args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "connected to %s at %s\n", cmd.args[0], addr)
	case "/send":
		return c.rt.SendMessage(ctx, cmd.args[0], cmd.args[1])
	case "/disconnect":
		return c.rt.Disconnect(cmd.args[0])
	case "/rename":
		if err := c.rt.Rename(cmd.args[0]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "display name is now %q\n", c.rt.Identity().DisplayName)
	case "/refresh":
		return c.rt.RefreshPeers(ctx)
	}
	return nil
}

// formatEvent renders a shell event as one console line.
func formatEvent(event app.ShellEvent) string {
	at := time.UnixMilli(event.Timestamp).Format(time.TimeOnly)
	switch event.Type {
	case app.EventPeerConnected, app.EventPeerUpdated, app.EventPeerReconnected:
		name, addr := "", ""
		if event.Peer.Metadata != nil {
			name, addr = event.Peer.Metadata.Name, event.Peer.Metadata.Addr
		}
		return fmt.Sprintf("[%s] %s %s (%s) at %s", at, event.Type, name, event.Peer.ID, addr)
	case app.EventPeerDisconnected:
		return fmt.Sprintf("[%s] %s %s", at, event.Type, event.Peer.ID)
	case app.EventWsConnected:
		return fmt.Sprintf("[%s] %s %s (%s)", at, event.Type, event.Addr, event.Direction)
	case app.EventWsDisconnected:
		if event.Error != "" {
			return fmt.Sprintf("[%s] %s %s: %s", at, event.Type, event.Addr, event.Error)
		}
		return fmt.Sprintf("[%s] %s %s", at, event.Type, event.Addr)
	case app.EventWsMessage:
		return fmt.Sprintf("[%s] <%s> %s", at, event.Addr, event.Message.Text)
	default:
		return fmt.Sprintf("[%s] %s", at, event.Type)
	}
}
