package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"lanchat/app"
	"lanchat/config"
)

var (
	runName       string
	runPort       int
	runJSONEvents bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runName, "name", "", "display name to use (persisted)")
	runCmd.Flags().IntVar(&runPort, "port", 0, "fixed listening port (default from settings, 0 picks one)")
	runCmd.Flags().BoolVar(&runJSONEvents, "json", false, "print events as JSON lines")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a chat node with an interactive console",
	Long: `Start a chat node: advertise this peer on the local network, track
other peers and accept connections. Events are printed as they happen and
commands are read from standard input; type /help for the list.

Examples:
  lanchat run
  lanchat run --name "Desk" --port 6767`,
	Args: cobra.NoArgs,
	RunE: runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	if runPort < 0 || runPort > 65535 {
		return fmt.Errorf("--port out of range: %d", runPort)
	}
	if runPort > 0 {
		env.settings.Network.PortMode = config.PortModeFixed
		env.settings.Network.ListeningPort = runPort
	}

	rt, err := app.New(app.Options{
		DataDir:     env.dataDir,
		Settings:    env.settings,
		Logger:      env.logger,
		DisplayName: runName,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var printed sync.WaitGroup
	printed.Add(1)
	go func() {
		defer printed.Done()
		printEvents(out, rt.Events(), runJSONEvents)
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- rt.Run(ctx)
	}()

	id := rt.Identity()
	fmt.Fprintf(out, "%s (%s) started, type /help for commands\n", id.DisplayName, id.PeerID)

	c := &console{rt: rt, out: out}
	consoleDone := make(chan error, 1)
	go func() {
		consoleDone <- c.run(ctx, cmd.InOrStdin())
	}()

	select {
	case err = <-runErr:
	case consoleErr := <-consoleDone:
		// EOF on stdin leaves the node running until a signal.
		if errors.Is(consoleErr, errQuit) {
			stop()
		}
		err = <-runErr
	}
	printed.Wait()
	return err
}

func printEvents(w io.Writer, events <-chan app.ShellEvent, asJSON bool) {
	enc := json.NewEncoder(w)
	for event := range events {
		if asJSON {
			_ = enc.Encode(event)
			continue
		}
		fmt.Fprintln(w, formatEvent(event))
	}
}
