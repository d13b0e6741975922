package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lanchat/config"
	"lanchat/storage"
)

func init() {
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(knownCmd)
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show the local identity",
	Long: `Display the persisted peer id and display name.

A fresh identity is generated when none exists yet.`,
	Args: cobra.NoArgs,
	RunE: runIdentity,
}

var renameCmd = &cobra.Command{
	Use:   "rename <name>",
	Short: "Change the display name",
	Long: `Change the display name other peers see.

A running node picks the new name up on its next start. Use /rename in
the run console to rename a live node.`,
	Args: cobra.ExactArgs(1),
	RunE: runRename,
}

var knownCmd = &cobra.Command{
	Use:   "known",
	Short: "List every peer ever seen",
	Args:  cobra.NoArgs,
	RunE:  runKnown,
}

func runIdentity(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	identity, err := config.LoadOrGenerateIdentity(config.IdentityPath(env.dataDir), env.logger)
	if err != nil {
		return err
	}

	current := identity.Current()
	fmt.Printf("Peer ID:        %s\n", current.PeerID)
	fmt.Printf("Display Name:   %s\n", current.DisplayName)
	fmt.Printf("Identity File:  %s\n", config.IdentityPath(env.dataDir))
	return nil
}

func runRename(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	identity, err := config.LoadOrGenerateIdentity(config.IdentityPath(env.dataDir), env.logger)
	if err != nil {
		return err
	}
	if err := identity.Rename(args[0]); err != nil {
		return err
	}

	fmt.Printf("Display name is now %q\n", identity.DisplayName())
	return nil
}

func runKnown(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	store, _, err := storage.Open(config.DatabaseDir(env.dataDir), storage.Options{Logger: env.logger})
	if err != nil {
		return err
	}
	defer store.Close()

	peers, err := store.ListPeers()
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Println("No peers seen yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPEER ID\tSTATUS\tADDRESS\tLAST SEEN")
	for _, peer := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			peer.DisplayName, peer.PeerID, peer.Status, peer.Address,
			peer.LastSeen.Format(time.DateTime))
	}
	return w.Flush()
}
