// Package main provides the CLI entry point for the aronia node.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/aronia/internal/agent"
	"github.com/postalsys/aronia/internal/config"
	"github.com/postalsys/aronia/internal/control"
	"github.com/postalsys/aronia/internal/identity"
	"github.com/postalsys/aronia/internal/wizard"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aronia",
		Short: "aronia - realtime peer-to-peer agent fabric",
		Long: `aronia is a realtime peer-to-peer agent communication fabric.

Each node exposes a cryptographic identity, joins a named topic, and
maintains long-lived, mutually-authenticated, encrypted streams to the
peers it finds there: presence heartbeats, events, request/response
RPC, and trust delegation through signed introductions.`,
		Version: Version,
	}

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(wizardCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(introductionsCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(sendCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	var keyFile string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate or show the node identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, created, err := identity.LoadOrCreate(keyFile)
			if err != nil {
				return fmt.Errorf("failed to initialize identity: %w", err)
			}

			if created {
				fmt.Printf("New identity written to %s\n", keyFile)
			} else {
				fmt.Printf("Identity already exists in %s\n", keyFile)
			}
			fmt.Printf("Public key: %s\n", kp.Public.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyFile, "key-file", "k", "./data/node.key", "Path to the key seed file")

	return cmd
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup",
		Long:  "Generate a configuration file and node identity interactively.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		Long:  "Start the node with the specified configuration and join its topic.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			fmt.Printf("Starting aronia node...\n")
			fmt.Printf("Public key: %s\n", a.PublicKey().String())
			fmt.Printf("Topic:      %s\n", cfg.Topic)

			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			if err := a.Stop(); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Node stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// controlClient builds a client for the --socket flag value.
func controlClient(socketPath string) *control.Client {
	return control.NewClient(socketPath)
}

func addSocketFlag(cmd *cobra.Command, socketPath *string) {
	cmd.Flags().StringVarP(socketPath, "socket", "s", "./data/control.sock", "Path to the control socket")
}

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := controlClient(socketPath)
			defer client.Close()

			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			started := time.UnixMilli(status.StartedAt)
			fmt.Printf("Public key: %s\n", status.Pubkey)
			fmt.Printf("Uptime:     %s\n", humanize.Time(started))
			fmt.Printf("Peers:      %d\n", status.PeerCount)
			fmt.Printf("Pending:    %d introduction(s)\n", status.PendingCount)
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

func peersCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List connected peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := controlClient(socketPath)
			defer client.Close()

			peers, err := client.Peers(cmd.Context())
			if err != nil {
				return err
			}

			if len(peers.Peers) == 0 {
				fmt.Println("No peers connected.")
				return nil
			}

			for _, p := range peers.Peers {
				state := "online"
				if !p.Online {
					state = "offline"
				}
				fmt.Printf("%s  %s/%s  %s  connected %s, last seen %s\n",
					p.Pubkey,
					p.Capabilities.Agent, p.Capabilities.Version,
					state,
					humanize.Time(time.UnixMilli(p.ConnectedAt)),
					humanize.Time(time.UnixMilli(p.LastSeen)))
			}
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)
	return cmd
}

func introductionsCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "introductions",
		Short: "Manage pending introductions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending introductions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := controlClient(socketPath)
			defer client.Close()

			intros, err := client.Introductions(cmd.Context())
			if err != nil {
				return err
			}

			if len(intros.Introductions) == 0 {
				fmt.Println("No pending introductions.")
				return nil
			}

			for _, in := range intros.Introductions {
				alias := in.Alias
				if alias == "" {
					alias = "(no alias)"
				}
				fmt.Printf("%s  %s  introduced by %s  %s  path depth %d\n",
					in.Pubkey, alias, in.Introducer,
					humanize.Time(time.UnixMilli(in.ReceivedAt)),
					len(in.TrustPath))
			}
			return nil
		},
	}

	acceptCmd := &cobra.Command{
		Use:   "accept <pubkey>",
		Short: "Accept a pending introduction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := controlClient(socketPath)
			defer client.Close()

			if err := client.AcceptIntroduction(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("Accepted.")
			return nil
		},
	}

	rejectCmd := &cobra.Command{
		Use:   "reject <pubkey>",
		Short: "Reject a pending introduction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := controlClient(socketPath)
			defer client.Close()

			if err := client.RejectIntroduction(cmd.Context(), args[0], "rejected by operator"); err != nil {
				return err
			}
			fmt.Println("Rejected.")
			return nil
		},
	}

	cmd.AddCommand(listCmd, acceptCmd, rejectCmd)
	cmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "./data/control.sock", "Path to the control socket")

	return cmd
}

func trustCmd() *cobra.Command {
	var socketPath string
	var cascade bool

	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage the auto-accept trust set",
	}

	grantCmd := &cobra.Command{
		Use:   "grant <pubkey>",
		Short: "Auto-accept introductions from this peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := controlClient(socketPath)
			defer client.Close()

			if err := client.SetTrust(cmd.Context(), args[0], true); err != nil {
				return err
			}
			fmt.Println("Trust granted.")
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <pubkey>",
		Short: "Revoke trust and whitelist entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := controlClient(socketPath)
			defer client.Close()

			if err := client.RevokeTrust(cmd.Context(), args[0], cascade); err != nil {
				return err
			}
			fmt.Println("Trust revoked.")
			return nil
		},
	}
	revokeCmd.Flags().BoolVar(&cascade, "cascade", false, "Also remove peers introduced through this one")

	cmd.AddCommand(grantCmd, revokeCmd)
	cmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "./data/control.sock", "Path to the control socket")

	return cmd
}

func sendCmd() *cobra.Command {
	var socketPath string
	var to string

	cmd := &cobra.Command{
		Use:   "send <json-payload>",
		Short: "Send an event payload to a peer, or broadcast",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload json.RawMessage
			if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
				return fmt.Errorf("payload must be valid JSON: %w", err)
			}

			client := controlClient(socketPath)
			defer client.Close()

			res, err := client.Send(cmd.Context(), to, payload)
			if err != nil {
				return err
			}
			if to == "" {
				fmt.Printf("Broadcast: %d sent, %d offline\n", res.Sent, res.Offline)
			} else {
				fmt.Println("Sent.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Recipient hex pubkey (empty = broadcast)")
	addSocketFlag(cmd, &socketPath)
	return cmd
}
