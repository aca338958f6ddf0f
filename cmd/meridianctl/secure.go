package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/multiaddr"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/secure"
	"github.com/spf13/cobra"
)

var secureChannelCmd = &cobra.Command{
	Use:   "secure-channel",
	Short: "Secure channel operations",
}

var secureChannelCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a secure channel: accept handshakes (--listen) or dial a peer (--peer)",
	Long: `With --listen, brings up a secure-channel manager that accepts
incoming Noise-XX handshakes and runs until interrupted. With --peer
"/ip4/HOST/tcp/PORT/secure/LISTENER_ADDR", dials that peer over TCP
and initiates a channel, printing the resulting encryptor address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("cmd.secure-channel")
		identityFile, _ := cmd.Flags().GetString("identity-file")
		listen, _ := cmd.Flags().GetBool("listen")
		peer, _ := cmd.Flags().GetString("peer")
		presentation, _ := cmd.Flags().GetString("presentation")
		timeout, _ := cmd.Flags().GetDuration("handshake-timeout")

		kp, err := loadOrCreateIdentity(identityFile)
		if err != nil {
			return err
		}

		n := node.New()
		opts := secure.Options{Presentation: parsePresentation(presentation), HandshakeTimeout: timeout}
		mgr := secure.NewManager(n, kp, opts)

		if listen {
			if err := mgr.Listen(); err != nil {
				return fmt.Errorf("meridianctl: secure listen: %w", err)
			}
			fmt.Printf("listening, identity %s, address %s\n", kp.ID, mgr.ListenerAddress())
			logger.Info().Str("identity", kp.ID.String()).Msg("secure channel manager listening")
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			n.ShutdownNode(node.DefaultShutdownDeadline)
			return nil
		}

		if peer == "" {
			return fmt.Errorf("meridianctl: one of --listen or --peer is required")
		}
		ma, err := multiaddr.Parse(peer)
		if err != nil {
			return fmt.Errorf("meridianctl: parse --peer: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		route, err := resolveRoute(ctx, n, ma)
		if err != nil {
			return err
		}

		trustedID, _ := cmd.Flags().GetString("trusted-identity")
		if trustedID == "" {
			trustedID, _ = rootCmd.PersistentFlags().GetString("controller-identity-id")
		}

		var ch *secure.Channel
		if trustedID != "" {
			peerID, parseErr := identity.ParseIdentifier(trustedID)
			if parseErr != nil {
				return fmt.Errorf("meridianctl: --trusted-identity: %w", parseErr)
			}
			ch, err = mgr.InitiateCached(ctx, peerID, ma.String(), route, secure.Options{})
		} else {
			ch, err = mgr.Initiate(ctx, route, secure.Options{})
		}
		if err != nil {
			return fmt.Errorf("meridianctl: initiate channel: %w", err)
		}
		fmt.Printf("channel open, encryptor %s\n", ch.Encryptor())
		logger.Info().Str("identity", kp.ID.String()).Msg("secure channel open")
		return nil
	},
}

func init() {
	secureChannelCmd.AddCommand(secureChannelCreateCmd)

	secureChannelCreateCmd.Flags().String("identity-file", "./meridian-identity.key", "Path to this node's persisted identity")
	secureChannelCreateCmd.Flags().Bool("listen", false, "Accept incoming handshakes instead of dialing a peer")
	secureChannelCreateCmd.Flags().String("peer", "", `Peer multi-address, e.g. "/ip4/127.0.0.1/tcp/4000/secure/<listener-address>"`)
	secureChannelCreateCmd.Flags().String("presentation", "none", "Credential presentation mode: none, oneway, mutual")
	secureChannelCreateCmd.Flags().String("trusted-identity", "", "Expected peer identifier (hex); pins trust to it and caches the channel")
	secureChannelCreateCmd.Flags().Duration("handshake-timeout", 0, "Override the channel's handshake timeout (0 = package default)")
}
