package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/multiaddr"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/portal"
	"github.com/spf13/cobra"
)

var portalCmd = &cobra.Command{
	Use:   "portal",
	Short: "TCP portal inlet/outlet operations",
}

var portalInletCmd = &cobra.Command{
	Use:   "inlet",
	Short: "Portal inlet operations",
}

var portalInletCreateCmd = &cobra.Command{
	Use:   "create BIND_ADDR",
	Short: "Accept TCP connections on BIND_ADDR and bridge them to an outlet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("cmd.portal.inlet")
		outletAddr, _ := cmd.Flags().GetString("outlet")
		skipHandshake, _ := cmd.Flags().GetBool("skip-handshake")
		enableNagle, _ := cmd.Flags().GetBool("enable-nagle")
		if outletAddr == "" {
			return fmt.Errorf("meridianctl: --outlet is required")
		}
		ma, err := multiaddr.Parse(outletAddr)
		if err != nil {
			return fmt.Errorf("meridianctl: parse --outlet: %w", err)
		}

		n := node.New()
		outletRoute, err := resolveRoute(context.Background(), n, ma)
		if err != nil {
			return err
		}
		in := portal.NewInlet(n, outletRoute, portal.Options{SkipHandshake: skipHandshake, EnableNagle: enableNagle})
		ln, err := in.Listen(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("meridianctl: portal inlet listen: %w", err)
		}
		fmt.Printf("inlet listening on %s, bridging to %s\n", ln.Addr(), outletAddr)
		logger.Info().Str("addr", ln.Addr().String()).Str("outlet", outletAddr).Msg("portal inlet listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		n.ShutdownNode(node.DefaultShutdownDeadline)
		return nil
	},
}

var portalOutletCmd = &cobra.Command{
	Use:   "outlet",
	Short: "Portal outlet operations",
}

var portalOutletCreateCmd = &cobra.Command{
	Use:   "create TARGET_ADDR",
	Short: "Bridge accepted portal connections to TARGET_ADDR (host:port)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("cmd.portal.outlet")
		skipHandshake, _ := cmd.Flags().GetBool("skip-handshake")

		n := node.New()
		out := portal.NewOutlet(n, args[0], portal.Options{SkipHandshake: skipHandshake})
		if err := out.Listen(); err != nil {
			return fmt.Errorf("meridianctl: portal outlet listen: %w", err)
		}
		fmt.Printf("outlet listening, address %s, target %s\n", out.ListenerAddress(), args[0])
		logger.Info().Str("addr", out.ListenerAddress().String()).Str("target", args[0]).Msg("portal outlet listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		n.ShutdownNode(node.DefaultShutdownDeadline)
		return nil
	},
}

func init() {
	portalCmd.AddCommand(portalInletCmd)
	portalCmd.AddCommand(portalOutletCmd)
	portalInletCmd.AddCommand(portalInletCreateCmd)
	portalOutletCmd.AddCommand(portalOutletCreateCmd)

	portalInletCreateCmd.Flags().String("outlet", "", `Multi-address route to the outlet, e.g. "/ip4/10.0.0.1/tcp/4000/portal/outlet_listener"`)
	portalInletCreateCmd.Flags().Bool("skip-handshake", false, "Skip the PING/PONG handshake")
	portalInletCreateCmd.Flags().Bool("enable-nagle", false, "Report EnableNagle in the PING option flags")
	portalOutletCreateCmd.Flags().Bool("skip-handshake", false, "Skip the PING/PONG handshake")
}
