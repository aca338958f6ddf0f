package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/cuemby/meridian/pkg/address"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/multiaddr"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/transport/tcp"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meridianctl",
	Short: "meridianctl drives a routing fabric node from the command line",
	Long: `meridianctl exercises the fabric's node runtime, transports,
secure channels, portals, and policy/credential stores directly — one
subcommand per primitive, rather than a client talking to a long-lived
control plane.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", envOr("MERIDIAN_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("controller-addr", os.Getenv("MERIDIAN_CONTROLLER_ADDR"), "Default peer multi-address for commands that dial a controller node")
	rootCmd.PersistentFlags().String("controller-identity-id", os.Getenv("MERIDIAN_CONTROLLER_IDENTITY_ID"), "Default trusted identity id for commands that verify a controller's identity")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(tcpCmd)
	rootCmd.AddCommand(udpCmd)
	rootCmd.AddCommand(wsCmd)
	rootCmd.AddCommand(secureChannelCmd)
	rootCmd.AddCommand(portalCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(credentialCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// resolveRoute turns a parsed multi-address into a fabric route. When
// the address carries a dialable /ip4|/dnsaddr + /tcp prefix, the TCP
// transport is dialed first and the resulting connection address is
// prepended, so the service/secure/portal suffix is reachable across
// that connection rather than assumed to be on this node.
func resolveRoute(ctx context.Context, n *node.Node, ma multiaddr.MultiAddr) (address.Route, error) {
	proto, ok := ma.Transport()
	if !ok {
		return ma.ToRoute(), nil
	}
	if proto != multiaddr.ProtoTCP {
		return nil, fmt.Errorf("meridianctl: only tcp multi-address prefixes can be dialed here, got %s", proto)
	}
	hostPort, err := ma.HostPort()
	if err != nil {
		return nil, err
	}
	conn, err := tcp.New(n).Dial(ctx, hostPort)
	if err != nil {
		return nil, fmt.Errorf("meridianctl: dial %s: %w", hostPort, err)
	}
	return address.Route{conn}.Concat(ma.ToRoute()), nil
}

// page writes s through $PAGER when set, otherwise straight to
// stdout. Used by the handful of subcommands whose output can run
// long (policy reads, issued credentials).
func page(s string) {
	pager := os.Getenv("PAGER")
	if pager == "" {
		fmt.Print(s)
		return
	}
	c := exec.Command(pager)
	c.Stdin = strings.NewReader(s)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		fmt.Print(s)
	}
}
