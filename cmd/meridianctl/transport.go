package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/transport/tcp"
	"github.com/cuemby/meridian/pkg/transport/udp"
	"github.com/cuemby/meridian/pkg/transport/ws"
	"github.com/spf13/cobra"
)

var tcpCmd = &cobra.Command{
	Use:   "tcp",
	Short: "TCP transport operations",
}

var tcpListenCmd = &cobra.Command{
	Use:   "listen BIND_ADDR",
	Short: "Listen for TCP connections and run until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("cmd.tcp")
		n := node.New()
		tr := tcp.New(n)
		ln, err := tr.Listen(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("meridianctl: tcp listen: %w", err)
		}
		fmt.Printf("listening on %s\n", ln.Addr())
		logger.Info().Str("addr", ln.Addr().String()).Msg("tcp listening")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		n.ShutdownNode(node.DefaultShutdownDeadline)
		return nil
	},
}

var tcpConnectCmd = &cobra.Command{
	Use:   "connect ADDR",
	Short: "Dial a TCP peer and keep the connection open until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("cmd.tcp")
		n := node.New()
		tr := tcp.New(n)
		addr, err := tr.Dial(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("meridianctl: tcp connect: %w", err)
		}
		fmt.Printf("connected, local worker address %s\n", addr)
		logger.Info().Str("address", addr.String()).Msg("tcp connected")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		n.ShutdownNode(node.DefaultShutdownDeadline)
		return nil
	},
}

var udpCmd = &cobra.Command{
	Use:   "udp",
	Short: "UDP transport operations",
}

var udpBindCmd = &cobra.Command{
	Use:   "bind BIND_ADDR",
	Short: "Bind a UDP socket and run until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("cmd.udp")
		n := node.New()
		tr := udp.New(n)
		ln, err := tr.Listen(args[0])
		if err != nil {
			return fmt.Errorf("meridianctl: udp bind: %w", err)
		}
		fmt.Printf("bound on %s\n", ln.Addr())
		logger.Info().Str("addr", ln.Addr().String()).Msg("udp bound")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		n.ShutdownNode(node.DefaultShutdownDeadline)
		return nil
	},
}

var wsCmd = &cobra.Command{
	Use:   "ws",
	Short: "WebSocket transport operations",
}

var wsListenCmd = &cobra.Command{
	Use:   "listen BIND_ADDR PATH",
	Short: "Listen for WebSocket connections and run until interrupted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("cmd.ws")
		n := node.New()
		tr := ws.New(n)
		ln, err := tr.Listen(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("meridianctl: ws listen: %w", err)
		}
		fmt.Printf("listening on %s%s\n", ln.Addr(), args[1])
		logger.Info().Str("addr", ln.Addr().String()).Str("path", args[1]).Msg("ws listening")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		n.ShutdownNode(node.DefaultShutdownDeadline)
		return nil
	},
}

var wsConnectCmd = &cobra.Command{
	Use:   "connect URL ORIGIN",
	Short: "Dial a WebSocket peer and keep the connection open until interrupted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("cmd.ws")
		n := node.New()
		tr := ws.New(n)
		addr, err := tr.Dial(args[0], args[1])
		if err != nil {
			return fmt.Errorf("meridianctl: ws connect: %w", err)
		}
		fmt.Printf("connected, local worker address %s\n", addr)
		logger.Info().Str("address", addr.String()).Msg("ws connected")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		n.ShutdownNode(node.DefaultShutdownDeadline)
		return nil
	},
}

func init() {
	tcpCmd.AddCommand(tcpListenCmd)
	tcpCmd.AddCommand(tcpConnectCmd)
	udpCmd.AddCommand(udpBindCmd)
	wsCmd.AddCommand(wsListenCmd)
	wsCmd.AddCommand(wsConnectCmd)
}
