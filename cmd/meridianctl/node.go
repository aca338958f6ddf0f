package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/meridian/pkg/events"
	"github.com/cuemby/meridian/pkg/flowcontrol"
	"github.com/cuemby/meridian/pkg/identity"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/multiaddr"
	"github.com/cuemby/meridian/pkg/node"
	"github.com/cuemby/meridian/pkg/portal"
	"github.com/cuemby/meridian/pkg/reconciler"
	"github.com/cuemby/meridian/pkg/secure"
	"github.com/cuemby/meridian/pkg/transport/tcp"
	"github.com/cuemby/meridian/pkg/transport/udp"
	"github.com/cuemby/meridian/pkg/transport/ws"
	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Node runtime operations",
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node with the requested transports and subsystems until interrupted",
	Long: `Starts one node and brings up whichever transports and
subsystems its flags request, then blocks until SIGINT/SIGTERM. Each
subsystem is independent — pass only the flags for the ones you need.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("cmd.node")
		n := node.New()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		n.SetEventBroker(broker)

		// Mirror fabric lifecycle events into the log so an operator
		// watching `node run` sees connections, handshakes, and portal
		// bridges come and go without scraping /metrics.
		eventSub := broker.Subscribe()
		defer broker.Unsubscribe(eventSub)
		go func() {
			for ev := range eventSub {
				logger.Debug().Str("event", string(ev.Type)).Str("address", ev.Metadata["address"]).Msg(ev.Message)
			}
		}()

		tcpListen, _ := cmd.Flags().GetString("tcp-listen")
		udpBind, _ := cmd.Flags().GetString("udp-bind")
		wsListen, _ := cmd.Flags().GetString("ws-listen")
		wsPath, _ := cmd.Flags().GetString("ws-path")
		secureListen, _ := cmd.Flags().GetBool("secure-listen")
		presentation, _ := cmd.Flags().GetString("presentation")
		identityFile, _ := cmd.Flags().GetString("identity-file")
		portalOutletTarget, _ := cmd.Flags().GetString("portal-outlet-target")
		portalInletBind, _ := cmd.Flags().GetString("portal-inlet-bind")
		portalInletOutlet, _ := cmd.Flags().GetString("portal-inlet-outlet")
		portalSkipHandshake, _ := cmd.Flags().GetBool("portal-skip-handshake")
		metricsListen, _ := cmd.Flags().GetString("metrics-listen")
		issuerListen, _ := cmd.Flags().GetString("credential-issuer-listen")

		if metricsListen != "" {
			metrics.RegisterComponent("node", true, "running")
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", metrics.HealthHandler())
			mux.HandleFunc("/readyz", metrics.ReadyHandler())
			srv := &http.Server{Addr: metricsListen, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Warn().Err(err).Msg("metrics server stopped")
				}
			}()
			defer srv.Close()
			logger.Info().Str("addr", metricsListen).Msg("metrics/health server listening")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if tcpListen != "" {
			tr := tcp.New(n)
			ln, err := tr.Listen(ctx, tcpListen)
			if err != nil {
				return fmt.Errorf("meridianctl: tcp listen: %w", err)
			}
			metrics.RegisterComponent("transport", true, "tcp listening")
			logger.Info().Str("addr", ln.Addr().String()).Msg("tcp transport listening")
		}

		if udpBind != "" {
			tr := udp.New(n)
			ln, err := tr.Listen(udpBind)
			if err != nil {
				return fmt.Errorf("meridianctl: udp bind: %w", err)
			}
			metrics.RegisterComponent("transport", true, "udp bound")
			logger.Info().Str("addr", ln.Addr().String()).Msg("udp transport bound")
		}

		if wsListen != "" {
			tr := ws.New(n)
			ln, err := tr.Listen(ctx, wsListen, wsPath)
			if err != nil {
				return fmt.Errorf("meridianctl: ws listen: %w", err)
			}
			metrics.RegisterComponent("transport", true, "websocket listening")
			logger.Info().Str("addr", ln.Addr().String()).Str("path", wsPath).Msg("websocket transport listening")
		}

		var mgr *secure.Manager
		if secureListen {
			kp, err := loadOrCreateIdentity(identityFile)
			if err != nil {
				return err
			}
			mgr = secure.NewManager(n, kp, secure.Options{Presentation: parsePresentation(presentation)})
			if err := mgr.Listen(); err != nil {
				return fmt.Errorf("meridianctl: secure listen: %w", err)
			}
			metrics.RegisterComponent("secure", true, "accepting handshakes")
			logger.Info().Str("identity", kp.ID.String()).Str("addr", mgr.ListenerAddress().String()).Msg("secure channel manager listening")

			rec := reconciler.New(mgr.Registry())
			rec.Start()
			defer rec.Stop()
		}

		if issuerListen != "" {
			kp, err := loadOrCreateIdentity(identityFile)
			if err != nil {
				return err
			}
			issuer := identity.NewCredentialIssuer(kp, 0)
			srv := &http.Server{Addr: issuerListen, Handler: identity.IssuerHandler(issuer)}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Warn().Err(err).Msg("credential issuer server stopped")
				}
			}()
			defer srv.Close()
			logger.Info().Str("addr", issuerListen).Str("issuer", kp.ID.String()).Msg("credential issuer listening")
		}

		if portalOutletTarget != "" {
			outletOpts := portal.Options{SkipHandshake: portalSkipHandshake}
			if mgr != nil {
				// With a channel manager on this node, the outlet only
				// accepts frames arriving through channels it accepted;
				// plain transport connections cannot reach it.
				outletOpts.ConsumeFrom = []flowcontrol.ID{mgr.SpawnerFlow()}
			}
			out := portal.NewOutlet(n, portalOutletTarget, outletOpts)
			if err := out.Listen(); err != nil {
				return fmt.Errorf("meridianctl: portal outlet: %w", err)
			}
			logger.Info().Str("target", portalOutletTarget).Str("addr", out.ListenerAddress().String()).Bool("secure_scoped", mgr != nil).Msg("portal outlet listening")
		}

		if portalInletBind != "" {
			ma, err := multiaddr.Parse(portalInletOutlet)
			if err != nil {
				return fmt.Errorf("meridianctl: parse --portal-inlet-outlet: %w", err)
			}
			outletRoute, err := resolveRoute(ctx, n, ma)
			if err != nil {
				return err
			}
			in := portal.NewInlet(n, outletRoute, portal.Options{SkipHandshake: portalSkipHandshake})
			ln, err := in.Listen(ctx, portalInletBind)
			if err != nil {
				return fmt.Errorf("meridianctl: portal inlet: %w", err)
			}
			logger.Info().Str("addr", ln.Addr().String()).Str("outlet", portalInletOutlet).Msg("portal inlet listening")
		}

		logger.Info().Msg("node running, press Ctrl+C to stop")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down")
		n.ShutdownNode(node.DefaultShutdownDeadline)
		return nil
	},
}

func parsePresentation(s string) identity.PresentationMode {
	switch s {
	case "oneway":
		return identity.PresentationOneway
	case "mutual":
		return identity.PresentationMutual
	default:
		return identity.PresentationNone
	}
}

func init() {
	nodeCmd.AddCommand(nodeRunCmd)

	nodeRunCmd.Flags().String("tcp-listen", "", "Bind address for the TCP transport (e.g. 0.0.0.0:4000)")
	nodeRunCmd.Flags().String("udp-bind", "", "Bind address for the UDP transport")
	nodeRunCmd.Flags().String("ws-listen", "", "Bind address for the WebSocket transport")
	nodeRunCmd.Flags().String("ws-path", "/", "HTTP path the WebSocket transport upgrades on")
	nodeRunCmd.Flags().Bool("secure-listen", false, "Accept incoming secure-channel handshakes")
	nodeRunCmd.Flags().String("presentation", "none", "Credential presentation mode for accepted channels: none, oneway, mutual")
	nodeRunCmd.Flags().String("identity-file", "./meridian-identity.key", "Path to this node's persisted identity")
	nodeRunCmd.Flags().String("portal-outlet-target", "", "host:port to bridge accepted portal connections to")
	nodeRunCmd.Flags().Bool("portal-skip-handshake", false, "Skip the portal PING/PONG handshake")
	nodeRunCmd.Flags().String("portal-inlet-bind", "", "Bind address for a portal inlet's TCP listener")
	nodeRunCmd.Flags().String("portal-inlet-outlet", "", `Multi-address route to the portal outlet this inlet bridges to, e.g. "/ip4/10.0.0.1/tcp/4000/portal/outlet_listener"`)
	nodeRunCmd.Flags().String("metrics-listen", "", "Bind address for the /metrics, /healthz, /readyz HTTP server (disabled if unset)")
	nodeRunCmd.Flags().String("credential-issuer-listen", "", "Bind address for the credential issuance HTTP endpoint (disabled if unset)")
}
