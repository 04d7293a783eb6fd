// Command wsrx brokers TCP-over-WebSocket tunnels.
//
//	wsrx daemon               run the control API and tunnel broker (default)
//	wsrx serve                run the WebSocket-to-TCP server end
//	wsrx connect <ws-url>     run one tunnel without the API
//	wsrx version              print the version
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sammck-go/wsrx/pkg/config"
	"github.com/sammck-go/wsrx/pkg/daemon"
	"github.com/sammck-go/wsrx/pkg/registry"
	"github.com/sammck-go/wsrx/pkg/serve"
	"github.com/sammck-go/wsrx/pkg/tunnel"
	"github.com/sammck-go/wsrx/pkg/wsbridge"
	"github.com/sammck-go/wsrx/share"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "wsrx",
		Short:         "controlled TCP-over-WebSocket tunnel broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := config.BindFlags(cmd.PersistentFlags())

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "run the control API and tunnel broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), flags)
		},
	}
	cmd.RunE = daemonCmd.RunE
	cmd.AddCommand(daemonCmd, serveCmd(flags), connectCmd(flags), versionCmd())
	return cmd
}

// setup resolves the layered config and builds the root logger
func setup(flags *config.Flags) (*config.Config, share.Logger, error) {
	cfg, err := flags.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsrx: %s\n", err)
		return nil, nil, err
	}
	return cfg, share.NewLogger("wsrx", cfg.LogLevel()), nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runDaemon(parent context.Context, flags *config.Flags) error {
	cfg, logger, err := setup(flags)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(parent)
	defer cancel()

	d := daemon.New(logger, cfg)
	err = d.Run(ctx)
	if daemon.IsHeartbeatTimeout(err) {
		return nil
	}
	if err != nil {
		logger.ELogf("%s", err)
	}
	return err
}

func serveCmd(flags *config.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "accept WebSocket traffic and forward it to mapped TCP targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			s := serve.New(logger, cfg.Serve.Secret)
			if err := s.ListenAndServe(ctx, cfg.ServeAddr()); err != nil {
				logger.ELogf("%s", err)
				return err
			}
			return nil
		},
	}
}

func connectCmd(flags *config.Flags) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "connect <ws-url>",
		Short: "serve a local TCP port tunnelled over a WebSocket link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := setup(flags)
			if err != nil {
				return err
			}
			if _, err := registry.ParseRemote(args[0]); err != nil {
				logger.ELogf("%s", err)
				return err
			}
			l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			if err != nil {
				logger.ELogf("cannot listen: %s", err)
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			t := tunnel.New(logger, l, args[0], wsbridge.NewClientDialer())
			logger.ILogf("listening on %s, tunnelled to %s", t.Local(), t.Remote())
			select {
			case <-ctx.Done():
				t.Close()
			case <-t.ShutdownDoneChan():
			}
			err = t.Wait()
			if err != nil {
				logger.ELogf("%s", err)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "local bind host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "local bind port (0 picks one)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(share.BuildVersion)
		},
	}
}
