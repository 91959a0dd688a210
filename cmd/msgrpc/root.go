package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	msgrpc "github.com/ironfang-ltd/go-msgrpc"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	// Global flags
	cfgFile   string
	endpoint  string
	network   string
	timeout   time.Duration
	logLevel  string
	dumpDir   string
	dumpDSN   string
	adminAddr string

	// Shared state set during PersistentPreRun
	cfg *msgrpc.Config
)

var rootCmd = &cobra.Command{
	Use:   "msgrpc",
	Short: "MessagePack-RPC client: call methods, send notifications, benchmark a server",
	Long: `msgrpc talks MessagePack-RPC to a server over TCP, Unix sockets or UDP.
Arguments are given as JSON values; anything that does not parse as JSON
is sent as a string.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = msgrpc.DefaultConfigPath()
		}
		var err error
		cfg, err = msgrpc.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		flags := cmd.Flags()
		if flags.Changed("endpoint") {
			cfg.Endpoint = endpoint
		}
		if flags.Changed("network") {
			cfg.Network = network
		}
		if flags.Changed("timeout") {
			cfg.Timeout = timeout
		}
		if flags.Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if flags.Changed("dump-dir") {
			cfg.Dump.Dir = dumpDir
		}
		if flags.Changed("dump-dsn") {
			cfg.Dump.DSN = dumpDSN
		}
		if flags.Changed("admin") {
			cfg.AdminAddr = adminAddr
		}

		level, err := msgrpc.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		msgrpc.InitLogger(level)
		return cfg.Validate()
	},
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.msgrpc/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&endpoint, "endpoint", "e", "", "server address, host:port or socket path")
	rootCmd.PersistentFlags().StringVar(&network, "network", "", "tcp, tcp4, tcp6, unix, udp or unixgram")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "per-call timeout")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&dumpDir, "dump-dir", "", "directory for malformed responses")
	rootCmd.PersistentFlags().StringVar(&dumpDSN, "dump-dsn", "", "database for malformed responses (pgx DSN)")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "", "serve /status, /debug/vars and pprof on this address")
}

// session is a client built from the effective config, plus what must be
// released with it.
type session struct {
	client  *msgrpc.Client
	admin   *msgrpc.AdminServer
	closeFn func() error
}

func openSession(ctx context.Context, extra ...msgrpc.Option) (*session, error) {
	opts, closeFn, err := cfg.Options(ctx, slog.Default())
	if err != nil {
		return nil, err
	}
	s := &session{
		client:  msgrpc.Dial(cfg.Endpoint, append(opts, extra...)...),
		closeFn: closeFn,
	}
	if cfg.AdminAddr != "" {
		s.admin, err = msgrpc.NewAdminServer(s.client.Manager(), cfg.AdminAddr)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("admin server: %w", err)
		}
		s.admin.Start()
	}
	return s, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Close(ctx); err != nil {
		slog.Warn("close client", "error", err)
	}
	if s.admin != nil {
		s.admin.Stop()
	}
	if err := s.closeFn(); err != nil {
		slog.Warn("close dump sink", "error", err)
	}
}
