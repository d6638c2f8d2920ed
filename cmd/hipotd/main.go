package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/hipotd/internal/device"
	"github.com/shaunagostinho/hipotd/internal/instrument"
	"github.com/shaunagostinho/hipotd/internal/orchestrator"
	"github.com/shaunagostinho/hipotd/internal/publish"
	"github.com/shaunagostinho/hipotd/internal/server"
	"github.com/shaunagostinho/hipotd/web"
)

var (
	configPath string
	demo       bool
	logLevel   string
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd := &cobra.Command{
		Use:           "hipotd",
		Short:         "Insulation resistance test daemon for Chroma hipot testers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", server.DefaultConfigPath, "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&demo, "demo", false, "Use a simulated instrument instead of a serial port")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	serveCmd := newServeCmd()
	rootCmd.RunE = serveCmd.RunE
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd, newRunCmd(), newPortsCmd(), newModelsCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies global flags and the log level.
func loadConfig() *server.Config {
	cfg := server.LoadConfig(configPath)
	if demo {
		cfg.Instrument.Demo = true
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("component", "main").Str("signal", sig.String()).Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func serverOptions(cfg *server.Config) []server.Option {
	if !cfg.NATS.Enabled {
		return nil
	}
	pub, err := publish.Connect(cfg.NATS)
	if err != nil {
		log.Warn().Str("component", "main").Err(err).Msg("nats unavailable, sessions will not be published")
		return nil
	}
	return []server.Option{server.WithPublisher(pub)}
}

func newServeCmd() *cobra.Command {
	var listenAddr string
	var noConnect bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			ctx, cancel := signalContext()
			defer cancel()

			log.Info().Str("component", "main").Msg("hipotd starting")
			srv := server.New(cfg, web.FS, serverOptions(cfg)...)

			// The server starts regardless; the instrument may come up later.
			ic := cfg.InstrumentSettings()
			if !noConnect && ic.Port != "" {
				go connectWithRetry(ctx, ic.Model, func() error { return srv.Connect(ic.Model, ic.Port) }, 10)
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Override listen address (e.g. :8090)")
	cmd.Flags().BoolVar(&noConnect, "no-connect", false, "Do not connect to the configured instrument at startup")
	return cmd
}

func newRunCmd() *cobra.Command {
	var model, port string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one test and print samples to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ic := cfg.InstrumentSettings()
			if model == "" {
				model = ic.Model
			}
			if port == "" {
				port = ic.Port
			}
			ctx, cancel := signalContext()
			defer cancel()

			srv := server.New(cfg, nil, serverOptions(cfg)...)
			if err := srv.Connect(model, port); err != nil {
				return fmt.Errorf("connect %s on %s: %w", model, port, err)
			}
			defer srv.Disconnect()

			orch := srv.Orchestrator()
			out := cmd.OutOrStdout()
			settled := make(chan orchestrator.Snapshot, 1)
			orch.Subscribe(func(e orchestrator.Event) {
				switch {
				case e.Kind == orchestrator.EventSample && e.Sample != nil:
					fmt.Fprintf(out, "%8.3f s  %10.3f V  %12.4g A  %12.4g Ω  left %.1f s\n",
						e.Sample.ElapsedSeconds, e.Sample.Voltage, e.Sample.Current, e.Sample.Resistance, e.Snapshot.TimeLeft)
				case e.Kind == orchestrator.EventState && e.Snapshot.State.Terminal():
					select {
					case settled <- e.Snapshot:
					default:
					}
				}
			})

			if err := srv.StartTest(); err != nil {
				return fmt.Errorf("start: %w", err)
			}

			var snap orchestrator.Snapshot
			select {
			case snap = <-settled:
			case <-ctx.Done():
				if err := orch.Stop(); err != nil {
					return err
				}
				return errors.New("interrupted")
			}
			if err := orch.Stop(); err != nil {
				log.Warn().Str("component", "main").Err(err).Msg("stop failed")
			}
			fmt.Fprintf(out, "verdict: %s (%s)\n", snap.Verdict, snap.Judgement)
			if snap.Verdict.Failed() {
				return fmt.Errorf("test failed: %s", snap.Verdict)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Instrument model id (default from config)")
	cmd.Flags().StringVar(&port, "port", "", "Serial port (default from config)")
	return cmd
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := device.ListPorts()
			if err != nil {
				return err
			}
			for _, p := range ports {
				if p.IsUSB {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tusb %s:%s\t%s\t%s\n", p.Name, p.VID, p.PID, p.Serial, p.Product)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), p.Name)
				}
			}
			return nil
		},
	}
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List supported instrument models",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, m := range instrument.NewRegistry().Models() {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, logs each of the first
// maxAttempts failures then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, connect func() error, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := connect()
		if err == nil {
			log.Info().Str("component", "main").Str("device", name).Int("attempt", attempt+1).Msg("connected")
			return
		}
		var unsupported *instrument.UnsupportedDeviceTypeError
		if errors.As(err, &unsupported) {
			log.Error().Str("component", "main").Err(err).Msg("not retrying")
			return
		}

		attempt++
		ev := log.Warn()
		if attempt > maxAttempts {
			ev = log.Debug()
		}
		ev.Str("component", "main").Str("device", name).Int("attempt", attempt).
			Err(err).Dur("retry_in", delay).Msg("connect failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
