// ABOUTME: Entry point for the loopstream command
// ABOUTME: Cobra commands for serve, stream, probe, version and config save, configured through viper
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/loopstream/loopstream-go/internal/client"
	"github.com/loopstream/loopstream-go/internal/config"
	"github.com/loopstream/loopstream-go/internal/logging"
	"github.com/loopstream/loopstream-go/internal/server"
	"github.com/loopstream/loopstream-go/internal/version"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:           "loopstream",
	Short:         "Stream what this machine is playing to another machine",
	Long:          `loopstream captures the system audio mix in loopback mode and plays it back on a remote server in near real time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive a stream and play it on the local output device",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream [address]",
	Short: "Capture loopback audio and stream it to a server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			v.Set("address", args[0])
		}
		return runStream(cmd.Context())
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Open the capture device, print what it delivers and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runProbe(cmd.Context(), cmd.OutOrStdout(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the loopstream configuration file",
}

var configSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Write the effective configuration to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := cfgFile
		if path == "" {
			if path, err = config.DefaultPath(); err != nil {
				return err
			}
		}
		if err := config.Save(cfg, path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		return nil
	},
}

func init() {
	d := config.Default()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./loopstream.yaml or the user config dir)")
	pf.String("log-file", d.LogFile, "log file path")
	pf.Bool("debug", d.Debug, "enable per-packet debug logging")
	pf.String("transport", d.Transport, "transport: tcp, udp or websocket")
	pf.String("address", d.Address, "server address (stream) or bind address (serve)")
	pf.Int("port", d.Port, "server port")
	pf.Bool("compression", d.Compression, "zstd-compress the tcp stream after the henlo")
	pf.Bool("mdns", d.MDNS, "advertise (serve) or browse for (stream) the server with mDNS")

	serveCmd.Flags().String("output", d.Output, "playback backend: malgo, oto or portaudio")
	serveCmd.Flags().Float64("buffer-seconds", d.BufferSeconds, "playback ring buffer length in seconds")
	serveCmd.Flags().Bool("tui", d.TUI, "show the status TUI")

	streamCmd.Flags().String("name", d.ClientName, "client name announced in the henlo")
	streamCmd.Flags().Duration("buffer-duration", d.BufferDuration, "capture device buffer duration")
	streamCmd.Flags().Duration("backoff", d.Backoff, "wait between connection attempts")

	probeCmd.Flags().Duration("buffer-duration", d.BufferDuration, "capture device buffer duration")
	probeCmd.Flags().Int("cycles", d.ProbeCycles, "number of polling cycles")

	bindFlags(rootCmd, map[string]string{
		"log_file":    "log-file",
		"debug":       "debug",
		"transport":   "transport",
		"address":     "address",
		"port":        "port",
		"compression": "compression",
		"mdns":        "mdns",
	}, true)
	bindFlags(serveCmd, map[string]string{
		"output":         "output",
		"buffer_seconds": "buffer-seconds",
		"tui":            "tui",
	}, false)

	// stream and probe share config keys, so bind only for the command that runs
	streamCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return bindLocal(cmd, map[string]string{
			"client_name":     "name",
			"buffer_duration": "buffer-duration",
			"backoff":         "backoff",
		})
	}
	probeCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return bindLocal(cmd, map[string]string{
			"buffer_duration": "buffer-duration",
			"probe_cycles":    "cycles",
		})
	}

	configCmd.AddCommand(configSaveCmd)
	rootCmd.AddCommand(serveCmd, streamCmd, probeCmd, versionCmd, configCmd)
}

func bindFlags(cmd *cobra.Command, keys map[string]string, persistent bool) {
	flags := cmd.Flags()
	if persistent {
		flags = cmd.PersistentFlags()
	}
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func bindLocal(cmd *cobra.Command, keys map[string]string) error {
	for key, name := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// setupLogging opens the log file; with the TUI on the terminal belongs to
// it and the log goes only to the file
func setupLogging(cfg *config.Config) (io.Closer, error) {
	closer, err := logging.Setup(cfg.LogFile, !cfg.TUI)
	if err != nil {
		return nil, err
	}
	log.Printf("%s, logging to %s", version.String(), cfg.LogFile)
	if cfg.Debug {
		log.Printf("Debug logging enabled")
	}
	return closer, nil
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	srv := server.New(server.Config{
		Name:           hostname + "-loopstream-server",
		Transport:      cfg.Transport,
		ListenAddr:     cfg.ListenAddr(),
		Compression:    cfg.Compression,
		Output:         cfg.Output,
		PlaybackBuffer: cfg.PlaybackBuffer(),
		EnableMDNS:     cfg.MDNS,
		UseTUI:         cfg.TUI,
		Debug:          cfg.Debug,
	})

	if !cfg.TUI {
		log.Printf("Press Ctrl-C to stop")
	}
	return srv.Run(ctx)
}

func runStream(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.TUI = false
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	addr := ""
	if cfg.Address != "" {
		addr = joinHostPort(cfg.Address, cfg.Port)
	} else if !cfg.MDNS {
		return fmt.Errorf("no server address given; pass one or enable --mdns")
	}

	c := client.New(client.Config{
		ServerAddr:     addr,
		Transport:      cfg.Transport,
		Compression:    cfg.Compression,
		ClientName:     cfg.ClientName,
		BufferDuration: cfg.BufferDuration,
		Backoff:        cfg.Backoff,
		Debug:          cfg.Debug,
	})

	log.Printf("Streaming as %q, press Ctrl-C to stop", cfg.ClientName)
	return c.Run(ctx)
}

// joinHostPort appends the configured port unless address already has one
func joinHostPort(address string, port int) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}
