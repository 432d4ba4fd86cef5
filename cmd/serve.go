package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Open-Paws/privatemode-proxy/pkg/config"
	"github.com/Open-Paws/privatemode-proxy/pkg/keystore"
	"github.com/Open-Paws/privatemode-proxy/pkg/logutil"
	"github.com/Open-Paws/privatemode-proxy/pkg/proxy"
	"github.com/Open-Paws/privatemode-proxy/pkg/usage"
)

var (
	serveListenOverride   string
	serveUpstreamOverride string
	serveKeysFile         string
	serveSettingsFile     string
	serveUsageDir         string
	serveTLSCert          string
	serveTLSKey           string
	serveLogLevel         string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Local development convenience; production deployments
			// set real environment variables.
			_ = godotenv.Load()

			if err := logutil.Configure(serveLogLevel); err != nil {
				return err
			}

			cfg := config.FromEnv()
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = serveListenOverride
			}
			if cmd.Flags().Changed("upstream") {
				cfg.UpstreamURL = serveUpstreamOverride
			}
			if cmd.Flags().Changed("keys-file") {
				cfg.KeysFile = serveKeysFile
			}
			if cmd.Flags().Changed("settings-file") {
				cfg.SettingsFile = serveSettingsFile
			}
			if cmd.Flags().Changed("usage-dir") {
				cfg.UsageDir = serveUsageDir
			}
			if cmd.Flags().Changed("tls-cert") {
				cfg.TLSCertFile = serveTLSCert
			}
			if cmd.Flags().Changed("tls-key") {
				cfg.TLSKeyFile = serveTLSKey
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			// A malformed keys file at startup is fatal; serving with
			// zero keys when keys were configured would lock everyone
			// out silently.
			keys, err := keystore.Open(cfg.KeysFile)
			if err != nil {
				return fmt.Errorf("open keys file: %w", err)
			}
			if len(keys.List()) == 0 {
				log.Warn("no api keys loaded, only the admin API can mint keys", "path", cfg.KeysFile)
			}

			settings, err := config.OpenSettingsStore(cfg.SettingsFile, config.SeedFromConfig(cfg))
			if err != nil {
				return fmt.Errorf("open settings store: %w", err)
			}

			tracker, err := usage.Open(cfg.UsageDir)
			if err != nil {
				return fmt.Errorf("open usage history: %w", err)
			}
			defer func() {
				if err := tracker.Close(); err != nil {
					log.Error("close usage history", "error", err)
				}
			}()

			srv, err := proxy.NewServer(cfg, settings, keys, tracker)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveListenOverride, "listen", "", "Override listen address (e.g. :8080)")
	serveCmd.Flags().StringVar(&serveUpstreamOverride, "upstream", "", "Override upstream Privatemode URL")
	serveCmd.Flags().StringVar(&serveKeysFile, "keys-file", "", "Override API keys file path")
	serveCmd.Flags().StringVar(&serveSettingsFile, "settings-file", "", "Override settings file path")
	serveCmd.Flags().StringVar(&serveUsageDir, "usage-dir", "", "Override usage history directory")
	serveCmd.Flags().StringVar(&serveTLSCert, "tls-cert", "", "Override TLS certificate file")
	serveCmd.Flags().StringVar(&serveTLSKey, "tls-key", "", "Override TLS key file")
	serveCmd.Flags().StringVar(&serveLogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
}
