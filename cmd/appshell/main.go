package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/always-cache/appshell"
	"github.com/always-cache/appshell/core"
)

var (
	configFilenameFlag string
	verbosityTraceFlag bool
	logFileFlag        string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "appshell",
		Short:         "Offline-caching proxy for single-page applications",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}
	root.PersistentFlags().StringVar(&configFilenameFlag, "config", "", "Path to config file")
	root.PersistentFlags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	root.PersistentFlags().StringVar(&logFileFlag, "log-file", "", "Also write logs to this file")

	root.AddCommand(
		newServeCommand(),
		newGenerationsCommand(),
		newPurgeCommand(),
		newActivateCommand(),
	)
	return root
}

func setupLogging() error {
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout}
	if logFileFlag != "" {
		f, err := os.OpenFile(logFileFlag, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
	}
	log.Logger = zerolog.New(out).Level(logLevel).With().Timestamp().Logger()
	return nil
}

// loadConfig reads the config and applies the flags that were set on the command line.
func loadConfig(cmd *cobra.Command) (Config, error) {
	config, err := getConfig(configFilenameFlag)
	if err != nil {
		return config, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		config.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("origin") {
		config.Server.Origin, _ = flags.GetString("origin")
	}
	if flags.Changed("generation") {
		config.Generation, _ = flags.GetString("generation")
	}
	if flags.Changed("provider") {
		config.Storage.Provider, _ = flags.GetString("provider")
	}
	if flags.Changed("path") {
		config.Storage.Path, _ = flags.GetString("path")
	}
	return config, nil
}

func addStorageFlags(cmd *cobra.Command) {
	cmd.Flags().String("provider", "", "Storage provider: memory, sqlite, leveldb or redis (overrides config)")
	cmd.Flags().String("path", "", "Storage path for sqlite and leveldb (overrides config)")
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy in front of the origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(config)
		},
	}
	cmd.Flags().Int("port", 8080, "Port to listen on (overrides config)")
	cmd.Flags().String("origin", "", "Origin to proxy to (overrides config)")
	cmd.Flags().String("generation", "", "Generation to install (overrides config)")
	addStorageFlags(cmd)
	return cmd
}

func serve(config Config) error {
	if config.Server.Origin == "" {
		return errors.New("please specify origin")
	}
	if config.Generation == "" {
		return errors.New("please specify generation")
	}
	originURL, err := url.Parse(config.Server.Origin)
	if err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	scope, err := config.scopeURL()
	if err != nil {
		return err
	}
	rules, err := config.rules()
	if err != nil {
		return err
	}
	opts, err := config.options()
	if err != nil {
		return err
	}
	store, err := config.openStore()
	if err != nil {
		return err
	}

	shell := appshell.New(appshell.Config{
		Store:       store,
		Network:     core.NewOriginFetcher(*originURL, config.Server.Host),
		Scope:       scope,
		VaryHeaders: config.VaryHeaders,
		Selector:    core.NewSelector(rules),
		Options:     opts,
		Logger:      &log.Logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           shell,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Str("origin", originURL.String()).Msg("Listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	// install in the background, requests pass through until a generation is active
	go func() {
		if _, err := shell.Register(ctx, config.Generation, config.Precache); err != nil {
			log.Error().Err(err).Str("generation", config.Generation).Msg("Could not register generation")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown")
	}
	return shell.Close(shutdownCtx)
}

func newGenerationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generations",
		Short: "List stored generations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := config.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			generations, err := store.Generations(cmd.Context())
			if err != nil {
				return err
			}
			for _, gen := range generations {
				fmt.Fprintln(cmd.OutOrStdout(), gen)
			}
			return nil
		},
	}
	addStorageFlags(cmd)
	return cmd
}

func newPurgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge [generation...]",
		Short: "Destroy stored generations (all of them without arguments)",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := config.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			generations := args
			if len(generations) == 0 {
				if generations, err = store.Generations(cmd.Context()); err != nil {
					return err
				}
			}
			for _, gen := range generations {
				if err := store.Destroy(cmd.Context(), gen); err != nil {
					return fmt.Errorf("destroy %s: %w", gen, err)
				}
				log.Info().Str("generation", gen).Msg("Destroyed generation")
			}
			return nil
		},
	}
	addStorageFlags(cmd)
	return cmd
}

func newActivateCommand() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Ask a running proxy to activate its waiting generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := strings.TrimSuffix(server, "/") + appshell.ControlPrefix + "/message"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint,
				strings.NewReader(string(core.MessageSkipWaiting)))
			if err != nil {
				return err
			}
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer res.Body.Close()
			switch res.StatusCode {
			case http.StatusAccepted:
				log.Info().Msg("Activation requested")
			case http.StatusNoContent:
				log.Info().Msg("No generation waiting")
			default:
				return fmt.Errorf("unexpected status %s", res.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "URL of the running proxy")
	return cmd
}
