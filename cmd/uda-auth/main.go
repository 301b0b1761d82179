// Command uda-auth runs a mutually authenticated server, issues requests
// to one, and provisions trust stores.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/uda-project/udaauth/client"
	"github.com/uda-project/udaauth/config"
	ulog "github.com/uda-project/udaauth/log"
	"github.com/uda-project/udaauth/security"
	"github.com/uda-project/udaauth/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "uda-auth",
		Short:        "Mutual challenge-response authentication",
		Version:      versioninfo.Short(),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"path to the configuration file (TOML, or YAML by extension)")

	loadConfig := func() (*config.Config, error) {
		if configFile == "" {
			return config.Default(), nil
		}
		cfg, err := config.LoadFile(configFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load config file")
		}
		return cfg, nil
	}

	root.AddCommand(
		serveCmd(loadConfig),
		requestCmd(loadConfig),
		pkiCmd(),
		genconfigCmd(),
		versionCmd(),
	)
	return root
}

func newLogBackend(cfg *config.Config) (*ulog.Backend, error) {
	return ulog.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
}

func serveCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept and authenticate client connections",
		Example: `
  # Serve with the default trust store ($HOME/.uda/server)
  uda-auth serve

  # Serve files below DataDir, with metrics on MetricsAddress
  uda-auth serve -c /etc/uda/server.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddress = listen
			}
			return runServer(cfg)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "override Server.ListenAddress")
	return cmd
}

func runServer(cfg *config.Config) error {
	backend, err := newLogBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()
	log := backend.GetLogger("uda-auth")
	log.Noticef("uda-auth %s starting", versioninfo.Short())

	creds, err := security.LoadServerCredentials(cfg.Server.Options())
	if err != nil {
		return err
	}
	defer creds.Release()

	nonce, err := cfg.Nonce.Generator()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := security.NewMetrics(reg)
	if err != nil {
		return err
	}
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: cfg.Server.MetricsAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics: %v", err)
			}
		}()
		defer httpSrv.Close()
	}

	var handler server.Handler = whoami()
	if cfg.Server.DataDir != "" {
		files, err := server.NewFileHandler(cfg.Server.DataDir, backend.GetLogger("uda-auth/files"))
		if err != nil {
			return err
		}
		defer files.Close()
		handler = files
	}

	srv, err := server.New(server.Options{
		Credentials:            creds,
		Handler:                handler,
		Nonce:                  nonce,
		Logger:                 backend.GetLogger("uda-auth/server"),
		Metrics:                metrics,
		IdleTimeout:            cfg.Server.IdleTimeout,
		TicketLifetime:         cfg.Server.TicketLifetime,
		MaxHandshakesPerSecond: cfg.Server.MaxHandshakesPerSecond,
		HandshakeBurst:         cfg.Server.HandshakeBurst,
		MaxConnections:         cfg.Server.MaxConnections,
	})
	if err != nil {
		return err
	}
	// Runs before creds.Release; Close waits for every connection.
	defer srv.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				if err := backend.Rotate(); err != nil {
					log.Errorf("log rotation: %v", err)
				}
				continue
			}
			log.Noticef("received %v, shutting down", sig)
			srv.Close()
			return
		}
	}()

	if err := srv.ListenAndServe(cfg.Server.ListenAddress); err != nil && !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	log.Notice("stopped")
	return nil
}

// whoami answers every request with the authenticated identity.
func whoami() server.Handler {
	return server.HandlerFunc(func(_ context.Context, peer security.Peer, _ []byte) *security.Response {
		s := peer.Subject
		if peer.DelegatedSubject != "" {
			s += "\ndelegated: " + peer.DelegatedSubject
		}
		return &security.Response{Status: security.StatusOK, Payload: []byte(s + "\n")}
	})
}

func requestCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var address string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "request [payload]",
		Short: "Authenticate to a server and send one request",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address == "" {
				address = cfg.Client.ServerAddress
			}
			if address == "" {
				return errors.New("required flag \"address\" not set and Client.ServerAddress is empty")
			}
			var payload []byte
			if len(args) == 1 {
				payload = []byte(args[0])
			}

			backend, err := newLogBackend(cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			creds, err := security.LoadClientCredentials(cfg.Client.Options())
			if err != nil {
				return err
			}
			defer creds.Release()
			nonce, err := cfg.Nonce.Generator()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			c, err := client.Dial(ctx, address, client.Options{
				Credentials: creds,
				Nonce:       nonce,
				Logger:      backend.GetLogger("uda-auth/client"),
				DialTimeout: cfg.Client.DialTimeout,
			})
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Request(ctx, payload)
			if err != nil {
				return err
			}
			if resp.Status != security.StatusOK {
				return errors.Errorf("server returned status %d: %s", resp.Status, resp.Error)
			}
			_, err = cmd.OutOrStdout().Write(resp.Payload)
			return err
		},
	}
	cmd.Flags().StringVarP(&address, "address", "a", "", "server address, host:port or <host:port?name=server>")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", time.Minute, "overall request timeout")
	return cmd
}

func pkiCmd() *cobra.Command {
	var opts security.ProvisionOptions

	cmd := &cobra.Command{
		Use:   "pki",
		Short: "Provision a CA and the client, server and delegated trust stores",
		Example: `
  uda-auth pki --dir /srv/uda --server uda.example.org --client alice --delegated bob`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, err := security.ProvisionTrustStores(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ca:     %s\n", stores.CA)
			fmt.Fprintf(out, "server: %s\n", stores.Server)
			fmt.Fprintf(out, "client: %s\n", stores.Client)
			if stores.Delegated != "" {
				fmt.Fprintf(out, "delegated: %s\n", stores.Delegated)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "output directory")
	cmd.Flags().StringVar(&opts.CAName, "ca", "", "CA common name")
	cmd.Flags().StringVar(&opts.ServerName, "server", "", "server common name")
	cmd.Flags().StringVar(&opts.ClientName, "client", "", "client common name")
	cmd.Flags().StringVar(&opts.DelegatedName, "delegated", "", "delegated principal common name, empty to skip")
	cmd.Flags().IntVar(&opts.KeyBits, "bits", 0, "RSA key size")
	cmd.Flags().DurationVar(&opts.Lifetime, "lifetime", 0, "certificate lifetime")
	cmd.Flags().BoolVar(&opts.OmitServerPublicKey, "no-server-key", false, "do not provision the server public key in the client store")
	cmd.MarkFlagRequired("dir")
	return cmd
}

func genconfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genconfig <file>",
		Short: "Write a configuration file with every default filled in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return errors.Errorf("%s already exists", args[0])
			}
			return config.Store(config.Default(), args[0])
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "uda-auth %s\n", versioninfo.Short())
			if !strings.HasPrefix(versioninfo.Revision, "unknown") {
				fmt.Fprintf(cmd.OutOrStdout(), "revision %s\n", versioninfo.Revision)
			}
		},
	}
}
