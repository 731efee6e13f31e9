package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inercia/relay/internal/acp"
	"github.com/inercia/relay/internal/appdir"
	"github.com/inercia/relay/internal/config"
	"github.com/inercia/relay/internal/hooks"
	"github.com/inercia/relay/internal/logging"
	"github.com/inercia/relay/internal/metrics"
	"github.com/inercia/relay/internal/session"
	"github.com/inercia/relay/internal/web"
)

var (
	serveHost    string
	servePort    int
	serveWatch   bool
	serveMetrics bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Long: `Start the HTTP server exposing the session REST API and the
multiplexed WebSocket at /api/ws.

The configuration file is watched: agent commands and session defaults
are reloaded on change. Listener settings apply on restart.

Example:
  relay serve                     # Listen on the configured address
  relay serve --port 0            # Use a random port
  relay serve --host 0.0.0.0      # Accept remote clients`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides web.host)")
	serveCmd.Flags().IntVar(&servePort, "port", -1, "Listen port (overrides web.port). Use 0 for a random port")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "Reload the configuration file when it changes")
	serveCmd.Flags().BoolVar(&serveMetrics, "metrics", true, "Serve Prometheus metrics at /metrics")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.Get()

	settings := *cfg
	if serveHost != "" {
		settings.Web.Host = serveHost
	}
	if servePort >= 0 {
		settings.Web.Port = servePort
	}

	sessionsDir, err := sessionsDirFor(&settings)
	if err != nil {
		return err
	}
	store, err := session.NewStore(sessionsDir)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	spawner, err := acp.NewSpawner(&settings, logging.Agent())
	if err != nil {
		return fmt.Errorf("failed to configure agents: %w", err)
	}

	var m *metrics.Metrics
	if serveMetrics {
		m = metrics.New()
	}
	srv, err := web.NewServer(web.Config{
		Settings: &settings,
		Store:    store,
		Spawner:  spawner,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", settings.Web.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", settings.Web.Addr(), err)
	}
	fmt.Printf("relay listening on http://%s (sessions in %s)\n", listener.Addr(), sessionsDir)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, listener)
	})
	if serveWatch {
		watcher, err := config.NewWatcher(resolvedConfigPath, &settings, logging.ConfigLoader())
		if err != nil {
			logger.Warn("configuration watching disabled", "error", err)
		} else {
			watcher.Subscribe(func(next *config.Config) {
				if err := spawner.Reconfigure(next); err != nil {
					logger.Error("failed to apply agent configuration", "error", err)
					return
				}
				srv.ApplySettings(next)
			})
			watcher.Start()
			g.Go(func() error {
				<-ctx.Done()
				return watcher.Close()
			})
		}
	}

	host, port, _ := net.SplitHostPort(listener.Addr().String())
	vars := hooks.Vars(host, port)
	upHook, hookErr := hooks.Start(settings.Hooks.Up, vars, logging.WithComponent("hooks"))
	if hookErr != nil {
		logger.Error("failed to start up hook", "error", hookErr)
	}

	err = g.Wait()
	upHook.Stop(5 * time.Second)

	// Kill the background terminals agents left behind.
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	spawner.Close(closeCtx)

	downCtx, cancelDown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDown()
	_ = hooks.Run(downCtx, settings.Hooks.Down, vars, logging.WithComponent("hooks"))

	logger.Info("relay stopped")
	return err
}

// sessionsDirFor returns the configured sessions directory or the default
// one under the relay directory.
func sessionsDirFor(c *config.Config) (string, error) {
	if c.Sessions.Dir != "" {
		return c.Sessions.Dir, nil
	}
	return appdir.SessionsDir()
}
