package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/isolab/isolab/internal/auth"
	"github.com/isolab/isolab/internal/handler"
	"github.com/isolab/isolab/internal/lifecycle"
	"github.com/isolab/isolab/internal/service"
)

var (
	serveNoAuthFlag  bool
	serveListenFlag  string
	serveOriginsFlag []string
	shutdownTimeout  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API used by the dashboard",
	Long: `Serve a JSON API over HTTP for listing sandboxes, host resources and
history and for driving the same lifecycle operations as the CLI.

Requests under /api need the bearer token stored in $ISOLAB_HOME/api_token,
which is generated on first start. Pass it to remote commands with
--api-token or ISOLAB_API_TOKEN.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListenFlag, "listen", "", "Listen address (default api.listen from config)")
	serveCmd.Flags().StringSliceVar(&serveOriginsFlag, "allow-origin", nil, "CORS origins allowed to call the API (default any)")
	serveCmd.Flags().BoolVar(&serveNoAuthFlag, "no-auth", false, "Serve the API without a bearer token")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{service: "isolab-api", daemon: true})
	if err != nil {
		return err
	}
	defer a.Close()

	listen := serveListenFlag
	if listen == "" {
		listen = a.cfg.API.Listen
	}
	routerOpts := handler.RouterOptions{AllowOrigins: serveOriginsFlag}
	if serveNoAuthFlag {
		if !strings.HasPrefix(listen, "127.") && !strings.HasPrefix(listen, "localhost") && !strings.HasPrefix(listen, "[::1]") {
			slog.Warn("status API is not bound to loopback and has no authentication", "component", "http_server", "listen", listen)
		}
	} else {
		token, created, err := auth.LoadOrCreateToken(a.cfg.APITokenFile())
		if err != nil {
			return err
		}
		if created {
			slog.Info("generated api token", "component", "http_server", "path", a.cfg.APITokenFile())
		}
		routerOpts.TokenHash = auth.HashToken(token)
	}

	gin.SetMode(gin.ReleaseMode)
	drainState := lifecycle.NewDrainManager()
	router := handler.NewRouter(
		handler.NewLabHandler(a.svc, service.SystemProbe),
		drainState,
		routerOpts,
	)

	srv := &http.Server{
		Addr:         listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api server starting", "component", "http_server", "listen", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down api server", "component", "http_server")

	drainState.StartDraining()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api server forced to shutdown", "component", "http_server", "error", err)
	}
	if err := drainState.Wait(shutdownCtx); err != nil {
		slog.Warn("api drained with timeout", "component", "http_server", "error", err)
	}
	slog.Info("api server stopped", "component", "http_server")
	return nil
}
