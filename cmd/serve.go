package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/registry-cli/internal/api"
)

const shutdownGrace = 10 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only status API over the store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		handler := api.New(st, api.Config{
			Threshold:        cfg.Pipeline.AdmissionThreshold,
			ActivityPrefixes: cfg.Pipeline.ActivityPrefixes,
			Keywords:         cfg.Pipeline.Keywords,
			AllowedOrigins:   cfg.Server.AllowedOrigins,
		}).Handler()
		return serveHTTP(ctx, net.JoinHostPort("", strconv.Itoa(port)), handler)
	},
}

// serveHTTP runs handler on addr until ctx is done, then drains in-flight
// requests for up to shutdownGrace.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zap.L().Info("status api listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "serve: listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("status api stopping")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}
