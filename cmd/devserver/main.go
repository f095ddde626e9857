package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decred/slog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"threadkx/internal/devserver"
)

func main() {
	var (
		listen     string
		debugLevel string
	)
	root := &cobra.Command{
		Use:          "devserver",
		Short:        "In-memory collaborator server for local threadkx runs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, ok := slog.LevelFromString(debugLevel)
			if !ok {
				return fmt.Errorf("invalid debug level %q", debugLevel)
			}
			log := slog.NewBackend(os.Stdout).Logger("DEVS")
			log.SetLevel(level)

			srv := &http.Server{
				Addr:              listen,
				Handler:           devserver.New(devserver.Config{Log: log}).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Infof("Listening on %s", listen)
				err := srv.ListenAndServe()
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				<-gctx.Done()
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutCtx)
			})
			return g.Wait()
		},
	}
	root.Flags().StringVar(&listen, "listen", ":8080", "listen address")
	root.Flags().StringVar(&debugLevel, "debuglevel", "info", "log level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
