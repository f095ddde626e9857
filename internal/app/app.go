package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"threadkx/internal/domain"
)

// Run bootstraps the device and then drives the inbox pump, the realtime
// notifier and, when configured, the metrics listener until ctx is done or
// one of them fails.
func (w *Wire) Run(ctx context.Context) error {
	log := w.Logger("THKX")

	dev, err := w.Identity.Bootstrap(ctx)
	if err != nil {
		return err
	}
	log.Infof("Running as device %s", dev.ID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Pump.Run(gctx)
	})

	notifier := w.Relay.Notifier(func(id domain.MsgID) {
		log.Tracef("Inbox notification for %s", id)
		w.Pump.Wake()
	})
	g.Go(func() error {
		return notifier.Run(gctx)
	})

	if w.Config.MetricsListen != "" {
		srv := &http.Server{
			Addr:              w.Config.MetricsListen,
			Handler:           w.Metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Infof("Serving metrics on %s", w.Config.MetricsListen)
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
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
