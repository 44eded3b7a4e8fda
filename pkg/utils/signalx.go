package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const shutdownTimeout = 5 * time.Second

// WatchSignal blocks until SIGTERM or SIGINT.
func WatchSignal() {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(signalCh)
	<-signalCh
}

// ListenAndServe serves h on port until a termination signal arrives or the
// listener fails, then shuts the server down gracefully.
func ListenAndServe(h http.Handler, port int) error {
	log := GetLogger()
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: h,
	}
	failed := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()
	log.Infof("listening on %s", srv.Addr)

	stopped := make(chan struct{})
	go func() {
		WatchSignal()
		close(stopped)
	}()

	var err error
	select {
	case err = <-failed:
		log.Errorf("listen: %s", err)
	case <-stopped:
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
		log.Warnf("server shutdown: %s", shutdownErr)
	}
	log.Info("server shutdown")
	return err
}
