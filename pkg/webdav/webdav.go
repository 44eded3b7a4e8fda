// Package webdav exports the media directory read-write over WebDAV.
package webdav

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"
)

type Webdav struct {
	lock   sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	addr   string
	port   int
	dir    string
	logger *zap.SugaredLogger
}

func New(ctx context.Context, port int, dir string, logger *zap.SugaredLogger) *Webdav {
	return &Webdav{
		ctx:    ctx,
		port:   port,
		dir:    dir,
		logger: logger,
	}
}

// Start serves the directory; it is a no-op while already running.
func (w *Webdav) Start() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.cancel != nil {
		return nil
	}
	newCtx, cancel := context.WithCancel(w.ctx)
	addr, err := Serve(newCtx, w.port, w.dir, w.logger)
	if err != nil {
		cancel()
		return err
	}
	w.cancel = cancel
	w.addr = addr
	w.logger.Infof("webdav: serving %s on %s", w.dir, addr)

	return nil
}

func (w *Webdav) Stop() {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
		w.addr = ""
		w.logger.Info("webdav: stopped")
	}
}

// Addr is the listen address, empty when stopped.
func (w *Webdav) Addr() string {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.addr
}

func (w *Webdav) Running() bool {
	return w.Addr() != ""
}

// Serve listens on port (0 picks one) until ctx is done and returns the
// bound address.
func Serve(ctx context.Context, port int, dir string, logger *zap.SugaredLogger) (string, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return "", err
	}

	h := &webdav.Handler{
		FileSystem: webdav.Dir(dir),
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logger.Errorf("WEBDAV [%s]: %s, err: %s", r.Method, r.URL, err)
			}
		},
	}
	svr := &http.Server{
		Handler: h,
	}

	go func() {
		if err := svr.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Errorf("webdav server err: %s", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srcCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svr.Shutdown(srcCtx); err != nil {
			logger.Errorf("shutdown webdav server err: %s", err)
		}
	}()

	return ln.Addr().String(), nil
}
