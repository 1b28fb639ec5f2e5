package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	loggingpkg "github.com/drblury/topicbus/internal/runtime/logging"
)

const shutdownTimeout = 5 * time.Second

func (b *Bus) httpRouter(port int) chi.Router {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	if b.httpServers == nil {
		b.httpServers = make(map[int]chi.Router)
	}
	r, ok := b.httpServers[port]
	if !ok {
		r = chi.NewRouter()
		r.Use(middleware.Recoverer)
		b.httpServers[port] = r
	}
	return r
}

// HTTPHandler returns the router registered for port, or nil.
func (b *Bus) HTTPHandler(port int) http.Handler {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()
	if r, ok := b.httpServers[port]; ok {
		return r
	}
	return nil
}

// Serve runs the configured metrics and introspection HTTP servers until ctx
// is done. Without HTTP surfaces it simply blocks until ctx is done. Delivery
// never depends on Serve.
func (b *Bus) Serve(ctx context.Context) error {
	b.httpServersMu.Lock()
	servers := make([]*http.Server, 0, len(b.httpServers))
	for port, router := range b.httpServers {
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	b.httpServersMu.Unlock()

	if len(servers) == 0 {
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			b.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
