package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the full route tree served by cmd/camctl.
func NewRouter(api *API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RecoverJSON)
	r.Use(middleware.Timeout(20 * time.Second))
	r.Use(RequestLogger(api))

	r.Get("/healthz", api.Health)

	r.Route("/api/devices", func(dr chi.Router) {
		dr.Get("/", api.ListDevices)
		dr.Get("/{id}", api.GetDevice)
		dr.Get("/{id}/preview", api.GetPreview)
		dr.Patch("/{id}", api.PatchDevice)
		dr.Post("/{id}/connect", api.ConnectDevice)
		dr.Post("/{id}/disconnect", api.DisconnectDevice)
		dr.Post("/{id}/params/{group}/{name}", api.SetParam)
		dr.Post("/{id}/params/{group}/{name}/motion", api.StartMotion)
		dr.Delete("/{id}/params/{group}/{name}/motion", api.StopMotion)
	})

	r.Route("/api/tally", func(tr chi.Router) {
		tr.Get("/", api.ListTally)
		tr.Put("/{deviceIndex}", api.PutTally)
	})

	r.Get("/ws/events", api.ServeWS)

	return r
}

// RunServer starts server and blocks until ctx is cancelled, at which
// point it drains in-flight requests within a 15 second grace period.
func RunServer(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
