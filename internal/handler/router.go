package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"keyvault-service/config"
	"keyvault-service/internal/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(keys *KeyHandler, enc *EncryptionHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Handle("/metrics", promhttp.Handler())

	// ルート定義
	r.Route("/v1", func(r chi.Router) {
		r.Route("/keys", func(r chi.Router) {
			r.Post("/", keys.CreateKey)
			r.Get("/", keys.ListKeys)
			r.Get("/{id}", keys.GetKey)
			r.Delete("/{id}", keys.DeleteKey)
			r.Post("/{id}/alt-names", keys.AddKeyAlternateName)
			r.Delete("/{id}/alt-names/{altName}", keys.RemoveKeyAlternateName)
		})
		r.Post("/encrypt", enc.Encrypt)
		r.Post("/decrypt", enc.Decrypt)
	})

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName)
	}
	return r
}
