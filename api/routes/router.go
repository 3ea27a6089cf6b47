package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kmwilder/proofroom-backend/api/controllers"
	webhookcontrollers "github.com/kmwilder/proofroom-backend/api/controllers/webhooks"
	"github.com/kmwilder/proofroom-backend/api/middleware"
	"github.com/kmwilder/proofroom-backend/internal/payments"
	"github.com/kmwilder/proofroom-backend/internal/security"
	"github.com/kmwilder/proofroom-backend/pkg/config"
	"github.com/kmwilder/proofroom-backend/pkg/db"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
	"github.com/kmwilder/proofroom-backend/pkg/redis"
	"github.com/kmwilder/proofroom-backend/pkg/storage/object"
)

// RouterParams collects everything the HTTP surface needs.
type RouterParams struct {
	Config         *config.Config
	Logger         *logger.Logger
	DB             db.Pinger
	Redis          *redis.Client
	Storage        *object.Client
	Sessions       controllers.SessionReader
	SessionFiles   controllers.SessionFileReader
	Ledger         controllers.QuotaReader
	Cart           controllers.CartService
	Pipeline       controllers.DownloadPipeline
	Uploads        controllers.PhotoUploader
	PaymentService *payments.Service
	PaymentGuard   *payments.IdempotencyGuard
	SecurityEvents *security.EventLog
	Registry       *prometheus.Registry
}

func NewRouter(p RouterParams) http.Handler {
	cfg := p.Config
	logg := p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.CorrelationID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.DB, p.Redis, p.Storage))
	})

	if p.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/payments", webhookcontrollers.PaymentWebhook(p.PaymentService, cfg.Payments.WebhookSecret, p.PaymentGuard, logg))
	})

	r.Route("/api/v1/galleries/{sessionId}", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimit, p.Redis, logg))

		r.Get("/photos/{assetRef}/download", controllers.DownloadPhoto(p.Pipeline, logg))
		r.Get("/quota", controllers.QuotaStatus(p.Ledger, p.Sessions, cfg.Gallery.ClientKeySecret, logg))
		r.Route("/cart", func(r chi.Router) {
			r.Get("/", controllers.CartStatus(p.Cart, p.Sessions, cfg.Gallery.ClientKeySecret, logg))
			r.Post("/items", controllers.CartAdd(p.Cart, p.Sessions, cfg.Gallery.ClientKeySecret, logg))
			r.Delete("/", controllers.CartClear(p.Cart, p.Sessions, cfg.Gallery.ClientKeySecret, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.OwnerAuth(cfg.JWT, logg))
		r.Get("/security/events", controllers.SecurityEvents(p.SecurityEvents, logg))
		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.Post("/photos", controllers.UploadPhoto(p.Uploads, logg))
			r.Get("/photos/{assetRef}/link", controllers.PhotoLink(p.SessionFiles, p.Storage, logg))
		})
	})

	return r
}
