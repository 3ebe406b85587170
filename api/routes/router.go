package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/npwellness/storefront-backend/api/controllers"
	"github.com/npwellness/storefront-backend/api/middleware"
	"github.com/npwellness/storefront-backend/internal/orders"
	"github.com/npwellness/storefront-backend/internal/payments"
	acceptpaywebhook "github.com/npwellness/storefront-backend/internal/webhooks/acceptpay"
	"github.com/npwellness/storefront-backend/pkg/config"
	"github.com/npwellness/storefront-backend/pkg/logger"
	pkgredis "github.com/npwellness/storefront-backend/pkg/redis"
)

// Deps carries everything the router wires into handlers.
type Deps struct {
	Config         *config.Config
	Logger         *logger.Logger
	DB             controllers.Pinger
	Redis          *pkgredis.Client
	Orders         orders.Service
	Payments       payments.Service
	Webhook        *acceptpaywebhook.Service
	MetricsHandler http.Handler
}

func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	cfg := deps.Config
	logg := deps.Logger

	// Redis is optional in tests; the middleware skips on nil interfaces.
	var idemStore pkgredis.IdempotencyStore
	var limiter middleware.RateLimiter
	var redisPinger controllers.Pinger
	if deps.Redis != nil {
		idemStore = deps.Redis
		limiter = deps.Redis
		redisPinger = deps.Redis
	}

	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.DB, redisPinger))
	})

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	orderPolicy := middleware.RateLimitPolicy{Name: "orders", Window: time.Minute, Limit: 30}
	webhookPolicy := middleware.RateLimitPolicy{Name: "webhooks", Window: time.Minute, Limit: 300}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Use(middleware.Idempotency(idemStore, logg))
			r.With(middleware.RateLimit(orderPolicy, limiter, logg)).
				Post("/", controllers.CreateOrder(deps.Orders, logg))
			r.Get("/{orderNumber}", controllers.GetOrder(deps.Orders, logg))
			r.Post("/{orderNumber}/payment", controllers.InitiatePayment(deps.Payments, logg))
			r.Post("/{orderNumber}/cancel", controllers.CancelOrder(deps.Payments, logg))
		})

		r.Get("/payments/return", controllers.PaymentReturn(deps.Payments, logg))

		r.Route("/webhooks", func(r chi.Router) {
			r.With(middleware.RateLimit(webhookPolicy, limiter, logg)).
				Post("/acceptpay", controllers.AcceptPayWebhook(deps.Webhook, cfg.Webhook, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole("admin", logg))
		r.Post("/payments/{transactionId}/recheck", controllers.AdminRecheckPayment(deps.Payments, logg))
	})

	return r
}
