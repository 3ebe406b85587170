package controllers

import (
	"io"
	"net/http"

	"github.com/npwellness/storefront-backend/api/responses"
	acceptpaywebhook "github.com/npwellness/storefront-backend/internal/webhooks/acceptpay"
	"github.com/npwellness/storefront-backend/pkg/config"
	pkgerrors "github.com/npwellness/storefront-backend/pkg/errors"
	"github.com/npwellness/storefront-backend/pkg/logger"
)

const webhookBodyLimit = 1 << 20

// AcceptPayWebhook receives gateway payment notifications. The response code
// steers the gateway's redelivery: 2xx stops it, 5xx invites a retry, 4xx
// tells it the delivery itself is bad.
func AcceptPayWebhook(svc *acceptpaywebhook.Service, cfg config.WebhookConfig, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		signature := r.Header.Get(acceptpaywebhook.SignatureHeader)
		if !acceptpaywebhook.VerifySignature(cfg.SigningSecret, body, signature) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid webhook signature"))
			return
		}

		event, err := acceptpaywebhook.ParseEvent(body)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		outcome, err := svc.HandleEvent(ctx, event, body)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		// Duplicate deliveries produce a nil outcome; still a 2xx so the
		// gateway stops retrying.
		responses.WriteSuccess(w, outcome)
	}
}
