package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stagehand/internal/engine"
	"stagehand/internal/errlog"
)

type webhookInput struct {
	Signature  string `header:"X-Clio-Signature"`
	HookSecret string `header:"X-Hook-Secret"`
	RawBody    []byte
}

type webhookOutput struct {
	HookSecret string          `header:"X-Hook-Secret"`
	Body       WebhookResponse `json:"body"`
}

// registerWebhooks mounts the inbound webhook endpoint. The signature gate
// runs over the exact raw request bytes, before any parsing: re-serializing
// JSON changes byte layout and would invalidate the HMAC.
func registerWebhooks(api huma.API, e engine.Engine, secret string) {
	huma.Register(api, huma.Operation{
		OperationID:      "clio-webhook",
		Method:           http.MethodPost,
		Path:             "/webhooks/clio",
		Summary:          "Inbound platform webhook",
		SkipValidateBody: true,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *webhookInput) (*webhookOutput, error) {
		// Dropped connection before the gate completes: abort with no side
		// effects. Nothing has been logged or written yet.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// One-time activation handshake: the provider expects the hook
		// secret echoed back, and no signature accompanies this exchange.
		if input.HookSecret != "" {
			auditWebhook(ctx, e, errlog.CodeWebhookActivation, "activation handshake received", nil)
			return &webhookOutput{
				HookSecret: input.HookSecret,
				Body:       WebhookResponse{Success: true, Action: "activation"},
			}, nil
		}

		if secret == "" {
			auditWebhook(ctx, e, errlog.CodeConfigMissing, "webhook shared secret not configured", nil)
			return nil, newAPIError(http.StatusInternalServerError, "config_missing", "webhook secret not configured", nil)
		}
		if input.Signature == "" {
			auditWebhook(ctx, e, errlog.CodeWebhookMissingSignature, "webhook arrived without signature", nil)
			return nil, newAPIError(http.StatusUnauthorized, "webhook_missing_signature", "signature required", nil)
		}
		expected := signHex([]byte(secret), input.RawBody)
		if !signatureMatches(expected, input.Signature) {
			// Both values go to the audit log for operator diagnosis.
			auditWebhook(ctx, e, errlog.CodeWebhookInvalidSignature, "webhook signature mismatch", errlog.Context{
				"expected": expected,
				"received": input.Signature,
			})
			return nil, newAPIError(http.StatusUnauthorized, "webhook_invalid_signature", "signature mismatch", nil)
		}

		evt, err := engine.NormalizeEvent(input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ProcessEvent(ctx, evt)
		if err != nil {
			return nil, handleError(err)
		}
		return &webhookOutput{Body: WebhookResponse{
			Success:  true,
			Action:   res.Action,
			Created:  res.Created,
			Updated:  res.Updated,
			Deferred: res.Deferred,
			Failed:   res.Failed,
		}}, nil
	})
}

func signHex(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// signatureMatches decodes the presented hex signature and compares in
// constant time.
func signatureMatches(expectedHex, presentedHex string) bool {
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return false
	}
	presented, err := hex.DecodeString(presentedHex)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, presented)
}

func auditWebhook(ctx context.Context, e engine.Engine, code, message string, payload errlog.Context) {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.Config.OpTimeout())
	defer cancel()
	if err := e.Errors.Append(logCtx, code, message, 0, payload); err != nil {
		log.Printf("errlog: append %s failed: %v", code, err)
	}
}
