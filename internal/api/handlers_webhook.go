package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/coffee-change/internal/errors"
	"github.com/coffee-change/internal/events"
	"github.com/coffee-change/internal/logging"
	"github.com/coffee-change/internal/metrics"
	"github.com/coffee-change/internal/service"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body
const SignatureHeader = "x-signature"

const maxWebhookBody = 5 << 20

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against body in constant time. An empty
// secret verifies nothing.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(signature)), "0x"))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// handleMoralisWebhook handles POST /api/webhook/moralis. Every delivery is
// acknowledged with 200 unless it is unauthenticated (401), malformed (400)
// or could not be stored (500, so the notifier redelivers). Deliveries for
// other tags are acknowledged before the envelope is validated.
func (s *Server) handleMoralisWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := "failed"
	defer func() { metrics.RecordWebhook(outcome, time.Since(start).Seconds()) }()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		outcome = "invalid"
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Failed to read body", nil)
		return
	}
	defer r.Body.Close()

	if !s.config.WebhookSkipSignature && !VerifySignature(s.config.WebhookSecret, body, r.Header.Get(SignatureHeader)) {
		outcome = "unauthorized"
		respondServiceError(w, r, apperrors.NewUnauthorizedError("invalid webhook signature"))
		return
	}

	tag, err := events.PeekTag(body)
	if err != nil {
		outcome = "invalid"
		respondServiceError(w, r, err)
		return
	}
	if !s.ingestion.AcceptsTag(tag) {
		outcome = "ignored"
		logging.FromContext(r.Context()).WithField("tag", tag).Debug("webhook delivery for another stream")
		respondJSON(w, http.StatusOK, &service.IngestResult{Ignored: true, Reason: service.ReasonUnrecognizedTag})
		return
	}

	payload, err := events.ParsePayload(body)
	if err != nil {
		outcome = "invalid"
		respondServiceError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.WebhookTimeout)
	defer cancel()

	result, err := s.ingestion.ProcessPayload(ctx, payload)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	outcome = "processed"
	if result.Ignored {
		outcome = "ignored"
		logging.FromContext(r.Context()).WithFields(map[string]interface{}{
			"tag":    payload.Tag,
			"reason": result.Reason,
		}).Info("webhook delivery ignored")
	}
	respondJSON(w, http.StatusOK, result)
}
