// Package webhook lets external systems (CI, chat bots, monitors) queue
// messages for agents without holding the operator API key. Each named
// endpoint carries its own secret and routing defaults.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/h1v3-io/courier/internal/api"
	"github.com/h1v3-io/courier/internal/courierr"
	"github.com/h1v3-io/courier/internal/queue"
	"github.com/h1v3-io/courier/pkg/protocol"
)

// BroadcastRecipient routes a payload to every registered agent.
const BroadcastRecipient = "*"

// EndpointConfig holds per-endpoint webhook configuration.
type EndpointConfig struct {
	// Secret for HMAC-SHA256 signature verification (X-Hub-Signature-256 header).
	// If empty, Bearer auth is used instead.
	Secret string `json:"secret,omitempty"`
	// BearerToken for Authorization header auth. Used if Secret is empty.
	BearerToken string `json:"bearer_token,omitempty"`
	// Recipient is used when the payload names none. "*" broadcasts.
	Recipient string `json:"recipient,omitempty"`
	// Priority is used when the payload names none.
	Priority string `json:"priority,omitempty"`
}

// Payload is the expected JSON body for webhook requests.
type Payload struct {
	Recipient string         `json:"recipient,omitempty"`
	Content   string         `json:"content"`
	Priority  string         `json:"priority,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Response lists the ids of the queued messages.
type Response struct {
	Status string   `json:"status"`
	IDs    []string `json:"ids"`
}

// Sender is the part of the hub a webhook needs.
type Sender interface {
	Send(ctx context.Context, sender, recipient, content string, priority protocol.Priority) (string, error)
	Broadcast(ctx context.Context, sender, content string, priority protocol.Priority) ([]queue.BroadcastReceipt, error)
}

// Handler serves POST /api/webhook/{name}.
type Handler struct {
	endpoints map[string]EndpointConfig
	sender    Sender
	logger    *slog.Logger
}

// New creates a webhook handler. The message sender recorded on queued
// messages is "webhook:<name>".
func New(endpoints map[string]EndpointConfig, sender Sender, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		endpoints: endpoints,
		sender:    sender,
		logger:    logger.With("component", "webhook"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, courierr.KindValidation, "method not allowed")
		return
	}

	name := r.PathValue("name")
	if name == "" {
		name = extractName(r.URL.Path)
	}
	if name == "" {
		writeError(w, http.StatusBadRequest, courierr.KindValidation, "missing endpoint name in path")
		return
	}

	endpoint, ok := h.endpoints[name]
	if !ok {
		writeError(w, http.StatusNotFound, courierr.KindNotFound, fmt.Sprintf("unknown webhook endpoint: %s", name))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		writeError(w, http.StatusBadRequest, courierr.KindValidation, "failed to read body")
		return
	}

	if !authenticate(r, endpoint, body) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, courierr.KindValidation, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(payload.Content) == "" {
		writeError(w, http.StatusBadRequest, courierr.KindValidation, "content is required")
		return
	}

	recipient := payload.Recipient
	if recipient == "" {
		recipient = endpoint.Recipient
	}
	if recipient == "" {
		writeError(w, http.StatusBadRequest, courierr.KindValidation, "recipient is required")
		return
	}
	prio := payload.Priority
	if prio == "" {
		prio = endpoint.Priority
	}
	priority, err := protocol.ParsePriority(prio)
	if err != nil {
		writeError(w, http.StatusBadRequest, courierr.KindValidation, err.Error())
		return
	}

	content := payload.Content
	if len(payload.Metadata) > 0 {
		metaJSON, _ := json.Marshal(payload.Metadata)
		content = fmt.Sprintf("%s [metadata: %s]", content, string(metaJSON))
	}

	ids, err := h.deliver(r.Context(), "webhook:"+name, recipient, content, priority)
	if err != nil {
		status := api.StatusFor(err)
		if status >= 500 {
			h.logger.Error("webhook enqueue failed", "endpoint", name, "error", err)
		}
		writeJSON(w, status, api.ErrorBody{
			Error:     err.Error(),
			Code:      string(courierr.KindOf(err)),
			Retryable: courierr.Retryable(err),
		})
		return
	}

	h.logger.Debug("webhook queued", "endpoint", name, "recipient", recipient, "messages", len(ids))
	writeJSON(w, http.StatusAccepted, Response{Status: "queued", IDs: ids})
}

func (h *Handler) deliver(ctx context.Context, sender, recipient, content string, priority protocol.Priority) ([]string, error) {
	if recipient != BroadcastRecipient {
		id, err := h.sender.Send(ctx, sender, recipient, content, priority)
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	receipts, err := h.sender.Broadcast(ctx, sender, content, priority)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(receipts))
	for _, rc := range receipts {
		if rc.MessageID != "" {
			ids = append(ids, rc.MessageID)
		}
	}
	return ids, nil
}

func authenticate(r *http.Request, endpoint EndpointConfig, body []byte) bool {
	if endpoint.Secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Signature-256")
		}
		return verifyHMAC(body, endpoint.Secret, sig)
	}

	if endpoint.BearerToken != "" {
		return r.Header.Get("Authorization") == "Bearer "+endpoint.BearerToken
	}

	// No auth configured, allow (for development)
	return true
}

// verifyHMAC checks an HMAC-SHA256 signature of the form "sha256=<hex>".
func verifyHMAC(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}

	expectedMAC, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expectedMAC)
}

// extractName gets the last path segment from /api/webhook/{name}.
func extractName(path string) string {
	path = strings.TrimSuffix(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// ComputeSignature generates an HMAC-SHA256 signature for senders and tests.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func writeError(w http.ResponseWriter, status int, code courierr.Kind, msg string) {
	writeJSON(w, status, api.ErrorBody{Error: msg, Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
