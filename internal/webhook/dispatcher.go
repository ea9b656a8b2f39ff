package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/idempotency"
	"github.com/peycheff-com/titan-trading-system-sub000/internal/replay"
	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// maxBodyBytes bounds webhook request bodies.
const maxBodyBytes = 64 * 1024

// SignalHandler is implemented by the engine. Handlers return the response
// envelope; they never write HTTP themselves.
type SignalHandler interface {
	HandlePrepare(ctx context.Context, p types.SignalPayload) types.ResponseEnvelope
	HandleConfirm(ctx context.Context, p types.SignalPayload) types.ResponseEnvelope
	HandleAbort(ctx context.Context, p types.SignalPayload) types.ResponseEnvelope
	HandleHeartbeat(ctx context.Context, p types.SignalPayload) types.ResponseEnvelope
}

// Dispatcher authenticates and routes webhook requests.
type Dispatcher struct {
	secret  []byte
	sources map[string]struct{} // empty = any source accepted
	guard   *replay.Guard
	idem    *idempotency.Store
	handler SignalHandler
	logger  *slog.Logger
}

// NewDispatcher builds the dispatcher.
func NewDispatcher(secret string, allowedSources []string, guard *replay.Guard, idem *idempotency.Store, handler SignalHandler, logger *slog.Logger) *Dispatcher {
	sources := make(map[string]struct{}, len(allowedSources))
	for _, src := range allowedSources {
		sources[src] = struct{}{}
	}
	return &Dispatcher{
		secret:  []byte(secret),
		sources: sources,
		guard:   guard,
		idem:    idem,
		handler: handler,
		logger:  logger.With("component", "webhook"),
	}
}

// ServeHTTP handles POST /webhook.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, types.ResponseEnvelope{
			Timestamp: now(), Status: "error", Error: types.ReasonInvalidTimestamp, Message: "unreadable body"})
		return
	}

	if !VerifySignature(d.secret, body, r.Header.Get("X-Signature")) {
		d.logger.Warn("bad signature", "remote", r.RemoteAddr)
		writeEnvelope(w, http.StatusUnauthorized, types.ResponseEnvelope{
			Timestamp: now(), Status: "error", Error: types.ReasonUnauthorized, Message: "invalid signature"})
		return
	}

	if len(d.sources) > 0 {
		if _, ok := d.sources[r.Header.Get("X-Source")]; !ok {
			d.logger.Warn("unknown source", "source", r.Header.Get("X-Source"))
			writeEnvelope(w, http.StatusUnauthorized, types.ResponseEnvelope{
				Timestamp: now(), Status: "error", Error: types.ReasonUnauthorized, Message: "unknown source"})
			return
		}
	}

	var payload types.SignalPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeEnvelope(w, http.StatusBadRequest, types.ResponseEnvelope{
			Timestamp: now(), Status: "error", Error: types.ReasonMissingSignalID, Message: "malformed payload"})
		return
	}

	// Heartbeats are periodic by nature; they skip the replay and
	// idempotency machinery.
	if payload.Type == types.SignalHeartbeat {
		env := d.handler.HandleHeartbeat(r.Context(), payload)
		writeEnvelope(w, http.StatusOK, env)
		return
	}

	// Replay admission is keyed per (type, signal id) so a signal's
	// PREPARE and CONFIRM legs each pass exactly once.
	key := string(payload.Type) + ":" + payload.SignalID
	if err := d.guard.Check(r.Context(), key, payload.Timestamp); err != nil {
		var re *replay.Error
		if errors.As(err, &re) {
			if re.Code == types.ReasonDuplicateSignal {
				if cached, found := d.idem.Lookup(r.Context(), key); found {
					writeEnvelope(w, http.StatusOK, cached)
					return
				}
			}
			writeEnvelope(w, re.HTTPStatus, types.ResponseEnvelope{
				SignalID: payload.SignalID, Timestamp: now(), Status: "error", Error: re.Code, Message: re.Message})
			return
		}
		writeEnvelope(w, http.StatusBadRequest, types.ResponseEnvelope{
			SignalID: payload.SignalID, Timestamp: now(), Status: "error", Message: err.Error()})
		return
	}

	outcome := d.idem.Process(r.Context(), key, func() types.ResponseEnvelope {
		return d.route(r.Context(), payload)
	})
	writeEnvelope(w, statusFor(outcome.Response), outcome.Response)
}

func (d *Dispatcher) route(ctx context.Context, p types.SignalPayload) types.ResponseEnvelope {
	switch p.Type {
	case types.SignalPrepare:
		return d.handler.HandlePrepare(ctx, p)
	case types.SignalConfirm:
		return d.handler.HandleConfirm(ctx, p)
	case types.SignalAbort:
		return d.handler.HandleAbort(ctx, p)
	default:
		return types.ResponseEnvelope{
			SignalID: p.SignalID, Timestamp: now(), Status: "error",
			Message: "unknown signal type " + string(p.Type)}
	}
}

// statusFor maps envelope error codes to HTTP status. Business rejections
// travel as 200 with an error body; only auth and whitelist failures get
// their own status.
func statusFor(env types.ResponseEnvelope) int {
	switch env.Error {
	case types.ReasonUnauthorized:
		return http.StatusUnauthorized
	case types.ReasonAssetDisabled:
		return http.StatusForbidden
	default:
		return http.StatusOK
	}
}

func writeEnvelope(w http.ResponseWriter, status int, env types.ResponseEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func now() time.Time { return time.Now() }
