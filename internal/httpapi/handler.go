// Package httpapi exposes the service over HTTP: the SSE login stream, the
// vendor webhook, rendered QR images and health.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/qrlogin/qrlogin-go/internal/engine"
	"github.com/qrlogin/qrlogin-go/internal/logctx"
	"github.com/qrlogin/qrlogin-go/internal/pool"
	"github.com/qrlogin/qrlogin-go/internal/wechat"
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")

	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	maxEventBody = 64 << 10
	qrImageSize  = 256
)

// SessionEngine runs login sessions and routes webhook scans to them.
type SessionEngine interface {
	Run(ctx context.Context, emit engine.EmitFunc) error
	Deliver(ctx context.Context, sceneID string, ev engine.ScanEvent) bool
}

// CodeStore is the read-only slice of the identifier pool the HTTP layer
// needs: resolving scannable URLs and reporting pool occupancy.
type CodeStore interface {
	Lookup(id string) (string, bool)
	Stats() (available, total int)
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// Handler is the HTTP surface of the service.
type Handler struct {
	eng      SessionEngine
	codes    CodeStore
	apiToken string
	mpToken  string
	log      *slog.Logger

	router chi.Router
}

// New constructs the Handler.
//
// Required:
//   - eng: the session engine driving /sse and webhook delivery
//   - codes: scannable-URL store backing /qrcode/{scene_id} and /healthz
//   - apiToken: shared secret browsers present on /sse
//   - mpToken: webhook-endpoint token for the vendor ownership challenge
func New(eng SessionEngine, codes CodeStore, apiToken, mpToken string, opts ...Option) *Handler {
	h := &Handler{
		eng:      eng,
		codes:    codes,
		apiToken: apiToken,
		mpToken:  mpToken,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/sse", h.handleSSE)
	r.Post("/wechat_event", h.handleWechatEvent)
	r.Get("/wechat_event", h.handleWechatVerify)
	r.Get("/qrcode/{sceneID}", h.handleQRCode)
	r.Get("/healthz", h.handleHealthz)

	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		h.log.InfoContext(ctx, "http.request",
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)))
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	// Only set content-type if not already committed to SSE.
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.apiToken)) != 1 {
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		h.log.WarnContext(ctx, "auth.fail")
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "sse.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	// The stream headers go out with the first frame, so an allocation
	// failure below still owns the response status.
	headersSent := false
	frameSeq := 0
	emit := func(frame any) error {
		payload, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.WriteHeader(http.StatusOK)
			wf.Flush()
			headersSent = true
		}
		frameSeq++
		return writeSSEEvent(wf, strconv.Itoa(frameSeq), payload)
	}

	h.log.InfoContext(ctx, "sse.stream.start")
	if err := h.eng.Run(ctx, emit); err != nil {
		if errors.Is(err, pool.ErrExhausted) {
			writeJSONError(w, http.StatusServiceUnavailable, "service busy, retry later")
			h.log.WarnContext(ctx, "sse.pool.exhausted")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "session failed")
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end")
}

func (h *Handler) handleWechatEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable body")
		h.log.WarnContext(ctx, "wechat.event.read.fail", slog.String("err", err.Error()))
		return
	}

	ev, err := wechat.ParseEvent(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed event")
		h.log.WarnContext(ctx, "wechat.event.parse.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithEventData(ctx, &logctx.EventData{
		MsgType: ev.MsgType,
		Kind:    ev.Event,
		SceneID: ev.SceneID(),
	})

	if !ev.IsScan() {
		h.log.InfoContext(ctx, "wechat.event.ignored")
		ackPlain(w)
		return
	}

	sceneID := ev.SceneID()
	if sceneID == "" {
		h.log.WarnContext(ctx, "wechat.event.scene_missing")
		ackPlain(w)
		return
	}

	ctx = logctx.WithScanData(ctx, &logctx.ScanData{SceneID: sceneID})
	h.eng.Deliver(ctx, sceneID, engine.ScanEvent{UserID: ev.FromUserName, Kind: ev.Event})
	ackPlain(w)
}

func (h *Handler) handleWechatVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if !wechat.VerifySignature(h.mpToken, q.Get("timestamp"), q.Get("nonce"), q.Get("signature")) {
		writeJSONError(w, http.StatusBadRequest, "signature mismatch")
		h.log.WarnContext(ctx, "wechat.verify.fail")
		return
	}

	h.log.InfoContext(ctx, "wechat.verify.ok")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(q.Get("echostr")))
}

func (h *Handler) handleQRCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sceneID := chi.URLParam(r, "sceneID")

	url, ok := h.codes.Lookup(sceneID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown scene id")
		h.log.InfoContext(ctx, "qrcode.miss", slog.String("scene_id", sceneID))
		return
	}

	png, err := qrcode.Encode(url, qrcode.Medium, qrImageSize)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "render qrcode")
		h.log.ErrorContext(ctx, "qrcode.encode.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(png)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	available, total := h.codes.Stats()
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"pool":   map[string]int{"available": available, "total": total},
	})
}

func ackPlain(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
}
