// Package logctx enriches slog records with request- and scan-scoped data
// carried in the context. Handlers and the engine record the data once; every
// log line emitted under that context picks it up without re-plumbing fields.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(scanDataKey{}).(*ScanData); ok {
		r.AddAttrs(slog.Group("scan",
			slog.String("scene_id", sd.SceneID),
		))
	}

	if ed, ok := ctx.Value(eventDataKey{}).(*EventData); ok {
		r.AddAttrs(slog.Group("event",
			slog.String("msg_type", ed.MsgType),
			slog.String("kind", ed.Kind),
			slog.String("scene_id", ed.SceneID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type scanDataKey struct{}

// ScanData identifies the scannable login session a log line belongs to.
type ScanData struct {
	SceneID string
}

func WithScanData(ctx context.Context, data *ScanData) context.Context {
	return context.WithValue(ctx, scanDataKey{}, data)
}

type eventDataKey struct{}

// EventData describes an inbound vendor webhook event.
type EventData struct {
	MsgType string
	Kind    string
	SceneID string
}

func WithEventData(ctx context.Context, data *EventData) context.Context {
	return context.WithValue(ctx, eventDataKey{}, data)
}
