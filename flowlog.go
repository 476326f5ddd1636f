package cfw

import (
	"context"
	"log/slog"
	"time"
)

// FlowLogger writes one structured entry per relayed connection. It uses
// slog.LogAttrs to keep allocations low on the relay path.
type FlowLogger struct {
	logger *slog.Logger
}

// FlowEntry contains the fields for one connection's flow record.
type FlowEntry struct {
	// ConnID is the tracked connection id.
	ConnID string

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Host and Port identify the origin target.
	Host string
	Port string

	// Protocol is the detected protocol tag.
	Protocol string

	// BytesIn/BytesOut are client-to-origin and origin-to-client totals.
	BytesIn  int64
	BytesOut int64

	// Duration is the connection lifetime.
	Duration time.Duration

	// Action is the terminal verdict if the connection was interfered with
	// (block/modify), empty otherwise.
	Action string

	// Blocked is true when a block verdict terminated the connection.
	Blocked bool

	// Error describes a terminal error, if any.
	Error string
}

// NewFlowLogger creates a FlowLogger writing to the given slog.Logger.
// For machine-readable output, pass a logger backed by slog.NewJSONHandler.
func NewFlowLogger(logger *slog.Logger) *FlowLogger {
	return &FlowLogger{logger: logger}
}

// Log writes one flow entry.
func (fl *FlowLogger) Log(e FlowEntry) {
	attrs := make([]slog.Attr, 0, 10)

	attrs = append(attrs,
		slog.String("conn_id", e.ConnID),
		slog.String("client", e.ClientAddr),
		slog.String("host", e.Host),
		slog.String("port", e.Port),
		slog.String("protocol", e.Protocol),
		slog.Int64("bytes_in", e.BytesIn),
		slog.Int64("bytes_out", e.BytesOut),
		slog.Duration("duration", e.Duration),
	)

	if e.Blocked {
		attrs = append(attrs, slog.Bool("blocked", true))
	}
	if e.Action != "" {
		attrs = append(attrs, slog.String("action", e.Action))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	fl.logger.LogAttrs(context.Background(), slog.LevelInfo, "flow", attrs...)
}
