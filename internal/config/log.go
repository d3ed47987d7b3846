package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Handler builds the slog handler described by the `log` section. Format is
// "text" or "json".
func (l LogConfig) Handler(w io.Writer) (slog.Handler, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, fmt.Errorf("%w: log level: %w", ErrDecode, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(l.Format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("%w: log format %q", ErrDecode, l.Format)
	}
}
