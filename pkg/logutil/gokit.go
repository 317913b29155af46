package logutil

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// gokitAdapter forwards go-kit records emitted by dskit internals to the
// process-wide slog handler.
type gokitAdapter struct {
	l *slog.Logger
}

func NewGoKit(l *slog.Logger) log.Logger {
	return &gokitAdapter{l: l}
}

func (g *gokitAdapter) Log(keyvals ...any) error {
	lvl := LevelDebug
	msg := ""
	attrs := make([]any, 0, len(keyvals))
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		switch key {
		case "level":
			lvl = gokitLevel(keyvals[i+1])
		case "msg", "message":
			msg = fmt.Sprint(keyvals[i+1])
		default:
			attrs = append(attrs, key, keyvals[i+1])
		}
	}
	g.l.Log(context.Background(), lvl, msg, attrs...)
	return nil
}

func gokitLevel(v any) slog.Level {
	switch v {
	case level.DebugValue():
		return LevelDebug
	case level.InfoValue():
		return LevelInfo
	case level.WarnValue():
		return LevelWarning
	case level.ErrorValue():
		return LevelError
	}
	return LevelDebug
}
