package guest

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// LogHandler is a slog.Handler that forwards records to the host log
// function. Attribute values are sent as JSON; errors as their text.
type LogHandler struct {
	host   *Host
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewLogHandler returns a handler writing through h at level and above.
// A nil level means slog.LevelInfo.
func NewLogHandler(h *Host, level slog.Leveler) *LogHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &LogHandler{host: h, level: level}
}

// Enabled implements slog.Handler.
func (l *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= l.level.Level()
}

// Handle implements slog.Handler.
func (l *LogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]any, len(l.attrs)+r.NumAttrs())
	for _, a := range l.attrs {
		addField(fields, "", a)
	}
	prefix := groupPrefix(l.groups)
	r.Attrs(func(a slog.Attr) bool {
		addField(fields, prefix, a)
		return true
	})
	if len(fields) == 0 {
		fields = nil
	}
	err := l.host.Log(r.Level, r.Message, fields)
	if errors.Is(err, ErrNoHost) {
		return nil
	}
	return err
}

// WithAttrs implements slog.Handler.
func (l *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *l
	prefix := groupPrefix(l.groups)
	next.attrs = make([]slog.Attr, len(l.attrs), len(l.attrs)+len(attrs))
	copy(next.attrs, l.attrs)
	for _, a := range attrs {
		a.Key = prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

// WithGroup implements slog.Handler.
func (l *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return l
	}
	next := *l
	next.groups = append(append([]string(nil), l.groups...), name)
	return &next
}

func groupPrefix(groups []string) string {
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func addField(fields map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := prefix + a.Key
	switch a.Value.Kind() {
	case slog.KindGroup:
		sub := prefix
		if a.Key != "" {
			sub = key + "."
		}
		for _, g := range a.Value.Group() {
			addField(fields, sub, g)
		}
	case slog.KindTime:
		fields[key] = a.Value.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		fields[key] = a.Value.Duration().String()
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			fields[key] = err.Error()
			return
		}
		fields[key] = a.Value.Any()
	default:
		fields[key] = a.Value.Any()
	}
}
