package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// ColorHandler is a slog.Handler for terminals: one line per record, a
// status glyph, the message, then dim key=value attrs. Colors come from a
// lipgloss renderer bound to the output, so pipes and files get plain text.
type ColorHandler struct {
	w      io.Writer
	level  slog.Leveler
	mu     *sync.Mutex
	attrs  []slog.Attr
	group  string
	styles handlerStyles
}

type handlerStyles struct {
	info, warn, err, debug, attrs lipgloss.Style
}

func newHandlerStyles(w io.Writer) handlerStyles {
	r := lipgloss.NewRenderer(w)
	return handlerStyles{
		info:  r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("3")),
		err:   r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		debug: r.NewStyle().Faint(true),
		attrs: r.NewStyle().Faint(true),
	}
}

func NewColorHandler(w io.Writer, level slog.Leveler) *ColorHandler {
	return &ColorHandler{w: w, level: level, mu: &sync.Mutex{}, styles: newHandlerStyles(w)}
}

// ColorsFrom picks the color profile from out instead of the handler's own
// writer, for when records are forwarded to a terminal indirectly.
func (h *ColorHandler) ColorsFrom(out io.Writer) *ColorHandler {
	h.styles = newHandlerStyles(out)
	return h
}

func (h *ColorHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *ColorHandler) Handle(_ context.Context, r slog.Record) error {
	var prefix string
	var style lipgloss.Style
	switch {
	case r.Level >= slog.LevelError:
		prefix, style = "✗", h.styles.err
	case r.Level >= slog.LevelWarn:
		prefix, style = "⚠", h.styles.warn
	case r.Level >= slog.LevelInfo:
		prefix, style = "✓", h.styles.info
	default:
		prefix, style = "·", h.styles.debug
	}

	var b strings.Builder
	b.WriteString(style.Render(prefix + " " + r.Message))

	if attrs := h.collectAttrs(r); len(attrs) > 0 {
		var ab strings.Builder
		for _, a := range attrs {
			fmt.Fprintf(&ab, " %s=%s", a.Key, formatValue(a.Value))
		}
		b.WriteString(h.styles.attrs.Render(ab.String()))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.w, b.String())
	return err
}

// collectAttrs merges inherited attrs with the record's attrs, dropping
// empty strings. Inherited attrs were qualified when they were added.
func (h *ColorHandler) collectAttrs(r slog.Record) []slog.Attr {
	var out []slog.Attr
	for _, a := range h.attrs {
		if !emptyAttr(a) {
			out = append(out, a)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if !emptyAttr(a) {
			out = append(out, h.qualify(a))
		}
		return true
	})
	return out
}

func emptyAttr(a slog.Attr) bool {
	return a.Value.Kind() == slog.KindString && a.Value.String() == ""
}

func (h *ColorHandler) qualify(a slog.Attr) slog.Attr {
	if h.group != "" {
		a.Key = h.group + "." + a.Key
	}
	return a
}

func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().Round(time.Second).String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		s := v.String()
		if strings.ContainsAny(s, " \t") {
			return fmt.Sprintf("%q", s)
		}
		return s
	}
}

func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = h.attrs[:len(h.attrs):len(h.attrs)]
	for _, a := range attrs {
		c.attrs = append(c.attrs, h.qualify(a))
	}
	return &c
}

func (h *ColorHandler) WithGroup(name string) slog.Handler {
	c := *h
	if c.group != "" {
		name = c.group + "." + name
	}
	c.group = name
	return &c
}

// lineWriter turns each Write into one call of print, trimming the trailing
// newline. The console uses it to print log lines above the live view.
type lineWriter struct {
	print func(args ...any)
}

func (w lineWriter) Write(p []byte) (int, error) {
	w.print(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
