// Package mlog provides logging with levels on top of log/slog, including
// trace levels for protocol data, a level name table for parsing config, and
// a handler that writes concise logfmt-style lines.
//
// Each package creates its Log with New, setting a "pkg" attribute. Log
// levels can be configured per package with SetConfig. Trace-level logging
// comes in three flavours: regular trace for protocol command lines,
// traceauth for lines that contain credentials, and tracedata for bulk
// message data. Credentials and data are only logged when explicitly
// configured.
package mlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	LevelFatal     = slog.Level(16) // Always logged, process exits afterwards.
	LevelError     = slog.LevelError
	LevelWarn      = slog.LevelWarn
	LevelInfo      = slog.LevelInfo
	LevelDebug     = slog.LevelDebug
	LevelTrace     = slog.Level(-8)  // Protocol command lines.
	LevelTraceauth = slog.Level(-12) // Protocol lines with credentials.
	LevelTracedata = slog.Level(-16) // Protocol message data.
)

// Levels maps level names, as used in config files and CLI flags, to levels.
var Levels = map[string]slog.Level{
	"fatal":     LevelFatal,
	"error":     LevelError,
	"warn":      LevelWarn,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// LevelStrings is the reverse of Levels, for printing the active config.
var LevelStrings = map[slog.Level]string{
	LevelFatal:     "fatal",
	LevelError:     "error",
	LevelWarn:      "warn",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
	LevelTracedata: "tracedata",
}

// Per-package log levels. Key is the "pkg" attribute, the empty string holds
// the default level.
var config atomic.Pointer[map[string]slog.Level]

func init() {
	c := map[string]slog.Level{"": LevelInfo}
	config.Store(&c)
}

// SetConfig sets the per-package log levels. The map must contain the empty
// string for the default level.
func SetConfig(levels map[string]slog.Level) {
	config.Store(&levels)
}

type ctxKey string

// CidKey is the context key under which a connection/transaction cid is
// stored, picked up by WithContext.
var CidKey ctxKey = "cid"

// Log wraps an slog.Logger with methods that take slog.Attr instead of
// alternating key/value pairs, with "x" variants that log an error.
type Log struct {
	*slog.Logger
}

// New returns a Log for the given package. When parent is nil, the default
// handler is used.
func New(pkg string, parent *slog.Logger) Log {
	if parent == nil {
		parent = slog.New(&handler{})
	}
	return Log{parent.With(slog.String("pkg", pkg))}
}

// WithCid adds an attribute "cid" for connection or transaction correlation.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds a cid from the context, if present.
func (l Log) WithContext(ctx context.Context) Log {
	v := ctx.Value(CidKey)
	if v == nil {
		return l
	}
	cid, ok := v.(int64)
	if !ok {
		return l
	}
	return l.WithCid(cid)
}

// With adds attributes to each logged message.
func (l Log) With(attrs ...slog.Attr) Log {
	return Log{slog.New(l.Logger.Handler().WithAttrs(attrs))}
}

// WithFunc sets fn to be called for additional attributes at the time of
// each logged message. Useful for delta times or other state that changes
// during a connection.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	return Log{slog.New(&funcHandler{l.Logger.Handler(), fn})}
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelInfo, msg, attrs...)
}

func (l Log) Warn(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelWarn, msg, attrs...)
}

func (l Log) Warnx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelWarn, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelError, msg, attrs...)
}

// Fatal logs at fatal level and exits the process with status 1.
func (l Log) Fatal(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), LevelFatal, msg, attrs...)
	os.Exit(1)
}

func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), LevelFatal, msg, attrs...)
	os.Exit(1)
}

// Check logs an error-level message if err is not nil. For cleanup calls
// whose failure we want to see but not act on.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Trace logs protocol data at a trace level if that level is active. The
// prefix indicates the direction, e.g. "RC: " for lines from the remote
// client, "LS: " for lines from the local server.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	h := l.Logger.Handler()
	if !h.Enabled(context.Background(), level) {
		return
	}
	r := slog.NewRecord(time.Now(), level, prefix+strconv.QuoteToASCII(string(data)), 0)
	err := h.Handle(context.Background(), r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mlog: writing trace: %v\n", err)
	}
}

// Recover can be deferred in goroutines to log panics with a stack trace
// instead of crashing the process.
func (l Log) Recover(msg string) {
	x := recover()
	if x == nil {
		return
	}
	l.Error(msg, slog.Any("panic", x))
	debug.PrintStack()
}

// Output writer for the default handler, changed with SetOutput for logging
// to a file.
var output struct {
	sync.Mutex
	w io.Writer
}

func init() {
	output.w = os.Stderr
}

// SetOutput directs all future log output from the default handler to w.
func SetOutput(w io.Writer) {
	output.Lock()
	defer output.Unlock()
	output.w = w
}

// handler is the default slog.Handler, writing logfmt-style lines like:
//
//	l=info m="new connection" pkg=smtpserver cid=123 remote=1.2.3.4
type handler struct {
	attrs []slog.Attr
	pkg   string // Value of the "pkg" attr, for level lookups.
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	c := *config.Load()
	min, ok := c[h.pkg]
	if !ok {
		min = c[""]
	}
	return level >= min
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder
	name := LevelStrings[r.Level]
	if name == "" {
		name = r.Level.String()
	}
	sb.WriteString("l=" + name + " m=" + strconv.Quote(r.Message))
	for _, a := range h.attrs {
		writeAttr(&sb, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, a)
		return true
	})
	sb.WriteString("\n")

	output.Lock()
	defer output.Unlock()
	_, err := io.WriteString(output.w, sb.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &handler{pkg: h.pkg}
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	for _, a := range attrs {
		if a.Key == "pkg" && nh.pkg == "" {
			nh.pkg = a.Value.String()
		}
	}
	return nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	// Groups are not used in this code base, attributes are logged flat.
	return h
}

func writeAttr(sb *strings.Builder, a slog.Attr) {
	if a.Key == "" {
		return
	}
	v := a.Value.Resolve().String()
	sb.WriteString(" " + a.Key + "=")
	if needsQuote(v) {
		v = strconv.Quote(v)
	}
	sb.WriteString(v)
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c <= ' ' || c == '"' || c == '=' || c >= 0x7f {
			return true
		}
	}
	return false
}

// funcHandler wraps a handler, adding attributes from fn at the time of each
// log call.
type funcHandler struct {
	h  slog.Handler
	fn func() []slog.Attr
}

func (h *funcHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level)
}

func (h *funcHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	nr.AddAttrs(h.fn()...)
	r.Attrs(func(a slog.Attr) bool {
		nr.AddAttrs(a)
		return true
	})
	return h.h.Handle(ctx, nr)
}

func (h *funcHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &funcHandler{h.h.WithAttrs(attrs), h.fn}
}

func (h *funcHandler) WithGroup(name string) slog.Handler {
	return &funcHandler{h.h.WithGroup(name), h.fn}
}
