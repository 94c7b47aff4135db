package logging

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"kmux/partition"
)

type Options struct {
	Level string
	JSON  bool
}

var def atomic.Value

func init() {
	cfg := &slog.HandlerOptions{Level: slog.LevelInfo}
	h := slog.NewTextHandler(os.Stderr, cfg)
	def.Store(slog.New(h))
}

func Configure(opts Options) {
	lvl := parseLevel(opts.Level)
	cfg := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(os.Stderr, cfg)
	} else {
		h = slog.NewTextHandler(os.Stderr, cfg)
	}
	def.Store(slog.New(h))
}

func parseLevel(s string) slog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func L() *slog.Logger {
	l, _ := def.Load().(*slog.Logger)
	return l
}

// ForPartition scopes the default logger to a single topic-partition, the
// attribute SubSource log lines carry so overlapping rebalance storms are
// traceable per partition.
func ForPartition(tp partition.TopicPartition) *slog.Logger {
	return L().With("partition", tp.String())
}

// ForInstance scopes the default logger to a Multiplexer or ConsumerActor
// instance id, so log lines from concurrently running instances (in tests
// or a multi-tenant process) don't get attributed to the wrong one.
func ForInstance(id string) *slog.Logger {
	return L().With("instance_id", id)
}

func InitFromEnv() {
	lvl := os.Getenv("KMUX_LOG_LEVEL")
	jsonStr := os.Getenv("KMUX_LOG_JSON")
	json := false
	if b, err := strconv.ParseBool(strings.TrimSpace(jsonStr)); err == nil {
		json = b
	}
	Configure(Options{Level: lvl, JSON: json})
}
