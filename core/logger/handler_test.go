package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func emit(t *testing.T, format logFormat, ctx context.Context, component string, level slog.Level, event string, attrs ...slog.Attr) string {
	t.Helper()
	buf := &bytes.Buffer{}
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	handler := newStructuredHandler(handlerConfig{
		level:    slog.LevelDebug,
		writer:   aw,
		format:   format,
		keyOrder: append([]string(nil), defaultKeyOrder...),
	})
	log := slog.New(handler).With("component", component)
	LogEvent(ctx, log, level, event, attrs...)
	if err := aw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log line")
	}
	return line
}

func assertOrdered(t *testing.T, line string, parts ...string) {
	t.Helper()
	pos := -1
	for _, p := range parts {
		idx := strings.Index(line, p)
		if idx == -1 || idx < pos {
			t.Fatalf("%s not found in order within %s", p, line)
		}
		pos = idx
	}
}

func TestStructuredHandlerKVOrder(t *testing.T) {
	ctx := WithRID(Background(), "rid-123")
	ctx = WithUpdateMeta(ctx, 42, 7, 9)

	line := emit(t, formatKV, ctx, CompApp, slog.LevelInfo, "test.event",
		slog.String("status", "ok"),
		slog.String("cause", "unit"),
	)
	tokens := strings.Split(line, " ")
	expected := []string{"ts=", "level=INFO", "component=app", "event=test.event", "status=ok", "rid=rid-123", "update_id=42"}
	if len(tokens) < len(expected) {
		t.Fatalf("unexpected token count: %d (%s)", len(tokens), line)
	}
	for i, prefix := range expected {
		if !strings.HasPrefix(tokens[i], prefix) {
			t.Fatalf("token %d = %s, expected prefix %s", i, tokens[i], prefix)
		}
	}
}

func TestStructuredHandlerJSONOrder(t *testing.T) {
	ctx := WithRID(Background(), "rid-json")
	line := emit(t, formatJSON, ctx, "service.test", slog.LevelError, "service.failed",
		slog.String("status", "fail"),
		slog.String("err", "boom"),
		slog.String("err_code", "TEST_FAIL"),
	)
	assertOrdered(t, line, `{"ts":`, `"level":"ERROR"`, `"component":"service.test"`, `"event":"service.failed"`, `"status":"fail"`, `"rid":"rid-json"`, `"err":"boom"`)
	if !strings.Contains(line, `"ts_unix_nano"`) {
		t.Fatalf("expected ts_unix_nano in JSON output, got %s", line)
	}
}

func TestStructuredHandlerDomainKeys(t *testing.T) {
	line := emit(t, formatKV, Background(), CompLedger, slog.LevelInfo, "credit.applied",
		slog.Int64("overflow", 40),
		slog.String("outcome", "Applied"),
		slog.String("campaign", "water"),
		slog.Int64("amount", 250),
		slog.Int("cycle", 3),
		slog.String("zz_extra", "tail"),
	)
	assertOrdered(t, line, "component=ledger", "event=credit.applied", "outcome=applied", "campaign=water", "cycle=3", "amount=250", "overflow=40", "zz_extra=tail")
}

func TestStructuredHandlerDropsUnknownOutcome(t *testing.T) {
	line := emit(t, formatKV, Background(), CompSettlement, slog.LevelWarn, "settle.done",
		slog.String("outcome", "maybe"),
	)
	if strings.Contains(line, "outcome=") {
		t.Fatalf("unknown outcome should be dropped, got %s", line)
	}
}

func TestStructuredHandlerDurations(t *testing.T) {
	line := emit(t, formatKV, Background(), CompDB, slog.LevelInfo, "db.ready",
		slog.Duration("took", 1499*time.Microsecond),
		slog.Duration("duration", 2*time.Second),
	)
	if !strings.Contains(line, "took_ms=1") {
		t.Fatalf("expected took_ms=1, got %s", line)
	}
	if !strings.Contains(line, "duration_ms=2000") {
		t.Fatalf("expected duration_ms=2000, got %s", line)
	}
}

func TestStructuredHandlerQuotesKV(t *testing.T) {
	line := emit(t, formatKV, Background(), CompTally, slog.LevelInfo, "tally.appended",
		slog.String("label", "two words"),
	)
	if !strings.Contains(line, `label="two words"`) {
		t.Fatalf("expected quoted value, got %s", line)
	}
}

func TestStructuredHandlerGroups(t *testing.T) {
	buf := &bytes.Buffer{}
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	handler := newStructuredHandler(handlerConfig{level: slog.LevelInfo, writer: aw, format: formatKV})
	slog.New(handler).WithGroup("audit").Info("", slog.String("sink", "redis"))
	if err := aw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(buf.String(), "audit.sink=redis") {
		t.Fatalf("expected grouped key, got %s", buf.String())
	}
	if !strings.Contains(buf.String(), "event=unknown") {
		t.Fatalf("expected fallback event, got %s", buf.String())
	}
}

func TestStructuredHandlerCompactRID(t *testing.T) {
	rawRID := "123:456:789"
	line := emit(t, formatKV, WithRID(Background(), rawRID), CompApp, slog.LevelInfo, "rid.test")
	if !strings.Contains(line, "rid="+CompactRID(rawRID)) {
		t.Fatalf("expected compact rid, got %s", line)
	}
	if strings.Contains(line, "rid_full=") {
		t.Fatalf("rid_full should be omitted in KV output, got %s", line)
	}
}

func TestStructuredHandlerCompactRIDJSON(t *testing.T) {
	rawRID := "12:34:56"
	line := emit(t, formatJSON, WithRID(Background(), rawRID), CompApp, slog.LevelInfo, "rid.test")
	if !strings.Contains(line, `"rid":"`+CompactRID(rawRID)+`"`) {
		t.Fatalf("expected compact rid in JSON, got %s", line)
	}
	if !strings.Contains(line, `"rid_full":"`+rawRID+`"`) {
		t.Fatalf("expected rid_full in JSON output, got %s", line)
	}
}

func TestCompactRID(t *testing.T) {
	if got := CompactRID("35:36:1"); got != "z.10.1" {
		t.Fatalf("CompactRID = %q", got)
	}
	if got := CompactRID("not-a-rid"); got != "not-a-rid" {
		t.Fatalf("CompactRID should pass through, got %q", got)
	}
}

func TestRatioSampler(t *testing.T) {
	s := newRatioSampler(1, 3)
	var allowed int
	for range 9 {
		if s.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("allowed = %d, want 3", allowed)
	}
	s.Set(0, 0)
	if !s.Allow() {
		t.Fatal("disabled sampler must allow")
	}
	if n, d := parseRatioSpec("2/5"); n != 2 || d != 5 {
		t.Fatalf("parseRatioSpec(2/5) = %d/%d", n, d)
	}
	if n, d := parseRatioSpec("10"); n != 1 || d != 10 {
		t.Fatalf("parseRatioSpec(10) = %d/%d", n, d)
	}
}

func TestSanitizeLimit(t *testing.T) {
	if got := SanitizeLimit("ab\x00cdé", 4); got != "abcd" {
		t.Fatalf("SanitizeLimit = %q", got)
	}
}
