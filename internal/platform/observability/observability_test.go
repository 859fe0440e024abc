package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hanko-field/popups/internal/platform/requestctx"
)

func TestCloudTraceHeaderRoundTrip(t *testing.T) {
	header := "105445aa7843bc8bf206b12000100000/1;o=1"
	sc, ok := parseCloudTraceContext(header)
	if !ok {
		t.Fatalf("expected header to parse")
	}
	if sc.TraceID().String() != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace id %s", sc.TraceID())
	}
	if sc.SpanID().String() != "0000000000000001" || !sc.IsSampled() {
		t.Fatalf("unexpected span context %+v", sc)
	}
	formatted := formatCloudTraceHeader(requestctx.TraceInfo{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String(), Sampled: true})
	if formatted != header {
		t.Fatalf("expected %q, got %q", header, formatted)
	}

	for _, bad := range []string{"", "abc", "zz/1", "105445aa7843bc8bf206b12000100000/x", "105445aa7843bc8bf206b12000100000/0"} {
		if _, ok := parseCloudTraceContext(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestRequestLoggerRecordsRoutePattern(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	r := chi.NewRouter()
	r.Use(InjectLoggerMiddleware(logger), RecoveryMiddleware(logger), RequestLoggerMiddleware("proj"))
	r.Get("/pageviews/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/pageviews/abc", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["route"] != "/pageviews/{id}" {
		t.Fatalf("expected route pattern, got %v", fields["route"])
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for 4xx, got %s", entries[0].Level)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "internal_server_error") {
		t.Fatalf("expected JSON error envelope, got %s", rr.Body.String())
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestHashVisitorIsStable(t *testing.T) {
	if HashVisitor("") != "" {
		t.Fatalf("empty visitor must hash to empty")
	}
	a, b := HashVisitor("visitor-1"), HashVisitor("visitor-1")
	if a != b || len(a) != 12 || a == "visitor-1" {
		t.Fatalf("unexpected hash %q / %q", a, b)
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, err := newLogger(LoggerOptions{Service: "popupd", Level: "nonsense", Outputs: []string{"stderr"}})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected info level fallback")
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info enabled")
	}
}

func TestNewLoggerConsoleFormat(t *testing.T) {
	logger, err := newLogger(LoggerOptions{Format: "Console", Level: "DEBUG", Outputs: []string{"stderr"}})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level")
	}
}
