package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInit_Idempotent(t *testing.T) {
	// Double registration would panic; Init must be safe to call twice
	Init()
	Init()
}

func TestHandler_ExposesStatementMetrics(t *testing.T) {
	Init()
	StmtPrepareTotal.WithLabelValues("0", "false").Inc()
	StmtLive.Set(1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Metrics endpoint returned %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "tqstmtproxy_stmt_prepare_total") {
		t.Error("Expected tqstmtproxy_stmt_prepare_total in metrics output")
	}
	if !strings.Contains(body, "tqstmtproxy_stmt_live") {
		t.Error("Expected tqstmtproxy_stmt_live in metrics output")
	}
}
