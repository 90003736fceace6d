// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ManuGH/streamrec/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestSetRecorderState_OneHot(t *testing.T) {
	metrics.SetRecorderState("metrics-cam", "running")

	for _, s := range metrics.States {
		got := metrics.GaugeValue(metrics.RecorderState.WithLabelValues("metrics-cam", s))
		want := 0.0
		if s == "running" {
			want = 1
		}
		if got != want {
			t.Errorf("state %s: got %v, want %v", s, got, want)
		}
	}

	metrics.SetRecorderState("metrics-cam", "stopped")
	if got := metrics.GaugeValue(metrics.RecorderState.WithLabelValues("metrics-cam", "running")); got != 0 {
		t.Errorf("running should be cleared, got %v", got)
	}
}

func TestRecordUpload_CountsBytesOnSuccessOnly(t *testing.T) {
	before := metrics.CounterValue(metrics.UploadBytesTotal.WithLabelValues("metrics-upl"))
	metrics.RecordUpload("metrics-upl", "success", 100)
	metrics.RecordUpload("metrics-upl", "exhausted", 50)
	after := metrics.CounterValue(metrics.UploadBytesTotal.WithLabelValues("metrics-upl"))
	if after-before != 100 {
		t.Errorf("expected +100 bytes, got %v", after-before)
	}
}

func TestPromhttpExposure(t *testing.T) {
	metrics.RecordOverflow("metrics-exp", "spilled")

	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `streamrec_queue_overflow_total{action="spilled",stream="metrics-exp"}`) {
		t.Error("overflow counter not exposed")
	}
}
