package transport

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health 同時提供 gRPC health service 與 HTTP /health
type Health struct {
	srv      *health.Server
	draining atomic.Bool
}

// NewHealth 建立健康狀態，初始為 SERVING
func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return h
}

// Register 將 health service 註冊到 gRPC server
func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// SetDraining 關閉中時回報 NOT_SERVING
func (h *Health) SetDraining(draining bool) {
	h.draining.Store(draining)
	if draining {
		h.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	} else {
		h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
}

// Draining 回傳是否正在關閉
func (h *Health) Draining() bool {
	return h.draining.Load()
}

// ServeHTTP 回應 `{"success":true}`，關閉中回應 503
func (h *Health) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ok := !h.draining.Load()
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": ok})
}
