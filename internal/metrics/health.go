package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gftdcojp/baas-go/internal/config"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StoragePinger is the client storage.
type StoragePinger interface {
	Ping() error
}

// BucketPinger is an S3 bucket.
type BucketPinger interface {
	Ping(ctx context.Context) error
}

// Socket is the realtime connection.
type Socket interface {
	IsOpen() bool
}

// HealthChecker runs readiness checks. Nil dependencies are skipped.
type HealthChecker struct {
	natsConn *nats.Conn
	storage  StoragePinger
	bucket   BucketPinger
	socket   Socket
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(nc *nats.Conn, store StoragePinger, bucket BucketPinger, socket Socket) *HealthChecker {
	return &HealthChecker{
		natsConn: nc,
		storage:  store,
		bucket:   bucket,
		socket:   socket,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the relay can deliver events.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	if h.natsConn != nil && !h.natsConn.IsConnected() {
		status.OK = false
		status.Checks = append(status.Checks, Check{
			Name: "nats", Status: "disconnected",
		})
	} else {
		status.Checks = append(status.Checks, Check{
			Name: "nats", Status: "connected",
		})
	}

	if h.storage != nil {
		if err := h.storage.Ping(); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "storage", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "storage", Status: "ok",
			})
		}
	}

	if h.bucket != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.bucket.Ping(ctx); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "s3", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "s3", Status: "ok",
			})
		}
	}

	// A reconnecting socket is not fatal; events resume after the reconnect.
	if h.socket != nil {
		if h.socket.IsOpen() {
			status.Checks = append(status.Checks, Check{Name: "realtime", Status: "open"})
		} else {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "realtime", Status: "not open"})
		}
	}

	return status
}

// HealthHandler serves the liveness and readiness endpoints.
func HealthHandler(cfg config.HealthConfig, checker *HealthChecker) http.Handler {
	mux := http.NewServeMux()

	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Readiness())
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: HealthHandler(cfg, checker),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
