package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"seqfabric/internal/logging"
	"seqfabric/internal/networking"
	"seqfabric/internal/trace"
)

// ReadinessProvider exposes sequencer state required for readiness checks.
type ReadinessProvider interface {
	SnapshotSessionCounts() (sessions, pending int)
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative protocol event counters.
type StatsFunc func() (publishes, delivers, grants int)

// TraceDumper triggers an on-demand trace recorder flush and optionally returns the artifact location.
type TraceDumper interface {
	DumpTrace(ctx context.Context) (string, error)
}

// TraceDumperFunc adapts a function into a TraceDumper.
type TraceDumperFunc func(ctx context.Context) (string, error)

// DumpTrace implements TraceDumper.
func (f TraceDumperFunc) DumpTrace(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	Metrics     *networking.DeliveryMetrics
	Bandwidth   *networking.BandwidthRegulator
	Trace       TraceDumper
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
	TraceStats  func() trace.Stats
	TraceUsage  func() trace.StorageStats
}

// HandlerSet bundles the fabric's operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	metrics     *networking.DeliveryMetrics
	bandwidth   *networking.BandwidthRegulator
	dumper      TraceDumper
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
	traceStats  func() trace.Stats
	traceUsage  func() trace.StorageStats
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		metrics:     opts.Metrics,
		bandwidth:   opts.Bandwidth,
		dumper:      opts.Trace,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
		traceStats:  opts.TraceStats,
		traceUsage:  opts.TraceUsage,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/healthz", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/stats", h.StatsHandler())
	mux.HandleFunc("/debug/trace", h.TraceDumpHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports fabric readiness, including session counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string  `json:"status"`
		Message        string  `json:"message,omitempty"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Sessions       int     `json:"sessions"`
		PendingSessions int    `json:"pending_sessions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			sessions, pending := h.readiness.SnapshotSessionCounts()
			resp.Sessions = sessions
			resp.PendingSessions = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// StatsHandler emits Prometheus compatible text metrics for publish/deliver/grant traffic,
// per-session bandwidth usage, and trace recorder buffering state.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		publishes, delivers, grants := h.eventCounts()
		pending, uptime := h.pendingAndUptime()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP fabric_uptime_seconds Fabric uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE fabric_uptime_seconds gauge\n")
		fmt.Fprintf(w, "fabric_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP fabric_pending_sessions Pending handshakes awaiting admission.\n")
		fmt.Fprintf(w, "# TYPE fabric_pending_sessions gauge\n")
		fmt.Fprintf(w, "fabric_pending_sessions %d\n", pending)

		fmt.Fprintf(w, "# HELP fabric_publishes_total Total publications accepted by the sequencer.\n")
		fmt.Fprintf(w, "# TYPE fabric_publishes_total counter\n")
		fmt.Fprintf(w, "fabric_publishes_total %d\n", publishes)

		fmt.Fprintf(w, "# HELP fabric_delivers_total Total deliveries dispatched to subscribers.\n")
		fmt.Fprintf(w, "# TYPE fabric_delivers_total counter\n")
		fmt.Fprintf(w, "fabric_delivers_total %d\n", delivers)

		fmt.Fprintf(w, "# HELP fabric_grants_total Total advance grants issued.\n")
		fmt.Fprintf(w, "# TYPE fabric_grants_total counter\n")
		fmt.Fprintf(w, "fabric_grants_total %d\n", grants)

		if h.metrics != nil {
			bytes := h.metrics.BytesPerSession()
			fmt.Fprintf(w, "# HELP fabric_delivered_bytes_per_session Last outbound payload size per session in bytes.\n")
			fmt.Fprintf(w, "# TYPE fabric_delivered_bytes_per_session gauge\n")
			for sessionID, size := range bytes {
				fmt.Fprintf(w, "fabric_delivered_bytes_per_session{session=%q} %d\n", sessionID, size)
			}
			drops := h.metrics.DropCounts()
			fmt.Fprintf(w, "# HELP fabric_channel_dropped_total Total dropped deliveries per channel due to bandwidth budgeting.\n")
			fmt.Fprintf(w, "# TYPE fabric_channel_dropped_total counter\n")
			for channel, count := range drops {
				fmt.Fprintf(w, "fabric_channel_dropped_total{channel=%q} %d\n", channel, count)
			}
		}
		if h.bandwidth != nil {
			usage := h.bandwidth.SnapshotUsage()
			if len(usage) > 0 {
				fmt.Fprintf(w, "# HELP fabric_bandwidth_bytes_per_second Observed outbound bandwidth per session in bytes per second.\n")
				fmt.Fprintf(w, "# TYPE fabric_bandwidth_bytes_per_second gauge\n")
				for sessionID, sample := range usage {
					fmt.Fprintf(w, "fabric_bandwidth_bytes_per_second{session=%q} %.2f\n", sessionID, sample.BytesPerSecond)
				}
				fmt.Fprintf(w, "# HELP fabric_bandwidth_available_bytes Remaining bandwidth tokens per session.\n")
				fmt.Fprintf(w, "# TYPE fabric_bandwidth_available_bytes gauge\n")
				for sessionID, sample := range usage {
					fmt.Fprintf(w, "fabric_bandwidth_available_bytes{session=%q} %.2f\n", sessionID, sample.AvailableBytes)
				}
				fmt.Fprintf(w, "# HELP fabric_bandwidth_denied_total Total throttled deliveries per session.\n")
				fmt.Fprintf(w, "# TYPE fabric_bandwidth_denied_total counter\n")
				for sessionID, sample := range usage {
					fmt.Fprintf(w, "fabric_bandwidth_denied_total{session=%q} %d\n", sessionID, sample.DeniedDeliveries)
				}
			}
		}
		if h.traceStats != nil {
			stats := h.traceStats()
			fmt.Fprintf(w, "# HELP fabric_trace_buffer_frames Buffered trace frames awaiting flush.\n")
			fmt.Fprintf(w, "# TYPE fabric_trace_buffer_frames gauge\n")
			fmt.Fprintf(w, "fabric_trace_buffer_frames %d\n", stats.BufferedFrames)
			fmt.Fprintf(w, "# HELP fabric_trace_buffer_bytes Buffered trace payload size in bytes.\n")
			fmt.Fprintf(w, "# TYPE fabric_trace_buffer_bytes gauge\n")
			fmt.Fprintf(w, "fabric_trace_buffer_bytes %d\n", stats.BufferedBytes)
			fmt.Fprintf(w, "# HELP fabric_trace_dumps_total Trace dumps completed successfully.\n")
			fmt.Fprintf(w, "# TYPE fabric_trace_dumps_total counter\n")
			fmt.Fprintf(w, "fabric_trace_dumps_total %d\n", stats.Dumps)
		}
		if h.traceUsage != nil {
			usage := h.traceUsage()
			//1.- Surface retained run counts so operators can inspect cleanup effectiveness.
			fmt.Fprintf(w, "# HELP fabric_trace_storage_runs Recorded trace runs currently retained.\n")
			fmt.Fprintf(w, "# TYPE fabric_trace_storage_runs gauge\n")
			fmt.Fprintf(w, "fabric_trace_storage_runs %d\n", usage.Runs)
			fmt.Fprintf(w, "# HELP fabric_trace_storage_bytes Total on-disk size of retained trace runs in bytes.\n")
			fmt.Fprintf(w, "# TYPE fabric_trace_storage_bytes gauge\n")
			fmt.Fprintf(w, "fabric_trace_storage_bytes %d\n", usage.Bytes)
			if !usage.LastSweep.IsZero() {
				//2.- Publish the last sweep time so dashboards can detect stalled cleanup loops.
				fmt.Fprintf(w, "# HELP fabric_trace_storage_last_sweep_timestamp_seconds Unix timestamp of the last trace retention sweep.\n")
				fmt.Fprintf(w, "# TYPE fabric_trace_storage_last_sweep_timestamp_seconds gauge\n")
				fmt.Fprintf(w, "fabric_trace_storage_last_sweep_timestamp_seconds %d\n", usage.LastSweep.Unix())
			}
		}
	}
}

// TraceDumpHandler authorises and triggers an on-demand trace recorder flush.
func (h *HandlerSet) TraceDumpHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "trace_dump"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("trace dump denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("trace dump denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("trace dump denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.dumper == nil {
			reqLogger.Warn("trace dump denied: no dumper configured")
			http.Error(w, "trace dumping is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.dumper.DumpTrace(r.Context())
		if err != nil {
			reqLogger.Error("trace dump trigger failed", logging.Error(err))
			http.Error(w, "failed to trigger trace dump", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("trace dump triggered")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

func (h *HandlerSet) eventCounts() (publishes, delivers, grants int) {
	if h.stats != nil {
		return h.stats()
	}
	return 0, 0, 0
}

func (h *HandlerSet) pendingAndUptime() (pending int, uptime float64) {
	if h.readiness == nil {
		return 0, 0
	}
	_, pending = h.readiness.SnapshotSessionCounts()
	return pending, h.readiness.Uptime().Seconds()
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1 {
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
