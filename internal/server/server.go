package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hitushen/nettrace/internal/geo"
	"github.com/hitushen/nettrace/internal/logging"
	"github.com/hitushen/nettrace/internal/models"
	"github.com/hitushen/nettrace/internal/realtime"
	"github.com/hitushen/nettrace/internal/targets"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// Pipeline 是 HTTP 层依赖的后台流水线能力。
type Pipeline interface {
	TriggerScan()
	ClearHistory(ctx context.Context, olderThan time.Duration) error
	RateStatus() geo.Status
	Connections(ctx context.Context) ([]models.Connection, error)
	LatencyHistory(ctx context.Context, ip string, limit int) ([]models.LatencySample, error)
	Replay(ctx context.Context) ([]realtime.Event, error)
}

// Options 配置 Server。
type Options struct {
	CSRFKey  string
	Secure   bool
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server 负责 HTTP 路由、事件流推送与控制接口。
type Server struct {
	pipeline Pipeline
	broker   *realtime.Broker
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader

	pingInterval time.Duration
	pongWait     time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// New 创建 Server。
func New(p Pipeline, broker *realtime.Broker, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		pipeline: p,
		broker:   broker,
		opts:     opts,
		log:      logging.OrNop(opts.Logger).Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		pingInterval: wsPingInterval,
		pongWait:     wsPongWait,
		done:         make(chan struct{}),
	}
}

// Close 结束所有仍在进行的事件流，应在 http.Server.Shutdown 之前调用。
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Handler 返回根 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(exposeCSRFToken)
	r.Use(middleware.Heartbeat("/healthz"))

	csrfMiddleware := csrf.Protect(
		[]byte(s.opts.CSRFKey),
		csrf.Secure(s.opts.Secure),
		csrf.Path("/"),
		csrf.FieldName("csrf_token"),
		csrf.ErrorHandler(http.HandlerFunc(csrfFailure)),
	)

	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(api chi.Router) {
		api.Get("/events", s.streamEvents)
		api.Get("/ws", s.streamSocket)

		api.Get("/connections", s.apiListConnections)
		api.Get("/connections/{ip}/history", s.apiConnectionHistory)
		api.Get("/rate-limit", s.apiRateLimit)

		api.Post("/scan", s.apiScan)
		api.Post("/history/clear", s.apiClearHistory)
	})

	return csrfMiddleware(r)
}

func (s *Server) apiListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.pipeline.Connections(r.Context())
	if err != nil {
		s.log.Warn("list connections failed", zap.Error(err))
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	if conns == nil {
		conns = []models.Connection{}
	}
	writeJSON(w, conns)
}

func (s *Server) apiConnectionHistory(w http.ResponseWriter, r *http.Request) {
	ip := targets.Normalize(chi.URLParam(r, "ip"))
	if ip == "" {
		writeMessage(w, "invalid ip address", http.StatusBadRequest)
		return
	}
	limit := intParam(r.URL.Query().Get("limit"), defaultHistoryLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	samples, err := s.pipeline.LatencyHistory(r.Context(), ip, limit)
	if err != nil {
		s.log.Warn("load latency history failed", zap.String("ip", ip), zap.Error(err))
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"ip":      ip,
		"history": models.HistoryPoints(samples),
	})
}

func (s *Server) apiRateLimit(w http.ResponseWriter, _ *http.Request) {
	st := s.pipeline.RateStatus()
	writeJSON(w, models.RateLimitPayload{Remaining: st.Remaining, ResetIn: st.ResetIn})
}

func (s *Server) apiScan(w http.ResponseWriter, _ *http.Request) {
	s.pipeline.TriggerScan()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "scanning"})
}

// clearRequest 对应清理历史的请求体，older_than 单位为秒，缺省表示全部清理。
type clearRequest struct {
	OlderThan *float64 `json:"older_than"`
}

func (c clearRequest) duration() time.Duration {
	if c.OlderThan == nil || *c.OlderThan <= 0 {
		return 0
	}
	return time.Duration(*c.OlderThan * float64(time.Second))
}

func (s *Server) apiClearHistory(w http.ResponseWriter, r *http.Request) {
	var body clearRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	if err := s.pipeline.ClearHistory(r.Context(), body.duration()); err != nil {
		s.log.Warn("clear history failed", zap.Error(err))
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "cleared"})
}

// exposeCSRFToken 在每个响应上附带当前令牌，供脚本客户端回填 X-CSRF-Token。
func exposeCSRFToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-CSRF-Token", csrf.Token(r))
		next.ServeHTTP(w, r)
	})
}

func csrfFailure(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-CSRF-Token", csrf.Token(r))
	writeMessage(w, csrf.FailureReason(r).Error(), http.StatusForbidden)
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func intParam(raw string, fallback int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, err error, status int) {
	writeMessage(w, err.Error(), status)
}

func writeMessage(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
