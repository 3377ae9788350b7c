package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"BehaviorMesh/internal/behavior"
	xerrors "BehaviorMesh/internal/errors"
	"BehaviorMesh/internal/observability/metrics"
	"BehaviorMesh/internal/run"
)

// Server 负责暴露 REST 接口，供外部提交并跟踪行为运行。
type Server struct {
	addr    string
	service *run.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *run.Service) *Server {
	return &Server{addr: addr, service: service}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/runs", instrument("runs", http.HandlerFunc(s.handleRuns)))
	mux.Handle("/api/v1/runs/", instrument("run_detail", http.HandlerFunc(s.handleRunDetail)))
	mux.Handle("/api/v1/behaviors", instrument("behaviors", http.HandlerFunc(s.handleBehaviors)))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET/POST")
	}
}

// handleSubmitRun 处理提交运行请求。
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "运行服务未初始化")
		return
	}

	var req run.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "请求体解析失败")
		return
	}

	created, err := s.service.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

// handleListRuns 处理运行列表查询。
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "运行服务未初始化")
		return
	}

	opts := parseListOptions(r)
	runs, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
		return
	}
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "运行服务未初始化")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "缺少运行 ID")
		return
	}
	if rest == "stats" {
		s.handleStats(w, r)
		return
	}

	found, err := s.service.Get(r.Context(), rest)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// handleStats 返回运行聚合统计。
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts := parseListOptions(r)
	stats, err := s.service.Stats(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleBehaviors 返回已注册的行为模板名称。
func (s *Server) handleBehaviors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
		return
	}
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "运行服务未初始化")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"behaviors": s.service.Behaviors()})
}

func parseListOptions(r *http.Request) []run.ListOption {
	query := r.URL.Query()
	opts := make([]run.ListOption, 0, 6)

	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, run.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, run.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]run.Status, 0, 4)
		for _, item := range strings.Split(raw, ",") {
			statuses = append(statuses, run.Status(strings.TrimSpace(item)))
		}
		opts = append(opts, run.WithStatuses(statuses...))
	}
	if raw := query.Get("behavior"); raw != "" {
		opts = append(opts, run.WithBehavior(raw))
	}
	if raw := query.Get("agent_id"); raw != "" {
		opts = append(opts, run.WithAgentID(raw))
	}
	if raw := query.Get("order"); strings.EqualFold(raw, "asc") {
		opts = append(opts, run.WithSortOrder(run.SortByUpdatedAsc))
	}
	return opts
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorPayload{Code: code, Message: message})
}

// writeServiceError 将服务层错误翻译为 HTTP 状态码。
func writeServiceError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case run.CodeRunNotFound, behavior.CodeBehaviorNotFound:
		status = http.StatusNotFound
	case run.CodeRunValidation, behavior.CodeMalformedTree, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case run.CodeRunConflict:
		status = http.StatusConflict
	case xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, string(code), err.Error())
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 包装处理器以记录请求指标。
func instrument(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	})
}
