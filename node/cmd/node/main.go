package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"trinity-symphony-coordination/node/internal/coordinator"
	"trinity-symphony-coordination/node/internal/executor/httpexec"
	"trinity-symphony-coordination/node/internal/protocol"
	"trinity-symphony-coordination/node/internal/queue"
	"trinity-symphony-coordination/node/internal/transport"
	"trinity-symphony-coordination/node/internal/transport/kafkaps"
	"trinity-symphony-coordination/node/internal/transport/mem"
	"trinity-symphony-coordination/node/internal/transport/redisps"
	"trinity-symphony-coordination/shared/config"
	"trinity-symphony-coordination/shared/httpx"
	"trinity-symphony-coordination/shared/influxx"
	"trinity-symphony-coordination/shared/logx"
	"trinity-symphony-coordination/shared/metricsx"
	"trinity-symphony-coordination/shared/observability"
)

const maxBodyBytes = 2 << 20

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type taskRequest struct {
	Category       string          `json:"category"`
	Input          json.RawMessage `json:"input,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	TimeoutMS      int64           `json:"timeout_ms,omitempty"`
	MaxLatencyMS   int64           `json:"max_latency_ms,omitempty"`
	CostConstraint float64         `json:"cost_constraint,omitempty"`
}

type taskResponse struct {
	TaskID     string          `json:"task_id"`
	AssignedTo string          `json:"assigned_to"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ExecutedBy string          `json:"executed_by,omitempty"`
	LatencyMS  int64           `json:"latency_ms"`
	Cost       float64         `json:"cost"`
	Quality    float64         `json:"quality,omitempty"`
}

type learningRequest struct {
	Category   string         `json:"category"`
	Insights   map[string]any `json:"insights"`
	Confidence float64        `json:"confidence"`
}

func main() {
	cfg, readyProblems := config.Load("node", 8095)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	var shutdownTracer func(context.Context) error
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Version:     version,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Error(context.Background(), "otel_init_failed", "otel init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	deployment := protocol.DeploymentID(cfg.DeploymentID)
	if !protocol.ValidDeployment(deployment) {
		readyProblems = append(readyProblems, config.Problem{Field: "DEPLOYMENT_ID", Message: "must be one of ai-prompt-manager, hyperdag-manager, mel"})
		deployment = protocol.DeploymentHyperDAGManager
	}

	// A transport failure leaves the node in local mode: the queue stays
	// disconnected and sends fail fast until the process restarts.
	connected := true
	var bus transport.PubSub
	var err error
	switch cfg.Transport {
	case "kafka":
		bus, err = kafkaps.New(cfg)
	default:
		bus, err = redisps.New(cfg)
	}
	if err != nil {
		logger.Error(context.Background(), "transport_init_failed", "broker unavailable, running in local mode",
			slog.String("transport", cfg.Transport),
			slog.String("error", err.Error()),
		)
		readyProblems = append(readyProblems, config.Problem{Field: "TRANSPORT", Message: err.Error()})
		bus = mem.NewBroker().Connect()
		connected = false
	}

	var influx *influxx.Client
	if strings.TrimSpace(cfg.InfluxURL) != "" {
		influx, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "execution metrics disabled",
				slog.String("error", err.Error()),
			)
		}
	}

	queueOpts := queue.Options{
		Deployment:        deployment,
		Transport:         bus,
		Logger:            logger,
		MaxSize:           cfg.QueueMaxSize,
		BatchSize:         cfg.QueueBatchSize,
		ProcessInterval:   time.Duration(cfg.QueueProcessMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.HeartbeatSec) * time.Second,
		PublishTimeout:    time.Duration(cfg.PublishTimeoutMS) * time.Millisecond,
		Capabilities:      cfg.Capabilities,
	}
	if influx != nil {
		queueOpts.HeartbeatSink = influx
	}
	mq, err := queue.New(queueOpts)
	if err != nil {
		logger.Error(context.Background(), "queue_init_failed", "queue init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	strategiesPath := strings.TrimSpace(os.Getenv("STRATEGIES_PATH"))
	if strategiesPath == "" {
		if p, err := coordinator.DefaultStrategiesPath(cfg.Env); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				strategiesPath = p
			}
		}
	}
	var strategies map[string]coordinator.Strategy
	if strategiesPath != "" {
		strategies, err = coordinator.LoadStrategies(strategiesPath)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "STRATEGIES_PATH", Message: err.Error()})
		} else {
			logger.Info(context.Background(), "strategies_loaded", "routing strategies loaded from file",
				slog.String("path", strategiesPath),
				slog.Int("categories", len(strategies)),
			)
		}
	}

	sink := coordinator.NewMemorySink()
	coordOpts := coordinator.Options{
		Deployment:     deployment,
		Bus:            mq,
		Logger:         logger,
		DefaultTimeout: time.Duration(cfg.TaskTimeoutMS) * time.Millisecond,
		Learning:       sink,
		Strategies:     strategies,
	}
	if influx != nil {
		coordOpts.Metrics = influx
	}
	coord, err := coordinator.New(coordOpts)
	if err != nil {
		logger.Error(context.Background(), "coordinator_init_failed", "coordinator init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	if strings.TrimSpace(cfg.ExecutorURL) != "" {
		exec, err := httpexec.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "executor_init_failed", "local execution disabled",
				slog.String("error", err.Error()),
			)
		} else {
			coord.SetFallbackExecutor(exec)
			logger.Info(context.Background(), "executor_ready", "task assignments execute via sidecar",
				slog.String("url", cfg.ExecutorURL),
			)
		}
	}

	if connected {
		if err := mq.Start(context.Background()); err != nil {
			logger.Error(context.Background(), "queue_start_failed", "broker subscribe failed, running in local mode",
				slog.String("error", err.Error()),
			)
			readyProblems = append(readyProblems, config.Problem{Field: "TRANSPORT", Message: err.Error()})
			connected = false
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, coord.Status())
	})

	mux.HandleFunc("POST /v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeTaskRequest(r)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		var input any
		if len(req.Input) > 0 {
			input = req.Input
		}
		pending, err := coord.Distribute(r.Context(), req.Category, input, coordinator.DistributeOptions{
			Priority:       protocol.Priority(req.Priority),
			Timeout:        time.Duration(req.TimeoutMS) * time.Millisecond,
			MaxLatencyMS:   req.MaxLatencyMS,
			CostConstraint: req.CostConstraint,
		})
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		out, err := pending.Wait(r.Context())
		switch {
		case err == nil:
			httpx.WriteJSON(w, http.StatusOK, taskResponse{
				TaskID:     out.TaskID,
				AssignedTo: string(pending.AssignedTo),
				Success:    out.Success,
				Result:     out.Result,
				LatencyMS:  out.LatencyMS,
				Cost:       out.Cost,
				Quality:    out.Quality,
				ExecutedBy: string(out.ExecutedBy),
			})
		case errors.Is(err, coordinator.ErrTaskTimeout):
			httpx.WriteError(w, r, http.StatusGatewayTimeout, "DEADLINE_EXCEEDED", "no result before deadline",
				map[string]any{"task_id": pending.TaskID, "assigned_to": pending.AssignedTo})
		case errors.Is(err, queue.ErrNotConnected):
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "message queue not connected", nil)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			httpx.WriteError(w, r, http.StatusGatewayTimeout, "DEADLINE_EXCEEDED", "request cancelled before the task completed",
				map[string]any{"task_id": pending.TaskID})
		default:
			httpx.WriteJSON(w, http.StatusOK, taskResponse{
				TaskID:     out.TaskID,
				AssignedTo: string(pending.AssignedTo),
				Error:      err.Error(),
				ExecutedBy: string(out.ExecutedBy),
				LatencyMS:  out.LatencyMS,
				Cost:       out.Cost,
			})
		}
	})

	mux.HandleFunc("POST /v1/learning", func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeLearningRequest(r)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		if err := coord.ShareLearning(r.Context(), req.Category, req.Insights, req.Confidence); err != nil {
			if errors.Is(err, queue.ErrNotConnected) {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "message queue not connected", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusBadGateway, "INTERNAL_ERROR", "failed to broadcast learning update", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "broadcast"})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.String("deployment", string(deployment)),
			slog.String("transport", cfg.Transport),
			slog.Bool("connected", connected),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if err := mq.Shutdown(shutdownCtx); err != nil {
		logger.Warn(context.Background(), "queue_shutdown_failed", "queue shutdown failed",
			slog.String("error", err.Error()),
		)
	}
	if influx != nil {
		influx.Close()
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func decodeTaskRequest(r *http.Request) (taskRequest, error) {
	if r.Body == nil {
		return taskRequest{}, errors.New("request body required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	var req taskRequest
	if err := dec.Decode(&req); err != nil {
		return taskRequest{}, errors.New("invalid json body")
	}
	req.Category = strings.TrimSpace(req.Category)
	req.Priority = strings.TrimSpace(req.Priority)
	if req.Category == "" {
		return taskRequest{}, errors.New("category is required")
	}
	if req.Priority != "" && !protocol.ValidPriority(protocol.Priority(req.Priority)) {
		return taskRequest{}, errors.New("priority must be one of low, normal, high, urgent")
	}
	if req.TimeoutMS < 0 {
		return taskRequest{}, errors.New("timeout_ms must be non-negative")
	}
	return req, nil
}

func decodeLearningRequest(r *http.Request) (learningRequest, error) {
	if r.Body == nil {
		return learningRequest{}, errors.New("request body required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	var req learningRequest
	if err := dec.Decode(&req); err != nil {
		return learningRequest{}, errors.New("invalid json body")
	}
	req.Category = strings.TrimSpace(req.Category)
	if req.Category == "" {
		return learningRequest{}, errors.New("category is required")
	}
	if len(req.Insights) == 0 {
		return learningRequest{}, errors.New("insights are required")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return learningRequest{}, errors.New("confidence must be between 0 and 1")
	}
	return req, nil
}
