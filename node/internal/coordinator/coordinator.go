package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"trinity-symphony-coordination/node/internal/protocol"
	"trinity-symphony-coordination/node/internal/queue"
	"trinity-symphony-coordination/shared/logx"
	"trinity-symphony-coordination/shared/metricsx"
)

// Bus is the messaging surface the coordinator needs. *queue.Queue
// satisfies it.
type Bus interface {
	Send(ctx context.Context, msg protocol.Message) error
	Broadcast(ctx context.Context, msgType protocol.MessageType, payload any, priority protocol.Priority) error
	OnMessage(msgType protocol.MessageType, h queue.Handler)
	Status() queue.Status
}

// ExecResult is what a local executor produces for one assignment.
type ExecResult struct {
	Result       any
	LatencyMS    int64
	Cost         float64
	Quality      float64
	LearningData map[string]any
}

// Executor runs tasks of one category assigned to this deployment.
type Executor interface {
	Execute(ctx context.Context, input json.RawMessage) (ExecResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, input json.RawMessage) (ExecResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, input json.RawMessage) (ExecResult, error) {
	return f(ctx, input)
}

// LearningSink absorbs learning and optimization updates from peers.
type LearningSink interface {
	ApplyLearning(ctx context.Context, update protocol.LearningUpdate) error
}

// TaskMetricsSink records per-task execution measurements, best-effort.
type TaskMetricsSink interface {
	WriteTaskExecution(ctx context.Context, deployment string, category string, success bool, latencyMS int64, cost float64, quality float64) error
}

type Options struct {
	Deployment     protocol.DeploymentID
	Bus            Bus
	Logger         logx.Logger
	DefaultTimeout time.Duration
	Learning       LearningSink
	Metrics        TaskMetricsSink
	Strategies     map[string]Strategy
}

// Coordinator distributes tasks across deployments, correlates results
// back to waiting callers, executes assignments addressed to this
// deployment, and shares learning over the broadcast channels.
type Coordinator struct {
	deployment     protocol.DeploymentID
	bus            Bus
	logger         logx.Logger
	defaultTimeout time.Duration
	learning       LearningSink
	metrics        TaskMetricsSink
	strategies     map[string]Strategy

	mu         sync.Mutex
	pending    map[string]*PendingTask
	inflight   map[string]struct{}
	duplicates int64

	execMu       sync.RWMutex
	executors    map[string]Executor
	fallbackExec Executor
}

type CoordinatorStatus struct {
	Deployment        protocol.DeploymentID `json:"deployment"`
	Queue             queue.Status          `json:"queue"`
	PendingTasks      int                   `json:"pending_tasks"`
	Strategies        int                   `json:"strategies"`
	DuplicatesDropped int64                 `json:"duplicates_dropped"`
}

func New(opts Options) (*Coordinator, error) {
	if !protocol.ValidDeployment(opts.Deployment) {
		return nil, fmt.Errorf("invalid deployment %q", opts.Deployment)
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Strategies == nil {
		opts.Strategies = defaultStrategies()
	}
	c := &Coordinator{
		deployment:     opts.Deployment,
		bus:            opts.Bus,
		logger:         opts.Logger,
		defaultTimeout: opts.DefaultTimeout,
		learning:       opts.Learning,
		metrics:        opts.Metrics,
		strategies:     opts.Strategies,
		pending:        make(map[string]*PendingTask),
		inflight:       make(map[string]struct{}),
		executors:      make(map[string]Executor),
	}
	c.bus.OnMessage(protocol.TypeTaskAssignment, c.handleAssignment)
	c.bus.OnMessage(protocol.TypeTaskResult, c.handleResult)
	c.bus.OnMessage(protocol.TypeLearningUpdate, c.handleLearning)
	c.bus.OnMessage(protocol.TypeOptimizationSync, c.handleOptimization)
	return c, nil
}

// RegisterExecutor binds the executor invoked for assignments of one
// category. The last registration for a category wins.
func (c *Coordinator) RegisterExecutor(category string, e Executor) {
	c.execMu.Lock()
	c.executors[category] = e
	c.execMu.Unlock()
}

// SetFallbackExecutor handles assignments whose category has no dedicated
// executor.
func (c *Coordinator) SetFallbackExecutor(e Executor) {
	c.execMu.Lock()
	c.fallbackExec = e
	c.execMu.Unlock()
}

// StrategyFor resolves the routing strategy for a category. Unknown
// categories map to the general-purpose fallback.
func (c *Coordinator) StrategyFor(category string) (Strategy, bool) {
	if s, ok := c.strategies[category]; ok {
		return s, true
	}
	return fallbackStrategy, false
}

type DistributeOptions struct {
	Priority       protocol.Priority
	Timeout        time.Duration
	MaxLatencyMS   int64
	CostConstraint float64
}

// Distribute routes a task to the deployment preferred for its category
// and returns a handle the caller waits on. The handle completes exactly
// once: with the remote result, a timeout, or the send failure.
func (c *Coordinator) Distribute(ctx context.Context, category string, input any, opts DistributeOptions) (*PendingTask, error) {
	strategy, known := c.StrategyFor(category)
	if !known {
		c.logger.Debug(ctx, "unknown_category", "routing uncategorized task to default deployment",
			slog.String("category", category),
			slog.String("deployment", string(strategy.Preferred)),
		)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	priority := opts.Priority
	if priority == "" {
		priority = protocol.PriorityNormal
	}

	var raw json.RawMessage
	if input != nil {
		data, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("encode task input: %w", err)
		}
		raw = data
	}

	taskID := uuid.NewString()
	assignment := protocol.TaskAssignment{
		TaskID:         taskID,
		Category:       category,
		Input:          raw,
		MaxLatencyMS:   opts.MaxLatencyMS,
		CostConstraint: opts.CostConstraint,
		Deadline:       time.Now().Add(timeout).UnixMilli(),
	}
	msg, err := protocol.New(c.deployment, strategy.Preferred, protocol.TypeTaskAssignment, assignment, protocol.Options{
		Priority:    priority,
		RequiresAck: true,
		TTL:         timeout,
	})
	if err != nil {
		return nil, err
	}

	p := newPendingTask(taskID, category, strategy.Preferred)
	c.track(p)
	p.scheduleTimeout(timeout, func() { c.expire(taskID) })

	if err := c.bus.Send(ctx, msg); err != nil {
		c.untrack(taskID)
		p.resolve(Outcome{TaskID: taskID}, fmt.Errorf("send task assignment: %w", err))
		metricsx.ObserveTaskRoundTrip("send_failed", p.Age())
		c.logger.Error(ctx, "distribute_failed", "failed to send task assignment",
			slog.String("task_id", taskID),
			slog.String("category", category),
			slog.String("to", string(strategy.Preferred)),
			slog.String("error", err.Error()),
		)
		return p, nil
	}

	c.logger.Info(ctx, "task_distributed", "task assigned to deployment",
		slog.String("task_id", taskID),
		slog.String("category", category),
		slog.String("to", string(strategy.Preferred)),
		slog.String("priority", string(priority)),
	)
	return p, nil
}

// ShareLearning broadcasts an insight to every deployment.
func (c *Coordinator) ShareLearning(ctx context.Context, category string, insights map[string]any, confidence float64) error {
	update := protocol.LearningUpdate{
		Category:   category,
		Insights:   insights,
		Confidence: confidence,
	}
	if err := c.bus.Broadcast(ctx, protocol.TypeLearningUpdate, update, protocol.PriorityNormal); err != nil {
		return fmt.Errorf("broadcast learning update: %w", err)
	}
	return nil
}

func (c *Coordinator) Status() CoordinatorStatus {
	c.mu.Lock()
	pending := len(c.pending)
	duplicates := c.duplicates
	c.mu.Unlock()
	return CoordinatorStatus{
		Deployment:        c.deployment,
		Queue:             c.bus.Status(),
		PendingTasks:      pending,
		Strategies:        len(c.strategies),
		DuplicatesDropped: duplicates,
	}
}

func (c *Coordinator) track(p *PendingTask) {
	c.mu.Lock()
	c.pending[p.TaskID] = p
	n := len(c.pending)
	c.mu.Unlock()
	metricsx.SetPendingTasks(n)
}

// untrack removes and returns the pending record for a task id, if any.
func (c *Coordinator) untrack(taskID string) *PendingTask {
	c.mu.Lock()
	p, ok := c.pending[taskID]
	if ok {
		delete(c.pending, taskID)
	}
	n := len(c.pending)
	c.mu.Unlock()
	metricsx.SetPendingTasks(n)
	if !ok {
		return nil
	}
	return p
}

func (c *Coordinator) expire(taskID string) {
	p := c.untrack(taskID)
	if p == nil {
		return
	}
	if p.resolve(Outcome{TaskID: taskID}, ErrTaskTimeout) {
		metricsx.ObserveTaskRoundTrip("timeout", p.Age())
		c.logger.Warn(context.Background(), "task_timeout", "no result before deadline",
			slog.String("task_id", taskID),
			slog.String("category", p.Category),
			slog.String("assigned_to", string(p.AssignedTo)),
		)
	}
}

// handleResult correlates an inbound task_result with its pending record.
// Results for unknown task ids (duplicates, acks for our own sends) are
// counted and dropped.
func (c *Coordinator) handleResult(ctx context.Context, msg protocol.Message) error {
	var res protocol.TaskResult
	if err := msg.DecodePayload(&res); err != nil {
		return fmt.Errorf("decode task result: %w", err)
	}

	p := c.untrack(res.TaskID)
	if p == nil {
		c.mu.Lock()
		c.duplicates++
		c.mu.Unlock()
		c.logger.Debug(ctx, "result_unmatched", "task result without pending record",
			slog.String("task_id", res.TaskID),
			slog.String("from", string(msg.From)),
		)
		return nil
	}

	out := Outcome{
		TaskID:     res.TaskID,
		Success:    res.Success,
		Result:     res.Result,
		Error:      res.Error,
		ExecutedBy: msg.From,
		LatencyMS:  res.LatencyMS,
		Cost:       res.Cost,
		Quality:    res.Quality,
	}
	var resErr error
	outcome := "success"
	if !res.Success {
		resErr = fmt.Errorf("remote execution failed: %s", res.Error)
		outcome = "failure"
	}
	p.resolve(out, resErr)
	metricsx.ObserveTaskRoundTrip(outcome, p.Age())

	if c.metrics != nil {
		if err := c.metrics.WriteTaskExecution(ctx, string(msg.From), p.Category, res.Success, res.LatencyMS, res.Cost, res.Quality); err != nil {
			metricsx.IncInfluxWriteFailure()
			c.logger.Debug(ctx, "task_metrics_failed", "failed to record task execution",
				slog.String("task_id", res.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(res.LearningData) > 0 && c.learning != nil {
		update := protocol.LearningUpdate{
			Category:   p.Category,
			Insights:   res.LearningData,
			Confidence: res.Quality,
		}
		if err := c.learning.ApplyLearning(ctx, update); err != nil {
			c.logger.Debug(ctx, "learning_apply_failed", "failed to absorb result learning data",
				slog.String("task_id", res.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// handleAssignment executes a task assigned to this deployment and replies
// to the origin with a task_result at the assignment's priority.
func (c *Coordinator) handleAssignment(ctx context.Context, msg protocol.Message) error {
	var assignment protocol.TaskAssignment
	if err := msg.DecodePayload(&assignment); err != nil {
		return fmt.Errorf("decode task assignment: %w", err)
	}
	if assignment.TaskID == "" {
		return errors.New("task assignment without task id")
	}

	c.mu.Lock()
	_, pendingHere := c.pending[assignment.TaskID]
	_, running := c.inflight[assignment.TaskID]
	if pendingHere || running {
		c.duplicates++
		c.mu.Unlock()
		c.logger.Warn(ctx, "duplicate_assignment", "dropping task id already in flight",
			slog.String("task_id", assignment.TaskID),
			slog.String("from", string(msg.From)),
		)
		return nil
	}
	c.inflight[assignment.TaskID] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, assignment.TaskID)
		c.mu.Unlock()
	}()

	if assignment.Deadline > 0 && time.Now().UnixMilli() > assignment.Deadline {
		c.logger.Warn(ctx, "assignment_stale", "dropping assignment past its deadline",
			slog.String("task_id", assignment.TaskID),
			slog.String("category", assignment.Category),
		)
		return nil
	}

	result := c.execute(ctx, assignment)

	reply, err := protocol.New(c.deployment, msg.From, protocol.TypeTaskResult, result, protocol.Options{
		Priority: msg.Priority,
	})
	if err != nil {
		return fmt.Errorf("build task result: %w", err)
	}
	if err := c.bus.Send(ctx, reply); err != nil {
		return fmt.Errorf("send task result: %w", err)
	}

	if c.metrics != nil {
		if err := c.metrics.WriteTaskExecution(ctx, string(c.deployment), assignment.Category, result.Success, result.LatencyMS, result.Cost, result.Quality); err != nil {
			metricsx.IncInfluxWriteFailure()
		}
	}
	return nil
}

// execute runs the category's executor fault-isolated and converts the
// outcome to a wire result. Execution failure still produces a reply.
func (c *Coordinator) execute(ctx context.Context, assignment protocol.TaskAssignment) protocol.TaskResult {
	c.execMu.RLock()
	exec, ok := c.executors[assignment.Category]
	if !ok {
		exec = c.fallbackExec
	}
	c.execMu.RUnlock()

	if exec == nil {
		return protocol.TaskResult{
			TaskID:  assignment.TaskID,
			Success: false,
			Error:   fmt.Sprintf("no executor registered for category %q", assignment.Category),
		}
	}

	start := time.Now()
	var res ExecResult
	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("executor panicked: %v", rec)
			}
		}()
		res, err = exec.Execute(ctx, assignment.Input)
	}()
	latency := time.Since(start).Milliseconds()
	if res.LatencyMS > 0 {
		latency = res.LatencyMS
	}

	if err != nil {
		c.logger.Error(ctx, "task_execution_failed", "local executor failed",
			slog.String("task_id", assignment.TaskID),
			slog.String("category", assignment.Category),
			slog.String("error", err.Error()),
		)
		return protocol.TaskResult{
			TaskID:    assignment.TaskID,
			Success:   false,
			Error:     err.Error(),
			LatencyMS: latency,
		}
	}

	var raw json.RawMessage
	if res.Result != nil {
		data, mErr := json.Marshal(res.Result)
		if mErr != nil {
			return protocol.TaskResult{
				TaskID:    assignment.TaskID,
				Success:   false,
				Error:     fmt.Sprintf("encode result: %v", mErr),
				LatencyMS: latency,
			}
		}
		raw = data
	}
	return protocol.TaskResult{
		TaskID:       assignment.TaskID,
		Success:      true,
		Result:       raw,
		LatencyMS:    latency,
		Cost:         res.Cost,
		Quality:      res.Quality,
		LearningData: res.LearningData,
	}
}

func (c *Coordinator) handleLearning(ctx context.Context, msg protocol.Message) error {
	return c.applyUpdate(ctx, msg, "learning_applied")
}

// Optimization syncs carry the same shape as learning updates; both flow
// into the learning sink.
func (c *Coordinator) handleOptimization(ctx context.Context, msg protocol.Message) error {
	return c.applyUpdate(ctx, msg, "optimization_applied")
}

func (c *Coordinator) applyUpdate(ctx context.Context, msg protocol.Message, event string) error {
	var update protocol.LearningUpdate
	if err := msg.DecodePayload(&update); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	if c.learning == nil {
		return nil
	}
	if err := c.learning.ApplyLearning(ctx, update); err != nil {
		return fmt.Errorf("apply update from %s: %w", msg.From, err)
	}
	c.logger.Debug(ctx, event, "peer update absorbed",
		slog.String("from", string(msg.From)),
		slog.String("category", update.Category),
	)
	return nil
}
