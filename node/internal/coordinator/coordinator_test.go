package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"trinity-symphony-coordination/node/internal/protocol"
	"trinity-symphony-coordination/node/internal/queue"
	"trinity-symphony-coordination/node/internal/transport/mem"
	"trinity-symphony-coordination/shared/logx"
)

type stubBus struct {
	deployment protocol.DeploymentID

	mu       sync.Mutex
	sent     []protocol.Message
	sendErr  error
	handlers map[protocol.MessageType][]queue.Handler
}

func newStubBus(deployment protocol.DeploymentID) *stubBus {
	return &stubBus{
		deployment: deployment,
		handlers:   make(map[protocol.MessageType][]queue.Handler),
	}
}

func (b *stubBus) Send(_ context.Context, msg protocol.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, msg)
	return nil
}

func (b *stubBus) Broadcast(ctx context.Context, msgType protocol.MessageType, payload any, priority protocol.Priority) error {
	msg, err := protocol.New(b.deployment, protocol.Broadcast, msgType, payload, protocol.Options{Priority: priority})
	if err != nil {
		return err
	}
	return b.Send(ctx, msg)
}

func (b *stubBus) OnMessage(msgType protocol.MessageType, h queue.Handler) {
	b.mu.Lock()
	b.handlers[msgType] = append(b.handlers[msgType], h)
	b.mu.Unlock()
}

func (b *stubBus) Status() queue.Status {
	return queue.Status{Deployment: b.deployment, State: queue.StateConnected}
}

func (b *stubBus) deliver(t *testing.T, msg protocol.Message) {
	t.Helper()
	b.mu.Lock()
	handlers := append([]queue.Handler(nil), b.handlers[msg.Type]...)
	b.mu.Unlock()
	for _, h := range handlers {
		if err := h(context.Background(), msg); err != nil {
			t.Fatalf("handler for %s: %v", msg.Type, err)
		}
	}
}

func (b *stubBus) lastSent(t *testing.T) protocol.Message {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		t.Fatalf("no message sent")
	}
	return b.sent[len(b.sent)-1]
}

func newTestCoordinator(t *testing.T, bus Bus, opts Options) *Coordinator {
	t.Helper()
	opts.Deployment = protocol.DeploymentAIPromptManager
	opts.Bus = bus
	opts.Logger = logx.New("coordinator-test", "test", "", "error")
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestStrategyForUnknownCategoryDefaults(t *testing.T) {
	bus := newStubBus(protocol.DeploymentAIPromptManager)
	c := newTestCoordinator(t, bus, Options{})

	s, known := c.StrategyFor("no_such_category")
	if known {
		t.Fatalf("unknown category reported as known")
	}
	if s.Preferred != protocol.DeploymentHyperDAGManager {
		t.Fatalf("default deployment = %s, want %s", s.Preferred, protocol.DeploymentHyperDAGManager)
	}

	s, known = c.StrategyFor(CategoryLearningSynthesis)
	if !known || s.Preferred != protocol.DeploymentMel {
		t.Fatalf("learning_synthesis -> (%s, %v), want (mel, true)", s.Preferred, known)
	}
}

func TestDistributeResultRoundTrip(t *testing.T) {
	bus := newStubBus(protocol.DeploymentAIPromptManager)
	c := newTestCoordinator(t, bus, Options{})

	p, err := c.Distribute(context.Background(), CategoryWorkflowExecution, map[string]string{"goal": "deploy"}, DistributeOptions{})
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	sent := bus.lastSent(t)
	if sent.Type != protocol.TypeTaskAssignment || sent.To != protocol.DeploymentHyperDAGManager {
		t.Fatalf("sent %s to %s, want task_assignment to hyperdag-manager", sent.Type, sent.To)
	}
	if !sent.RequiresAck {
		t.Fatalf("assignment should require ack")
	}

	result, err := protocol.New(protocol.DeploymentHyperDAGManager, protocol.DeploymentAIPromptManager,
		protocol.TypeTaskResult, protocol.TaskResult{
			TaskID:    p.TaskID,
			Success:   true,
			Result:    json.RawMessage(`{"status":"done"}`),
			LatencyMS: 42,
			Cost:      0.003,
		}, protocol.Options{})
	if err != nil {
		t.Fatalf("build result: %v", err)
	}
	bus.deliver(t, result)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !out.Success || out.ExecutedBy != protocol.DeploymentHyperDAGManager || out.LatencyMS != 42 {
		t.Fatalf("outcome = %+v", out)
	}
	if c.Status().PendingTasks != 0 {
		t.Fatalf("pending tasks not cleared after result")
	}
}

func TestDuplicateResultCountedOnce(t *testing.T) {
	bus := newStubBus(protocol.DeploymentAIPromptManager)
	c := newTestCoordinator(t, bus, Options{})

	p, err := c.Distribute(context.Background(), CategoryVerification, nil, DistributeOptions{})
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	// verification prefers ai-prompt-manager, which is us; route check is
	// not the point here, correlation is.
	result, err := protocol.New(protocol.DeploymentMel, protocol.DeploymentAIPromptManager,
		protocol.TypeTaskResult, protocol.TaskResult{TaskID: p.TaskID, Success: true}, protocol.Options{})
	if err != nil {
		t.Fatalf("build result: %v", err)
	}
	bus.deliver(t, result)
	bus.deliver(t, result)

	if got := c.Status().DuplicatesDropped; got != 1 {
		t.Fatalf("duplicates dropped = %d, want 1", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait after duplicate: %v", err)
	}
}

func TestDistributeTimeout(t *testing.T) {
	bus := newStubBus(protocol.DeploymentAIPromptManager)
	c := newTestCoordinator(t, bus, Options{})

	p, err := c.Distribute(context.Background(), CategoryCostOptimization, nil, DistributeOptions{
		Timeout: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = p.Wait(ctx)
	if !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("Wait error = %v, want ErrTaskTimeout", err)
	}
	if c.Status().PendingTasks != 0 {
		t.Fatalf("pending tasks not cleared after timeout")
	}

	// A result arriving after the timeout is a duplicate, not a resolution.
	late, err := protocol.New(protocol.DeploymentMel, protocol.DeploymentAIPromptManager,
		protocol.TypeTaskResult, protocol.TaskResult{TaskID: p.TaskID, Success: true}, protocol.Options{})
	if err != nil {
		t.Fatalf("build result: %v", err)
	}
	bus.deliver(t, late)
	if got := c.Status().DuplicatesDropped; got != 1 {
		t.Fatalf("late result not counted as duplicate, got %d", got)
	}
}

func TestDistributeSendFailure(t *testing.T) {
	bus := newStubBus(protocol.DeploymentAIPromptManager)
	bus.sendErr = queue.ErrNotConnected
	c := newTestCoordinator(t, bus, Options{})

	p, err := c.Distribute(context.Background(), CategoryWorkflowExecution, nil, DistributeOptions{})
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = p.Wait(ctx)
	if !errors.Is(err, queue.ErrNotConnected) {
		t.Fatalf("Wait error = %v, want wrapped ErrNotConnected", err)
	}
	if c.Status().PendingTasks != 0 {
		t.Fatalf("failed send left a pending record")
	}
}

func TestRemoteFailureSurfacesError(t *testing.T) {
	bus := newStubBus(protocol.DeploymentAIPromptManager)
	c := newTestCoordinator(t, bus, Options{})

	p, err := c.Distribute(context.Background(), CategoryWorkflowExecution, nil, DistributeOptions{})
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	result, err := protocol.New(protocol.DeploymentHyperDAGManager, protocol.DeploymentAIPromptManager,
		protocol.TypeTaskResult, protocol.TaskResult{
			TaskID: p.TaskID,
			Error:  "workflow engine unavailable",
		}, protocol.Options{})
	if err != nil {
		t.Fatalf("build result: %v", err)
	}
	bus.deliver(t, result)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := p.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "workflow engine unavailable") {
		t.Fatalf("Wait error = %v, want remote failure", err)
	}
	if out.Success {
		t.Fatalf("outcome marked success on remote failure")
	}
}

func TestAssignmentExecutesAndReplies(t *testing.T) {
	bus := newStubBus(protocol.DeploymentAIPromptManager)
	c := newTestCoordinator(t, bus, Options{})
	c.RegisterExecutor(CategoryPromptOptimization, ExecutorFunc(func(_ context.Context, input json.RawMessage) (ExecResult, error) {
		var in map[string]string
		if err := json.Unmarshal(input, &in); err != nil {
			return ExecResult{}, err
		}
		return ExecResult{
			Result:  map[string]string{"optimized": in["prompt"] + "!"},
			Cost:    0.001,
			Quality: 0.9,
		}, nil
	}))

	input, _ := json.Marshal(map[string]string{"prompt": "hello"})
	assignment, err := protocol.New(protocol.DeploymentMel, protocol.DeploymentAIPromptManager,
		protocol.TypeTaskAssignment, protocol.TaskAssignment{
			TaskID:   "task-123",
			Category: CategoryPromptOptimization,
			Input:    input,
		}, protocol.Options{Priority: protocol.PriorityHigh})
	if err != nil {
		t.Fatalf("build assignment: %v", err)
	}
	bus.deliver(t, assignment)

	reply := bus.lastSent(t)
	if reply.Type != protocol.TypeTaskResult || reply.To != protocol.DeploymentMel {
		t.Fatalf("reply %s to %s, want task_result to mel", reply.Type, reply.To)
	}
	if reply.Priority != protocol.PriorityHigh {
		t.Fatalf("reply priority = %s, want the assignment's priority", reply.Priority)
	}
	var res protocol.TaskResult
	if err := reply.DecodePayload(&res); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !res.Success || res.TaskID != "task-123" || res.Quality != 0.9 {
		t.Fatalf("result = %+v", res)
	}
	var body map[string]string
	if err := json.Unmarshal(res.Result, &body); err != nil {
		t.Fatalf("decode result body: %v", err)
	}
	if body["optimized"] != "hello!" {
		t.Fatalf("result body = %v", body)
	}
}

func TestAssignmentWithoutExecutorRepliesFailure(t *testing.T) {
	bus := newStubBus(protocol.DeploymentAIPromptManager)
	c := newTestCoordinator(t, bus, Options{})
	_ = c

	assignment, err := protocol.New(protocol.DeploymentMel, protocol.DeploymentAIPromptManager,
		protocol.TypeTaskAssignment, protocol.TaskAssignment{
			TaskID:   "task-456",
			Category: CategoryProviderRouting,
		}, protocol.Options{})
	if err != nil {
		t.Fatalf("build assignment: %v", err)
	}
	bus.deliver(t, assignment)

	var res protocol.TaskResult
	if err := bus.lastSent(t).DecodePayload(&res); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "no executor registered") {
		t.Fatalf("result = %+v, want registration failure", res)
	}
}

func TestExecutorPanicRepliesFailure(t *testing.T) {
	bus := newStubBus(protocol.DeploymentAIPromptManager)
	c := newTestCoordinator(t, bus, Options{})
	c.RegisterExecutor(CategoryVerification, ExecutorFunc(func(context.Context, json.RawMessage) (ExecResult, error) {
		panic("verifier exploded")
	}))

	assignment, err := protocol.New(protocol.DeploymentMel, protocol.DeploymentAIPromptManager,
		protocol.TypeTaskAssignment, protocol.TaskAssignment{
			TaskID:   "task-789",
			Category: CategoryVerification,
		}, protocol.Options{})
	if err != nil {
		t.Fatalf("build assignment: %v", err)
	}
	bus.deliver(t, assignment)

	var res protocol.TaskResult
	if err := bus.lastSent(t).DecodePayload(&res); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "verifier exploded") {
		t.Fatalf("result = %+v, want panic surfaced as failure", res)
	}
}

func TestDuplicateAssignmentDropped(t *testing.T) {
	bus := newStubBus(protocol.DeploymentAIPromptManager)
	c := newTestCoordinator(t, bus, Options{})
	executions := 0
	c.RegisterExecutor(CategoryWorkflowExecution, ExecutorFunc(func(context.Context, json.RawMessage) (ExecResult, error) {
		executions++
		return ExecResult{}, nil
	}))

	// A task id we originated must never be executed here.
	c.mu.Lock()
	c.pending["looped-task"] = newPendingTask("looped-task", CategoryWorkflowExecution, protocol.DeploymentHyperDAGManager)
	c.mu.Unlock()

	assignment, err := protocol.New(protocol.DeploymentHyperDAGManager, protocol.DeploymentAIPromptManager,
		protocol.TypeTaskAssignment, protocol.TaskAssignment{
			TaskID:   "looped-task",
			Category: CategoryWorkflowExecution,
		}, protocol.Options{})
	if err != nil {
		t.Fatalf("build assignment: %v", err)
	}
	bus.deliver(t, assignment)

	if executions != 0 {
		t.Fatalf("duplicate assignment executed %d times", executions)
	}
	if got := c.Status().DuplicatesDropped; got != 1 {
		t.Fatalf("duplicates dropped = %d, want 1", got)
	}
}

func TestShareLearningBroadcasts(t *testing.T) {
	bus := newStubBus(protocol.DeploymentAIPromptManager)
	c := newTestCoordinator(t, bus, Options{})

	err := c.ShareLearning(context.Background(), CategoryPromptOptimization,
		map[string]any{"temperature": 0.2}, 0.85)
	if err != nil {
		t.Fatalf("ShareLearning: %v", err)
	}
	msg := bus.lastSent(t)
	if msg.Type != protocol.TypeLearningUpdate || msg.To != protocol.Broadcast {
		t.Fatalf("broadcast %s to %s, want learning_update to all", msg.Type, msg.To)
	}
	var update protocol.LearningUpdate
	if err := msg.DecodePayload(&update); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if update.Confidence != 0.85 || update.Category != CategoryPromptOptimization {
		t.Fatalf("update = %+v", update)
	}
}

func TestLearningUpdateFlowsIntoSink(t *testing.T) {
	bus := newStubBus(protocol.DeploymentAIPromptManager)
	sink := NewMemorySink()
	_ = newTestCoordinator(t, bus, Options{Learning: sink})

	update, err := protocol.New(protocol.DeploymentMel, protocol.Broadcast,
		protocol.TypeLearningUpdate, protocol.LearningUpdate{
			Category:          CategoryCostOptimization,
			Insights:          map[string]any{"provider": "claude"},
			WeightAdjustments: map[string]float64{"claude": 0.5},
			Confidence:        0.8,
		}, protocol.Options{})
	if err != nil {
		t.Fatalf("build update: %v", err)
	}
	bus.deliver(t, update)

	weights := sink.Weights(CategoryCostOptimization)
	if got := weights["claude"]; got != 0.4 {
		t.Fatalf("weight = %v, want 0.4 (0.5 scaled by 0.8 confidence)", got)
	}
	if got := len(sink.Insights(CategoryCostOptimization)); got != 1 {
		t.Fatalf("insights retained = %d, want 1", got)
	}
}

func TestMemorySinkBoundsInsightWindow(t *testing.T) {
	sink := NewMemorySink()
	for i := 0; i < maxInsightsPerCategory+10; i++ {
		err := sink.ApplyLearning(context.Background(), protocol.LearningUpdate{
			Category:   CategoryLearningSynthesis,
			Insights:   map[string]any{"round": i},
			Confidence: 1,
		})
		if err != nil {
			t.Fatalf("ApplyLearning: %v", err)
		}
	}
	if got := len(sink.Insights(CategoryLearningSynthesis)); got != maxInsightsPerCategory {
		t.Fatalf("insight window = %d, want %d", got, maxInsightsPerCategory)
	}
	if err := sink.ApplyLearning(context.Background(), protocol.LearningUpdate{}); err == nil {
		t.Fatalf("expected error for update without category")
	}
}

// Full round trip over the in-process broker: two queues, two
// coordinators, result correlated back to the caller.
func TestDistributeOverBroker(t *testing.T) {
	broker := mem.NewBroker()
	logger := logx.New("coordinator-test", "test", "", "error")

	newNode := func(dep protocol.DeploymentID) (*queue.Queue, *Coordinator) {
		q, err := queue.New(queue.Options{
			Deployment:        dep,
			Transport:         broker.Connect(),
			Logger:            logger,
			ProcessInterval:   5 * time.Millisecond,
			HeartbeatInterval: time.Hour,
		})
		if err != nil {
			t.Fatalf("queue.New(%s): %v", dep, err)
		}
		c, err := New(Options{Deployment: dep, Bus: q, Logger: logger})
		if err != nil {
			t.Fatalf("coordinator.New(%s): %v", dep, err)
		}
		if err := q.Start(context.Background()); err != nil {
			t.Fatalf("Start(%s): %v", dep, err)
		}
		t.Cleanup(func() { _ = q.Shutdown(context.Background()) })
		return q, c
	}

	_, origin := newNode(protocol.DeploymentAIPromptManager)
	_, worker := newNode(protocol.DeploymentHyperDAGManager)

	worker.RegisterExecutor(CategoryWorkflowExecution, ExecutorFunc(func(_ context.Context, input json.RawMessage) (ExecResult, error) {
		return ExecResult{Result: map[string]string{"echo": string(input)}}, nil
	}))

	p, err := origin.Distribute(context.Background(), CategoryWorkflowExecution,
		map[string]string{"step": "one"}, DistributeOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !out.Success || out.ExecutedBy != protocol.DeploymentHyperDAGManager {
		t.Fatalf("outcome = %+v", out)
	}
}
