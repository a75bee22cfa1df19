package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"trinity-symphony-coordination/node/internal/protocol"
	"trinity-symphony-coordination/node/internal/transport"
	"trinity-symphony-coordination/shared/logx"
	"trinity-symphony-coordination/shared/metricsx"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Drop reasons tracked at the inbound boundary.
const (
	DropMalformed    = "malformed"
	DropSelf         = "self"
	DropMisaddressed = "misaddressed"
	DropExpired      = "expired"
)

// ErrNotConnected is returned by send operations while the queue is not
// connected to the broker (local mode).
var ErrNotConnected = errors.New("message queue not connected")

// Handler processes one dispatched message. Errors are logged and counted,
// never propagated past the processing cycle.
type Handler func(ctx context.Context, msg protocol.Message) error

// HeartbeatSink receives periodic health snapshots, best-effort.
type HeartbeatSink interface {
	WriteHeartbeat(ctx context.Context, deployment string, status string, utilization float64, queueDepth int) error
}

type Options struct {
	Deployment        protocol.DeploymentID
	Transport         transport.PubSub
	Logger            logx.Logger
	MaxSize           int
	BatchSize         int
	ProcessInterval   time.Duration
	HeartbeatInterval time.Duration
	PublishTimeout    time.Duration
	Capabilities      []string
	HeartbeatSink     HeartbeatSink
}

// Queue owns the broker connection for one deployment: it buffers and
// priority-sorts inbound messages, dispatches them on a periodic cycle,
// broadcasts heartbeats, and exposes the send primitives the coordinator
// builds on.
type Queue struct {
	deployment     protocol.DeploymentID
	transport      transport.PubSub
	logger         logx.Logger
	maxSize        int
	batchSize      int
	processEvery   time.Duration
	heartbeatEvery time.Duration
	publishTimeout time.Duration
	capabilities   []string
	sink           HeartbeatSink

	mu         sync.Mutex
	state      State
	buffer     []protocol.Message
	subscribed []string
	received   int64
	processed  int64
	evicted    int64
	dropped    map[string]int64

	handlersMu sync.RWMutex
	handlers   map[protocol.MessageType][]Handler

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Status struct {
	Deployment    protocol.DeploymentID `json:"deployment"`
	State         State                 `json:"state"`
	QueueDepth    int                   `json:"queue_depth"`
	Subscriptions int                   `json:"subscriptions"`
	Handlers      int                   `json:"handlers"`
	Received      int64                 `json:"received"`
	Processed     int64                 `json:"processed"`
	Evicted       int64                 `json:"evicted"`
	Dropped       map[string]int64      `json:"dropped"`
}

func New(opts Options) (*Queue, error) {
	if !protocol.ValidDeployment(opts.Deployment) {
		return nil, fmt.Errorf("invalid deployment %q", opts.Deployment)
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.ProcessInterval <= 0 {
		opts.ProcessInterval = 100 * time.Millisecond
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	return &Queue{
		deployment:     opts.Deployment,
		transport:      opts.Transport,
		logger:         opts.Logger,
		maxSize:        opts.MaxSize,
		batchSize:      opts.BatchSize,
		processEvery:   opts.ProcessInterval,
		heartbeatEvery: opts.HeartbeatInterval,
		publishTimeout: opts.PublishTimeout,
		capabilities:   opts.Capabilities,
		sink:           opts.HeartbeatSink,
		state:          StateDisconnected,
		dropped:        make(map[string]int64),
		handlers:       make(map[protocol.MessageType][]Handler),
	}, nil
}

// Start connects to the broker, subscribes this deployment's inbox plus all
// broadcast channels, and starts the processing and heartbeat loops. Failure
// leaves the queue disconnected; callers may continue in local mode.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.state != StateDisconnected {
		q.mu.Unlock()
		return fmt.Errorf("queue already %s", q.state)
	}
	q.state = StateConnecting
	q.mu.Unlock()

	inbox, err := protocol.InboxChannel(q.deployment)
	if err != nil {
		q.setState(StateDisconnected)
		return err
	}
	channels := append([]string{inbox}, protocol.BroadcastChannels()...)

	subscribed := make([]string, 0, len(channels))
	for _, channel := range channels {
		if err := q.transport.Subscribe(ctx, channel, q.handleRaw); err != nil {
			for _, done := range subscribed {
				_ = q.transport.Unsubscribe(done)
			}
			q.setState(StateDisconnected)
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		subscribed = append(subscribed, channel)
	}

	q.mu.Lock()
	q.subscribed = subscribed
	q.state = StateConnected
	q.mu.Unlock()

	q.runCtx, q.cancel = context.WithCancel(context.Background())
	q.wg.Add(2)
	go q.processLoop()
	go q.heartbeatLoop()

	q.logger.Info(ctx, "queue_start", "message queue connected",
		slog.String("deployment", string(q.deployment)),
		slog.Int("channels", len(subscribed)),
		slog.Int("max_size", q.maxSize),
	)
	return nil
}

// OnMessage registers a handler for a message type. All handlers registered
// for a type are invoked per message, in registration order.
func (q *Queue) OnMessage(msgType protocol.MessageType, h Handler) {
	q.handlersMu.Lock()
	q.handlers[msgType] = append(q.handlers[msgType], h)
	q.handlersMu.Unlock()
}

// Send resolves the destination channel and publishes with a bounded wait.
// It fails fast while disconnected.
func (q *Queue) Send(ctx context.Context, msg protocol.Message) error {
	q.mu.Lock()
	state := q.state
	q.mu.Unlock()
	if state != StateConnected {
		return ErrNotConnected
	}

	var channel string
	var err error
	if msg.To == protocol.Broadcast {
		channel, err = protocol.BroadcastChannel(msg.Type)
	} else {
		channel, err = protocol.InboxChannel(msg.To)
	}
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, q.publishTimeout)
	defer cancel()
	if err := q.transport.Publish(pubCtx, channel, data); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	metricsx.IncMessagePublished(string(msg.Type))
	return nil
}

// Broadcast builds a broadcast-addressed message and sends it.
func (q *Queue) Broadcast(ctx context.Context, msgType protocol.MessageType, payload any, priority protocol.Priority) error {
	msg, err := protocol.New(q.deployment, protocol.Broadcast, msgType, payload, protocol.Options{Priority: priority})
	if err != nil {
		return err
	}
	return q.Send(ctx, msg)
}

// Shutdown stops the loops, unsubscribes every channel and closes the
// transport.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.state != StateConnected {
		q.mu.Unlock()
		return nil
	}
	q.state = StateDisconnected
	subscribed := q.subscribed
	q.subscribed = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	for _, channel := range subscribed {
		_ = q.transport.Unsubscribe(channel)
	}
	err := q.transport.Close()

	q.logger.Info(ctx, "queue_stop", "message queue disconnected",
		slog.String("deployment", string(q.deployment)),
	)
	return err
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := make(map[string]int64, len(q.dropped))
	for k, v := range q.dropped {
		dropped[k] = v
	}
	q.handlersMu.RLock()
	handlers := 0
	for _, hs := range q.handlers {
		handlers += len(hs)
	}
	q.handlersMu.RUnlock()
	return Status{
		Deployment:    q.deployment,
		State:         q.state,
		QueueDepth:    len(q.buffer),
		Subscriptions: len(q.subscribed),
		Handlers:      handlers,
		Received:      q.received,
		Processed:     q.processed,
		Evicted:       q.evicted,
		Dropped:       dropped,
	}
}

func (q *Queue) setState(s State) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
}

// handleRaw is the subscription callback: validate, filter, insert.
func (q *Queue) handleRaw(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		q.drop(DropMalformed, "", "")
		return
	}
	if !protocol.ValidDeployment(msg.From) || !protocol.ValidMessageType(msg.Type) {
		q.drop(DropMalformed, msg.MessageID, string(msg.Type))
		return
	}
	if msg.From == q.deployment {
		q.drop(DropSelf, msg.MessageID, string(msg.Type))
		return
	}
	if msg.To != q.deployment && msg.To != protocol.Broadcast {
		q.drop(DropMisaddressed, msg.MessageID, string(msg.Type))
		return
	}
	if msg.Expired(time.Now()) {
		q.drop(DropExpired, msg.MessageID, string(msg.Type))
		return
	}
	q.insert(msg)
}

func (q *Queue) drop(reason string, messageID string, msgType string) {
	q.mu.Lock()
	q.dropped[reason]++
	q.mu.Unlock()
	metricsx.IncMessageDropped(reason)
	q.logger.Debug(context.Background(), "message_dropped", "inbound message dropped",
		slog.String("reason", reason),
		slog.String("message_id", messageID),
		slog.String("type", msgType),
	)
}

// insert places the message at its priority position and evicts the oldest
// entry of the lowest-priority band when the bound would be exceeded.
func (q *Queue) insert(msg protocol.Message) {
	q.mu.Lock()
	pos := sort.Search(len(q.buffer), func(i int) bool {
		return protocol.Less(msg, q.buffer[i])
	})
	q.buffer = append(q.buffer, protocol.Message{})
	copy(q.buffer[pos+1:], q.buffer[pos:])
	q.buffer[pos] = msg
	q.received++

	var victim *protocol.Message
	if len(q.buffer) > q.maxSize {
		idx := q.evictionIndex()
		v := q.buffer[idx]
		victim = &v
		q.buffer = append(q.buffer[:idx], q.buffer[idx+1:]...)
		q.evicted++
	}
	depth := len(q.buffer)
	q.mu.Unlock()

	metricsx.IncMessageReceived(string(msg.Type))
	metricsx.SetQueueDepth(depth)
	if victim != nil {
		metricsx.IncQueueEviction()
		q.logger.Warn(context.Background(), "queue_overflow", "evicted buffered message",
			slog.String("message_id", victim.MessageID),
			slog.String("type", string(victim.Type)),
			slog.String("priority", string(victim.Priority)),
			slog.Int("queue_depth", depth),
		)
	}
}

// evictionIndex returns the oldest entry of the lowest-priority band. The
// buffer is sorted, so that band is the tail; its first element is the
// victim. Caller holds q.mu.
func (q *Queue) evictionIndex() int {
	last := len(q.buffer) - 1
	rank := q.buffer[last].Priority.Rank()
	idx := last
	for idx > 0 && q.buffer[idx-1].Priority.Rank() == rank {
		idx--
	}
	return idx
}

func (q *Queue) processLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.processEvery)
	defer ticker.Stop()
	for {
		select {
		case <-q.runCtx.Done():
			return
		case <-ticker.C:
			q.processBatch(q.runCtx)
		}
	}
}

// processBatch pops up to batchSize messages from the front of the priority
// queue and dispatches each; handler failures never abort the batch.
func (q *Queue) processBatch(ctx context.Context) {
	q.mu.Lock()
	n := q.batchSize
	if n > len(q.buffer) {
		n = len(q.buffer)
	}
	if n == 0 {
		q.mu.Unlock()
		return
	}
	batch := make([]protocol.Message, n)
	copy(batch, q.buffer[:n])
	q.buffer = q.buffer[n:]
	q.processed += int64(n)
	depth := len(q.buffer)
	q.mu.Unlock()
	metricsx.SetQueueDepth(depth)

	start := time.Now()
	for _, msg := range batch {
		q.dispatch(ctx, msg)
	}
	metricsx.ObserveDispatchLatency(time.Since(start))
}

func (q *Queue) dispatch(ctx context.Context, msg protocol.Message) {
	q.handlersMu.RLock()
	handlers := make([]Handler, len(q.handlers[msg.Type]))
	copy(handlers, q.handlers[msg.Type])
	q.handlersMu.RUnlock()

	for _, h := range handlers {
		q.invoke(ctx, h, msg)
	}

	if msg.RequiresAck && msg.Type != protocol.TypeTaskResult {
		q.sendAck(ctx, msg)
	}
}

// invoke runs one handler fault-isolated: errors and panics are logged and
// counted, nothing propagates.
func (q *Queue) invoke(ctx context.Context, h Handler, msg protocol.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			metricsx.IncHandlerFailure(string(msg.Type))
			q.logger.Error(ctx, "handler_panic", "message handler panicked",
				slog.String("message_id", msg.MessageID),
				slog.String("type", string(msg.Type)),
				slog.Any("error", rec),
			)
		}
	}()
	if err := h(ctx, msg); err != nil {
		metricsx.IncHandlerFailure(string(msg.Type))
		q.logger.Error(ctx, "handler_failed", "message handler failed",
			slog.String("message_id", msg.MessageID),
			slog.String("type", string(msg.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) sendAck(ctx context.Context, msg protocol.Message) {
	ack, err := protocol.New(q.deployment, msg.From, protocol.TypeTaskResult, protocol.TaskResult{
		TaskID:  msg.MessageID,
		Success: true,
	}, protocol.Options{Priority: msg.Priority})
	if err != nil {
		return
	}
	if err := q.Send(ctx, ack); err != nil {
		q.logger.Warn(ctx, "ack_failed", "failed to acknowledge message",
			slog.String("message_id", msg.MessageID),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) heartbeatLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-q.runCtx.Done():
			return
		case <-ticker.C:
			q.sendHeartbeat(q.runCtx)
		}
	}
}

func (q *Queue) sendHeartbeat(ctx context.Context) {
	q.mu.Lock()
	depth := len(q.buffer)
	q.mu.Unlock()

	utilization := float64(depth) / float64(q.maxSize)
	status := protocol.HealthHealthy
	if utilization >= 0.8 {
		status = protocol.HealthDegraded
	}
	hb := protocol.Heartbeat{
		Deployment:   q.deployment,
		Status:       status,
		Utilization:  utilization,
		QueueDepth:   depth,
		Capabilities: q.capabilities,
	}
	if err := q.Broadcast(ctx, protocol.TypeHeartbeat, hb, protocol.PriorityLow); err != nil {
		metricsx.IncHeartbeatFailure()
		q.logger.Warn(ctx, "heartbeat_failed", "failed to broadcast heartbeat",
			slog.String("error", err.Error()),
		)
	}
	if q.sink != nil {
		if err := q.sink.WriteHeartbeat(ctx, string(q.deployment), status, utilization, depth); err != nil {
			metricsx.IncInfluxWriteFailure()
			q.logger.Debug(ctx, "heartbeat_sink_failed", "failed to record heartbeat",
				slog.String("error", err.Error()),
			)
		}
	}
}
