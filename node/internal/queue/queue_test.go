package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"trinity-symphony-coordination/node/internal/protocol"
	"trinity-symphony-coordination/node/internal/transport/mem"
	"trinity-symphony-coordination/shared/logx"
)

func testQueue(t *testing.T, conn *mem.Conn, opts Options) *Queue {
	t.Helper()
	opts.Deployment = protocol.DeploymentMel
	opts.Transport = conn
	opts.Logger = logx.New("queue-test", "test", "", "error")
	q, err := New(opts)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func encode(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestInboundFilters(t *testing.T) {
	broker := mem.NewBroker()
	q := testQueue(t, broker.Connect(), Options{})

	dispatched := 0
	q.OnMessage(protocol.TypeCacheSync, func(context.Context, protocol.Message) error {
		dispatched++
		return nil
	})

	self, _ := protocol.New(protocol.DeploymentMel, protocol.Broadcast, protocol.TypeCacheSync, nil, protocol.Options{})
	q.handleRaw(encode(t, self))

	misaddressed, _ := protocol.New(protocol.DeploymentHyperDAGManager, protocol.DeploymentAIPromptManager, protocol.TypeCacheSync, nil, protocol.Options{})
	q.handleRaw(encode(t, misaddressed))

	expired, _ := protocol.New(protocol.DeploymentHyperDAGManager, protocol.DeploymentMel, protocol.TypeCacheSync, nil, protocol.Options{TTL: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	q.handleRaw(encode(t, expired))

	q.handleRaw([]byte("{not json"))

	q.processBatch(context.Background())
	if dispatched != 0 {
		t.Fatalf("filtered messages must never reach handlers, got %d dispatches", dispatched)
	}

	st := q.Status()
	if st.Dropped[DropSelf] != 1 || st.Dropped[DropMisaddressed] != 1 || st.Dropped[DropExpired] != 1 || st.Dropped[DropMalformed] != 1 {
		t.Fatalf("unexpected drop counts: %#v", st.Dropped)
	}
	if st.QueueDepth != 0 {
		t.Fatalf("expected empty queue, depth %d", st.QueueDepth)
	}
}

func TestOverflowEviction(t *testing.T) {
	broker := mem.NewBroker()
	q := testQueue(t, broker.Connect(), Options{MaxSize: 3})

	for i := 0; i < 3; i++ {
		msg, _ := protocol.New(protocol.DeploymentHyperDAGManager, protocol.DeploymentMel, protocol.TypeCacheSync, nil, protocol.Options{Priority: protocol.PriorityLow})
		msg.Timestamp = int64(i)
		msg.MessageID = fmt.Sprintf("low-%d", i)
		q.insert(msg)
	}
	urgent, _ := protocol.New(protocol.DeploymentHyperDAGManager, protocol.DeploymentMel, protocol.TypeCacheSync, nil, protocol.Options{Priority: protocol.PriorityUrgent})
	urgent.MessageID = "urgent"
	q.insert(urgent)

	st := q.Status()
	if st.QueueDepth != 3 {
		t.Fatalf("bound exceeded: depth %d", st.QueueDepth)
	}
	if st.Evicted != 1 {
		t.Fatalf("expected 1 observable eviction, got %d", st.Evicted)
	}
	// The oldest low-priority entry goes first; the urgent message stays.
	q.mu.Lock()
	ids := []string{q.buffer[0].MessageID, q.buffer[1].MessageID, q.buffer[2].MessageID}
	q.mu.Unlock()
	if ids[0] != "urgent" || ids[1] != "low-1" || ids[2] != "low-2" {
		t.Fatalf("unexpected survivors: %v", ids)
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	broker := mem.NewBroker()
	q := testQueue(t, broker.Connect(), Options{BatchSize: 10})

	var order []string
	q.OnMessage(protocol.TypeCacheSync, func(_ context.Context, msg protocol.Message) error {
		order = append(order, string(msg.Priority))
		return nil
	})

	for _, p := range []protocol.Priority{protocol.PriorityLow, protocol.PriorityUrgent, protocol.PriorityNormal, protocol.PriorityHigh} {
		msg, _ := protocol.New(protocol.DeploymentHyperDAGManager, protocol.DeploymentMel, protocol.TypeCacheSync, nil, protocol.Options{Priority: p})
		q.insert(msg)
	}
	q.processBatch(context.Background())

	want := []string{"urgent", "high", "normal", "low"}
	if len(order) != len(want) {
		t.Fatalf("expected %d dispatches, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", order, want)
		}
	}
}

func TestHandlerFailureDoesNotAbortBatch(t *testing.T) {
	broker := mem.NewBroker()
	q := testQueue(t, broker.Connect(), Options{BatchSize: 10})

	calls := 0
	q.OnMessage(protocol.TypeCacheSync, func(context.Context, protocol.Message) error {
		calls++
		if calls == 1 {
			return errors.New("boom")
		}
		return nil
	})
	q.OnMessage(protocol.TypeCacheSync, func(context.Context, protocol.Message) error {
		panic("handler panic")
	})

	for i := 0; i < 2; i++ {
		msg, _ := protocol.New(protocol.DeploymentHyperDAGManager, protocol.DeploymentMel, protocol.TypeCacheSync, nil, protocol.Options{})
		q.insert(msg)
	}
	q.processBatch(context.Background())

	if calls != 2 {
		t.Fatalf("expected both messages dispatched to first handler, got %d", calls)
	}
}

func TestSendFailsFastWhileDisconnected(t *testing.T) {
	broker := mem.NewBroker()
	q := testQueue(t, broker.Connect(), Options{})

	msg, _ := protocol.New(protocol.DeploymentMel, protocol.DeploymentHyperDAGManager, protocol.TypeCacheSync, nil, protocol.Options{})
	if err := q.Send(context.Background(), msg); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestRequiresAckEmitsResult(t *testing.T) {
	broker := mem.NewBroker()
	ctx := context.Background()

	q := testQueue(t, broker.Connect(), Options{ProcessInterval: 5 * time.Millisecond, HeartbeatInterval: time.Hour})
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = q.Shutdown(ctx) }()
	q.OnMessage(protocol.TypeResourceRequest, func(context.Context, protocol.Message) error { return nil })

	// Observe mel's outbound ack on the sender's inbox.
	ackCh := make(chan protocol.Message, 1)
	observer := broker.Connect()
	inbox, _ := protocol.InboxChannel(protocol.DeploymentHyperDAGManager)
	if err := observer.Subscribe(ctx, inbox, func(p []byte) {
		var m protocol.Message
		if err := json.Unmarshal(p, &m); err == nil {
			select {
			case ackCh <- m:
			default:
			}
		}
	}); err != nil {
		t.Fatalf("observer subscribe: %v", err)
	}

	req, _ := protocol.New(protocol.DeploymentHyperDAGManager, protocol.DeploymentMel, protocol.TypeResourceRequest, nil, protocol.Options{RequiresAck: true, Priority: protocol.PriorityHigh})
	sender := broker.Connect()
	melInbox, _ := protocol.InboxChannel(protocol.DeploymentMel)
	if err := sender.Publish(ctx, melInbox, encode(t, req)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var acked protocol.Message
	select {
	case acked = <-ackCh:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for ack")
	}
	if acked.Type != protocol.TypeTaskResult {
		t.Fatalf("ack must be a task result, got %q", acked.Type)
	}
	if acked.Priority != protocol.PriorityHigh {
		t.Fatalf("ack must keep the original priority, got %q", acked.Priority)
	}
	var result protocol.TaskResult
	if err := acked.DecodePayload(&result); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if result.TaskID != req.MessageID || !result.Success {
		t.Fatalf("ack must correlate to the message id: %#v", result)
	}
}

func TestStartShutdownLifecycle(t *testing.T) {
	broker := mem.NewBroker()
	ctx := context.Background()

	q := testQueue(t, broker.Connect(), Options{ProcessInterval: 5 * time.Millisecond, HeartbeatInterval: time.Hour})
	if st := q.Status(); st.State != StateDisconnected {
		t.Fatalf("initial state %q", st.State)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if st := q.Status(); st.State != StateConnected || st.Subscriptions != 5 {
		t.Fatalf("unexpected status after start: %#v", st)
	}
	if err := q.Start(ctx); err == nil {
		t.Fatalf("second start must fail")
	}
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if st := q.Status(); st.State != StateDisconnected {
		t.Fatalf("state after shutdown %q", st.State)
	}
	msg, _ := protocol.New(protocol.DeploymentMel, protocol.DeploymentHyperDAGManager, protocol.TypeCacheSync, nil, protocol.Options{})
	if err := q.Send(ctx, msg); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after shutdown: %v", err)
	}
}

func TestHeartbeatBroadcast(t *testing.T) {
	broker := mem.NewBroker()
	ctx := context.Background()

	q := testQueue(t, broker.Connect(), Options{ProcessInterval: time.Hour, HeartbeatInterval: time.Hour, Capabilities: []string{"verification"}})
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = q.Shutdown(ctx) }()

	var hb protocol.Message
	got := false
	observer := broker.Connect()
	if err := observer.Subscribe(ctx, protocol.ChannelBroadcastHeartbeat, func(p []byte) {
		if err := json.Unmarshal(p, &hb); err == nil {
			got = true
		}
	}); err != nil {
		t.Fatalf("observer subscribe: %v", err)
	}

	q.sendHeartbeat(ctx)
	if !got {
		t.Fatalf("expected heartbeat on its broadcast channel")
	}
	var payload protocol.Heartbeat
	if err := hb.DecodePayload(&payload); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if payload.Deployment != protocol.DeploymentMel || payload.Status != protocol.HealthHealthy {
		t.Fatalf("unexpected heartbeat payload: %#v", payload)
	}
	if len(payload.Capabilities) != 1 || payload.Capabilities[0] != "verification" {
		t.Fatalf("capabilities not carried: %#v", payload)
	}
}
