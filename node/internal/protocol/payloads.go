package protocol

import "encoding/json"

// TaskAssignment asks the destination deployment to execute a task.
type TaskAssignment struct {
	TaskID         string          `json:"task_id"`
	Category       string          `json:"category"`
	Input          json.RawMessage `json:"input,omitempty"`
	MaxLatencyMS   int64           `json:"max_latency_ms,omitempty"`
	CostConstraint float64         `json:"cost_constraint,omitempty"`
	Deadline       int64           `json:"deadline,omitempty"`
}

// TaskResult reports the outcome of a distributed task back to its origin.
type TaskResult struct {
	TaskID       string          `json:"task_id"`
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	LatencyMS    int64           `json:"latency_ms"`
	Cost         float64         `json:"cost"`
	Quality      float64         `json:"quality,omitempty"`
	LearningData map[string]any  `json:"learning_data,omitempty"`
}

type LearningUpdate struct {
	Category          string             `json:"category"`
	Insights          map[string]any     `json:"insights"`
	WeightAdjustments map[string]float64 `json:"weight_adjustments,omitempty"`
	Confidence        float64            `json:"confidence"`
}

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthOffline  = "offline"
)

type Heartbeat struct {
	Deployment   DeploymentID `json:"deployment"`
	Status       string       `json:"status"`
	Utilization  float64      `json:"utilization"`
	QueueDepth   int          `json:"queue_depth"`
	Capabilities []string     `json:"capabilities,omitempty"`
}
