package protocol

// DeploymentID names one participant in the coordination network. The set is
// closed: every message carries an origin from this set and a destination
// that is either a member or the broadcast sentinel.
type DeploymentID string

const (
	DeploymentAIPromptManager DeploymentID = "ai-prompt-manager"
	DeploymentHyperDAGManager DeploymentID = "hyperdag-manager"
	DeploymentMel             DeploymentID = "mel"

	// Broadcast addresses a message to every deployment.
	Broadcast DeploymentID = "all"
)

func AllDeployments() []DeploymentID {
	return []DeploymentID{
		DeploymentAIPromptManager,
		DeploymentHyperDAGManager,
		DeploymentMel,
	}
}

func ValidDeployment(id DeploymentID) bool {
	switch id {
	case DeploymentAIPromptManager, DeploymentHyperDAGManager, DeploymentMel:
		return true
	default:
		return false
	}
}

type MessageType string

const (
	TypeTaskAssignment   MessageType = "task_assignment"
	TypeTaskResult       MessageType = "task_result"
	TypeLearningUpdate   MessageType = "learning_update"
	TypeOptimizationSync MessageType = "optimization_sync"
	TypeHeartbeat        MessageType = "heartbeat"
	TypeResourceRequest  MessageType = "resource_request"
	TypeProviderStatus   MessageType = "provider_status"
	TypeCacheSync        MessageType = "cache_sync"
)

func AllMessageTypes() []MessageType {
	return []MessageType{
		TypeTaskAssignment,
		TypeTaskResult,
		TypeLearningUpdate,
		TypeOptimizationSync,
		TypeHeartbeat,
		TypeResourceRequest,
		TypeProviderStatus,
		TypeCacheSync,
	}
}

func ValidMessageType(t MessageType) bool {
	switch t {
	case TypeTaskAssignment, TypeTaskResult, TypeLearningUpdate, TypeOptimizationSync,
		TypeHeartbeat, TypeResourceRequest, TypeProviderStatus, TypeCacheSync:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities for queue sorting; higher sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

func ValidPriority(p Priority) bool {
	return p.Rank() >= 0
}
