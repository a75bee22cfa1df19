package protocol

import "fmt"

// Channel names are static: one inbox per deployment, one broadcast channel
// per message type group. An unmapped enum value is a programming error and
// resolution fails rather than falling back.

const (
	inboxPrefix = "trinity.inbox."

	ChannelBroadcastHeartbeat    = "trinity.broadcast.heartbeat"
	ChannelBroadcastLearning     = "trinity.broadcast.learning"
	ChannelBroadcastOptimization = "trinity.broadcast.optimization"
	ChannelBroadcastGeneral      = "trinity.broadcast.general"
)

func InboxChannel(id DeploymentID) (string, error) {
	if !ValidDeployment(id) {
		return "", fmt.Errorf("no inbox channel for deployment %q", id)
	}
	return inboxPrefix + string(id), nil
}

func BroadcastChannel(t MessageType) (string, error) {
	switch t {
	case TypeHeartbeat:
		return ChannelBroadcastHeartbeat, nil
	case TypeLearningUpdate:
		return ChannelBroadcastLearning, nil
	case TypeOptimizationSync:
		return ChannelBroadcastOptimization, nil
	case TypeTaskAssignment, TypeTaskResult, TypeResourceRequest, TypeProviderStatus, TypeCacheSync:
		return ChannelBroadcastGeneral, nil
	default:
		return "", fmt.Errorf("no broadcast channel for message type %q", t)
	}
}

// BroadcastChannels lists every broadcast channel a deployment subscribes to.
func BroadcastChannels() []string {
	return []string{
		ChannelBroadcastHeartbeat,
		ChannelBroadcastLearning,
		ChannelBroadcastOptimization,
		ChannelBroadcastGeneral,
	}
}
