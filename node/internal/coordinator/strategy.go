package coordinator

import "trinity-symphony-coordination/node/internal/protocol"

// Strategy routes one task category to the deployment best suited for it.
type Strategy struct {
	Preferred protocol.DeploymentID
	Fallbacks []protocol.DeploymentID
	Rationale string
}

// Task categories understood by the routing table. Unknown categories fall
// through to the general-purpose orchestrator.
const (
	CategoryWorkflowExecution   = "workflow_execution"
	CategoryPromptOptimization  = "prompt_optimization"
	CategoryProviderRouting     = "provider_routing"
	CategoryLearningSynthesis   = "learning_synthesis"
	CategoryCostOptimization    = "cost_optimization"
	CategoryOpportunityAnalysis = "opportunity_analysis"
	CategoryVerification        = "verification"
)

var fallbackStrategy = Strategy{
	Preferred: protocol.DeploymentHyperDAGManager,
	Fallbacks: []protocol.DeploymentID{protocol.DeploymentAIPromptManager, protocol.DeploymentMel},
	Rationale: "general-purpose orchestrator absorbs uncategorized work",
}

func defaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		CategoryWorkflowExecution: {
			Preferred: protocol.DeploymentHyperDAGManager,
			Fallbacks: []protocol.DeploymentID{protocol.DeploymentMel},
			Rationale: "DAG engine owns multi-step workflow execution",
		},
		CategoryPromptOptimization: {
			Preferred: protocol.DeploymentAIPromptManager,
			Fallbacks: []protocol.DeploymentID{protocol.DeploymentMel},
			Rationale: "prompt manager holds the template and scoring corpus",
		},
		CategoryProviderRouting: {
			Preferred: protocol.DeploymentAIPromptManager,
			Fallbacks: []protocol.DeploymentID{protocol.DeploymentHyperDAGManager},
			Rationale: "prompt manager tracks live provider latency and cost",
		},
		CategoryLearningSynthesis: {
			Preferred: protocol.DeploymentMel,
			Fallbacks: []protocol.DeploymentID{protocol.DeploymentHyperDAGManager},
			Rationale: "mel aggregates cross-deployment learning signals",
		},
		CategoryCostOptimization: {
			Preferred: protocol.DeploymentMel,
			Fallbacks: []protocol.DeploymentID{protocol.DeploymentAIPromptManager},
			Rationale: "mel maintains the spend model per provider",
		},
		CategoryOpportunityAnalysis: {
			Preferred: protocol.DeploymentHyperDAGManager,
			Fallbacks: []protocol.DeploymentID{protocol.DeploymentMel},
			Rationale: "orchestrator sees the full task graph for gap analysis",
		},
		CategoryVerification: {
			Preferred: protocol.DeploymentAIPromptManager,
			Fallbacks: []protocol.DeploymentID{protocol.DeploymentHyperDAGManager, protocol.DeploymentMel},
			Rationale: "verification reuses the prompt manager scoring pipeline",
		},
	}
}
