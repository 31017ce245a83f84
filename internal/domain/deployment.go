package domain

import "time"

// Deployment statuses. A row's status sequence is always a prefix of
// pending -> building -> deploying -> {success|failed}. Cancelled is a
// modeled terminal state with no current trigger.
const (
	DeploymentPending   = "pending"
	DeploymentBuilding  = "building"
	DeploymentDeploying = "deploying"
	DeploymentSuccess   = "success"
	DeploymentFailed    = "failed"
	DeploymentCancelled = "cancelled"
)

// Deployment attempt types.
const (
	DeployInitial  = "initial"
	DeployUpdate   = "update"
	DeployRedeploy = "redeploy"
	DeployRollback = "rollback"
)

// TerminalDeploymentStatus reports whether a ledger status is terminal.
// CompletedAt is null exactly while the status is non-terminal.
func TerminalDeploymentStatus(status string) bool {
	switch status {
	case DeploymentSuccess, DeploymentFailed, DeploymentCancelled:
		return true
	}
	return false
}

// Deployment is one ledger row: a single execution of the provisioning or
// redeploy workflow with its own terminal outcome. Rows are never mutated
// after reaching a terminal status.
type Deployment struct {
	ID                  string
	ClientID            string
	Status              string
	Type                string
	RailwayDeploymentID string
	Log                 string
	Error               string
	StartedAt           time.Time
	CompletedAt         *time.Time
}

// DeploymentUpdate captures the mutable fields of a ledger row.
type DeploymentUpdate struct {
	DeploymentID        string
	Status              string
	RailwayDeploymentID string
	Log                 string
	Error               string
	CompletedAt         *time.Time
}
