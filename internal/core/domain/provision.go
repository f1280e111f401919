package domain

import "time"

// ProvisionRequest is the normalized input of a provisioning call.
type ProvisionRequest struct {
	Username         string
	Password         string
	Broker           string
	Email            string
	Phone            string
	Balance          float64
	RiskPerTrade     *float64
	MaxDailyDrawdown *float64
	MaxTotalDrawdown *float64
	MinTradeDuration *int
	MaxTradeDuration *int

	// RunAutomation schedules account setup after the container starts.
	RunAutomation bool
	// Delay overrides the configured wait before automation begins.
	Delay time.Duration
}

// ProvisionResult is what the synchronous phase returns.
type ProvisionResult struct {
	Container   Container
	Username    string
	Balance     float64
	Credentials Credentials
	URL         string
	// TaskID identifies the scheduled automation task, empty when skipped.
	TaskID string
}

// AccountForm carries the merged user fields submitted to the terminal's
// account-creation dialog.
type AccountForm struct {
	Broker  string
	Name    string
	Email   string
	Phone   string
	Balance float64
}

// PasswordChange is a request to rotate the terminal account password.
type PasswordChange struct {
	OldPassword string
	NewPassword string
	Delay       time.Duration
}

// ProvisionState names the steps of the provisioning state machine, used in logs.
type ProvisionState string

const (
	StateRequested           ProvisionState = "requested"
	StatePortAssigned        ProvisionState = "port_assigned"
	StateContainerStarted    ProvisionState = "container_started"
	StateAutomationSkipped   ProvisionState = "automation_skipped"
	StateAutomationPending   ProvisionState = "automation_pending"
	StateAutomationSucceeded ProvisionState = "automation_succeeded"
	StateAutomationFailed    ProvisionState = "automation_failed"
	StateConfigFinalized     ProvisionState = "config_finalized"
)
