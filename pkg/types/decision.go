package types

// Action is the charging command sent to a vehicle.
type Action string

const (
	ActionStart Action = "START"
	ActionStop  Action = "STOP"
)

// Rule identifies which policy rule produced a decision.
type Rule string

const (
	RuleOverride      Rule = "override"
	RuleEmergency     Rule = "emergency"
	RuleBonus         Rule = "bonus"
	RuleOptimalWindow Rule = "optimal_window"
	RuleDefault       Rule = "default"
)

// Decision represents the result of the decision logic.
type Decision struct {
	Action      Action `json:"action"`
	Rule        Rule   `json:"rule"`
	Explanation string `json:"explanation"`
}
