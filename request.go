package dsr

import "time"

// Rule is one configured rule of a policy. Its action type decides which
// graphs a request needs; its data categories drive access output filtering.
type Rule struct {
	Key             string     `json:"key"`
	ActionType      ActionType `json:"action_type"`
	DataCategories  []string   `json:"data_categories,omitempty"`
	MaskingStrategy string     `json:"masking_strategy,omitempty"`
}

// Policy is the set of rules attached to a privacy request.
type Policy struct {
	Key   string `json:"key"`
	Rules []Rule `json:"rules"`
}

// RulesFor returns the rules configured for the given action type.
func (p Policy) RulesFor(action ActionType) []Rule {
	var rules []Rule
	for _, r := range p.Rules {
		if r.ActionType == action {
			rules = append(rules, r)
		}
	}
	return rules
}

// ActionTypes returns the distinct action types the policy requires,
// in the fixed order access, erasure, consent.
func (p Policy) ActionTypes() []ActionType {
	var actions []ActionType
	for _, a := range []ActionType{ActionAccess, ActionErasure, ActionConsent} {
		if len(p.RulesFor(a)) > 0 {
			actions = append(actions, a)
		}
	}
	return actions
}

// PrivacyRequest is one data subject request. Identity holds the seed values
// (e.g. {"email": "x@example.com"}) the traversal starts from. The policy is
// snapshotted onto the request so later runs are independent of policy edits.
type PrivacyRequest struct {
	ID        string            `json:"id"`
	Status    RequestStatus     `json:"status"`
	Identity  map[string]string `json:"identity"`
	Policy    Policy            `json:"policy"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// IdentityRow returns the seed identity as a single row, the payload carried
// by the root task of the access and consent graphs.
func (r *PrivacyRequest) IdentityRow() Row {
	row := Row{}
	for k, v := range r.Identity {
		row[k] = v
	}
	return row
}
