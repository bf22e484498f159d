package main

import (
	"time"

	"github.com/liamcoop/computedrules/computed"
	"github.com/liamcoop/computedrules/rules"
	"github.com/liamcoop/computedrules/sessions"
	"github.com/liamcoop/computedrules/store"
)

// API Request and Response Models

// RuleSetRequest is the body for creating or replacing a rule set
type RuleSetRequest struct {
	Name   string         `json:"name" example:"achievements"`
	Rules  rules.RuleList `json:"rules"`
	Active *bool          `json:"active,omitempty" example:"true"`
}

func (req RuleSetRequest) toRuleSet(id string) *rules.RuleSet {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return &rules.RuleSet{
		ID:     id,
		Name:   req.Name,
		Rules:  req.Rules,
		Active: active,
	}
}

// RuleSetsListResponse represents the response for listing active rule sets
type RuleSetsListResponse struct {
	RuleSets []*rules.RuleSet `json:"ruleSets"`
}

// CreateSessionRequest is the body for starting a session
type CreateSessionRequest struct {
	RuleSetID string      `json:"ruleSetId" example:"123e4567-e89b-12d3-a456-426614174000"`
	State     store.State `json:"state"`
}

// SessionResponse represents a session in API responses
type SessionResponse struct {
	ID           string         `json:"id"`
	RuleSetID    string         `json:"ruleSetId"`
	State        store.State    `json:"state"`
	Results      rules.Result   `json:"results"`
	Dependencies []string       `json:"dependencies"`
	Stats        computed.Stats `json:"stats"`
	CreatedAt    time.Time      `json:"createdAt" example:"2024-01-15T10:30:00Z"`
}

func newSessionResponse(sess *sessions.Session) SessionResponse {
	return SessionResponse{
		ID:           sess.ID,
		RuleSetID:    sess.RuleSetID,
		State:        sess.State(),
		Results:      sess.Results(),
		Dependencies: sess.Dependencies(),
		Stats:        sess.Stats(),
		CreatedAt:    sess.CreatedAt,
	}
}

// SessionsListResponse represents the response for listing sessions
type SessionsListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// EvaluateRequest evaluates either a stored rule set or an inline rule list
type EvaluateRequest struct {
	RuleSetID string         `json:"ruleSetId,omitempty"`
	Rules     rules.RuleList `json:"rules,omitempty"`
	State     store.State    `json:"state"`
}

// EvaluateResponse represents the response for a one-shot evaluation
type EvaluateResponse struct {
	Results        rules.Result `json:"results"`
	Dependencies   []string     `json:"dependencies"`
	EvaluationTime string       `json:"evaluationTime" example:"120µs"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"failed to add rule set"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status" example:"healthy"`
	Sessions int    `json:"sessions"`
	Policy   string `json:"policy,omitempty" example:"value"`
	Error    string `json:"error,omitempty"`
}
