package rest

import (
	"github.com/davidleathers/card-decision-engine/internal/domain/decision"
	"github.com/davidleathers/card-decision-engine/internal/domain/rules"
	"github.com/davidleathers/card-decision-engine/internal/engine/registry"
)

// Ruleset keys served by the evaluation endpoints.
const (
	RulesetKeyAuth       = "CARD_AUTH"
	RulesetKeyMonitoring = "CARD_MONITORING"
)

// AuthDecisionResponse is the compact envelope the AUTH hot path returns.
type AuthDecisionResponse struct {
	Decision         rules.Action        `json:"decision"`
	EngineMode       decision.EngineMode `json:"engine_mode"`
	EngineErrorCode  string              `json:"engine_error_code,omitempty"`
	RulesetKey       string              `json:"ruleset_key"`
	RulesetVersion   int64               `json:"ruleset_version"`
	DecisionID       string              `json:"decision_id"`
	ProcessingTimeMs float64             `json:"processing_time_ms"`

	OutboxEnqueueTimeMs *float64 `json:"outbox_enqueue_time_ms,omitempty"`
}

func toAuthResponse(dec *decision.Decision) AuthDecisionResponse {
	resp := AuthDecisionResponse{
		Decision:        dec.Decision,
		EngineMode:      dec.EngineMode,
		EngineErrorCode: dec.EngineErrorCode,
		RulesetKey:      dec.RulesetKey,
		RulesetVersion:  dec.RulesetVersion,
		DecisionID:      dec.DecisionID,
	}
	if dec.Timing != nil {
		resp.ProcessingTimeMs = dec.Timing.TotalProcessingTimeMs
		resp.OutboxEnqueueTimeMs = dec.Timing.OutboxEnqueueTimeMs
	}
	return resp
}

// LoadRulesetRequest installs one inline compiled ruleset.
type LoadRulesetRequest struct {
	Country string        `json:"country"`
	Ruleset *rules.Ruleset `json:"ruleset" validate:"required"`
}

// BulkLoadRequest installs several inline compiled rulesets.
type BulkLoadRequest struct {
	Rulesets []LoadRulesetRequest `json:"rulesets" validate:"required,min=1"`
}

// BulkLoadResponse reports how many entries installed.
type BulkLoadResponse struct {
	Loaded int `json:"loaded"`
}

// HotSwapRequest replaces a registered ruleset with a strictly newer version.
// The compiled artifact may be carried inline; otherwise the configured
// loader fetches it.
type HotSwapRequest struct {
	Country    string         `json:"country"`
	RulesetKey string         `json:"ruleset_key" validate:"required"`
	Version    int64          `json:"version" validate:"required,gt=0"`
	Ruleset    *rules.Ruleset `json:"ruleset,omitempty"`
}

// HealthResponse is the liveness payload with the registry view.
type HealthResponse struct {
	Status   string           `json:"status"`
	Rulesets []registry.Entry `json:"rulesets"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the structured error fields.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
