package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/card-decision-engine/internal/domain/decision"
	"github.com/davidleathers/card-decision-engine/internal/domain/rules"
	"github.com/davidleathers/card-decision-engine/internal/engine/evaluator"
	"github.com/davidleathers/card-decision-engine/internal/engine/registry"
	"github.com/davidleathers/card-decision-engine/internal/events"
	"github.com/davidleathers/card-decision-engine/internal/infrastructure/metrics"
	"github.com/davidleathers/card-decision-engine/internal/outbox"
)

type handlerFixture struct {
	handler  *Handler
	registry *registry.Registry
	producer *events.MemoryProducer
	mux      *http.ServeMux
}

func newFixture(t *testing.T) *handlerFixture {
	t.Helper()

	logger := zaptest.NewLogger(t)
	reg := registry.New(nil, logger)
	eval := evaluator.New(nil, logger, metrics.NewUnregistered(), evaluator.DebugConfig{})
	producer := events.NewMemoryProducer(logger)
	publisher := events.NewDecisionPublisher(producer, events.DefaultPublisherConfig(), logger)

	h := NewHandler(reg, eval, nil, publisher, logger)
	mux := http.NewServeMux()
	h.Register(mux)

	return &handlerFixture{handler: h, registry: reg, producer: producer, mux: mux}
}

func (f *handlerFixture) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func declineOver100() *rules.Ruleset {
	return &rules.Ruleset{
		Key:            RulesetKeyAuth,
		Version:        1,
		EvaluationType: rules.EvaluationAuth,
		Rules: []rules.Rule{
			{ID: "high-amount", Priority: 10, Enabled: true, Action: rules.ActionDecline,
				Conditions: []rules.Condition{{Field: "amount", Operator: rules.OpGt, Value: 100}}},
		},
	}
}

func monitoringEcho() *rules.Ruleset {
	return &rules.Ruleset{
		Key:            RulesetKeyMonitoring,
		Version:        1,
		EvaluationType: rules.EvaluationMonitoring,
		Rules: []rules.Rule{
			{ID: "watch-eur", Priority: 10, Enabled: true, Action: rules.ActionReview,
				Conditions: []rules.Condition{{Field: "currency", Operator: rules.OpEq, Value: "EUR"}}},
		},
	}
}

func authBody(amount string) map[string]interface{} {
	return map[string]interface{}{
		"transaction_id": "tx-1",
		"occurred_at":    "2026-08-20T10:00:00Z",
		"amount":         amount,
		"currency":       "EUR",
		"country_code":   "DE",
		"card_hash":      "card-a",
	}
}

func TestHandleEvaluateAuth(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register("global", declineOver100()))

	t.Run("matched rule declines", func(t *testing.T) {
		rec := f.post(t, "/v1/evaluate/auth", authBody("250"))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp AuthDecisionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, rules.ActionDecline, resp.Decision)
		assert.Equal(t, decision.ModeNormal, resp.EngineMode)
		assert.Equal(t, RulesetKeyAuth, resp.RulesetKey)
		assert.Equal(t, int64(1), resp.RulesetVersion)
		assert.NotEmpty(t, resp.DecisionID)
	})

	t.Run("no match approves", func(t *testing.T) {
		rec := f.post(t, "/v1/evaluate/auth", authBody("50"))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp AuthDecisionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, rules.ActionApprove, resp.Decision)
		assert.Equal(t, decision.ModeNormal, resp.EngineMode)
	})

	t.Run("country ruleset preferred over global", func(t *testing.T) {
		countryRS := declineOver100()
		countryRS.Version = 7
		countryRS.Rules[0].Action = rules.ActionReview
		require.NoError(t, f.registry.Register("DE", countryRS))

		rec := f.post(t, "/v1/evaluate/auth", authBody("250"))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp AuthDecisionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, rules.ActionReview, resp.Decision)
		assert.Equal(t, int64(7), resp.RulesetVersion)
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate/auth", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()
		f.mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing transaction id is 400", func(t *testing.T) {
		body := authBody("250")
		delete(body, "transaction_id")
		rec := f.post(t, "/v1/evaluate/auth", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleEvaluateAuth_RulesetNotLoadedFailsOpen(t *testing.T) {
	logger := zaptest.NewLogger(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	stream, err := outbox.NewStream(context.Background(), client, outbox.DefaultStreamConfig(), logger)
	require.NoError(t, err)

	dispatcher := outbox.NewDispatcher(stream, outbox.DispatcherConfig{
		QueueSize:      4,
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, logger, metrics.NewUnregistered())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)

	// Empty registry: no CARD_AUTH ruleset anywhere.
	reg := registry.New(nil, logger)
	eval := evaluator.New(nil, logger, metrics.NewUnregistered(), evaluator.DebugConfig{})
	h := NewHandler(reg, eval, dispatcher, nil, logger)
	mux := http.NewServeMux()
	h.Register(mux)
	f := &handlerFixture{handler: h, registry: reg, mux: mux}

	rec := f.post(t, "/v1/evaluate/auth", authBody("250"))
	require.Equal(t, http.StatusOK, rec.Code, "missing ruleset is not a request failure")

	var resp AuthDecisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, rules.ActionApprove, resp.Decision)
	assert.Equal(t, decision.ModeFailOpen, resp.EngineMode)
	assert.Equal(t, "RULESET_NOT_LOADED", resp.EngineErrorCode)

	// The fail-open outcome is persisted like any other AUTH decision.
	streamName := outbox.DefaultStreamConfig().Stream
	require.Eventually(t, func() bool {
		n, err := client.XLen(context.Background(), streamName).Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := stream.ReadBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var record outbox.Record
	require.NoError(t, json.Unmarshal(entries[0].Payload, &record))
	assert.Equal(t, "tx-1", record.Transaction.TransactionID)
	assert.Equal(t, decision.ModeFailOpen, record.AuthDecision.EngineMode)
	assert.Equal(t, "RULESET_NOT_LOADED", record.AuthDecision.EngineErrorCode)
}

func TestHandleEvaluateAuth_OutboxUnavailableIs503(t *testing.T) {
	logger := zaptest.NewLogger(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	stream, err := outbox.NewStream(context.Background(), client, outbox.DefaultStreamConfig(), logger)
	require.NoError(t, err)

	dispatcher := outbox.NewDispatcher(stream, outbox.DispatcherConfig{
		QueueSize:      4,
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, logger, metrics.NewUnregistered())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)

	reg := registry.New(nil, logger)
	require.NoError(t, reg.Register("global", declineOver100()))
	eval := evaluator.New(nil, logger, metrics.NewUnregistered(), evaluator.DebugConfig{})
	h := NewHandler(reg, eval, dispatcher, nil, logger)
	mux := http.NewServeMux()
	h.Register(mux)
	f := &handlerFixture{handler: h, registry: reg, mux: mux}

	// Healthy outbox: evaluation runs and the decision reaches the stream.
	rec := f.post(t, "/v1/evaluate/auth", authBody("250"))
	require.Equal(t, http.StatusOK, rec.Code)

	var okResp AuthDecisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &okResp))
	require.NotNil(t, okResp.OutboxEnqueueTimeMs, "outbox handoff time is reported")
	assert.GreaterOrEqual(t, *okResp.OutboxEnqueueTimeMs, 0.0)

	// Kill the store and trip the unavailable flag.
	mr.Close()
	rec = f.post(t, "/v1/evaluate/auth", authBody("250"))
	require.Equal(t, http.StatusOK, rec.Code, "flag trips only after the retry budget is spent")
	require.Eventually(t, dispatcher.Unavailable, 2*time.Second, 10*time.Millisecond)

	rec = f.post(t, "/v1/evaluate/auth", authBody("250"))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp AuthDecisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	// Even the 503 carries a fail-open APPROVE the caller may use.
	assert.Equal(t, rules.ActionApprove, resp.Decision)
	assert.Equal(t, decision.ModeFailOpen, resp.EngineMode)
	assert.Equal(t, "OUTBOX_UNAVAILABLE", resp.EngineErrorCode)
}

func TestHandleEvaluateMonitoring(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register("global", monitoringEcho()))

	t.Run("echoes upstream decision with matches", func(t *testing.T) {
		body := authBody("250")
		body["decision"] = "decline"
		rec := f.post(t, "/v1/evaluate/monitoring", body)
		require.Equal(t, http.StatusOK, rec.Code)

		var dec decision.Decision
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
		assert.Equal(t, rules.ActionDecline, dec.Decision)
		assert.Equal(t, decision.ModeNormal, dec.EngineMode)
		require.Len(t, dec.MatchedRules, 1)
		assert.Equal(t, "watch-eur", dec.MatchedRules[0].RuleID)

		// The decision was on the bus before the response went out.
		require.Len(t, f.producer.Messages(), 1)
	})

	t.Run("missing decision is 400", func(t *testing.T) {
		rec := f.post(t, "/v1/evaluate/monitoring", authBody("250"))
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "MISSING_DECISION", resp.Error.Code)
	})

	t.Run("review decision is 400", func(t *testing.T) {
		body := authBody("250")
		body["decision"] = "REVIEW"
		rec := f.post(t, "/v1/evaluate/monitoring", body)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_DECISION", resp.Error.Code)
	})

	t.Run("garbage decision is 400", func(t *testing.T) {
		body := authBody("250")
		body["decision"] = "MAYBE"
		rec := f.post(t, "/v1/evaluate/monitoring", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleEvaluateMonitoring_PublishFailureDegrades(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register("global", monitoringEcho()))
	require.NoError(t, f.producer.Close())

	body := authBody("250")
	body["decision"] = "DECLINE"
	rec := f.post(t, "/v1/evaluate/monitoring", body)
	require.Equal(t, http.StatusOK, rec.Code, "publish failure is not a request failure")

	var dec decision.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
	assert.Equal(t, rules.ActionDecline, dec.Decision, "upstream decision still echoed")
	assert.Equal(t, decision.ModeDegraded, dec.EngineMode)
	assert.Equal(t, "EVENT_PUBLISH_FAILED", dec.EngineErrorCode)
	require.Len(t, dec.MatchedRules, 1)
	assert.Equal(t, "watch-eur", dec.MatchedRules[0].RuleID)
}

func TestHandleLoadRuleset(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/rulesets/load", LoadRulesetRequest{
		Country: "de",
		Ruleset: declineOver100(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, f.registry.Get("DE", RulesetKeyAuth))

	t.Run("invalid ruleset rejected", func(t *testing.T) {
		bad := declineOver100()
		bad.Version = 0
		rec := f.post(t, "/v1/rulesets/load", LoadRulesetRequest{Country: "de", Ruleset: bad})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing ruleset rejected", func(t *testing.T) {
		rec := f.post(t, "/v1/rulesets/load", LoadRulesetRequest{Country: "de"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleBulkLoad(t *testing.T) {
	f := newFixture(t)

	monitoring := monitoringEcho()
	bad := declineOver100()
	bad.Key = ""

	rec := f.post(t, "/v1/rulesets/bulk-load", BulkLoadRequest{
		Rulesets: []LoadRulesetRequest{
			{Country: "global", Ruleset: declineOver100()},
			{Country: "global", Ruleset: monitoring},
			{Country: "DE", Ruleset: bad},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BulkLoadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Loaded)
}

func TestHandleHotSwap(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register("DE", declineOver100()))

	next := declineOver100()
	next.Version = 2

	rec := f.post(t, "/v1/rulesets/hotswap", HotSwapRequest{
		Country:    "DE",
		RulesetKey: RulesetKeyAuth,
		Version:    2,
		Ruleset:    next,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result registry.HotSwapResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, int64(2), f.registry.Get("DE", RulesetKeyAuth).Version)

	t.Run("stale version is 409", func(t *testing.T) {
		rec := f.post(t, "/v1/rulesets/hotswap", HotSwapRequest{
			Country:    "DE",
			RulesetKey: RulesetKeyAuth,
			Version:    2,
			Ruleset:    next,
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown cell is 404", func(t *testing.T) {
		rec := f.post(t, "/v1/rulesets/hotswap", HotSwapRequest{
			Country:    "FR",
			RulesetKey: RulesetKeyAuth,
			Version:    3,
			Ruleset:    next,
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register("global", declineOver100()))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Rulesets, 1)
	assert.Equal(t, RulesetKeyAuth, resp.Rulesets[0].Key)
}
