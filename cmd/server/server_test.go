package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/liamcoop/computedrules/computed"
	"github.com/liamcoop/computedrules/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newServer(nil, rules.NewInMemoryRuleSetStore(), Config{Policy: computed.ValueChange})
}

func doJSON(t *testing.T, h http.Handler, method, url string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

var thresholdRules = map[string]any{
	"rule_01": map[string]any{
		"connector": "and",
		"rules": []any{
			map[string]any{"type": "number", "field": "count", "operator": "greater_than_or_equal_to", "value": 10},
		},
	},
}

func createRuleSet(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/rulesets", map[string]any{
		"name":  "threshold",
		"rules": thresholdRules,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rs := decode[rules.RuleSet](t, rec)
	require.NotEmpty(t, rs.ID)
	return rs.ID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "value", health.Policy)
}

func TestRuleSetCRUD(t *testing.T) {
	s := newTestServer(t)
	id := createRuleSet(t, s)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/rulesets/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rs := decode[rules.RuleSet](t, rec)
	assert.Equal(t, "threshold", rs.Name)
	assert.True(t, rs.Active)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/rulesets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[RuleSetsListResponse](t, rec).RuleSets, 1)

	inactive := false
	rec = doJSON(t, s, http.MethodPut, "/api/v1/rulesets/"+id, map[string]any{
		"name":   "threshold-v2",
		"rules":  thresholdRules,
		"active": &inactive,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, s, http.MethodGet, "/api/v1/rulesets", nil)
	assert.Empty(t, decode[RuleSetsListResponse](t, rec).RuleSets)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/rulesets/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/rulesets/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRuleSetValidation(t *testing.T) {
	s := newTestServer(t)

	testCases := []struct {
		name   string
		body   any
		status int
	}{
		{"missing name", map[string]any{"rules": thresholdRules}, http.StatusBadRequest},
		{"empty rules", map[string]any{"name": "x", "rules": map[string]any{}}, http.StatusUnprocessableEntity},
		{"bad operator", map[string]any{"name": "x", "rules": map[string]any{
			"r": map[string]any{"connector": "and", "rules": []any{
				map[string]any{"type": "boolean", "field": "b", "operator": "greater_than", "value": true},
			}},
		}}, http.StatusUnprocessableEntity},
		{"malformed", "not an object", http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, s, http.MethodPost, "/api/v1/rulesets", tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	ruleSetID := createRuleSet(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/sessions", map[string]any{
		"ruleSetId": ruleSetID,
		"state":     map[string]any{"count": 1, "name": "player"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decode[SessionResponse](t, rec)
	assert.Equal(t, rules.Result{"rule_01": false}, sess.Results)
	assert.Equal(t, []string{"count"}, sess.Dependencies)

	rec = doJSON(t, s, http.MethodPatch, "/api/v1/sessions/"+sess.ID+"/state", map[string]any{"count": 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[SessionResponse](t, rec)
	assert.Equal(t, rules.Result{"rule_01": true}, updated.Results)
	assert.Equal(t, float64(10), updated.State["count"])

	rec = doJSON(t, s, http.MethodPatch, "/api/v1/sessions/"+sess.ID+"/state", map[string]any{"name": "hero"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated = decode[SessionResponse](t, rec)
	assert.Equal(t, "hero", updated.State["name"])
	assert.Equal(t, computed.Stats{Computations: 2, Skips: 1}, updated.Stats)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[SessionsListResponse](t, rec).Sessions, 1)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionErrors(t *testing.T) {
	s := newTestServer(t)
	ruleSetID := createRuleSet(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/sessions", map[string]any{"state": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/sessions", map[string]any{"ruleSetId": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// a missing field leaves the rule false
	rec = doJSON(t, s, http.MethodPost, "/api/v1/sessions", map[string]any{
		"ruleSetId": ruleSetID,
		"state":     map[string]any{},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, rules.Result{"rule_01": false}, decode[SessionResponse](t, rec).Results)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/sessions", map[string]any{
		"ruleSetId": ruleSetID,
		"state":     map[string]any{"count": 1},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := decode[SessionResponse](t, rec)

	rec = doJSON(t, s, http.MethodPatch, "/api/v1/sessions/"+sess.ID+"/state", map[string]any{"count": "ten"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, rules.Result{"rule_01": false}, decode[SessionResponse](t, rec).Results)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/sessions/"+sess.ID+"/state", strings.NewReader("null"))
	nullRec := httptest.NewRecorder()
	s.ServeHTTP(nullRec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, nullRec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[SessionResponse](t, rec)
	assert.Equal(t, "ten", got.State["count"])
	assert.Equal(t, int64(1), got.Stats.Failures)
}

func TestEvaluate(t *testing.T) {
	s := newTestServer(t)
	ruleSetID := createRuleSet(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", map[string]any{
		"ruleSetId": ruleSetID,
		"state":     map[string]any{"count": 12},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ev := decode[EvaluateResponse](t, rec)
	assert.Equal(t, rules.Result{"rule_01": true}, ev.Results)
	assert.Equal(t, []string{"count"}, ev.Dependencies)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/evaluate", map[string]any{
		"rules": map[string]any{
			"champion": map[string]any{
				"connector": "and",
				"rules": []any{
					map[string]any{"type": "number", "field": "points", "operator": "greater_than_or_equal_to", "value": 50},
					map[string]any{"type": "boolean", "field": "beatFinalBoss", "operator": "is_true"},
				},
			},
		},
		"state": map[string]any{"points": 20, "beatFinalBoss": true},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ev = decode[EvaluateResponse](t, rec)
	assert.Equal(t, rules.Result{"champion": false}, ev.Results)
	assert.Equal(t, []string{"points"}, ev.Dependencies)
}

func TestEvaluateRequestValidation(t *testing.T) {
	s := newTestServer(t)

	testCases := []struct {
		name string
		body map[string]any
	}{
		{"no state", map[string]any{"ruleSetId": "x"}},
		{"neither rule set nor rules", map[string]any{"state": map[string]any{}}},
		{"both rule set and rules", map[string]any{"ruleSetId": "x", "rules": thresholdRules, "state": map[string]any{}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	ruleSetID := createRuleSet(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/sessions", map[string]any{
		"ruleSetId": ruleSetID,
		"state":     map[string]any{"count": 1},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `computedrules_orchestrator_events_total{outcome="initial"} 1`)
	assert.Contains(t, body, "computedrules_http_4xx_total")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(rules.ErrRuleSetNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(rules.ErrRuleSetExists))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(computed.ErrInvalidUpdate))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("GATE_POLICY", "keys")
	t.Setenv("RULESET_CACHE_TTL", "30s")
	t.Setenv("OTEL_ENABLED", "TRUE")
	t.Setenv("OTEL_SERVICE_NAME", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.OTELEnabled)
	assert.Equal(t, "computedrules", cfg.ServiceName)
	assert.Equal(t, computed.KeyMembership, cfg.Policy)
	assert.Equal(t, "30s", cfg.CacheTTL.String())

	t.Setenv("GATE_POLICY", "sometimes")
	_, err = LoadConfig()
	assert.Error(t, err)

	t.Setenv("GATE_POLICY", "")
	t.Setenv("RULESET_CACHE_TTL", "soon")
	_, err = LoadConfig()
	assert.Error(t, err)
}
