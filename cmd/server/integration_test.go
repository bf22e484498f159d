//go:build integration

package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/liamcoop/computedrules/rules"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a PostgreSQL testcontainer and runs migrations
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	migrationSQL, err := os.ReadFile("../../migrations/000001_initial_schema.up.sql")
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgres.Terminate(ctx)
	}

	return db, cleanup
}

// TestEndToEnd_RuleSetSessionLifecycle tests the complete workflow:
// 1. Create rule set (persisted in Postgres)
// 2. Start session
// 3. Patch tracked and untracked fields
// 4. Evaluate one-shot
func TestEndToEnd_RuleSetSessionLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	server := newServer(db, rules.NewPostgresRuleSetStore(db), Config{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	baseURL := ts.URL + "/api/v1"

	t.Log("Step 1: Creating rule set...")
	ruleSetResp := makeRequest(t, "POST", baseURL+"/rulesets", map[string]interface{}{
		"name": "achievements",
		"rules": map[string]interface{}{
			"novice": map[string]interface{}{
				"connector": "and",
				"rules": []interface{}{
					map[string]interface{}{"type": "number", "field": "points", "operator": "greater_than_or_equal_to", "value": 10},
				},
			},
		},
	})
	ruleSetID := ruleSetResp["id"].(string)

	var stored int
	if err := db.QueryRow(`SELECT COUNT(*) FROM rule_sets WHERE id = $1`, ruleSetID).Scan(&stored); err != nil {
		t.Fatalf("Failed to query rule_sets: %v", err)
	}
	if stored != 1 {
		t.Fatalf("Expected rule set to be persisted, found %d rows", stored)
	}

	t.Log("Step 2: Starting session...")
	sessionResp := makeRequest(t, "POST", baseURL+"/sessions", map[string]interface{}{
		"ruleSetId": ruleSetID,
		"state":     map[string]interface{}{"points": 0, "nickname": "p1"},
	})
	sessionID := sessionResp["id"].(string)
	if sessionResp["results"].(map[string]interface{})["novice"] != false {
		t.Errorf("Expected novice=false initially, got %v", sessionResp["results"])
	}

	t.Log("Step 3: Patching state...")
	patched := makeRequest(t, "PATCH", baseURL+"/sessions/"+sessionID+"/state", map[string]interface{}{"points": 15})
	if patched["results"].(map[string]interface{})["novice"] != true {
		t.Errorf("Expected novice=true after 15 points, got %v", patched["results"])
	}

	patched = makeRequest(t, "PATCH", baseURL+"/sessions/"+sessionID+"/state", map[string]interface{}{"nickname": "p2"})
	stats := patched["stats"].(map[string]interface{})
	if stats["skips"] != float64(1) {
		t.Errorf("Expected untracked update to skip recomputation, stats = %v", stats)
	}

	t.Log("Step 4: One-shot evaluation...")
	evalResp := makeRequest(t, "POST", baseURL+"/evaluate", map[string]interface{}{
		"ruleSetId": ruleSetID,
		"state":     map[string]interface{}{"points": 3},
	})
	if evalResp["results"].(map[string]interface{})["novice"] != false {
		t.Errorf("Expected novice=false for 3 points, got %v", evalResp["results"])
	}
}

// Helper function to make HTTP requests with JSON body
func makeRequest(t *testing.T, method, url string, body interface{}) map[string]interface{} {
	resp, err := makeHTTPRequest(method, url, body)
	if err != nil {
		t.Fatalf("Failed to make %s request to %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	return result
}

// Helper function to make raw HTTP requests
func makeHTTPRequest(method, url string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}
