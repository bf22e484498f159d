package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleSetStore implements RuleSetStore backed by PostgreSQL.
// Rule lists are stored as JSONB.
type PostgresRuleSetStore struct {
	db *sql.DB
}

// NewPostgresRuleSetStore creates a new PostgreSQL-backed RuleSetStore
func NewPostgresRuleSetStore(db *sql.DB) *PostgresRuleSetStore {
	return &PostgresRuleSetStore{db: db}
}

// Add inserts a new rule set into the database
func (s *PostgresRuleSetStore) Add(rs *RuleSet) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rule_sets WHERE id = $1)
	`, rs.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule set existence: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrRuleSetExists, rs.ID)
	}

	rulesJSON, err := json.Marshal(rs.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	now := time.Now().UTC()
	rs.CreatedAt = now
	rs.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rule_sets (id, name, rules, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rs.ID, rs.Name, rulesJSON, rs.Active, rs.CreatedAt, rs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule set: %w", err)
	}

	return nil
}

// Get retrieves a rule set by ID
func (s *PostgresRuleSetStore) Get(id string) (*RuleSet, error) {
	row := s.db.QueryRow(`
		SELECT id, name, rules, active, created_at, updated_at
		FROM rule_sets
		WHERE id = $1
	`, id)

	rs, err := scanRuleSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleSetNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule set: %w", err)
	}
	return rs, nil
}

// ListActive returns all active rule sets, oldest first
func (s *PostgresRuleSetStore) ListActive() ([]*RuleSet, error) {
	rows, err := s.db.Query(`
		SELECT id, name, rules, active, created_at, updated_at
		FROM rule_sets
		WHERE active = true
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rule sets: %w", err)
	}
	defer rows.Close()

	var list []*RuleSet
	for rows.Next() {
		rs, err := scanRuleSet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule set: %w", err)
		}
		list = append(list, rs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule sets: %w", err)
	}

	return list, nil
}

// Update modifies an existing rule set
func (s *PostgresRuleSetStore) Update(rs *RuleSet) error {
	rulesJSON, err := json.Marshal(rs.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	rs.UpdatedAt = time.Now().UTC()

	err = s.db.QueryRow(`
		UPDATE rule_sets
		SET name = $1, rules = $2, active = $3, updated_at = $4
		WHERE id = $5
		RETURNING created_at
	`, rs.Name, rulesJSON, rs.Active, rs.UpdatedAt, rs.ID).Scan(&rs.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRuleSetNotFound, rs.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule set: %w", err)
	}

	return nil
}

// Delete removes a rule set from the database
func (s *PostgresRuleSetStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rule_sets
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule set: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleSetNotFound, id)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuleSet(row rowScanner) (*RuleSet, error) {
	var (
		rs        RuleSet
		rulesJSON []byte
	)
	if err := row.Scan(&rs.ID, &rs.Name, &rulesJSON, &rs.Active, &rs.CreatedAt, &rs.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rulesJSON, &rs.Rules); err != nil {
		return nil, fmt.Errorf("invalid rules for rule set %s: %w", rs.ID, err)
	}
	return &rs, nil
}
