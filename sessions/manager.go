package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/computedrules/computed"
	"github.com/liamcoop/computedrules/rules"
	"github.com/liamcoop/computedrules/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRuleSetInactive = errors.New("rule set is not active")
)

// Session is one host store kept up to date by a rule set
type Session struct {
	ID        string
	RuleSetID string
	CreatedAt time.Time

	store        *store.Store
	orchestrator *computed.Orchestrator
}

// State returns the current snapshot, rule results included
func (s *Session) State() store.State {
	return s.store.GetState()
}

// Results returns the current rule results
func (s *Session) Results() rules.Result {
	return rules.Of(s.store.GetState())
}

// Dependencies returns the fields the rule set has read so far
func (s *Session) Dependencies() []string {
	return s.orchestrator.Dependencies().Fields()
}

// Stats returns the orchestrator counters for this session
func (s *Session) Stats() computed.Stats {
	return s.orchestrator.Stats()
}

// Subscribe registers l for every committed change of the session state
func (s *Session) Subscribe(l store.Listener) func() {
	return s.store.Subscribe(l)
}

// compiledRuleSet is a rule set compiled at a given revision
type compiledRuleSet struct {
	updatedAt time.Time
	compiled  *rules.Compiled
}

// Manager owns rule sets and the sessions evaluating them
type Manager struct {
	sessions map[string]*Session
	compiled map[string]compiledRuleSet
	ruleSets rules.RuleSetStore
	cache    rules.RuleSetCache
	engine   rules.Engine
	opts     []computed.Option
	logger   *slog.Logger
	mu       sync.RWMutex
}

// Option configures a Manager
type Option func(*Manager)

// WithCache sets the cache used for the active rule set list
func WithCache(c rules.RuleSetCache) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

// WithEngine sets the rule engine, CEL by default
func WithEngine(e rules.Engine) Option {
	return func(m *Manager) {
		m.engine = e
	}
}

// WithOrchestratorOptions is applied to the orchestrator of every new session
func WithOrchestratorOptions(opts ...computed.Option) Option {
	return func(m *Manager) {
		m.opts = append(m.opts, opts...)
	}
}

// WithLogger sets the logger for session lifecycle events
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a new manager backed by ruleSets
func NewManager(ruleSets rules.RuleSetStore, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		compiled: make(map[string]compiledRuleSet),
		ruleSets: ruleSets,
		cache:    rules.NewInMemoryRuleSetCache(rules.DefaultCacheConfig()),
		engine:   rules.NewCELEngine(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddRuleSet validates and stores a new rule set
func (m *Manager) AddRuleSet(rs *rules.RuleSet) error {
	if rs.ID == "" {
		rs.ID = uuid.NewString()
	}
	if err := rules.ValidateRuleList(rs.Rules); err != nil {
		return err
	}
	if err := m.ruleSets.Add(rs); err != nil {
		return err
	}
	m.cache.Invalidate()
	m.logger.Info("rule set added", "rule_set_id", rs.ID, "rules", len(rs.Rules))
	return nil
}

// UpdateRuleSet validates and replaces a rule set.
// Existing sessions keep the rules they were created with.
func (m *Manager) UpdateRuleSet(rs *rules.RuleSet) error {
	if err := rules.ValidateRuleList(rs.Rules); err != nil {
		return err
	}
	if err := m.ruleSets.Update(rs); err != nil {
		return err
	}
	m.cache.Invalidate()
	m.logger.Info("rule set updated", "rule_set_id", rs.ID, "rules", len(rs.Rules), "active", rs.Active)
	return nil
}

// DeleteRuleSet removes a rule set
func (m *Manager) DeleteRuleSet(id string) error {
	if err := m.ruleSets.Delete(id); err != nil {
		return err
	}
	m.cache.Invalidate()

	m.mu.Lock()
	delete(m.compiled, id)
	m.mu.Unlock()

	m.logger.Info("rule set deleted", "rule_set_id", id)
	return nil
}

// GetRuleSet returns a rule set whether active or not
func (m *Manager) GetRuleSet(id string) (*rules.RuleSet, error) {
	return m.ruleSets.Get(id)
}

// ListRuleSets returns the active rule sets, served from cache when fresh
func (m *Manager) ListRuleSets() ([]*rules.RuleSet, error) {
	if cached := m.cache.Get(); cached != nil {
		return cached, nil
	}

	active, err := m.ruleSets.ListActive()
	if err != nil {
		return nil, fmt.Errorf("failed to list active rule sets: %w", err)
	}
	m.cache.Set(active)
	return active, nil
}

// activeRuleSet finds an active rule set by ID
func (m *Manager) activeRuleSet(id string) (*rules.RuleSet, error) {
	active, err := m.ListRuleSets()
	if err != nil {
		return nil, err
	}
	for _, rs := range active {
		if rs.ID == id {
			return rs, nil
		}
	}

	if _, err := m.ruleSets.Get(id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrRuleSetInactive, id)
}

// compile returns the compiled rules for rs, reusing them while rs is unchanged
func (m *Manager) compile(rs *rules.RuleSet) (*rules.Compiled, error) {
	m.mu.RLock()
	entry, ok := m.compiled[rs.ID]
	m.mu.RUnlock()
	if ok && entry.updatedAt.Equal(rs.UpdatedAt) {
		return entry.compiled, nil
	}

	compiled, err := rules.Compile(m.engine, rs.Rules)
	if err != nil {
		return nil, fmt.Errorf("rule set %s: %w", rs.ID, err)
	}

	m.mu.Lock()
	m.compiled[rs.ID] = compiledRuleSet{updatedAt: rs.UpdatedAt, compiled: compiled}
	m.mu.Unlock()
	return compiled, nil
}

// Create starts a session whose store holds initial and the results of the
// active rule set ruleSetID.
func (m *Manager) Create(ruleSetID string, initial store.State) (*Session, error) {
	rs, err := m.activeRuleSet(ruleSetID)
	if err != nil {
		return nil, err
	}
	compiled, err := m.compile(rs)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	opts := append([]computed.Option{computed.WithName(id), computed.WithLogger(m.logger)}, m.opts...)
	o := computed.New(compiled.ComputeStep(), opts...)

	st, err := store.New(o.Wrap(func(store.SetFunc, store.GetFunc, *store.API) (store.State, error) {
		return initial.Clone(), nil
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	sess := &Session{
		ID:           id,
		RuleSetID:    rs.ID,
		CreatedAt:    time.Now().UTC(),
		store:        st,
		orchestrator: o,
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", id, "rule_set_id", rs.ID, "dependencies", o.Dependencies().Len())
	return sess, nil
}

// Get retrieves a session by ID
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns all sessions ordered by creation time
func (m *Manager) List() []*Session {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		list = append(list, sess)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Update applies patch to the session store and returns the resulting state
func (m *Manager) Update(id string, patch store.Patch) (store.State, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if err := sess.store.SetState(patch); err != nil {
		return nil, err
	}
	return sess.store.GetState(), nil
}

// Delete removes a session
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// Evaluation is the outcome of a one-shot rule set evaluation
type Evaluation struct {
	Results      rules.Result
	Dependencies []string
}

// Evaluate runs an active rule set once against state without creating a session
func (m *Manager) Evaluate(ruleSetID string, state store.State) (*Evaluation, error) {
	rs, err := m.activeRuleSet(ruleSetID)
	if err != nil {
		return nil, err
	}
	compiled, err := m.compile(rs)
	if err != nil {
		return nil, err
	}
	return evaluate(compiled, state)
}

// EvaluateRules compiles list and runs it once against state
func (m *Manager) EvaluateRules(list rules.RuleList, state store.State) (*Evaluation, error) {
	compiled, err := rules.Compile(m.engine, list)
	if err != nil {
		return nil, err
	}
	return evaluate(compiled, state)
}

func evaluate(compiled *rules.Compiled, state store.State) (*Evaluation, error) {
	deps := computed.NewDependencies()
	out, err := computed.Track(state, deps, compiled.ComputeStep())
	if err != nil {
		return nil, err
	}
	return &Evaluation{Results: rules.Of(out), Dependencies: deps.Fields()}, nil
}
