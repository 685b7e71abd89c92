package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
)

// PostgresGateway implements Gateway using PostgreSQL
type PostgresGateway struct {
	db *sql.DB
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	URL      string // full DSN; takes precedence over the fields below
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DefaultPostgresConfig returns default PostgreSQL configuration
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:    "localhost",
		Port:    5432,
		User:    "postgres",
		DBName:  "conditions_agent",
		SSLMode: "disable",
	}
}

// DSN returns the lib/pq connection string.
func (c *PostgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// NewPostgresGateway connects and pings the database. Call Migrate to create
// the schema.
func NewPostgresGateway(ctx context.Context, config *PostgresConfig) (*PostgresGateway, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return &PostgresGateway{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS agent_executions (
	execution_id UUID PRIMARY KEY,
	loan_guid VARCHAR(255) NOT NULL,
	trace_id VARCHAR(255),
	workflow VARCHAR(50) NOT NULL DEFAULT 'linear',
	status VARCHAR(50) NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd NUMERIC(10, 4) NOT NULL DEFAULT 0,
	latency_ms BIGINT,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agent_executions_loan_guid ON agent_executions(loan_guid);
CREATE INDEX IF NOT EXISTS idx_agent_executions_status ON agent_executions(status);

CREATE TABLE IF NOT EXISTS condition_evaluations (
	evaluation_id UUID PRIMARY KEY,
	execution_id UUID NOT NULL REFERENCES agent_executions(execution_id) ON DELETE CASCADE,
	condition_id VARCHAR(255) NOT NULL,
	condition_text TEXT NOT NULL,
	result VARCHAR(50) NOT NULL,
	confidence NUMERIC(3, 2),
	model_used VARCHAR(100),
	reasoning TEXT,
	citations JSONB,
	priority VARCHAR(20),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_condition_evaluations_execution ON condition_evaluations(execution_id);
CREATE INDEX IF NOT EXISTS idx_condition_evaluations_result ON condition_evaluations(result);

CREATE TABLE IF NOT EXISTS rm_feedback (
	feedback_id UUID PRIMARY KEY,
	evaluation_id UUID NOT NULL REFERENCES condition_evaluations(evaluation_id) ON DELETE CASCADE,
	rm_user_id VARCHAR(255) NOT NULL,
	feedback_type VARCHAR(50) NOT NULL,
	corrected_result VARCHAR(50),
	notes TEXT,
	submitted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_rm_feedback_evaluation ON rm_feedback(evaluation_id);

CREATE TABLE IF NOT EXISTS loan_state (
	loan_guid VARCHAR(255) PRIMARY KEY,
	current_status VARCHAR(50) NOT NULL,
	last_execution_id UUID REFERENCES agent_executions(execution_id),
	conditions_count INTEGER NOT NULL DEFAULT 0,
	satisfied_count INTEGER NOT NULL DEFAULT 0,
	unsatisfied_count INTEGER NOT NULL DEFAULT 0,
	uncertain_count INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS business_rules (
	rule_id UUID PRIMARY KEY,
	rule_name VARCHAR(255) NOT NULL UNIQUE,
	rule_type VARCHAR(50) NOT NULL,
	rule_config JSONB NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	priority INTEGER NOT NULL DEFAULT 0,
	description TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_business_rules_active ON business_rules(active);
`

// Migrate creates the tables if they don't exist
func (s *PostgresGateway) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// CreateExecution inserts a running execution record
func (s *PostgresGateway) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return fmt.Errorf("execution cannot be nil")
	}
	if exec.ExecutionID == "" {
		exec.ExecutionID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = "running"
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	if exec.Workflow == "" {
		exec.Workflow = "linear"
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO agent_executions (execution_id, loan_guid, trace_id, workflow, status, started_at)
	VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		exec.ExecutionID, exec.LoanID, exec.TraceID, exec.Workflow, exec.Status, exec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

const executionColumns = `execution_id, loan_guid, COALESCE(trace_id, ''), workflow, status, started_at,
	completed_at, total_tokens, cost_usd, COALESCE(latency_ms, 0), COALESCE(error_message, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		exec      Execution
		completed sql.NullTime
	)
	err := row.Scan(&exec.ExecutionID, &exec.LoanID, &exec.TraceID, &exec.Workflow, &exec.Status,
		&exec.StartedAt, &completed, &exec.TotalTokens, &exec.CostUSD, &exec.LatencyMS, &exec.ErrorMessage)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		exec.CompletedAt = completed.Time
	}
	return &exec, nil
}

// UpdateExecutionStatus sets the final status, completion time and metrics
func (s *PostgresGateway) UpdateExecutionStatus(ctx context.Context, executionID string, update ExecutionUpdate) (*Execution, error) {
	completed := update.CompletedAt
	if completed.IsZero() {
		completed = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
	UPDATE agent_executions SET
		status = $2,
		completed_at = $3,
		error_message = COALESCE(NULLIF($4, ''), error_message),
		total_tokens = COALESCE($5, total_tokens),
		cost_usd = COALESCE($6, cost_usd),
		latency_ms = COALESCE($7, latency_ms),
		updated_at = now()
	WHERE execution_id = $1
	RETURNING `+executionColumns,
		executionID, update.Status, completed, update.Error,
		update.TotalTokens, update.CostUSD, update.LatencyMS)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", executionID, errorskg.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}
	return exec, nil
}

// GetExecution retrieves an execution by ID
func (s *PostgresGateway) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	if _, err := uuid.Parse(executionID); err != nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, errorskg.ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM agent_executions WHERE execution_id = $1`, executionID)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", executionID, errorskg.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// CreateEvaluations inserts all records in one transaction
func (s *PostgresGateway) CreateEvaluations(ctx context.Context, executionID string, evals []conditions.Evaluation) ([]conditions.Evaluation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO condition_evaluations
		(evaluation_id, execution_id, condition_id, condition_text, result, confidence,
		 model_used, reasoning, citations, priority, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, NULLIF($10, ''), $11)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	out := make([]conditions.Evaluation, 0, len(evals))
	for _, e := range evals {
		e.EvaluationID = uuid.NewString()
		e.ExecutionID = executionID
		e.CreatedAt = now
		if e.Citations == nil {
			e.Citations = []string{}
		}
		citations, err := json.Marshal(e.Citations)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal citations: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.EvaluationID, executionID, e.ConditionID, e.ConditionText,
			string(e.Result), e.Confidence, e.ModelUsed, e.Reasoning, string(citations), e.Priority, e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to insert evaluation %s: %w", e.ConditionID, err)
		}
		out = append(out, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit evaluations: %w", err)
	}
	return out, nil
}

// ListEvaluations returns the evaluations of an execution in insertion order
func (s *PostgresGateway) ListEvaluations(ctx context.Context, executionID string) ([]conditions.Evaluation, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT evaluation_id, execution_id, condition_id, condition_text, result, COALESCE(confidence, 0),
		COALESCE(model_used, ''), COALESCE(reasoning, ''), COALESCE(citations, '[]'::jsonb),
		COALESCE(priority, ''), created_at
	FROM condition_evaluations
	WHERE execution_id = $1
	ORDER BY created_at, condition_id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	evals := make([]conditions.Evaluation, 0)
	for rows.Next() {
		var (
			e         conditions.Evaluation
			result    string
			citations []byte
		)
		if err := rows.Scan(&e.EvaluationID, &e.ExecutionID, &e.ConditionID, &e.ConditionText, &result,
			&e.Confidence, &e.ModelUsed, &e.Reasoning, &citations, &e.Priority, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		e.Result = conditions.Result(result)
		if err := json.Unmarshal(citations, &e.Citations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal citations: %w", err)
		}
		evals = append(evals, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evaluations: %w", err)
	}
	return evals, nil
}

// RecordFeedback inserts a reviewer feedback record
func (s *PostgresGateway) RecordFeedback(ctx context.Context, fb *Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	if _, err := uuid.Parse(fb.EvaluationID); err != nil {
		return fmt.Errorf("evaluation %s: %w", fb.EvaluationID, errorskg.ErrNotFound)
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM condition_evaluations WHERE evaluation_id = $1)`,
		fb.EvaluationID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up evaluation: %w", err)
	}
	if !exists {
		return fmt.Errorf("evaluation %s: %w", fb.EvaluationID, errorskg.ErrNotFound)
	}

	if fb.FeedbackID == "" {
		fb.FeedbackID = uuid.NewString()
	}
	if fb.SubmittedAt.IsZero() {
		fb.SubmittedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO rm_feedback (feedback_id, evaluation_id, rm_user_id, feedback_type, corrected_result, notes, submitted_at)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`,
		fb.FeedbackID, fb.EvaluationID, fb.RMUserID, fb.FeedbackType, fb.CorrectedResult, fb.Notes, fb.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	return nil
}

// UpsertLoanState creates or replaces the loan summary row
func (s *PostgresGateway) UpsertLoanState(ctx context.Context, state *LoanState) error {
	if state == nil || state.LoanID == "" {
		return errorskg.Invalid("loan_guid", "loan id is required")
	}
	state.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO loan_state (loan_guid, current_status, last_execution_id, conditions_count,
		satisfied_count, unsatisfied_count, uncertain_count, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (loan_guid) DO UPDATE SET
		current_status = EXCLUDED.current_status,
		last_execution_id = EXCLUDED.last_execution_id,
		conditions_count = EXCLUDED.conditions_count,
		satisfied_count = EXCLUDED.satisfied_count,
		unsatisfied_count = EXCLUDED.unsatisfied_count,
		uncertain_count = EXCLUDED.uncertain_count,
		updated_at = EXCLUDED.updated_at`,
		state.LoanID, state.CurrentStatus, state.LastExecutionID, state.ConditionsCount,
		state.SatisfiedCount, state.UnsatisfiedCount, state.UncertainCount, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert loan state: %w", err)
	}
	return nil
}

// GetLoanState retrieves the loan summary row
func (s *PostgresGateway) GetLoanState(ctx context.Context, loanID string) (*LoanState, error) {
	var (
		ls     LoanState
		lastID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
	SELECT loan_guid, current_status, last_execution_id, conditions_count, satisfied_count,
		unsatisfied_count, uncertain_count, updated_at
	FROM loan_state WHERE loan_guid = $1`, loanID).Scan(
		&ls.LoanID, &ls.CurrentStatus, &lastID, &ls.ConditionsCount, &ls.SatisfiedCount,
		&ls.UnsatisfiedCount, &ls.UncertainCount, &ls.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", loanID, errorskg.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan state: %w", err)
	}
	ls.LastExecutionID = lastID.String
	return &ls, nil
}

// UpsertRule inserts or replaces a business rule by name
func (s *PostgresGateway) UpsertRule(ctx context.Context, rule conditions.BusinessRule) error {
	if rule.Name == "" {
		return errorskg.Invalid("rule_name", "rule name is required")
	}
	if rule.RuleID == "" {
		rule.RuleID = uuid.NewString()
	}
	if rule.Config == nil {
		rule.Config = map[string]any{}
	}
	config, err := json.Marshal(rule.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal rule config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO business_rules (rule_id, rule_name, rule_type, rule_config, active, priority, description)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	ON CONFLICT (rule_name) DO UPDATE SET
		rule_type = EXCLUDED.rule_type,
		rule_config = EXCLUDED.rule_config,
		active = EXCLUDED.active,
		priority = EXCLUDED.priority,
		description = EXCLUDED.description,
		updated_at = now()`,
		rule.RuleID, rule.Name, rule.Type, string(config), rule.Active, rule.Priority, rule.Description)
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", rule.Name, err)
	}
	return nil
}

// ListActiveRules returns active rules by descending priority
func (s *PostgresGateway) ListActiveRules(ctx context.Context) ([]conditions.BusinessRule, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT rule_id, rule_name, rule_type, rule_config, active, priority, COALESCE(description, '')
	FROM business_rules
	WHERE active
	ORDER BY priority DESC, rule_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]conditions.BusinessRule, 0)
	for rows.Next() {
		var (
			r      conditions.BusinessRule
			config []byte
		)
		if err := rows.Scan(&r.RuleID, &r.Name, &r.Type, &config, &r.Active, &r.Priority, &r.Description); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		if err := json.Unmarshal(config, &r.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule %s config: %w", r.Name, err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rules, nil
}

// Ping checks if PostgreSQL connection is alive
func (s *PostgresGateway) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the PostgreSQL connection
func (s *PostgresGateway) Close() error {
	return s.db.Close()
}
