package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
)

// TestPostgresGateway requires a running PostgreSQL server.
// Set POSTGRES_DSN to run it.
func TestPostgresGateway(t *testing.T) {
	if os.Getenv("POSTGRES_DSN") == "" {
		t.Skip("POSTGRES_DSN not set, skipping PostgreSQL gateway tests")
	}
	ctx := context.Background()

	g, err := NewPostgresGateway(ctx, PostgresConfigFromEnv())
	if err != nil {
		t.Skipf("Failed to connect to PostgreSQL: %v", err)
	}
	defer g.Close()

	if err := g.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	exec := &Execution{LoanID: "it-loan", TraceID: "it-trace"}
	if err := g.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	stored, err := g.CreateEvaluations(ctx, exec.ExecutionID, sampleEvaluations())
	if err != nil {
		t.Fatalf("CreateEvaluations failed: %v", err)
	}
	listed, err := g.ListEvaluations(ctx, exec.ExecutionID)
	if err != nil || len(listed) != len(stored) {
		t.Fatalf("ListEvaluations = %d, %v", len(listed), err)
	}

	if err := g.RecordFeedback(ctx, &Feedback{
		EvaluationID: stored[0].EvaluationID, RMUserID: "rm-it", FeedbackType: "agree",
	}); err != nil {
		t.Errorf("RecordFeedback failed: %v", err)
	}

	tokens := 42
	updated, err := g.UpdateExecutionStatus(ctx, exec.ExecutionID, ExecutionUpdate{Status: "completed", TotalTokens: &tokens})
	if err != nil || updated.Status != "completed" || updated.TotalTokens != 42 {
		t.Errorf("UpdateExecutionStatus = %+v, %v", updated, err)
	}

	if err := g.UpsertLoanState(ctx, NewLoanState("it-loan", exec.ExecutionID, "completed", stored)); err != nil {
		t.Fatalf("UpsertLoanState failed: %v", err)
	}
	ls, err := g.GetLoanState(ctx, "it-loan")
	if err != nil || ls.LastExecutionID != exec.ExecutionID {
		t.Errorf("GetLoanState = %+v, %v", ls, err)
	}

	if err := g.UpsertRule(ctx, conditions.BusinessRule{
		Name: "it_rule", Type: "threshold", Active: true, Config: map[string]any{"threshold": 0.8},
	}); err != nil {
		t.Fatalf("UpsertRule failed: %v", err)
	}
	rules, err := g.ListActiveRules(ctx)
	if err != nil || len(rules) == 0 {
		t.Errorf("ListActiveRules = %v, %v", rules, err)
	}

	if _, err := g.GetExecution(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, errorskg.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestRedisProgress requires a running Redis server. Set REDIS_ADDR to run it.
func TestRedisProgress(t *testing.T) {
	if os.Getenv("REDIS_ADDR") == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis progress tests")
	}
	ctx := context.Background()

	cfg := RedisConfigFromEnv()
	cfg.Prefix = "conditions-agent:test:"
	cfg.TTL = time.Minute
	p := NewRedisProgress(cfg)
	defer p.Close()
	if err := p.Ping(ctx); err != nil {
		t.Skipf("Failed to connect to Redis: %v", err)
	}

	id := "it-" + time.Now().Format("150405.000000")
	if err := p.Append(ctx, id, json.RawMessage(`{"step":"predict"}`)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := p.Append(ctx, id, json.RawMessage(`{"step":"transform"}`)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	events, err := p.Events(ctx, id)
	if err != nil || len(events) != 2 {
		t.Errorf("Events = %v, %v", events, err)
	}
	last, err := p.Last(ctx, id)
	if err != nil || string(last) != `{"step":"transform"}` {
		t.Errorf("Last = %s, %v", last, err)
	}
}

// TestMongoEvidenceArchive requires a running MongoDB server.
// Set MONGODB_URI to run it.
func TestMongoEvidenceArchive(t *testing.T) {
	if os.Getenv("MONGODB_URI") == "" {
		t.Skip("MONGODB_URI not set, skipping MongoDB archive tests")
	}
	ctx := context.Background()

	cfg := MongoConfigFromEnv()
	cfg.Database = "conditions_agent_test"
	a, err := NewMongoEvidenceArchive(ctx, cfg)
	if err != nil {
		t.Skipf("Failed to connect to MongoDB: %v", err)
	}
	defer a.Close(ctx)

	id := "it-" + time.Now().Format("150405.000000")
	err = a.Archive(ctx, id, []EvidenceEntry{
		{StepID: "step_1", ToolName: "call_preconditions_api", Output: map[string]any{"top_n": 2}, CompletedAt: time.Now()},
		{StepID: "step_2", ToolName: "call_conditions_ai_api", Output: nil, CompletedAt: time.Now().Add(time.Second)},
	})
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	entries, err := a.List(ctx, id)
	if err != nil || len(entries) != 2 || entries[0].StepID != "step_1" {
		t.Errorf("List = %+v, %v", entries, err)
	}
}
