package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EvidenceEntry is one audited plan-step output.
type EvidenceEntry struct {
	ExecutionID string    `json:"execution_id" bson:"execution_id"`
	StepID      string    `json:"step_id" bson:"step_id"`
	ToolName    string    `json:"tool_name" bson:"tool_name"`
	Output      any       `json:"output" bson:"output"`
	CompletedAt time.Time `json:"completed_at" bson:"completed_at"`
}

// EvidenceArchive keeps the evidence log of finished plan executions.
type EvidenceArchive interface {
	Archive(ctx context.Context, executionID string, entries []EvidenceEntry) error
	List(ctx context.Context, executionID string) ([]EvidenceEntry, error)
}

// MongoEvidenceArchive implements EvidenceArchive using MongoDB
type MongoEvidenceArchive struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// MongoConfig holds MongoDB connection configuration
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// DefaultMongoConfig returns default MongoDB configuration
func DefaultMongoConfig() *MongoConfig {
	return &MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "conditions_agent",
		Collection: "evidence_log",
	}
}

// NewMongoEvidenceArchive connects to MongoDB and ensures the indexes
func NewMongoEvidenceArchive(ctx context.Context, config *MongoConfig) (*MongoEvidenceArchive, error) {
	if config == nil {
		config = DefaultMongoConfig()
	}
	if config.Collection == "" {
		config.Collection = "evidence_log"
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	archive := &MongoEvidenceArchive{
		client:     client,
		collection: client.Database(config.Database).Collection(config.Collection),
	}
	if err := archive.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return archive, nil
}

func (s *MongoEvidenceArchive) createIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "completed_at", Value: 1}},
	})
	return err
}

// Archive inserts the entries of one execution. Outputs are normalized
// through JSON so that struct outputs keep their wire field names.
func (s *MongoEvidenceArchive) Archive(ctx context.Context, executionID string, entries []EvidenceEntry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]any, 0, len(entries))
	for _, e := range entries {
		e.ExecutionID = executionID
		out, err := normalizeOutput(e.Output)
		if err != nil {
			return fmt.Errorf("failed to normalize evidence %s: %w", e.StepID, err)
		}
		e.Output = out
		docs = append(docs, e)
	}
	if _, err := s.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to archive evidence in MongoDB: %w", err)
	}
	return nil
}

// List returns the archived entries of an execution in completion order
func (s *MongoEvidenceArchive) List(ctx context.Context, executionID string) ([]EvidenceEntry, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{{Key: "completed_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []EvidenceEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode evidence: %w", err)
	}
	return entries, nil
}

// Ping checks if MongoDB connection is alive
func (s *MongoEvidenceArchive) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close closes the MongoDB connection
func (s *MongoEvidenceArchive) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func normalizeOutput(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MemoryEvidenceArchive implements EvidenceArchive in process memory
type MemoryEvidenceArchive struct {
	mu      sync.RWMutex
	entries map[string][]EvidenceEntry
}

func NewMemoryEvidenceArchive() *MemoryEvidenceArchive {
	return &MemoryEvidenceArchive{entries: make(map[string][]EvidenceEntry)}
}

func (s *MemoryEvidenceArchive) Archive(_ context.Context, executionID string, entries []EvidenceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		e.ExecutionID = executionID
		s.entries[executionID] = append(s.entries[executionID], e)
	}
	return nil
}

func (s *MemoryEvidenceArchive) List(_ context.Context, executionID string) ([]EvidenceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries[executionID]), nil
}
