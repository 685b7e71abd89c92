package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func (f *fakeClock) sleep(_ context.Context, d time.Duration) error {
	f.t = f.t.Add(d)
	return nil
}

type stubBlobs struct {
	missing int32 // number of not-found answers before success; -1 for never
	body    string
	err     error
	calls   atomic.Int32
}

func (s *stubBlobs) Get(context.Context, conditions.BlobLocation) ([]byte, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if s.missing < 0 || n <= s.missing {
		return nil, errorskg.ErrNotFound
	}
	return []byte(s.body), nil
}

func sampleJob() *conditions.EvaluationJob {
	return &conditions.EvaluationJob{Conf: conditions.JobConf{
		Conditions:        []conditions.JobCondition{{Condition: conditions.JobConditionBody{ID: 1, Name: "INC-1"}}},
		Documents:         []conditions.BlobLocation{{Bucket: "docs", Key: "a.pdf"}},
		OutputDestination: "docs/conditions_output/result_x.json",
	}}
}

type dagServer struct {
	states []string
	polls  atomic.Int32
	paused atomic.Bool

	mu      sync.Mutex
	trigger map[string]any
}

func (d *dagServer) triggered() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trigger
}

func (d *dagServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/dags/check_condition_v3/dagRuns", func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "airflow" || p != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode trigger: %v", err)
		}
		d.mu.Lock()
		d.trigger = body
		d.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"dag_run_id": "run-1", "state": "queued"})
	})
	mux.HandleFunc("GET /api/v1/dags/check_condition_v3/dagRuns/run-1", func(w http.ResponseWriter, r *http.Request) {
		i := int(d.polls.Add(1)) - 1
		if i >= len(d.states) {
			i = len(d.states) - 1
		}
		json.NewEncoder(w).Encode(map[string]any{"dag_run_id": "run-1", "state": d.states[i]})
	})
	mux.HandleFunc("GET /api/v1/dags/check_condition_v3", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"dag_id": "check_condition_v3", "is_paused": d.paused.Load()})
	})
	return mux
}

func newTestClient(t *testing.T, srv *httptest.Server, blobs BlobReader) (*Client, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig(srv.URL)
	cfg.Username = "airflow"
	cfg.Password = "secret"
	return New(cfg, blobs, WithClock(clock.now, clock.sleep)), clock
}

func TestEvaluateHappyPath(t *testing.T) {
	dag := &dagServer{states: []string{"queued", "running", "success"}}
	srv := httptest.NewServer(dag.handler(t))
	defer srv.Close()

	blobs := &stubBlobs{missing: 2, body: `{"processing_status":"completed","processed_conditions":[{"condition_id":1,"document_status":"Fulfilled"}]}`}
	c, _ := newTestClient(t, srv, blobs)

	out, err := c.Evaluate(context.Background(), sampleJob(), "exec-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.ProcessedConditions) != 1 || out.ProcessedConditions[0].ConditionID != "1" {
		t.Errorf("unexpected output %+v", out)
	}
	if dag.polls.Load() != 3 {
		t.Errorf("expected 3 polls, got %d", dag.polls.Load())
	}
	if blobs.calls.Load() != 3 {
		t.Errorf("expected 3 blob fetches, got %d", blobs.calls.Load())
	}
	trigger := dag.triggered()
	conf, _ := trigger["conf"].(map[string]any)
	if conf["output_destination"] != "docs/conditions_output/result_x.json" {
		t.Errorf("trigger payload missing conf: %v", trigger)
	}
	if runID, _ := trigger["dag_run_id"].(string); !strings.HasPrefix(runID, "conditions_agent_exec-1_") {
		t.Errorf("unexpected dag_run_id %q", runID)
	}
}

func TestWaitForCompletionFailed(t *testing.T) {
	dag := &dagServer{states: []string{"running", "failed"}}
	srv := httptest.NewServer(dag.handler(t))
	defer srv.Close()
	c, _ := newTestClient(t, srv, nil)

	_, err := c.WaitForCompletion(context.Background(), "run-1")
	if !errors.Is(err, errorskg.ErrRemote) || errors.Is(err, errorskg.ErrTimeout) {
		t.Fatalf("expected remote failure, got %v", err)
	}
}

func TestWaitForCompletionTimeout(t *testing.T) {
	dag := &dagServer{states: []string{"running"}}
	srv := httptest.NewServer(dag.handler(t))
	defer srv.Close()
	c, clock := newTestClient(t, srv, nil)
	start := clock.t

	_, err := c.WaitForCompletion(context.Background(), "run-1")
	if !errors.Is(err, errorskg.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if waited := clock.t.Sub(start); waited > 600*time.Second {
		t.Errorf("waited %s beyond the budget", waited)
	}
	if dag.polls.Load() != 61 {
		t.Errorf("expected 61 polls in a 600s budget, got %d", dag.polls.Load())
	}
}

func TestEvaluateNoRelevantDocuments(t *testing.T) {
	dag := &dagServer{states: []string{"success"}}
	srv := httptest.NewServer(dag.handler(t))
	defer srv.Close()
	blobs := &stubBlobs{missing: -1}
	c, clock := newTestClient(t, srv, blobs)
	start := clock.t

	out, err := c.Evaluate(context.Background(), sampleJob(), "exec-2")
	if err != nil {
		t.Fatalf("no relevant documents is not an error: %v", err)
	}
	if !out.NoRelevantDocuments() || len(out.ProcessedConditions) != 0 {
		t.Errorf("unexpected output %+v", out)
	}
	if out.WorkflowInfo["dag_run_id"] != "run-1" || out.WorkflowInfo["s3_output_written"] != false {
		t.Errorf("unexpected workflow info %v", out.WorkflowInfo)
	}
	if waited := clock.t.Sub(start); waited != 180*time.Second {
		t.Errorf("expected to wait the full 180s result budget, waited %s", waited)
	}
	if blobs.calls.Load() != 37 {
		t.Errorf("expected 37 fetch attempts, got %d", blobs.calls.Load())
	}
}

func TestFetchResultOtherErrorFailsFast(t *testing.T) {
	blobs := &stubBlobs{err: errors.New("AccessDenied")}
	c := New(DefaultConfig("http://unused"), blobs)
	_, err := c.FetchResult(context.Background(), "b/k.json")
	if err == nil || errors.Is(err, errorskg.ErrNotFound) {
		t.Fatalf("expected a hard error, got %v", err)
	}
	if blobs.calls.Load() != 1 {
		t.Errorf("other errors must not be retried, got %d calls", blobs.calls.Load())
	}

	if _, err := c.FetchResult(context.Background(), "nobucket"); !errorskg.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestTriggerUnauthorized(t *testing.T) {
	dag := &dagServer{states: []string{"success"}}
	srv := httptest.NewServer(dag.handler(t))
	defer srv.Close()
	c := New(DefaultConfig(srv.URL), nil)

	_, err := c.Trigger(context.Background(), sampleJob(), "")
	if !errors.Is(err, errorskg.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	dag := &dagServer{states: []string{"success"}}
	srv := httptest.NewServer(dag.handler(t))
	defer srv.Close()
	c, _ := newTestClient(t, srv, nil)

	if err := c.Health(context.Background()); err != nil {
		t.Errorf("expected healthy DAG, got %v", err)
	}
	dag.paused.Store(true)
	if err := c.Health(context.Background()); err == nil {
		t.Error("paused DAG must be unhealthy")
	}
	if err := New(DefaultConfig(""), nil).Health(context.Background()); !errors.Is(err, errorskg.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}
