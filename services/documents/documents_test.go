package documents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	errorskg "github.com/sweetpotato0/conditions-agent/errors"
)

func TestGetDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/documents/batch" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var req batchRequest
		json.NewDecoder(r.Body).Decode(&req)
		docs := make([]map[string]any, 0, len(req.DocumentIDs))
		for _, id := range req.DocumentIDs {
			docs = append(docs, map[string]any{"document_id": id, "document_type": "W2", "classification_confidence": 0.97})
		}
		json.NewEncoder(w).Encode(map[string]any{"documents": docs})
	}))
	defer srv.Close()

	c := New(&Config{URL: srv.URL, APIKey: "tok"})
	docs, err := c.GetDocuments(context.Background(), []string{"d-1", "d-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 2 || docs[0].DocumentID != "d-1" || docs[1].DocumentType != "W2" {
		t.Errorf("unexpected documents %+v", docs)
	}

	_, err = New(&Config{URL: srv.URL}).GetDocuments(context.Background(), []string{"d-1"})
	if !errors.Is(err, errorskg.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestGetDocumentsEmpty(t *testing.T) {
	docs, err := New(nil).GetDocuments(context.Background(), nil)
	if err != nil || len(docs) != 0 {
		t.Fatalf("expected empty result, got %v, %v", docs, err)
	}
	if _, err := New(nil).GetDocuments(context.Background(), []string{"d-1"}); !errors.Is(err, errorskg.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}
