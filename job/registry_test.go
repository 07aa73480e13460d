package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/emergent-company/pace/job"
)

type summarizePayload struct {
	DocID string `json:"doc_id"`
	Model string `json:"model"`
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := job.NewRegistry()

	var got summarizePayload
	def := job.NewDefinition("summarize", func(_ context.Context, p summarizePayload) (*job.Result, error) {
		got = p
		return &job.Result{Success: true, TokensUsed: 42}, nil
	})

	job.RegisterDefinition(r, def)

	h, ok := r.Get("summarize")
	if !ok {
		t.Fatal("expected handler to be registered")
	}

	payload, _ := json.Marshal(summarizePayload{DocID: "d_1", Model: "small"})
	res, err := h(context.Background(), payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want true")
	}
	if res.TokensUsed != 42 {
		t.Errorf("TokensUsed = %d, want 42", res.TokensUsed)
	}
	if got.DocID != "d_1" {
		t.Errorf("DocID = %q, want %q", got.DocID, "d_1")
	}
	if got.Model != "small" {
		t.Errorf("Model = %q, want %q", got.Model, "small")
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := job.NewRegistry()
	_, ok := r.Get("nonexistent")
	if ok {
		t.Fatal("expected no handler for unregistered type")
	}
}

func TestRegistry_Types(t *testing.T) {
	r := job.NewRegistry()

	job.RegisterDefinition(r, job.NewDefinition("type-a", func(_ context.Context, _ struct{}) (*job.Result, error) {
		return &job.Result{Success: true}, nil
	}))
	job.RegisterDefinition(r, job.NewDefinition("type-b", func(_ context.Context, _ struct{}) (*job.Result, error) {
		return &job.Result{Success: true}, nil
	}))
	job.RegisterDefinition(r, job.NewDefinition("type-c", func(_ context.Context, _ struct{}) (*job.Result, error) {
		return &job.Result{Success: true}, nil
	}))

	types := r.Types()
	sort.Strings(types)
	if len(types) != 3 {
		t.Fatalf("expected 3 types, got %d", len(types))
	}
	expected := []string{"type-a", "type-b", "type-c"}
	for i, want := range expected {
		if types[i] != want {
			t.Errorf("types[%d] = %q, want %q", i, types[i], want)
		}
	}
}

func TestRegistry_InvalidJSON(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("typed", func(_ context.Context, _ summarizePayload) (*job.Result, error) {
		t.Fatal("handler should not be called with invalid JSON")
		return nil, nil
	}))

	h, _ := r.Get("typed")
	_, err := h(context.Background(), []byte(`{invalid json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestRegistry_EmptyPayload(t *testing.T) {
	r := job.NewRegistry()
	called := false
	job.RegisterDefinition(r, job.NewDefinition("no-payload", func(_ context.Context, _ struct{}) (*job.Result, error) {
		called = true
		return &job.Result{Success: true}, nil
	}))

	h, _ := r.Get("no-payload")
	_, err := h(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty payload")
	}
}

func TestRegistry_HandlerError(t *testing.T) {
	r := job.NewRegistry()
	want := errors.New("handler failed")
	job.RegisterDefinition(r, job.NewDefinition("failing", func(_ context.Context, _ struct{}) (*job.Result, error) {
		return nil, want
	}))

	h, _ := r.Get("failing")
	_, err := h(context.Background(), nil)
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("summarize", func(_ context.Context, p summarizePayload) (*job.Result, error) {
		return &job.Result{Success: true, Output: []byte(p.DocID)}, nil
	}))

	payload, _ := json.Marshal(summarizePayload{DocID: "d_9"})
	j := job.New("summarize", payload)

	res, err := r.Execute(context.Background(), j)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Output) != "d_9" {
		t.Errorf("Output = %q, want %q", res.Output, "d_9")
	}
}

func TestRegistry_ExecuteUnknownType(t *testing.T) {
	r := job.NewRegistry()
	j := job.New("mystery", nil)

	_, err := r.Execute(context.Background(), j)
	if err == nil {
		t.Fatal("expected error for unregistered type")
	}
	if !strings.Contains(err.Error(), "mystery") {
		t.Errorf("error %q does not name the missing type", err)
	}
}
