package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/tbourn/go-rag-assistant/internal/services"
	"github.com/tbourn/go-rag-assistant/internal/summary"
)

func TestApplyPromptConfig(t *testing.T) {
	svc, _ := testServices(t)
	cfg := &fakeConfig{}
	svc.Config = cfg
	r := newRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/config/prompts", map[string]any{
		"operation_flag": "I", "customer": "Acme", "prompt_level": "Agent7", "product_name": "Bots",
		"system_instruction": "be brief", "response_schema": map[string]any{"type": "OBJECT"}, "nearest_neighbours": 20,
	}, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if cfg.op != "I" || cfg.prompt.PromptLevel != "Agent7" || cfg.prompt.NearestNeighbours != 20 || string(cfg.prompt.ResponseSchema) == "" {
		t.Fatalf("unexpected prompt: %q %+v", cfg.op, cfg.prompt)
	}

	// Absent schema stays empty so the built-in one applies.
	doJSON(t, r, http.MethodPost, "/config/prompts", map[string]any{"operation_flag": "U", "customer": "Acme", "prompt_level": "Agent7"}, nil)
	if cfg.prompt.ResponseSchema != nil {
		t.Fatalf("schema = %s", cfg.prompt.ResponseSchema)
	}
}

func TestApplyConfig_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{services.ErrInvalidOperation, http.StatusBadRequest},
		{fmt.Errorf("%w: customer", services.ErrInvalidConfig), http.StatusBadRequest},
		{services.ErrConfigExists, http.StatusConflict},
		{services.ErrConfigNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		svc, _ := testServices(t)
		svc.Config = &fakeConfig{err: tc.err}
		r := newRouter(svc)
		for _, path := range []string{"/config/prompts", "/config/processes"} {
			if w := doJSON(t, r, http.MethodPost, path, map[string]any{"operation_flag": "X"}, nil); w.Code != tc.status {
				t.Fatalf("%s %v: status=%d", path, tc.err, w.Code)
			}
		}
	}
}

func TestApplyProcessDetail(t *testing.T) {
	svc, _ := testServices(t)
	cfg := &fakeConfig{}
	svc.Config = cfg
	w := doJSON(t, newRouter(svc), http.MethodPost, "/config/processes", map[string]any{
		"operation_flag": "D", "customer_name": "Acme", "process_name": "PO Approval", "product_name": "Bots",
	}, nil)
	if w.Code != http.StatusNoContent || cfg.op != "D" || cfg.process.ProcessName != "PO Approval" {
		t.Fatalf("status=%d op=%q process=%+v", w.Code, cfg.op, cfg.process)
	}
	if w := doJSON(t, newRouter(svc), http.MethodPost, "/config/processes", map[string]any{}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("missing operation_flag: status=%d", w.Code)
	}
}

func TestRefreshSummaries(t *testing.T) {
	svc, _ := testServices(t)
	if w := doJSON(t, newRouter(svc), http.MethodPost, "/admin/summaries/refresh", nil, nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled: status=%d", w.Code)
	}
	svc.Summaries = &fakeSummaries{report: summary.Report{Selected: 3, Refreshed: 2, Skipped: 1}}
	w := doJSON(t, newRouter(svc), http.MethodPost, "/admin/summaries/refresh", nil, nil)
	if rep := decode[summary.Report](t, w); w.Code != http.StatusOK || rep.Refreshed != 2 || rep.Selected != 3 {
		t.Fatalf("status=%d report=%+v", w.Code, rep)
	}
}
