package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSubmitPipelineSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotBody SubmitRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/pipelines" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": "abc", "state": "PENDING"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	p, err := client.SubmitPipeline(SubmitRequest{
		WKT:     "POLYGON((0 0,0 1,1 1,1 0,0 0))",
		Options: OptionsResponse{Tide: true, ARI: 50},
	}, "release-7")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if gotKey != "release-7" {
		t.Errorf("Idempotency-Key = %q, want release-7", gotKey)
	}
	if !gotBody.Options.Tide || gotBody.Options.ARI != 50 {
		t.Errorf("request options = %+v", gotBody.Options)
	}
	if p.ID != "abc" || p.State != "PENDING" {
		t.Errorf("response = %+v", p)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "INVALID_STATE", "message": "pipeline is already finished"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.CancelPipeline("abc")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "INVALID_STATE") || !strings.Contains(err.Error(), "already finished") {
		t.Errorf("error = %v, want code and message", err)
	}
}

func TestListPipelines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("state"); got != "RUNNING" {
			t.Errorf("state filter = %q, want RUNNING", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data":  []map[string]any{{"id": "p1", "state": "RUNNING"}},
			"total": 1,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	pipelines, err := client.ListPipelines(ListOpts{State: "RUNNING"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pipelines) != 1 || pipelines[0].ID != "p1" {
		t.Errorf("pipelines = %+v", pipelines)
	}
}

func TestParseBBox(t *testing.T) {
	box, err := parseBBox("-41.4, 174.7, -41.2, 174.9")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if box.Lat1 != -41.4 || box.Lng2 != 174.9 {
		t.Errorf("box = %+v", box)
	}

	if _, err := parseBBox("1,2,3"); err == nil {
		t.Error("three coordinates should be rejected")
	}
	if _, err := parseBBox("a,b,c,d"); err == nil {
		t.Error("non-numeric coordinates should be rejected")
	}
}

func TestOutputModes(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutputTo(false, &buf, &bytes.Buffer{})
	out.Print([]string{"ID", "STATE"}, [][]string{{"p1", "SUCCESS"}}, nil)
	if !strings.Contains(buf.String(), "p1") || !strings.Contains(buf.String(), "SUCCESS") {
		t.Errorf("table output = %q", buf.String())
	}

	buf.Reset()
	out = NewOutputTo(true, &buf, &bytes.Buffer{})
	out.Print(nil, nil, map[string]string{"id": "p1"})
	var decoded map[string]string
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json output: %v", err)
	}
	if decoded["id"] != "p1" {
		t.Errorf("json output = %v", decoded)
	}
}
