package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/shaiso/floodtwin/internal/mq"
	"github.com/shaiso/floodtwin/internal/pipeline"
	"github.com/shaiso/floodtwin/internal/store"
)

const testAreaWKT = "POLYGON((174.7 -41.4,174.7 -41.2,174.9 -41.2,174.9 -41.4,174.7 -41.4))"

type apiFixture struct {
	store *store.MemoryStore
	mux   *http.ServeMux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	submitter := pipeline.NewSubmitter(pipeline.SubmitterConfig{
		Pipelines: st.Pipelines(),
		Queue:     mq.NewMemoryQueue(),
		Logger:    logger,
	})

	h := NewHandler(Config{
		Pipelines:   st.Pipelines(),
		Invocations: st.Invocations(),
		Outputs:     st.Outputs(),
		Submitter:   submitter,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &apiFixture{store: st, mux: mux}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	return envelope.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var envelope ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error response: %v (body %s)", err, rec.Body.String())
	}
	return envelope.Error
}

func TestSubmitPipeline(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/pipelines", SubmitPipelineRequest{
		WKT:     testAreaWKT,
		Options: domain.PipelineOptions{Tide: true, ARI: 50},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}

	got := decodeData[PipelineResponse](t, rec)
	if got.State != string(domain.PipelinePending) {
		t.Errorf("state = %s, want PENDING", got.State)
	}
	if got.AreaWKT != testAreaWKT {
		t.Errorf("area_wkt = %q, want %q", got.AreaWKT, testAreaWKT)
	}
	if !got.Options.Tide || got.Options.ARI != 50 {
		t.Errorf("options = %+v, want tide=true ari=50", got.Options)
	}
	if got.Options.StormHours != 24 {
		t.Errorf("storm_hours = %d, want normalized default 24", got.Options.StormHours)
	}
}

func TestSubmitPipelineBBox(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/pipelines", SubmitPipelineRequest{
		BBox: &BBox{Lat1: -41.4, Lng1: 174.7, Lat2: -41.2, Lng2: 174.9},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	got := decodeData[PipelineResponse](t, rec)
	if got.AreaWKT == "" {
		t.Error("bbox submission should produce polygon WKT")
	}
}

func TestSubmitPipelineValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name string
		req  SubmitPipelineRequest
	}{
		{"no area", SubmitPipelineRequest{}},
		{"both areas", SubmitPipelineRequest{WKT: testAreaWKT, BBox: &BBox{Lat1: -41.4, Lng1: 174.7, Lat2: -41.2, Lng2: 174.9}}},
		{"point instead of polygon", SubmitPipelineRequest{WKT: "POINT(174.8 -41.3)"}},
		{"garbage wkt", SubmitPipelineRequest{WKT: "not geometry"}},
		{"degenerate bbox", SubmitPipelineRequest{BBox: &BBox{Lat1: -41.4, Lng1: 174.7, Lat2: -41.4, Lng2: 174.9}}},
	}
	for _, tc := range cases {
		rec := f.do(t, http.MethodPost, "/api/v1/pipelines", tc.req, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, rec.Code)
			continue
		}
		if detail := decodeError(t, rec); detail.Code != ErrCodeInvalidInput {
			t.Errorf("%s: code = %s, want INVALID_INPUT", tc.name, detail.Code)
		}
	}

	// Ничего не записано.
	rows, err := f.store.Pipelines().List(context.Background(), store.PipelineFilter{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rejected submissions created %d pipelines", len(rows))
	}
}

func TestSubmitPipelineIdempotencyKey(t *testing.T) {
	f := newAPIFixture(t)
	header := map[string]string{"Idempotency-Key": "deploy-42"}

	first := decodeData[PipelineResponse](t, f.do(t, http.MethodPost, "/api/v1/pipelines",
		SubmitPipelineRequest{WKT: testAreaWKT}, header))
	second := decodeData[PipelineResponse](t, f.do(t, http.MethodPost, "/api/v1/pipelines",
		SubmitPipelineRequest{WKT: testAreaWKT}, header))

	if first.ID != second.ID {
		t.Errorf("idempotent resubmit created a new pipeline: %s != %s", first.ID, second.ID)
	}
}

func TestGetPipelineStatus(t *testing.T) {
	f := newAPIFixture(t)
	p := decodeData[PipelineResponse](t, f.do(t, http.MethodPost, "/api/v1/pipelines",
		SubmitPipelineRequest{WKT: testAreaWKT}, nil))

	rec := f.do(t, http.MethodGet, "/api/v1/pipelines/"+p.ID.String(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	got := decodeData[pipeline.Status](t, rec)
	if got.Pipeline == nil || got.Pipeline.ID != p.ID {
		t.Fatalf("status pipeline mismatch: %+v", got.Pipeline)
	}
	if len(got.Stages) != 3 {
		t.Errorf("got %d stages, want 3", len(got.Stages))
	}
}

func TestGetPipelineNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/pipelines/"+uuid.NewString(), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != ErrCodeNotFound {
		t.Errorf("code = %s, want NOT_FOUND", detail.Code)
	}
}

func TestCancelPipeline(t *testing.T) {
	f := newAPIFixture(t)
	p := decodeData[PipelineResponse](t, f.do(t, http.MethodPost, "/api/v1/pipelines",
		SubmitPipelineRequest{WKT: testAreaWKT}, nil))

	rec := f.do(t, http.MethodDelete, "/api/v1/pipelines/"+p.ID.String(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	got := decodeData[PipelineResponse](t, rec)
	if got.State != string(domain.PipelineCancelled) {
		t.Errorf("state = %s, want CANCELLED", got.State)
	}

	// Повторная отмена терминального пайплайна отклоняется.
	rec = f.do(t, http.MethodDelete, "/api/v1/pipelines/"+p.ID.String(), nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != ErrCodeInvalidState {
		t.Errorf("code = %s, want INVALID_STATE", detail.Code)
	}
}

func TestDepthBeforeSuccessRejected(t *testing.T) {
	f := newAPIFixture(t)
	p := decodeData[PipelineResponse](t, f.do(t, http.MethodPost, "/api/v1/pipelines",
		SubmitPipelineRequest{WKT: testAreaWKT}, nil))

	rec := f.do(t, http.MethodGet, "/api/v1/pipelines/"+p.ID.String()+"/depth?lat=-41.3&lng=174.8", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestDepthSeries(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	p := decodeData[PipelineResponse](t, f.do(t, http.MethodPost, "/api/v1/pipelines",
		SubmitPipelineRequest{WKT: testAreaWKT}, nil))
	if err := f.store.Pipelines().MarkRunning(ctx, p.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := f.store.Pipelines().MarkSuccess(ctx, p.ID, nil); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	resultFile := filepath.Join(t.TempDir(), "depths.csv")
	csv := "lng,lat,0,600\n174.80,-41.30,0.00,0.42\n174.90,-41.40,0.10,0.20\n"
	if err := os.WriteFile(resultFile, []byte(csv), 0o644); err != nil {
		t.Fatalf("write result file: %v", err)
	}
	if err := f.store.Outputs().Create(ctx, &domain.ModelOutput{
		ID:         uuid.New(),
		PipelineID: p.ID,
		ResultFile: resultFile,
		MaxDepth:   0.42,
	}); err != nil {
		t.Fatalf("create output: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/pipelines/"+p.ID.String()+"/depth?lat=-41.30&lng=174.80", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	got := decodeData[DepthResponse](t, rec)
	if len(got.Times) != 2 || got.Times[1] != 600 {
		t.Errorf("times = %v, want [0 600]", got.Times)
	}
	if len(got.Depths) != 2 || got.Depths[1] != 0.42 {
		t.Errorf("depths = %v, want nearest point series [0 0.42]", got.Depths)
	}
	if got.MaxDepth != 0.42 {
		t.Errorf("max_depth = %v, want 0.42", got.MaxDepth)
	}

	// Координаты вне диапазона отклоняются до чтения файла.
	rec = f.do(t, http.MethodGet, "/api/v1/pipelines/"+p.ID.String()+"/depth?lat=123&lng=500", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("out of range coords status = %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var health HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %s, want ok", health.Status)
	}
}
