package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// OptionsResponse — параметры сценария из API.
type OptionsResponse struct {
	Tide       bool `json:"tide,omitempty"`
	ARI        int  `json:"ari,omitempty"`
	StormHours int  `json:"storm_hours,omitempty"`
}

// PipelineResponse — пайплайн из API.
type PipelineResponse struct {
	ID           string          `json:"id"`
	AreaWKT      string          `json:"area_wkt"`
	Options      OptionsResponse `json:"options"`
	State        string          `json:"state"`
	CurrentStage int             `json:"current_stage"`
	Result       map[string]any  `json:"result,omitempty"`
	FailedKind   string          `json:"failed_kind,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    string          `json:"started_at,omitempty"`
	FinishedAt   string          `json:"finished_at,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

// IsTerminal сообщает, завершён ли пайплайн.
func (p *PipelineResponse) IsTerminal() bool {
	switch p.State {
	case "SUCCESS", "FAILURE", "CANCELLED":
		return true
	}
	return false
}

// MemberStatus — член стадии из API.
type MemberStatus struct {
	Kind         string `json:"kind"`
	InvocationID string `json:"invocation_id,omitempty"`
	State        string `json:"state"`
	Attempt      int    `json:"attempt,omitempty"`
	Error        string `json:"error,omitempty"`
	Propagated   bool   `json:"propagated,omitempty"`
}

// StageStatus — стадия из API.
type StageStatus struct {
	Stage   int            `json:"stage"`
	State   string         `json:"state"`
	Members []MemberStatus `json:"members"`
}

// StatusResponse — постадийный статус пайплайна из API.
type StatusResponse struct {
	Pipeline PipelineResponse `json:"pipeline"`
	Stages   []StageStatus    `json:"stages"`
}

// DepthResponse — временной ряд глубин из API.
type DepthResponse struct {
	PipelineID string    `json:"pipeline_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Times      []float64 `json:"times_s"`
	Depths     []float64 `json:"depths_m"`
	MaxDepth   float64   `json:"max_depth_m"`
}

// --- Request types ---

// BBox — рамка области двумя углами.
type BBox struct {
	Lat1 float64 `json:"lat1"`
	Lng1 float64 `json:"lng1"`
	Lat2 float64 `json:"lat2"`
	Lng2 float64 `json:"lng2"`
}

// SubmitRequest — запуск пайплайна.
type SubmitRequest struct {
	WKT     string          `json:"wkt,omitempty"`
	BBox    *BBox           `json:"bbox,omitempty"`
	Options OptionsResponse `json:"options"`
}

// ListOpts — параметры фильтрации списка пайплайнов.
type ListOpts struct {
	State string
	Limit int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для floodtwin API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SubmitPipeline запускает пайплайн. Непустой idempotencyKey делает
// повторный запуск безопасным.
func (c *Client) SubmitPipeline(req SubmitRequest, idempotencyKey string) (*PipelineResponse, error) {
	var header map[string]string
	if idempotencyKey != "" {
		header = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var p PipelineResponse
	err := c.doData(http.MethodPost, "/api/v1/pipelines", req, &p, header)
	return &p, err
}

// GetStatus возвращает пайплайн с постадийной детализацией.
func (c *Client) GetStatus(id string) (*StatusResponse, error) {
	var status StatusResponse
	err := c.doData(http.MethodGet, "/api/v1/pipelines/"+id, nil, &status, nil)
	return &status, err
}

// ListPipelines возвращает список пайплайнов.
func (c *Client) ListPipelines(opts ListOpts) ([]PipelineResponse, error) {
	params := url.Values{}
	if opts.State != "" {
		params.Set("state", opts.State)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var pipelines []PipelineResponse
	err := c.list("/api/v1/pipelines", params, &pipelines)
	return pipelines, err
}

// CancelPipeline отменяет пайплайн.
func (c *Client) CancelPipeline(id string) (*PipelineResponse, error) {
	var p PipelineResponse
	err := c.doData(http.MethodDelete, "/api/v1/pipelines/"+id, nil, &p, nil)
	return &p, err
}

// GetDepth возвращает ряд глубин в точке.
func (c *Client) GetDepth(id string, lat, lng float64) (*DepthResponse, error) {
	path := fmt.Sprintf("/api/v1/pipelines/%s/depth?lat=%g&lng=%g", id, lat, lng)
	var depth DepthResponse
	err := c.doData(http.MethodGet, path, nil, &depth, nil)
	return &depth, err
}

// --- HTTP helpers ---

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if lr.Data == nil {
		return nil
	}
	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body, result any, header map[string]string) error {
	resp, err := c.do(method, path, body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any, header map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
