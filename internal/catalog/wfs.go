package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shaiso/floodtwin/internal/domain"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// WFSConfig — конфигурация WFS-клиента.
type WFSConfig struct {
	// LINZKey — API-ключ data.linz.govt.nz.
	LINZKey string

	// StatsKey — API-ключ datafinder.stats.govt.nz.
	StatsKey string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// WFSClient качает фичи слоёв из WFS-сервисов LINZ и Stats NZ.
// Запрос фильтруется по пересечению с областью через CQL Intersects.
type WFSClient struct {
	linzKey   string
	statsKey  string
	linzBase  string
	statsBase string
	http      *http.Client
	logger    *slog.Logger
}

// NewWFSClient создаёт WFSClient с подстановкой значений по умолчанию.
func NewWFSClient(cfg WFSConfig) *WFSClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WFSClient{
		linzKey:   cfg.LINZKey,
		statsKey:  cfg.StatsKey,
		linzBase:  "https://data.linz.govt.nz",
		statsBase: "https://datafinder.stats.govt.nz",
		http:      cfg.HTTPClient,
		logger:    cfg.Logger,
	}
}

// endpoint возвращает хост, ключ и имя геометрической колонки источника.
func (c *WFSClient) endpoint(layer Layer) (host, key, geometryName string, err error) {
	switch layer.Source {
	case "linz":
		return c.linzBase, c.linzKey, "shape", nil
	case "statsnz":
		return c.statsBase, c.statsKey, "GEOMETRY", nil
	default:
		return "", "", "", fmt.Errorf("unknown wfs source %q", layer.Source)
	}
}

// Fetch возвращает фичи слоя, пересекающие область.
//
// Сетевые сбои и 5xx — transient: вызов будет повторён. 4xx и мусор
// в ответе — ошибка конфигурации слоя, повторять бессмысленно.
func (c *WFSClient) Fetch(ctx context.Context, layer Layer, areaWKT string) ([]Feature, error) {
	host, key, geometryName, err := c.endpoint(layer)
	if err != nil {
		return nil, domain.Logicf("wfs: %v", err)
	}
	if key == "" {
		return nil, domain.Logicf("wfs: no api key for source %q", layer.Source)
	}

	q := url.Values{}
	q.Set("service", "WFS")
	q.Set("version", "2.0.0")
	q.Set("request", "GetFeature")
	q.Set("typeNames", fmt.Sprintf("layer-%d", layer.LayerID))
	q.Set("outputFormat", "application/json")
	q.Set("srsName", "EPSG:4326")
	q.Set("cql_filter", fmt.Sprintf("Intersects(%s, %s)", geometryName, areaWKT))

	endpoint := fmt.Sprintf("%s/services;key=%s/wfs?%s", host, url.PathEscape(key), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.Logicf("wfs: build request: %v", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.Transientf("wfs: fetch layer %s: %v", layer.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Transientf("wfs: read layer %s: %v", layer.Name, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, domain.Transientf("wfs: layer %s: status %d", layer.Name, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, domain.Logicf("wfs: layer %s: status %d", layer.Name, resp.StatusCode)
	}

	var fc geojson.FeatureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, domain.Logicf("wfs: decode layer %s: %v", layer.Name, err)
	}

	feats := make([]Feature, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		w, err := wkt.Marshal(f.Geometry)
		if err != nil {
			c.logger.Warn("skipping feature with bad geometry",
				"layer", layer.Name, "feature_id", f.ID, "error", err)
			continue
		}
		id := f.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", layer.Name, i)
		}
		feats = append(feats, Feature{ID: id, WKT: w, Properties: f.Properties})
	}

	c.logger.Debug("wfs layer fetched", "layer", layer.Name, "features", len(feats))
	return feats, nil
}
