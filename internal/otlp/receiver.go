package otlp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agent-racer/eventbackbone/internal/wire"
)

const (
	metricCostUsage   = "claude_code.cost.usage"
	metricTokenInput  = "claude_code.token.input"
	metricTokenOutput = "claude_code.token.output"
	metricTokenCacheR = "claude_code.token.cache_read"
	metricTokenCacheW = "claude_code.token.cache_write"

	dedupCacheSize = 2048
)

// BroadcastFunc is satisfied by hub.Hub.BroadcastRaw; kept as a function
// type here so this package does not import internal/hub.
type BroadcastFunc func(msgType wire.MessageType, payload any)

// Receiver accepts OTLP/HTTP JSON metric batches on /v1/metrics, aggregates
// Claude-specific cost/token metrics per pane via Aggregator, and exposes
// those totals as Prometheus gauges on /metrics — grounded on
// _examples/estuary-flow's go.mod use of prometheus/client_golang and
// hashicorp/golang-lru/v2.
type Receiver struct {
	aggregator *Aggregator
	broadcast  BroadcastFunc
	dedup      *lru.Cache[string, struct{}]

	registry     *prometheus.Registry
	costGauge    *prometheus.GaugeVec
	inputGauge   *prometheus.GaugeVec
	outputGauge  *prometheus.GaugeVec
	cacheRGauge  *prometheus.GaugeVec
	cacheWGauge  *prometheus.GaugeVec
	metricCount  *prometheus.GaugeVec
}

// NewReceiver constructs a Receiver. broadcast may be nil in tests.
func NewReceiver(broadcast BroadcastFunc) *Receiver {
	cache, _ := lru.New[string, struct{}](dedupCacheSize)
	registry := prometheus.NewRegistry()

	r := &Receiver{
		aggregator: NewAggregator(),
		broadcast:  broadcast,
		dedup:      cache,
		registry:   registry,
		costGauge: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "event_backbone_pane_total_cost_usd",
			Help: "Running total cost in USD reported via OTLP for a pane.",
		}, []string{"pane_id"}),
		inputGauge: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "event_backbone_pane_total_input_tokens",
			Help: "Running total input token count reported via OTLP for a pane.",
		}, []string{"pane_id"}),
		outputGauge: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "event_backbone_pane_total_output_tokens",
			Help: "Running total output token count reported via OTLP for a pane.",
		}, []string{"pane_id"}),
		cacheRGauge: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "event_backbone_pane_total_cache_read_tokens",
			Help: "Running total cache-read token count reported via OTLP for a pane.",
		}, []string{"pane_id"}),
		cacheWGauge: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "event_backbone_pane_total_cache_write_tokens",
			Help: "Running total cache-write token count reported via OTLP for a pane.",
		}, []string{"pane_id"}),
		metricCount: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "event_backbone_pane_metric_batches_total",
			Help: "Number of OTLP metric batches folded into a pane's totals.",
		}, []string{"pane_id"}),
	}
	return r
}

// Aggregator exposes the underlying Aggregator, e.g. for /status.
func (r *Receiver) Aggregator() *Aggregator { return r.aggregator }

// MetricsHandler returns the Prometheus exposition handler for this
// receiver's private registry, served on a distinct port from /v1/metrics
// per SPEC_FULL.md §4.9.
func (r *Receiver) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ServeIngest implements the /v1/metrics contract from spec §4.9: POST JSON
// body → 200 {partialSuccess:{}}; OPTIONS → 204 with permissive CORS;
// non-POST → 405; invalid JSON → 400; protobuf content-type → 415.
func (r *Receiver) ServeIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := req.Header.Get("Content-Type"); strings.Contains(ct, "protobuf") {
		http.Error(w, "protobuf not supported", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, 8<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if !r.alreadyIngested(body) {
		var payload exportMetricsRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		r.ingest(payload)
		r.markIngested(body)
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"partialSuccess":{}}`))
}

// alreadyIngested reports whether body's content hash has already been
// successfully ingested. The key is only recorded by markIngested after a
// batch parses and ingests cleanly, so a retried batch that failed JSON
// validation the first time is re-validated rather than short-circuited to
// a false-success 200, per SPEC_FULL.md §4.9.
func (r *Receiver) alreadyIngested(body []byte) bool {
	return r.dedup.Contains(bodyDigest(body))
}

// markIngested records body's content hash once ingestion has succeeded,
// preventing double-counting a batch whose HTTP response was lost and
// retried by the sender.
func (r *Receiver) markIngested(body []byte) {
	r.dedup.Add(bodyDigest(body), struct{}{})
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (r *Receiver) ingest(payload exportMetricsRequest) {
	points := make(map[string][]metricPoint) // pane id -> points across all Claude metrics in this batch
	for _, rm := range payload.ResourceMetrics {
		resourceAttrs := decodeAttributes(rm.Resource.Attributes)
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				if !isClaudeMetric(m.Name) {
					continue
				}
				dps := m.Sum.DataPoints
				if len(dps) == 0 {
					dps = m.Gauge.DataPoints
				}
				for _, dp := range dps {
					attrs := decodeAttributes(dp.Attributes)
					paneID := attrs["pane.id"]
					if paneID == "" {
						paneID = resourceAttrs["pane.id"]
					}
					sessionID := attrs["session.id"]
					if sessionID == "" {
						sessionID = resourceAttrs["session.id"]
					}
					points[paneID] = append(points[paneID], metricPoint{
						metricName: m.Name,
						value:      dp.value(),
						sessionID:  sessionID,
						timestamp:  dp.timestamp(),
					})
				}
			}
		}
	}

	for paneID, pts := range points {
		if paneID == "" {
			continue
		}
		metric := wire.CostMetric{PaneID: paneID}
		for _, p := range pts {
			if metric.SessionID == "" {
				metric.SessionID = p.sessionID
			}
			if p.timestamp.After(metric.Timestamp) {
				metric.Timestamp = p.timestamp
			}
			switch p.metricName {
			case metricCostUsage:
				metric.CostUSD += p.value
			case metricTokenInput:
				metric.InputTokens += int64(p.value)
			case metricTokenOutput:
				metric.OutputTokens += int64(p.value)
			case metricTokenCacheR:
				metric.CacheRead += int64(p.value)
			case metricTokenCacheW:
				metric.CacheWrite += int64(p.value)
			}
		}

		totals := r.aggregator.Add(metric)
		r.updateGauges(totals)

		if r.broadcast != nil {
			r.broadcast(wire.MsgCostUpdate, wire.CostUpdatePayload{
				Metric: metric,
				Totals: totals,
				PaneID: paneID,
			})
		}
	}
}

func (r *Receiver) updateGauges(t wire.CostTotals) {
	r.costGauge.WithLabelValues(t.PaneID).Set(t.TotalCostUSD)
	r.inputGauge.WithLabelValues(t.PaneID).Set(float64(t.TotalTokens.Input))
	r.outputGauge.WithLabelValues(t.PaneID).Set(float64(t.TotalTokens.Output))
	r.cacheRGauge.WithLabelValues(t.PaneID).Set(float64(t.TotalCacheRead))
	r.cacheWGauge.WithLabelValues(t.PaneID).Set(float64(t.TotalCacheWrite))
	r.metricCount.WithLabelValues(t.PaneID).Set(float64(t.MetricCount))
}

func isClaudeMetric(name string) bool {
	switch name {
	case metricCostUsage, metricTokenInput, metricTokenOutput, metricTokenCacheR, metricTokenCacheW:
		return true
	}
	return false
}

type metricPoint struct {
	metricName string
	value      float64
	sessionID  string
	timestamp  time.Time
}

// --- OTLP/HTTP JSON wire shapes (the subset this receiver consumes) ---

type exportMetricsRequest struct {
	ResourceMetrics []resourceMetrics `json:"resourceMetrics"`
}

type resourceMetrics struct {
	Resource     resource       `json:"resource"`
	ScopeMetrics []scopeMetrics `json:"scopeMetrics"`
}

type resource struct {
	Attributes []attribute `json:"attributes"`
}

type scopeMetrics struct {
	Metrics []metric `json:"metrics"`
}

type metric struct {
	Name  string     `json:"name"`
	Sum   dataPoints `json:"sum"`
	Gauge dataPoints `json:"gauge"`
}

type dataPoints struct {
	DataPoints []dataPoint `json:"dataPoints"`
}

type dataPoint struct {
	AsDouble     *float64    `json:"asDouble"`
	AsInt        *string     `json:"asInt"`
	TimeUnixNano string      `json:"timeUnixNano"`
	Attributes   []attribute `json:"attributes"`
}

func (dp dataPoint) value() float64 {
	if dp.AsDouble != nil {
		return *dp.AsDouble
	}
	if dp.AsInt != nil {
		if v, err := strconv.ParseFloat(*dp.AsInt, 64); err == nil {
			return v
		}
	}
	return 0
}

func (dp dataPoint) timestamp() time.Time {
	if dp.TimeUnixNano == "" {
		return time.Now().UTC()
	}
	nanos, err := strconv.ParseInt(dp.TimeUnixNano, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(0, nanos).UTC()
}

type attribute struct {
	Key   string     `json:"key"`
	Value attrValue  `json:"value"`
}

type attrValue struct {
	StringValue *string  `json:"stringValue"`
	BoolValue   *bool    `json:"boolValue"`
	IntValue    *string  `json:"intValue"`
	DoubleValue *float64 `json:"doubleValue"`
}

// decodeAttributes flattens an OTLP attribute list into a string-keyed map,
// stringifying non-string typed values (bool/int/double), per spec §4.9's
// "attributes (typed: string/bool/int/double)".
func decodeAttributes(attrs []attribute) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		switch {
		case a.Value.StringValue != nil:
			out[a.Key] = *a.Value.StringValue
		case a.Value.BoolValue != nil:
			out[a.Key] = strconv.FormatBool(*a.Value.BoolValue)
		case a.Value.IntValue != nil:
			out[a.Key] = *a.Value.IntValue
		case a.Value.DoubleValue != nil:
			out[a.Key] = strconv.FormatFloat(*a.Value.DoubleValue, 'f', -1, 64)
		}
	}
	return out
}
