package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aevon-lab/groupagg/internal/aggregation"
	v1 "github.com/aevon-lab/groupagg/internal/api/v1"
	httperr "github.com/aevon-lab/groupagg/internal/core/errors"
	"github.com/aevon-lab/groupagg/internal/core/metrics"
	"github.com/aevon-lab/groupagg/internal/core/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const salesBody = `{
	"group_by": ["region"],
	"aggregates": [
		{"function": "count"},
		{"function": "sum", "args": ["amount"]},
		{"function": "sum", "args": ["amount"], "filter": "online", "as": "online_sum"},
		{"function": "avg", "args": ["amount"]},
		{"function": "count", "args": ["amount"], "distinct": true}
	],
	"columns": [
		{"name": "region", "type": "varchar", "values": ["eu", "us", "eu", "apac", "us", "eu"]},
		{"name": "amount", "type": "bigint",  "values": [10, 5, 20, 7, null, 10]},
		{"name": "online", "type": "boolean", "values": [true, false, true, true, true, false]}
	]
}`

var salesWant = map[string][]string{
	"eu":   {"3", "40", "30", "13.3333333333333333", "2"},
	"us":   {"2", "5", "<nil>", "5", "1"},
	"apac": {"1", "7", "7", "7", "1"},
}

func newRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	svc.RegisterRoutes(r)
	return r
}

func post(t *testing.T, r http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/aggregate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func decodeResponse(t *testing.T, resp *httptest.ResponseRecorder) v1.AggregateResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	dec := json.NewDecoder(bytes.NewReader(resp.Body.Bytes()))
	dec.UseNumber()
	var out v1.AggregateResponse
	require.NoError(t, dec.Decode(&out))
	return out
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) httperr.ErrorResponse {
	t.Helper()
	var out httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

// byKey renders a response whose first column is the group key.
func byKey(t *testing.T, resp v1.AggregateResponse) map[string][]string {
	t.Helper()
	out := map[string][]string{}
	for row, key := range resp.Columns[0].Values {
		var values []string
		for _, c := range resp.Columns[1:] {
			values = append(values, fmt.Sprint(c.Values[row]))
		}
		out[key.(string)] = values
	}
	return out
}

func TestAggregateHandler_Success(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	r := newRouter(NewService(nil, collector, 2, 0, 1))

	out := decodeResponse(t, post(t, r, salesBody))

	assert.NotEmpty(t, out.RequestID)
	assert.Equal(t, "single", out.Step)
	assert.Equal(t, salesWant, byKey(t, out))
	assert.Equal(t, []string{"region", "count(*)", "sum(amount)", "online_sum", "avg(amount)", "count(distinct amount)"},
		columnNames(out))
	assert.Equal(t, int64(6), out.Stats.InputRows)
	assert.Equal(t, 3, out.Stats.Groups)

	scrape := httptest.NewRecorder()
	collector.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), `groupagg_api_requests_total{outcome="ok"} 1`)
}

func columnNames(resp v1.AggregateResponse) []string {
	names := make([]string, len(resp.Columns))
	for i, c := range resp.Columns {
		names[i] = c.Name
	}
	return names
}

func TestAggregateHandler_SpillMatchesInMemory(t *testing.T) {
	body := strings.Replace(salesBody, `{"function": "count", "args": ["amount"], "distinct": true}`,
		`{"function": "max", "args": ["amount"]}`, 1)
	governor := aggregation.NewSpillGovernor(1, storage.NewMemorySpillStore(), nil)

	plain := decodeResponse(t, post(t, newRouter(NewService(nil, nil, 1, 0, 1)), body))
	spilled := decodeResponse(t, post(t, newRouter(NewService(governor, nil, 1, 0, 1)), body))

	assert.Equal(t, byKey(t, plain), byKey(t, spilled))
	assert.Positive(t, spilled.Stats.SpillRuns)
	assert.Zero(t, plain.Stats.SpillRuns)
}

func TestAggregateHandler_PartialThenFinal(t *testing.T) {
	r := newRouter(NewService(nil, nil, 2, 0, 1))
	partialBody := `{
		"step": "partial",
		"group_by": ["region"],
		"aggregates": [
			{"function": "sum", "args": ["amount"], "as": "total"},
			{"function": "avg", "args": ["amount"], "as": "mean"}
		],
		"columns": [
			{"name": "region", "type": "varchar", "values": ["eu", "us", "eu"]},
			{"name": "amount", "type": "decimal", "values": ["1.5", "2", "3.25"]}
		]
	}`
	partial := decodeResponse(t, post(t, r, partialBody))
	require.Len(t, partial.Columns, 3)
	assert.Equal(t, "varbinary", partial.Columns[1].Type.String())

	finalReq := v1.AggregateRequest{
		Step:    "final",
		GroupBy: []string{"region"},
		Aggregates: []v1.Aggregate{
			{Function: "sum", Args: []string{"total"}, As: "total"},
			{Function: "avg", Args: []string{"mean"}, As: "mean"},
		},
		Columns: partial.Columns,
	}
	body, err := json.Marshal(finalReq)
	require.NoError(t, err)

	final := decodeResponse(t, post(t, r, string(body)))
	assert.Equal(t, map[string][]string{
		"eu": {"4.75", "2.375"},
		"us": {"2", "2"},
	}, byKey(t, final))
}

func TestAggregateHandler_GlobalOverNoRows(t *testing.T) {
	r := newRouter(NewService(nil, nil, 4, 0, 1))
	out := decodeResponse(t, post(t, r, `{"aggregates": [{"function": "count"}]}`))

	require.Len(t, out.Columns, 1)
	assert.Equal(t, []any{json.Number("0")}, out.Columns[0].Values)
	assert.Equal(t, 1, out.Stats.Partitions)
}

func TestAggregateHandler_EchoesConnectorMetadata(t *testing.T) {
	r := newRouter(NewService(nil, nil, 1, 0, 1))
	out := decodeResponse(t, post(t, r, `{
		"request_id": "req-42",
		"group_by": ["region"],
		"aggregates": [{"function": "count", "as": "n"}],
		"columns": [{"name": "region", "type": "varchar", "values": ["eu"]}],
		"source": {"host": "atop-7:9000", "epoch_seconds": 1700000000, "time_zone": "UTC"},
		"destination": {"schema": "ops", "table": "counts", "owner": "etl", "partitioned_by": ["region"]}
	}`))

	assert.Equal(t, "req-42", out.RequestID)
	require.NotNil(t, out.Source)
	assert.Equal(t, []string{"atop-7"}, out.Source.Addresses())
	require.NotNil(t, out.Destination)
	assert.Equal(t, "ops.counts", out.Destination.QualifiedName())
}

func TestAggregateHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		maxGroups  int
		body       string
		wantStatus int
		wantType   string
	}{
		{
			name:       "malformed json",
			body:       `{"aggregates": [`,
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpInvalidJsonError,
		},
		{
			name:       "unknown function",
			body:       `{"aggregates": [{"function": "median", "args": ["x"]}], "columns": [{"name": "x", "type": "bigint", "values": [1]}]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpUnknownFunctionError,
		},
		{
			name:       "sum of varchar",
			body:       `{"aggregates": [{"function": "sum", "args": ["x"]}], "columns": [{"name": "x", "type": "varchar", "values": ["a"]}]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpInvalidRequestError,
		},
		{
			name:       "unknown step",
			body:       `{"step": "combine", "aggregates": [{"function": "count"}]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpInvalidRequestError,
		},
		{
			name:       "value of wrong type",
			body:       `{"aggregates": [{"function": "count", "args": ["x"]}], "columns": [{"name": "x", "type": "bigint", "values": ["ten"]}]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpInvalidRequestError,
		},
		{
			name:       "filter column not boolean",
			body:       `{"aggregates": [{"function": "count", "filter": "x"}], "columns": [{"name": "x", "type": "bigint", "values": [1]}]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpInvalidRequestError,
		},
		{
			name:       "NaN double",
			body:       `{"group_by": ["k"], "aggregates": [{"function": "count"}], "columns": [{"name": "k", "type": "double", "values": ["NaN", 1]}]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpInvalidRequestError,
		},
		{
			name:       "infinite double",
			body:       `{"group_by": ["k"], "aggregates": [{"function": "count"}], "columns": [{"name": "k", "type": "double", "values": [1, "-Inf"]}]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpInvalidRequestError,
		},
		{
			name: "corrupt sum state",
			body: `{"step": "final", "group_by": ["k"], "aggregates": [{"function": "sum", "args": ["s"]}],
				"columns": [{"name": "k", "type": "varchar", "values": ["a"]}, {"name": "s", "type": "varbinary", "values": ["//8="]}]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpInvalidRequestError,
		},
		{
			name: "corrupt avg state",
			body: `{"step": "intermediate", "group_by": ["k"], "aggregates": [{"function": "avg", "args": ["s"]}],
				"columns": [{"name": "k", "type": "varchar", "values": ["a", "b"]}, {"name": "s", "type": "varbinary", "values": [null, "//8="]}]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpInvalidRequestError,
		},
		{
			name:       "too many groups",
			maxGroups:  1,
			body:       salesBody,
			wantStatus: http.StatusUnprocessableEntity,
			wantType:   httperr.HttpTooManyGroupsError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(NewService(nil, nil, 1, tt.maxGroups, 1))
			resp := post(t, r, tt.body)

			require.Equal(t, tt.wantStatus, resp.Code, resp.Body.String())
			assert.Equal(t, tt.wantType, decodeError(t, resp).ErrorType)
		})
	}
}

func TestAggregateHandler_BodyTooLarge(t *testing.T) {
	collector := metrics.NewCollector(prometheus.NewRegistry())
	r := newRouter(NewService(nil, collector, 1, 0, 1))

	body := `{"request_id": "` + strings.Repeat("x", 1024*1024) + `"}`
	resp := post(t, r, body)

	require.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	assert.Equal(t, httperr.HttpInvalidJsonError, decodeError(t, resp).ErrorType)

	scrape := httptest.NewRecorder()
	collector.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), `groupagg_api_requests_total{outcome="invalid"} 1`)
}
