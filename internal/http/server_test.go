package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matebot/internal/core"
	"matebot/internal/ledger"
	applog "matebot/internal/log"
	"matebot/internal/metrics"
	"matebot/internal/registry"
	"matebot/internal/services"
	"matebot/internal/storage/memory"
	"matebot/internal/users"
)

const testApp = "rest"

type testServer struct {
	srv     *Server
	users   *users.Registry
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	logger := applog.New(applog.Config{Output: &bytes.Buffer{}})
	store := memory.New()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	l := ledger.New(store, ledger.WithLogger(logger), ledger.WithMetrics(m))
	u := users.New(store, users.WithLogger(logger))
	r := registry.New(store, registry.WithMetrics(m))
	svc := services.NewCollectiveService(store, l, u, r, nil,
		services.WithCollectiveLogger(logger),
		services.WithCollectiveMetrics(m))

	if opts.RateLimitPerMinute == 0 {
		opts.RateLimitPerMinute = 1000
	}
	srv := NewServer(":0", Deps{
		Collective:   svc,
		Users:        u,
		Ledger:       l,
		Applications: store,
		Gatherer:     reg,
		Metrics:      m,
		Logger:       logger,
	}, opts)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &testServer{srv: srv, users: u, metrics: m}
}

func (ts *testServer) user(t *testing.T, name string) core.User {
	t.Helper()
	u, err := ts.users.Resolve(context.Background(), testApp, name, name)
	require.NoError(t, err)
	return u
}

func (ts *testServer) do(t *testing.T, method, path, as string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		req.Header.Set(HeaderApplication, testApp)
		req.Header.Set(HeaderUserID, as)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func opPath(id int64, suffix string) string {
	return "/operations/" + strconv.FormatInt(id, 10) + suffix
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = ts.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.user(t, "alice")
	rec = ts.do(t, http.MethodPost, "/communisms", "alice", map[string]any{"amount": 100, "reason": "mate"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "matebot_")
}

func TestActorHeadersRequired(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(t, http.MethodGet, "/operations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, "unauthenticated", body.Error)
}

func TestResolveUser(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(t, http.MethodPost, "/users/resolve", "", resolveRequest{Application: "telegram", ExternalID: "42", Name: "carol"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[userResponse](t, rec)
	assert.Equal(t, "carol", first.Name)
	assert.True(t, first.Active)

	rec = ts.do(t, http.MethodPost, "/users/resolve", "", resolveRequest{Application: "telegram", ExternalID: "42"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decodeBody[userResponse](t, rec).ID, "resolve is idempotent")

	rec = ts.do(t, http.MethodPost, "/users/resolve", "", resolveRequest{Application: "telegram"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommunismLifecycle(t *testing.T) {
	ts := newTestServer(t, Options{})
	alice := ts.user(t, "alice")
	bob := ts.user(t, "bob")

	rec := ts.do(t, http.MethodPost, "/communisms", "alice", map[string]any{"amount_text": "10,00", "reason": "pizza"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	op := decodeBody[operationResponse](t, rec)
	assert.Equal(t, int64(1000), op.Amount)
	assert.Equal(t, "10.00€", op.AmountText)
	assert.Equal(t, "open", op.Status)
	require.Len(t, op.Participants, 1)

	comm := "/communisms/" + strconv.FormatInt(op.ID, 10)
	rec = ts.do(t, http.MethodPost, comm+"/membership", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody[operationResponse](t, rec).Participants, 2)

	rec = ts.do(t, http.MethodPut, comm+"/quantity", "bob", quantityRequest{Quantity: 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, opPath(op.ID, "/finalize"), "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the creator may finalize")

	rec = ts.do(t, http.MethodPost, opPath(op.ID, "/finalize"), "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decodeBody[operationResponse](t, rec)
	assert.Equal(t, "finalized", done.Status)
	assert.Equal(t, "settled", done.Outcome)
	require.Len(t, done.Transactions, 1)
	assert.Equal(t, bob.ID, done.Transactions[0].Sender)
	assert.Equal(t, alice.ID, done.Transactions[0].Receiver)
	assert.Equal(t, int64(750), done.Transactions[0].Amount)

	rec = ts.do(t, http.MethodPost, opPath(op.ID, "/finalize"), "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_closed", decodeBody[errorBody](t, rec).Error)

	rec = ts.do(t, http.MethodGet, "/users/"+strconv.FormatInt(bob.ID, 10), "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(-750), decodeBody[userResponse](t, rec).Balance)

	rec = ts.do(t, http.MethodGet, "/users/"+strconv.FormatInt(alice.ID, 10)+"/transactions?limit=10", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[[]transactionResponse](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, "communism", txs[0].Type)
}

func TestCommunismErrors(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.user(t, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad json", http.MethodPost, "/communisms", `{"amount":`, http.StatusBadRequest, "bad_request"},
		{"unknown field", http.MethodPost, "/communisms", `{"amount":1,"reason":"x","foo":1}`, http.StatusBadRequest, "bad_request"},
		{"empty reason", http.MethodPost, "/communisms", map[string]any{"amount": 100, "reason": " "}, http.StatusUnprocessableEntity, "validation_failed"},
		{"negative amount", http.MethodPost, "/communisms", map[string]any{"amount": -5, "reason": "x"}, http.StatusUnprocessableEntity, "validation_failed"},
		{"malformed amount text", http.MethodPost, "/communisms", map[string]any{"amount_text": "1e3", "reason": "x"}, http.StatusUnprocessableEntity, "validation_failed"},
		{"both amounts", http.MethodPost, "/communisms", map[string]any{"amount": 1, "amount_text": "1", "reason": "x"}, http.StatusBadRequest, "bad_request"},
		{"unknown operation", http.MethodGet, "/operations/999", nil, http.StatusNotFound, "not_found"},
		{"invalid id", http.MethodGet, "/operations/abc", nil, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, "alice", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[errorBody](t, rec).Error)
		})
	}
}

func TestExternalsAndDuplicates(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.user(t, "alice")

	rec := ts.do(t, http.MethodPost, "/communisms", "alice", map[string]any{"amount": 900, "reason": "drinks"})
	require.Equal(t, http.StatusCreated, rec.Code)
	op := decodeBody[operationResponse](t, rec)
	ext := "/communisms/" + strconv.FormatInt(op.ID, 10) + "/externals"

	rec = ts.do(t, http.MethodPost, ext, "alice", externalsRequest{Delta: -1})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "negative_external_count", decodeBody[errorBody](t, rec).Error)

	rec = ts.do(t, http.MethodPost, ext, "alice", externalsRequest{Delta: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[operationResponse](t, rec).Externals)

	ts.user(t, "bob")
	rec = ts.do(t, http.MethodPost, ext, "bob", externalsRequest{Delta: 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/communisms", "alice", map[string]any{"amount": 100, "reason": "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_active_operation", decodeBody[errorBody](t, rec).Error)

	rec = ts.do(t, http.MethodPost, opPath(op.ID, "/cancel"), "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody[operationResponse](t, rec).Status)
}

func TestBallotVoting(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.user(t, "alice")
	ts.user(t, "bob")

	rec := ts.do(t, http.MethodPost, "/ballots", "alice", createBallotRequest{Question: "new fridge?"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	op := decodeBody[operationResponse](t, rec)
	votes := "/ballots/" + strconv.FormatInt(op.ID, 10) + "/votes"

	rec = ts.do(t, http.MethodPost, votes, "bob", map[string]any{"value": 2})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, votes, "bob", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, votes, "bob", map[string]any{"value": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[operationResponse](t, rec)
	require.NotNil(t, got.Tally)
	assert.Equal(t, 1, got.Tally.Yes)

	rec = ts.do(t, http.MethodGet, "/operations?open_for=me", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	open := decodeBody[[]operationResponse](t, rec)
	require.Len(t, open, 1)
	assert.Equal(t, op.ID, open[0].ID)

	rec = ts.do(t, http.MethodPost, opPath(op.ID, "/finalize"), "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "passed", decodeBody[operationResponse](t, rec).Outcome)
}

func TestSetFlagsRequiresPermission(t *testing.T) {
	ts := newTestServer(t, Options{})
	admin := ts.user(t, "admin")
	bob := ts.user(t, "bob")
	_, err := ts.users.SetPermission(context.Background(), admin.ID, true)
	require.NoError(t, err)

	path := "/users/" + strconv.FormatInt(bob.ID, 10) + "/flags"
	rec := ts.do(t, http.MethodPut, path, "bob", map[string]any{"permission": true})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPut, path, "admin", map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[userResponse](t, rec).Active)

	rec = ts.do(t, http.MethodPost, "/communisms", "bob", map[string]any{"amount": 100, "reason": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "inactive users cannot create")
}

func TestAddCallback(t *testing.T) {
	ts := newTestServer(t, Options{})
	admin := ts.user(t, "admin")
	ts.user(t, "bob")
	_, err := ts.users.SetPermission(context.Background(), admin.ID, true)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/applications/hooks/callbacks", "bob", callbackRequest{URL: "https://example.org/hook"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/applications/hooks/callbacks", "admin", callbackRequest{URL: "ftp://example.org"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/applications/hooks/callbacks", "admin", callbackRequest{URL: "https://example.org/hook"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/applications/hooks/callbacks", "admin", callbackRequest{URL: "https://example.org/hook"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Options{RateLimitPerMinute: 2})

	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/users/resolve", "", resolveRequest{Application: "a", ExternalID: "1"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/users/resolve", "", resolveRequest{Application: "a", ExternalID: "1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, float64(1), testutil.ToFloat64(ts.metrics.RequestsRejected))

	rec = ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "probes are not rate limited")
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{core.ErrNotFound, http.StatusNotFound},
		{core.ErrForbidden, http.StatusForbidden},
		{core.ErrAlreadyClosed, http.StatusConflict},
		{core.ErrConflict, http.StatusConflict},
		{core.ErrEmptyOperation, http.StatusUnprocessableEntity},
		{core.ErrInvalidTransfer, http.StatusUnprocessableEntity},
		{core.ErrEmptyQuestion, http.StatusUnprocessableEntity},
		{errBadRequest, http.StatusBadRequest},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.err.Error(), " ", "_"), func(t *testing.T) {
			status, _ := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}
