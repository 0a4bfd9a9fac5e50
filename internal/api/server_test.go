package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crumbs/internal/config"
	"crumbs/internal/db"
	"crumbs/internal/store"
	"crumbs/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.APIConfig {
	return config.APIConfig{
		FallbackUserID: "browser-test-user",
		RequestTimeout: 5 * time.Second,
		MaxBodyBytes:   1 << 16,
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *store.SQLite) {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	st := store.NewSQLite(conn)
	require.NoError(t, st.Migrate(context.Background()))

	srv := httptest.NewServer(New(testConfig(), nil, st).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestLoadRequiresUserID(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/load-user-data")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "userId is required", body["error"])
}

func TestLoadUnknownUserIsNewAndDoesNotWrite(t *testing.T) {
	srv, st := newTestServer(t)
	resp, err := http.Get(srv.URL + "/load-user-data?userId=fresh")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.JSONEq(t, `{"gameState":null,"newUser":true}`, string(raw))

	_, err = st.Load(context.Background(), "fresh")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveThenLoad(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"userId":"u7","cookies_collected":"99.5","buildings_data":"[{\"name\":\"Cursor\",\"baseCost\":15,\"baseCps\":0.1,\"count\":4}]","achievements":[1,4],"extra":"ignored"}`
	resp, err := http.Post(srv.URL+"/save-user-data", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var saved wire.SaveResponse
	decodeBody(t, resp, &saved)
	assert.Equal(t, "Data saved successfully", saved.Message)
	assert.False(t, saved.LastUpdated.IsZero())

	resp, err = http.Get(srv.URL + "/load-user-data?userId=u7")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var loaded wire.LoadResponse
	decodeBody(t, resp, &loaded)
	require.True(t, loaded.Found)
	assert.Equal(t, wire.Number(99.5), loaded.Record.CookiesCollected)
	require.Len(t, loaded.Record.BuildingsData, 1)
	assert.Equal(t, wire.Count(4), loaded.Record.BuildingsData[0].Count)
	assert.Equal(t, []string{"1", "4"}, []string(loaded.Record.Achievements))
	assert.True(t, loaded.Record.LastUpdated.Equal(saved.LastUpdated))
}

func TestSaveValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"userId":`},
		{name: "missing user", body: `{"cookies_collected":1}`},
		{name: "blank user", body: `{"userId":"  "}`},
		{name: "negative count", body: `{"userId":"u","buildings_data":[{"name":"Cursor","count":-1}]}`},
		{name: "fractional count", body: `{"userId":"u","buildings_data":[{"name":"Cursor","count":1.5}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/save-user-data", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestSaveWrongMethod(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		req, err := http.NewRequest(method, srv.URL+"/save-user-data", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
		var body map[string]string
		decodeBody(t, resp, &body)
		assert.Equal(t, "Method Not Allowed", body["error"])
	}
}

func TestFallbackUserNeverTouchesStore(t *testing.T) {
	srv, st := newTestServer(t)
	body := `{"userId":"browser-test-user","cookies_collected":5,"buildings_data":[],"achievements":[]}`
	resp, err := http.Post(srv.URL+"/save-user-data", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var saved wire.SaveResponse
	decodeBody(t, resp, &saved)
	assert.Contains(t, saved.Message, "fallback user")

	_, err = st.Load(context.Background(), "browser-test-user")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAchievementsNeverShrinkAcrossSaves(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, achievements := range []string{`["1","2"]`, `["3"]`, `[]`} {
		body := `{"userId":"grow","cookies_collected":1,"buildings_data":[],"achievements":` + achievements + `}`
		resp, err := http.Post(srv.URL+"/save-user-data", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, err := http.Get(srv.URL + "/load-user-data?userId=grow")
	require.NoError(t, err)
	var loaded wire.LoadResponse
	decodeBody(t, resp, &loaded)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, []string(loaded.Record.Achievements))
}

func TestExport(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/export-user-data?userId=nobody")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := `{"userId":"exp","cookies_collected":12,"buildings_data":[],"achievements":["1"]}`
	resp, err = http.Post(srv.URL+"/save-user-data", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/export-user-data?userId=exp")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	var rec wire.Record
	decodeBody(t, resp, &rec)
	assert.Equal(t, wire.Number(12), rec.CookiesCollected)
}

type unavailableStore struct{}

func (unavailableStore) Load(context.Context, string) (wire.Record, error) {
	return wire.Record{}, store.ErrUnavailable
}

func (unavailableStore) Upsert(context.Context, wire.SaveRequest) (time.Time, error) {
	return time.Time{}, store.ErrUnavailable
}

func (unavailableStore) Ping(context.Context) error { return store.ErrUnavailable }

func TestTransientStoreErrorsMapTo503(t *testing.T) {
	srv := httptest.NewServer(New(testConfig(), nil, unavailableStore{}).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/load-user-data?userId=u")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/save-user-data", "application/json", strings.NewReader(`{"userId":"u"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/load-user-data?userId=m")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `crumbs_loads_total{result="new"} 1`)
	assert.Contains(t, string(raw), `crumbs_http_requests_total{code="200",route="/load-user-data"} 1`)
}
