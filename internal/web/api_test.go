package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/locshare/internal/policy"
	"nuha.dev/locshare/internal/power"
	"nuha.dev/locshare/internal/presence"
	"nuha.dev/locshare/internal/proximity"
	"nuha.dev/locshare/internal/pstore/memstore"
	"nuha.dev/locshare/internal/strategy"
	"nuha.dev/locshare/internal/tracker"
	"nuha.dev/locshare/internal/util"
)

func testApi(t *testing.T) (*Api, *httptest.Server) {
	t.Helper()
	n := 0
	next := func() string { n++; return fmt.Sprintf("%012d", n) }
	pres := presence.NewEngine(memstore.New(), next, presence.Config{UserId: "self"})
	prox := proximity.NewEngine(nil, proximity.Config{})
	mon := power.NewStatic(power.State{BatteryLevel: 80})
	sel := strategy.NewSelector(nil, mon, policy.ClassStandard, nil, nil, strategy.Config{})
	trk := tracker.New("self", sel, pres, prox, nil)

	api, err := NewApi(trk, pres, prox, nil, &ApiConfig{
		ListenAddr: ":0",
		TokenHash:  util.HashToken("secret"),
		HashidSalt: "test-salt",
	})
	require.NoError(t, err)
	srv := httptest.NewServer(api.r)
	t.Cleanup(srv.Close)
	return api, srv
}

func doReq(t *testing.T, method, url string, token string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeBody(t *testing.T, res *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(res.Body).Decode(v))
}

func TestMissingTokenRejected(t *testing.T) {
	_, srv := testApi(t)
	res := doReq(t, "GET", srv.URL+"/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestBadTokenRejected(t *testing.T) {
	_, srv := testApi(t)
	res := doReq(t, "GET", srv.URL+"/status", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestMetricsOpenWithoutToken(t *testing.T) {
	_, srv := testApi(t)
	res := doReq(t, "GET", srv.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestStatusReportsIdleSession(t *testing.T) {
	_, srv := testApi(t)
	res := doReq(t, "GET", srv.URL+"/status", "secret", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st statusResponse
	decodeBody(t, res, &st)
	assert.Equal(t, "idle", st.State)
	assert.False(t, st.Sharing)
}

func TestSharingToggle(t *testing.T) {
	_, srv := testApi(t)
	res := doReq(t, "POST", srv.URL+"/sharing", "secret", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st statusResponse
	decodeBody(t, res, &st)
	assert.True(t, st.Sharing)

	res = doReq(t, "POST", srv.URL+"/sharing", "secret", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, res.StatusCode)
	decodeBody(t, res, &st)
	assert.False(t, st.Sharing)
}

func TestSharingRequiresEnabledField(t *testing.T) {
	_, srv := testApi(t)
	res := doReq(t, "POST", srv.URL+"/sharing", "secret", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestTrackingStartWithNoStrategies(t *testing.T) {
	_, srv := testApi(t)
	res := doReq(t, "POST", srv.URL+"/tracking/start", "secret", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestGeofenceLifecycle(t *testing.T) {
	_, srv := testApi(t)

	res := doReq(t, "POST", srv.URL+"/geofences", "secret", geofenceRequest{
		Label: "home", Latitude: -6.2, Longitude: 106.8, RadiusM: 250,
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var created geofenceResponse
	decodeBody(t, res, &created)
	assert.NotEmpty(t, created.Id)
	assert.GreaterOrEqual(t, len(created.Id), 8, "public id must be hashid-encoded")

	res = doReq(t, "GET", srv.URL+"/geofences", "secret", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var list []geofenceResponse
	decodeBody(t, res, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "home", list[0].Label)

	res = doReq(t, "DELETE", srv.URL+"/geofences/"+created.Id, "secret", nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res = doReq(t, "DELETE", srv.URL+"/geofences/"+created.Id, "secret", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestGeofenceValidation(t *testing.T) {
	_, srv := testApi(t)
	res := doReq(t, "POST", srv.URL+"/geofences", "secret", geofenceRequest{
		Label: "bad", Latitude: 95, Longitude: 0, RadiusM: 100,
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = doReq(t, "POST", srv.URL+"/geofences", "secret", geofenceRequest{
		Label: "bad", Latitude: 0, Longitude: 0, RadiusM: 0,
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestDeleteGeofenceBadId(t *testing.T) {
	_, srv := testApi(t)
	res := doReq(t, "DELETE", srv.URL+"/geofences/not-a-hashid!", "secret", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHistoryDisabled(t *testing.T) {
	_, srv := testApi(t)
	res := doReq(t, "GET", srv.URL+"/history", "secret", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
