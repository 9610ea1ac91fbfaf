package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/wardroom/internal/audit"
	"github.com/dreamware/wardroom/internal/coordinator"
	"github.com/dreamware/wardroom/internal/gateway"
	"github.com/dreamware/wardroom/internal/ward"
)

// wardSystem runs the full HTTP surface in process.
type wardSystem struct {
	srv  *server
	http *httptest.Server
	api  *resty.Client
}

func startWard(t *testing.T) *wardSystem {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Redis.Addr = mr.Addr()
	srv := newTestServer(t, cfg)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	return &wardSystem{
		srv:  srv,
		http: ts,
		api:  resty.New().SetBaseURL(ts.URL).SetTimeout(5 * time.Second),
	}
}

func (ws *wardSystem) login(t *testing.T) tokenResponse {
	t.Helper()
	var out tokenResponse
	resp, err := ws.api.R().SetResult(&out).Post("/auth/login")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode(), resp.String())
	return out
}

type caregiverConn struct {
	conn *websocket.Conn
}

func (ws *wardSystem) connect(t *testing.T, token string) *caregiverConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ws.http.URL, "http") + "/ward?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &caregiverConn{conn: conn}
}

func (c *caregiverConn) send(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteJSON(gateway.Envelope{Event: event, Data: raw}))
}

func (c *caregiverConn) expect(t *testing.T, event string) gateway.Envelope {
	t.Helper()
	for {
		require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var env gateway.Envelope
		require.NoError(t, c.conn.ReadJSON(&env))
		if env.Event == event {
			return env
		}
	}
}

func (c *caregiverConn) expectPatients(t *testing.T, ok func(coordinator.WardView) bool) {
	t.Helper()
	for {
		var view coordinator.WardView
		require.NoError(t, json.Unmarshal(c.expect(t, gateway.EventPatients).Data, &view))
		if ok(view) {
			return
		}
	}
}

func statusOf(key coordinator.ProblemKey, want ward.Status) func(coordinator.WardView) bool {
	return func(v coordinator.WardView) bool {
		p, found := v.Problem(key)
		return found && p.Status == want
	}
}

func TestWardFlow(t *testing.T) {
	ws := startWard(t)
	argo := coordinator.ProblemKey{PatientID: "1", ProblemID: "argoPb"}

	nurse := ws.login(t)
	doctor := ws.login(t)
	require.NotEqual(t, nurse.User.ID, doctor.User.ID)

	a := ws.connect(t, nurse.AccessToken)
	var assigned gateway.CaregiverAssigned
	require.NoError(t, json.Unmarshal(a.expect(t, gateway.EventCaregiverAssigned).Data, &assigned))
	assert.Equal(t, nurse.User.ID, assigned.CaregiverID)
	assert.Equal(t, "default", assigned.Room)
	assert.True(t, assigned.IsNewClient)

	b := ws.connect(t, doctor.AccessToken)
	b.expect(t, gateway.EventCaregiverAssigned)
	a.expect(t, gateway.EventCaregiverJoined)

	a.send(t, gateway.ActionAssign, gateway.ProblemRequest{PatientID: argo.PatientID, ProblemID: argo.ProblemID})
	b.expect(t, gateway.EventProblemAssigned)

	a.send(t, gateway.ActionResolve, gateway.ProblemRequest{PatientID: argo.PatientID, ProblemID: argo.ProblemID})
	b.expect(t, gateway.EventProblemProcessing)
	b.expect(t, gateway.EventProblemResolved)
	b.expectPatients(t, statusOf(argo, ward.StatusResolved))

	var stats coordinator.CaregiverStats
	require.NoError(t, json.Unmarshal(a.expect(t, gateway.EventCaregiverStats).Data, &stats))
	assert.Equal(t, 1, stats.TotalResolved)

	// A problem created over HTTP reaches every connected caregiver.
	var created ward.Problem
	resp, err := ws.api.R().
		SetBody(map[string]string{"description": "Drip empty"}).
		SetResult(&created).
		Post("/patients/2/problems")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode(), resp.String())
	b.expectPatients(t, statusOf(coordinator.ProblemKey{PatientID: "2", ProblemID: created.ID}, ward.StatusCritical))

	// The REST view agrees with the pushed projection.
	var patient coordinator.PatientView
	resp, err = ws.api.R().SetResult(&patient).Get("/patients/1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, ward.StatusResolved, patient.OverallStatus)

	sink := audit.NewRedisSink(ws.srv.redis, audit.DefaultStream, 0, nil)
	require.Eventually(t, func() bool {
		entries, err := sink.Recent(context.Background(), 10)
		return err == nil && len(entries) >= 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWardRejectsBadToken(t *testing.T) {
	ws := startWard(t)

	url := "ws" + strings.TrimPrefix(ws.http.URL, "http") + "/ward?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
