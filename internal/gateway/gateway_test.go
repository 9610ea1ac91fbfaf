package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/wardroom/internal/audit"
	"github.com/dreamware/wardroom/internal/auth"
	"github.com/dreamware/wardroom/internal/coordinator"
	"github.com/dreamware/wardroom/internal/metrics"
	"github.com/dreamware/wardroom/internal/remediation"
	"github.com/dreamware/wardroom/internal/ward"
)

var (
	remediationKey = coordinator.ProblemKey{PatientID: "1", ProblemID: "argoPb"}
	plainKey       = coordinator.ProblemKey{PatientID: "2", ProblemID: "p2"}
)

type fakeVerifier map[string]ward.Identity

func (v fakeVerifier) Verify(credential string) (ward.Identity, error) {
	id, ok := v[credential]
	if !ok {
		return ward.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

var testVerifier = fakeVerifier{
	"tok-alice": {ID: "alice", Name: ward.Name{FirstName: "Alice", LastName: "Plaster"}},
	"tok-bob":   {ID: "bob", Name: ward.Name{FirstName: "Bob", LastName: "Gauze"}},
}

type countingMetrics struct {
	metrics.NopMetrics
	dropped atomic.Int32
}

func (m *countingMetrics) RecordDroppedMessage() { m.dropped.Add(1) }

type harness struct {
	engine *coordinator.Engine
	gw     *Gateway
	srv    *httptest.Server
}

func newHarness(t *testing.T, action remediation.Action, cfg coordinator.EngineConfig, opts Options) *harness {
	t.Helper()
	store := ward.NewMemoryStore()
	require.NoError(t, ward.DefaultSeed().Apply(store, time.Now()))

	engine := coordinator.NewEngine(store, action, cfg, zap.NewNop(), nil)
	opts.Verifier = testVerifier
	if opts.PingPeriod == 0 {
		opts.PingPeriod = time.Second
	}
	gw := New(engine, opts)
	srv := httptest.NewServer(gw)

	t.Cleanup(func() {
		gw.Close()
		srv.Close()
		engine.Close()
	})
	return &harness{engine: engine, gw: gw, srv: srv}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

type wsClient struct {
	conn *websocket.Conn
}

func (h *harness) dial(t *testing.T, token string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL()+"/?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{conn: conn}
}

func (c *wsClient) send(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteJSON(Envelope{Event: event, Data: raw}))
}

func (c *wsClient) next(t *testing.T) Envelope {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env Envelope
	require.NoError(t, c.conn.ReadJSON(&env))
	return env
}

// expect reads frames until one named event arrives.
func (c *wsClient) expect(t *testing.T, event string) Envelope {
	t.Helper()
	for {
		env := c.next(t)
		if env.Event == event {
			return env
		}
	}
}

// expectPatients reads projections until one satisfies ok.
func (c *wsClient) expectPatients(t *testing.T, ok func(coordinator.WardView) bool) coordinator.WardView {
	t.Helper()
	for {
		view := payload[coordinator.WardView](t, c.expect(t, EventPatients))
		if ok(view) {
			return view
		}
	}
}

func payload[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func problemIs(key coordinator.ProblemKey, ok func(coordinator.ProblemView) bool) func(coordinator.WardView) bool {
	return func(v coordinator.WardView) bool {
		p, found := v.Problem(key)
		return found && ok(p)
	}
}

func TestRejectsUnauthenticated(t *testing.T) {
	h := newHarness(t, nil, coordinator.EngineConfig{}, Options{})

	for _, url := range []string{h.wsURL(), h.wsURL() + "/?token=forged"} {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Zero(t, h.engine.Sessions().ActiveCount())
	assert.Zero(t, h.gw.Hub().Size())
}

func TestBearerHeader(t *testing.T) {
	h := newHarness(t, nil, coordinator.EngineConfig{}, Options{})

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), http.Header{"Authorization": {"Bearer tok-bob"}})
	require.NoError(t, err)
	defer conn.Close()

	c := &wsClient{conn: conn}
	got := payload[CaregiverAssigned](t, c.expect(t, EventCaregiverAssigned))
	assert.Equal(t, "bob", got.CaregiverID)
}

func TestConnectAnnouncesCaregiver(t *testing.T) {
	h := newHarness(t, nil, coordinator.EngineConfig{}, Options{})

	alice := h.dial(t, "tok-alice")
	me := payload[CaregiverAssigned](t, alice.expect(t, EventCaregiverAssigned))
	assert.Equal(t, "alice", me.CaregiverID)
	assert.Equal(t, "Alice", me.Name.FirstName)
	assert.Equal(t, coordinator.DefaultRoom, me.Room)
	assert.True(t, me.IsNewClient)
	assert.NotEmpty(t, me.ConnectionID)

	h.dial(t, "tok-bob")
	joined := payload[Presence](t, alice.expect(t, EventCaregiverJoined))
	assert.Equal(t, "bob", joined.CaregiverID)
	assert.Equal(t, coordinator.DefaultRoom, joined.Room)

	assert.Equal(t, 2, h.gw.Hub().Size())
	assert.Equal(t, []string{coordinator.DefaultRoom}, h.gw.Hub().Rooms())
}

func TestAssignBroadcastsToRoom(t *testing.T) {
	h := newHarness(t, nil, coordinator.EngineConfig{}, Options{})
	alice := h.dial(t, "tok-alice")
	alice.expect(t, EventCaregiverAssigned)
	bob := h.dial(t, "tok-bob")
	bob.expect(t, EventCaregiverAssigned)

	alice.send(t, ActionAssign, ProblemRequest{PatientID: "2", ProblemID: "p2"})

	for _, c := range []*wsClient{alice, bob} {
		ev := payload[coordinator.AssignedEvent](t, c.expect(t, EventProblemAssigned))
		assert.Equal(t, "alice", ev.AssignedBy.CaregiverID)

		c.expectPatients(t, problemIs(plainKey, func(p coordinator.ProblemView) bool {
			return p.AssignedTo != nil && p.AssignedTo.CaregiverID == "alice"
		}))
	}

	bob.send(t, ActionAssign, ProblemRequest{PatientID: "2", ProblemID: "p2"})
	notice := payload[ErrorNotice](t, bob.expect(t, EventError))
	assert.Equal(t, CodeUnavailable, notice.Code)
	assert.Equal(t, ActionAssign, notice.Action)
	bob.expect(t, EventPatients)
}

func TestRemediationOverTheWire(t *testing.T) {
	const cooldown = 500 * time.Millisecond
	h := newHarness(t, remediation.Simulated{Delay: 200 * time.Millisecond},
		coordinator.EngineConfig{Cooldown: cooldown}, Options{})
	alice := h.dial(t, "tok-alice")
	alice.expect(t, EventCaregiverAssigned)

	alice.send(t, ActionAssign, ProblemRequest{PatientID: "1", ProblemID: "argoPb"})
	alice.expect(t, EventProblemAssigned)

	alice.send(t, ActionResolve, ProblemRequest{PatientID: "1", ProblemID: "argoPb"})
	processing := payload[coordinator.ProcessingEvent](t, alice.expect(t, EventProblemProcessing))
	assert.Equal(t, "alice", processing.ProcessingBy.CaregiverID)
	assert.NotEmpty(t, processing.Message)

	alice.expectPatients(t, problemIs(remediationKey, func(p coordinator.ProblemView) bool {
		return p.Status == ward.StatusProcessing && p.IsLocked
	}))

	resolved := payload[coordinator.ResolvedEvent](t, alice.expect(t, EventProblemResolved))
	assert.Equal(t, "argoPb", resolved.ProblemID)

	stats := payload[coordinator.CaregiverStats](t, alice.expect(t, EventCaregiverStats))
	assert.Equal(t, 1, stats.TotalResolved)
	assert.Empty(t, stats.Holding)

	// The unlock is pushed without any request.
	view := alice.expectPatients(t, problemIs(remediationKey, func(p coordinator.ProblemView) bool {
		return !p.IsLocked
	}))
	p, _ := view.Problem(remediationKey)
	assert.Equal(t, ward.StatusResolved, p.Status)
	assert.Nil(t, p.AssignedTo)
}

func TestRemediationFailureOverTheWire(t *testing.T) {
	h := newHarness(t, remediation.Simulated{Fail: errors.New("registry down")},
		coordinator.EngineConfig{Cooldown: time.Minute}, Options{})
	alice := h.dial(t, "tok-alice")
	alice.expect(t, EventCaregiverAssigned)

	alice.send(t, ActionAssign, ProblemRequest{PatientID: "1", ProblemID: "argoPb"})
	alice.expect(t, EventProblemAssigned)

	alice.send(t, ActionResolve, ProblemRequest{PatientID: "1", ProblemID: "argoPb"})
	updated := payload[coordinator.UpdatedEvent](t, alice.expect(t, EventProblemUpdated))
	assert.Equal(t, ward.StatusSerious, updated.NewStatus)

	notice := payload[ErrorNotice](t, alice.expect(t, EventError))
	assert.Equal(t, CodeRemediation, notice.Code)
	assert.Equal(t, "argoPb", notice.ProblemID)

	alice.expectPatients(t, problemIs(remediationKey, func(p coordinator.ProblemView) bool {
		return p.Status == ward.StatusSerious && p.IsLocked &&
			p.AssignedTo != nil && p.AssignedTo.CaregiverID == "alice"
	}))

	for _, action := range []string{ActionResolve, ActionAssign} {
		alice.send(t, action, ProblemRequest{PatientID: "1", ProblemID: "argoPb"})
		locked := payload[ErrorNotice](t, alice.expect(t, EventError))
		assert.Equal(t, CodeLocked, locked.Code, action)
		assert.Positive(t, locked.RetryAfter, action)
	}

	alice.send(t, ActionUpdate, UpdateRequest{PatientID: "1", ProblemID: "argoPb", Status: "stable"})
	locked := payload[ErrorNotice](t, alice.expect(t, EventError))
	assert.Equal(t, CodeLocked, locked.Code)
}

func TestUpdateStatus(t *testing.T) {
	h := newHarness(t, nil, coordinator.EngineConfig{}, Options{})
	alice := h.dial(t, "tok-alice")
	alice.expect(t, EventCaregiverAssigned)

	alice.send(t, ActionUpdate, UpdateRequest{PatientID: "2", ProblemID: "p2", Status: "stable"})
	ev := payload[coordinator.UpdatedEvent](t, alice.expect(t, EventProblemUpdated))
	assert.Equal(t, ward.StatusStable, ev.NewStatus)

	alice.send(t, ActionUpdate, UpdateRequest{PatientID: "2", ProblemID: "p2", Status: "resolved"})
	alice.expect(t, EventProblemUpdated)
	stats := payload[coordinator.CaregiverStats](t, alice.expect(t, EventCaregiverStats))
	assert.Equal(t, 1, stats.TotalResolved)

	alice.send(t, ActionUpdate, UpdateRequest{PatientID: "2", ProblemID: "p2", Status: "dying"})
	notice := payload[ErrorNotice](t, alice.expect(t, EventError))
	assert.Equal(t, CodeBadRequest, notice.Code)
}

func TestChangeRoom(t *testing.T) {
	h := newHarness(t, nil, coordinator.EngineConfig{}, Options{})
	alice := h.dial(t, "tok-alice")
	alice.expect(t, EventCaregiverAssigned)
	bob := h.dial(t, "tok-bob")
	bob.expect(t, EventCaregiverAssigned)

	alice.send(t, ActionChangeRoom, ChangeRoomRequest{Room: "icu"})
	changed := payload[RoomChanged](t, alice.expect(t, EventRoomChanged))
	assert.Equal(t, RoomChanged{Room: "icu", Previous: coordinator.DefaultRoom}, changed)

	left := payload[Presence](t, bob.expect(t, EventCaregiverLeft))
	assert.Equal(t, "alice", left.CaregiverID)

	s, ok := h.engine.Sessions().Get(h.connectionOf(t, "alice"))
	require.True(t, ok)
	assert.Equal(t, "icu", s.Room)

	// Alice's assignment is broadcast to icu only; bob's next frame is the
	// answer to his own request.
	alice.send(t, ActionAssign, ProblemRequest{PatientID: "2", ProblemID: "p2"})
	alice.expect(t, EventProblemAssigned)
	bob.send(t, ActionGetPatients, struct{}{})
	assert.Equal(t, EventPatients, bob.next(t).Event)

	alice.send(t, ActionChangeRoom, ChangeRoomRequest{Room: "  "})
	notice := payload[ErrorNotice](t, alice.expect(t, EventError))
	assert.Equal(t, CodeBadRequest, notice.Code)
}

// connectionOf finds the connection id of a caregiver's only session.
func (h *harness) connectionOf(t *testing.T, caregiverID string) string {
	t.Helper()
	for _, s := range h.engine.Sessions().Active() {
		if s.CaregiverID == caregiverID {
			return s.ConnectionID
		}
	}
	t.Fatalf("no active session for %s", caregiverID)
	return ""
}

func TestDisconnectReleasesHoldings(t *testing.T) {
	h := newHarness(t, nil, coordinator.EngineConfig{}, Options{})
	alice := h.dial(t, "tok-alice")
	alice.expect(t, EventCaregiverAssigned)
	bob := h.dial(t, "tok-bob")
	bob.expect(t, EventCaregiverAssigned)

	alice.send(t, ActionAssign, ProblemRequest{PatientID: "2", ProblemID: "p2"})
	bob.expect(t, EventProblemAssigned)

	require.NoError(t, alice.conn.Close())

	left := payload[Presence](t, bob.expect(t, EventCaregiverLeft))
	assert.Equal(t, "alice", left.CaregiverID)
	bob.expectPatients(t, problemIs(plainKey, func(p coordinator.ProblemView) bool {
		return p.AssignedTo == nil
	}))

	require.Eventually(t, func() bool { return h.gw.Hub().Size() == 1 }, time.Second, 10*time.Millisecond)
	_, parked := h.engine.Sessions().Inactive("alice")
	assert.True(t, parked)

	// Rejoining inside the grace window restores the session.
	again := h.dial(t, "tok-alice")
	me := payload[CaregiverAssigned](t, again.expect(t, EventCaregiverAssigned))
	assert.False(t, me.IsNewClient)
	assert.Equal(t, "alice", me.CaregiverID)
	assert.Equal(t, 2, h.engine.Directory().Len(), "no duplicate caregiver record")
}

func TestBadFramesKeepConnection(t *testing.T) {
	h := newHarness(t, nil, coordinator.EngineConfig{}, Options{})
	alice := h.dial(t, "tok-alice")
	alice.expect(t, EventCaregiverAssigned)

	tests := []struct {
		name  string
		frame string
	}{
		{name: "not json", frame: "{{{"},
		{name: "no event", frame: `{"data":{}}`},
		{name: "unknown action", frame: `{"event":"ward:explode","data":{}}`},
		{name: "missing data", frame: `{"event":"problem:assign"}`},
		{name: "missing ids", frame: `{"event":"problem:resolve","data":{"patientId":"1"}}`},
		{name: "wrong types", frame: `{"event":"problem:assign","data":{"patientId":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			notice := payload[ErrorNotice](t, alice.expect(t, EventError))
			assert.Equal(t, CodeBadRequest, notice.Code)
			alice.expect(t, EventPatients)
		})
	}

	alice.send(t, ActionAssign, ProblemRequest{PatientID: "9", ProblemID: "x"})
	notice := payload[ErrorNotice](t, alice.expect(t, EventError))
	assert.Equal(t, CodeNotFound, notice.Code)

	alice.send(t, ActionGetStats, struct{}{})
	stats := payload[coordinator.CaregiverStats](t, alice.expect(t, EventCaregiverStats))
	assert.Equal(t, "alice", stats.ID)
}

func TestAuditStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sink := audit.NewRedisSink(client, "", 0, zap.NewNop())

	h := newHarness(t, nil, coordinator.EngineConfig{}, Options{Audit: sink})
	alice := h.dial(t, "tok-alice")
	alice.expect(t, EventCaregiverAssigned)

	alice.send(t, ActionAssign, ProblemRequest{PatientID: "2", ProblemID: "p2"})
	alice.expect(t, EventProblemAssigned)
	alice.send(t, ActionResolve, ProblemRequest{PatientID: "2", ProblemID: "p2"})
	alice.expect(t, EventProblemResolved)

	var events []string
	require.Eventually(t, func() bool {
		entries, err := sink.Recent(context.Background(), 10)
		if err != nil {
			return false
		}
		events = events[:0]
		for _, e := range entries {
			events = append(events, e.Event)
		}
		return len(events) == 3
	}, 2*time.Second, 20*time.Millisecond)
	assert.ElementsMatch(t, []string{EventProblemAssigned, EventProblemProcessing, EventProblemResolved}, events)
}

func TestCloseDisconnectsClients(t *testing.T) {
	h := newHarness(t, nil, coordinator.EngineConfig{}, Options{})
	alice := h.dial(t, "tok-alice")
	alice.expect(t, EventCaregiverAssigned)

	h.gw.Close()

	require.NoError(t, alice.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := alice.conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}
	assert.Zero(t, h.gw.Hub().Size())
	assert.Zero(t, h.engine.Sessions().ActiveCount())

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL()+"/?token=tok-alice", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestSlowClientDropsMessages(t *testing.T) {
	m := &countingMetrics{}
	hub := newHub(m, zap.NewNop())
	c := newClient("c1", 1, zap.NewNop())
	c.state.Store(int32(StateJoined))
	c.setRoom("default")
	hub.add(c)

	hub.broadcast("default", []byte("one"), "")
	hub.broadcast("default", []byte("two"), "")
	hub.broadcast("elsewhere", []byte("three"), "")
	assert.Equal(t, int32(1), m.dropped.Load())
	assert.Equal(t, []byte("one"), <-c.send)

	c.close()
	hub.broadcastAll([]byte("after close"))
	assert.Equal(t, int32(1), m.dropped.Load(), "closed clients are not counted")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestGuardRecoversPanics(t *testing.T) {
	h := newHarness(t, nil, coordinator.EngineConfig{}, Options{})
	c := newClient("c1", 1, zap.NewNop())

	err := h.gw.guard(c, ActionAssign, func() error { panic("nil map") })
	require.ErrorIs(t, err, errPanic)
	assert.Equal(t, CodeInternal, codeOf(err))
	assert.Equal(t, metrics.ResultFailed, resultOf(err))
}

func TestClientTransitions(t *testing.T) {
	c := newClient("c1", 1, zap.NewNop())
	assert.Equal(t, StateUnauthenticated, c.State())
	assert.False(t, c.transition(StateAuthenticating, StateJoined))
	assert.True(t, c.transition(StateUnauthenticated, StateAuthenticating))
	assert.True(t, c.transition(StateAuthenticating, StateJoined))
	c.close()
	assert.False(t, c.transition(StateDisconnected, StateJoined), "disconnected is terminal")
	assert.Equal(t, "disconnected", c.State().String())
	c.close()
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		result string
	}{
		{err: ErrBadRequest, code: CodeBadRequest, result: metrics.ResultInvalid},
		{err: ErrUnknownAction, code: CodeBadRequest, result: metrics.ResultInvalid},
		{err: coordinator.ErrProblemNotFound, code: CodeNotFound, result: metrics.ResultNotFound},
		{err: coordinator.ErrSessionNotFound, code: CodeNotFound, result: metrics.ResultNotFound},
		{err: coordinator.ErrUnavailable, code: CodeUnavailable, result: metrics.ResultUnavailable},
		{err: &coordinator.LockedError{Remaining: time.Second}, code: CodeLocked, result: metrics.ResultLocked},
		{err: coordinator.ErrInFlight, code: CodeLocked, result: metrics.ResultLocked},
		{err: &coordinator.RemediationError{Err: errors.New("x")}, code: CodeRemediation, result: metrics.ResultFailed},
		{err: errors.New("boom"), code: CodeInternal, result: metrics.ResultFailed},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, codeOf(tt.err))
			assert.Equal(t, tt.result, resultOf(tt.err))
		})
	}
	assert.Equal(t, metrics.ResultOK, resultOf(nil))
}

func TestCredential(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "query", target: "/ward?token=abc", want: "abc"},
		{name: "bearer", target: "/ward", header: "Bearer xyz", want: "xyz"},
		{name: "lowercase bearer", target: "/ward", header: "bearer xyz", want: "xyz"},
		{name: "query wins", target: "/ward?token=abc", header: "Bearer xyz", want: "abc"},
		{name: "basic auth ignored", target: "/ward", header: "Basic dXNlcg=="},
		{name: "none", target: "/ward"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, credential(r))
		})
	}
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "no list", origin: "http://evil.example", want: true},
		{name: "wildcard", allowed: []string{"*"}, origin: "http://evil.example", want: true},
		{name: "listed", allowed: []string{"http://localhost:3000"}, origin: "http://localhost:3000", want: true},
		{name: "not listed", allowed: []string{"http://localhost:3000"}, origin: "http://evil.example", want: false},
		{name: "no origin header", allowed: []string{"http://localhost:3000"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ward", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}
