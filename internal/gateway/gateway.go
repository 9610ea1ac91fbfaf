package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/wardroom/internal/audit"
	"github.com/dreamware/wardroom/internal/auth"
	"github.com/dreamware/wardroom/internal/coordinator"
	"github.com/dreamware/wardroom/internal/metrics"
	"github.com/dreamware/wardroom/internal/ward"
)

var (
	// ErrAuthentication rejects a connection before any session exists.
	ErrAuthentication = errors.New("authentication failed")

	// ErrBadRequest is returned for frames that cannot be decoded or that
	// miss required fields.
	ErrBadRequest = errors.New("bad request")

	// ErrUnknownAction is returned for an event name the gateway does not
	// handle.
	ErrUnknownAction = errors.New("unknown action")

	errPanic = errors.New("action panicked")
)

const (
	actionConnect    = "connect"
	actionDisconnect = "disconnect"

	defaultSendBuffer = 64
	defaultPingPeriod = 54 * time.Second
)

type timing struct {
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	maxMessage int64
}

func newTiming(ping time.Duration) timing {
	if ping <= 0 {
		ping = defaultPingPeriod
	}
	return timing{
		writeWait:  10 * time.Second,
		pongWait:   ping * 10 / 9,
		pingPeriod: ping,
		maxMessage: 64 << 10,
	}
}

// Options configures a Gateway.
type Options struct {
	// Verifier checks the credential presented on connect. Required.
	Verifier auth.Verifier

	// Audit receives every broadcast problem event. Defaults to audit.Nop.
	Audit audit.Sink

	Metrics metrics.Collector
	Logger  *zap.Logger

	// AllowedOrigins lists browser origins allowed to connect. Empty or
	// "*" allows any.
	AllowedOrigins []string

	// SendBuffer is the per-client outbound queue length.
	SendBuffer int

	// PingPeriod is how often idle connections are pinged.
	PingPeriod time.Duration

	// NewID generates connection ids. Defaults to uuid.NewString.
	NewID func() string
}

// Gateway serves the real-time channel. Each connection is authenticated,
// bound to a session and placed in a room; its requests are dispatched to
// the engine and the outcome is rebroadcast to the room together with a
// fresh projection.
type Gateway struct {
	engine   *coordinator.Engine
	verifier auth.Verifier
	audit    audit.Sink
	metrics  metrics.Collector
	logger   *zap.Logger
	hub      *Hub
	newID    func() string
	upgrader websocket.Upgrader
	timing   timing
	buffer   int

	// ctx lives as long as the gateway and bounds in-flight resolutions.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New creates a gateway over engine and registers for its lock
// notifications.
func New(engine *coordinator.Engine, opts Options) *Gateway {
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		engine:   engine,
		verifier: opts.Verifier,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		hub:      newHub(opts.Metrics, opts.Logger),
		newID:    opts.NewID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		timing: newTiming(opts.PingPeriod),
		buffer: opts.SendBuffer,
		ctx:    ctx,
		cancel: cancel,
	}

	engine.OnProcessing(func(coordinator.ProblemKey, coordinator.CaregiverRef) { g.BroadcastPatients() })
	engine.OnUnlock(g.lockExpired)
	return g
}

// Hub returns the client registry.
func (g *Gateway) Hub() *Hub { return g.hub }

// ServeHTTP authenticates the request, upgrades it and runs the connection
// until it ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := newClient(g.newID(), g.buffer, g.logger)
	c.transition(StateUnauthenticated, StateAuthenticating)

	identity, err := g.verifier.Verify(credential(r))
	if err != nil {
		c.close()
		g.metrics.RecordAction(actionConnect, metrics.ResultRejected)
		g.logger.Info("connection rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		writeError(w, http.StatusUnauthorized, fmt.Errorf("%w: %v", ErrAuthentication, err))
		return
	}
	if !g.track() {
		c.close()
		writeError(w, http.StatusServiceUnavailable, errors.New("shutting down"))
		return
	}
	defer g.wg.Done()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		c.close()
		g.metrics.RecordAction(actionConnect, metrics.ResultInvalid)
		g.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	c.conn = conn
	c.caregiverID = identity.ID
	c.logger = c.logger.With(zap.String("caregiver_id", identity.ID))

	session, isNew := g.engine.Connect(c.id, identity)
	c.setRoom(session.Room)
	g.hub.add(c)
	c.transition(StateAuthenticating, StateJoined)
	g.metrics.RecordAction(actionConnect, metrics.ResultOK)

	go c.writePump(g.timing)
	if g.ctx.Err() != nil {
		// Close ran before the client reached the hub.
		c.close()
	}

	g.send(c, EventCaregiverAssigned, CaregiverAssigned{
		ConnectedAt:  session.ConnectedAt,
		CaregiverID:  session.CaregiverID,
		ConnectionID: c.id,
		Name:         session.CaregiverName,
		Room:         session.Room,
		IsNewClient:  isNew,
	})
	g.broadcast(session.Room, EventCaregiverJoined, presence(session, session.Room), c.id)

	c.readPump(g.timing, func(msg []byte) { g.handle(c, msg) })
	g.disconnect(c)
}

// BroadcastPatients sends a fresh projection to every connected client.
func (g *Gateway) BroadcastPatients() {
	frame, err := encode(EventPatients, g.engine.Projection())
	if err != nil {
		g.logger.Error("encode projection", zap.Error(err))
		return
	}
	g.hub.broadcastAll(frame)
}

// Close disconnects every client and waits for in-flight actions. Pending
// remediation calls see their context cancelled.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	g.hub.closeAll()
	g.wg.Wait()
}

// track registers a goroutine the gateway must wait for on Close.
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	return true
}

// handle decodes one inbound frame and runs it. Resolutions may wait on an
// external system, so they run on their own goroutine and never hold up the
// connection's next request.
func (g *Gateway) handle(c *Client, raw []byte) {
	if c.State() != StateJoined {
		return
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		g.metrics.RecordAction("", metrics.ResultInvalid)
		g.reject(c, "", fmt.Errorf("%w: undecodable frame", ErrBadRequest))
		return
	}

	session, ok := g.engine.Sessions().Get(c.id)
	if !ok {
		return
	}

	if env.Event != ActionResolve {
		g.run(c, session, env)
		return
	}
	if !g.track() {
		return
	}
	go func() {
		defer g.wg.Done()
		g.run(c, session, env)
	}()
}

// run is the per-action boundary: whatever happens inside, the caller ends
// up with an answer and the room with ground truth.
func (g *Gateway) run(c *Client, s coordinator.Session, env Envelope) {
	err := g.guard(c, env.Event, func() error { return g.dispatch(c, s, env) })
	g.metrics.RecordAction(env.Event, resultOf(err))
	if err != nil {
		g.reject(c, env.Event, err)
	}
}

func (g *Gateway) guard(c *Client, action string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("action panicked",
				zap.String("action", action),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return fn()
}

func (g *Gateway) dispatch(c *Client, s coordinator.Session, env Envelope) error {
	switch env.Event {
	case ActionChangeRoom:
		var req ChangeRoomRequest
		if err := decode(env.Data, &req); err != nil {
			return err
		}
		return g.changeRoom(c, s, req.Room)

	case ActionGetPatients:
		g.send(c, EventPatients, g.engine.Projection())
		return nil

	case ActionAssign:
		var req ProblemRequest
		if err := decodeProblem(env.Data, &req); err != nil {
			return err
		}
		return g.assign(c, s, req)

	case ActionResolve:
		var req ProblemRequest
		if err := decodeProblem(env.Data, &req); err != nil {
			return err
		}
		return g.resolve(c, s, req)

	case ActionUpdate:
		var req UpdateRequest
		if err := decode(env.Data, &req); err != nil {
			return err
		}
		return g.update(c, s, req)

	case ActionGetStats:
		g.sendStats(c, s.CaregiverID)
		return nil
	}
	return fmt.Errorf("%w %q", ErrUnknownAction, env.Event)
}

func (g *Gateway) changeRoom(c *Client, s coordinator.Session, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return fmt.Errorf("%w: room required", ErrBadRequest)
	}
	prev := c.Room()
	if room != prev {
		if _, ok := g.engine.Sessions().SetRoom(c.id, room); !ok {
			return coordinator.ErrSessionNotFound
		}
		g.broadcast(prev, EventCaregiverLeft, presence(s, prev), c.id)
		c.setRoom(room)
		g.broadcast(room, EventCaregiverJoined, presence(s, room), c.id)
		c.logger.Info("caregiver changed room", zap.String("room", room), zap.String("previous_room", prev))
	}
	g.send(c, EventRoomChanged, RoomChanged{Room: room, Previous: prev})
	g.send(c, EventPatients, g.engine.Projection())
	return nil
}

func (g *Gateway) assign(c *Client, s coordinator.Session, req ProblemRequest) error {
	ev, err := g.engine.Ledger().Assign(req.PatientID, req.ProblemID, s.Ref())
	if err != nil {
		return err
	}
	room := c.Room()
	g.announce(room, EventProblemAssigned, ev)
	g.broadcastPatients(room)
	return nil
}

func (g *Gateway) resolve(c *Client, s coordinator.Session, req ProblemRequest) error {
	p, err := g.engine.Store().Problem(req.PatientID, req.ProblemID)
	if err != nil {
		return err
	}

	// Locked, in-flight and already resolved problems are answered by the
	// ledger without any work, so nobody is told that work started.
	now := g.engine.Now()
	if !p.IsLocked(now) && p.Status != ward.StatusResolved && p.Status != ward.StatusProcessing {
		ev := coordinator.ProcessingEvent{
			Timestamp:    now,
			PatientID:    req.PatientID,
			ProblemID:    req.ProblemID,
			ProcessingBy: s.Ref(),
		}
		if p.Kind == ward.KindRemediation {
			ev.Message = "remediation in progress"
		}
		g.announce(c.Room(), EventProblemProcessing, ev)
	}

	resolved, err := g.engine.Ledger().Resolve(g.ctx, req.PatientID, req.ProblemID, s.Ref())

	// The caller may have moved while the remediation ran.
	room := c.Room()
	var rerr *coordinator.RemediationError
	switch {
	case errors.As(err, &rerr):
		g.announce(room, EventProblemUpdated, coordinator.UpdatedEvent{
			Timestamp: g.engine.Now(),
			PatientID: req.PatientID,
			ProblemID: req.ProblemID,
			NewStatus: ward.StatusSerious,
			UpdatedBy: s.Ref(),
		})
		g.sendStats(c, s.CaregiverID)
		return err
	case err != nil:
		return err
	case resolved == nil:
		g.broadcastPatients(room)
		return nil
	}

	g.announce(room, EventProblemResolved, resolved)
	g.broadcastPatients(room)
	g.sendStats(c, s.CaregiverID)
	return nil
}

func (g *Gateway) update(c *Client, s coordinator.Session, req UpdateRequest) error {
	if req.PatientID == "" || req.ProblemID == "" {
		return fmt.Errorf("%w: patientId and problemId required", ErrBadRequest)
	}
	status, err := ward.ParseStatus(req.Status)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	ev, err := g.engine.Ledger().UpdateStatus(req.PatientID, req.ProblemID, status, s.Ref())
	if err != nil {
		return err
	}
	room := c.Room()
	g.announce(room, EventProblemUpdated, ev)
	g.broadcastPatients(room)
	if status == ward.StatusResolved {
		g.sendStats(c, s.CaregiverID)
	}
	return nil
}

// disconnect releases everything the connection's caregiver held when this
// was their last connection and tells the room.
func (g *Gateway) disconnect(c *Client) {
	defer c.close()
	if _, ok := g.hub.remove(c.id); !ok {
		return
	}

	session, released, ok := g.engine.Disconnect(c.id)
	g.metrics.RecordAction(actionDisconnect, metrics.ResultOK)
	if !ok {
		return
	}
	g.broadcast(session.Room, EventCaregiverLeft, presence(session, session.Room), c.id)
	if len(released) > 0 {
		// Released problems are visible in every room.
		g.BroadcastPatients()
		return
	}
	g.broadcastPatients(session.Room)
}

// reject tells the caller why its action did nothing and refreshes its room.
func (g *Gateway) reject(c *Client, action string, err error) {
	notice := ErrorNotice{Action: action, Code: codeOf(err), Message: err.Error()}
	if le, ok := coordinator.AsLocked(err); ok {
		notice.RetryAfter = le.RemainingSeconds()
	}
	var rerr *coordinator.RemediationError
	if errors.As(err, &rerr) {
		notice.PatientID = rerr.PatientID
		notice.ProblemID = rerr.ProblemID
	}

	if notice.Code == CodeInternal {
		c.logger.Error("action failed", zap.String("action", action), zap.Error(err))
	} else {
		c.logger.Debug("action rejected", zap.String("action", action), zap.String("code", notice.Code), zap.Error(err))
	}

	g.send(c, EventError, notice)
	g.broadcastPatients(c.Room())
}

func (g *Gateway) lockExpired(key coordinator.ProblemKey) {
	g.logger.Debug("problem lock expired",
		zap.String("patient_id", key.PatientID),
		zap.String("problem_id", key.ProblemID))
	g.BroadcastPatients()
}

func (g *Gateway) sendStats(c *Client, caregiverID string) {
	if stats, ok := g.engine.Stats(caregiverID); ok {
		g.send(c, EventCaregiverStats, stats)
	}
}

func (g *Gateway) send(c *Client, event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		g.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	g.hub.sendTo(c, frame)
}

func (g *Gateway) broadcast(room, event string, data any, skip string) {
	frame, err := encode(event, data)
	if err != nil {
		g.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	g.hub.broadcast(room, frame, skip)
}

func (g *Gateway) broadcastPatients(room string) {
	g.broadcast(room, EventPatients, g.engine.Projection(), "")
}

// announce broadcasts a problem event to the whole room and records it in
// the audit stream.
func (g *Gateway) announce(room, event string, data any) {
	g.broadcast(room, event, data, "")
	if !g.track() {
		return
	}
	go func() {
		defer g.wg.Done()
		g.audit.Publish(context.Background(), event, data)
	}()
}

func presence(s coordinator.Session, room string) Presence {
	return Presence{CaregiverID: s.CaregiverID, Name: s.CaregiverName, Room: room}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrBadRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func decodeProblem(data json.RawMessage, req *ProblemRequest) error {
	if err := decode(data, req); err != nil {
		return err
	}
	if req.PatientID == "" || req.ProblemID == "" {
		return fmt.Errorf("%w: patientId and problemId required", ErrBadRequest)
	}
	return nil
}

func codeOf(err error) string {
	var rerr *coordinator.RemediationError
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrUnknownAction):
		return CodeBadRequest
	case coordinator.IsNotFound(err), errors.Is(err, coordinator.ErrSessionNotFound):
		return CodeNotFound
	case errors.Is(err, coordinator.ErrUnavailable):
		return CodeUnavailable
	case errors.As(err, &rerr):
		return CodeRemediation
	case errors.Is(err, coordinator.ErrInFlight):
		return CodeLocked
	}
	if _, ok := coordinator.AsLocked(err); ok {
		return CodeLocked
	}
	return CodeInternal
}

func resultOf(err error) string {
	if err == nil {
		return metrics.ResultOK
	}
	switch codeOf(err) {
	case CodeBadRequest:
		return metrics.ResultInvalid
	case CodeNotFound:
		return metrics.ResultNotFound
	case CodeUnavailable:
		return metrics.ResultUnavailable
	case CodeLocked:
		return metrics.ResultLocked
	}
	return metrics.ResultFailed
}

// credential reads the access token from the token query parameter or a
// bearer Authorization header.
func credential(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, u.Scheme+"://"+u.Host)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
