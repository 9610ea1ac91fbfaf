package gateway

import (
	"encoding/json"
	"time"

	"github.com/dreamware/wardroom/internal/ward"
)

// Server to client events.
const (
	EventCaregiverAssigned = "caregiver:assigned"
	EventCaregiverJoined   = "caregiver:joined"
	EventCaregiverLeft     = "caregiver:left"
	EventRoomChanged       = "ward:roomChanged"
	EventProblemAssigned   = "problem:assigned"
	EventProblemProcessing = "problem:processing"
	EventProblemResolved   = "problem:resolved"
	EventProblemUpdated    = "problem:updated"
	EventPatients          = "ward:patients"
	EventCaregiverStats    = "caregiver:stats"
	EventError             = "ward:error"
)

// Client to server requests.
const (
	ActionChangeRoom  = "ward:changeRoom"
	ActionGetPatients = "ward:getPatients"
	ActionAssign      = "problem:assign"
	ActionResolve     = "problem:resolve"
	ActionUpdate      = "problem:update"
	ActionGetStats    = "caregiver:getStats"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// encode builds a text frame for event.
func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// ChangeRoomRequest is the payload of ward:changeRoom.
type ChangeRoomRequest struct {
	Room string `json:"room"`
}

// ProblemRequest is the payload of problem:assign and problem:resolve.
type ProblemRequest struct {
	PatientID string `json:"patientId"`
	ProblemID string `json:"problemId"`
}

// UpdateRequest is the payload of problem:update.
type UpdateRequest struct {
	PatientID string `json:"patientId"`
	ProblemID string `json:"problemId"`
	Status    string `json:"status"`
}

// CaregiverAssigned tells a freshly connected client who it is.
type CaregiverAssigned struct {
	ConnectedAt  time.Time `json:"connectedAt"`
	CaregiverID  string    `json:"caregiverId"`
	ConnectionID string    `json:"connectionId"`
	Name         ward.Name `json:"name"`
	Room         string    `json:"room"`
	IsNewClient  bool      `json:"isNewClient"`
}

// Presence is the payload of caregiver:joined and caregiver:left.
type Presence struct {
	CaregiverID string    `json:"caregiverId"`
	Name        ward.Name `json:"name"`
	Room        string    `json:"room"`
}

// RoomChanged confirms a room change to the requester.
type RoomChanged struct {
	Room     string `json:"room"`
	Previous string `json:"previousRoom"`
}

// ErrorNotice is sent to the requester when an action is rejected. A state
// refresh always follows it.
type ErrorNotice struct {
	Action     string `json:"action"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	PatientID  string `json:"patientId,omitempty"`
	ProblemID  string `json:"problemId,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// Error codes carried by ErrorNotice.
const (
	CodeBadRequest  = "bad_request"
	CodeNotFound    = "not_found"
	CodeUnavailable = "unavailable"
	CodeLocked      = "locked"
	CodeRemediation = "remediation_failed"
	CodeInternal    = "internal"
)
