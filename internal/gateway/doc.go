// Package gateway implements the ward's real-time channel over websockets.
//
// # Connection lifecycle
//
// A request to the gateway is authenticated before it is upgraded; a
// missing or invalid access token gets a 401 and no session is created.
// An authenticated connection is bound to a session through the engine
// (restoring the caregiver's previous session inside the grace window) and
// placed in that session's room:
//
//	client                     gateway                        room
//	  │── GET /ward?token=… ──────►│                              │
//	  │                            │ verify, upgrade, connect     │
//	  │◄── caregiver:assigned ─────│                              │
//	  │                            │── caregiver:joined ─────────►│
//	  │── problem:assign ─────────►│                              │
//	  │                            │── problem:assigned ─────────►│
//	  │                            │── ward:patients ────────────►│
//
// # Frames
//
// Every frame is a JSON envelope {"event": name, "data": payload}. The event
// and action names are listed in protocol.go.
//
// # Failure handling
//
// Each action runs inside a boundary that recovers panics and classifies
// errors. A rejected action never closes the connection: the requester gets
// a ward:error notice (with retryAfter for locked problems) and the room gets
// a fresh ward:patients projection, so every client converges on the real
// state instead of an optimistic one.
//
// # Fan-out
//
// Outbound frames go through a per-client buffered queue drained by a single
// writer goroutine. A full queue drops the frame rather than blocking the
// sender; the next projection brings the client up to date.
package gateway
