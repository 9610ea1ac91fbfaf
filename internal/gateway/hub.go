package gateway

import (
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/wardroom/internal/metrics"
)

// Hub tracks live clients and fans frames out to rooms. Sends never block:
// a client whose buffer is full misses the frame, which is counted, and
// catches up on the next projection.
type Hub struct {
	clients *xsync.MapOf[string, *Client]
	metrics metrics.Collector
	logger  *zap.Logger
}

func newHub(m metrics.Collector, logger *zap.Logger) *Hub {
	return &Hub{
		clients: xsync.NewMapOf[string, *Client](),
		metrics: m,
		logger:  logger,
	}
}

func (h *Hub) add(c *Client) { h.clients.Store(c.id, c) }

func (h *Hub) remove(id string) (*Client, bool) {
	return h.clients.LoadAndDelete(id)
}

// Size returns the number of live clients.
func (h *Hub) Size() int { return h.clients.Size() }

// Rooms returns the rooms that have at least one client, sorted.
func (h *Hub) Rooms() []string {
	var rooms []string
	h.clients.Range(func(_ string, c *Client) bool {
		rooms = append(rooms, c.Room())
		return true
	})
	slices.Sort(rooms)
	return slices.Compact(rooms)
}

// Members returns the connection ids in room, sorted.
func (h *Hub) Members(room string) []string {
	var ids []string
	h.clients.Range(func(id string, c *Client) bool {
		if c.Room() == room {
			ids = append(ids, id)
		}
		return true
	})
	slices.Sort(ids)
	return ids
}

// sendTo queues msg for one client.
func (h *Hub) sendTo(c *Client, msg []byte) {
	if !c.trySend(msg) && c.State() != StateDisconnected {
		h.metrics.RecordDroppedMessage()
		h.logger.Warn("dropped message for slow client",
			zap.String("connection_id", c.id),
			zap.String("caregiver_id", c.caregiverID))
	}
}

// broadcast queues msg for every client in room except the connection id
// skip, if any.
func (h *Hub) broadcast(room string, msg []byte, skip string) {
	h.clients.Range(func(id string, c *Client) bool {
		if id != skip && c.Room() == room {
			h.sendTo(c, msg)
		}
		return true
	})
}

// broadcastAll queues msg for every client.
func (h *Hub) broadcastAll(msg []byte) {
	h.clients.Range(func(_ string, c *Client) bool {
		h.sendTo(c, msg)
		return true
	})
}

// closeAll ends every client.
func (h *Hub) closeAll() {
	h.clients.Range(func(_ string, c *Client) bool {
		c.close()
		return true
	})
}
