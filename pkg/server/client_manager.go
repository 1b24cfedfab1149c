package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aeolun/concord/pkg/protocol"
)

// ClientManager tracks identified connections by user id. Active clients are
// routable; pending clients wait for an operator and receive no broadcasts.
type ClientManager struct {
	registry *protocol.Registry
	metrics  *Metrics

	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
	pending map[uuid.UUID]*Client
}

// NewClientManager creates an empty client manager
func NewClientManager(reg *protocol.Registry, metrics *Metrics) *ClientManager {
	return &ClientManager{
		registry: reg,
		metrics:  metrics,
		clients:  make(map[uuid.UUID]*Client),
		pending:  make(map[uuid.UUID]*Client),
	}
}

// Add registers an active client and returns any previous connection of the
// same user, which the caller should disconnect
func (cm *ClientManager) Add(c *Client) (previous *Client) {
	cm.mu.Lock()
	previous = cm.clients[c.ID()]
	cm.clients[c.ID()] = c
	count := len(cm.clients)
	cm.mu.Unlock()

	cm.metrics.RecordConnectedClients(count)
	if previous == c {
		return nil
	}
	return previous
}

// Remove deregisters c. It is a no-op if the user id now belongs to a newer
// connection.
func (cm *ClientManager) Remove(c *Client) bool {
	cm.mu.Lock()
	current, ok := cm.clients[c.ID()]
	if ok && current == c {
		delete(cm.clients, c.ID())
	}
	count := len(cm.clients)
	cm.mu.Unlock()

	cm.metrics.RecordConnectedClients(count)
	return ok && current == c
}

// Get returns the active client of a user
func (cm *ClientManager) Get(id uuid.UUID) (*Client, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.clients[id]
	return c, ok
}

// Clients returns a snapshot of the active clients
func (cm *ClientManager) Clients() []*Client {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	clients := make([]*Client, 0, len(cm.clients))
	for _, c := range cm.clients {
		clients = append(clients, c)
	}
	return clients
}

// Count returns the number of active clients
func (cm *ClientManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.clients)
}

// Users returns the active users sorted by nickname
func (cm *ClientManager) Users() []protocol.UserData {
	clients := cm.Clients()
	users := make([]protocol.UserData, 0, len(clients))
	for _, c := range clients {
		users = append(users, c.UserData())
	}
	sortUsers(users)
	return users
}

// AddPending parks a client until its registration is decided. Like Add,
// it returns an earlier pending connection of the same user, which the
// caller should disconnect.
func (cm *ClientManager) AddPending(c *Client) (previous *Client) {
	cm.mu.Lock()
	previous = cm.pending[c.ID()]
	cm.pending[c.ID()] = c
	count := len(cm.pending)
	cm.mu.Unlock()

	cm.metrics.RecordPendingClients(count)
	if previous == c {
		return nil
	}
	return previous
}

// TakePending removes and returns the pending connection of a user
func (cm *ClientManager) TakePending(id uuid.UUID) (*Client, bool) {
	cm.mu.Lock()
	c, ok := cm.pending[id]
	delete(cm.pending, id)
	count := len(cm.pending)
	cm.mu.Unlock()
	cm.metrics.RecordPendingClients(count)
	return c, ok
}

// RemovePending drops c from the pending set if it is still there
func (cm *ClientManager) RemovePending(c *Client) {
	cm.mu.Lock()
	if cm.pending[c.ID()] == c {
		delete(cm.pending, c.ID())
	}
	count := len(cm.pending)
	cm.mu.Unlock()
	cm.metrics.RecordPendingClients(count)
}

// PendingClients returns a snapshot of the pending clients
func (cm *ClientManager) PendingClients() []*Client {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	clients := make([]*Client, 0, len(cm.pending))
	for _, c := range cm.pending {
		clients = append(clients, c)
	}
	return clients
}

// Broadcast encodes msg once and sends it to every active client
func (cm *ClientManager) Broadcast(msg protocol.Message) error {
	data, err := cm.registry.Marshal(msg)
	if err != nil {
		return err
	}
	for _, c := range cm.Clients() {
		if err := c.SendBytes(msg.Type(), data); err != nil {
			debugLog.Printf("Client %s: broadcast %s failed: %v", c, msg.Type(), err)
			c.Close()
		}
	}
	return nil
}

// CloseAll disconnects every active and pending client
func (cm *ClientManager) CloseAll() {
	cm.mu.RLock()
	all := make([]*Client, 0, len(cm.clients)+len(cm.pending))
	for _, c := range cm.clients {
		all = append(all, c)
	}
	for _, c := range cm.pending {
		all = append(all, c)
	}
	cm.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
}
