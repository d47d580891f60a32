package gateway

import (
	"sort"
	"sync"
	"time"
)

// ClientRegistry tracks connected clients and the sessions each one
// follows.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	// subscriptions maps session key -> client id set.
	subscriptions map[string]map[string]bool
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients:       make(map[string]*Client),
		subscriptions: make(map[string]map[string]bool),
	}
}

func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

// Remove drops the client and its subscriptions.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
	for key, subs := range r.subscriptions {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(r.subscriptions, key)
		}
	}
}

func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, exists := r.clients[clientID]
	return client, exists
}

func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// GetAuthenticatedClients returns only authenticated clients
func (r *ClientRegistry) GetAuthenticatedClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		if client.Authenticated {
			clients = append(clients, client)
		}
	}
	return clients
}

// Subscribe routes replies for sessionKey to clientID.
func (r *ClientRegistry) Subscribe(clientID, sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return
	}
	subs, ok := r.subscriptions[sessionKey]
	if !ok {
		subs = make(map[string]bool)
		r.subscriptions[sessionKey] = subs
	}
	subs[clientID] = true
}

// Subscribers returns the authenticated clients following sessionKey.
func (r *ClientRegistry) Subscribers(sessionKey string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var clients []*Client
	for id := range r.subscriptions[sessionKey] {
		if client, ok := r.clients[id]; ok && client.Authenticated {
			clients = append(clients, client)
		}
	}
	return clients
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// GetConnectedClients returns client information for all connected clients
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make(map[string][]string)
	for key, subs := range r.subscriptions {
		for id := range subs {
			sessions[id] = append(sessions[id], key)
		}
	}

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		keys := sessions[client.ID]
		sort.Strings(keys)
		infos = append(infos, ClientInfo{
			ID:            client.ID,
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Sessions:      keys,
			Idle:          now.Sub(client.LastActivity) > 5*time.Minute,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// UpdateActivity updates the last activity time for a client
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}

// locked runs fn while holding the write lock, for mutating client fields
// that readers inspect under the registry lock.
func (r *ClientRegistry) locked(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}
