package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans deployment progress events out to subscribers by client ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with client identifier.
type message struct {
	clientID string
	payload  []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	clientID string
	client   Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.clientID]; !ok {
				h.clients[sub.clientID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.clientID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.clientID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.clientID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.clientID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.clientID)
				}
			}
		}
	}
}

// Register adds a subscriber to a client's event stream.
func (h *Hub) Register(clientID string, client Subscriber) {
	h.register <- subscription{clientID: clientID, client: client}
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(clientID string, client Subscriber) {
	h.unreg <- subscription{clientID: clientID, client: client}
}

// Broadcast sends payload to all subscribers of a client's stream.
func (h *Hub) Broadcast(clientID string, payload []byte) {
	h.broadcast <- message{clientID: clientID, payload: payload}
}
