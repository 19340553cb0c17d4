package ws

import "parley/internal/models"

// Dispatcher reacts to connection lifecycle and inbound events.
type Dispatcher interface {
	Connect(connID string)
	Dispatch(connID string, ev models.RawEvent)
	Disconnect(connID string)
}

// Gateway joins the hub, which only moves frames, to the dispatcher, which
// decides what they mean. The hub is created first so the dispatcher can
// emit through it.
type Gateway struct {
	hub        *Hub
	dispatcher Dispatcher
}

func NewGateway(hub *Hub, dispatcher Dispatcher) *Gateway {
	return &Gateway{hub: hub, dispatcher: dispatcher}
}

func (g *Gateway) Join(connID string) chan models.Event {
	ch := g.hub.Join(connID)
	g.dispatcher.Connect(connID)
	return ch
}

// Leave lets the dispatcher announce the departure before the queue closes.
func (g *Gateway) Leave(connID string) {
	g.dispatcher.Disconnect(connID)
	g.hub.Leave(connID)
}

func (g *Gateway) Dispatch(connID string, ev models.RawEvent) {
	g.dispatcher.Dispatch(connID, ev)
}

func (g *Gateway) Connections() int {
	return g.hub.Count()
}
