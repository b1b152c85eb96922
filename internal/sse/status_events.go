package sse

import (
	"context"
	"sync"

	"ms-reservations/internal/models"
)

// StatusEmitter fans order status events out to SSE clients subscribed to
// a single order.
type StatusEmitter struct {
	clients     map[string][]chan models.StatusEvent
	clientMutex sync.RWMutex
}

func NewStatusEmitter() *StatusEmitter {
	return &StatusEmitter{
		clients: make(map[string][]chan models.StatusEvent),
	}
}

// Subscribe registers a client for one order. The channel is closed once
// ctx is done.
func (e *StatusEmitter) Subscribe(ctx context.Context, orderUUID string) <-chan models.StatusEvent {
	clientChan := make(chan models.StatusEvent, 10)

	e.clientMutex.Lock()
	e.clients[orderUUID] = append(e.clients[orderUUID], clientChan)
	e.clientMutex.Unlock()

	go func() {
		<-ctx.Done()
		e.removeClient(orderUUID, clientChan)
	}()

	return clientChan
}

// Emit delivers ev to every subscriber of its order. Slow clients with a
// full buffer miss the event.
func (e *StatusEmitter) Emit(ev models.StatusEvent) {
	e.clientMutex.RLock()
	defer e.clientMutex.RUnlock()

	for _, clientChan := range e.clients[ev.UUID] {
		select {
		case clientChan <- ev:
		default:
		}
	}
}

// PublishStatus emits in-process. Used when no Redis relay is configured.
func (e *StatusEmitter) PublishStatus(ctx context.Context, ev models.StatusEvent) error {
	e.Emit(ev)
	return nil
}

func (e *StatusEmitter) Subscribers(orderUUID string) int {
	e.clientMutex.RLock()
	defer e.clientMutex.RUnlock()
	return len(e.clients[orderUUID])
}

func (e *StatusEmitter) removeClient(orderUUID string, clientChan chan models.StatusEvent) {
	e.clientMutex.Lock()
	defer e.clientMutex.Unlock()

	clients := e.clients[orderUUID]
	for i, ch := range clients {
		if ch == clientChan {
			e.clients[orderUUID] = append(clients[:i], clients[i+1:]...)
			close(clientChan)
			break
		}
	}

	if len(e.clients[orderUUID]) == 0 {
		delete(e.clients, orderUUID)
	}
}
