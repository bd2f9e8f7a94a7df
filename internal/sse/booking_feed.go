// Package sse fans booking events out to lab dashboards connected over Server-Sent Events.
package sse

import (
	"context"
	"sync"

	"milabs-booking/internal/models"
)

const clientBuffer = 10

// BookingFeed keeps one channel per connected dashboard, grouped by lab.
type BookingFeed struct {
	labClients map[string][]chan models.BookingEvent
	mu         sync.RWMutex
}

func NewBookingFeed() *BookingFeed {
	return &BookingFeed{labClients: make(map[string][]chan models.BookingEvent)}
}

// SubscribeToLab registers a client until ctx is done; the channel is then closed.
func (f *BookingFeed) SubscribeToLab(ctx context.Context, labID string) <-chan models.BookingEvent {
	ch := make(chan models.BookingEvent, clientBuffer)

	f.mu.Lock()
	f.labClients[labID] = append(f.labClients[labID], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.remove(labID, ch)
	}()
	return ch
}

// Emit never blocks. A client whose buffer is full misses the event.
func (f *BookingFeed) Emit(event models.BookingEvent) {
	// read lock held while sending so remove cannot close a channel mid-send
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.labClients[event.LabID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (f *BookingFeed) remove(labID string, ch chan models.BookingEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	clients := f.labClients[labID]
	for i, c := range clients {
		if c == ch {
			f.labClients[labID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(f.labClients[labID]) == 0 {
		delete(f.labClients, labID)
	}
}

func (f *BookingFeed) LabClientCount(labID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.labClients[labID])
}
