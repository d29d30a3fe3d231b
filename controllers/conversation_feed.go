package controller

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"wacampaign/worker"
)

// ConversationFeed fans delivery events out to connected operator websockets.
// Slow clients miss events rather than stall delivery.
type ConversationFeed struct {
	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	buffer  int
	log     *logrus.Entry
}

type feedClient struct {
	send    chan []byte
	contact string // only events for this address when set
}

func NewConversationFeed() *ConversationFeed {
	return &ConversationFeed{
		clients: make(map[*feedClient]struct{}),
		buffer:  64,
		log:     logrus.WithField("component", "feed"),
	}
}

// Publish implements worker.Publisher.
func (f *ConversationFeed) Publish(ev worker.DeliveryEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		f.log.WithError(err).Warn("Failed to encode feed event")
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for cl := range f.clients {
		if cl.contact != "" && cl.contact != ev.Message.To {
			continue
		}
		select {
		case cl.send <- data:
		default:
		}
	}
}

func (f *ConversationFeed) subscribe(contact string) *feedClient {
	cl := &feedClient{send: make(chan []byte, f.buffer), contact: contact}
	f.mu.Lock()
	f.clients[cl] = struct{}{}
	f.mu.Unlock()
	return cl
}

func (f *ConversationFeed) unsubscribe(cl *feedClient) {
	f.mu.Lock()
	delete(f.clients, cl)
	f.mu.Unlock()
}

// Clients returns the number of connected viewers.
func (f *ConversationFeed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// RequireUpgrade rejects plain HTTP requests to the feed.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handler streams events to one websocket until it disconnects. The optional
// contact query parameter narrows the stream to one conversation.
func (f *ConversationFeed) Handler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		defer c.Close()

		cl := f.subscribe(c.Query("contact"))
		defer f.unsubscribe(cl)
		f.log.WithField("clients", f.Clients()).Debug("Feed client connected")

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case msg := <-cl.send:
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					f.log.WithError(err).Debug("Feed client write failed")
					return
				}
			}
		}
	})
}
