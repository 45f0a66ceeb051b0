package api

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type EventType string

const (
	EventMessagePartUpdated EventType = "message.part.updated"
	EventMessageUpdated     EventType = "message.updated"
	EventSessionUpdated     EventType = "session.updated"
	EventSessionDeleted     EventType = "session.deleted"
	EventSessionIdle        EventType = "session.idle"
	EventPermissionUpdated  EventType = "permission.updated"
)

// Event is one frame from the service's event socket. Properties decodes into
// the payload type matching Type.
type Event struct {
	Type       EventType       `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type MessagePartPayload struct {
	Part Part        `json:"part"`
	Role MessageRole `json:"role"`
}

type MessagePayload struct {
	Info MessageInfo `json:"info"`
}

type SessionPayload struct {
	Info Session `json:"info"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionID"`
}

type PermissionPayload struct {
	Permission Permission `json:"permission"`
}

const eventReconnectDelay = 2 * time.Second

// EventStream maintains a websocket subscription to the service's event feed
// and fans frames into a single channel. Reconnects with a fixed delay until
// the context is cancelled.
type EventStream struct {
	url    string
	dialer *websocket.Dialer
	events chan Event
}

func NewEventStream(baseURL string) *EventStream {
	wsURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	return &EventStream{
		url:    wsURL + "/event",
		dialer: websocket.DefaultDialer,
		events: make(chan Event, 256),
	}
}

// Events returns the receive channel. Closed when Run exits.
func (s *EventStream) Events() <-chan Event {
	return s.events
}

// Run blocks, pumping frames until ctx is cancelled.
func (s *EventStream) Run(ctx context.Context) error {
	defer close(s.events)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(eventReconnectDelay):
			}
			continue
		}
		s.pump(ctx, conn)
	}
}

func (s *EventStream) pump(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		select {
		case s.events <- evt:
		case <-ctx.Done():
			return
		default:
			// Channel full: drop rather than stall the socket.
		}
	}
}
