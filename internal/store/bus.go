package store

import "sync"

// Topic identifies a slice of store state that changed. Subscribers receive
// only the topics they ask for, so consumers re-render scoped to genuinely
// changed slices instead of diffing whole snapshots.
type Topic string

const (
	TopicSessions    Topic = "sessions"
	TopicMessages    Topic = "messages"
	TopicDraft       Topic = "draft"
	TopicFiles       Topic = "files"
	TopicContext     Topic = "context"
	TopicPermissions Topic = "permissions"
	TopicActivity    Topic = "activity"
)

// Notice is one change notification.
type Notice struct {
	Topic     Topic
	SessionID string
}

type subscriber struct {
	topics map[Topic]bool
	ch     chan Notice
}

// Bus fans Notices out to subscribers. Sends never block publishers; a full
// subscriber channel drops the notice (subscribers reload state on receipt,
// so a dropped duplicate is harmless).
type Bus struct {
	mu   sync.Mutex
	subs []*subscriber
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(topics ...Topic) <-chan Notice {
	sub := &subscriber{topics: map[Topic]bool{}, ch: make(chan Notice, 64)}
	for _, t := range topics {
		sub.topics[t] = true
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.ch
}

func (b *Bus) Publish(n Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if len(sub.topics) > 0 && !sub.topics[n.Topic] {
			continue
		}
		select {
		case sub.ch <- n:
		default:
		}
	}
}
