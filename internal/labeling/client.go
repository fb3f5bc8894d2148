package labeling

import (
	"context"
	"sync"
	"time"

	"github.com/engagekit/engagesync/internal/engagement"
)

// PlatformMessage is a message as the labeling platform stores it. Its
// MessageID is the engagement message's coda id, so the same text maps to
// the same platform record no matter how many participants sent it.
type PlatformMessage struct {
	MessageID           string             `json:"messageId"`
	Text                string             `json:"text"`
	CreationDateTimeUTC time.Time          `json:"creationDateTimeUtc"`
	Labels              []engagement.Label `json:"labels"`
}

// LatestLabels returns the most recent label per scheme id.
func (m PlatformMessage) LatestLabels() []engagement.Label {
	return engagement.LatestLabels(m.Labels)
}

// PlatformClient is the contract the sync core requires from the labeling
// platform. Collections group messages per dataset.
type PlatformClient interface {
	GetMessage(ctx context.Context, collectionID, messageID string) (*PlatformMessage, error)
	AddMessage(ctx context.Context, collectionID string, msg PlatformMessage) error
	AllMessages(ctx context.Context, collectionID string) ([]PlatformMessage, error)
}

// MemoryPlatform is an in-memory PlatformClient used by tests and dry-run
// rehearsals.
type MemoryPlatform struct {
	mu          sync.Mutex
	collections map[string]map[string]PlatformMessage
	order       map[string][]string
}

func NewMemoryPlatform() *MemoryPlatform {
	return &MemoryPlatform{
		collections: make(map[string]map[string]PlatformMessage),
		order:       make(map[string][]string),
	}
}

func (p *MemoryPlatform) GetMessage(ctx context.Context, collectionID, messageID string) (*PlatformMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	collection, ok := p.collections[collectionID]
	if !ok {
		return nil, nil
	}
	msg, ok := collection[messageID]
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

func (p *MemoryPlatform) AddMessage(ctx context.Context, collectionID string, msg PlatformMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	collection, ok := p.collections[collectionID]
	if !ok {
		collection = make(map[string]PlatformMessage)
		p.collections[collectionID] = collection
	}
	if _, exists := collection[msg.MessageID]; !exists {
		p.order[collectionID] = append(p.order[collectionID], msg.MessageID)
	}
	collection[msg.MessageID] = msg
	return nil
}

func (p *MemoryPlatform) AllMessages(ctx context.Context, collectionID string) ([]PlatformMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	collection := p.collections[collectionID]
	messages := make([]PlatformMessage, 0, len(collection))
	for _, id := range p.order[collectionID] {
		messages = append(messages, collection[id])
	}
	return messages, nil
}

// SetLabels replaces a stored message's labels, simulating human labeling.
func (p *MemoryPlatform) SetLabels(collectionID, messageID string, labels []engagement.Label) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	collection, ok := p.collections[collectionID]
	if !ok {
		return false
	}
	msg, ok := collection[messageID]
	if !ok {
		return false
	}
	msg.Labels = labels
	collection[messageID] = msg
	return true
}
