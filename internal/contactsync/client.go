package contactsync

import (
	"context"
	"fmt"
	"sync"
)

// MessagingClient is the surface of the messaging platform the contact
// sync needs: contact field management and per-contact field updates.
type MessagingClient interface {
	// ListFields returns the keys of every contact field that already
	// exists on the platform.
	ListFields(ctx context.Context) ([]string, error)
	// CreateField creates a contact field with the given key and label.
	CreateField(ctx context.Context, key, label string) error
	// UpdateContactFields sets the given field values on one contact.
	// Empty string values clear the field.
	UpdateContactFields(ctx context.Context, contactURN string, fields map[string]string) error
}

// IdentityResolver maps a store participant uuid to the messaging
// platform's contact URN. Implementations typically wrap a de-identification
// table lookup.
type IdentityResolver func(ctx context.Context, participantUUID string) (string, error)

// PassthroughResolver treats participant uuids as contact URNs directly.
// Useful for tests and deployments without a de-identification layer.
func PassthroughResolver(ctx context.Context, participantUUID string) (string, error) {
	return participantUUID, nil
}

// MemoryMessaging is an in-memory MessagingClient for tests.
type MemoryMessaging struct {
	mu       sync.Mutex
	fields   map[string]string
	contacts map[string]map[string]string
}

func NewMemoryMessaging() *MemoryMessaging {
	return &MemoryMessaging{
		fields:   make(map[string]string),
		contacts: make(map[string]map[string]string),
	}
}

func (m *MemoryMessaging) ListFields(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.fields))
	for key := range m.fields {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *MemoryMessaging) CreateField(ctx context.Context, key, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.fields[key]; exists {
		return fmt.Errorf("contact field %q already exists", key)
	}
	m.fields[key] = label
	return nil
}

func (m *MemoryMessaging) UpdateContactFields(ctx context.Context, contactURN string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	contact, ok := m.contacts[contactURN]
	if !ok {
		contact = make(map[string]string)
		m.contacts[contactURN] = contact
	}
	for key, value := range fields {
		if _, exists := m.fields[key]; !exists {
			return fmt.Errorf("contact field %q does not exist", key)
		}
		contact[key] = value
	}
	return nil
}

// ContactFields returns a copy of one contact's fields, for tests.
func (m *MemoryMessaging) ContactFields(contactURN string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[string]string, len(m.contacts[contactURN]))
	for key, value := range m.contacts[contactURN] {
		copied[key] = value
	}
	return copied
}
