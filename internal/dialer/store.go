package dialer

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ContactStore reads and annotates campaign contacts.
type ContactStore interface {
	// DialableContacts returns pending and callback contacts ordered by
	// priority descending, then creation time ascending.
	DialableContacts(ctx context.Context, tenantID, campaignID string) ([]Contact, error)
	RecordOutcome(ctx context.Context, tenantID, contactID, status string, outcome Outcome) error
	SaveNotes(ctx context.Context, tenantID, contactID, notes string) error
}

// ItemStore persists dial_queue_items.
type ItemStore interface {
	InsertItems(ctx context.Context, items []Item) error
	UpdateItem(ctx context.Context, it Item) error
}

// MemoryStore implements ContactStore and ItemStore in process.
type MemoryStore struct {
	mu       sync.Mutex
	contacts map[string]Contact
	items    map[string]Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contacts: make(map[string]Contact), items: make(map[string]Item)}
}

func (s *MemoryStore) PutContact(c Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Status == "" {
		c.Status = "pending"
	}
	s.contacts[c.ID] = c
}

func (s *MemoryStore) Contact(id string) (Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	return c, ok
}

func (s *MemoryStore) Item(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	return it, ok
}

func (s *MemoryStore) DialableContacts(ctx context.Context, tenantID, campaignID string) ([]Contact, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Contact
	for _, c := range s.contacts {
		if c.TenantID != tenantID || c.CampaignID != campaignID {
			continue
		}
		if c.Status == "pending" || c.Status == "callback" {
			out = append(out, c)
		}
	}
	sortContacts(out)
	return out, nil
}

func sortContacts(cs []Contact) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Priority != cs[j].Priority {
			return cs[i].Priority > cs[j].Priority
		}
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

func (s *MemoryStore) RecordOutcome(ctx context.Context, tenantID, contactID, status string, outcome Outcome) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok || c.TenantID != tenantID {
		return nil
	}
	c.Status = status
	s.contacts[contactID] = c
	return nil
}

func (s *MemoryStore) SaveNotes(ctx context.Context, tenantID, contactID, notes string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok || c.TenantID != tenantID {
		return nil
	}
	c.Notes = notes
	s.contacts[contactID] = c
	return nil
}

func (s *MemoryStore) InsertItems(ctx context.Context, items []Item) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		it.pending = nil
		s.items[it.ID] = it
	}
	return nil
}

func (s *MemoryStore) UpdateItem(ctx context.Context, it Item) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	it.pending = nil
	it.UpdatedAt = time.Now().UTC()
	s.items[it.ID] = it
	return nil
}
