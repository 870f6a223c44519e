package notify

import (
	"context"
	"errors"
	"sync"
)

var ErrContactNotFound = errors.New("contact not found")

// Contact holds the addresses a recipient can be reached on. Empty fields
// mean the channel does not apply to that recipient.
type Contact struct {
	Recipient   string
	Name        string
	DeviceToken string
	Phone       string
	Email       string
}

type Directory interface {
	Lookup(ctx context.Context, recipient string) (Contact, error)
}

type MemoryDirectory struct {
	mu       sync.RWMutex
	contacts map[string]Contact
}

func NewMemoryDirectory(contacts ...Contact) *MemoryDirectory {
	d := &MemoryDirectory{contacts: make(map[string]Contact)}
	for _, c := range contacts {
		d.contacts[c.Recipient] = c
	}
	return d
}

func (d *MemoryDirectory) Put(c Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[c.Recipient] = c
}

func (d *MemoryDirectory) Lookup(_ context.Context, recipient string) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[recipient]
	if !ok {
		return Contact{}, ErrContactNotFound
	}
	return c, nil
}
