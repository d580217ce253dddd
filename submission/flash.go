package submission

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// FlashTTL is how long a validation payload can be fetched.
const FlashTTL = 10 * time.Minute

// Payload is the per-field detail of a refused submission.
type Payload struct {
	Errors   map[string]string `json:"errors"`
	Warnings map[string]string `json:"warnings"`
}

type flashItem struct {
	payload Payload
	expires time.Time
}

// FlashStore keeps validation payloads in memory under opaque tokens.
type FlashStore struct {
	ttl   time.Duration
	mu    sync.Mutex
	items map[string]flashItem
	now   func() time.Time
}

func NewFlashStore(ttl time.Duration) *FlashStore {
	if ttl <= 0 {
		ttl = FlashTTL
	}
	return &FlashStore{ttl: ttl, items: make(map[string]flashItem), now: time.Now}
}

func (f *FlashStore) Put(p Payload) string {
	token := uuid.NewString()
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()
	for k, it := range f.items {
		if now.After(it.expires) {
			delete(f.items, k)
		}
	}
	f.items[token] = flashItem{payload: p, expires: now.Add(f.ttl)}
	return token
}

// Get returns the payload until it expires. Reading does not consume it.
func (f *FlashStore) Get(token string) (Payload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[token]
	if !ok {
		return Payload{}, false
	}
	if f.now().After(it.expires) {
		delete(f.items, token)
		return Payload{}, false
	}
	return it.payload, true
}
