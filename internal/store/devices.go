package store

import (
	"time"

	"github.com/agent-command/promptrelay/internal/logging"
)

// NativeTarget is a phone registered for native push.
type NativeTarget struct {
	Token           string
	RegisteredAt    time.Time
	LastDeliveredAt time.Time
}

func (t *NativeTarget) lastSeen() time.Time {
	if !t.LastDeliveredAt.IsZero() {
		return t.LastDeliveredAt
	}
	return t.RegisteredAt
}

// WebPushSubscription is what a browser hands out from PushManager.subscribe.
type WebPushSubscription struct {
	Endpoint string
	P256dh   string
	Auth     string
}

type WebPushTarget struct {
	Subscription    WebPushSubscription
	RegisteredAt    time.Time
	LastDeliveredAt time.Time
}

func (t *WebPushTarget) lastSeen() time.Time {
	if !t.LastDeliveredAt.IsZero() {
		return t.LastDeliveredAt
	}
	return t.RegisteredAt
}

// evictOldest drops the element with the oldest last-seen time; ties go to
// the element registered first.
func evictOldest[T interface{ lastSeen() time.Time }](items []T) []T {
	if len(items) == 0 {
		return items
	}
	idx := 0
	for i := 1; i < len(items); i++ {
		if items[i].lastSeen().Before(items[idx].lastSeen()) {
			idx = i
		}
	}
	return append(items[:idx], items[idx+1:]...)
}

// RegisterDevice adds a native push token to the room. A token already
// registered in another room is moved here. Re-registering refreshes the
// timestamp. It returns the room's device count.
func (s *Store) RegisterDevice(roomKey, token string) int {
	// s.mu is held throughout so a concurrent registration of the same
	// token cannot leave it in two rooms, and the room cannot be evicted.
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.getOrCreateLocked(roomKey)
	for _, other := range s.rooms {
		if other == room {
			continue
		}
		other.mu.Lock()
		for i, d := range other.native {
			if d.Token == token {
				other.native = append(other.native[:i], other.native[i+1:]...)
				s.log.Info().
					Str("from", logging.KeyPrefix(other.key)).
					Str("to", logging.KeyPrefix(roomKey)).
					Str("token", logging.Truncate(token, 16)).
					Msg("device token moved between rooms")
				break
			}
		}
		other.mu.Unlock()
	}

	now := s.now()
	room.mu.Lock()
	defer room.mu.Unlock()

	for _, d := range room.native {
		if d.Token == token {
			d.RegisteredAt = now
			return len(room.native)
		}
	}
	if len(room.native) >= s.opts.MaxDevices {
		room.native = evictOldest(room.native)
	}
	room.native = append(room.native, &NativeTarget{Token: token, RegisteredAt: now})
	return len(room.native)
}

// UnregisterDevice removes a native push token; false if it was not present.
func (s *Store) UnregisterDevice(roomKey, token string) bool {
	room := s.Get(roomKey)
	if room == nil {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	for i, d := range room.native {
		if d.Token == token {
			room.native = append(room.native[:i], room.native[i+1:]...)
			return true
		}
	}
	return false
}

// TouchDevice records a successful delivery.
func (s *Store) TouchDevice(roomKey, token string) {
	room := s.Get(roomKey)
	if room == nil {
		return
	}
	now := s.now()
	room.mu.Lock()
	defer room.mu.Unlock()
	for _, d := range room.native {
		if d.Token == token {
			d.LastDeliveredAt = now
			return
		}
	}
}

func (s *Store) Devices(roomKey string) []NativeTarget {
	room := s.Get(roomKey)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]NativeTarget, len(room.native))
	for i, d := range room.native {
		out[i] = *d
	}
	return out
}

// RegisterWebPush adds or refreshes a browser subscription, keyed by
// endpoint, moving it from any other room.
func (s *Store) RegisterWebPush(roomKey string, sub WebPushSubscription) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.getOrCreateLocked(roomKey)
	for _, other := range s.rooms {
		if other == room {
			continue
		}
		other.mu.Lock()
		for i, w := range other.web {
			if w.Subscription.Endpoint == sub.Endpoint {
				other.web = append(other.web[:i], other.web[i+1:]...)
				s.log.Info().
					Str("from", logging.KeyPrefix(other.key)).
					Str("to", logging.KeyPrefix(roomKey)).
					Str("endpoint", logging.Truncate(sub.Endpoint, 48)).
					Msg("web push subscription moved between rooms")
				break
			}
		}
		other.mu.Unlock()
	}

	now := s.now()
	room.mu.Lock()
	defer room.mu.Unlock()

	for _, w := range room.web {
		if w.Subscription.Endpoint == sub.Endpoint {
			w.Subscription = sub
			w.RegisteredAt = now
			return len(room.web)
		}
	}
	if len(room.web) >= s.opts.MaxDevices {
		room.web = evictOldest(room.web)
	}
	room.web = append(room.web, &WebPushTarget{Subscription: sub, RegisteredAt: now})
	return len(room.web)
}

func (s *Store) UnregisterWebPush(roomKey, endpoint string) bool {
	room := s.Get(roomKey)
	if room == nil {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	for i, w := range room.web {
		if w.Subscription.Endpoint == endpoint {
			room.web = append(room.web[:i], room.web[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) TouchWebPush(roomKey, endpoint string) {
	room := s.Get(roomKey)
	if room == nil {
		return
	}
	now := s.now()
	room.mu.Lock()
	defer room.mu.Unlock()
	for _, w := range room.web {
		if w.Subscription.Endpoint == endpoint {
			w.LastDeliveredAt = now
			return
		}
	}
}

func (s *Store) WebPushTargets(roomKey string) []WebPushTarget {
	room := s.Get(roomKey)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]WebPushTarget, len(room.web))
	for i, w := range room.web {
		out[i] = *w
	}
	return out
}
