package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-command/promptrelay/internal/logging"
	"github.com/agent-command/promptrelay/internal/metrics"
)

type Options struct {
	RequestTimeout time.Duration
	// Retention is how long resolved requests stay visible in history.
	Retention   time.Duration
	RoomIdleTTL time.Duration
	// MaxHistory caps requests kept per room; 0 means unbounded.
	MaxHistory int
	MaxRooms   int
	MaxDevices int

	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Store owns every room. All operations are scoped to a single room; rooms
// are locked independently of each other.
type Store struct {
	opts    Options
	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	rooms   map[string]*Room
	roomSeq int64
}

// Room is the isolation unit keyed by a shared secret.
type Room struct {
	key     string
	created int64

	mu            sync.Mutex
	requests      map[string]*Request
	native        []*NativeTarget
	web           []*WebPushTarget
	lastActivity  time.Time
	collapseSlots map[string]int
	seq           int64
	// removed is set once the room leaves the store map.
	removed bool
}

func (r *Room) Key() string {
	return r.key
}

func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

func (r *Room) touch(now time.Time) {
	r.mu.Lock()
	r.lastActivity = now
	r.mu.Unlock()
}

func (r *Room) emptyLocked() bool {
	return len(r.requests) == 0 && len(r.native) == 0 && len(r.web) == 0
}

func New(opts Options) *Store {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 120 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 300 * time.Second
	}
	if opts.RoomIdleTTL <= 0 {
		opts.RoomIdleTTL = time.Hour
	}
	if opts.MaxRooms <= 0 {
		opts.MaxRooms = 10
	}
	if opts.MaxDevices <= 0 {
		opts.MaxDevices = 4
	}
	if opts.MaxHistory < 0 {
		opts.MaxHistory = 0
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		opts:    opts,
		now:     now,
		log:     opts.Logger.With().Str("component", "store").Logger(),
		metrics: opts.Metrics,
		rooms:   make(map[string]*Room),
	}
}

// RequestTimeout is the default lifetime of a new request.
func (s *Store) RequestTimeout() time.Duration {
	return s.opts.RequestTimeout
}

// GetOrCreate returns the room for key, creating it on first use. When the
// store is at capacity the room with the oldest activity is evicted first.
func (s *Store) GetOrCreate(key string) *Room {
	if room := s.Get(key); room != nil {
		return room
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(key)
}

// lockRoom returns the live room for key with its mutex held. A room evicted
// between lookup and locking is looked up again.
func (s *Store) lockRoom(key string) *Room {
	for {
		room := s.GetOrCreate(key)
		room.mu.Lock()
		if !room.removed {
			return room
		}
		room.mu.Unlock()
	}
}

func (s *Store) getOrCreateLocked(key string) *Room {
	now := s.now()
	if room, ok := s.rooms[key]; ok {
		room.touch(now)
		return room
	}
	for len(s.rooms) >= s.opts.MaxRooms {
		s.evictOldestLocked()
	}

	s.roomSeq++
	room := &Room{
		key:           key,
		created:       s.roomSeq,
		requests:      make(map[string]*Request),
		lastActivity:  now,
		collapseSlots: make(map[string]int),
	}
	s.rooms[key] = room
	s.metrics.SetRooms(len(s.rooms))
	s.log.Debug().Str("room", logging.KeyPrefix(key)).Int("rooms", len(s.rooms)).Msg("room created")
	return room
}

// Get returns the room for key, or nil, and refreshes its idle timer.
func (s *Store) Get(key string) *Room {
	s.mu.RLock()
	room := s.rooms[key]
	s.mu.RUnlock()
	if room != nil {
		room.touch(s.now())
	}
	return room
}

func (s *Store) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// evictOldestLocked removes the room with the oldest last activity; ties go
// to the room created first. Caller holds s.mu.
func (s *Store) evictOldestLocked() {
	var oldest *Room
	var oldestAt time.Time
	for _, room := range s.rooms {
		at := room.LastActivity()
		if oldest == nil || at.Before(oldestAt) || (at.Equal(oldestAt) && room.created < oldest.created) {
			oldest = room
			oldestAt = at
		}
	}
	if oldest == nil {
		return
	}
	oldest.mu.Lock()
	oldest.removed = true
	oldest.mu.Unlock()
	delete(s.rooms, oldest.key)
	s.metrics.RoomEvicted()
	s.metrics.SetRooms(len(s.rooms))
	s.log.Info().Str("room", logging.KeyPrefix(oldest.key)).Msg("room evicted (oldest activity)")
}

func (s *Store) snapshotRooms() []*Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

type SweepStats struct {
	Requests int
	Rooms    int
}

// Sweep reclaims memory: it drops resolved requests older than the retention
// window, trims history beyond the cap and removes empty idle rooms. It is
// idempotent and never needed for correctness of reads.
func (s *Store) Sweep() SweepStats {
	now := s.now()
	requestCutoff := now.Add(-s.opts.Retention)
	roomCutoff := now.Add(-s.opts.RoomIdleTTL)

	var stats SweepStats
	var idle []*Room
	for _, room := range s.snapshotRooms() {
		room.mu.Lock()
		for id, req := range room.requests {
			if req.expire(now) {
				s.metrics.Resolved(string(ResolutionExpired))
			}
			if !req.Pending() && req.CreatedAt.Before(requestCutoff) {
				delete(room.requests, id)
				stats.Requests++
			}
		}
		if s.opts.MaxHistory > 0 && len(room.requests) > s.opts.MaxHistory {
			all := make([]Request, 0, len(room.requests))
			for _, req := range room.requests {
				all = append(all, *req)
			}
			sortNewestFirst(all)
			for _, req := range all[s.opts.MaxHistory:] {
				delete(room.requests, req.ID)
				stats.Requests++
			}
		}
		if room.emptyLocked() && room.lastActivity.Before(roomCutoff) {
			idle = append(idle, room)
		}
		room.mu.Unlock()
	}

	if len(idle) > 0 {
		s.mu.Lock()
		for _, room := range idle {
			room.mu.Lock()
			stillIdle := room.emptyLocked() && room.lastActivity.Before(roomCutoff) && s.rooms[room.key] == room
			if stillIdle {
				room.removed = true
			}
			room.mu.Unlock()
			if !stillIdle {
				continue
			}
			delete(s.rooms, room.key)
			stats.Rooms++
			s.log.Info().Str("room", logging.KeyPrefix(room.key)).Msg("empty room removed")
		}
		s.metrics.SetRooms(len(s.rooms))
		s.mu.Unlock()
	}

	s.metrics.SweepRemoved("request", stats.Requests)
	s.metrics.SweepRemoved("room", stats.Rooms)
	return stats
}

// Run sweeps on a fixed interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.Sweep()
			if stats.Requests > 0 || stats.Rooms > 0 {
				s.log.Debug().Int("requests", stats.Requests).Int("rooms", stats.Rooms).Msg("sweep")
			}
		}
	}
}

// Has reports whether a room exists without refreshing its idle timer.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[key]
	return ok
}
