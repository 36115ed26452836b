package store

import (
	"encoding/json"
	"sort"
	"time"
)

// Resolution is the terminal state of a request. The zero value means the
// request is still pending.
type Resolution string

const (
	ResolutionNone      Resolution = ""
	ResolutionAllow     Resolution = "allow"
	ResolutionDeny      Resolution = "deny"
	ResolutionCancelled Resolution = "cancelled"
	ResolutionExpired   Resolution = "expired"
)

const StatePending = "pending"

type Choice struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Request is one permission prompt. Values handed out by the Store are
// copies; mutating them does not affect the room.
type Request struct {
	ID          string
	ToolName    string
	ToolInput   json.RawMessage
	Message     string
	Choices     []Choice
	OriginTag   string
	Hostname    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Resolution  Resolution
	RespondedAt time.Time
	SendKey     string

	seq int64
}

// State returns "pending" or the resolution.
func (r *Request) State() string {
	if r.Resolution == ResolutionNone {
		return StatePending
	}
	return string(r.Resolution)
}

func (r *Request) Pending() bool {
	return r.Resolution == ResolutionNone
}

// ExpiredAt reports whether an unresolved request is past its deadline at
// now. It does not mutate the request.
func (r *Request) ExpiredAt(now time.Time) bool {
	return r.Resolution == ResolutionNone && now.After(r.ExpiresAt)
}

// expire applies lazy expiry and reports whether the request just expired.
func (r *Request) expire(now time.Time) bool {
	if !r.ExpiredAt(now) {
		return false
	}
	r.resolve(ResolutionExpired, now)
	return true
}

func (r *Request) resolve(res Resolution, now time.Time) {
	r.Resolution = res
	r.RespondedAt = now
}

func (r *Request) clone() Request {
	c := *r
	if r.Choices != nil {
		c.Choices = append([]Choice(nil), r.Choices...)
	}
	return c
}

// NewRequest carries the fields supplied by the agent hook.
type NewRequest struct {
	ID        string
	ToolName  string
	ToolInput json.RawMessage
	Message   string
	Choices   []Choice
	OriginTag string
	Hostname  string
	// Timeout overrides the store default when positive.
	Timeout time.Duration
}

type CreateResult struct {
	Request      Request
	CancelledIDs []string
	CollapseSlot int
}

// Create adds a request to the room, creating the room if needed. Pending
// requests sharing the origin tag are cancelled and reported so downstream
// channels can retract their notifications.
func (s *Store) Create(roomKey string, nr NewRequest) CreateResult {
	room := s.lockRoom(roomKey)
	defer room.mu.Unlock()
	now := s.now()

	var result CreateResult
	if nr.OriginTag != "" {
		for _, req := range room.requests {
			if req.OriginTag != nr.OriginTag {
				continue
			}
			if req.expire(now) {
				s.metrics.Resolved(string(ResolutionExpired))
				continue
			}
			if req.Pending() {
				req.resolve(ResolutionCancelled, now)
				s.metrics.Resolved(string(ResolutionCancelled))
				result.CancelledIDs = append(result.CancelledIDs, req.ID)
			}
		}
		// two collapse slots per origin, used alternately
		slot := 1 - room.collapseSlots[nr.OriginTag]
		room.collapseSlots[nr.OriginTag] = slot
		result.CollapseSlot = slot
	}
	sort.Strings(result.CancelledIDs)

	timeout := s.opts.RequestTimeout
	if nr.Timeout > 0 {
		timeout = nr.Timeout
	}

	room.seq++
	req := &Request{
		ID:        nr.ID,
		ToolName:  nr.ToolName,
		ToolInput: nr.ToolInput,
		Message:   nr.Message,
		Choices:   append([]Choice(nil), nr.Choices...),
		OriginTag: nr.OriginTag,
		Hostname:  nr.Hostname,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		seq:       room.seq,
	}
	if len(nr.Choices) == 0 {
		req.Choices = nil
	}
	room.requests[req.ID] = req
	room.lastActivity = now

	s.metrics.RequestCreated(len(result.CancelledIDs))
	result.Request = req.clone()
	return result
}

// Respond records a human decision. Only allow and deny are accepted. It
// returns false without mutating anything when the request is unknown or
// already resolved, including by lazy expiry.
func (s *Store) Respond(roomKey, id string, res Resolution, sendKey string) bool {
	if res != ResolutionAllow && res != ResolutionDeny {
		return false
	}
	return s.resolve(roomKey, id, res, sendKey)
}

// Cancel marks a pending request cancelled, first writer wins.
func (s *Store) Cancel(roomKey, id string) bool {
	return s.resolve(roomKey, id, ResolutionCancelled, "")
}

func (s *Store) resolve(roomKey, id string, res Resolution, sendKey string) bool {
	room := s.Get(roomKey)
	if room == nil {
		return false
	}
	now := s.now()

	room.mu.Lock()
	defer room.mu.Unlock()

	req, ok := room.requests[id]
	if !ok {
		return false
	}
	if req.expire(now) {
		s.metrics.Resolved(string(ResolutionExpired))
		return false
	}
	if !req.Pending() {
		return false
	}
	req.resolve(res, now)
	req.SendKey = sendKey
	s.metrics.Resolved(string(res))
	return true
}

// Request returns a copy of one request after applying lazy expiry.
func (s *Store) Request(roomKey, id string) (Request, bool) {
	room := s.Get(roomKey)
	if room == nil {
		return Request{}, false
	}
	now := s.now()

	room.mu.Lock()
	defer room.mu.Unlock()

	req, ok := room.requests[id]
	if !ok {
		return Request{}, false
	}
	if req.expire(now) {
		s.metrics.Resolved(string(ResolutionExpired))
	}
	return req.clone(), true
}

// List returns the room's requests newest first, lazily expired and cut to
// the history cap.
func (s *Store) List(roomKey string) []Request {
	room := s.Get(roomKey)
	if room == nil {
		return []Request{}
	}
	now := s.now()

	room.mu.Lock()
	defer room.mu.Unlock()

	all := make([]Request, 0, len(room.requests))
	for _, req := range room.requests {
		if req.expire(now) {
			s.metrics.Resolved(string(ResolutionExpired))
		}
		all = append(all, req.clone())
	}
	sortNewestFirst(all)
	if s.opts.MaxHistory > 0 && len(all) > s.opts.MaxHistory {
		all = all[:s.opts.MaxHistory]
	}
	return all
}

// HasPending reports whether an unresolved request from originTag exists.
func (s *Store) HasPending(roomKey, originTag string) bool {
	room := s.Get(roomKey)
	if room == nil {
		return false
	}
	now := s.now()

	room.mu.Lock()
	defer room.mu.Unlock()

	for _, req := range room.requests {
		if req.OriginTag != originTag {
			continue
		}
		if req.expire(now) {
			s.metrics.Resolved(string(ResolutionExpired))
			continue
		}
		if req.Pending() {
			return true
		}
	}
	return false
}

func sortNewestFirst(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.After(reqs[j].CreatedAt)
		}
		return reqs[i].seq > reqs[j].seq
	})
}
