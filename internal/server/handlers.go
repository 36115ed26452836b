package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agent-command/promptrelay/internal/logging"
	"github.com/agent-command/promptrelay/internal/push"
	"github.com/agent-command/promptrelay/internal/store"
)

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"request_timeout_ms": s.store.RequestTimeout().Milliseconds(),
	})
}

func (s *Server) handleCADownload(w http.ResponseWriter, r *http.Request) {
	if s.caPath == "" {
		writeError(w, http.StatusNotFound, "ca_not_found")
		return
	}
	data, err := os.ReadFile(s.caPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "ca_not_found")
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="PromptRelay-CA.pem"`)
	_, _ = w.Write(data)
}

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.vapidPublicKey == "" {
		writeError(w, http.StatusNotFound, "vapid_not_configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": s.vapidPublicKey})
}

type tokenBody struct {
	Token string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body tokenBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "token_required")
		return
	}
	room := roomKey(r)
	total := s.store.RegisterDevice(room, body.Token)
	s.log.Info().
		Str("room", logging.KeyPrefix(room)).
		Str("token", logging.Truncate(body.Token, 16)).
		Int("total", total).
		Msg("device token registered")
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var body tokenBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "token_required")
		return
	}
	room := roomKey(r)
	s.store.UnregisterDevice(room, body.Token)
	s.log.Info().
		Str("room", logging.KeyPrefix(room)).
		Str("token", logging.Truncate(body.Token, 16)).
		Msg("device token removed")
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type registerWebBody struct {
	Subscription *struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	} `json:"subscription"`
}

func (s *Server) handleRegisterWeb(w http.ResponseWriter, r *http.Request) {
	var body registerWebBody
	if !decodeJSON(w, r, &body) {
		return
	}
	sub := body.Subscription
	if sub == nil || sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "subscription_required")
		return
	}
	room := roomKey(r)
	total := s.store.RegisterWebPush(room, store.WebPushSubscription{
		Endpoint: sub.Endpoint,
		P256dh:   sub.Keys.P256dh,
		Auth:     sub.Keys.Auth,
	})
	s.log.Info().
		Str("room", logging.KeyPrefix(room)).
		Str("endpoint", logging.Truncate(sub.Endpoint, 48)).
		Int("total", total).
		Msg("web push subscription registered")
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleUnregisterWeb(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint_required")
		return
	}
	room := roomKey(r)
	s.store.UnregisterWebPush(room, body.Endpoint)
	s.log.Info().
		Str("room", logging.KeyPrefix(room)).
		Str("endpoint", logging.Truncate(body.Endpoint, 48)).
		Msg("web push subscription removed")
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type permissionRequestBody struct {
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input"`
	Message        string          `json:"message"`
	Header         string          `json:"header"`
	Description    string          `json:"description"`
	PromptQuestion string          `json:"prompt_question"`
	Choices        []store.Choice  `json:"choices"`
	HasTmux        *bool           `json:"has_tmux"`
	TmuxTarget     string          `json:"tmux_target"`
	Hostname       string          `json:"hostname"`
	// Timeout is in seconds.
	Timeout float64 `json:"timeout"`
}

// maxRequestTimeout caps the per-request timeout override.
const maxRequestTimeout = 24 * time.Hour

type createResponse struct {
	ID        string `json:"id"`
	ToolName  string `json:"tool_name"`
	Message   string `json:"message"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body permissionRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	room := roomKey(r)
	d := describe(body)

	input := body.ToolInput
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage("{}")
	}
	var timeout time.Duration
	switch {
	case body.Timeout > maxRequestTimeout.Seconds():
		timeout = maxRequestTimeout
	case body.Timeout > 0:
		timeout = time.Duration(body.Timeout * float64(time.Second))
	}

	result := s.store.Create(room, store.NewRequest{
		ID:        s.newID(),
		ToolName:  d.Tool,
		ToolInput: input,
		Message:   d.Detail,
		Choices:   body.Choices,
		OriginTag: body.TmuxTarget,
		Hostname:  body.Hostname,
		Timeout:   timeout,
	})
	req := result.Request

	ev := s.log.Info().
		Str("room", logging.KeyPrefix(room)).
		Str("id", req.ID).
		Str("tool", d.Subtitle).
		Str("origin", body.TmuxTarget).
		Int("choices", len(req.Choices))
	if len(result.CancelledIDs) > 0 {
		ev = ev.Strs("superseded", result.CancelledIDs)
	}
	ev.Msg("permission request created")

	// answer first so the hook is never blocked on delivery
	writeJSON(w, http.StatusOK, createResponse{
		ID:        req.ID,
		ToolName:  req.ToolName,
		Message:   req.Message,
		ExpiresAt: store.UnixMilli(req.ExpiresAt),
	})

	s.broadcast(room)

	n := push.Notification{
		Title:    withHost(approvalTitle, body.Hostname),
		Subtitle: d.Subtitle,
		Body:     d.Body,
		Category: d.Category,
		Data: map[string]any{
			"request_id": req.ID,
			"type":       "permission_request",
		},
	}
	if len(req.Choices) > 0 {
		n.Data["choices"] = req.Choices
	}
	if body.TmuxTarget != "" {
		n.CollapseID = "relay:" + body.TmuxTarget + ":" + strconv.Itoa(result.CollapseSlot)
		n.NativeData = map[string]any{"tmux_target": body.TmuxTarget}
	}

	cancelled := result.CancelledIDs
	s.background(func(ctx context.Context) {
		if s.fanout == nil {
			return
		}
		for _, id := range cancelled {
			s.fanout.Dismiss(ctx, room, id)
		}
		s.fanout.Notify(ctx, room, n)
	})
}

type pollResponse struct {
	ID          string  `json:"id"`
	Response    *string `json:"response"`
	RespondedAt *int64  `json:"responded_at"`
	SendKey     *string `json:"send_key"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	req, ok := s.store.Request(roomKey(r), chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	v := req.View()
	writeJSON(w, http.StatusOK, pollResponse{
		ID:          v.ID,
		Response:    v.Response,
		RespondedAt: v.RespondedAt,
		SendKey:     v.SendKey,
	})
}

type respondBody struct {
	Response string `json:"response"`
	Choice   *int   `json:"choice"`
	Source   string `json:"source"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondBody
	if !decodeJSON(w, r, &body) {
		return
	}
	room := roomKey(r)
	id := chi.URLParam(r, "id")

	req, ok := s.store.Request(room, id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	var (
		sendKey    string
		resolution store.Resolution
	)
	switch d := store.Decision(body.Response); {
	case body.Choice != nil:
		sendKey = strconv.Itoa(*body.Choice)
		// every answer to a question is an answer; on permission prompts the
		// last choice is "No"
		resolution = store.ResolutionAllow
		if req.ToolName != "Question" && store.IsLastChoice(req, *body.Choice) {
			resolution = store.ResolutionDeny
		}
	case d == store.DecisionAllow || d == store.DecisionAllowAll:
		sendKey = store.ResolveSendKey(req, d)
		resolution = store.ResolutionAllow
	case d == store.DecisionDeny:
		sendKey = store.ResolveSendKey(req, d)
		resolution = store.ResolutionDeny
	default:
		writeError(w, http.StatusBadRequest, "response_or_choice_required")
		return
	}

	if !s.store.Respond(room, id, resolution, sendKey) {
		writeError(w, http.StatusNotFound, "already_responded")
		return
	}

	source := body.Source
	if source == "" {
		source = "unknown"
	}
	s.log.Info().
		Str("room", logging.KeyPrefix(room)).
		Str("id", id).
		Str("response", string(resolution)).
		Str("send_key", sendKey).
		Str("source", source).
		Msg("permission request answered")

	writeJSON(w, http.StatusOK, okResponse{OK: true})
	s.broadcast(room)
	s.dismiss(room, id)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	room := roomKey(r)
	id := chi.URLParam(r, "id")
	if !s.store.Cancel(room, id) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	s.log.Info().Str("room", logging.KeyPrefix(room)).Str("id", id).Msg("permission request cancelled at origin")

	writeJSON(w, http.StatusOK, okResponse{OK: true})
	s.broadcast(room)
	s.dismiss(room, id)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, store.Views(s.store.List(roomKey(r))))
}

type notifyBody struct {
	Title      string `json:"title"`
	Message    string `json:"message"`
	Hostname   string `json:"hostname"`
	TmuxTarget string `json:"tmux_target"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var body notifyBody
	if !decodeJSON(w, r, &body) {
		return
	}
	room := roomKey(r)

	title := body.Title
	if title == "" {
		title = notifyTitle
	}
	n := push.Notification{
		Title: withHost(title, body.Hostname),
		Body:  body.Message,
	}
	if n.Body == "" {
		n.Body = notifyBodyText
	}

	// a plain notification must not replace the actionable one sharing its
	// collapse identity
	if body.TmuxTarget != "" && s.store.HasPending(room, body.TmuxTarget) {
		s.log.Info().
			Str("room", logging.KeyPrefix(room)).
			Str("origin", body.TmuxTarget).
			Msg("notification skipped, permission request pending")
		writeJSON(w, http.StatusOK, okResponse{OK: true})
		return
	}
	if body.TmuxTarget != "" {
		n.CollapseID = "relay:" + body.TmuxTarget
	}

	s.log.Info().Str("room", logging.KeyPrefix(room)).Str("title", n.Title).Msg("notification")
	writeJSON(w, http.StatusOK, okResponse{OK: true})

	s.background(func(ctx context.Context) {
		if s.fanout != nil {
			s.fanout.Notify(ctx, room, n)
		}
	})
}

func (s *Server) broadcast(room string) {
	if s.hub != nil {
		s.hub.Broadcast(room)
	}
}

func (s *Server) dismiss(room, id string) {
	s.background(func(ctx context.Context) {
		if s.fanout != nil {
			s.fanout.Dismiss(ctx, room, id)
		}
	})
}
