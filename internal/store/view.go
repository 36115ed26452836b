package store

import (
	"strconv"
	"time"
)

// View is the wire shape of a request shared by the REST list and the
// WebSocket update message. Times are Unix milliseconds.
type View struct {
	ID          string   `json:"id"`
	ToolName    string   `json:"tool_name"`
	Message     string   `json:"message"`
	Choices     []Choice `json:"choices"`
	CreatedAt   int64    `json:"created_at"`
	ExpiresAt   int64    `json:"expires_at"`
	Response    *string  `json:"response"`
	RespondedAt *int64   `json:"responded_at"`
	SendKey     *string  `json:"send_key"`
	Hostname    *string  `json:"hostname"`
}

func (r Request) View() View {
	v := View{
		ID:        r.ID,
		ToolName:  r.ToolName,
		Message:   r.Message,
		CreatedAt: UnixMilli(r.CreatedAt),
		ExpiresAt: UnixMilli(r.ExpiresAt),
		Response:  optString(string(r.Resolution)),
		SendKey:   optString(r.SendKey),
		Hostname:  optString(r.Hostname),
	}
	if len(r.Choices) > 0 {
		v.Choices = append([]Choice(nil), r.Choices...)
	}
	if !r.RespondedAt.IsZero() {
		ms := UnixMilli(r.RespondedAt)
		v.RespondedAt = &ms
	}
	return v
}

func Views(reqs []Request) []View {
	out := make([]View, len(reqs))
	for i, r := range reqs {
		out[i] = r.View()
	}
	return out
}

func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
