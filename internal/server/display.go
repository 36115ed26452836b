package server

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const (
	notifyBodyLimit = 60
	notifyBodyCut   = 57

	approvalTitle   = "Approval needed"
	notifyTitle     = "Agent"
	notifyBodyText  = "Task completed"
	noTmuxWarning   = "⚠ Not started from tmux, cannot be answered remotely"
	permissionGroup = "PERMISSION_REQUEST"
)

// display is the human-facing text derived from a permission request.
type display struct {
	Tool     string
	Subtitle string
	Detail   string
	Body     string
	Category string
}

type toolInputHints struct {
	Command  string `json:"command"`
	FilePath string `json:"file_path"`
}

func describe(p permissionRequestBody) display {
	tool := p.ToolName
	if tool == "" {
		tool = "Unknown"
	}

	var hints toolInputHints
	if len(p.ToolInput) > 0 {
		// tool_input is free-form; anything but an object carries no hints
		_ = json.Unmarshal(p.ToolInput, &hints)
	}

	var detail string
	switch {
	case p.Description != "":
		detail = p.Description
	case hints.Command != "":
		detail = "$ " + hints.Command
	case hints.FilePath != "":
		detail = hints.FilePath
	case p.Message != "":
		detail = p.Message
	default:
		detail = "Allow " + tool + "?"
	}
	if p.PromptQuestion != "" {
		detail += "\n" + p.PromptQuestion
	}
	tmux := p.HasTmux == nil || *p.HasTmux
	if !tmux {
		detail += "\n" + noTmuxWarning
	}

	line := p.PromptQuestion
	if line == "" {
		line, _, _ = strings.Cut(detail, "\n")
	}

	d := display{
		Tool:     tool,
		Subtitle: p.Header,
		Detail:   detail,
		Body:     shorten(line),
	}
	if d.Subtitle == "" {
		d.Subtitle = tool
	}
	if tmux {
		d.Category = permissionGroup
	}
	return d
}

// shorten keeps lock-screen text to one visual line.
func shorten(s string) string {
	if utf8.RuneCountInString(s) <= notifyBodyLimit {
		return s
	}
	return string([]rune(s)[:notifyBodyCut]) + "…"
}

func withHost(title, hostname string) string {
	if hostname == "" {
		return title
	}
	return title + " [" + hostname + "]"
}
