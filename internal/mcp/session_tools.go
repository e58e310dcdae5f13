package mcp

import (
	"context"
	"fmt"
)

// LaunchBrowserTool starts Chrome using the configured launch command or
// connects to the configured debugger URL.
type LaunchBrowserTool struct {
	sessions Browser
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start or connect to a Chrome browser for automation.

CALL THIS FIRST when the server was started without browser.auto_start.

WHAT IT DOES:
- Connects to browser.debugger_url, or launches browser.launch
- Restores persisted session metadata as "detached"
- Idempotent: safe to call if already running

Returns: {status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": t.sessions.ControlURL(),
		}, nil
	}
	if err := t.sessions.Start(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "started",
		"control_url": t.sessions.ControlURL(),
	}, nil
}

// ShutdownBrowserTool stops the managed Chrome instance and clears sessions.
type ShutdownBrowserTool struct {
	sessions Browser
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop the browser and close every session.

Manifests, chunks and ledgers die with their sessions. The fact log persists.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := t.sessions.Shutdown(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "stopped"}, nil
}

type ListSessionsTool struct {
	sessions Browser
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List browser sessions, oldest first.

Sessions restored from the session store are "detached" until attach-session
binds a live tab.

Returns: {sessions: [{id, target_id, url, title, status}]}`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sessions": t.sessions.List()}, nil
}

type CreateSessionTool struct {
	sessions Browser
}

func (t *CreateSessionTool) Name() string { return "create-session" }
func (t *CreateSessionTool) Description() string {
	return `Open a new tab in an isolated context and bind a pilot session to it.

PREREQUISITE: launch-browser.

WORKFLOW:
1. create-session(url)
2. generate-manifest(session_id)
3. execute-action(session_id, action_id)

Returns: {session: {id, url, title}}`
}
func (t *CreateSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Optional URL to navigate after opening the session",
			},
		},
	}
}
func (t *CreateSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sess, err := t.sessions.CreateSession(ctx, getStringArg(args, "url"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": sess}, nil
}

type AttachSessionTool struct {
	sessions Browser
}

func (t *AttachSessionTool) Name() string { return "attach-session" }
func (t *AttachSessionTool) Description() string {
	return `Attach a pilot session to an existing tab by its CDP TargetID.

Use for tabs opened by hand or another process, and to resume a detached session.

Returns: {session: {id, url, title}}`
}
func (t *AttachSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target_id": map[string]interface{}{
				"type":        "string",
				"description": "CDP TargetID to attach",
			},
		},
		"required": []string{"target_id"},
	}
}
func (t *AttachSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	targetID := getStringArg(args, "target_id")
	if targetID == "" {
		return nil, fmt.Errorf("target_id is required")
	}
	sess, err := t.sessions.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": sess}, nil
}

type NavigateURLTool struct {
	sessions Browser
}

func (t *NavigateURLTool) Name() string { return "navigate-url" }
func (t *NavigateURLTool) Description() string {
	return `Load a URL in a session.

The previous document is replaced: its manifest, chunks and event ledger are
discarded. Call generate-manifest afterwards.

Returns: {session: {id, url, title}}`
}
func (t *NavigateURLTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionSchema("Target session"),
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Absolute URL to load",
			},
		},
		"required": []string{"session_id", "url"},
	}
}
func (t *NavigateURLTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	url := getStringArg(args, "url")
	if sessionID == "" || url == "" {
		return nil, fmt.Errorf("session_id and url are required")
	}
	if err := t.sessions.Navigate(ctx, sessionID, url); err != nil {
		return nil, err
	}
	sess, _ := t.sessions.GetSession(sessionID)
	return map[string]interface{}{"session": sess}, nil
}

type SessionStatusTool struct {
	sessions Browser
}

func (t *SessionStatusTool) Name() string { return "session-status" }
func (t *SessionStatusTool) Description() string {
	return `Report a session's document handle, current manifest, detector state and ledger size.`
}
func (t *SessionStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionSchema("Target session"),
		},
		"required": []string{"session_id"},
	}
}
func (t *SessionStatusTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	p, sessionID, err := requirePilot(t.sessions, args)
	if err != nil {
		return nil, err
	}
	meta, _ := t.sessions.GetSession(sessionID)
	return map[string]interface{}{
		"session": meta,
		"pilot":   p.Status(),
	}, nil
}
