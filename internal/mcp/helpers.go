package mcp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"pagepilot-mcp-server/internal/pilot"
)

func getStringArg(args map[string]interface{}, key string) string {
	return argString(args[key])
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok || val == nil {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getMapArg(args map[string]interface{}, key string) map[string]interface{} {
	if m, ok := args[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

func getFloatArg(args map[string]interface{}, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func getDurationMsArg(args map[string]interface{}, key string) time.Duration {
	ms := getIntArg(args, key, 0)
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// sinceArg reads a unix-millisecond watermark with microsecond fraction.
// Zero means from the start.
func sinceArg(args map[string]interface{}, key string) time.Time {
	ms, ok := getFloatArg(args, key)
	if !ok || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(math.Round(ms * 1000)))
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asInt(v interface{}) int {
	switch value := v.(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	case []string:
		if len(value) > 0 {
			return asInt(value[0])
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return 0
}

func sessionSchema(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}

func requirePilot(sessions Browser, args map[string]interface{}) (*pilot.Session, string, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, "", fmt.Errorf("session_id is required")
	}
	p, err := sessions.Pilot(sessionID)
	if err != nil {
		return nil, sessionID, err
	}
	return p, sessionID, nil
}
