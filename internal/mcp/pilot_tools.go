package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"pagepilot-mcp-server/internal/document"
	"pagepilot-mcp-server/internal/paginate"
	"pagepilot-mcp-server/internal/pilot"
)

// GenerateManifestTool scans the current document into a semantic manifest.
type GenerateManifestTool struct {
	sessions Browser
}

func (t *GenerateManifestTool) Name() string { return "generate-manifest" }
func (t *GenerateManifestTool) Description() string {
	return `Scan the page and return its semantic manifest: every interactive element
with a stable id, and the actions that can be executed on them.

Action ids look like "click:testid:save", "fill:name:email", "submit:#login".
A bare element id runs that element's primary action.

PAGINATION:
If the manifest exceeds the chunk budget the response carries totalChunks > 1,
the chunk descriptors and firstChunk. Fetch the rest with get-chunk(parentId =
manifestId). A new manifest supersedes the chunks of the previous one.

Returns: {manifestId, page, elementCount, actionCount, totalChunks, manifest | chunks + firstChunk}`
}
func (t *GenerateManifestTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionSchema("Target session"),
		},
		"required": []string{"session_id"},
	}
}
func (t *GenerateManifestTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	p, _, err := requirePilot(t.sessions, args)
	if err != nil {
		return nil, err
	}
	return p.GenerateManifest(ctx)
}

// ExecuteActionTool dispatches one manifest action.
type ExecuteActionTool struct {
	sessions Browser
}

func (t *ExecuteActionTool) Name() string { return "execute-action" }
func (t *ExecuteActionTool) Description() string {
	return `Execute an action from the most recent manifest.

PARAMS:
- fill: {"value": "..."}
- select: {"option": "..."} (one of the element's options)
- submit: one entry per form field id, e.g. {"name:email": "a@b.c"}
- Missing required inputs are rejected before the page is touched.

SETTLE:
With wait_for_settle (default true) the call returns once the page has been
quiet for the configured window, or the timeout elapsed, together with a fresh
manifest. settled=false is an outcome, not an error.

ERRORS (structured JSON with kind/id/retry):
- ElementNotFound: the id is not in the latest manifest; regenerate it
- UnknownAction: malformed id or missing input
- StaleHandle: the page navigated twice during the action`
}
func (t *ExecuteActionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionSchema("Target session"),
			"action_id": map[string]interface{}{
				"type":        "string",
				"description": "Action id from the manifest, or a bare element id",
			},
			"params": map[string]interface{}{
				"type":        "object",
				"description": "Inputs for the action",
			},
			"wait_for_settle": map[string]interface{}{
				"type":        "boolean",
				"description": "Wait for the page to go quiet and return a fresh manifest (default true)",
			},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Settle timeout override in milliseconds",
			},
		},
		"required": []string{"session_id", "action_id"},
	}
}
func (t *ExecuteActionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	p, _, err := requirePilot(t.sessions, args)
	if err != nil {
		return nil, err
	}
	actionID := getStringArg(args, "action_id")
	if actionID == "" {
		return nil, fmt.Errorf("action_id is required")
	}
	return p.ExecuteAction(ctx, actionID, getMapArg(args, "params"), pilot.ExecuteOptions{
		WaitForSettle: getBoolArg(args, "wait_for_settle", true),
		Timeout:       getDurationMsArg(args, "timeout_ms"),
	})
}

// GetChunkTool returns one chunk of a paginated manifest or image.
type GetChunkTool struct {
	sessions Browser
}

func (t *GetChunkTool) Name() string { return "get-chunk" }
func (t *GetChunkTool) Description() string {
	return `Fetch one chunk of a paginated manifest or image capture.

Repeated requests return identical content until the artifact is superseded.
Manifest chunks are returned as JSON, image chunks as image content.

ERRORS: ChunkOutOfRange (index >= totalChunks), UnknownArtifact (superseded or never issued).`
}
func (t *GetChunkTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionSchema("Target session"),
			"parent_id": map[string]interface{}{
				"type":        "string",
				"description": "manifestId or image parentId",
			},
			"index": map[string]interface{}{
				"type":        "integer",
				"description": "Zero-based chunk index",
			},
		},
		"required": []string{"session_id", "parent_id", "index"},
	}
}
func (t *GetChunkTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	p, _, err := requirePilot(t.sessions, args)
	if err != nil {
		return nil, err
	}
	parentID := getStringArg(args, "parent_id")
	if parentID == "" {
		return nil, fmt.Errorf("parent_id is required")
	}
	c, err := p.GetChunk(parentID, getIntArg(args, "index", 0))
	if err != nil {
		return nil, err
	}
	return chunkPayload(c), nil
}

func chunkPayload(c paginate.Chunk) interface{} {
	if c.Kind == paginate.KindImage {
		return &imageResult{Meta: map[string]interface{}{"chunk": c.Descriptor}, MIME: c.MIME, Data: c.Data}
	}
	return map[string]interface{}{
		"chunk": c.Descriptor,
		"data":  json.RawMessage(c.Data),
	}
}

// WaitForSettleTool blocks until the page stops mutating.
type WaitForSettleTool struct {
	sessions Browser
}

func (t *WaitForSettleTool) Name() string { return "wait-for-settle" }
func (t *WaitForSettleTool) Description() string {
	return `Wait until no significant DOM mutation has happened for the quiet window,
or the timeout elapses. Added or removed nodes always count; attribute changes
count only for attributes in pilot.significant_attributes, text-only changes never.

Returns: {state, settled, mutationCount, ignoredCount, documentReplaced, elapsedMs}`
}
func (t *WaitForSettleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionSchema("Target session"),
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in milliseconds (default from config)",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *WaitForSettleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	p, _, err := requirePilot(t.sessions, args)
	if err != nil {
		return nil, err
	}
	return p.WaitForSettle(ctx, getDurationMsArg(args, "timeout_ms"))
}

// CaptureImageTool screenshots the page and slices it into regions.
type CaptureImageTool struct {
	sessions Browser
}

func (t *CaptureImageTool) Name() string { return "capture-image" }
func (t *CaptureImageTool) Description() string {
	return `Capture the page (or a region) as PNG, split into overlapping horizontal
regions. The first region is returned as image content; fetch the others with
get-chunk(parentId, index).`
}
func (t *CaptureImageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionSchema("Target session"),
			"region": map[string]interface{}{
				"type":        "object",
				"description": "Optional {x, y, width, height} in CSS pixels; omitted captures the full page",
				"properties": map[string]interface{}{
					"x":      map[string]interface{}{"type": "number"},
					"y":      map[string]interface{}{"type": "number"},
					"width":  map[string]interface{}{"type": "number"},
					"height": map[string]interface{}{"type": "number"},
				},
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *CaptureImageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	p, _, err := requirePilot(t.sessions, args)
	if err != nil {
		return nil, err
	}
	region, err := regionArg(getMapArg(args, "region"))
	if err != nil {
		return nil, err
	}
	view, err := p.CaptureImage(ctx, region)
	if err != nil {
		return nil, err
	}
	first, err := p.GetChunk(view.ParentID, 0)
	if err != nil {
		return nil, err
	}
	return &imageResult{Meta: view, MIME: first.MIME, Data: first.Data}, nil
}

func regionArg(m map[string]interface{}) (*document.Region, error) {
	if m == nil {
		return nil, nil
	}
	x, _ := getFloatArg(m, "x")
	y, _ := getFloatArg(m, "y")
	w, _ := getFloatArg(m, "width")
	h, _ := getFloatArg(m, "height")
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("region width and height must be positive")
	}
	return &document.Region{X: x, Y: y, Width: w, Height: h}, nil
}
