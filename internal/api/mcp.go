package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/ripewise/internal/storage"
	"github.com/kalambet/ripewise/internal/syncer"
)

// MCPQueue is the read side of the offline queue exposed to assistants.
type MCPQueue interface {
	QueueStats() (storage.QueueStats, error)
	ListQueueItems() ([]storage.QueueItem, error)
	ListQueueItemsByStatus(status storage.Status) ([]storage.QueueItem, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Queue MCPQueue
	Sync  SyncService
}

// NewMCPServer creates an MCP server exposing the device agent's queue and
// sync controls.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"ripewise",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ripewise device agent: inspect the offline capture queue and control synchronization."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("queue_stats",
			mcp.WithDescription("Count queued captures by status and report the oldest and newest capture times."),
		),
		mcpQueueStats(deps),
	)

	s.AddTool(
		mcp.NewTool("list_queue",
			mcp.WithDescription("List queued captures, oldest first. Image payloads are omitted."),
			mcp.WithString("status", mcp.Description("Only items with this status (pending, uploading, failed)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of items (default 20)")),
		),
		mcpListQueue(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Run one sync cycle now. Refused while offline or while a cycle is already running."),
		),
		mcpSyncNow(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_failed",
			mcp.WithDescription("Move failed captures back to pending and start a sync if online."),
			mcp.WithNumber("max_retries", mcp.Description("Only reset items that failed fewer times than this (0 = all)")),
		),
		mcpRetryFailed(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"sync://status",
			"Sync Status",
			mcp.WithResourceDescription("Current sync state, connectivity and queue counts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSyncStatus(deps),
	)

	return s
}

func mcpQueueStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Queue.QueueStats()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get queue stats: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpListQueue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		var items []storage.QueueItem
		var err error
		if s := storage.Status(req.GetString("status", "")); s != "" {
			if !s.Valid() {
				return mcpError(fmt.Sprintf("unknown status %q", s)), nil
			}
			items, err = deps.Queue.ListQueueItemsByStatus(s)
		} else {
			items, err = deps.Queue.ListQueueItems()
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list queue: %v", err)), nil
		}
		if len(items) > limit {
			items = items[:limit]
		}
		if items == nil {
			items = []storage.QueueItem{}
		}
		return mcpJSON(items)
	}
}

func mcpSyncNow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Sync.SyncNow(ctx)
		var skip *syncer.SkipError
		if errors.As(err, &skip) {
			return mcpError(skip.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Sync %s: %d processed, %d succeeded, %d failed",
			res.State, res.Processed, res.Succeeded, res.Failed)), nil
	}
}

func mcpRetryFailed(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		maxRetries := req.GetInt("max_retries", 0)
		if maxRetries < 0 {
			maxRetries = 0
		}
		n, err := deps.Sync.RetryAll(ctx, maxRetries)
		if err != nil {
			return mcpError(fmt.Sprintf("retry failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Reset %d failed item(s) to pending", n)), nil
	}
}

func mcpResourceSyncStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Sync.Status()
		if err != nil {
			return nil, fmt.Errorf("failed to get sync status: %w", err)
		}

		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sync status: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
