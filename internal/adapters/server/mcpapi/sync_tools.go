package mcpapi

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hylla/fieldsync/internal/adapters/server/common"
)

// registerSyncTools registers sync control and outbox recovery tools.
func registerSyncTools(srv *mcpserver.MCPServer, sync common.SyncService) {
	srv.AddTool(
		mcp.NewTool(
			"fieldsync.trigger_sync",
			mcp.WithDescription("Request an outbox drain. With wait=true, run one drain and report it."),
			mcp.WithBoolean("wait", mcp.Description("Wait for the drain to finish")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			res, err := sync.TriggerSync(ctx, common.TriggerSyncRequest{Wait: req.GetBool("wait", false)})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("trigger_sync", res)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"fieldsync.sync_status",
			mcp.WithDescription("Return coordinator state, connectivity and outbox depth, including failed operations."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			status, err := sync.SyncStatus(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("sync_status", status)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"fieldsync.retry_failed",
			mcp.WithDescription("Requeue the failed operations of one entity."),
			mcp.WithString("local_id", mcp.Required(), mcp.Description("Entity local id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			localID, err := req.RequireString("local_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			res, err := sync.RetryFailed(ctx, localID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("retry_failed", res)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"fieldsync.discard_failed",
			mcp.WithDescription("Drop the failed operations of one entity. Unconfirmed entities are removed locally."),
			mcp.WithString("local_id", mcp.Required(), mcp.Description("Entity local id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			localID, err := req.RequireString("local_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			res, err := sync.DiscardFailed(ctx, localID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("discard_failed", res)
		},
	)
}

// registerLifecycleTools registers service open and rehydration tools.
func registerLifecycleTools(srv *mcpserver.MCPServer, lifecycle common.ServiceLifecycle) {
	srv.AddTool(
		mcp.NewTool(
			"fieldsync.rehydrate",
			mcp.WithDescription("Rebuild one service's cache from the remote record store, keeping unsynced local edits."),
			mcp.WithString("service_id", mcp.Required(), mcp.Description("Service local id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			serviceID, err := req.RequireString("service_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			res, err := lifecycle.Rehydrate(ctx, serviceID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("rehydrate", res)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"fieldsync.open_service",
			mcp.WithDescription("Make one service current for the session, rehydrating it first when its cache was purged."),
			mcp.WithString("service_id", mcp.Required(), mcp.Description("Service local id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			serviceID, err := req.RequireString("service_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			res, err := lifecycle.OpenService(ctx, serviceID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("open_service", res)
		},
	)
}
