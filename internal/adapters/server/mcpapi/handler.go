// Package mcpapi provides a stateless MCP streamable-HTTP adapter.
package mcpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hylla/fieldsync/internal/adapters/server/common"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// entityTypes lists the entity_type values advertised to MCP clients.
var entityTypes = []string{"project", "service", "room", "checklist_item", "point", "photo"}

// NewHandler builds one stateless MCP adapter with record and sync tools. Service
// lifecycle tools are registered when records also implements common.ServiceLifecycle.
func NewHandler(cfg Config, records common.RecordService, sync common.SyncService) (*Handler, error) {
	if records == nil {
		return nil, fmt.Errorf("record service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerRecordTools(mcpSrv, records)
	if sync != nil {
		registerSyncTools(mcpSrv, sync)
	}
	if lifecycle, ok := records.(common.ServiceLifecycle); ok {
		registerLifecycleTools(mcpSrv, lifecycle)
	}

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

// ServeHTTP handles one MCP streamable HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// normalizeConfig applies deterministic defaults to MCP adapter config.
func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "fieldsync"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	if !strings.HasPrefix(cfg.EndpointPath, "/") {
		cfg.EndpointPath = "/" + cfg.EndpointPath
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	return cfg
}

// registerRecordTools registers cache read and mutation tools.
func registerRecordTools(srv *mcpserver.MCPServer, records common.RecordService) {
	srv.AddTool(
		mcp.NewTool(
			"fieldsync.get_cached",
			mcp.WithDescription("Return one cached record by local id or server id."),
			mcp.WithString("entity_type", mcp.Required(), mcp.Description("Entity type"), mcp.Enum(entityTypes...)),
			mcp.WithString("local_id", mcp.Description("Temporary local id")),
			mcp.WithString("server_id", mcp.Description("Server-confirmed id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			entityType, err := req.RequireString("entity_type")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			rec, err := records.GetRecord(ctx, common.GetRecordRequest{
				EntityType: entityType,
				LocalID:    req.GetString("local_id", ""),
				ServerID:   req.GetString("server_id", ""),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_cached", rec)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"fieldsync.query",
			mcp.WithDescription("List cached records of one entity type, optionally scoped to a service or parent."),
			mcp.WithString("entity_type", mcp.Required(), mcp.Description("Entity type"), mcp.Enum(entityTypes...)),
			mcp.WithString("service_id", mcp.Description("Owning service local id")),
			mcp.WithString("parent_id", mcp.Description("Parent local id")),
			mcp.WithString("status", mcp.Description("Sync status filter"), mcp.Enum("pending", "syncing", "synced", "failed")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			entityType, err := req.RequireString("entity_type")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			rows, err := records.QueryRecords(ctx, common.QueryRecordsRequest{
				EntityType: entityType,
				ServiceID:  req.GetString("service_id", ""),
				ParentID:   req.GetString("parent_id", ""),
				Status:     req.GetString("status", ""),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("query", map[string]any{"records": rows})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"fieldsync.enqueue_mutation",
			mcp.WithDescription("Apply a create, update or delete locally and queue it for sync."),
			mcp.WithString("kind", mcp.Required(), mcp.Description("Mutation kind"), mcp.Enum("create", "update", "delete")),
			mcp.WithString("entity_type", mcp.Required(), mcp.Description("Entity type"), mcp.Enum(entityTypes...)),
			mcp.WithString("local_id", mcp.Description("Target local id for update and delete")),
			mcp.WithString("parent_id", mcp.Description("Parent local id for create")),
			mcp.WithObject("payload", mcp.Description("Field values for create, or the field diff for update")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args common.MutationRequest
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if strings.TrimSpace(args.Kind) == "" {
				return mcp.NewToolResultError(`invalid_request: required argument "kind" not found`), nil
			}
			res, err := records.ApplyMutation(ctx, args)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("enqueue_mutation", res)
		},
	)
}

// jsonResult encodes one tool result payload.
func jsonResult(tool string, payload any) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	return result, nil
}

// toolResultFromError maps service errors into MCP-visible tool errors.
func toolResultFromError(err error) *mcp.CallToolResult {
	switch {
	case err == nil:
		return mcp.NewToolResultError("unknown error")
	case errors.Is(err, common.ErrInvalidRequest):
		return mcp.NewToolResultError("invalid_request: " + err.Error())
	case errors.Is(err, common.ErrNotFound):
		return mcp.NewToolResultError("not_found: " + err.Error())
	case errors.Is(err, common.ErrConflict):
		return mcp.NewToolResultError("conflict: " + err.Error())
	case errors.Is(err, common.ErrRejected):
		return mcp.NewToolResultError("rejected: " + err.Error())
	case errors.Is(err, common.ErrUnavailable):
		return mcp.NewToolResultError("remote_unavailable: " + err.Error())
	default:
		return mcp.NewToolResultError("internal_error: " + err.Error())
	}
}

// invalidRequestToolResult reports malformed tool arguments.
func invalidRequestToolResult(err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultError("invalid_request: malformed arguments")
	}
	return mcp.NewToolResultError("invalid_request: " + err.Error())
}
