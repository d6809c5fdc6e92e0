package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"flowdeck/internal/services"
	"flowdeck/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type Server struct {
	mcpServer *server.MCPServer
	orch      *services.Orchestrator
}

func NewServer(orch *services.Orchestrator) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Flowdeck Orchestrator",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		orch: orch,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"trigger_deployment",
			mcp.WithDescription("Dispatch a run of a deployment right now, outside its schedules"),
			mcp.WithString("deployment_id", mcp.Required(), mcp.Description("The ID of the deployment to run")),
			mcp.WithObject("parameters", mcp.Description("Parameter overrides merged over the deployment defaults")),
			mcp.WithObject("job_variables", mcp.Description("Job variable overrides merged over the deployment defaults")),
		),
		s.handleTriggerDeployment,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_deployments",
			mcp.WithDescription("List registered deployments, optionally filtered by flow"),
			mcp.WithString("flow_id", mcp.Description("Only return deployments of this flow")),
		),
		s.handleListDeployments,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"pause_deployment",
			mcp.WithDescription("Pause or resume scheduled dispatch for a deployment"),
			mcp.WithString("deployment_id", mcp.Required(), mcp.Description("The ID of the deployment")),
			mcp.WithBoolean("paused", mcp.Required(), mcp.Description("True to pause, false to resume")),
		),
		s.handlePauseDeployment,
	)
}

func (s *Server) handleTriggerDeployment(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	deploymentID, ok := args["deployment_id"].(string)
	if !ok || deploymentID == "" {
		return mcp.NewToolResultError("Missing required parameter: deployment_id"), nil
	}

	ov := &models.TriggerOverrides{}
	if params, ok := args["parameters"].(map[string]interface{}); ok {
		ov.Parameters = params
	}
	if jobVars, ok := args["job_variables"].(map[string]interface{}); ok {
		ov.JobVariables = jobVars
	}

	run, err := s.orch.TriggerNow(ctx, deploymentID, ov)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to trigger deployment: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(run)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListDeployments(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := models.DeploymentFilter{}
	if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
		if flowID, ok := args["flow_id"].(string); ok {
			filter.FlowID = flowID
		}
	}

	deployments, err := s.orch.ListDeployments(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list deployments: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(deployments)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handlePauseDeployment(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	deploymentID, ok := args["deployment_id"].(string)
	if !ok || deploymentID == "" {
		return mcp.NewToolResultError("Missing required parameter: deployment_id"), nil
	}

	paused, ok := args["paused"].(bool)
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: paused"), nil
	}

	d, err := s.orch.SetPaused(ctx, deploymentID, paused)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update deployment: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(d)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
