package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/formicag/msp-support-assistant/internal/knowledge"
	"github.com/formicag/msp-support-assistant/internal/logging"
	"github.com/formicag/msp-support-assistant/internal/mcp/server"
	"github.com/formicag/msp-support-assistant/internal/mcp/tools"
	"github.com/formicag/msp-support-assistant/internal/repository"
	"github.com/formicag/msp-support-assistant/pkg/config"
)

// Handler serves tool invocations from two callers: the AgentCore gateway,
// which sends bare tool events, and MCP clients speaking JSON-RPC over API
// Gateway. Both paths execute the same registered tools.
type Handler struct {
	mcpServer *server.MCPServer
	tools     map[string]tools.Tool
	logger    *slog.Logger
	apiKey    string
}

// gatewayEvent is the AgentCore gateway invocation shape. The gateway may
// also send tool parameters directly at the top level with no tool name.
type gatewayEvent struct {
	ToolName   string                 `json:"tool_name"`
	Name       string                 `json:"name"`
	Action     string                 `json:"action"`
	Parameters map[string]interface{} `json:"parameters"`
	Input      map[string]interface{} `json:"input"`
}

func main() {
	logger := logging.New("gatewaytools")

	logger.Info("gateway tools lambda starting...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		panic(err)
	}

	// Initialize AWS SDK
	awsCfg, err := awsConfig.LoadDefaultConfig(context.Background(),
		awsConfig.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		logger.Error("failed to load AWS config", slog.String("error", err.Error()))
		panic(err)
	}

	// Create MCP server
	serverName := os.Getenv("MCP_SERVER_NAME")
	if serverName == "" {
		serverName = "msp-support-tools"
	}

	serverVersion := os.Getenv("MCP_SERVER_VERSION")
	if serverVersion == "" {
		serverVersion = "1.0.0"
	}

	mcpServer := server.NewMCPServer(serverName, serverVersion, logger)

	// Initialize dependencies
	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	repo := repository.NewDynamoDBTicketRepository(dynamoClient, cfg.TicketsTableName)

	// Register tools
	logger.Info("registering tools...")

	toolSet := []tools.Tool{
		tools.NewCreateTicketTool(repo, logger),
		tools.NewGetTicketTool(repo, logger),
		tools.NewUpdateTicketTool(repo, logger),
		tools.NewListTicketsTool(repo, logger),
		tools.NewTicketSummaryTool(repo, logger),
	}

	// Knowledge base search needs an OpenSearch endpoint; skip the tool when
	// the collection is not deployed so ticket tools still work
	if cfg.OpenSearchEndpoint != "" {
		osClient, err := knowledge.NewClient(awsCfg, cfg.OpenSearchEndpoint)
		if err != nil {
			logger.Error("failed to create OpenSearch client", slog.String("error", err.Error()))
			panic(err)
		}
		bedrockClient := bedrockruntime.NewFromConfig(awsCfg)
		embedder := knowledge.NewEmbedder(bedrockClient, cfg.EmbeddingModelID, logger)
		store := knowledge.NewStore(osClient, cfg.OpenSearchIndex, logger)
		searcher := knowledge.NewSearcher(embedder, store)
		toolSet = append(toolSet, tools.NewSearchKnowledgeBaseTool(searcher, logger))
	} else {
		logger.Warn("OPENSEARCH_ENDPOINT not set, knowledge base search disabled")
	}

	toolMap := make(map[string]tools.Tool, len(toolSet))
	for _, tool := range toolSet {
		if err := mcpServer.RegisterTool(tool); err != nil {
			logger.Error("failed to register tool",
				slog.String("tool_name", tool.GetDefinition().Name),
				slog.String("error", err.Error()),
			)
			panic(err)
		}
		toolMap[tool.GetDefinition().Name] = tool
	}

	logger.Info("gateway tools server initialized",
		slog.Int("tool_count", len(toolMap)),
	)

	// Get API key from environment (for MCP client authentication)
	apiKey := os.Getenv("MCP_API_KEY")
	if apiKey == "" {
		logger.Warn("MCP_API_KEY not set, authentication disabled")
	}

	handler := &Handler{
		mcpServer: mcpServer,
		tools:     toolMap,
		logger:    logger,
		apiKey:    apiKey,
	}

	lambda.Start(handler.HandleEvent)
}

// HandleEvent dispatches on the raw event shape. API Gateway requests carry a
// requestContext; anything else is treated as a gateway tool invocation.
func (h *Handler) HandleEvent(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var peek struct {
		RequestContext *json.RawMessage `json:"requestContext"`
		RawPath        string           `json:"rawPath"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return h.errorResult(fmt.Sprintf("invalid event payload: %s", err)), nil
	}

	if peek.RequestContext != nil || peek.RawPath != "" {
		var request events.APIGatewayV2HTTPRequest
		if err := json.Unmarshal(raw, &request); err != nil {
			return h.errorResult(fmt.Sprintf("invalid API Gateway event: %s", err)), nil
		}
		return h.handleAPIGatewayRequest(ctx, request)
	}

	return h.handleGatewayInvocation(ctx, raw)
}

// handleAPIGatewayRequest processes MCP JSON-RPC requests over API Gateway
func (h *Handler) handleAPIGatewayRequest(ctx context.Context, event events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	h.logger.Info("received MCP request",
		slog.String("path", event.RawPath),
		slog.String("method", event.RequestContext.HTTP.Method),
		slog.String("request_id", event.RequestContext.RequestID),
	)

	// Validate API key if configured. The Cognito JWT itself is verified by
	// the API Gateway authorizer before the request reaches this Lambda; the
	// Bearer branch here only matters for direct invocations that reuse the
	// shared key in the Authorization header.
	if h.apiKey != "" {
		providedKey := event.Headers["x-api-key"]
		if providedKey == "" {
			providedKey = strings.TrimPrefix(event.Headers["authorization"], "Bearer ")
		}
		if providedKey != h.apiKey {
			h.logger.Warn("invalid API key provided",
				slog.String("remote_addr", event.RequestContext.HTTP.SourceIP),
			)
			return events.APIGatewayV2HTTPResponse{
				StatusCode: 401,
				Headers: map[string]string{
					"Content-Type": "application/json",
				},
				Body: `{"jsonrpc":"2.0","error":{"code":-32004,"message":"Invalid API key"},"id":null}`,
			}, nil
		}
	}

	// Handle JSON-RPC request
	responseBody, err := h.mcpServer.HandleRequest(ctx, []byte(event.Body))
	if err != nil {
		h.logger.Error("failed to handle MCP request",
			slog.String("error", err.Error()),
			slog.String("request_id", event.RequestContext.RequestID),
		)

		// Return JSON-RPC error
		errorResp := map[string]interface{}{
			"jsonrpc": "2.0",
			"error": map[string]interface{}{
				"code":    -32603,
				"message": "Internal error",
				"data":    err.Error(),
			},
			"id": nil,
		}

		errorBody, _ := json.Marshal(errorResp)
		return events.APIGatewayV2HTTPResponse{
			StatusCode: 200, // JSON-RPC errors still return 200 OK
			Headers: map[string]string{
				"Content-Type": "application/json",
			},
			Body: string(errorBody),
		}, nil
	}

	return events.APIGatewayV2HTTPResponse{
		StatusCode: 200,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: string(responseBody),
	}, nil
}

// handleGatewayInvocation processes a bare tool event from the AgentCore
// gateway and returns the tool result object directly
func (h *Handler) handleGatewayInvocation(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var event gatewayEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return h.errorResult(fmt.Sprintf("invalid gateway event: %s", err)), nil
	}

	toolName, params := h.resolveTool(event, raw)

	h.logger.Info("invoking tool",
		slog.String("tool_name", toolName),
	)

	tool, ok := h.tools[toolName]
	if !ok {
		return h.errorResult(fmt.Sprintf("Unknown tool: %s. Available tools: %s",
			toolName, strings.Join(h.toolNames(), ", "))), nil
	}

	if err := tool.ValidateInput(params); err != nil {
		return h.errorResult(err.Error()), nil
	}

	content, err := tool.Execute(ctx, params)
	if err != nil {
		h.logger.Error("tool execution failed",
			slog.String("tool_name", toolName),
			slog.String("error", err.Error()),
		)
		return h.errorResult(err.Error()), nil
	}

	// Tools return a single JSON text content block; unwrap it so the
	// gateway sees the plain result object
	if len(content) > 0 && content[0].Text != "" {
		var result map[string]interface{}
		if err := json.Unmarshal([]byte(content[0].Text), &result); err == nil {
			return result, nil
		}
		return map[string]interface{}{"success": true, "result": content[0].Text}, nil
	}

	return map[string]interface{}{"success": true}, nil
}

// resolveTool determines the tool to run. An explicit tool name wins;
// otherwise the tool is inferred from which parameters are present.
func (h *Handler) resolveTool(event gatewayEvent, raw json.RawMessage) (string, map[string]interface{}) {
	toolName := event.ToolName
	if toolName == "" {
		toolName = event.Name
	}
	if toolName == "" && event.Action != "" && event.Action != "summary" {
		toolName = event.Action
	}

	if toolName != "" {
		params := event.Parameters
		if params == nil {
			params = event.Input
		}
		if params == nil {
			params = map[string]interface{}{}
		}
		return toolName, params
	}

	// Direct invocation: the whole event is the parameter map
	var params map[string]interface{}
	if err := json.Unmarshal(raw, &params); err != nil {
		params = map[string]interface{}{}
	}

	// Accept "id" as an alias for "ticket_id"
	if params["ticket_id"] == nil && params["id"] != nil {
		params["ticket_id"] = params["id"]
	}

	if params["ticket_id"] != nil {
		for _, k := range []string{"status", "priority", "note", "assigned_to"} {
			if _, ok := params[k]; ok {
				return "update_ticket", params
			}
		}
		return "get_ticket", params
	}
	if params["title"] != nil && params["description"] != nil {
		return "create_ticket", params
	}
	if event.Action == "summary" || params["summary"] != nil {
		return "get_ticket_summary", params
	}
	if params["query"] != nil {
		return "search_knowledge_base", params
	}
	return "list_tickets", params
}

func (h *Handler) toolNames() []string {
	names := make([]string, 0, len(h.tools))
	for name := range h.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Handler) errorResult(message string) map[string]interface{} {
	return map[string]interface{}{
		"success": false,
		"error":   message,
	}
}
