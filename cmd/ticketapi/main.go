package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/formicag/msp-support-assistant/internal/logging"
	"github.com/formicag/msp-support-assistant/internal/messaging"
	"github.com/formicag/msp-support-assistant/internal/models"
	"github.com/formicag/msp-support-assistant/internal/repository"
	appconfig "github.com/formicag/msp-support-assistant/pkg/config"
	"github.com/go-playground/validator/v10"
)

// TicketAPIHandler handles API Gateway requests for the ticket CRUD API
type TicketAPIHandler struct {
	config     *appconfig.Config
	repository repository.TicketRepository
	publisher  messaging.EventPublisher
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewTicketAPIHandler creates a new ticket API handler instance
func NewTicketAPIHandler(
	cfg *appconfig.Config,
	repo repository.TicketRepository,
	pub messaging.EventPublisher,
	logger *slog.Logger,
) *TicketAPIHandler {
	return &TicketAPIHandler{
		config:     cfg,
		repository: repo,
		publisher:  pub,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger,
	}
}

// HandleRequest routes API Gateway V2 requests to appropriate handlers
func (h *TicketAPIHandler) HandleRequest(ctx context.Context, request events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	h.logger.DebugContext(ctx, "received API request",
		slog.String("method", request.RequestContext.HTTP.Method),
		slog.String("path", request.RawPath),
	)

	// Add CORS headers
	headers := map[string]string{
		"Content-Type":                 "application/json",
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type, Authorization, X-Api-Key",
	}

	// Handle OPTIONS for CORS preflight
	if request.RequestContext.HTTP.Method == "OPTIONS" {
		return events.APIGatewayV2HTTPResponse{
			StatusCode: http.StatusOK,
			Headers:    headers,
		}, nil
	}

	// Route requests
	var response events.APIGatewayV2HTTPResponse
	var err error

	path := request.RawPath
	if path == "" {
		path = request.RequestContext.HTTP.Path
	}
	method := request.RequestContext.HTTP.Method

	switch {
	case path == "/health" && method == "GET":
		response, err = h.handleHealth(ctx)
	case path == "/tickets" && method == "POST":
		response, err = h.handleCreateTicket(ctx, request)
	case path == "/tickets" && method == "GET":
		response, err = h.handleListTickets(ctx, request)
	case strings.HasPrefix(path, "/tickets/") && method == "GET":
		response, err = h.handleGetTicket(ctx, ticketIDFromPath(request, path))
	case strings.HasPrefix(path, "/tickets/") && (method == "PATCH" || method == "PUT"):
		response, err = h.handleUpdateTicket(ctx, ticketIDFromPath(request, path), request)
	case strings.HasPrefix(path, "/tickets/") && method == "DELETE":
		response, err = h.handleDeleteTicket(ctx, ticketIDFromPath(request, path))
	default:
		response = h.createErrorResponse(http.StatusNotFound, fmt.Sprintf("route not found: %s %s", method, path))
	}

	if err != nil {
		h.logger.ErrorContext(ctx, "request handler error",
			slog.String("error", err.Error()),
		)
	}

	// Add CORS headers to response
	if response.Headers == nil {
		response.Headers = headers
	} else {
		for k, v := range headers {
			response.Headers[k] = v
		}
	}

	return response, err
}

// ticketIDFromPath extracts the ticket ID from path parameters, falling back
// to the raw path for direct Lambda invocations without a configured route
func ticketIDFromPath(request events.APIGatewayV2HTTPRequest, path string) string {
	if id, ok := request.PathParameters["ticketId"]; ok && id != "" {
		return id
	}
	return strings.TrimPrefix(path, "/tickets/")
}

// handleHealth returns the health status of the API
func (h *TicketAPIHandler) handleHealth(_ context.Context) (events.APIGatewayV2HTTPResponse, error) {
	health := map[string]interface{}{
		"status":    "healthy",
		"service":   "msp-support-assistant-ticket-api",
		"stage":     h.config.Stage.String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(health)
	if err != nil {
		return h.createErrorResponse(http.StatusInternalServerError, "failed to marshal health response"), err
	}

	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
	}, nil
}

// CreateTicketRequest represents a request to create a new ticket
type CreateTicketRequest struct {
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description" validate:"required"`
	Status      string   `json:"status,omitempty" validate:"omitempty,oneof=Open 'In Progress' Resolved Closed"`
	Priority    string   `json:"priority,omitempty" validate:"omitempty,oneof=Low Medium High Critical"`
	Category    string   `json:"category,omitempty" validate:"omitempty,oneof=Network Hardware Software Security General"`
	CustomerID  string   `json:"customer_id,omitempty"`
	AssignedTo  string   `json:"assigned_to,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// handleCreateTicket creates a new support ticket
func (h *TicketAPIHandler) handleCreateTicket(ctx context.Context, request events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	var req CreateTicketRequest
	if err := json.Unmarshal([]byte(request.Body), &req); err != nil {
		h.logger.ErrorContext(ctx, "failed to parse request body", slog.String("error", err.Error()))
		return h.createErrorResponse(http.StatusBadRequest, "invalid JSON in request body"), nil
	}

	if err := h.validate.Struct(req); err != nil {
		var missing []string
		var invalid []string
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				field := strings.ToLower(fe.Field())
				if fe.Tag() == "required" {
					missing = append(missing, field)
				} else {
					invalid = append(invalid, field)
				}
			}
		}
		if len(missing) > 0 {
			return h.createErrorResponse(http.StatusBadRequest,
				fmt.Sprintf("Missing required fields: %s", strings.Join(missing, ", "))), nil
		}
		return h.createErrorResponse(http.StatusBadRequest,
			fmt.Sprintf("Invalid field values: %s", strings.Join(invalid, ", "))), nil
	}

	ticket := models.NewTicket(req.Title, req.Description)
	if req.Status != "" {
		ticket.Status = models.Status(req.Status)
	}
	if req.Priority != "" {
		ticket.Priority = models.Priority(req.Priority)
	}
	if req.Category != "" {
		ticket.Category = models.Category(req.Category)
	}
	if req.CustomerID != "" {
		ticket.CustomerID = req.CustomerID
	}
	if req.AssignedTo != "" {
		ticket.AssignedTo = req.AssignedTo
	}
	if len(req.Tags) > 0 {
		ticket.Tags = req.Tags
	}

	if err := h.repository.PutTicket(ctx, ticket); err != nil {
		h.logger.ErrorContext(ctx, "failed to create ticket", slog.String("error", err.Error()))
		return h.createErrorResponse(http.StatusInternalServerError, "Failed to create ticket"), err
	}

	h.logger.InfoContext(ctx, "ticket created",
		slog.String("ticket_id", ticket.TicketID),
		slog.String("priority", ticket.Priority.String()),
	)

	h.publishEvent(ctx, messaging.EventTicketCreated, ticket)

	body, err := json.Marshal(map[string]interface{}{
		"message": "Ticket created successfully",
		"ticket":  ticket,
	})
	if err != nil {
		return h.createErrorResponse(http.StatusInternalServerError, "failed to marshal response"), err
	}

	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusCreated,
		Body:       string(body),
	}, nil
}

// handleGetTicket returns a single ticket by ID
func (h *TicketAPIHandler) handleGetTicket(ctx context.Context, ticketID string) (events.APIGatewayV2HTTPResponse, error) {
	if ticketID == "" {
		return h.createErrorResponse(http.StatusBadRequest, "Ticket ID is required"), nil
	}

	ticket, err := h.repository.GetTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return h.createErrorResponse(http.StatusNotFound, fmt.Sprintf("Ticket %s not found", ticketID)), nil
		}
		h.logger.ErrorContext(ctx, "failed to get ticket", slog.String("error", err.Error()))
		return h.createErrorResponse(http.StatusInternalServerError, "Failed to retrieve ticket"), err
	}

	body, err := json.Marshal(map[string]interface{}{"ticket": ticket})
	if err != nil {
		return h.createErrorResponse(http.StatusInternalServerError, "failed to marshal response"), err
	}

	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
	}, nil
}

// UpdateTicketRequest represents a partial ticket update. Omitted fields are
// left untouched; note appends to the ticket's note trail.
type UpdateTicketRequest struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Status      *string  `json:"status,omitempty"`
	Priority    *string  `json:"priority,omitempty"`
	Category    *string  `json:"category,omitempty"`
	AssignedTo  *string  `json:"assigned_to,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Note        string   `json:"note,omitempty"`
	Author      string   `json:"author,omitempty"`
}

// handleUpdateTicket applies a partial update to an existing ticket
func (h *TicketAPIHandler) handleUpdateTicket(ctx context.Context, ticketID string, request events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if ticketID == "" {
		return h.createErrorResponse(http.StatusBadRequest, "Ticket ID is required"), nil
	}

	var req UpdateTicketRequest
	if err := json.Unmarshal([]byte(request.Body), &req); err != nil {
		h.logger.ErrorContext(ctx, "failed to parse request body", slog.String("error", err.Error()))
		return h.createErrorResponse(http.StatusBadRequest, "invalid JSON in request body"), nil
	}

	update := repository.TicketUpdate{
		Title:       req.Title,
		Description: req.Description,
		AssignedTo:  req.AssignedTo,
		Tags:        req.Tags,
		Note:        req.Note,
		NoteAuthor:  req.Author,
	}
	if req.Status != nil {
		status := models.Status(*req.Status)
		update.Status = &status
	}
	if req.Priority != nil {
		priority := models.Priority(*req.Priority)
		update.Priority = &priority
	}
	if req.Category != nil {
		category := models.Category(*req.Category)
		update.Category = &category
	}

	if update.IsEmpty() {
		return h.createErrorResponse(http.StatusBadRequest, "No valid fields to update"), nil
	}

	ticket, err := h.repository.UpdateTicket(ctx, ticketID, update)
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return h.createErrorResponse(http.StatusNotFound, fmt.Sprintf("Ticket %s not found", ticketID)), nil
		}
		if strings.Contains(err.Error(), "invalid") {
			return h.createErrorResponse(http.StatusBadRequest, err.Error()), nil
		}
		h.logger.ErrorContext(ctx, "failed to update ticket", slog.String("error", err.Error()))
		return h.createErrorResponse(http.StatusInternalServerError, "Failed to update ticket"), err
	}

	h.logger.InfoContext(ctx, "ticket updated", slog.String("ticket_id", ticketID))

	h.publishEvent(ctx, messaging.EventTicketUpdated, ticket)

	body, err := json.Marshal(map[string]interface{}{
		"message": "Ticket updated successfully",
		"ticket":  ticket,
	})
	if err != nil {
		return h.createErrorResponse(http.StatusInternalServerError, "failed to marshal response"), err
	}

	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
	}, nil
}

// handleDeleteTicket removes a ticket
func (h *TicketAPIHandler) handleDeleteTicket(ctx context.Context, ticketID string) (events.APIGatewayV2HTTPResponse, error) {
	if ticketID == "" {
		return h.createErrorResponse(http.StatusBadRequest, "Ticket ID is required"), nil
	}

	if err := h.repository.DeleteTicket(ctx, ticketID); err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return h.createErrorResponse(http.StatusNotFound, fmt.Sprintf("Ticket %s not found", ticketID)), nil
		}
		h.logger.ErrorContext(ctx, "failed to delete ticket", slog.String("error", err.Error()))
		return h.createErrorResponse(http.StatusInternalServerError, "Failed to delete ticket"), err
	}

	h.logger.InfoContext(ctx, "ticket deleted", slog.String("ticket_id", ticketID))

	event := messaging.NewTicketEvent(messaging.EventTicketDeleted, "ticketapi", h.config.Stage, nil)
	event.TicketID = ticketID
	if err := h.publisher.PublishTicketEvent(ctx, event); err != nil {
		h.logger.ErrorContext(ctx, "failed to publish ticket event", slog.String("error", err.Error()))
	}

	body, err := json.Marshal(map[string]string{
		"message": fmt.Sprintf("Ticket %s deleted successfully", ticketID),
	})
	if err != nil {
		return h.createErrorResponse(http.StatusInternalServerError, "failed to marshal response"), err
	}

	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
	}, nil
}

// handleListTickets returns a page of tickets with optional filtering
func (h *TicketAPIHandler) handleListTickets(ctx context.Context, request events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	filter := repository.ListFilter{
		CustomerID: request.QueryStringParameters["customer_id"],
		LastKey:    request.QueryStringParameters["lastKey"],
	}

	if statusParam := request.QueryStringParameters["status"]; statusParam != "" {
		status := models.Status(statusParam)
		if !status.IsValid() {
			return h.createErrorResponse(http.StatusBadRequest, fmt.Sprintf("invalid status: %s", statusParam)), nil
		}
		filter.Status = &status
	}

	if limitParam := request.QueryStringParameters["limit"]; limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit <= 0 {
			return h.createErrorResponse(http.StatusBadRequest, fmt.Sprintf("invalid limit: %s", limitParam)), nil
		}
		filter.Limit = int32(limit)
	}

	h.logger.DebugContext(ctx, "listing tickets",
		slog.Any("status", filter.Status),
		slog.String("customer_id", filter.CustomerID),
		slog.Int("limit", int(filter.Limit)),
	)

	// Single-filter listings go through the GSIs, which return newest first.
	// Combined filters and pagination resumes fall back to the scan.
	var page *repository.TicketPage
	var err error
	switch {
	case filter.LastKey == "" && filter.CustomerID != "" && filter.Status == nil:
		var tickets []*models.Ticket
		tickets, err = h.repository.QueryByCustomer(ctx, filter.CustomerID, filter.Limit)
		page = &repository.TicketPage{Tickets: tickets, Count: len(tickets)}
	case filter.LastKey == "" && filter.Status != nil && filter.CustomerID == "":
		var tickets []*models.Ticket
		tickets, err = h.repository.QueryByStatus(ctx, *filter.Status, filter.Limit)
		page = &repository.TicketPage{Tickets: tickets, Count: len(tickets)}
	default:
		page, err = h.repository.ListTickets(ctx, filter)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list tickets", slog.String("error", err.Error()))
		return h.createErrorResponse(http.StatusInternalServerError, "Failed to list tickets"), err
	}

	body, err := json.Marshal(page)
	if err != nil {
		return h.createErrorResponse(http.StatusInternalServerError, "failed to marshal response"), err
	}

	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
	}, nil
}

// publishEvent publishes a ticket event, logging failures without failing the
// request. The write already succeeded; the event is best-effort.
func (h *TicketAPIHandler) publishEvent(ctx context.Context, eventType messaging.EventType, ticket *models.Ticket) {
	event := messaging.NewTicketEvent(eventType, "ticketapi", h.config.Stage, ticket)
	if err := h.publisher.PublishTicketEvent(ctx, event); err != nil {
		h.logger.ErrorContext(ctx, "failed to publish ticket event",
			slog.String("event_type", eventType.String()),
			slog.String("ticket_id", event.TicketID),
			slog.String("error", err.Error()),
		)
	}
}

// createErrorResponse creates a standardized error response
func (h *TicketAPIHandler) createErrorResponse(statusCode int, message string) events.APIGatewayV2HTTPResponse {
	errorBody := map[string]string{
		"error":  message,
		"status": strconv.Itoa(statusCode),
	}
	body, _ := json.Marshal(errorBody)

	return events.APIGatewayV2HTTPResponse{
		StatusCode: statusCode,
		Body:       string(body),
	}
}

func main() {
	logger := logging.New("ticketapi")

	// Load configuration
	cfg := appconfig.MustLoad()

	logger.Info("ticket api lambda starting",
		slog.String("stage", cfg.Stage.String()),
		slog.String("region", cfg.AWSRegion),
		slog.String("table", cfg.TicketsTableName),
	)

	// Initialize AWS SDK
	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		logger.Error("failed to load AWS config", slog.String("error", err.Error()))
		panic(fmt.Sprintf("failed to load AWS config: %v", err))
	}

	// Create AWS clients
	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	snsClient := sns.NewFromConfig(awsCfg)

	// Create repository and publisher
	repo := repository.NewDynamoDBTicketRepository(dynamoClient, cfg.TicketsTableName)
	publisher := messaging.NewSNSClient(snsClient, cfg.TicketEventsTopicArn, logger)

	// Create handler
	handler := NewTicketAPIHandler(cfg, repo, publisher, logger)

	// Start Lambda handler
	lambda.Start(handler.HandleRequest)
}
