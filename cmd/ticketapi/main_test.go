package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/formicag/msp-support-assistant/internal/messaging"
	"github.com/formicag/msp-support-assistant/internal/models"
	"github.com/formicag/msp-support-assistant/internal/repository"
	appconfig "github.com/formicag/msp-support-assistant/pkg/config"
)

// fakeTicketRepo is an in-memory TicketRepository that records which query
// path served each listing
type fakeTicketRepo struct {
	tickets         map[string]*models.Ticket
	listCalls       int
	byCustomerCalls int
	byStatusCalls   int
}

func newFakeTicketRepo() *fakeTicketRepo {
	return &fakeTicketRepo{tickets: make(map[string]*models.Ticket)}
}

func (f *fakeTicketRepo) PutTicket(ctx context.Context, ticket *models.Ticket) error {
	f.tickets[ticket.TicketID] = ticket
	return nil
}

func (f *fakeTicketRepo) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	ticket, ok := f.tickets[id]
	if !ok {
		return nil, repository.ErrTicketNotFound
	}
	return ticket, nil
}

func (f *fakeTicketRepo) UpdateTicket(ctx context.Context, id string, update repository.TicketUpdate) (*models.Ticket, error) {
	ticket, ok := f.tickets[id]
	if !ok {
		return nil, repository.ErrTicketNotFound
	}
	if update.Status != nil {
		ticket.Status = *update.Status
	}
	if update.Priority != nil {
		ticket.Priority = *update.Priority
	}
	if update.AssignedTo != nil {
		ticket.AssignedTo = *update.AssignedTo
	}
	if update.Note != "" {
		ticket.AddNote(update.Note, update.NoteAuthor)
	}
	return ticket, nil
}

func (f *fakeTicketRepo) DeleteTicket(ctx context.Context, id string) error {
	if _, ok := f.tickets[id]; !ok {
		return repository.ErrTicketNotFound
	}
	delete(f.tickets, id)
	return nil
}

func (f *fakeTicketRepo) ListTickets(ctx context.Context, filter repository.ListFilter) (*repository.TicketPage, error) {
	f.listCalls++
	var tickets []*models.Ticket
	for _, t := range f.tickets {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.CustomerID != "" && t.CustomerID != filter.CustomerID {
			continue
		}
		tickets = append(tickets, t)
	}
	return &repository.TicketPage{Tickets: tickets, Count: len(tickets)}, nil
}

func (f *fakeTicketRepo) QueryByCustomer(ctx context.Context, customerID string, limit int32) ([]*models.Ticket, error) {
	f.byCustomerCalls++
	var tickets []*models.Ticket
	for _, t := range f.tickets {
		if t.CustomerID == customerID {
			tickets = append(tickets, t)
		}
	}
	return tickets, nil
}

func (f *fakeTicketRepo) QueryByStatus(ctx context.Context, status models.Status, limit int32) ([]*models.Ticket, error) {
	f.byStatusCalls++
	var tickets []*models.Ticket
	for _, t := range f.tickets {
		if t.Status == status {
			tickets = append(tickets, t)
		}
	}
	return tickets, nil
}

func (f *fakeTicketRepo) Summary(ctx context.Context) (*repository.TicketSummary, error) {
	return repository.Summarize(nil, time.Now().UTC()), nil
}

// fakePublisher records every published event
type fakePublisher struct {
	events []*messaging.TicketEvent
}

func (f *fakePublisher) PublishTicketEvent(ctx context.Context, event *messaging.TicketEvent) error {
	f.events = append(f.events, event)
	return nil
}

func newTestHandler() (*TicketAPIHandler, *fakeTicketRepo, *fakePublisher) {
	repo := newFakeTicketRepo()
	pub := &fakePublisher{}
	cfg := &appconfig.Config{Stage: models.StageDev}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return NewTicketAPIHandler(cfg, repo, pub, logger), repo, pub
}

func apiRequest(method, path, body string, query map[string]string) events.APIGatewayV2HTTPRequest {
	request := events.APIGatewayV2HTTPRequest{
		RawPath:               path,
		Body:                  body,
		QueryStringParameters: query,
	}
	request.RequestContext.HTTP.Method = method
	request.RequestContext.HTTP.Path = path
	if strings.HasPrefix(path, "/tickets/") {
		request.PathParameters = map[string]string{
			"ticketId": strings.TrimPrefix(path, "/tickets/"),
		}
	}
	return request
}

func createTicket(t *testing.T, handler *TicketAPIHandler, body string) *models.Ticket {
	t.Helper()
	resp, err := handler.HandleRequest(context.Background(), apiRequest("POST", "/tickets", body, nil))
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create ticket status = %d, want 201: %s", resp.StatusCode, resp.Body)
	}

	var parsed struct {
		Ticket *models.Ticket `json:"ticket"`
	}
	if err := json.Unmarshal([]byte(resp.Body), &parsed); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	return parsed.Ticket
}

func TestTicketAPI_Health(t *testing.T) {
	handler, _, _ := newTestHandler()

	resp, err := handler.HandleRequest(context.Background(), apiRequest("GET", "/health", "", nil))
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(resp.Body, `"status":"healthy"`) {
		t.Errorf("health body = %s, want healthy status", resp.Body)
	}
}

func TestTicketAPI_CreateTicket(t *testing.T) {
	handler, repo, pub := newTestHandler()

	ticket := createTicket(t, handler, `{
		"title": "VPN tunnel down",
		"description": "Site-to-site VPN to the Leeds office dropped at 09:00",
		"priority": "High",
		"category": "Network",
		"customer_id": "CUST-001"
	}`)

	if !strings.HasPrefix(ticket.TicketID, "TKT-") {
		t.Errorf("ticket ID = %s, want TKT- prefix", ticket.TicketID)
	}
	if ticket.Priority != models.PriorityHigh {
		t.Errorf("priority = %s, want High", ticket.Priority)
	}
	if _, ok := repo.tickets[ticket.TicketID]; !ok {
		t.Error("ticket was not persisted")
	}
	if len(pub.events) != 1 || pub.events[0].EventType != messaging.EventTicketCreated {
		t.Errorf("events = %+v, want one ticket.created", pub.events)
	}
}

func TestTicketAPI_CreateTicket_Validation(t *testing.T) {
	handler, _, pub := newTestHandler()

	tests := []struct {
		name     string
		body     string
		wantPart string
	}{
		{
			name:     "missing required fields",
			body:     `{"priority": "High"}`,
			wantPart: "Missing required fields",
		},
		{
			name:     "invalid priority",
			body:     `{"title": "t", "description": "d", "priority": "Urgent"}`,
			wantPart: "Invalid field values",
		},
		{
			name:     "malformed JSON",
			body:     `{"title": `,
			wantPart: "invalid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := handler.HandleRequest(context.Background(), apiRequest("POST", "/tickets", tt.body, nil))
			if err != nil {
				t.Fatalf("HandleRequest: %v", err)
			}
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if !strings.Contains(resp.Body, tt.wantPart) {
				t.Errorf("body = %s, want %q", resp.Body, tt.wantPart)
			}
		})
	}

	if len(pub.events) != 0 {
		t.Errorf("rejected creates published %d events, want 0", len(pub.events))
	}
}

func TestTicketAPI_GetTicket_NotFound(t *testing.T) {
	handler, _, _ := newTestHandler()

	resp, err := handler.HandleRequest(context.Background(),
		apiRequest("GET", "/tickets/TKT-20250101-DEADBEEF", "", nil))
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(resp.Body, "Ticket TKT-20250101-DEADBEEF not found") {
		t.Errorf("body = %s, want not-found message", resp.Body)
	}
}

func TestTicketAPI_UpdateTicket(t *testing.T) {
	handler, _, pub := newTestHandler()

	ticket := createTicket(t, handler, `{"title": "Printer offline", "description": "Floor 2 printer unreachable"}`)

	resp, err := handler.HandleRequest(context.Background(),
		apiRequest("PATCH", "/tickets/"+ticket.TicketID, `{"status": "Resolved", "note": "Power cycled the printer"}`, nil))
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, resp.Body)
	}
	if !strings.Contains(resp.Body, `"Status":"Resolved"`) {
		t.Errorf("body = %s, want resolved status", resp.Body)
	}
	if len(pub.events) != 2 || pub.events[1].EventType != messaging.EventTicketUpdated {
		t.Errorf("events = %+v, want ticket.updated after create", pub.events)
	}
}

func TestTicketAPI_UpdateTicket_EmptyBody(t *testing.T) {
	handler, _, _ := newTestHandler()

	ticket := createTicket(t, handler, `{"title": "t", "description": "d"}`)

	resp, err := handler.HandleRequest(context.Background(),
		apiRequest("PUT", "/tickets/"+ticket.TicketID, `{}`, nil))
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(resp.Body, "No valid fields to update") {
		t.Errorf("body = %s, want no-fields message", resp.Body)
	}
}

func TestTicketAPI_DeleteTicket(t *testing.T) {
	handler, repo, pub := newTestHandler()

	ticket := createTicket(t, handler, `{"title": "t", "description": "d"}`)

	resp, err := handler.HandleRequest(context.Background(),
		apiRequest("DELETE", "/tickets/"+ticket.TicketID, "", nil))
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if _, ok := repo.tickets[ticket.TicketID]; ok {
		t.Error("ticket still present after delete")
	}
	if len(pub.events) != 2 || pub.events[1].EventType != messaging.EventTicketDeleted {
		t.Errorf("events = %+v, want ticket.deleted after create", pub.events)
	}

	resp, err = handler.HandleRequest(context.Background(),
		apiRequest("DELETE", "/tickets/"+ticket.TicketID, "", nil))
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestTicketAPI_ListTickets_QueryValidation(t *testing.T) {
	handler, _, _ := newTestHandler()

	resp, err := handler.HandleRequest(context.Background(),
		apiRequest("GET", "/tickets", "", map[string]string{"limit": "zero"}))
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid limit status = %d, want 400", resp.StatusCode)
	}

	resp, err = handler.HandleRequest(context.Background(),
		apiRequest("GET", "/tickets", "", map[string]string{"status": "Pending"}))
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid status param status = %d, want 400", resp.StatusCode)
	}
}

func TestTicketAPI_ListTickets_UsesIndexes(t *testing.T) {
	handler, repo, _ := newTestHandler()

	createTicket(t, handler, `{"title": "a", "description": "d", "customer_id": "CUST-001"}`)
	createTicket(t, handler, `{"title": "b", "description": "d", "customer_id": "CUST-002", "status": "Resolved"}`)

	// Status-only filter goes through the status index
	resp, err := handler.HandleRequest(context.Background(),
		apiRequest("GET", "/tickets", "", map[string]string{"status": "Resolved"}))
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, resp.Body)
	}
	if repo.byStatusCalls != 1 {
		t.Errorf("byStatusCalls = %d, want 1", repo.byStatusCalls)
	}

	var page repository.TicketPage
	if err := json.Unmarshal([]byte(resp.Body), &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if page.Count != 1 {
		t.Errorf("count = %d, want 1", page.Count)
	}

	// Customer-only filter goes through the customer index
	if _, err := handler.HandleRequest(context.Background(),
		apiRequest("GET", "/tickets", "", map[string]string{"customer_id": "CUST-001"})); err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if repo.byCustomerCalls != 1 {
		t.Errorf("byCustomerCalls = %d, want 1", repo.byCustomerCalls)
	}

	// Combined filters fall back to the scan
	if _, err := handler.HandleRequest(context.Background(),
		apiRequest("GET", "/tickets", "", map[string]string{"status": "Open", "customer_id": "CUST-001"})); err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if repo.listCalls != 1 {
		t.Errorf("listCalls = %d, want 1", repo.listCalls)
	}

	// So does an unfiltered listing
	if _, err := handler.HandleRequest(context.Background(),
		apiRequest("GET", "/tickets", "", nil)); err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if repo.listCalls != 2 {
		t.Errorf("listCalls = %d, want 2", repo.listCalls)
	}
}

func TestTicketAPI_UnknownRoute(t *testing.T) {
	handler, _, _ := newTestHandler()

	resp, err := handler.HandleRequest(context.Background(), apiRequest("GET", "/nope", "", nil))
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(resp.Body, "route not found") {
		t.Errorf("body = %s, want route-not-found message", resp.Body)
	}
}

func TestTicketAPI_CORSPreflight(t *testing.T) {
	handler, _, _ := newTestHandler()

	resp, err := handler.HandleRequest(context.Background(), apiRequest("OPTIONS", "/tickets", "", nil))
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Headers["Access-Control-Allow-Origin"] != "*" {
		t.Errorf("CORS origin header = %q, want *", resp.Headers["Access-Control-Allow-Origin"])
	}
}
