package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agenthub/aicp/internal/audit"
)

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, _ := strconv.ParseInt(q.Get("since"), 10, 64)
	events := s.audits.Bus.Query(audit.QueryFilter{
		EventType: audit.EventType(q.Get("event_type")),
		AgentID:   q.Get("agent_id"),
		Severity:  q.Get("severity"),
		Since:     since,
		Limit:     queryInt(r, "limit", 100),
	})
	writeJSON(w, http.StatusOK, map[string]any{"data": events, "total": len(events)})
}

func (s *Server) handleGetAuditEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.audits.Bus.GetEvent(mux.Vars(r)["event_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	writeJSON(w, http.StatusOK, s.audits.Stats(since))
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req audit.RegisterWebhookInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.audits.Webhooks.Register(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs := s.audits.Webhooks.List(r.URL.Query().Get("active_only") == "true")
	writeJSON(w, http.StatusOK, map[string]any{"data": subs, "total": len(subs)})
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := s.audits.Webhooks.Get(mux.Vars(r)["webhook_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeactivateWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := s.audits.Webhooks.Deactivate(mux.Vars(r)["webhook_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleActivateWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := s.audits.Webhooks.Activate(mux.Vars(r)["webhook_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	result, err := s.audits.TestWebhook(mux.Vars(r)["webhook_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deliveries := s.audits.Dispatcher.Deliveries(audit.DeliveryFilter{
		WebhookID: mux.Vars(r)["webhook_id"],
		EventID:   q.Get("event_id"),
		Status:    q.Get("status"),
		Limit:     queryInt(r, "limit", 50),
	})
	writeJSON(w, http.StatusOK, map[string]any{"data": deliveries, "total": len(deliveries)})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters := s.audits.Dispatcher.DeadLetters(r.URL.Query().Get("webhook_id"), queryInt(r, "limit", 50))
	writeJSON(w, http.StatusOK, map[string]any{"data": letters, "total": len(letters)})
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	letter, err := s.audits.Dispatcher.RetryDeadLetter(mux.Vars(r)["dead_letter_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, letter)
}

func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	s.audits.Stream.HandleStream(w, r)
}
