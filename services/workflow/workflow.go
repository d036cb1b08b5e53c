package workflow

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// HandleListFields returns the field registry of every known resource type.
func (s *Service) HandleListFields(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string][]Field)
	for _, rt := range KnownResourceTypes() {
		out[rt] = FieldsFor(rt)
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(out)
}

// HandleGetFields returns the fields of one resource type, or only its
// foreign keys with ?fk=true. Unknown types yield an empty list.
func (s *Service) HandleGetFields(w http.ResponseWriter, r *http.Request) {
	rt := mux.Vars(r)["resourceType"]

	fields := FieldsFor(rt)
	if fk, _ := strconv.ParseBool(r.URL.Query().Get("fk")); fk {
		fields = ForeignKeyFieldsFor(rt)
	}
	if fields == nil {
		fields = []Field{}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(fields)
}

// HandleGetWorkflow returns a workflow of the caller's company with its
// triggers, steps and edges.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Getting workflow", "id", id)

	wf, ok := s.loadWorkflow(w, r, id)
	if !ok {
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

// HandleUpdateGraph replaces the step graph of a workflow. Cyclic graphs are
// rejected with 422.
func (s *Service) HandleUpdateGraph(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Updating workflow graph", "id", id)

	var req GraphUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, ok := s.loadWorkflow(w, r, id); !ok {
		return
	}

	steps, edges, err := BuildGraph(id, req)
	if err == nil {
		err = s.store.ReplaceGraph(r.Context(), id, steps, edges)
	}
	switch {
	case errors.Is(err, ErrCyclicGraph):
		writeError(w, http.StatusUnprocessableEntity, "workflow graph contains a cycle")
		return
	case errors.Is(err, ErrMissingConfig), errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrUnsupportedAction), isGraphInputError(err):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("Failed to update workflow graph", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil || wf == nil {
		slog.Error("Failed to reload workflow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

// HandleDeleteWorkflow removes a workflow with its triggers, steps, edges and
// executions.
func (s *Service) HandleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := s.loadWorkflow(w, r, id); !ok {
		return
	}
	if err := s.store.DeleteWorkflow(r.Context(), id); err != nil {
		slog.Error("Failed to delete workflow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListExecutions returns the most recent executions of a workflow.
func (s *Service) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, errInvalid("limit").Error())
			return
		}
		limit = n
	}

	if _, ok := s.loadWorkflow(w, r, id); !ok {
		return
	}

	execs, err := s.store.ListExecutions(r.Context(), id, limit)
	if err != nil {
		slog.Error("Failed to list executions", "workflow_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if execs == nil {
		execs = []*Execution{}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(execs)
}

// HandleGetExecution returns one execution with its step executions in run
// order.
func (s *Service) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}

	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get execution", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if exec == nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if _, ok := s.loadWorkflow(w, r, exec.WorkflowID); !ok {
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(exec)
}

// HandlePostEvent accepts an entity change of the caller's company and hands
// it to the engine. Matched workflows run in the background.
func (s *Service) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	var ev ChangeEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateChangeEvent(ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev.CompanyID = companyFrom(r.Context())

	s.notifier.NotifyChange(r.Context(), ev)

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// loadWorkflow fetches a workflow of the caller's company, writing a 404 when
// it does not exist or belongs to another company.
func (s *Service) loadWorkflow(w http.ResponseWriter, r *http.Request, id string) (*Workflow, bool) {
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, ErrWorkflowNotFound.Error())
		return nil, false
	}
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get workflow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	if wf == nil || wf.CompanyID != companyFrom(r.Context()) {
		writeError(w, http.StatusNotFound, ErrWorkflowNotFound.Error())
		return nil, false
	}
	return wf, true
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func validateChangeEvent(ev ChangeEvent) error {
	if ev.ResourceType == "" {
		return errMissing("resource_type")
	}
	if ev.EventType == "" {
		return errMissing("event_type")
	}
	if !ev.EventType.Valid() {
		return errInvalid("event_type")
	}
	return nil
}

type validationError struct {
	field string
	kind  string
}

func (e *validationError) Error() string {
	if e.kind == "missing" {
		return e.field + " is required"
	}
	return e.field + " is invalid"
}

func errMissing(field string) error { return &validationError{field: field, kind: "missing"} }
func errInvalid(field string) error { return &validationError{field: field, kind: "invalid"} }
