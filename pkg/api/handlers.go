package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/policy"
	"github.com/calderahq/caldera/pkg/stack"
	"github.com/calderahq/caldera/pkg/stores"
)

// decode parses and validates a JSON request body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeFault(w, http.StatusBadRequest, "MALFORMED_REQUEST", err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeFault(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return false
	}
	return true
}

func (s *Server) handleCreateStack(w http.ResponseWriter, r *http.Request) {
	var req CreateStackRequest
	if !s.decode(w, r, &req) {
		return
	}

	in := req.toInput()
	result, err := s.service.ValidateTemplate(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	input := &policy.Input{
		Action:   "CREATE",
		User:     requestUser(r),
		Stack:    &policy.StackSummary{Name: req.Name, Tags: req.Tags, ResourceCount: len(result.Resources)},
		Template: templateSummary(result),
	}
	if !s.authorize(w, r, input) {
		return
	}

	st, err := s.service.CreateStack(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stackView(st))
}

func (s *Server) handleListStacks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := stores.StackFilter{
		Name:        q.Get("name"),
		Action:      q.Get("action"),
		Status:      q.Get("status"),
		Tags:        q["tag"],
		ShowDeleted: q.Get("show_deleted") == "true",
		Limit:       intParam(q.Get("limit")),
		Offset:      intParam(q.Get("offset")),
	}

	stacks, err := s.service.ListStacks(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]*StackView, len(stacks))
	for i, st := range stacks {
		views[i] = stackView(st)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stacks": views})
}

func (s *Server) handleShowStack(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.GetStack(r.Context(), mux.Vars(r)["stack"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stackView(st))
}

func (s *Server) handleUpdateStack(w http.ResponseWriter, r *http.Request) {
	var req UpdateStackRequest
	if !s.decode(w, r, &req) {
		return
	}

	st, err := s.service.GetStack(r.Context(), mux.Vars(r)["stack"])
	if err != nil {
		writeError(w, err)
		return
	}

	in := req.toInput()
	result, err := s.service.ValidateTemplate(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	input := &policy.Input{
		Action:   "UPDATE",
		User:     requestUser(r),
		Stack:    stackSummary(st),
		Template: templateSummary(result),
	}
	if !s.authorize(w, r, input) {
		return
	}

	updated, err := s.service.UpdateStack(r.Context(), st.ID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stackView(updated))
}

func (s *Server) handleDeleteStack(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.GetStack(r.Context(), mux.Vars(r)["stack"])
	if err != nil {
		writeError(w, err)
		return
	}

	input := &policy.Input{
		Action: "DELETE",
		User:   requestUser(r),
		Stack:  stackSummary(st),
	}
	if !s.authorize(w, r, input) {
		return
	}

	if err := s.service.DeleteStack(r.Context(), st.ID); err != nil {
		writeError(w, err)
		return
	}
	// purge=true removes the soft-deleted record and its history as well.
	if r.URL.Query().Get("purge") == "true" {
		if err := s.service.PurgeStack(r.Context(), st.ID); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStackAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if !s.decode(w, r, &req) {
		return
	}

	st, err := s.service.GetStack(r.Context(), mux.Vars(r)["stack"])
	if err != nil {
		writeError(w, err)
		return
	}

	action := strings.ToUpper(req.Action)
	input := &policy.Input{
		Action: action,
		User:   requestUser(r),
		Stack:  stackSummary(st),
	}
	if !s.authorize(w, r, input) {
		return
	}

	if action == "CANCEL" {
		if err := s.service.Cancel(r.Context(), st.ID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		return
	}

	updated, err := s.service.StackAction(r.Context(), st.ID, stack.Action(action))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stackView(updated))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := stores.EventFilter{
		ResourceName: q.Get("resource"),
		Limit:        intParam(q.Get("limit")),
		Offset:       intParam(q.Get("offset")),
	}

	events, err := s.service.ListEvents(r.Context(), mux.Vars(r)["stack"], filter)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]*EventView, len(events))
	for i, e := range events {
		view := &EventView{
			ID:        e.ID,
			Action:    e.Action,
			Status:    e.Status,
			Reason:    e.Reason,
			Timestamp: e.Timestamp,
		}
		if e.ResourceName != nil {
			view.ResourceName = *e.ResourceName
		}
		views[i] = view
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": views})
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.service.ListResources(r.Context(), mux.Vars(r)["stack"])
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]*ResourceView, len(resources))
	for i, res := range resources {
		views[i] = resourceView(res)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	writeJSON(w, http.StatusOK, map[string]interface{}{"resources": views})
}

func (s *Server) handleShowResource(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.service.GetResource(r.Context(), vars["stack"], vars["resource"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resourceView(res))
}

func (s *Server) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	outputs, err := s.service.ListOutputs(r.Context(), mux.Vars(r)["stack"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outputs": outputs})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.service.ValidateTemplate(r.Context(), req.toInput())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func stackSummary(st *stack.Stack) *policy.StackSummary {
	return &policy.StackSummary{
		ID:            st.ID,
		Name:          st.Name,
		Status:        st.State.String(),
		Tags:          st.Tags,
		ResourceCount: len(st.Resources),
	}
}

func templateSummary(result *engine.ValidationResult) *policy.TemplateSummary {
	types := make(map[string]bool)
	for _, t := range result.Resources {
		types[t] = true
	}
	summary := &policy.TemplateSummary{
		Description:   result.Description,
		ResourceCount: len(result.Resources),
	}
	for t := range types {
		summary.ResourceTypes = append(summary.ResourceTypes, t)
	}
	sort.Strings(summary.ResourceTypes)
	for name := range result.Parameters {
		summary.Parameters = append(summary.Parameters, name)
	}
	sort.Strings(summary.Parameters)
	return summary
}

func intParam(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
