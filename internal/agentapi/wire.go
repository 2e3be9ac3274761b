// Package agentapi is the HTTP surface of an agent: a chi router over the agent services
// and the client the orchestrator uses to reach it.
package agentapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/model"
)

// EventRecipientHeader carries event recipients on start requests; it may repeat.
const EventRecipientHeader = "X-Event-Recipient"

// ErrorView is the wire form of an *model.ExecError.
type ErrorView struct {
	Message    string `json:"message"`
	Label      string `json:"label"`
	Parameters []any  `json:"parameters,omitempty"`
	StatusCode int    `json:"statusCode"`
}

// ToExecError rebuilds the error a remote side reported.
func (v ErrorView) ToExecError() *model.ExecError {
	return &model.ExecError{
		StatusCode: v.StatusCode,
		Label:      model.ErrorLabel(v.Label),
		Message:    v.Message,
		Params:     v.Parameters,
	}
}

type InstanceView struct {
	InstanceID uuid.UUID `json:"instanceId"`
}

type InstancesView struct {
	InstanceIDs []uuid.UUID `json:"instanceIds"`
}

// WriteJSON writes payload with status. A nil payload writes no body.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// WriteError maps err to its wire view. Errors without a label are internal errors.
func WriteError(w http.ResponseWriter, err error) {
	view := ErrorView{
		Message:    err.Error(),
		Label:      string(model.LabelInternal),
		StatusCode: http.StatusInternalServerError,
	}
	if ee, ok := model.AsExecError(err); ok {
		view.Label = string(ee.Label)
		view.StatusCode = ee.StatusCode
		view.Parameters = ee.Params
	}
	WriteJSON(w, view.StatusCode, view)
}

func badRequest(w http.ResponseWriter, message string) {
	WriteJSON(w, http.StatusBadRequest, ErrorView{
		Message:    message,
		Label:      string(model.LabelValidationFailed),
		StatusCode: http.StatusBadRequest,
	})
}

// optionalID parses an optional uuid path parameter.
func optionalID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func parseAttempt(raw string) (int, error) {
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
