package tools

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/opspilot/internal/loop"
	"github.com/fyrsmithlabs/opspilot/internal/session"
	"github.com/fyrsmithlabs/opspilot/internal/workflow"
)

// Transport-level failure codes. Domain errors never use these: a
// recognized but semantically invalid request reports success=true with a
// failed result instead.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeToolNotFound     = "TOOL_NOT_FOUND"
	CodeInternalError    = "INTERNAL_ERROR"
)

// timeNow is a variable for testing purposes.
var timeNow = time.Now

// Meta accompanies every response.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId"`
	Version   string    `json:"version"`
}

// NewMeta stamps a response.
func NewMeta(version string) Meta {
	return Meta{
		Timestamp: timeNow().UTC(),
		RequestID: uuid.New().String(),
		Version:   version,
	}
}

// ErrorBody is the structured error carried either at the transport level
// or inside a failed result.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Envelope is the generic response contract: transport failures set
// Success=false with a taxonomy code; domain failures keep Success=true
// and report through Result.
type Envelope struct {
	Success bool       `json:"success"`
	Result  any        `json:"result,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

// OK wraps a successful result.
func OK(result any, version string) Envelope {
	return Envelope{Success: true, Result: result, Meta: NewMeta(version)}
}

// TransportError builds a top-level failure envelope.
func TransportError(code, message, version string) Envelope {
	return Envelope{
		Success: false,
		Error:   &ErrorBody{Code: code, Message: message},
		Meta:    NewMeta(version),
	}
}

// DomainErrorBody maps an error to the in-result error shape, or nil when
// the error is not a recognized domain failure.
func DomainErrorBody(err error) *ErrorBody {
	if de, ok := workflow.AsDomainError(err); ok {
		return &ErrorBody{Code: string(de.Code), Message: de.Message, Field: de.Field}
	}
	switch {
	case errors.Is(err, loop.ErrOracleUnavailable):
		return &ErrorBody{Code: string(workflow.CodeOracleUnavailable), Message: err.Error()}
	case errors.Is(err, loop.ErrNotAwaitingApproval), errors.Is(err, loop.ErrUnknownChoice):
		return &ErrorBody{Code: string(workflow.CodeInvalidField), Message: err.Error()}
	case errors.Is(err, session.ErrNotFound):
		return &ErrorBody{Code: string(workflow.CodeUnknownSession), Message: err.Error()}
	}
	return nil
}

// SessionView is the durable/sharing representation of a session served to
// clients.
type SessionView struct {
	SessionID string          `json:"sessionId"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Data      SessionViewData `json:"data"`

	// VisualizationURL is an opaque pointer to an externally rendered view
	// of the session, set only when configured.
	VisualizationURL string `json:"visualizationUrl,omitempty"`
}

// SessionViewData is the session payload inside a SessionView.
type SessionViewData struct {
	ToolName      string                    `json:"toolName"`
	CurrentStage  string                    `json:"currentStage"`
	Status        session.Status            `json:"status"`
	Version       int64                     `json:"version"`
	CollectedData map[string]map[string]any `json:"collectedData,omitempty"`
	FinalAnalysis *session.Analysis         `json:"finalAnalysis,omitempty"`
	Results       []session.ExecutionRecord `json:"results,omitempty"`
}

// NewSessionView converts a session to its shared representation.
func NewSessionView(sess *session.Session, visualizationBase string) SessionView {
	view := SessionView{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		Data: SessionViewData{
			ToolName:      sess.ToolName,
			CurrentStage:  sess.StageToken(),
			Status:        sess.Status,
			Version:       sess.Version,
			CollectedData: sess.CollectedData,
			Results:       sess.Results,
		},
	}
	if sess.Investigation != nil {
		view.Data.FinalAnalysis = sess.Investigation.Analysis
	}
	if visualizationBase != "" {
		view.VisualizationURL = visualizationBase + "/" + sess.ID
	}
	return view
}
