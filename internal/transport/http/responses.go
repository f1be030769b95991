package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"clinicbook/backend/internal/domain"
	"clinicbook/backend/internal/service/appointments"
)

type APIResponse[T any] struct {
	Data T `json:"data"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type appointmentResponse struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	ResourceID *string   `json:"resourceId,omitempty"`
	SubjectID  string    `json:"subjectId"`
	StartTime  time.Time `json:"start"`
	EndTime    time.Time `json:"end"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	Notes      string    `json:"notes"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func toAppointment(a domain.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:         a.ID.String(),
		TenantID:   a.TenantID,
		ResourceID: a.ResourceID,
		SubjectID:  a.SubjectID,
		StartTime:  a.StartTime.UTC(),
		EndTime:    a.EndTime.UTC(),
		Status:     string(a.Status),
		Reason:     a.Reason,
		Notes:      a.Notes,
		CreatedBy:  a.CreatedBy,
		CreatedAt:  a.CreatedAt.UTC(),
		UpdatedAt:  a.UpdatedAt.UTC(),
	}
}

type noteResponse struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actorId"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

func toNote(n domain.AppointmentNote) noteResponse {
	return noteResponse{
		ID:        n.ID.String(),
		ActorID:   n.ActorID,
		Kind:      string(n.Kind),
		Body:      n.Body,
		CreatedAt: n.CreatedAt.UTC(),
	}
}

// statusFor maps a service error kind to an HTTP status. Terminal-state
// rejections are client errors rather than slot conflicts.
func statusFor(err error) int {
	switch appointments.KindOf(err) {
	case appointments.KindValidation:
		return http.StatusBadRequest
	case appointments.KindNotFound:
		return http.StatusNotFound
	case appointments.KindForbidden:
		return http.StatusForbidden
	case appointments.KindConflict:
		if appointments.CodeOf(err) == appointments.CodeAlreadyTerminal {
			return http.StatusBadRequest
		}
		return http.StatusConflict
	case appointments.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondServiceError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := "internal server error"
	var svcErr *appointments.Error
	if errors.As(err, &svcErr) && status != http.StatusInternalServerError {
		msg = svcErr.Message
	}
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{Error: msg, Code: string(appointments.CodeOf(err))})
}

func respondBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: string(appointments.CodeInvalidInput)})
}
