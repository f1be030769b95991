package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"clinicbook/backend/internal/domain"
	"clinicbook/backend/internal/service/appointments"
)

type handler struct {
	svc *appointments.Service
	loc *time.Location
}

type bookRequest struct {
	TenantID        string     `json:"tenantId" binding:"required"`
	SubjectID       string     `json:"subjectId" binding:"required"`
	ResourceID      *string    `json:"resourceId"`
	StartTime       time.Time  `json:"start" binding:"required"`
	EndTime         *time.Time `json:"end"`
	ServiceTypeID   string     `json:"serviceTypeId"`
	Reason          string     `json:"reason" binding:"max=1000"`
	Notes           string     `json:"notes" binding:"max=4000"`
	OverrideSameDay bool       `json:"overrideSameDay"`
}

type rescheduleRequest struct {
	StartTime       time.Time  `json:"newStart" binding:"required"`
	EndTime         *time.Time `json:"newEnd"`
	OverrideSameDay bool       `json:"overrideSameDay"`
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"max=1000"`
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note" binding:"max=1000"`
}

func bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		respondBadRequest(c, "invalid request: "+err.Error())
		return false
	}
	return true
}

// bindOptionalJSON treats an empty body, chunked or not, as the zero request.
func bindOptionalJSON(c *gin.Context, obj any) bool {
	err := c.ShouldBindJSON(obj)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	respondBadRequest(c, "invalid request: "+err.Error())
	return false
}

func (h *handler) book(c *gin.Context) {
	var req bookRequest
	if !bindJSON(c, &req) {
		return
	}
	appt, err := h.svc.Book(c.Request.Context(), appointments.BookInput{
		TenantID:        req.TenantID,
		SubjectID:       req.SubjectID,
		RequesterID:     requester(c),
		ResourceID:      req.ResourceID,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		ServiceTypeID:   req.ServiceTypeID,
		Reason:          req.Reason,
		Notes:           req.Notes,
		OverrideSameDay: req.OverrideSameDay,
		IdempotencyKey:  strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, APIResponse[appointmentResponse]{Data: toAppointment(appt)})
}

func (h *handler) get(c *gin.Context) {
	appt, err := h.svc.Get(c.Request.Context(), requester(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse[appointmentResponse]{Data: toAppointment(appt)})
}

func (h *handler) history(c *gin.Context) {
	notes, err := h.svc.History(c.Request.Context(), requester(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	out := make([]noteResponse, 0, len(notes))
	for _, n := range notes {
		out = append(out, toNote(n))
	}
	c.JSON(http.StatusOK, APIResponse[[]noteResponse]{Data: out})
}

func (h *handler) list(c *gin.Context) {
	in := appointments.ListInput{
		RequesterID: requester(c),
		TenantID:    strings.TrimSpace(c.Query("tenant")),
		SubjectID:   strings.TrimSpace(c.Query("subject")),
	}
	if raw := c.Query("status"); raw != "" {
		st, ok := domain.ParseStatus(raw)
		if !ok {
			respondBadRequest(c, "invalid status filter")
			return
		}
		in.Status = &st
	}
	if raw := c.Query("date"); raw != "" {
		day, err := time.ParseInLocation(time.DateOnly, raw, h.loc)
		if err != nil {
			respondBadRequest(c, "date must be YYYY-MM-DD")
			return
		}
		in.Date = &day
	}
	if raw, ok := c.GetQuery("resource"); ok {
		in.ResourceID = &raw
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondBadRequest(c, "limit must be a positive integer")
			return
		}
		in.Limit = n
	}

	rows, err := h.svc.List(c.Request.Context(), in)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	out := make([]appointmentResponse, 0, len(rows))
	for _, a := range rows {
		out = append(out, toAppointment(a))
	}
	c.JSON(http.StatusOK, APIResponse[[]appointmentResponse]{Data: out})
}

func (h *handler) reschedule(c *gin.Context) {
	var req rescheduleRequest
	if !bindJSON(c, &req) {
		return
	}
	appt, err := h.svc.Reschedule(c.Request.Context(), appointments.RescheduleInput{
		AppointmentID:   c.Param("id"),
		RequesterID:     requester(c),
		NewStart:        req.StartTime,
		NewEnd:          req.EndTime,
		OverrideSameDay: req.OverrideSameDay,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse[appointmentResponse]{Data: toAppointment(appt)})
}

func (h *handler) cancel(c *gin.Context) {
	var req cancelRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	appt, err := h.svc.Cancel(c.Request.Context(), appointments.CancelInput{
		AppointmentID: c.Param("id"),
		RequesterID:   requester(c),
		Reason:        req.Reason,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse[appointmentResponse]{Data: toAppointment(appt)})
}

func (h *handler) updateStatus(c *gin.Context) {
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}
	st, ok := domain.ParseStatus(req.Status)
	if !ok {
		respondBadRequest(c, "unknown status")
		return
	}
	appt, err := h.svc.UpdateStatus(c.Request.Context(), appointments.UpdateStatusInput{
		AppointmentID: c.Param("id"),
		RequesterID:   requester(c),
		Status:        st,
		Note:          req.Note,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse[appointmentResponse]{Data: toAppointment(appt)})
}

func (h *handler) delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), requester(c), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
