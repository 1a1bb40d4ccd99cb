package server

import (
	"context"
	"net/http"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type noteRecordPayload struct {
	TextID    string   `json:"text_id"`
	PatientID string   `json:"patient_id"`
	Text      string   `json:"text"`
	TextDate  string   `json:"text_date"`
	Tags      []string `json:"tags"`
}

type ingestRequestPayload struct {
	Notes []noteRecordPayload `json:"notes"`
}

type ingestResponsePayload struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Patients int `json:"patients"`
	Jobs     int `json:"jobs"`
}

type queryRequestPayload struct {
	Pattern        string `json:"pattern"`
	HideDuplicates *bool  `json:"hide_duplicates"`
	SkipAfterEvent *bool  `json:"skip_after_event"`
	ExcludeNegated *bool  `json:"exclude_negated"`
}

type queryResponsePayload struct {
	Changed bool `json:"changed"`
	Jobs    int  `json:"jobs"`
}

type dispatchRequestPayload struct {
	PatientIDs []string `json:"patient_ids"`
}

type jobPayload struct {
	JobID            string `json:"job_id"`
	PatientID        string `json:"patient_id"`
	Status           string `json:"status"`
	Attempts         int    `json:"attempts"`
	LastError        string `json:"last_error,omitempty"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

type reviewerPayload struct {
	ReviewerID        string `json:"reviewer_id"`
	Email             string `json:"email,omitempty"`
	DisplayName       string `json:"display_name,omitempty"`
	Admin             bool   `json:"admin"`
	LastSeenAtSeconds int64  `json:"last_seen_at_s"`
}

func (h *httpHandler) handleIngestNotes(c *gin.Context) {
	var request ingestRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Notes) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}
	inputs := make([]adjudication.NoteInput, 0, len(request.Notes))
	for _, record := range request.Notes {
		inputs = append(inputs, adjudication.NoteInput{
			NoteID:    record.TextID,
			PatientID: record.PatientID,
			Text:      record.Text,
			TextDate:  record.TextDate,
			Tags:      record.Tags,
		})
	}

	ctx := c.Request.Context()
	result, err := h.service.Store().IngestNotes(ctx, inputs)
	if err != nil {
		h.respondError(c, "failed to ingest notes", err)
		return
	}
	jobs, err := h.dispatch(ctx, result.Patients)
	if err != nil {
		h.respondError(c, "failed to dispatch jobs", err)
		return
	}
	c.JSON(http.StatusOK, ingestResponsePayload{
		Inserted: result.Inserted,
		Skipped:  result.Skipped,
		Patients: len(result.Patients),
		Jobs:     jobs,
	})
}

// handleSaveQuery stores the query. A changed query purges annotations, so every
// open session is dropped and all patients are dispatched again.
func (h *httpHandler) handleSaveQuery(c *gin.Context) {
	var request queryRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}
	query := adjudication.DefaultQueryConfig()
	query.Pattern = request.Pattern
	if request.HideDuplicates != nil {
		query.HideDuplicates = *request.HideDuplicates
	}
	if request.SkipAfterEvent != nil {
		query.SkipAfterEvent = *request.SkipAfterEvent
	}
	if request.ExcludeNegated != nil {
		query.ExcludeNegated = *request.ExcludeNegated
	}

	ctx := c.Request.Context()
	changed, err := h.service.Store().SaveQuery(ctx, query)
	if err != nil {
		h.respondError(c, "failed to save query", err)
		return
	}
	response := queryResponsePayload{Changed: changed}
	if changed {
		if _, err := h.releaseAll(ctx); err != nil {
			h.respondError(c, "failed to release locks", err)
			return
		}
		patients, err := h.service.Store().PatientIDs(ctx)
		if err != nil {
			h.respondError(c, "failed to list patients", err)
			return
		}
		if response.Jobs, err = h.dispatch(ctx, patients); err != nil {
			h.respondError(c, "failed to dispatch jobs", err)
			return
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDispatchJobs(c *gin.Context) {
	var request dispatchRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request"})
			return
		}
	}
	ctx := c.Request.Context()
	var patients []adjudication.PatientID
	if len(request.PatientIDs) == 0 {
		all, err := h.service.Store().PatientIDs(ctx)
		if err != nil {
			h.respondError(c, "failed to list patients", err)
			return
		}
		patients = all
	} else {
		for _, raw := range request.PatientIDs {
			patientID, err := adjudication.NewPatientID(raw)
			if err != nil {
				h.respondError(c, "invalid patient id", err)
				return
			}
			patients = append(patients, patientID)
		}
	}
	jobs, err := h.dispatch(ctx, patients)
	if err != nil {
		h.respondError(c, "failed to dispatch jobs", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobs": jobs})
}

func (h *httpHandler) handleListJobs(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []jobPayload{}})
		return
	}
	records, err := h.dispatcher.Jobs(c.Request.Context(), c.Query("status"))
	if err != nil {
		h.respondError(c, "failed to list jobs", err)
		return
	}
	jobs := make([]jobPayload, 0, len(records))
	for _, record := range records {
		jobs = append(jobs, jobPayload{
			JobID:            record.JobID,
			PatientID:        record.PatientID,
			Status:           record.Status,
			Attempts:         record.Attempts,
			LastError:        record.LastError,
			UpdatedAtSeconds: record.UpdatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *httpHandler) handleReleaseLocks(c *gin.Context) {
	released, err := h.releaseAll(c.Request.Context())
	if err != nil {
		h.respondError(c, "failed to release locks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

func (h *httpHandler) handleListReviewers(c *gin.Context) {
	list, err := h.reviewers.List(c.Request.Context())
	if err != nil {
		h.respondError(c, "failed to list reviewers", err)
		return
	}
	payload := make([]reviewerPayload, 0, len(list))
	for _, reviewer := range list {
		payload = append(payload, reviewerPayload{
			ReviewerID:        reviewer.ReviewerID,
			Email:             reviewer.Email,
			DisplayName:       reviewer.DisplayName,
			Admin:             reviewer.Admin,
			LastSeenAtSeconds: reviewer.LastSeenAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"reviewers": payload})
}

func (h *httpHandler) dispatch(ctx context.Context, patients []adjudication.PatientID) (int, error) {
	if h.dispatcher == nil || len(patients) == 0 {
		return 0, nil
	}
	return h.dispatcher.Dispatch(ctx, patients)
}

// releaseAll drops every in-memory session and sweeps the lock table.
func (h *httpHandler) releaseAll(ctx context.Context) (int64, error) {
	drained := h.sessions.Drain()
	released, err := h.service.Locks().ReleaseAllLocks(ctx)
	if err != nil {
		return 0, err
	}
	h.logger.Info("patient locks released",
		zap.Int("sessions", len(drained)),
		zap.Int64("locks", released))
	return released, nil
}
