package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	actionFirst      = "first"
	actionPrevTen    = "prev_10"
	actionPrevOne    = "prev_1"
	actionNextOne    = "next_1"
	actionNextTen    = "next_10"
	actionLast       = "last"
	actionAdjudicate = "adjudicate"
	actionNewDate    = "new_date"
	actionDelDate    = "del_date"
	actionComment    = "comment"
	actionComplete   = "complete"

	messageAnnotationsComplete = "annotations complete"
)

var errUnknownAction = errors.New("unknown action")

type nextRequestPayload struct {
	PatientID string `json:"patient_id"`
}

type actionRequestPayload struct {
	Action  string `json:"action"`
	Date    string `json:"date"`
	Comment string `json:"comment"`
}

type commentPayload struct {
	Reviewer         string `json:"reviewer"`
	Body             string `json:"body"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

type itemPayload struct {
	PatientID       string           `json:"patient_id"`
	Status          string           `json:"status"`
	Position        int              `json:"position"`
	Total           int              `json:"total"`
	PendingCount    int              `json:"pending_count"`
	AnnotationID    string           `json:"annotation_id"`
	NoteID          string           `json:"note_id"`
	TextDate        string           `json:"text_date"`
	Tags            []string         `json:"tags"`
	Token           string           `json:"token"`
	Lemma           string           `json:"lemma"`
	Sentence        string           `json:"sentence"`
	Highlighted     string           `json:"highlighted"`
	NoteText        string           `json:"note_text"`
	Score           *float64         `json:"score,omitempty"`
	Negated         bool             `json:"negated"`
	Reviewed        bool             `json:"reviewed"`
	Skipped         bool             `json:"skipped"`
	EventDate       string           `json:"event_date,omitempty"`
	Comments        []commentPayload `json:"comments"`
	Notice          string           `json:"notice,omitempty"`
	SequenceClass   string           `json:"sequence_class,omitempty"`
	PatientComplete bool             `json:"patient_complete"`
}

type sessionOutcomePayload struct {
	Status    string `json:"status"`
	PatientID string `json:"patient_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

func toItemPayload(item adjudication.CurrentItem) itemPayload {
	payload := itemPayload{
		PatientID:    item.PatientID.String(),
		Status:       string(item.Status),
		Position:     item.Position,
		Total:        item.Total,
		PendingCount: item.PendingCount,
		AnnotationID: item.Annotation.AnnotationID,
		NoteID:       item.Note.NoteID,
		TextDate:     item.Note.TextDate.Format(adjudication.DateLayout),
		Tags:         item.Note.Tags(),
		Token:        item.Annotation.Token,
		Lemma:        item.Annotation.Lemma,
		Sentence:     item.Annotation.Sentence,
		Highlighted:  item.Highlighted,
		NoteText:     item.Note.Text,
		Score:        item.Note.Score,
		Negated:      item.Annotation.Negated,
		Reviewed:     item.Annotation.Reviewed,
		Skipped:      item.Annotation.Skip,
		Comments:     make([]commentPayload, 0, len(item.Comments)),
	}
	if item.EventDate != nil {
		payload.EventDate = item.EventDate.Format(adjudication.DateLayout)
	}
	for _, comment := range item.Comments {
		payload.Comments = append(payload.Comments, commentPayload{
			Reviewer:         comment.Reviewer,
			Body:             comment.Body,
			CreatedAtSeconds: comment.CreatedAtSeconds,
		})
	}
	return payload
}

func (h *httpHandler) currentItem(ctx context.Context, state *adjudication.SessionState) (itemPayload, error) {
	item, err := h.service.Current(ctx, state)
	if err != nil {
		return itemPayload{}, err
	}
	return toItemPayload(item), nil
}

// handleNext releases any session the reviewer still holds and acquires a new patient.
func (h *httpHandler) handleNext(c *gin.Context) {
	reviewer := c.GetString(reviewerIDContextKey)
	var request nextRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request"})
			return
		}
	}

	ctx := c.Request.Context()
	var (
		payload  itemPayload
		complete bool
	)
	err := h.sessions.With(reviewer, func(state *adjudication.SessionState) (*adjudication.SessionState, error) {
		if state.Active() {
			if err := h.service.ReleaseSession(ctx, state); err != nil {
				return state, err
			}
		}
		acquisition, err := h.service.StartSession(ctx, adjudication.StartRequest{
			Reviewer:  reviewer,
			PatientID: request.PatientID,
		})
		if errors.Is(err, adjudication.ErrNoPatientsAvailable) {
			complete = true
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		payload, err = h.currentItem(ctx, acquisition.State)
		if err != nil {
			_ = h.service.ReleaseSession(ctx, acquisition.State)
			return nil, err
		}
		payload.Notice = acquisition.Notice
		payload.SequenceClass = acquisition.Class.String()
		return acquisition.State, nil
	})
	if err != nil {
		h.respondError(c, "failed to start review session", err)
		return
	}
	if complete {
		c.JSON(http.StatusOK, sessionOutcomePayload{Status: "complete", Message: messageAnnotationsComplete})
		return
	}
	h.logger.Info("review session started",
		zap.String("reviewer", reviewer),
		zap.String("patient_id", payload.PatientID))
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleCurrent(c *gin.Context) {
	reviewer := c.GetString(reviewerIDContextKey)
	ctx := c.Request.Context()
	var (
		payload itemPayload
		found   bool
	)
	err := h.sessions.With(reviewer, func(state *adjudication.SessionState) (*adjudication.SessionState, error) {
		if !state.Active() {
			return nil, nil
		}
		found = true
		var err error
		payload, err = h.currentItem(ctx, state)
		return state, err
	})
	if err != nil {
		h.respondError(c, "failed to load current annotation", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no_active_session"})
		return
	}
	c.JSON(http.StatusOK, payload)
}

// handleAction applies one reviewer action. A non-empty comment is recorded
// before the action runs.
func (h *httpHandler) handleAction(c *gin.Context) {
	reviewer := c.GetString(reviewerIDContextKey)
	var request actionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}
	action := strings.ToLower(strings.TrimSpace(request.Action))

	ctx := c.Request.Context()
	var (
		payload  itemPayload
		finished *adjudication.SessionState
		found    bool
	)
	err := h.sessions.With(reviewer, func(state *adjudication.SessionState) (*adjudication.SessionState, error) {
		if !state.Active() {
			return nil, nil
		}
		found = true
		if strings.TrimSpace(request.Comment) != "" {
			if err := h.service.AddComment(ctx, state, request.Comment); err != nil {
				return state, err
			}
		}
		if err := h.applyAction(ctx, state, action, request); err != nil {
			return state, err
		}
		if !state.Active() {
			finished = state
			return nil, nil
		}
		var err error
		payload, err = h.currentItem(ctx, state)
		return state, err
	})
	if errors.Is(err, errUnknownAction) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown_action"})
		return
	}
	if err != nil {
		h.respondError(c, "review action failed", err)
		return
	}
	if !found {
		c.JSON(http.StatusConflict, errorResponse{Error: "no_active_session"})
		return
	}
	if finished != nil {
		c.JSON(http.StatusOK, sessionOutcomePayload{Status: string(finished.Status), PatientID: finished.PatientID.String()})
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) applyAction(ctx context.Context, state *adjudication.SessionState, action string, request actionRequestPayload) error {
	switch action {
	case actionFirst:
		return state.MoveFirst()
	case actionLast:
		return state.MoveLast()
	case actionPrevTen:
		return state.Navigate(-10)
	case actionPrevOne:
		return state.Navigate(-1)
	case actionNextOne:
		return state.Navigate(1)
	case actionNextTen:
		return state.Navigate(10)
	case actionAdjudicate:
		return h.service.AdjudicateWithoutDate(ctx, state)
	case actionNewDate:
		eventDate, err := adjudication.ParseDate(request.Date)
		if err != nil {
			return err
		}
		return h.service.SetEventDate(ctx, state, eventDate)
	case actionDelDate:
		return h.service.ClearEventDate(ctx, state)
	case actionComplete:
		return h.service.Complete(ctx, state)
	case actionComment:
		return nil
	default:
		return errUnknownAction
	}
}

func (h *httpHandler) handleUnlock(c *gin.Context) {
	reviewer := c.GetString(reviewerIDContextKey)
	ctx := c.Request.Context()
	var released string
	err := h.sessions.With(reviewer, func(state *adjudication.SessionState) (*adjudication.SessionState, error) {
		if !state.Active() {
			return nil, nil
		}
		if err := h.service.ReleaseSession(ctx, state); err != nil {
			return state, err
		}
		released = state.PatientID.String()
		return nil, nil
	})
	if err != nil {
		h.respondError(c, "failed to release review session", err)
		return
	}
	if released == "" {
		c.JSON(http.StatusOK, sessionOutcomePayload{Status: "idle"})
		return
	}
	c.JSON(http.StatusOK, sessionOutcomePayload{Status: string(adjudication.SessionReleased), PatientID: released})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	stats, err := h.service.Store().Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, "failed to compute stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
