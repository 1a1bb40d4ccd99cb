package adjudication

import "fmt"

// SessionStatus is the lifecycle stage of a review session.
type SessionStatus string

const (
	// SessionActive means the reviewer holds the patient lock and may act.
	SessionActive SessionStatus = "active"
	// SessionCompleted means the patient was marked reviewed and unlocked.
	SessionCompleted SessionStatus = "completed"
	// SessionReleased means the reviewer gave up the lock without completing.
	SessionReleased SessionStatus = "released"
)

// SessionState is the serializable state of one reviewer working one patient.
type SessionState struct {
	PatientID PatientID       `json:"patient_id"`
	Reviewer  string          `json:"reviewer"`
	Entries   []SequenceEntry `json:"entries"`
	Pending   []bool          `json:"pending"`
	Cursor    int             `json:"cursor"`
	Status    SessionStatus   `json:"status"`
}

// NewSessionState opens an active session over a non-empty sequence.
func NewSessionState(patientID PatientID, reviewer string, sequence Sequence) (*SessionState, error) {
	if sequence.Empty() {
		return nil, fmt.Errorf("%w: empty sequence", ErrInvalidTransition)
	}
	entries := make([]SequenceEntry, len(sequence.Entries))
	copy(entries, sequence.Entries)
	pending := make([]bool, len(sequence.Pending))
	copy(pending, sequence.Pending)
	return &SessionState{
		PatientID: patientID,
		Reviewer:  reviewer,
		Entries:   entries,
		Pending:   pending,
		Cursor:    sequence.Cursor,
		Status:    SessionActive,
	}, nil
}

// Active reports whether the session still accepts actions.
func (s *SessionState) Active() bool {
	return s != nil && s.Status == SessionActive && len(s.Entries) > 0
}

// Current returns the entry under the cursor.
func (s *SessionState) Current() (SequenceEntry, error) {
	if !s.Active() {
		return SequenceEntry{}, fmt.Errorf("%w: no active session", ErrInvalidTransition)
	}
	return s.Entries[s.Cursor], nil
}

// Navigate moves the cursor by delta and clamps it to the sequence bounds.
func (s *SessionState) Navigate(delta int) error {
	if !s.Active() {
		return fmt.Errorf("%w: no active session", ErrInvalidTransition)
	}
	target := s.Cursor + delta
	if delta > 0 && target < s.Cursor {
		target = len(s.Entries) - 1
	}
	if delta < 0 && target > s.Cursor {
		target = 0
	}
	s.Cursor = clampIndex(target, len(s.Entries))
	return nil
}

// MoveFirst places the cursor on the first entry.
func (s *SessionState) MoveFirst() error {
	if !s.Active() {
		return fmt.Errorf("%w: no active session", ErrInvalidTransition)
	}
	s.Cursor = 0
	return nil
}

// MoveLast places the cursor on the last entry.
func (s *SessionState) MoveLast() error {
	if !s.Active() {
		return fmt.Errorf("%w: no active session", ErrInvalidTransition)
	}
	s.Cursor = len(s.Entries) - 1
	return nil
}

// HasPending reports whether any entry still awaits adjudication.
func (s *SessionState) HasPending() bool {
	for _, pending := range s.Pending {
		if pending {
			return true
		}
	}
	return false
}

// PendingCount returns the number of entries awaiting adjudication.
func (s *SessionState) PendingCount() int {
	count := 0
	for _, pending := range s.Pending {
		if pending {
			count++
		}
	}
	return count
}

// nextPending scans forward from the cursor, wrapping once, for a pending entry.
func (s *SessionState) nextPending() (int, bool) {
	total := len(s.Entries)
	for step := 1; step <= total; step++ {
		index := (s.Cursor + step) % total
		if s.Pending[index] {
			return index, true
		}
	}
	return s.Cursor, false
}

func (s *SessionState) indexOf(id AnnotationID) int {
	for index, entry := range s.Entries {
		if entry.AnnotationID == id {
			return index
		}
	}
	return -1
}

func clampIndex(index, length int) int {
	if index < 0 {
		return 0
	}
	if index >= length {
		return length - 1
	}
	return index
}
