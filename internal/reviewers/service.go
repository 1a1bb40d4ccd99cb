// Package reviewers keeps the directory of reviewers seen by the API.
package reviewers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cedars/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultTouchInterval = time.Minute

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("reviewers: invalid identity")

// ServiceConfig describes the dependencies required for reviewer resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// TouchInterval bounds how often last-seen timestamps are written for one reviewer.
	TouchInterval time.Duration
}

// Service records reviewers as they authenticate.
type Service struct {
	db            *gorm.DB
	now           func() time.Time
	touchInterval time.Duration
	lastTouched   sync.Map
}

// NewService constructs the reviewer directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("reviewers: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.TouchInterval
	if interval <= 0 {
		interval = defaultTouchInterval
	}
	return &Service{
		db:            cfg.Database,
		now:           clock,
		touchInterval: interval,
	}, nil
}

// Resolve upserts the reviewer described by the claims and returns the reviewer id.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (string, error) {
	reviewerID := normalize(claims.ReviewerID)
	if reviewerID == "" {
		reviewerID = normalize(claims.Subject)
	}
	if reviewerID == "" {
		return "", ErrInvalidIdentity
	}

	now := s.now().UTC()
	if cached, ok := s.lastTouched.Load(reviewerID); ok {
		if touchedAt, ok := cached.(time.Time); ok && now.Sub(touchedAt) < s.touchInterval {
			return reviewerID, nil
		}
	}

	reviewer := Reviewer{
		ReviewerID:         reviewerID,
		Email:              normalize(claims.Email),
		DisplayName:        normalize(claims.DisplayName),
		Admin:              claims.HasRole(auth.RoleAdmin),
		FirstSeenAtSeconds: now.Unix(),
		LastSeenAtSeconds:  now.Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "reviewer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "display_name", "is_admin", "last_seen_at_s"}),
	}).Create(&reviewer).Error
	if err != nil {
		return "", err
	}

	s.lastTouched.Store(reviewerID, now)
	return reviewerID, nil
}

// Get returns the stored reviewer.
func (s *Service) Get(ctx context.Context, reviewerID string) (Reviewer, error) {
	var reviewer Reviewer
	err := s.db.WithContext(ctx).Where("reviewer_id = ?", normalize(reviewerID)).Take(&reviewer).Error
	return reviewer, err
}

// List returns every known reviewer ordered by id.
func (s *Service) List(ctx context.Context) ([]Reviewer, error) {
	var reviewers []Reviewer
	err := s.db.WithContext(ctx).Order("reviewer_id ASC").Find(&reviewers).Error
	return reviewers, err
}
