package adjudication

import (
	"context"

	"go.uber.org/zap"
)

// Stats summarises review progress across the corpus.
type Stats struct {
	Patients          int64            `json:"patients"`
	AnnotatedPatients int64            `json:"annotated_patients"`
	ReviewedPatients  int64            `json:"reviewed_patients"`
	LockedPatients    int64            `json:"locked_patients"`
	LemmaDistribution map[string]int64 `json:"lemma_distribution"`
}

type lemmaCount struct {
	Lemma string
	Total int64
}

const annotatedPatientsSubquery = "SELECT DISTINCT patient_id FROM annotations WHERE negated = ?"

// Stats counts patients, annotated and reviewed patients and the distribution
// of matched lemmas among non-negated annotations.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	db := s.db.WithContext(ctx)
	stats := Stats{LemmaDistribution: make(map[string]int64)}

	if err := db.Model(&Patient{}).Count(&stats.Patients).Error; err != nil {
		return s.statsFailure(err)
	}
	if err := db.Model(&Patient{}).Where("locked = ?", true).Count(&stats.LockedPatients).Error; err != nil {
		return s.statsFailure(err)
	}
	if err := db.Model(&Annotation{}).Where("negated = ?", false).Distinct("patient_id").Count(&stats.AnnotatedPatients).Error; err != nil {
		return s.statsFailure(err)
	}
	if err := db.Model(&Patient{}).
		Where("reviewed = ?", true).
		Where("patient_id IN ("+annotatedPatientsSubquery+")", false).
		Count(&stats.ReviewedPatients).Error; err != nil {
		return s.statsFailure(err)
	}

	var lemmas []lemmaCount
	if err := db.Model(&Annotation{}).
		Select("lemma, COUNT(*) AS total").
		Where("negated = ?", false).
		Group("lemma").
		Scan(&lemmas).Error; err != nil {
		return s.statsFailure(err)
	}
	for _, row := range lemmas {
		stats.LemmaDistribution[row.Lemma] = row.Total
	}
	return stats, nil
}

func (s *Store) statsFailure(err error) (Stats, error) {
	logError(s.logger, opStats, reasonQueryFailed, err, zap.String("component", "stats"))
	return Stats{}, newServiceError(opStats, reasonQueryFailed, err)
}
