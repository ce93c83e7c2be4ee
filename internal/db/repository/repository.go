package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"face-sentry-go/internal/core/models"
)

// KnownFaceStore supplies the known-identity gallery.
type KnownFaceStore interface {
	ListKnownFaces() ([]models.KnownFace, error)
	SaveKnownFace(face *models.KnownFace) error
	DeleteKnownFace(personID string) error
}

// UnknownStore persists unidentified persons. The recognition core treats
// failures from this store as non-fatal.
type UnknownStore interface {
	// ListActive returns every unknown identity that takes part in
	// recurrence matching, i.e. all but the ignored ones.
	ListActive() ([]models.UnknownIdentity, error)
	// FindCandidates returns unknown identities filtered by camera and
	// creation time. Empty cameraID or zero since disable the filter.
	FindCandidates(cameraID string, since time.Time) ([]models.UnknownIdentity, error)
	// FindByUID returns the identity with the given UID, or
	// gorm.ErrRecordNotFound.
	FindByUID(uid string) (*models.UnknownIdentity, error)
	// Upsert inserts the identity or, when a record with the same UID
	// exists, updates it.
	Upsert(identity *models.UnknownIdentity) error
}

// GormRepository implements both stores on a GORM connection.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a repository over the given database handle.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// ListKnownFaces returns every enrolled identity.
func (r *GormRepository) ListKnownFaces() ([]models.KnownFace, error) {
	var faces []models.KnownFace
	if err := r.db.Find(&faces).Error; err != nil {
		return nil, err
	}
	return faces, nil
}

// SaveKnownFace inserts or updates an enrolled identity by person id.
func (r *GormRepository) SaveKnownFace(face *models.KnownFace) error {
	var existing models.KnownFace
	err := r.db.Where("person_id = ?", face.PersonID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.Create(face).Error
	}
	if err != nil {
		return err
	}
	existing.Name = face.Name
	existing.Embedding = face.Embedding
	return r.db.Save(&existing).Error
}

// DeleteKnownFace removes an enrolled identity.
func (r *GormRepository) DeleteKnownFace(personID string) error {
	return r.db.Where("person_id = ?", personID).Delete(&models.KnownFace{}).Error
}

// ListActive returns all pending and identified unknown identities.
func (r *GormRepository) ListActive() ([]models.UnknownIdentity, error) {
	var identities []models.UnknownIdentity
	err := r.db.Where("status IN ?", []models.UnknownStatus{
		models.UnknownStatusPending,
		models.UnknownStatusIdentified,
	}).Find(&identities).Error
	if err != nil {
		return nil, err
	}
	return identities, nil
}

// FindCandidates returns unknown identities, optionally filtered by camera
// and creation time.
func (r *GormRepository) FindCandidates(cameraID string, since time.Time) ([]models.UnknownIdentity, error) {
	q := r.db.Model(&models.UnknownIdentity{})
	if cameraID != "" {
		q = q.Where("camera_id = ?", cameraID)
	}
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}

	var identities []models.UnknownIdentity
	if err := q.Find(&identities).Error; err != nil {
		return nil, err
	}
	return identities, nil
}

// FindByUID returns a single unknown identity by its UID.
func (r *GormRepository) FindByUID(uid string) (*models.UnknownIdentity, error) {
	var identity models.UnknownIdentity
	if err := r.db.Where("uid = ?", uid).First(&identity).Error; err != nil {
		return nil, err
	}
	return &identity, nil
}

// Upsert inserts or updates an unknown identity by UID.
func (r *GormRepository) Upsert(identity *models.UnknownIdentity) error {
	var existing models.UnknownIdentity
	err := r.db.Where("uid = ?", identity.UID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.Create(identity).Error
	}
	if err != nil {
		return err
	}

	existing.Status = identity.Status
	existing.FrameCount = identity.FrameCount
	existing.PresenceSeconds = identity.PresenceSeconds
	existing.QualityScore = identity.QualityScore
	existing.DetectedAt = identity.DetectedAt
	existing.SightingCount = identity.SightingCount
	existing.LastSeenAt = identity.LastSeenAt
	if identity.CropPath != "" {
		existing.CropPath = identity.CropPath
	}
	return r.db.Save(&existing).Error
}
