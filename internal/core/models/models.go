package models

import (
	"encoding/json"
	"fmt"
	"image"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BoundingBox is a face location in pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the box area in pixels.
func (b BoundingBox) Area() int {
	return b.Width * b.Height
}

// FaceObservation is a single detected face from one frame of one camera,
// created by the upstream detector adapter. The engine takes ownership at
// ingress: it normalizes the embedding in place and may retain the
// observation, so callers must not reuse one after handing it over.
type FaceObservation struct {
	CameraID    string
	Timestamp   time.Time
	BBox        BoundingBox
	Embedding   []float32
	Confidence  float64
	Crop        image.Image // cropped face region, may be nil when the source omits pixels
	FrameWidth  int
	FrameHeight int
}

// FaceTrack aggregates repeated sightings of the same (unmatched) face on one
// camera. A track belongs to exactly one camera and is never merged across
// cameras.
type FaceTrack struct {
	TrackID         string
	CameraID        string
	FirstSeen       time.Time
	LastSeen        time.Time
	FrameCount      int
	Embedding       []float32 // embedding of the best observation
	BestObservation *FaceObservation
	BestQuality     float64
	Processed       bool
}

// PresenceDuration returns how long the track has been observed.
func (t *FaceTrack) PresenceDuration() time.Duration {
	return t.LastSeen.Sub(t.FirstSeen)
}

// UnknownCandidate is the immutable payload handed to the unknown-person
// registry once a track becomes eligible. At most one candidate is ever
// produced per track.
type UnknownCandidate struct {
	CandidateID      string
	CameraID         string
	Embedding        []float32
	BestCrop         image.Image
	QualityScore     float64
	FrameCount       int
	PresenceDuration time.Duration
	DetectedAt       time.Time
}

// UnknownStatus is the review state of a persisted unknown identity.
type UnknownStatus string

const (
	UnknownStatusPending    UnknownStatus = "pending"
	UnknownStatusIdentified UnknownStatus = "identified"
	UnknownStatusIgnored    UnknownStatus = "ignored"
)

// UnknownIdentity is a persisted unidentified person awaiting human review.
type UnknownIdentity struct {
	gorm.Model
	UID             string         `gorm:"uniqueIndex;not null"`
	Embedding       datatypes.JSON `gorm:"type:json"`
	Status          UnknownStatus  `gorm:"index;default:pending"`
	CameraID        string         `gorm:"index"`
	DetectedAt      time.Time      `gorm:"index"`
	FrameCount      int
	PresenceSeconds float64
	QualityScore    float64
	CropPath        string
	// Recurrence metadata
	SightingCount int       `gorm:"default:1"`
	LastSeenAt    time.Time `gorm:"index"`
}

// KnownFace is a gallery entry for an enrolled identity.
type KnownFace struct {
	gorm.Model
	PersonID  string         `gorm:"uniqueIndex;not null"`
	Name      string         `gorm:"index"`
	Embedding datatypes.JSON `gorm:"type:json"`
}

// MarshalEmbedding encodes an embedding for a JSON column.
func MarshalEmbedding(emb []float32) (datatypes.JSON, error) {
	data, err := json.Marshal(emb)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return datatypes.JSON(data), nil
}

// UnmarshalEmbedding decodes an embedding from a JSON column.
func UnmarshalEmbedding(data datatypes.JSON) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var emb []float32
	if err := json.Unmarshal(data, &emb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return emb, nil
}
