// Package track aggregates unmatched face observations into per-camera
// tracks and decides when a track has been present long enough, often
// enough and sharply enough to be promoted into an unknown-person candidate.
//
// Track state is partitioned per camera: one mutex per camera, so mutation
// for one camera never contends with another, and lookup-then-update runs in
// a single critical section. Temporal decisions (matching window, presence,
// cooldown) are driven by observation timestamps; only the eviction sweep
// consults the wall clock.
package track

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"face-sentry-go/config"
	"face-sentry-go/internal/core/models"
	"face-sentry-go/internal/core/quality"
	"face-sentry-go/internal/core/vector"
)

// Manager owns all face tracks across cameras.
type Manager struct {
	rt        *config.Runtime
	validator *quality.Validator
	now       func() time.Time

	mu      sync.RWMutex
	cameras map[string]*cameraTracks
}

type cameraTracks struct {
	mu     sync.Mutex
	tracks map[string]*models.FaceTrack
	// emissions records recent candidate emissions by embedding. A person
	// whose processed track was evicted and who then opens a fresh track
	// is held back until the cooldown since their last emission expires.
	// The sweep prunes expired entries.
	emissions []emission
}

type emission struct {
	embedding []float32
	at        time.Time
}

// NewManager creates a track manager reading live settings from rt.
func NewManager(rt *config.Runtime, validator *quality.Validator) *Manager {
	return &Manager{
		rt:        rt,
		validator: validator,
		now:       time.Now,
		cameras:   make(map[string]*cameraTracks),
	}
}

// SetClock replaces the wall clock used by the eviction sweep. Tests use
// this to control eviction deterministically.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Observe folds one unmatched observation into the camera's track set and
// reports the affected track plus whether it became eligible for
// unknown-person registration on this call. The caller must invoke
// MarkProcessed after a successful registration.
func (m *Manager) Observe(obs *models.FaceObservation) (*models.FaceTrack, bool) {
	r := m.rt.Recognition()
	cam := m.camera(obs.CameraID)

	cam.mu.Lock()
	defer cam.mu.Unlock()

	track := cam.matchTrack(obs, r)
	if track == nil {
		track = &models.FaceTrack{
			TrackID:   uuid.NewString(),
			CameraID:  obs.CameraID,
			FirstSeen: obs.Timestamp,
		}
		cam.tracks[track.TrackID] = track
		log.WithFields(log.Fields{
			"camera": obs.CameraID,
			"track":  track.TrackID,
		}).Debug("Opened new face track")
	}

	track.LastSeen = obs.Timestamp
	track.FrameCount++

	score := m.validator.Score(obs.Crop, obs.BBox, obs.FrameWidth, obs.FrameHeight, obs.Confidence)
	if track.BestObservation == nil || score > track.BestQuality {
		track.BestObservation = obs
		track.BestQuality = score
		track.Embedding = obs.Embedding
	}

	return track, m.eligibleLocked(cam, track, r)
}

// matchTrack finds the closest open track whose best embedding is within the
// track match threshold and whose last sighting is within the tracking
// timeout of the observation. Caller holds cam.mu.
func (c *cameraTracks) matchTrack(obs *models.FaceObservation, r config.RecognitionConfig) *models.FaceTrack {
	var best *models.FaceTrack
	bestDist := r.TrackMatchThreshold

	for _, t := range c.tracks {
		if obs.Timestamp.Sub(t.LastSeen) > r.TrackingTimeout() {
			continue
		}
		if d := vector.SquaredDistance(t.Embedding, obs.Embedding); d < bestDist {
			bestDist = d
			best = t
		}
	}
	return best
}

func (m *Manager) eligibleLocked(cam *cameraTracks, t *models.FaceTrack, r config.RecognitionConfig) bool {
	if t.Processed {
		return false
	}
	if t.FrameCount < r.MinFrameCount {
		return false
	}
	if t.PresenceDuration() < r.MinPresenceDuration() {
		return false
	}
	for _, em := range cam.emissions {
		if t.LastSeen.Sub(em.at) < r.Cooldown() &&
			vector.SquaredDistance(em.embedding, t.Embedding) < r.TrackMatchThreshold {
			return false
		}
	}

	best := t.BestObservation
	if best == nil {
		return false
	}
	_, ok := m.validator.Validate(best.Crop, best.BBox, best.FrameWidth, best.FrameHeight, best.Confidence)
	return ok
}

// MarkProcessed stamps a track as handled so it never emits a second
// candidate, and records its embedding for the cooldown check.
func (m *Manager) MarkProcessed(cameraID, trackID string, at time.Time) {
	cam := m.camera(cameraID)
	cam.mu.Lock()
	defer cam.mu.Unlock()

	t, ok := cam.tracks[trackID]
	if !ok {
		return
	}
	t.Processed = true
	cam.emissions = append(cam.emissions, emission{embedding: t.Embedding, at: at})
}

// Candidate builds the immutable registration payload from a track.
func Candidate(t *models.FaceTrack) *models.UnknownCandidate {
	best := t.BestObservation
	c := &models.UnknownCandidate{
		CandidateID:      uuid.NewString(),
		CameraID:         t.CameraID,
		Embedding:        t.Embedding,
		QualityScore:     t.BestQuality,
		FrameCount:       t.FrameCount,
		PresenceDuration: t.PresenceDuration(),
		DetectedAt:       t.LastSeen,
	}
	if best != nil {
		c.BestCrop = best.Crop
	}
	return c
}

// Sweep evicts every track whose last sighting is older than the tracking
// timeout, regardless of state, and returns the number of evicted tracks.
// Expired cooldown entries are pruned in the same pass.
func (m *Manager) Sweep() int {
	r := m.rt.Recognition()
	now := m.now()
	evicted := 0

	m.mu.RLock()
	cams := make([]*cameraTracks, 0, len(m.cameras))
	for _, cam := range m.cameras {
		cams = append(cams, cam)
	}
	m.mu.RUnlock()

	for _, cam := range cams {
		cam.mu.Lock()
		for id, t := range cam.tracks {
			if now.Sub(t.LastSeen) > r.TrackingTimeout() {
				delete(cam.tracks, id)
				evicted++
			}
		}
		kept := cam.emissions[:0]
		for _, em := range cam.emissions {
			if now.Sub(em.at) < r.Cooldown() {
				kept = append(kept, em)
			}
		}
		cam.emissions = kept
		cam.mu.Unlock()
	}

	if evicted > 0 {
		log.Debugf("Track sweep evicted %d stale tracks", evicted)
	}
	return evicted
}

// DropCamera removes all tracks and cooldown entries for a stopped camera as
// a single operation. The caller is responsible for quiescing the camera's
// processing loop first.
func (m *Manager) DropCamera(cameraID string) {
	m.mu.Lock()
	cam, ok := m.cameras[cameraID]
	if ok {
		delete(m.cameras, cameraID)
	}
	m.mu.Unlock()

	if ok {
		// Lock to let any in-flight critical section drain before the
		// state is discarded.
		cam.mu.Lock()
		cam.tracks = map[string]*models.FaceTrack{}
		cam.emissions = nil
		cam.mu.Unlock()
		log.Infof("Dropped all track state for camera %s", cameraID)
	}
}

// OpenTracks returns the number of live tracks across all cameras.
func (m *Manager) OpenTracks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, cam := range m.cameras {
		cam.mu.Lock()
		total += len(cam.tracks)
		cam.mu.Unlock()
	}
	return total
}

func (m *Manager) camera(id string) *cameraTracks {
	m.mu.RLock()
	cam, ok := m.cameras[id]
	m.mu.RUnlock()
	if ok {
		return cam
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cam, ok = m.cameras[id]; ok {
		return cam
	}
	cam = &cameraTracks{
		tracks: make(map[string]*models.FaceTrack),
	}
	m.cameras[id] = cam
	return cam
}
