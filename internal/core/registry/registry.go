// Package registry deduplicates eligible face tracks against the gallery of
// already-registered unknown persons and persists the outcome.
//
// Decisions run against an in-memory mirror of the unknown gallery so the
// per-frame hot path never waits on the database; writes are enqueued on a
// bounded channel drained by a fixed worker pool. Persistence is
// at-least-once and idempotent through the recurrence check: a lost write is
// healed the next time the same person is sighted.
package registry

import (
	"errors"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"face-sentry-go/config"
	"face-sentry-go/internal/core/models"
	"face-sentry-go/internal/core/vector"
	"face-sentry-go/internal/crops"
	"face-sentry-go/internal/db/repository"
)

// How far back the near-duplicate suppression window reaches.
const duplicateWindow = time.Hour

// ResultKind classifies the outcome of a registration.
type ResultKind int

const (
	// Created means a new unknown identity was registered.
	Created ResultKind = iota
	// UpdatedExisting means the candidate matched a recurring person and
	// the existing record was refreshed.
	UpdatedExisting
	// Suppressed means the candidate was a rapid near-duplicate and no
	// record was written.
	Suppressed
)

func (k ResultKind) String() string {
	switch k {
	case Created:
		return "created"
	case UpdatedExisting:
		return "updated_existing"
	case Suppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a Register call.
type Result struct {
	Kind ResultKind
	UID  string
}

type galleryEntry struct {
	uid       string
	cameraID  string
	embedding []float32
	status    models.UnknownStatus
	createdAt time.Time
}

type persistJob struct {
	identity   models.UnknownIdentity
	crop       image.Image
	recurrence bool
}

// Registry is the unknown-person deduplication and persistence component.
type Registry struct {
	rt    *config.Runtime
	store repository.UnknownStore
	crops *crops.Store // optional
	now   func() time.Time

	mu      sync.Mutex
	gallery []galleryEntry

	queue   chan persistJob
	wg      sync.WaitGroup
	started bool
}

// New creates a Registry. The crop store may be nil when crops are not kept.
func New(rt *config.Runtime, store repository.UnknownStore, cropStore *crops.Store, queueSize int) *Registry {
	return &Registry{
		rt:    rt,
		store: store,
		crops: cropStore,
		now:   time.Now,
		queue: make(chan persistJob, queueSize),
	}
}

// SetClock replaces the wall clock, used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Load seeds the in-memory gallery from the store. Called once at startup;
// a store failure leaves the gallery empty and is not fatal.
func (r *Registry) Load() error {
	identities, err := r.store.ListActive()
	if err != nil {
		log.Errorf("Failed to load unknown-person gallery, starting empty: %v", err)
		return err
	}

	entries := make([]galleryEntry, 0, len(identities))
	seen := make(map[string]bool, len(identities))
	for _, id := range identities {
		e, ok := toEntry(id)
		if !ok {
			continue
		}
		entries = append(entries, e)
		seen[id.UID] = true
	}

	// Ignored identities never match as recurrences, but ones created within
	// the suppression window still block same-camera near-duplicates, so a
	// restart must not forget them.
	recent, err := r.store.FindCandidates("", r.now().Add(-duplicateWindow))
	if err != nil {
		log.Warnf("Failed to load recent unknowns for duplicate suppression: %v", err)
	} else {
		for _, id := range recent {
			if seen[id.UID] {
				continue
			}
			if e, ok := toEntry(id); ok {
				entries = append(entries, e)
			}
		}
	}

	r.mu.Lock()
	r.gallery = entries
	r.mu.Unlock()

	log.Infof("Loaded %d unknown identities for recurrence matching", len(entries))
	return nil
}

func toEntry(id models.UnknownIdentity) (galleryEntry, bool) {
	emb, err := models.UnmarshalEmbedding(id.Embedding)
	if err != nil {
		log.Warnf("Skipping unknown %s with unreadable embedding: %v", id.UID, err)
		return galleryEntry{}, false
	}
	return galleryEntry{
		uid:       id.UID,
		cameraID:  id.CameraID,
		embedding: vector.Normalize(emb),
		status:    id.Status,
		createdAt: id.CreatedAt,
	}, true
}

// Start launches the persistence workers.
func (r *Registry) Start(workers int) {
	if r.started {
		return
	}
	r.started = true
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	log.Infof("Unknown-person registry started with %d persistence workers", workers)
}

// Stop closes the queue and waits for the workers to drain it.
func (r *Registry) Stop() {
	if !r.started {
		return
	}
	r.started = false
	close(r.queue)
	r.wg.Wait()
}

// Register decides what to do with an eligible track's candidate: refresh a
// recurring person, suppress a rapid near-duplicate, or create a new pending
// unknown identity. The decision is synchronous and in-memory; the resulting
// write is queued for the persistence workers.
func (r *Registry) Register(candidate *models.UnknownCandidate) Result {
	cfg := r.rt.Recognition()
	nowish := r.now()

	r.mu.Lock()

	// Recurrence: the same person seen before, possibly on another camera.
	if i := r.closestActiveLocked(candidate.Embedding, cfg.RecurrenceThreshold); i >= 0 {
		uid := r.gallery[i].uid
		r.mu.Unlock()

		identity := r.buildIdentity(candidate, uid, nowish)
		r.enqueue(persistJob{identity: identity, recurrence: true})

		log.WithFields(log.Fields{
			"uid":    uid,
			"camera": candidate.CameraID,
		}).Info("Recurring unknown person sighted")
		return Result{Kind: UpdatedExisting, UID: uid}
	}

	// Near-duplicate: a fresh record from the same camera within the hour.
	if uid := r.recentDuplicateLocked(candidate, cfg.DuplicateSuppressionThreshold, nowish); uid != "" {
		r.mu.Unlock()
		log.WithFields(log.Fields{
			"uid":    uid,
			"camera": candidate.CameraID,
		}).Debug("Suppressed near-duplicate unknown candidate")
		return Result{Kind: Suppressed, UID: uid}
	}

	uid := uuid.NewString()
	r.gallery = append(r.gallery, galleryEntry{
		uid:       uid,
		cameraID:  candidate.CameraID,
		embedding: candidate.Embedding,
		status:    models.UnknownStatusPending,
		createdAt: nowish,
	})
	r.mu.Unlock()

	identity := r.buildIdentity(candidate, uid, nowish)
	identity.SightingCount = 1
	r.enqueue(persistJob{identity: identity, crop: candidate.BestCrop})

	log.WithFields(log.Fields{
		"uid":      uid,
		"camera":   candidate.CameraID,
		"frames":   candidate.FrameCount,
		"presence": candidate.PresenceDuration,
	}).Info("Registered new unknown person")
	return Result{Kind: Created, UID: uid}
}

// GallerySize returns the number of unknown identities taking part in
// recurrence matching.
func (r *Registry) GallerySize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gallery)
}

// MarkIgnored removes an identity from recurrence matching, mirroring an
// external review decision.
func (r *Registry) MarkIgnored(uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.gallery {
		if r.gallery[i].uid == uid {
			r.gallery[i].status = models.UnknownStatusIgnored
			return
		}
	}
}

// closestActiveLocked returns the gallery position of the nearest pending or
// identified entry within the threshold, or -1. Caller holds mu.
func (r *Registry) closestActiveLocked(embedding []float32, threshold float64) int {
	best := -1
	bestDist := threshold
	for i := range r.gallery {
		e := &r.gallery[i]
		if e.status == models.UnknownStatusIgnored {
			continue
		}
		if d := vector.SquaredDistance(e.embedding, embedding); d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

// recentDuplicateLocked returns the uid of a same-camera entry created
// within the duplicate window and inside the tighter duplicate threshold, or
// the empty string. Caller holds mu.
func (r *Registry) recentDuplicateLocked(candidate *models.UnknownCandidate, threshold float64, nowish time.Time) string {
	cutoff := nowish.Add(-duplicateWindow)
	for i := range r.gallery {
		e := &r.gallery[i]
		if e.cameraID != candidate.CameraID || e.createdAt.Before(cutoff) {
			continue
		}
		if vector.SquaredDistance(e.embedding, candidate.Embedding) < threshold {
			return e.uid
		}
	}
	return ""
}

func (r *Registry) buildIdentity(candidate *models.UnknownCandidate, uid string, nowish time.Time) models.UnknownIdentity {
	emb, err := models.MarshalEmbedding(candidate.Embedding)
	if err != nil {
		log.Errorf("Failed to encode embedding for unknown %s: %v", uid, err)
	}
	return models.UnknownIdentity{
		UID:             uid,
		Embedding:       emb,
		Status:          models.UnknownStatusPending,
		CameraID:        candidate.CameraID,
		DetectedAt:      candidate.DetectedAt,
		FrameCount:      candidate.FrameCount,
		PresenceSeconds: candidate.PresenceDuration.Seconds(),
		QualityScore:    candidate.QualityScore,
		LastSeenAt:      nowish,
	}
}

// enqueue hands a write to the workers without ever blocking the caller. A
// full queue drops the write; the recurrence check will re-attempt it on the
// next sighting of the same person.
func (r *Registry) enqueue(job persistJob) {
	select {
	case r.queue <- job:
	default:
		log.Warnf("Persistence queue full, dropping write for unknown %s", job.identity.UID)
	}
}

func (r *Registry) worker(id int) {
	defer r.wg.Done()
	for job := range r.queue {
		r.persist(job)
	}
	log.Debugf("Registry persistence worker %d stopped", id)
}

// persist performs the slow I/O for one job: the crop file first, then the
// store write. Failures are logged and skipped.
func (r *Registry) persist(job persistJob) {
	identity := job.identity

	if r.crops != nil && job.crop != nil {
		path, err := r.crops.Save(identity.UID, job.crop)
		if err != nil {
			log.Warnf("Failed to save crop for unknown %s: %v", identity.UID, err)
		} else {
			identity.CropPath = path
		}
	}

	if job.recurrence {
		identity = r.mergeRecurrence(identity)
	}
	if err := r.store.Upsert(&identity); err != nil {
		log.Errorf("Failed to persist unknown %s: %v", identity.UID, err)
	}
}

// mergeRecurrence folds a recurrence sighting into the stored record so the
// counters accumulate instead of being overwritten. A missing record, e.g.
// after a dropped write, falls back to creating the identity fresh.
func (r *Registry) mergeRecurrence(identity models.UnknownIdentity) models.UnknownIdentity {
	existing, err := r.store.FindByUID(identity.UID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Errorf("Failed to read unknown %s for recurrence update: %v", identity.UID, err)
		}
		identity.SightingCount = 1
		return identity
	}

	merged := *existing
	merged.FrameCount += identity.FrameCount
	merged.PresenceSeconds += identity.PresenceSeconds
	merged.DetectedAt = identity.DetectedAt
	merged.LastSeenAt = identity.LastSeenAt
	merged.SightingCount++
	if identity.QualityScore > merged.QualityScore {
		merged.QualityScore = identity.QualityScore
	}
	return merged
}
