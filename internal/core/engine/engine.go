// Package engine wires the recognition pipeline together: quality pre-gate,
// known-identity matching, track aggregation and unknown-person
// registration. One Classify call per detected face per frame.
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"face-sentry-go/config"
	"face-sentry-go/internal/core/index"
	"face-sentry-go/internal/core/match"
	"face-sentry-go/internal/core/models"
	"face-sentry-go/internal/core/registry"
	"face-sentry-go/internal/core/track"
	"face-sentry-go/internal/core/vector"
	"face-sentry-go/internal/db/repository"
)

// Outcome is the classification decision for one observation.
type Outcome string

const (
	// OutcomeKnown means the face matched an enrolled identity.
	OutcomeKnown Outcome = "known"
	// OutcomePendingUnknown means the face joined an open track that has
	// not yet met the promotion thresholds.
	OutcomePendingUnknown Outcome = "pending_unknown"
	// OutcomeUnknownRegistered means the observation's track became
	// eligible on this call and was handed to the registry.
	OutcomeUnknownRegistered Outcome = "unknown_registered"
	// OutcomeIgnored means the observation failed the confidence or
	// minimum-size pre-gate and was discarded.
	OutcomeIgnored Outcome = "ignored"
)

// Result is returned to the caller for every Classify call.
type Result struct {
	Outcome    Outcome
	PersonID   string
	Similarity float64
	TrackID    string
	UnknownUID string
}

// Event is published to subscribers for outcomes worth announcing, i.e.
// known matches and unknown registrations.
type Event struct {
	Outcome    Outcome   `json:"outcome"`
	CameraID   string    `json:"camera_id"`
	PersonID   string    `json:"person_id,omitempty"`
	Similarity float64   `json:"similarity,omitempty"`
	UnknownUID string    `json:"unknown_uid,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher receives classification events, typically an MQTT client.
type Publisher interface {
	PublishEvent(ev Event)
}

// Counters is a snapshot of the engine's running totals.
type Counters struct {
	Observations       uint64 `json:"observations"`
	Known              uint64 `json:"known"`
	PendingUnknown     uint64 `json:"pending_unknown"`
	UnknownRegistered  uint64 `json:"unknown_registered"`
	Ignored            uint64 `json:"ignored"`
	Errors             uint64 `json:"errors"`
	OpenTracks         int    `json:"open_tracks"`
	KnownGallerySize   int    `json:"known_gallery_size"`
	UnknownGallerySize int    `json:"unknown_gallery_size"`
}

// Engine composes the recognition pipeline.
type Engine struct {
	rt        *config.Runtime
	index     *index.Index
	resolver  *match.Resolver
	tracks    *track.Manager
	registry  *registry.Registry
	known     repository.KnownFaceStore
	publisher Publisher

	observations      atomic.Uint64
	knownHits         atomic.Uint64
	pendingUnknown    atomic.Uint64
	unknownRegistered atomic.Uint64
	ignored           atomic.Uint64
	errCount          atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates an Engine. The publisher may be nil when events are not wanted.
func New(rt *config.Runtime, idx *index.Index, resolver *match.Resolver, tracks *track.Manager, reg *registry.Registry, known repository.KnownFaceStore, publisher Publisher) *Engine {
	return &Engine{
		rt:        rt,
		index:     idx,
		resolver:  resolver,
		tracks:    tracks,
		registry:  reg,
		known:     known,
		publisher: publisher,
		stop:      make(chan struct{}),
	}
}

// SetPublisher installs the event publisher. Must be called during startup,
// before classification traffic begins.
func (e *Engine) SetPublisher(p Publisher) {
	e.publisher = p
}

// Classify runs one face observation through the pipeline. The engine takes
// ownership of the observation: the embedding is normalized in place and the
// track manager may retain it. The call never blocks on persistence.
func (e *Engine) Classify(obs *models.FaceObservation) (Result, error) {
	e.observations.Add(1)
	cfg := e.rt.Recognition()

	if len(obs.Embedding) != e.index.Dim() {
		e.errCount.Add(1)
		return Result{}, fmt.Errorf("%w: got %d, want %d", index.ErrDimensionMismatch, len(obs.Embedding), e.index.Dim())
	}

	vector.Normalize(obs.Embedding)

	m, err := e.resolver.Resolve(obs.Embedding)
	if err != nil {
		e.errCount.Add(1)
		return Result{}, err
	}
	if m != nil {
		e.knownHits.Add(1)
		e.publish(Event{
			Outcome:    OutcomeKnown,
			CameraID:   obs.CameraID,
			PersonID:   m.PersonID,
			Similarity: m.Similarity,
			Timestamp:  obs.Timestamp,
		})
		return Result{Outcome: OutcomeKnown, PersonID: m.PersonID, Similarity: m.Similarity}, nil
	}

	// The confidence and size gates scope the unknown path only: a weak
	// sighting of an enrolled person still counts as Known above, but a weak
	// unmatched one is discarded rather than tracked.
	if e.preGateFails(obs, cfg) {
		e.ignored.Add(1)
		return Result{Outcome: OutcomeIgnored}, nil
	}

	t, eligible := e.tracks.Observe(obs)
	if !eligible {
		e.pendingUnknown.Add(1)
		return Result{Outcome: OutcomePendingUnknown, TrackID: t.TrackID}, nil
	}

	res := e.registry.Register(track.Candidate(t))
	e.tracks.MarkProcessed(t.CameraID, t.TrackID, obs.Timestamp)
	e.unknownRegistered.Add(1)

	if res.Kind != registry.Suppressed {
		e.publish(Event{
			Outcome:    OutcomeUnknownRegistered,
			CameraID:   obs.CameraID,
			UnknownUID: res.UID,
			Timestamp:  obs.Timestamp,
		})
	}
	return Result{Outcome: OutcomeUnknownRegistered, TrackID: t.TrackID, UnknownUID: res.UID}, nil
}

// preGateFails discards observations that are too uncertain or too small to
// be worth tracking at all.
func (e *Engine) preGateFails(obs *models.FaceObservation, cfg config.RecognitionConfig) bool {
	if obs.Confidence < cfg.MinDetectionConfidence {
		return true
	}
	if obs.BBox.Width < cfg.MinFaceWidth || obs.BBox.Height < cfg.MinFaceHeight {
		return true
	}
	return false
}

// ReloadGallery replaces the known-identity index from the store.
func (e *Engine) ReloadGallery() error {
	faces, err := e.known.ListKnownFaces()
	if err != nil {
		return fmt.Errorf("failed to load known faces: %w", err)
	}

	entries := make([]index.Entry, 0, len(faces))
	for _, f := range faces {
		emb, err := models.UnmarshalEmbedding(f.Embedding)
		if err != nil {
			log.Warnf("Skipping known face %s with unreadable embedding: %v", f.PersonID, err)
			continue
		}
		entries = append(entries, index.Entry{ID: f.PersonID, Embedding: vector.Normalize(emb)})
	}
	if err := e.index.Rebuild(entries); err != nil {
		return err
	}
	log.Infof("Known-identity gallery reloaded with %d entries", len(entries))
	return nil
}

// AddKnownFace enrolls an identity: persists it and adds it to the live
// index without a full rebuild.
func (e *Engine) AddKnownFace(personID, name string, embedding []float32) error {
	emb := vector.Normalized(embedding)
	data, err := models.MarshalEmbedding(emb)
	if err != nil {
		return err
	}
	if err := e.known.SaveKnownFace(&models.KnownFace{PersonID: personID, Name: name, Embedding: data}); err != nil {
		return fmt.Errorf("failed to persist known face %s: %w", personID, err)
	}
	if err := e.index.Add(personID, emb); err != nil {
		return err
	}
	log.Infof("Enrolled known face %s", personID)
	return nil
}

// RemoveKnownFace removes an identity from the store and the live index.
func (e *Engine) RemoveKnownFace(personID string) error {
	if err := e.known.DeleteKnownFace(personID); err != nil {
		return fmt.Errorf("failed to delete known face %s: %w", personID, err)
	}
	e.index.Remove(personID)
	log.Infof("Removed known face %s", personID)
	return nil
}

// DropCamera discards all track state for a stopped camera.
func (e *Engine) DropCamera(cameraID string) {
	e.tracks.DropCamera(cameraID)
}

// Start launches the periodic track eviction sweep.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.sweepLoop()
}

// Stop terminates the sweep loop and waits for it.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.rt.Recognition().SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tracks.Sweep()
		case <-e.stop:
			return
		}
	}
}

// Counters returns a snapshot of the engine's running totals.
func (e *Engine) Counters() Counters {
	return Counters{
		Observations:       e.observations.Load(),
		Known:              e.knownHits.Load(),
		PendingUnknown:     e.pendingUnknown.Load(),
		UnknownRegistered:  e.unknownRegistered.Load(),
		Ignored:            e.ignored.Load(),
		Errors:             e.errCount.Load(),
		OpenTracks:         e.tracks.OpenTracks(),
		KnownGallerySize:   e.index.Len(),
		UnknownGallerySize: e.registry.GallerySize(),
	}
}

func (e *Engine) publish(ev Event) {
	if e.publisher != nil {
		e.publisher.PublishEvent(ev)
	}
}
