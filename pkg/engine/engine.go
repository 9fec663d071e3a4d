package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sos-escalation-engine/pkg/metrics"
	"sos-escalation-engine/pkg/models"
)

var (
	// ErrRunActive is returned by Trigger while an escalation run is
	// already in progress; the existing run is left untouched.
	ErrRunActive = errors.New("escalation run already active")

	// ErrInvalidConfig is returned by Trigger when the resolved
	// settings contain a non-positive duration.
	ErrInvalidConfig = errors.New("invalid escalation settings")
)

// ContactSource supplies the contact list snapshot at run start.
// Entries are returned in insertion order; the engine sorts.
type ContactSource interface {
	List(ctx context.Context) ([]models.Contact, error)
}

// SettingsSource resolves the duration set a run is started with.
type SettingsSource interface {
	Resolve(ctx context.Context) (models.EscalationSettings, error)
}

// LocationSource supplies an optional last-known coordinate snapshot.
type LocationSource interface {
	LastKnown(ctx context.Context) (*models.Location, error)
}

// Recorder is the platform audio capture collaborator.
type Recorder interface {
	Begin(ctx context.Context) (Session, error)
}

// Session is one open capture. Stop finalizes and returns the
// artifact; Discard stops the device and drops any partial capture.
type Session interface {
	Stop() (models.RecordingArtifact, error)
	Discard() error
}

// Notifier is the telephony collaborator. Both calls are
// fire-and-forget: the engine never learns whether delivery happened,
// so timeout expiry is the only escalation criterion.
type Notifier interface {
	NotifyContact(ctx context.Context, phone, message string)
	NotifyEmergencyServices(ctx context.Context)
}

// Engine drives the escalation state machine. At most one run is
// active at a time; a run is owned by a single goroutine and holds at
// most one live timer at any instant.
type Engine struct {
	contacts ContactSource
	settings SettingsSource
	location LocationSource
	recorder Recorder
	notifier Notifier
	clock    Clock
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	cur         *run
	lastRunID   string
	lastOutcome models.RunOutcome
}

type run struct {
	id       string
	source   models.TriggerSource
	settings models.EscalationSettings
	queue    []models.Contact
	location *models.Location

	state        models.RunState
	contactIndex int
	deadline     time.Time
	phaseStart   time.Time
	timer        Timer
	artifact     *models.RecordingArtifact

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func New(contacts ContactSource, settings SettingsSource, location LocationSource,
	recorder Recorder, notifier Notifier, logger *logrus.Logger, m *metrics.Metrics) *Engine {
	return NewWithClock(contacts, settings, location, recorder, notifier, logger, m, NewClock())
}

func NewWithClock(contacts ContactSource, settings SettingsSource, location LocationSource,
	recorder Recorder, notifier Notifier, logger *logrus.Logger, m *metrics.Metrics, clock Clock) *Engine {
	return &Engine{
		contacts: contacts,
		settings: settings,
		location: location,
		recorder: recorder,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		metrics:  m,
	}
}

// Trigger starts an escalation run. It is the single entry point for
// both the manual control and the voice-phrase detector. Returns
// ErrRunActive if a run is in progress and ErrInvalidConfig if the
// resolved settings are unusable; no run is started in either case.
func (e *Engine) Trigger(ctx context.Context, source models.TriggerSource) (string, error) {
	settings, err := e.settings.Resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	queue := e.snapshotContacts(ctx)
	location := e.snapshotLocation(ctx)

	e.mu.Lock()
	if e.cur != nil {
		e.mu.Unlock()
		return "", ErrRunActive
	}

	now := e.clock.Now()
	r := &run{
		id:       uuid.New().String(),
		source:   source,
		settings: settings,
		queue:    queue,
		location: location,
		state:    models.StateCountdown,
		deadline: now.Add(settings.CancelWindow()),
		timer:    e.clock.NewTimer(settings.CancelWindow()),
		cancelCh: make(chan struct{}),
	}
	r.phaseStart = now
	e.cur = r
	e.mu.Unlock()

	e.metrics.RunsStarted.WithLabelValues(string(source)).Inc()
	e.metrics.ActiveRun.Set(1)
	e.logger.WithFields(logrus.Fields{
		"run_id":   r.id,
		"source":   source,
		"contacts": len(queue),
	}).Info("Escalation run started, countdown to cancel")

	go e.runLoop(r)
	return r.id, nil
}

// Cancel aborts the active run, if any. It is accepted in every
// non-terminal state, wins any race with a phase timer, and is a
// silent no-op once the run is terminal or the engine is idle.
func (e *Engine) Cancel() {
	e.mu.Lock()
	r := e.cur
	e.mu.Unlock()
	if r == nil {
		return
	}
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

// Status reports the snapshot the presentation layer polls.
func (e *Engine) Status() models.RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur == nil {
		return models.RunStatus{
			RunID:       e.lastRunID,
			State:       models.StateIdle,
			LastOutcome: e.lastOutcome,
		}
	}

	r := e.cur
	st := models.RunStatus{
		RunID:    r.id,
		State:    r.state,
		Source:   r.source,
		Artifact: r.artifact,
		Location: r.location,
	}

	now := e.clock.Now()
	if !r.deadline.IsZero() && r.deadline.After(now) {
		st.RemainingSeconds = int((r.deadline.Sub(now) + time.Second - 1) / time.Second)
	}
	if r.state == models.StateAlerting && r.contactIndex < len(r.queue) {
		c := r.queue[r.contactIndex]
		st.CurrentContact = &c
	}
	if r.state == models.StateRecording {
		st.RecordingElapsedSeconds = int(now.Sub(r.phaseStart) / time.Second)
	}
	return st
}

func (e *Engine) runLoop(r *run) {
	ctx := context.Background()

	// Countdown: the window in which an accidental trigger can be
	// averted. The countdown timer was armed at trigger time.
	if !e.wait(r) {
		e.finish(r, models.OutcomeCancelled)
		return
	}

	// Recording runs to completion before the first contact is
	// notified, so the artifact - when capture works - is always on
	// hand before anyone is alerted.
	e.enterRecording(r)
	session, err := e.recorder.Begin(ctx)
	if err != nil {
		e.mu.Lock()
		r.timer.Stop()
		r.deadline = time.Time{}
		e.mu.Unlock()
		e.metrics.RecordingFailures.Inc()
		e.logger.WithError(err).WithField("run_id", r.id).
			Warn("Audio capture unavailable, continuing without artifact")
	} else {
		if !e.wait(r) {
			if derr := session.Discard(); derr != nil {
				e.logger.WithError(derr).WithField("run_id", r.id).Warn("Failed to discard capture")
			}
			e.finish(r, models.OutcomeCancelled)
			return
		}
		artifact, serr := session.Stop()
		if serr != nil {
			e.metrics.RecordingFailures.Inc()
			e.logger.WithError(serr).WithField("run_id", r.id).Warn("Failed to finalize recording")
		} else {
			e.mu.Lock()
			r.artifact = &artifact
			e.mu.Unlock()
			e.logger.WithFields(logrus.Fields{
				"run_id":      r.id,
				"artifact_id": artifact.ID,
			}).Info("Recording captured")
		}
	}

	// Alerting: one contact at a time over the frozen snapshot.
	// Advancement is driven solely by timeout expiry; there is no
	// acknowledgement channel to wait on.
	message := buildAlertMessage(r.location)
	for i := range r.queue {
		select {
		case <-r.cancelCh:
			e.finish(r, models.OutcomeCancelled)
			return
		default:
		}

		contact := r.queue[i]
		e.notifier.NotifyContact(ctx, contact.Phone, message)
		e.metrics.ContactsNotified.Inc()
		e.logger.WithFields(logrus.Fields{
			"run_id":     r.id,
			"contact_id": contact.ID,
			"priority":   contact.Priority,
			"position":   i + 1,
			"of":         len(r.queue),
		}).Info("Contact notified, waiting for timeout")

		e.enterAlerting(r, i)
		if !e.wait(r) {
			e.finish(r, models.OutcomeCancelled)
			return
		}
	}

	select {
	case <-r.cancelCh:
		e.finish(r, models.OutcomeCancelled)
		return
	default:
	}

	e.transition(r, models.StateFallbackDialing)
	e.notifier.NotifyEmergencyServices(ctx)
	e.metrics.EmergencyFallbacks.Inc()
	e.logger.WithFields(logrus.Fields{
		"run_id":            r.id,
		"contacts_notified": len(r.queue),
	}).Warn("Contact list exhausted, dialing emergency services")
	e.finish(r, models.OutcomeFallbackDialing)
}

// wait blocks until the armed phase timer fires or the run is
// cancelled. Cancellation wins: it is selected ahead of the timer and
// re-checked after a fire, so a cancel racing an expiry always yields
// Cancelled.
func (e *Engine) wait(r *run) bool {
	t := r.timer
	defer t.Stop()

	select {
	case <-r.cancelCh:
		return false
	case <-t.C():
		select {
		case <-r.cancelCh:
			return false
		default:
			return true
		}
	}
}

// transition moves the run to a phase with no timer of its own.
func (e *Engine) transition(r *run, state models.RunState) {
	e.mu.Lock()
	e.observePhase(r)
	r.state = state
	r.deadline = time.Time{}
	r.phaseStart = e.clock.Now()
	e.mu.Unlock()
}

// enterRecording arms the capture window atomically with the state
// change so the phase timer exists the moment the state is visible.
func (e *Engine) enterRecording(r *run) {
	d := r.settings.RecordingDuration()
	e.mu.Lock()
	e.observePhase(r)
	r.state = models.StateRecording
	r.phaseStart = e.clock.Now()
	r.deadline = r.phaseStart.Add(d)
	r.timer = e.clock.NewTimer(d)
	e.mu.Unlock()
}

// enterAlerting moves the cursor and arms the per-contact timer in one
// step so a status read never sees the new contact without its
// deadline.
func (e *Engine) enterAlerting(r *run, index int) {
	d := r.settings.ContactTimeout()
	e.mu.Lock()
	e.observePhase(r)
	r.state = models.StateAlerting
	r.contactIndex = index
	r.phaseStart = e.clock.Now()
	r.deadline = r.phaseStart.Add(d)
	r.timer = e.clock.NewTimer(d)
	e.mu.Unlock()
}

// observePhase records the wall time spent in the phase being left.
// Caller holds e.mu.
func (e *Engine) observePhase(r *run) {
	if r.phaseStart.IsZero() {
		return
	}
	switch r.state {
	case models.StateCountdown, models.StateRecording, models.StateAlerting:
		e.metrics.PhaseDuration.WithLabelValues(string(r.state)).
			Observe(e.clock.Now().Sub(r.phaseStart).Seconds())
	}
}

func (e *Engine) finish(r *run, outcome models.RunOutcome) {
	e.mu.Lock()
	e.observePhase(r)
	if outcome == models.OutcomeCancelled {
		r.state = models.StateCancelled
	} else {
		r.state = models.StateFallbackDialing
	}
	e.lastRunID = r.id
	e.lastOutcome = outcome
	e.cur = nil
	e.mu.Unlock()

	e.metrics.RunsFinished.WithLabelValues(string(outcome)).Inc()
	e.metrics.ActiveRun.Set(0)
	e.logger.WithFields(logrus.Fields{
		"run_id":  r.id,
		"outcome": outcome,
	}).Info("Escalation run finished, engine idle")
}

// snapshotContacts freezes the queue for the run: insertion order from
// the store, then a stable sort on priority so equal priorities keep
// list order. Store mutations after this point cannot reorder the run.
func (e *Engine) snapshotContacts(ctx context.Context) []models.Contact {
	list, err := e.contacts.List(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("Failed to load contacts, run will fall back to emergency services")
		return nil
	}
	queue := make([]models.Contact, len(list))
	copy(queue, list)
	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].Priority < queue[j].Priority
	})
	return queue
}

func (e *Engine) snapshotLocation(ctx context.Context) *models.Location {
	loc, err := e.location.LastKnown(ctx)
	if err != nil {
		e.logger.WithError(err).Debug("No location snapshot available")
		return nil
	}
	return loc
}

func buildAlertMessage(loc *models.Location) string {
	message := "EMERGENCY: I need help. This is an automated SOS alert sent on my behalf."
	if loc != nil {
		message += fmt.Sprintf(" Last known location: https://maps.google.com/?q=%.6f,%.6f",
			loc.Latitude, loc.Longitude)
	}
	return message
}
