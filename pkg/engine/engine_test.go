package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sos-escalation-engine/pkg/metrics"
	"sos-escalation-engine/pkg/models"
)

var testBase = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeClock drives simulated time. Advance fires every timer whose
// deadline has been reached.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	ch       chan time.Time
	fired    bool
	stopped  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testBase}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{
		clock:    c,
		deadline: c.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 {
		t.fired = true
		t.ch <- c.now
	}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.deadline.After(c.now) {
			t.fired = true
			t.ch <- c.now
		}
	}
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.fired && !t.stopped
	t.stopped = true
	return active
}

type fakeContacts struct {
	mu   sync.Mutex
	list []models.Contact
	err  error
}

func (f *fakeContacts) List(_ context.Context) ([]models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Contact, len(f.list))
	copy(out, f.list)
	return out, nil
}

func (f *fakeContacts) replace(list []models.Contact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = list
}

type fakeSettings struct {
	settings models.EscalationSettings
	err      error
}

func (f *fakeSettings) Resolve(_ context.Context) (models.EscalationSettings, error) {
	return f.settings, f.err
}

type fakeLocation struct {
	loc *models.Location
}

func (f *fakeLocation) LastKnown(_ context.Context) (*models.Location, error) {
	if f.loc == nil {
		return nil, errors.New("no fix available")
	}
	return f.loc, nil
}

type fakeSession struct {
	mu        sync.Mutex
	stopped   bool
	discarded bool
}

func (s *fakeSession) Stop() (models.RecordingArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return models.RecordingArtifact{ID: "artifact-1", Path: "/tmp/artifact-1.pcm"}, nil
}

func (s *fakeSession) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = true
	return nil
}

func (s *fakeSession) state() (stopped, discarded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped, s.discarded
}

type fakeRecorder struct {
	mu        sync.Mutex
	failBegin bool
	sessions  []*fakeSession
}

func (r *fakeRecorder) Begin(_ context.Context) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failBegin {
		return nil, errors.New("microphone permission denied")
	}
	s := &fakeSession{}
	r.sessions = append(r.sessions, s)
	return s, nil
}

func (r *fakeRecorder) beginCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *fakeRecorder) session(i int) *fakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[i]
}

type notifyCall struct {
	phone     string
	message   string
	emergency bool
	at        time.Time
}

type fakeNotifier struct {
	mu    sync.Mutex
	clock *fakeClock
	calls []notifyCall
}

func (n *fakeNotifier) NotifyContact(_ context.Context, phone, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{phone: phone, message: message, at: n.clock.Now()})
}

func (n *fakeNotifier) NotifyEmergencyServices(_ context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{emergency: true, at: n.clock.Now()})
}

func (n *fakeNotifier) snapshot() []notifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notifyCall, len(n.calls))
	copy(out, n.calls)
	return out
}

type fixture struct {
	engine   *Engine
	clock    *fakeClock
	contacts *fakeContacts
	settings *fakeSettings
	location *fakeLocation
	recorder *fakeRecorder
	notifier *fakeNotifier
}

func newFixture(t *testing.T, settings models.EscalationSettings, contacts ...models.Contact) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	f := &fixture{
		clock:    newFakeClock(),
		contacts: &fakeContacts{list: contacts},
		settings: &fakeSettings{settings: settings},
		location: &fakeLocation{},
		recorder: &fakeRecorder{},
	}
	f.notifier = &fakeNotifier{clock: f.clock}
	f.engine = NewWithClock(f.contacts, f.settings, f.location, f.recorder, f.notifier,
		logger, metrics.New(), f.clock)
	return f
}

func (f *fixture) waitForState(t *testing.T, state models.RunState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.engine.Status().State == state
	}, 2*time.Second, time.Millisecond, "engine never reached state %s", state)
}

func (f *fixture) waitForContact(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := f.engine.Status()
		return st.State == models.StateAlerting && st.CurrentContact != nil && st.CurrentContact.ID == id
	}, 2*time.Second, time.Millisecond, "engine never alerted contact %s", id)
}

func (f *fixture) waitForIdle(t *testing.T, outcome models.RunOutcome) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := f.engine.Status()
		return st.State == models.StateIdle && st.LastOutcome == outcome
	}, 2*time.Second, time.Millisecond, "engine never returned to idle with outcome %s", outcome)
}

func defaultSettings() models.EscalationSettings {
	return models.EscalationSettings{
		CancelWindowSeconds:      5,
		ContactTimeoutSeconds:    15,
		RecordingDurationSeconds: 30,
	}
}

func TestTriggerRefusedOnInvalidSettings(t *testing.T) {
	for _, bad := range []models.EscalationSettings{
		{CancelWindowSeconds: 0, ContactTimeoutSeconds: 15, RecordingDurationSeconds: 30},
		{CancelWindowSeconds: 5, ContactTimeoutSeconds: -1, RecordingDurationSeconds: 30},
		{CancelWindowSeconds: 5, ContactTimeoutSeconds: 15, RecordingDurationSeconds: 0},
	} {
		f := newFixture(t, bad)
		_, err := f.engine.Trigger(context.Background(), models.SourceManual)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Equal(t, models.StateIdle, f.engine.Status().State)
		assert.Empty(t, f.notifier.snapshot())
	}
}

func TestTriggerWhileActiveIsNoOp(t *testing.T) {
	f := newFixture(t, defaultSettings())

	runID, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	_, err = f.engine.Trigger(context.Background(), models.SourceVoice)
	assert.ErrorIs(t, err, ErrRunActive)

	st := f.engine.Status()
	assert.Equal(t, runID, st.RunID)
	assert.Equal(t, models.StateCountdown, st.State)
	assert.Equal(t, models.SourceManual, st.Source)

	f.engine.Cancel()
	f.waitForIdle(t, models.OutcomeCancelled)
}

func TestCancelDuringCountdown(t *testing.T) {
	f := newFixture(t, defaultSettings(),
		models.Contact{ID: "a", Phone: "+15550001", Priority: 1})

	_, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	f.clock.Advance(3 * time.Second)
	st := f.engine.Status()
	assert.Equal(t, models.StateCountdown, st.State)
	assert.Equal(t, 2, st.RemainingSeconds)

	f.engine.Cancel()
	f.waitForIdle(t, models.OutcomeCancelled)

	assert.Zero(t, f.recorder.beginCount(), "no capture may start before countdown expiry")
	assert.Empty(t, f.notifier.snapshot(), "no contact may be notified on a cancelled countdown")
}

func TestCancelWinsRaceWithTimerExpiry(t *testing.T) {
	f := newFixture(t, defaultSettings(),
		models.Contact{ID: "a", Phone: "+15550001", Priority: 1})

	_, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	// Cancel lands just as the countdown would expire; the run must
	// end Cancelled, never Recording.
	f.engine.Cancel()
	f.clock.Advance(5 * time.Second)

	f.waitForIdle(t, models.OutcomeCancelled)
	assert.Zero(t, f.recorder.beginCount())
	assert.Empty(t, f.notifier.snapshot())
}

func TestCancelIdempotentAfterTerminalState(t *testing.T) {
	f := newFixture(t, defaultSettings())

	_, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	f.waitForState(t, models.StateRecording)
	f.clock.Advance(30 * time.Second)
	f.waitForIdle(t, models.OutcomeFallbackDialing)

	f.engine.Cancel()
	f.engine.Cancel()

	st := f.engine.Status()
	assert.Equal(t, models.StateIdle, st.State)
	assert.Equal(t, models.OutcomeFallbackDialing, st.LastOutcome)
}

func TestEmptyContactListFallsBackAfterRecording(t *testing.T) {
	f := newFixture(t, defaultSettings())

	_, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	f.waitForState(t, models.StateRecording)
	f.clock.Advance(30 * time.Second)
	f.waitForIdle(t, models.OutcomeFallbackDialing)

	calls := f.notifier.snapshot()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].emergency)
	assert.Equal(t, 35*time.Second, calls[0].at.Sub(testBase),
		"fallback must happen exactly cancelWindow+recordingDuration after trigger")

	stopped, _ := f.recorder.session(0).state()
	assert.True(t, stopped, "capture device must be released before fallback")
}

func TestRecordingFailureProceedsImmediately(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.recorder.failBegin = true

	_, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	f.waitForIdle(t, models.OutcomeFallbackDialing)

	calls := f.notifier.snapshot()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].emergency)
	assert.Equal(t, 5*time.Second, calls[0].at.Sub(testBase),
		"capture failure must not add any delay before alerting")
}

func TestContactsVisitedInPriorityOrderWithExactTimeouts(t *testing.T) {
	f := newFixture(t, defaultSettings(),
		models.Contact{ID: "a", Phone: "+15550002", Priority: 2},
		models.Contact{ID: "b", Phone: "+15550001", Priority: 1})

	_, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	f.waitForState(t, models.StateRecording)

	f.clock.Advance(30 * time.Second)
	f.waitForContact(t, "b")

	f.clock.Advance(15 * time.Second)
	f.waitForContact(t, "a")

	f.clock.Advance(15 * time.Second)
	f.waitForIdle(t, models.OutcomeFallbackDialing)

	calls := f.notifier.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, "+15550001", calls[0].phone)
	assert.Equal(t, 35*time.Second, calls[0].at.Sub(testBase))
	assert.Equal(t, "+15550002", calls[1].phone)
	assert.Equal(t, 50*time.Second, calls[1].at.Sub(testBase))
	assert.True(t, calls[2].emergency)
	assert.Equal(t, 65*time.Second, calls[2].at.Sub(testBase))
}

func TestEqualPrioritiesKeepInsertionOrder(t *testing.T) {
	f := newFixture(t, defaultSettings(),
		models.Contact{ID: "x", Phone: "+15550001", Priority: 1},
		models.Contact{ID: "y", Phone: "+15550002", Priority: 1},
		models.Contact{ID: "z", Phone: "+15550003", Priority: 1})

	_, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	f.waitForState(t, models.StateRecording)
	f.clock.Advance(30 * time.Second)
	f.waitForContact(t, "x")
	f.clock.Advance(15 * time.Second)
	f.waitForContact(t, "y")
	f.clock.Advance(15 * time.Second)
	f.waitForContact(t, "z")
	f.clock.Advance(15 * time.Second)
	f.waitForIdle(t, models.OutcomeFallbackDialing)

	calls := f.notifier.snapshot()
	require.Len(t, calls, 4)
	assert.Equal(t, "+15550001", calls[0].phone)
	assert.Equal(t, "+15550002", calls[1].phone)
	assert.Equal(t, "+15550003", calls[2].phone)
}

func TestCancelDuringRecordingStopsCapture(t *testing.T) {
	f := newFixture(t, defaultSettings(),
		models.Contact{ID: "a", Phone: "+15550001", Priority: 1})

	_, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	f.waitForState(t, models.StateRecording)

	f.engine.Cancel()
	f.waitForIdle(t, models.OutcomeCancelled)

	require.Equal(t, 1, f.recorder.beginCount())
	_, discarded := f.recorder.session(0).state()
	assert.True(t, discarded, "capture must be stopped and the partial artifact dropped")
	assert.Empty(t, f.notifier.snapshot())
}

func TestCancelDuringAlerting(t *testing.T) {
	f := newFixture(t, defaultSettings(),
		models.Contact{ID: "a", Phone: "+15550001", Priority: 1},
		models.Contact{ID: "b", Phone: "+15550002", Priority: 2})

	_, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	f.waitForState(t, models.StateRecording)
	f.clock.Advance(30 * time.Second)
	f.waitForContact(t, "a")

	f.engine.Cancel()
	f.waitForIdle(t, models.OutcomeCancelled)

	calls := f.notifier.snapshot()
	require.Len(t, calls, 1, "second contact and emergency services must not be reached")
	assert.Equal(t, "+15550001", calls[0].phone)
}

func TestContactSnapshotIsFrozenAtTrigger(t *testing.T) {
	f := newFixture(t, defaultSettings(),
		models.Contact{ID: "b", Phone: "+15550002", Priority: 2})

	_, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	// Rewriting the list mid-run must not affect the in-flight queue.
	f.contacts.replace([]models.Contact{
		{ID: "new", Phone: "+15559999", Priority: 1},
	})

	f.clock.Advance(5 * time.Second)
	f.waitForState(t, models.StateRecording)
	f.clock.Advance(30 * time.Second)
	f.waitForContact(t, "b")
	f.clock.Advance(15 * time.Second)
	f.waitForIdle(t, models.OutcomeFallbackDialing)

	calls := f.notifier.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "+15550002", calls[0].phone)
	assert.True(t, calls[1].emergency)
}

func TestContactLoadFailureFallsBackToEmergency(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.contacts.err = fmt.Errorf("store unavailable")

	_, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err, "a contact store outage must not block the run")

	f.clock.Advance(5 * time.Second)
	f.waitForState(t, models.StateRecording)
	f.clock.Advance(30 * time.Second)
	f.waitForIdle(t, models.OutcomeFallbackDialing)

	calls := f.notifier.snapshot()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].emergency)
}

func TestStatusReporting(t *testing.T) {
	f := newFixture(t, defaultSettings(),
		models.Contact{ID: "a", Phone: "+15550001", Priority: 1})
	f.location.loc = &models.Location{Latitude: 52.52, Longitude: 13.405, UpdatedAt: testBase}

	runID, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	st := f.engine.Status()
	assert.Equal(t, runID, st.RunID)
	assert.Equal(t, models.StateCountdown, st.State)
	assert.Equal(t, 5, st.RemainingSeconds)
	require.NotNil(t, st.Location)
	assert.Equal(t, 52.52, st.Location.Latitude)

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 3, f.engine.Status().RemainingSeconds)

	f.clock.Advance(3 * time.Second)
	f.waitForState(t, models.StateRecording)
	f.clock.Advance(10 * time.Second)
	st = f.engine.Status()
	assert.Equal(t, 10, st.RecordingElapsedSeconds)
	assert.Equal(t, 20, st.RemainingSeconds)

	f.clock.Advance(20 * time.Second)
	f.waitForContact(t, "a")
	st = f.engine.Status()
	assert.Equal(t, 15, st.RemainingSeconds)
	require.NotNil(t, st.Artifact, "artifact must be on hand before the first contact is alerted")

	f.engine.Cancel()
	f.waitForIdle(t, models.OutcomeCancelled)
}

func TestAlertMessageIncludesMapLinkWhenLocated(t *testing.T) {
	f := newFixture(t, defaultSettings(),
		models.Contact{ID: "a", Phone: "+15550001", Priority: 1})
	f.location.loc = &models.Location{Latitude: 52.52, Longitude: 13.405}

	_, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	f.waitForState(t, models.StateRecording)
	f.clock.Advance(30 * time.Second)
	f.waitForContact(t, "a")
	f.engine.Cancel()
	f.waitForIdle(t, models.OutcomeCancelled)

	calls := f.notifier.snapshot()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].message, "https://maps.google.com/?q=52.520000,13.405000")
}

func TestAlertMessageOmitsMapLinkWithoutFix(t *testing.T) {
	f := newFixture(t, defaultSettings(),
		models.Contact{ID: "a", Phone: "+15550001", Priority: 1})

	_, err := f.engine.Trigger(context.Background(), models.SourceManual)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	f.waitForState(t, models.StateRecording)
	f.clock.Advance(30 * time.Second)
	f.waitForContact(t, "a")
	f.engine.Cancel()
	f.waitForIdle(t, models.OutcomeCancelled)

	calls := f.notifier.snapshot()
	require.Len(t, calls, 1)
	assert.False(t, strings.Contains(calls[0].message, "maps.google.com"))
}
