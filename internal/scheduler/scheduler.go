package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/events"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/roster"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
)

var (
	ErrNoSession        = errors.New("no active session")
	ErrSessionActive    = errors.New("a session is already active")
	ErrSessionEnding    = errors.New("previous session is still ending")
	ErrCooldown         = errors.New("student was confirmed moments ago")
	ErrAlreadyConfirmed = errors.New("student already confirmed in this session")
	ErrInFlight         = errors.New("confirmation already in progress")
)

// RosterLoader resolves the roster of a course. *roster.Cache implements it.
type RosterLoader interface {
	Get(ctx context.Context, courseID string, forceRefresh bool) (*roster.Snapshot, error)
}

type Options struct {
	PowerMode                config.PowerMode
	QualityMin               float64
	AutoConfirm              bool
	AutoConfirmMinConfidence float64
	Logger                   *slog.Logger
}

// Settings are the operator-adjustable knobs.
type Settings struct {
	ThresholdMode            config.ThresholdMode `json:"thresholdMode"`
	PowerMode                config.PowerMode     `json:"powerMode"`
	QualityMin               float64              `json:"qualityMin"`
	AutoConfirm              bool                 `json:"autoConfirm"`
	AutoConfirmMinConfidence float64              `json:"autoConfirmMinConfidence"`
}

type Session struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"courseId"`
	StartedAt time.Time `json:"startedAt"`
}

type SessionSummary struct {
	Session
	EndedAt   time.Time `json:"endedAt"`
	Frames    int64     `json:"frames"`
	Confirmed []string  `json:"confirmed"`
}

type confirmed struct {
	LocalID     string
	Confidence  float64
	ConfirmedAt time.Time
	Origin      events.Origin
}

// Scheduler owns the live session: it feeds frames to the pipeline from a single worker,
// keeps identity locks stable, and turns recognitions into confirmations.
type Scheduler struct {
	pipe    *pipeline.Pipeline
	rosters RosterLoader
	sink    events.Sink
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	session *Session
	queue   *Conflated
	cancel  context.CancelFunc
	done    chan struct{}
	// ending is closed once EndSession has cleared state; draining is the done channel
	// of a worker that outlived its session.
	ending   chan struct{}
	draining chan struct{}
	// epoch changes on every course switch; results computed under an older epoch are dropped.
	epoch        uint64
	resetPending bool

	power       config.PowerMode
	qualityBase float64
	autoConfirm bool
	autoMinConf float64

	locks         map[int]*Lock
	lastMarked    map[string]time.Time
	confirmedIDs  map[string]confirmed
	inFlight      map[string]bool
	lastProcessed time.Time
	stats         stats
	view          frameView
}

func New(pipe *pipeline.Pipeline, rosters RosterLoader, sink events.Sink, opts Options) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	t := pipe.Tuning()
	if opts.PowerMode == "" {
		opts.PowerMode = config.PowerBalanced
	}
	if opts.QualityMin == 0 {
		opts.QualityMin = t.Quality.MinScore
	}
	if opts.AutoConfirmMinConfidence == 0 {
		opts.AutoConfirmMinConfidence = t.Scheduling.AutoConfirmMinConfidence
	}
	s := &Scheduler{
		pipe:         pipe,
		rosters:      rosters,
		sink:         sink,
		log:          log.With("component", "scheduler"),
		now:          time.Now,
		power:        opts.PowerMode,
		qualityBase:  opts.QualityMin,
		autoConfirm:  opts.AutoConfirm,
		autoMinConf:  opts.AutoConfirmMinConfidence,
		locks:        make(map[int]*Lock),
		lastMarked:   make(map[string]time.Time),
		confirmedIDs: make(map[string]confirmed),
		inFlight:     make(map[string]bool),
	}
	s.applyQualityMin(t)
	return s
}

// SetClock replaces the time source, for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// StartSession loads the course roster and starts a worker with clean recognition state.
// An empty sessionID gets a generated one.
func (s *Scheduler) StartSession(ctx context.Context, sessionID, courseID string) (Session, error) {
	if err := s.awaitEnd(ctx); err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	active := s.session != nil
	s.mu.Unlock()
	if active {
		return Session{}, ErrSessionActive
	}

	snap, err := s.rosters.Get(ctx, courseID, false)
	if err != nil {
		return Session{}, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return Session{}, ErrSessionActive
	}
	if s.ending != nil || !closed(s.draining) {
		return Session{}, ErrSessionEnding
	}
	s.draining = nil
	s.pipe.ClearAll()
	s.pipe.SetRoster(snap)
	s.resetLocked(true)
	s.resetPending = false
	s.session = &Session{ID: sessionID, CourseID: courseID, StartedAt: s.now()}
	s.startWorkerLocked()
	s.log.Info("session started", "session", sessionID, "course", courseID, "students", snap.Len())
	return *s.session, nil
}

// EndSession stops intake, waits for the in-flight frame and clears all state.
// A new session cannot start until the clearing is done.
func (s *Scheduler) EndSession(ctx context.Context) (SessionSummary, error) {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return SessionSummary{}, ErrNoSession
	}
	sess := *s.session
	s.session = nil
	ending := make(chan struct{})
	s.ending = ending
	q, cancel, done := s.detachWorkerLocked()
	s.mu.Unlock()

	stopErr := stopWorker(ctx, q, cancel, done)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if stopErr != nil {
			// The worker still holds the pipeline; the next StartSession clears it once the worker exits.
			s.draining = done
			s.pipe.SetRoster(nil)
		} else {
			s.pipe.ClearAll()
		}
		s.resetLocked(true)
		s.ending = nil
		close(ending)
	}()

	if stopErr != nil {
		s.log.Warn("session ended without draining the worker", "session", sess.ID, "err", stopErr)
		return SessionSummary{}, stopErr
	}
	sum := SessionSummary{Session: sess, EndedAt: s.now(), Frames: s.stats.frames}
	for id := range s.confirmedIDs {
		sum.Confirmed = append(sum.Confirmed, id)
	}
	sort.Strings(sum.Confirmed)
	s.log.Info("session ended", "session", sess.ID, "frames", sum.Frames, "confirmed", len(sum.Confirmed))
	return sum, nil
}

// SwitchCourse swaps the roster of the running session. The new roster is loaded first
// so a failing load leaves the session untouched. Tracks are dropped before the worker's next frame,
// and a frame already in flight is discarded.
func (s *Scheduler) SwitchCourse(ctx context.Context, courseID string) (Session, error) {
	s.mu.Lock()
	active := s.session != nil
	s.mu.Unlock()
	if !active {
		return Session{}, ErrNoSession
	}

	snap, err := s.rosters.Get(ctx, courseID, false)
	if err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return Session{}, ErrNoSession
	}
	s.epoch++
	s.resetPending = true
	s.pipe.SetRoster(snap)
	s.resetLocked(false)
	s.session.CourseID = courseID
	s.log.Info("course switched", "session", s.session.ID, "course", courseID, "students", snap.Len())
	return *s.session, nil
}

// RefreshRoster reloads the roster of the running session from the source.
func (s *Scheduler) RefreshRoster(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return 0, ErrNoSession
	}
	course := s.session.CourseID
	s.mu.Unlock()

	snap, err := s.rosters.Get(ctx, course, true)
	if err != nil {
		return 0, err
	}
	s.pipe.SetRoster(snap)
	return snap.Len(), nil
}

// Submit hands a frame to the worker. Without a session the frame is released immediately.
func (s *Scheduler) Submit(f *types.Frame) bool {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		f.Release()
		return false
	}
	return q.Offer(f)
}

func (s *Scheduler) Session() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return Session{}, false
	}
	return *s.session, true
}

// Close ends the session if one is running.
func (s *Scheduler) Close(ctx context.Context) error {
	if _, err := s.EndSession(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}

func (s *Scheduler) startWorkerLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.queue = NewConflated()
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.session, s.queue, s.done)
}

// detachWorkerLocked stops Submit from reaching the worker. Called with s.mu held.
func (s *Scheduler) detachWorkerLocked() (*Conflated, context.CancelFunc, chan struct{}) {
	q, cancel, done := s.queue, s.cancel, s.done
	s.queue, s.cancel, s.done = nil, nil, nil
	return q, cancel, done
}

func stopWorker(ctx context.Context, q *Conflated, cancel context.CancelFunc, done chan struct{}) error {
	if q == nil {
		return nil
	}
	q.Close()
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker did not stop: %w", ctx.Err())
	}
}

// awaitEnd blocks until a session that is ending has cleared its state and its worker has exited.
func (s *Scheduler) awaitEnd(ctx context.Context) error {
	s.mu.Lock()
	ending, draining := s.ending, s.draining
	s.mu.Unlock()
	for _, ch := range []chan struct{}{ending, draining} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrSessionEnding, ctx.Err())
		}
	}
	return nil
}

func closed(ch chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// resetLocked clears recognition state. Called with s.mu held.
func (s *Scheduler) resetLocked(endOfSession bool) {
	s.locks = make(map[int]*Lock)
	s.lastMarked = make(map[string]time.Time)
	s.lastProcessed = time.Time{}
	s.view = frameView{}
	if endOfSession {
		s.confirmedIDs = make(map[string]confirmed)
		s.inFlight = make(map[string]bool)
		s.stats = stats{}
	}
}

func (s *Scheduler) loop(ctx context.Context, sess *Session, q *Conflated, done chan struct{}) {
	defer close(done)
	for {
		f, ok := q.Take(ctx)
		if !ok {
			return
		}
		s.handle(ctx, sess, f)
	}
}

// handle processes one frame for sess. Results are dropped if sess has ended or the course
// was switched while the frame was in flight.
func (s *Scheduler) handle(ctx context.Context, sess *Session, f *types.Frame) {
	defer f.Release()
	if f.Image == nil {
		return
	}

	now := s.now()
	s.mu.Lock()
	if s.session != sess {
		s.mu.Unlock()
		return
	}
	interval := s.pipe.Tuning().FrameInterval(s.power)
	if !s.lastProcessed.IsZero() && now.Sub(s.lastProcessed) < interval {
		s.stats.skipped++
		s.mu.Unlock()
		return
	}
	s.lastProcessed = now
	epoch := s.epoch
	reset := s.resetPending
	s.resetPending = false
	s.mu.Unlock()

	if reset {
		s.pipe.Reset()
	}
	res := s.pipe.ProcessFrame(f.Image)

	s.mu.Lock()
	if s.session != sess || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	t := s.pipe.Tuning()
	s.applyLocks(res, now, t.Scheduling)
	s.stats.observe(now, res.Elapsed)
	s.view = s.buildView(res)
	candidates := s.autoCandidates(now, t)
	s.mu.Unlock()

	for _, c := range candidates {
		if _, err := s.confirm(ctx, sess, c.StudentID, c.Confidence, events.OriginAuto); err != nil {
			s.log.Debug("auto-confirm skipped", "student", c.StudentID, "err", err)
		}
	}
}

// Confirm marks a student present on the operator's request.
func (s *Scheduler) Confirm(ctx context.Context, studentID string) (*events.Confirmation, error) {
	s.mu.Lock()
	sess := s.session
	conf := 1.0
	for _, r := range s.view.recognized {
		if r.StudentID == studentID {
			conf = r.Confidence
		}
	}
	s.mu.Unlock()
	return s.confirm(ctx, sess, studentID, conf, events.OriginManual)
}

func (s *Scheduler) confirm(ctx context.Context, sess *Session, studentID string, confidence float64, origin events.Origin) (*events.Confirmation, error) {
	s.mu.Lock()
	if sess == nil || s.session != sess {
		s.mu.Unlock()
		return nil, ErrNoSession
	}
	now := s.now()
	t := s.pipe.Tuning().Scheduling
	cooldown := t.ConfirmCooldown
	if origin == events.OriginAuto {
		cooldown = t.AutoConfirmCooldown
	}
	if last, ok := s.lastMarked[studentID]; ok && now.Sub(last) < cooldown {
		s.mu.Unlock()
		return nil, ErrCooldown
	}
	if _, ok := s.confirmedIDs[studentID]; ok {
		s.mu.Unlock()
		return nil, ErrAlreadyConfirmed
	}
	if s.inFlight[studentID] {
		s.mu.Unlock()
		return nil, ErrInFlight
	}
	s.inFlight[studentID] = true
	c := events.NewConfirmation(s.session.ID, studentID, confidence, now, now, origin)
	s.mu.Unlock()

	err := s.sink.RecordConfirmation(ctx, c)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to record confirmation: %w", err)
	}
	if s.session != sess {
		// Recorded in the outbox under the old session; local state already belongs to the next one.
		return c, nil
	}
	s.lastMarked[studentID] = now
	s.confirmedIDs[studentID] = confirmed{LocalID: c.LocalID, Confidence: confidence, ConfirmedAt: now, Origin: origin}
	s.log.Info("student confirmed", "student", studentID, "origin", origin, "confidence", confidence, "local_id", c.LocalID)
	return c, nil
}

// Undo cancels a student's confirmation unless it was already synced. The cooldown is kept.
func (s *Scheduler) Undo(ctx context.Context, studentID string) error {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return ErrNoSession
	}
	sessionID := s.session.ID
	s.mu.Unlock()

	if err := s.sink.CancelConfirmation(ctx, sessionID, studentID); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.confirmedIDs, studentID)
	s.mu.Unlock()
	s.log.Info("confirmation undone", "student", studentID)
	return nil
}

func (s *Scheduler) autoCandidates(now time.Time, t *config.Tuning) []Recognized {
	if !s.autoConfirm {
		return nil
	}
	qmin := t.EffectiveQualityMin(s.power, s.qualityBase)
	var out []Recognized
	for _, r := range s.view.recognized {
		if r.Confidence < s.autoMinConf || r.Quality < qmin {
			continue
		}
		if last, ok := s.lastMarked[r.StudentID]; ok && now.Sub(last) < t.Scheduling.AutoConfirmCooldown {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *Scheduler) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Settings{
		ThresholdMode:            s.pipe.ThresholdMode(),
		PowerMode:                s.power,
		QualityMin:               s.qualityBase,
		AutoConfirm:              s.autoConfirm,
		AutoConfirmMinConfidence: s.autoMinConf,
	}
}

// ApplySettings validates and applies every field of st.
func (s *Scheduler) ApplySettings(st Settings) error {
	if _, err := config.ParseThresholdMode(string(st.ThresholdMode)); err != nil {
		return err
	}
	if _, err := config.ParsePowerMode(string(st.PowerMode)); err != nil {
		return err
	}
	if st.QualityMin < 0 || st.QualityMin > 1 {
		return fmt.Errorf("quality minimum must be within [0,1], got %f", st.QualityMin)
	}
	if st.AutoConfirmMinConfidence < 0 || st.AutoConfirmMinConfidence > 1 {
		return fmt.Errorf("auto-confirm confidence must be within [0,1], got %f", st.AutoConfirmMinConfidence)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipe.SetThresholdMode(st.ThresholdMode)
	s.power = st.PowerMode
	s.qualityBase = st.QualityMin
	s.autoConfirm = st.AutoConfirm
	s.autoMinConf = st.AutoConfirmMinConfidence
	s.applyQualityMin(s.pipe.Tuning())
	return nil
}

// SetTuning swaps the tuning profile and resets the quality floor to the profile's.
func (s *Scheduler) SetTuning(t *config.Tuning) {
	s.pipe.SetTuning(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qualityBase = t.Quality.MinScore
	s.applyQualityMin(t)
}

func (s *Scheduler) applyQualityMin(t *config.Tuning) {
	s.pipe.SetQualityMin(t.EffectiveQualityMin(s.power, s.qualityBase))
}

// Tuning returns the active tuning profile. Callers must not mutate it.
func (s *Scheduler) Tuning() *config.Tuning { return s.pipe.Tuning() }
