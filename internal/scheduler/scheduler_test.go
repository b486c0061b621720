package scheduler

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/events"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/roster"
	"github.com/andresmejia3/rollcall/internal/types"
)

type fakeDetector struct{ dets []types.Detection }

func (f *fakeDetector) Detect(image.Image) []types.Detection { return f.dets }
func (f *fakeDetector) Close() error                         { return nil }

type fakeRecognizer struct{ vec []float32 }

func (f *fakeRecognizer) Embed(image.Image) []float32 { return f.vec }
func (f *fakeRecognizer) Close() error                { return nil }

type fakeRosters struct{ err error }

func (f *fakeRosters) Get(_ context.Context, courseID string, _ bool) (*roster.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return roster.NewSnapshot(courseID, []roster.Entry{
		{StudentID: "A", Name: "Alice", Descriptor: []float32{1, 0}},
		{StudentID: "B", Name: "Bob", Descriptor: []float32{0, 1}},
	}), nil
}

type fakeSink struct {
	mu       sync.Mutex
	records  []*events.Confirmation
	sent     map[string]bool
	recorded chan *events.Confirmation
}

func newFakeSink() *fakeSink {
	return &fakeSink{sent: make(map[string]bool), recorded: make(chan *events.Confirmation, 16)}
}

func (f *fakeSink) RecordConfirmation(_ context.Context, c *events.Confirmation) error {
	f.mu.Lock()
	f.records = append(f.records, c)
	f.mu.Unlock()
	f.recorded <- c
	return nil
}

func (f *fakeSink) CancelConfirmation(_ context.Context, _, studentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent[studentID] {
		return events.ErrAlreadySent
	}
	return nil
}

func unitAt(d float64) []float32 {
	c := 1 - d
	return []float32{float32(c), float32(math.Sqrt(1 - c*c))}
}

func texturedFrame() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			v := uint8(60)
			if (x+y)%2 == 0 {
				v = 190
			}
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func newTestScheduler(opts Options) (*Scheduler, *fakeSink) {
	det := &fakeDetector{dets: []types.Detection{{Box: types.Box{X1: 200, Y1: 100, X2: 400, Y2: 300}, Score: 0.9}}}
	pipe := pipeline.New(det, &fakeRecognizer{vec: unitAt(0.1)}, config.DefaultTuning(), pipeline.Options{})
	sink := newFakeSink()
	return New(pipe, &fakeRosters{}, sink, opts), sink
}

func confirmedTrack(id int, student string, dist float64) pipeline.TrackRecognition {
	return pipeline.TrackRecognition{TrackID: id, StudentID: student, Distance: dist, Status: pipeline.StatusConfirmed}
}

func TestIdentityLock(t *testing.T) {
	s, _ := newTestScheduler(Options{})
	sched := config.DefaultTuning().Scheduling
	t0 := time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)
	frame := func(at time.Duration, tracks ...pipeline.TrackRecognition) {
		s.applyLocks(pipeline.FrameResult{Tracks: tracks}, t0.Add(at), sched)
	}

	frame(0, confirmedTrack(0, "S1", 0.30))
	if l := s.locks[0]; l == nil || l.StudentID != "S1" {
		t.Fatalf("Expected lock on S1, got %+v", l)
	}

	// Slightly better S2 inside the stability window does not switch
	frame(500*time.Millisecond, confirmedTrack(0, "S2", 0.28))
	if s.locks[0].StudentID != "S1" {
		t.Errorf("Lock switched to %s without enough evidence", s.locks[0].StudentID)
	}

	// Worse S2 does not switch either
	frame(time.Second, confirmedTrack(0, "S2", 0.35))
	if s.locks[0].StudentID != "S1" {
		t.Errorf("Lock switched to a worse candidate")
	}

	// Better by at least the switch delta switches immediately
	frame(1200*time.Millisecond, confirmedTrack(0, "S2", 0.23))
	if l := s.locks[0]; l.StudentID != "S2" || l.Distance != 0.23 {
		t.Errorf("Expected switch to S2, got %+v", l)
	}

	// Once stable long enough any confirmed candidate may take over
	frame(1200*time.Millisecond+sched.LockStability, confirmedTrack(0, "S1", 0.4))
	if s.locks[0].StudentID != "S1" {
		t.Errorf("Expected switch after the stability period, got %s", s.locks[0].StudentID)
	}
}

func TestLockRefreshAndExpiry(t *testing.T) {
	s, _ := newTestScheduler(Options{})
	sched := config.DefaultTuning().Scheduling
	t0 := time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)

	s.applyLocks(pipeline.FrameResult{Tracks: []pipeline.TrackRecognition{confirmedTrack(0, "S1", 0.3)}}, t0, sched)
	s.applyLocks(pipeline.FrameResult{Tracks: []pipeline.TrackRecognition{confirmedTrack(0, "S1", 0.2)}}, t0.Add(100*time.Millisecond), sched)
	if s.locks[0].Distance != 0.2 {
		t.Errorf("Same identity should refresh the distance, got %v", s.locks[0].Distance)
	}

	// An analyzing track keeps its lock alive
	analyzing := pipeline.TrackRecognition{TrackID: 0, Status: pipeline.StatusAnalyzing}
	s.applyLocks(pipeline.FrameResult{Tracks: []pipeline.TrackRecognition{analyzing}}, t0.Add(3*time.Second), sched)
	if l := s.locks[0]; l == nil || l.StudentID != "S1" {
		t.Fatal("Lock must survive while its track is visible")
	}

	s.applyLocks(pipeline.FrameResult{}, t0.Add(4*time.Second), sched)
	if s.locks[0] == nil {
		t.Fatal("Lock pruned before expiry")
	}
	s.applyLocks(pipeline.FrameResult{}, t0.Add(5*time.Second+time.Millisecond), sched)
	if s.locks[0] != nil {
		t.Error("Lock should expire once its track is gone")
	}
}

func TestOverlayLabels(t *testing.T) {
	s, _ := newTestScheduler(Options{})
	s.locks[1] = &Lock{StudentID: "A", Distance: 0.2}
	v := s.buildView(pipeline.FrameResult{Tracks: []pipeline.TrackRecognition{
		{TrackID: 0, Votes: 2, RequiredVotes: 4, Status: pipeline.StatusAnalyzing},
		{TrackID: 1, Votes: 5, RequiredVotes: 4, Status: pipeline.StatusConfirmed, StudentID: "A", Quality: 0.9},
	}})
	if v.overlay[0].Label != "analyzing… 2/4" || v.overlay[0].Locked {
		t.Errorf("overlay[0] = %+v", v.overlay[0])
	}
	if v.overlay[1].Label != "A" || !v.overlay[1].Locked {
		t.Errorf("overlay[1] = %+v", v.overlay[1])
	}
	if len(v.recognized) != 1 || math.Abs(v.recognized[0].Confidence-0.8) > 1e-9 {
		t.Errorf("recognized = %+v", v.recognized)
	}
}

func TestConflated(t *testing.T) {
	q := NewConflated()
	var released []int
	frame := func(n int) *types.Frame {
		return types.NewFrame(image.NewRGBA(image.Rect(0, 0, 1, 1)), time.Now(), func() { released = append(released, n) })
	}

	q.Offer(frame(1))
	q.Offer(frame(2))
	if len(released) != 1 || released[0] != 1 {
		t.Fatalf("Displaced frame should be released, got %v", released)
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", q.Dropped())
	}

	f, ok := q.Take(context.Background())
	if !ok {
		t.Fatal("Take() failed")
	}
	f.Release()
	if len(released) != 2 || released[1] != 2 {
		t.Errorf("released = %v", released)
	}

	q.Offer(frame(3))
	q.Close()
	if len(released) != 3 || released[2] != 3 {
		t.Errorf("Close should release the pending frame, got %v", released)
	}
	if q.Offer(frame(4)) {
		t.Error("Offer after Close must fail")
	}
	if len(released) != 4 {
		t.Error("Frames offered after Close must be released")
	}
	if _, ok := q.Take(context.Background()); ok {
		t.Error("Take after Close must fail")
	}
}

func TestConflatedTakeHonorsContext(t *testing.T) {
	q := NewConflated()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := q.Take(ctx); ok {
		t.Error("Take should give up when ctx is done")
	}
}

func TestConfirmRules(t *testing.T) {
	ctx := context.Background()
	s, sink := newTestScheduler(Options{})
	now := time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	if _, err := s.Confirm(ctx, "A"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Confirm without session = %v, want ErrNoSession", err)
	}

	if _, err := s.StartSession(ctx, "sess-1", "c1"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	defer s.Close(ctx)

	c, err := s.Confirm(ctx, "A")
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if c.SessionID != "sess-1" || c.Origin != events.OriginManual || c.Source != "edge" {
		t.Errorf("Confirmation = %+v", c)
	}

	if _, err := s.Confirm(ctx, "A"); !errors.Is(err, ErrCooldown) {
		t.Errorf("Second confirm = %v, want ErrCooldown", err)
	}

	now = now.Add(31 * time.Second)
	if _, err := s.Confirm(ctx, "A"); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Errorf("Confirm after cooldown = %v, want ErrAlreadyConfirmed", err)
	}

	if err := s.Undo(ctx, "A"); err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if _, err := s.Confirm(ctx, "A"); err != nil {
		t.Errorf("Confirm after undo = %v", err)
	}

	sink.sent["A"] = true
	if err := s.Undo(ctx, "A"); !errors.Is(err, events.ErrAlreadySent) {
		t.Errorf("Undo of a sent row = %v, want ErrAlreadySent", err)
	}

	s.mu.Lock()
	s.inFlight["B"] = true
	s.mu.Unlock()
	if _, err := s.Confirm(ctx, "B"); !errors.Is(err, ErrInFlight) {
		t.Errorf("Concurrent confirm = %v, want ErrInFlight", err)
	}

	if st := s.State(); len(st.Confirmed) != 1 || st.Confirmed[0].StudentID != "A" {
		t.Errorf("State().Confirmed = %+v", st.Confirmed)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(Options{PowerMode: config.PowerPerformance})

	if s.Submit(types.NewFrame(texturedFrame(), time.Now(), nil)) {
		t.Error("Submit without a session must drop the frame")
	}
	if _, err := s.EndSession(ctx); !errors.Is(err, ErrNoSession) {
		t.Errorf("EndSession without session = %v", err)
	}

	if _, err := s.StartSession(ctx, "", "c1"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := s.StartSession(ctx, "", "c1"); !errors.Is(err, ErrSessionActive) {
		t.Errorf("Second StartSession = %v, want ErrSessionActive", err)
	}

	waitFor(t, func() bool {
		s.Submit(types.NewFrame(texturedFrame(), time.Now(), nil))
		return len(s.Locks()) == 1
	})
	if st := s.State(); st.Students != 2 || st.Session == nil || st.Overlay[0].Label != "A" {
		t.Errorf("State() = %+v", st)
	}

	sum, err := s.EndSession(ctx)
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if sum.Frames < 4 || sum.CourseID != "c1" || sum.ID == "" {
		t.Errorf("Summary = %+v", sum)
	}
	if len(s.Locks()) != 0 {
		t.Error("EndSession must clear locks")
	}
	if st := s.State(); st.Session != nil || len(st.Overlay) != 0 || st.Frames != 0 || st.Students != 0 {
		t.Errorf("State after end = %+v", st)
	}

	// A new session starts tracking from scratch
	if _, err := s.StartSession(ctx, "", "c2"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	defer s.Close(ctx)
	waitFor(t, func() bool {
		s.Submit(types.NewFrame(texturedFrame(), time.Now(), nil))
		return len(s.State().Overlay) == 1
	})
	if id := s.State().Overlay[0].TrackID; id != 0 {
		t.Errorf("Track ids should restart at 0, got %d", id)
	}
}

// gateDetector blocks inside its first Detect call until released.
type gateDetector struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	dets    []types.Detection
}

func newGateDetector() *gateDetector {
	return &gateDetector{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		dets:    []types.Detection{{Box: types.Box{X1: 200, Y1: 100, X2: 400, Y2: 300}, Score: 0.9}},
	}
}

func (g *gateDetector) Detect(image.Image) []types.Detection {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.dets
}

func (g *gateDetector) Close() error { return nil }

// startBlocked starts a session and parks its worker inside the detector.
func startBlocked(t *testing.T, sessionID string) (*Scheduler, *pipeline.Pipeline, *gateDetector) {
	t.Helper()
	det := newGateDetector()
	pipe := pipeline.New(det, &fakeRecognizer{vec: unitAt(0.1)}, config.DefaultTuning(), pipeline.Options{})
	s := New(pipe, &fakeRosters{}, newFakeSink(), Options{PowerMode: config.PowerPerformance})
	if _, err := s.StartSession(context.Background(), sessionID, "c1"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	s.Submit(types.NewFrame(texturedFrame(), time.Now(), nil))
	select {
	case <-det.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached the detector")
	}
	return s, pipe, det
}

func TestStartSessionWaitsForEnd(t *testing.T) {
	ctx := context.Background()
	s, pipe, det := startBlocked(t, "old")
	defer s.Close(ctx)

	ended := make(chan error, 1)
	go func() {
		_, err := s.EndSession(ctx)
		ended <- err
	}()
	waitFor(t, func() bool {
		_, active := s.Session()
		return !active
	})

	started := make(chan error, 1)
	go func() {
		_, err := s.StartSession(ctx, "new", "c2")
		started <- err
	}()
	select {
	case err := <-started:
		t.Fatalf("StartSession returned %v while the previous session was still ending", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(det.release)
	if err := <-ended; err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if err := <-started; err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	sess, active := s.Session()
	if !active || sess.ID != "new" || sess.CourseID != "c2" {
		t.Fatalf("Session() = %+v, %v", sess, active)
	}
	if r := pipe.Roster(); r.Len() != 2 || r.CourseID != "c2" {
		t.Errorf("New session roster = %d students of %q, want 2 of c2", r.Len(), r.CourseID)
	}
	if n := len(s.Locks()); n != 0 {
		t.Errorf("Frame from the ended session leaked %d locks into the new one", n)
	}
}

func TestEndSessionTimeoutStillClears(t *testing.T) {
	ctx := context.Background()
	s, pipe, det := startBlocked(t, "old")
	defer s.Close(ctx)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := s.EndSession(short); err == nil {
		t.Fatal("Expected EndSession to time out on a stuck worker")
	}
	if _, active := s.Session(); active {
		t.Error("Session must be inactive after a timed out end")
	}
	if st := s.State(); st.Students != 0 || len(st.Overlay) != 0 {
		t.Errorf("State after timed out end = %+v", st)
	}

	short2, cancel2 := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel2()
	if _, err := s.StartSession(short2, "new", "c2"); !errors.Is(err, ErrSessionEnding) {
		t.Errorf("StartSession with a stuck worker = %v, want ErrSessionEnding", err)
	}

	close(det.release)
	if _, err := s.StartSession(ctx, "new", "c2"); err != nil {
		t.Fatalf("StartSession after drain failed: %v", err)
	}
	if r := pipe.Roster(); r.Len() != 2 || r.CourseID != "c2" {
		t.Errorf("Roster = %d students of %q, want 2 of c2", r.Len(), r.CourseID)
	}
	if n := len(s.Locks()); n != 0 {
		t.Errorf("Stale frame leaked %d locks", n)
	}
}

func TestSwitchCourseDropsInFlightFrame(t *testing.T) {
	ctx := context.Background()
	s, pipe, det := startBlocked(t, "sess")
	defer s.Close(ctx)

	if _, err := s.SwitchCourse(ctx, "c2"); err != nil {
		t.Fatalf("SwitchCourse failed: %v", err)
	}
	close(det.release)

	// The next frame resets tracks before it is processed
	waitFor(t, func() bool {
		s.Submit(types.NewFrame(texturedFrame(), time.Now(), nil))
		return len(s.State().Overlay) == 1
	})
	if id := s.State().Overlay[0].TrackID; id != 0 {
		t.Errorf("Tracks should restart after a course switch, got track %d", id)
	}
	if pipe.Roster().CourseID != "c2" {
		t.Errorf("Roster course = %s, want c2", pipe.Roster().CourseID)
	}
}

func TestSwitchCourse(t *testing.T) {
	ctx := context.Background()
	rosters := &fakeRosters{}
	det := &fakeDetector{}
	pipe := pipeline.New(det, &fakeRecognizer{}, config.DefaultTuning(), pipeline.Options{})
	s := New(pipe, rosters, newFakeSink(), Options{})

	if _, err := s.SwitchCourse(ctx, "c2"); !errors.Is(err, ErrNoSession) {
		t.Errorf("SwitchCourse without session = %v", err)
	}
	s.StartSession(ctx, "sess", "c1")
	defer s.Close(ctx)

	rosters.err = errors.New("db down")
	if _, err := s.SwitchCourse(ctx, "c2"); err == nil {
		t.Error("Expected roster error")
	}
	if sess, _ := s.Session(); sess.CourseID != "c1" {
		t.Errorf("Failed switch must keep the old course, got %s", sess.CourseID)
	}

	rosters.err = nil
	sess, err := s.SwitchCourse(ctx, "c2")
	if err != nil || sess.CourseID != "c2" || sess.ID != "sess" {
		t.Errorf("SwitchCourse() = %+v, %v", sess, err)
	}
	if pipe.Roster().CourseID != "c2" {
		t.Errorf("Roster course = %s, want c2", pipe.Roster().CourseID)
	}
}

func TestAutoConfirm(t *testing.T) {
	ctx := context.Background()
	s, sink := newTestScheduler(Options{PowerMode: config.PowerPerformance, AutoConfirm: true})
	s.StartSession(ctx, "sess", "c1")
	defer s.Close(ctx)

	var got *events.Confirmation
	waitFor(t, func() bool {
		s.Submit(types.NewFrame(texturedFrame(), time.Now(), nil))
		select {
		case got = <-sink.recorded:
			return true
		default:
			return false
		}
	})
	if got.StudentID != "A" || got.Origin != events.OriginAuto || math.Abs(got.Confidence-0.9) > 1e-4 {
		t.Errorf("Auto confirmation = %+v", got)
	}
}

func TestSettings(t *testing.T) {
	s, _ := newTestScheduler(Options{})
	if err := s.ApplySettings(Settings{ThresholdMode: "loose", PowerMode: config.PowerEco}); err == nil {
		t.Error("Expected invalid threshold mode to be rejected")
	}
	err := s.ApplySettings(Settings{
		ThresholdMode:            config.ModeStrict,
		PowerMode:                config.PowerEco,
		QualityMin:               0.5,
		AutoConfirm:              true,
		AutoConfirmMinConfidence: 0.8,
	})
	if err != nil {
		t.Fatalf("ApplySettings failed: %v", err)
	}
	if got := s.Settings(); got.ThresholdMode != config.ModeStrict || !got.AutoConfirm || got.QualityMin != 0.5 {
		t.Errorf("Settings() = %+v", got)
	}
	// Eco raises the effective floor to 0.65
	if q := s.pipe.QualityMin(); math.Abs(q-0.65) > 1e-9 {
		t.Errorf("pipeline quality min = %v, want 0.65", q)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSearchRoster(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(Options{})
	if _, err := s.SearchRoster(""); !errors.Is(err, ErrNoSession) {
		t.Errorf("SearchRoster without session = %v", err)
	}

	s.StartSession(ctx, "sess", "c1")
	defer s.Close(ctx)
	if _, err := s.Confirm(ctx, "B"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	all, err := s.SearchRoster("")
	if err != nil || len(all) != 2 {
		t.Fatalf("SearchRoster(\"\") = %+v, %v", all, err)
	}
	got, _ := s.SearchRoster("BOB")
	if len(got) != 1 || got[0].ID != "B" || got[0].Name != "Bob" || !got[0].Confirmed {
		t.Errorf("SearchRoster(BOB) = %+v", got)
	}
}
