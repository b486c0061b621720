package scheduler

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/events"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Lock pins a track to an identity so the label does not flicker between candidates.
type Lock struct {
	StudentID string
	Distance  float64
	LockedAt  time.Time
	LastSeen  time.Time
}

// applyLocks updates identity locks from one frame. Called with s.mu held.
func (s *Scheduler) applyLocks(res pipeline.FrameResult, now time.Time, t config.SchedulingTuning) {
	present := make(map[int]bool, len(res.Tracks))
	for _, tr := range res.Tracks {
		present[tr.TrackID] = true
	}
	for id, l := range s.locks {
		if !present[id] && now.Sub(l.LastSeen) > t.LockExpiry {
			delete(s.locks, id)
		}
	}

	for _, tr := range res.Tracks {
		l := s.locks[tr.TrackID]
		if l != nil {
			l.LastSeen = now
		}
		if tr.Status != pipeline.StatusConfirmed {
			continue
		}
		switch {
		case l == nil:
			s.locks[tr.TrackID] = &Lock{StudentID: tr.StudentID, Distance: tr.Distance, LockedAt: now, LastSeen: now}
		case l.StudentID == tr.StudentID:
			l.Distance = tr.Distance
		case now.Sub(l.LockedAt) >= t.LockStability || tr.Distance <= l.Distance-t.LockSwitchDelta:
			s.log.Debug("lock switched", "track", tr.TrackID, "from", l.StudentID, "to", tr.StudentID)
			*l = Lock{StudentID: tr.StudentID, Distance: tr.Distance, LockedAt: now, LastSeen: now}
		}
	}
}

// Recognized is a locked identity visible in the latest frame.
type Recognized struct {
	StudentID  string  `json:"studentId"`
	Name       string  `json:"name"`
	TrackID    int     `json:"trackId"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"`
	Quality    float64 `json:"quality"`
}

type OverlayItem struct {
	TrackID int       `json:"trackId"`
	Box     types.Box `json:"box"`
	Label   string    `json:"label"`
	Locked  bool      `json:"locked"`
}

type ConfirmedStudent struct {
	StudentID   string        `json:"studentId"`
	Name        string        `json:"name"`
	LocalID     string        `json:"localId"`
	Confidence  float64       `json:"confidence"`
	ConfirmedAt time.Time     `json:"confirmedAt"`
	Origin      events.Origin `json:"origin"`
}

// State is a copy of everything the operator surface shows.
type State struct {
	Session    *Session           `json:"session,omitempty"`
	Overlay    []OverlayItem      `json:"overlay"`
	Recognized []Recognized       `json:"recognized"`
	Confirmed  []ConfirmedStudent `json:"confirmed"`
	Settings   Settings           `json:"settings"`
	FPS        float64            `json:"fps"`
	MsPerFrame float64            `json:"msPerFrame"`
	Frames     int64              `json:"frames"`
	Skipped    int64              `json:"skipped"`
	Dropped    int64              `json:"dropped"`
	Students   int                `json:"students"`
	Degraded   []string           `json:"degraded,omitempty"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

type frameView struct {
	overlay    []OverlayItem
	recognized []Recognized
	at         time.Time
}

// AnalyzingLabel is shown on tracks without a lock.
func AnalyzingLabel(votes, required int) string {
	return fmt.Sprintf("analyzing… %d/%d", votes, required)
}

// buildView derives overlay labels and the recognized set. Called with s.mu held.
func (s *Scheduler) buildView(res pipeline.FrameResult) frameView {
	v := frameView{at: res.At}
	snap := s.pipe.Roster()
	for _, tr := range res.Tracks {
		item := OverlayItem{TrackID: tr.TrackID, Box: tr.Box, Label: AnalyzingLabel(tr.Votes, tr.RequiredVotes)}
		if l := s.locks[tr.TrackID]; l != nil {
			item.Label = l.StudentID
			item.Locked = true
			if _, done := s.confirmedIDs[l.StudentID]; !done {
				v.recognized = append(v.recognized, Recognized{
					StudentID:  l.StudentID,
					Name:       snap.Name(l.StudentID),
					TrackID:    tr.TrackID,
					Distance:   l.Distance,
					Confidence: math.Max(0, math.Min(1, 1-l.Distance)),
					Quality:    tr.Quality,
				})
			}
		}
		v.overlay = append(v.overlay, item)
	}
	return v
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Overlay:    append([]OverlayItem(nil), s.view.overlay...),
		Recognized: append([]Recognized(nil), s.view.recognized...),
		Settings: Settings{
			ThresholdMode:            s.pipe.ThresholdMode(),
			PowerMode:                s.power,
			QualityMin:               s.qualityBase,
			AutoConfirm:              s.autoConfirm,
			AutoConfirmMinConfidence: s.autoMinConf,
		},
		FPS:        s.stats.fps,
		MsPerFrame: s.stats.msPerFrame,
		Frames:     s.stats.frames,
		Skipped:    s.stats.skipped,
		Students:   s.pipe.Roster().Len(),
		Degraded:   s.pipe.Degraded(),
		UpdatedAt:  s.view.at,
	}
	if s.session != nil {
		sess := *s.session
		st.Session = &sess
	}
	if s.queue != nil {
		st.Dropped = s.queue.Dropped()
	}
	snap := s.pipe.Roster()
	for id, c := range s.confirmedIDs {
		st.Confirmed = append(st.Confirmed, ConfirmedStudent{
			StudentID:   id,
			Name:        snap.Name(id),
			LocalID:     c.LocalID,
			Confidence:  c.Confidence,
			ConfirmedAt: c.ConfirmedAt,
			Origin:      c.Origin,
		})
	}
	sort.Slice(st.Confirmed, func(i, j int) bool { return st.Confirmed[i].ConfirmedAt.Before(st.Confirmed[j].ConfirmedAt) })
	return st
}

// Locks returns a copy of the current identity locks keyed by track id.
func (s *Scheduler) Locks() map[int]Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]Lock, len(s.locks))
	for id, l := range s.locks {
		out[id] = *l
	}
	return out
}

// Student is a roster entry as the operator sees it.
type Student struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Confirmed bool   `json:"confirmed"`
}

// SearchRoster finds students of the running session by name or id, ignoring case and accents.
// An empty query lists the whole roster.
func (s *Scheduler) SearchRoster(query string) ([]Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, ErrNoSession
	}
	snap := s.pipe.Roster()
	ids := snap.Search(query)
	out := make([]Student, 0, len(ids))
	for _, id := range ids {
		_, ok := s.confirmedIDs[id]
		out = append(out, Student{ID: id, Name: snap.Name(id), Confirmed: ok})
	}
	return out, nil
}

type stats struct {
	frames     int64
	skipped    int64
	fps        float64
	msPerFrame float64
	last       time.Time
}

const smoothing = 0.2

func (st *stats) observe(now time.Time, elapsed time.Duration) {
	st.frames++
	ms := float64(elapsed) / float64(time.Millisecond)
	if st.frames == 1 {
		st.msPerFrame = ms
	} else {
		st.msPerFrame += smoothing * (ms - st.msPerFrame)
	}
	if !st.last.IsZero() {
		if dt := now.Sub(st.last).Seconds(); dt > 0 {
			inst := 1 / dt
			if st.fps == 0 {
				st.fps = inst
			} else {
				st.fps += smoothing * (inst - st.fps)
			}
		}
	}
	st.last = now
}
