package tracker

import (
	"sort"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/geometry"
	"github.com/andresmejia3/rollcall/internal/types"
)

type Params struct {
	IoUThreshold     float64
	MaxFramesMissing int
	Window           int
	RequiredMatches  int
}

func ParamsFrom(t config.Tuning) Params {
	return Params{
		IoUThreshold:     t.Tracking.IoUThreshold,
		MaxFramesMissing: t.Tracking.MaxFramesMissing,
		Window:           t.Voting.Window,
		RequiredMatches:  t.Voting.RequiredMatches,
	}
}

// Vote is one frame's opinion about who a track is. An empty StudentID is a null vote.
type Vote struct {
	StudentID string
	Distance  float64
	Quality   float64
	At        time.Time
}

// Track follows one face across frames.
type Track struct {
	ID                int
	Box               types.Box
	FramesSinceUpdate int
	votes             *ring
}

// Assignment pairs a detection (by input index) with the track it was attributed to.
type Assignment struct {
	Detection int
	TrackID   int
	New       bool
}

// VotingState summarizes a track's recent votes.
type VotingState struct {
	TrackID      int
	Box          types.Box
	StudentID    string // most supported non-null candidate, empty if none
	Support      int
	MeanDistance float64
	LastQuality  float64
	Votes        int
	Confirmed    bool
}

// Tracker associates detections to tracks by IoU and accumulates votes per track.
// It is not safe for concurrent use; the frame loop owns it.
type Tracker struct {
	params Params
	tracks []*Track // creation order
	nextID int
}

func New(p Params) *Tracker {
	return &Tracker{params: sanitize(p)}
}

func sanitize(p Params) Params {
	if p.Window < 1 {
		p.Window = 1
	}
	if p.RequiredMatches < 1 {
		p.RequiredMatches = 1
	}
	if p.MaxFramesMissing < 0 {
		p.MaxFramesMissing = 0
	}
	return p
}

func (t *Tracker) Params() Params { return t.params }

// SetParams applies new thresholds. Vote rings are resized keeping the newest votes.
func (t *Tracker) SetParams(p Params) {
	p = sanitize(p)
	if p.Window != t.params.Window {
		for _, tr := range t.tracks {
			tr.votes.resize(p.Window)
		}
	}
	t.params = p
}

type pair struct {
	det, track int // indices into dets and t.tracks
	iou        float64
}

// Update associates dets with existing tracks and returns one assignment per detection, in order.
func (t *Tracker) Update(dets []types.Detection) []Assignment {
	for _, tr := range t.tracks {
		tr.FramesSinceUpdate++
	}

	var pairs []pair
	for di, d := range dets {
		for ti, tr := range t.tracks {
			if iou := geometry.IoU(d.Box, tr.Box); iou > t.params.IoUThreshold {
				pairs = append(pairs, pair{det: di, track: ti, iou: iou})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].iou != pairs[j].iou {
			return pairs[i].iou > pairs[j].iou
		}
		if pairs[i].det != pairs[j].det {
			return pairs[i].det < pairs[j].det
		}
		return pairs[i].track < pairs[j].track
	})

	out := make([]Assignment, len(dets))
	detUsed := make([]bool, len(dets))
	trackUsed := make([]bool, len(t.tracks))
	for _, p := range pairs {
		if detUsed[p.det] || trackUsed[p.track] {
			continue
		}
		detUsed[p.det], trackUsed[p.track] = true, true
		tr := t.tracks[p.track]
		tr.Box = dets[p.det].Box
		tr.FramesSinceUpdate = 0
		out[p.det] = Assignment{Detection: p.det, TrackID: tr.ID}
	}

	for di, d := range dets {
		if detUsed[di] {
			continue
		}
		tr := &Track{ID: t.nextID, Box: d.Box, votes: newRing(t.params.Window)}
		t.nextID++
		t.tracks = append(t.tracks, tr)
		out[di] = Assignment{Detection: di, TrackID: tr.ID, New: true}
	}

	kept := t.tracks[:0]
	for _, tr := range t.tracks {
		if tr.FramesSinceUpdate <= t.params.MaxFramesMissing {
			kept = append(kept, tr)
		}
	}
	for i := len(kept); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = kept

	return out
}

// Vote records a vote for a track. Unknown ids are ignored.
func (t *Tracker) Vote(trackID int, studentID string, distance, quality float64, at time.Time) {
	tr := t.find(trackID)
	if tr == nil {
		return
	}
	tr.votes.push(Vote{StudentID: studentID, Distance: distance, Quality: quality, At: at})
}

// VotingStates evaluates every live track in creation order.
func (t *Tracker) VotingStates(threshold float64) []VotingState {
	out := make([]VotingState, 0, len(t.tracks))
	for _, tr := range t.tracks {
		out = append(out, t.state(tr, threshold))
	}
	return out
}

func (t *Tracker) state(tr *Track, threshold float64) VotingState {
	votes := tr.votes.items()
	st := VotingState{TrackID: tr.ID, Box: tr.Box, Votes: len(votes)}
	if len(votes) == 0 {
		return st
	}
	st.LastQuality = votes[len(votes)-1].Quality

	counts := make(map[string]int)
	var order []string
	for _, v := range votes {
		if v.StudentID == "" {
			continue
		}
		if counts[v.StudentID] == 0 {
			order = append(order, v.StudentID)
		}
		counts[v.StudentID]++
	}
	for _, id := range order {
		if counts[id] > st.Support {
			st.StudentID, st.Support = id, counts[id]
		}
	}
	if st.StudentID == "" {
		return st
	}

	var sum float64
	for _, v := range votes {
		if v.StudentID == st.StudentID {
			sum += v.Distance
		}
	}
	st.MeanDistance = sum / float64(st.Support)
	st.Confirmed = st.Support >= t.params.RequiredMatches && st.MeanDistance <= threshold
	return st
}

// Active returns the live track ids in creation order.
func (t *Tracker) Active() []int {
	ids := make([]int, len(t.tracks))
	for i, tr := range t.tracks {
		ids[i] = tr.ID
	}
	return ids
}

// Clear drops all tracks and restarts id numbering.
func (t *Tracker) Clear() {
	t.tracks = nil
	t.nextID = 0
}

func (t *Tracker) find(id int) *Track {
	for _, tr := range t.tracks {
		if tr.ID == id {
			return tr
		}
	}
	return nil
}
