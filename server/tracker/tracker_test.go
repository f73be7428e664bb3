package tracker

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/gate-counter/server/models"
)

func det(label uint32, minX, minY, maxX, maxY int) models.Detection {
	box := models.Box{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
	return models.Detection{
		Label: label,
		Box:   box,
		Centroid: models.Point{
			X: float64(minX+maxX) / 2,
			Y: float64(minY+maxY) / 2,
		},
		Area: box.Area(),
	}
}

func newTracker(t *testing.T, mutate func(*Config)) *Tracker {
	t.Helper()
	config := DefaultConfig()
	if mutate != nil {
		mutate(&config)
	}
	tr, err := New(config)
	require.NoError(t, err)
	return tr
}

func kinds(events []models.LifecycleEvent) []models.EventKind {
	out := make([]models.EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, 30.0, config.MatchDistance)
	assert.Equal(t, uint32(10), config.InactiveThreshold)
	assert.Equal(t, uint32(0), config.ActiveThreshold)
	assert.Equal(t, MetricBox, config.Metric)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero match distance", func(c *Config) { c.MatchDistance = 0 }},
		{"negative match distance", func(c *Config) { c.MatchDistance = -1 }},
		{"zero inactive threshold", func(c *Config) { c.InactiveThreshold = 0 }},
		{"negative max cells", func(c *Config) { c.MaxCells = -1 }},
		{"unknown metric", func(c *Config) { c.Metric = "iou" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			_, err := New(config)
			assert.Error(t, err)
		})
	}
}

func TestUpdate_AppearAssignsIncreasingIDs(t *testing.T) {
	tr := newTracker(t, nil)

	events, err := tr.Update([]models.Detection{
		det(1, 0, 0, 10, 10),
		det(2, 200, 200, 220, 220),
	})
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, models.EventAppear, events[0].Kind)
	assert.Equal(t, uint64(1), events[0].Track.ID)
	assert.Equal(t, uint32(1), events[0].Track.Label)
	assert.Equal(t, models.EventAppear, events[1].Kind)
	assert.Equal(t, uint64(2), events[1].Track.ID)

	tracks := tr.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, uint32(1), tracks[0].Lifetime)
	assert.Equal(t, uint32(1), tracks[0].Active)
	assert.Equal(t, uint32(0), tracks[0].Inactive)
}

func TestUpdate_TracedFollowsDetection(t *testing.T) {
	tr := newTracker(t, nil)

	_, err := tr.Update([]models.Detection{det(1, 100, 100, 120, 140)})
	require.NoError(t, err)

	moved := det(7, 105, 110, 125, 150)
	events, err := tr.Update([]models.Detection{moved})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, models.EventTraced, events[0].Kind)
	assert.Equal(t, uint64(1), events[0].Track.ID)
	assert.Equal(t, uint32(7), events[0].Track.Label)
	assert.Equal(t, moved.Box, events[0].Track.Box)
	assert.Equal(t, moved.Centroid, events[0].Track.Centroid)

	tracks := tr.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, uint32(2), tracks[0].Lifetime)
	assert.Equal(t, uint32(2), tracks[0].Active)
}

func TestUpdate_ManyToOne(t *testing.T) {
	tr := newTracker(t, nil)

	_, err := tr.Update([]models.Detection{det(1, 100, 100, 120, 140)})
	require.NoError(t, err)

	small := det(2, 100, 100, 110, 140)
	large := det(3, 110, 100, 125, 140)
	events, err := tr.Update([]models.Detection{small, large})
	require.NoError(t, err)

	if diff := cmp.Diff([]models.EventKind{models.EventTraced}, kinds(events)); diff != "" {
		t.Fatalf("unexpected events (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(1), events[0].Track.ID)
	assert.Equal(t, large.Label, events[0].Track.Label)
	assert.Equal(t, large.Centroid, events[0].Track.Centroid)
	assert.Equal(t, 1, tr.Len())
}

func TestUpdate_SplitTrackSuppression(t *testing.T) {
	tr := newTracker(t, nil)

	_, err := tr.Update([]models.Detection{
		det(1, 0, 0, 10, 10),
		det(2, 100, 0, 140, 40),
	})
	require.NoError(t, err)

	events, err := tr.Update([]models.Detection{det(5, 0, 0, 140, 40)})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, models.EventTraced, events[0].Kind)
	assert.Equal(t, uint64(2), events[0].Track.ID, "larger box survives")

	tracks := tr.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, uint32(1), tracks[0].Inactive)
	assert.Equal(t, uint32(0), tracks[0].Label)
	assert.Equal(t, models.Box{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}, tracks[0].Box, "geometry untouched")
	assert.Equal(t, uint32(0), tracks[1].Inactive)
	assert.Equal(t, uint32(5), tracks[1].Label)
}

func TestUpdate_ZeroAreaClusterKeepsFirst(t *testing.T) {
	tr := newTracker(t, nil)

	// Degenerate point boxes: every track and detection has zero area.
	_, err := tr.Update([]models.Detection{
		det(1, 100, 100, 100, 100),
		det(2, 110, 100, 110, 100),
	})
	require.NoError(t, err)

	first := det(7, 104, 100, 104, 100)
	second := det(8, 106, 100, 106, 100)
	events, err := tr.Update([]models.Detection{first, second})
	require.NoError(t, err)

	if diff := cmp.Diff([]models.EventKind{models.EventTraced}, kinds(events)); diff != "" {
		t.Fatalf("unexpected events (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(1), events[0].Track.ID, "first track survives a tie")
	assert.Equal(t, first.Label, events[0].Track.Label, "first detection adopted on a tie")
	assert.Equal(t, first.Centroid, events[0].Track.Centroid)

	tracks := tr.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, uint32(0), tracks[0].Inactive)
	assert.Equal(t, uint32(1), tracks[1].Inactive)
	assert.Equal(t, uint32(0), tracks[1].Label)
}

func TestUpdate_ChainedCluster(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.Metric = MetricCentroid; c.MatchDistance = 15 })

	// Three tracks in a row, centroids at x=5, 25 and 44.
	_, err := tr.Update([]models.Detection{
		det(1, 0, 0, 10, 10),
		det(2, 20, 0, 30, 10),
		det(3, 36, 0, 52, 16),
	})
	require.NoError(t, err)

	// Detections between neighbours link all three tracks into one cluster.
	events, err := tr.Update([]models.Detection{
		det(4, 6, 0, 16, 10),
		det(5, 26, 0, 36, 12),
	})
	require.NoError(t, err)

	require.Equal(t, []models.EventKind{models.EventTraced}, kinds(events))
	assert.Equal(t, uint64(3), events[0].Track.ID)
	assert.Equal(t, uint32(5), events[0].Track.Label, "largest detection adopted")

	tracks := tr.Tracks()
	assert.Equal(t, uint32(1), tracks[0].Inactive)
	assert.Equal(t, uint32(1), tracks[1].Inactive)
	assert.Equal(t, uint32(0), tracks[2].Inactive)
}

func TestUpdate_PruneAfterInactiveThreshold(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.InactiveThreshold = 3 })

	_, err := tr.Update([]models.Detection{det(1, 0, 0, 10, 10)})
	require.NoError(t, err)

	for frame := 1; frame <= 2; frame++ {
		events, err := tr.Update(nil)
		require.NoError(t, err)
		assert.Empty(t, events, "frame %d", frame)
		assert.Equal(t, 1, tr.Len())
	}

	events, err := tr.Update(nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDisappear, events[0].Kind)
	assert.Equal(t, uint64(1), events[0].Track.ID)
	assert.Equal(t, uint32(3), events[0].Track.Inactive)
	assert.Equal(t, 0, tr.Len())

	events, err = tr.Update(nil)
	require.NoError(t, err)
	assert.Empty(t, events, "pruned exactly once")
}

func TestUpdate_ActiveThresholdDropsShortLivedTracks(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.ActiveThreshold = 5 })

	_, err := tr.Update([]models.Detection{det(1, 0, 0, 10, 10)})
	require.NoError(t, err)
	_, err = tr.Update([]models.Detection{det(1, 0, 0, 10, 10)})
	require.NoError(t, err)

	events, err := tr.Update(nil)
	require.NoError(t, err)
	require.Equal(t, []models.EventKind{models.EventDisappear}, kinds(events))
	assert.Equal(t, uint32(2), events[0].Track.Active)
}

func TestUpdate_ReacquiredTrackRestartsActive(t *testing.T) {
	tr := newTracker(t, nil)
	d := det(1, 0, 0, 10, 10)

	_, err := tr.Update([]models.Detection{d})
	require.NoError(t, err)
	_, err = tr.Update([]models.Detection{d})
	require.NoError(t, err)
	_, err = tr.Update(nil)
	require.NoError(t, err)

	tracks := tr.Tracks()
	assert.Equal(t, uint32(2), tracks[0].Active)
	assert.Equal(t, uint32(1), tracks[0].Inactive)
	assert.Equal(t, uint32(0), tracks[0].Label)

	events, err := tr.Update([]models.Detection{d})
	require.NoError(t, err)
	require.Equal(t, []models.EventKind{models.EventTraced}, kinds(events))

	tracks = tr.Tracks()
	assert.Equal(t, uint32(1), tracks[0].Active)
	assert.Equal(t, uint32(0), tracks[0].Inactive)
	assert.Equal(t, uint32(4), tracks[0].Lifetime)
}

func TestUpdate_TableTooLargeLeavesStateUntouched(t *testing.T) {
	tr := newTracker(t, func(c *Config) { c.MaxCells = 4 })

	_, err := tr.Update([]models.Detection{det(1, 0, 0, 10, 10), det(2, 100, 100, 110, 110)})
	require.NoError(t, err)
	before := tr.Tracks()

	events, err := tr.Update([]models.Detection{
		det(3, 0, 0, 10, 10),
		det(4, 100, 100, 110, 110),
		det(5, 300, 300, 310, 310),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTableTooLarge))
	assert.Nil(t, events)

	if diff := cmp.Diff(before, tr.Tracks()); diff != "" {
		t.Errorf("tracks changed after failed update (-before +after):\n%s", diff)
	}

	events, err = tr.Update([]models.Detection{det(3, 0, 0, 10, 10)})
	require.NoError(t, err)
	assert.Equal(t, []models.EventKind{models.EventTraced}, kinds(events))
}

func TestReset_KeepsIdentifiersIncreasing(t *testing.T) {
	tr := newTracker(t, nil)

	_, err := tr.Update([]models.Detection{det(1, 0, 0, 10, 10)})
	require.NoError(t, err)

	tr.Reset()
	assert.Equal(t, 0, tr.Len())

	events, err := tr.Update([]models.Detection{det(1, 0, 0, 10, 10)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].Track.ID)
}

func TestReconfigure(t *testing.T) {
	tr := newTracker(t, nil)
	_, err := tr.Update([]models.Detection{det(1, 0, 0, 10, 10)})
	require.NoError(t, err)

	bad := DefaultConfig()
	bad.MatchDistance = 0
	require.Error(t, tr.Reconfigure(bad))
	assert.Equal(t, 1, tr.Len(), "invalid config leaves tracks alone")

	good := DefaultConfig()
	good.Metric = MetricCentroid
	require.NoError(t, tr.Reconfigure(good))
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, MetricCentroid, tr.Config().Metric)
}

// Random walks of blobs that appear, move, split and vanish must always
// yield appear, traced*, disappear per id with strictly increasing ids.
func TestUpdate_LifecycleInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tr := newTracker(t, func(c *Config) { c.InactiveThreshold = 3 })

	const (
		stateNone = iota
		stateLive
		stateGone
	)
	state := map[uint64]int{}
	var lastAppear uint64

	for frame := 0; frame < 500; frame++ {
		n := rng.Intn(6)
		dets := make([]models.Detection, 0, n)
		for i := 0; i < n; i++ {
			x, y := rng.Intn(300), rng.Intn(220)
			w, h := 5+rng.Intn(30), 5+rng.Intn(30)
			dets = append(dets, det(uint32(i+1), x, y, x+w, y+h))
		}

		events, err := tr.Update(dets)
		require.NoError(t, err)

		seen := map[uint64]bool{}
		for _, e := range events {
			id := e.Track.ID
			require.False(t, seen[id], "frame %d: more than one event for track %d", frame, id)
			seen[id] = true

			switch e.Kind {
			case models.EventAppear:
				require.Equal(t, stateNone, state[id], "frame %d: appear for known track %d", frame, id)
				require.Greater(t, id, lastAppear)
				lastAppear = id
				state[id] = stateLive
			case models.EventTraced:
				require.Equal(t, stateLive, state[id], "frame %d: traced before appear for %d", frame, id)
			case models.EventDisappear:
				require.Equal(t, stateLive, state[id], "frame %d: disappear for %d", frame, id)
				state[id] = stateGone
			}
		}
	}

	live := 0
	for _, s := range state {
		if s == stateLive {
			live++
		}
	}
	assert.Equal(t, live, tr.Len())
}

type recorder struct {
	calls []string
}

func (r *recorder) Appear(t *models.Track)    { r.calls = append(r.calls, "appear") }
func (r *recorder) Traced(t *models.Track)    { r.calls = append(r.calls, "traced") }
func (r *recorder) Disappear(t *models.Track) { r.calls = append(r.calls, "disappear") }

func TestDispatch(t *testing.T) {
	rec := &recorder{}
	Dispatch([]models.LifecycleEvent{
		{Kind: models.EventAppear},
		{Kind: models.EventTraced},
		{Kind: models.EventDisappear},
	}, rec)

	assert.Equal(t, []string{"appear", "traced", "disappear"}, rec.calls)
}
