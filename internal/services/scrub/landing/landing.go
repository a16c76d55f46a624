// Package landing converts a predicted playhead time and velocity into
// direction-asymmetric target windows kept warm around the scrub position.
package landing

import (
	"math"
	"sort"
	"sync"
	"time"

	"scrubengine/internal/app"
	"scrubengine/internal/domain"
	"scrubengine/internal/domain/ports"
	"scrubengine/internal/metrics"
)

// TimeRange is a half-open [From, To) span of presentation time.
type TimeRange struct {
	From time.Duration `json:"from"`
	To   time.Duration `json:"to"`
}

func (r TimeRange) Empty() bool { return r.To <= r.From }

// Zone is one recomputed landing zone: two windows around the predicted
// time plus how many frames in each are already warm. Not persisted;
// recomputed on every scrub update.
type Zone struct {
	Behind     TimeRange `json:"behind"`
	Ahead      TimeRange `json:"ahead"`
	WarmBehind int       `json:"warmBehind"`
	WarmAhead  int       `json:"warmAhead"`
	Repair     bool      `json:"repair"`
}

// Target is one frame time selected for decode.
type Target struct {
	PTS     time.Duration
	Purpose domain.Purpose
	Urgent  bool
	Behind  bool // earlier than the predicted time
}

// Input is everything one zone computation needs.
type Input struct {
	Clip          domain.ClipInfo
	Current       time.Duration
	Predicted     time.Duration
	Window        time.Duration
	Velocity      float64
	Direction     domain.Direction
	LastDelivered time.Duration
	HaveDelivered bool
}

// Manager computes landing zones and target lists against the frame cache.
// Zone computation is cheap and synchronous; the lock only protects tuning
// updates arriving from the settings surface.
type Manager struct {
	cache ports.FrameCache
	sink  ports.DiagnosticsSink

	mu          sync.RWMutex
	behindShare float64
	budget      int
	repairJump  time.Duration
	repairSpan  time.Duration
}

func NewManager(cache ports.FrameCache, sink ports.DiagnosticsSink, t app.Tuning) *Manager {
	m := &Manager{cache: cache, sink: sink}
	m.SetTuning(t)
	return m
}

func (m *Manager) SetTuning(t app.Tuning) {
	m.mu.Lock()
	m.behindShare = t.BehindShare
	m.budget = t.PrefetchBudget
	m.repairJump = t.RepairJump
	m.repairSpan = t.RepairWindow
	m.mu.Unlock()
}

// Compute builds the zone for one clip and the ordered list of cold frame
// times to decode. Warm frames never appear in the target list.
//
// Asymmetry: when scrubbing backward the behind window gets the large share
// of the budget, because frames behind the target are expensive to reacquire
// once the decoder's forward order has passed them. Forward scrubbing
// mirrors the split.
func (m *Manager) Compute(in Input) (Zone, []Target) {
	m.mu.RLock()
	share, budget := m.behindShare, m.budget
	repairJump, repairSpan := m.repairJump, m.repairSpan
	m.mu.RUnlock()

	window := in.Window
	purpose := domain.PurposeLandingZone
	repair := false

	if in.HaveDelivered && absDur(in.Predicted-in.LastDelivered) > repairJump {
		// Large jump: clamp to a small high-priority window and drop the
		// stale history behind the new target so it is not searched.
		window = repairSpan
		purpose = domain.PurposeRepair
		repair = true
	}

	behindSpan, aheadSpan := split(window, in.Direction, share)

	zone := Zone{
		Behind: clampRange(in.Predicted-behindSpan, in.Predicted, in.Clip.Duration),
		Ahead:  clampRange(in.Predicted, in.Predicted+aheadSpan, in.Clip.Duration),
		Repair: repair,
	}

	if repair {
		m.cache.PruneBefore(in.Clip.ID, zone.Behind.From)
	}

	zone.WarmBehind = m.cache.WarmCount(in.Clip.ID, zone.Behind.From, zone.Behind.To)
	zone.WarmAhead = m.cache.WarmCount(in.Clip.ID, zone.Ahead.From, zone.Ahead.To)

	targets := m.pickTargets(in, zone, purpose, share, budget)

	cold := 0
	for _, t := range targets {
		if t.Behind {
			cold++
		}
	}
	metrics.LandingZoneFramesTotal.WithLabelValues("warm").Add(float64(zone.WarmBehind + zone.WarmAhead))
	metrics.LandingZoneFramesTotal.WithLabelValues("cold").Add(float64(len(targets)))
	m.sink.LandingZoneComputed(ports.LandingZoneEvent{
		Clip:       in.Clip.ID,
		WarmBehind: zone.WarmBehind,
		WarmAhead:  zone.WarmAhead,
		ColdBehind: cold,
		ColdAhead:  len(targets) - cold,
		Repair:     repair,
	})

	return zone, targets
}

func split(window time.Duration, dir domain.Direction, behindShare float64) (behind, ahead time.Duration) {
	switch dir {
	case domain.DirBackward:
		behind = time.Duration(float64(window) * behindShare)
		ahead = window - behind
	case domain.DirForward:
		ahead = time.Duration(float64(window) * behindShare)
		behind = window - ahead
	default:
		behind = window / 2
		ahead = window - behind
	}
	return behind, ahead
}

func (m *Manager) pickTargets(in Input, zone Zone, purpose domain.Purpose, behindShare float64, budget int) []Target {
	step := in.Clip.FrameStep()
	if step <= 0 {
		return nil
	}

	if budget <= 0 {
		return nil
	}
	behindBudget := int(math.Round(float64(budget) * behindShare))
	aheadBudget := budget - behindBudget
	if in.Direction == domain.DirForward {
		behindBudget, aheadBudget = aheadBudget, behindBudget
	}

	var targets []Target

	// The frame under the playhead right now is an immediate need and does
	// not count against the prefetch budget.
	currentPTS := frameTime(in.Clip, in.Current)
	if !m.cache.Warm(in.Clip.ID, currentPTS) {
		targets = append(targets, Target{
			PTS:     currentPTS,
			Purpose: domain.PurposeImmediate,
			Urgent:  true,
			Behind:  currentPTS < in.Predicted,
		})
	}

	collect := func(r TimeRange, limit int, behind bool) {
		if r.Empty() || limit <= 0 {
			return
		}
		var picked []Target
		for pts := frameTime(in.Clip, r.From); pts < r.To; pts += step {
			if pts < 0 || pts == currentPTS {
				continue
			}
			if m.cache.Warm(in.Clip.ID, pts) {
				continue
			}
			p := purpose
			if !zone.Repair && !behind && pts-in.Predicted > (r.To-r.From)/2 {
				// Deep in the ahead window: speculative prefetch, admitted
				// under the softer far-ahead ceiling.
				p = domain.PurposePredictive
			}
			picked = append(picked, Target{PTS: pts, Purpose: p, Urgent: zone.Repair, Behind: behind})
		}
		// Nearest to the predicted point first.
		sort.Slice(picked, func(i, j int) bool {
			return absDur(picked[i].PTS-in.Predicted) < absDur(picked[j].PTS-in.Predicted)
		})
		if len(picked) > limit {
			picked = picked[:limit]
		}
		targets = append(targets, picked...)
	}

	collect(zone.Behind, behindBudget, true)
	collect(zone.Ahead, aheadBudget, false)
	return targets
}

// frameTime snaps a presentation time onto the clip's frame grid.
func frameTime(c domain.ClipInfo, t time.Duration) time.Duration {
	step := c.FrameStep()
	if step <= 0 {
		return t
	}
	return time.Duration(c.FrameIndex(t)) * step
}

func clampRange(from, to, max time.Duration) TimeRange {
	if from < 0 {
		from = 0
	}
	if max > 0 && to > max {
		to = max
	}
	if to < from {
		to = from
	}
	return TimeRange{From: from, To: to}
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
