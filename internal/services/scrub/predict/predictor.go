// Package predict smooths raw scrub position samples into a velocity
// estimate and a predicted future playhead time.
package predict

import (
	"math"
	"time"

	"scrubengine/internal/app"
	"scrubengine/internal/domain"
)

// directionEps is the velocity magnitude below which the scrub counts as
// stopped, in timeline seconds per wall second.
const directionEps = 0.05

// Predictor keeps an exponentially-weighted velocity estimate whose
// smoothing constant is tuned to the lookahead horizon. It is cheap and
// synchronous; the pipeline serializes all calls, so it carries no lock.
type Predictor struct {
	horizon    time.Duration
	windowMin  time.Duration
	windowMax  time.Duration
	saturation float64

	lastPos  time.Duration
	lastAt   time.Time
	velocity float64 // timeline seconds per wall second
	primed   bool
}

func New(t app.Tuning) *Predictor {
	return &Predictor{
		horizon:    t.LookaheadHorizon,
		windowMin:  t.PredictWindowMin,
		windowMax:  t.PredictWindowMax,
		saturation: t.VelocitySaturation,
	}
}

func (p *Predictor) SetTuning(t app.Tuning) {
	p.horizon = t.LookaheadHorizon
	p.windowMin = t.PredictWindowMin
	p.windowMax = t.PredictWindowMax
	p.saturation = t.VelocitySaturation
}

// Observe feeds one raw (position, wall-clock) sample.
func (p *Predictor) Observe(s domain.VelocitySample) {
	if !p.primed {
		p.lastPos = s.Position
		p.lastAt = s.At
		p.primed = true
		return
	}

	dt := s.At.Sub(p.lastAt)
	if dt <= 0 {
		return
	}

	instant := (s.Position - p.lastPos).Seconds() / dt.Seconds()

	if instant*p.velocity < 0 {
		// Direction reversal. A plain EMA would keep predicting in the old
		// direction for several samples, so drop the history outright.
		p.velocity = instant
	} else {
		// Time-constant EWMA: alpha approaches 1 as the sample gap
		// approaches the lookahead horizon.
		alpha := 1 - math.Exp(-dt.Seconds()/p.horizon.Seconds())
		p.velocity = (1-alpha)*p.velocity + alpha*instant
	}

	p.lastPos = s.Position
	p.lastAt = s.At
}

// Predict returns the expected playhead position one lookahead horizon from
// now and the adaptive prefetch window around it. The window widens with
// velocity magnitude and is clamped so a fast fling cannot trigger runaway
// prefetch.
func (p *Predictor) Predict() (time.Duration, time.Duration) {
	if !p.primed || p.Direction() == domain.DirStopped {
		return p.lastPos, p.windowMin
	}

	predicted := p.lastPos + time.Duration(p.velocity*p.horizon.Seconds()*float64(time.Second))
	if predicted < 0 {
		predicted = 0
	}

	speed := math.Abs(p.velocity)
	if speed > p.saturation {
		speed = p.saturation
	}
	window := p.windowMin + time.Duration(speed/p.saturation*float64(p.windowMax-p.windowMin))
	if window > p.windowMax {
		window = p.windowMax
	}
	return predicted, window
}

// Velocity returns the current smoothed estimate in timeline seconds per
// wall second.
func (p *Predictor) Velocity() float64 { return p.velocity }

// Position returns the most recently observed playhead position.
func (p *Predictor) Position() time.Duration { return p.lastPos }

func (p *Predictor) Direction() domain.Direction {
	return domain.DirectionOf(p.velocity, directionEps)
}

// Reset drops all history. Called at gesture boundaries.
func (p *Predictor) Reset() {
	p.lastPos = 0
	p.lastAt = time.Time{}
	p.velocity = 0
	p.primed = false
}
