package app

import (
	"context"
	"fmt"
	"time"
)

// Tuning carries every empirically-tuned threshold of the scrub pipeline.
// The defaults come from the reference tuning; none of them is derived
// analytically, so they stay named parameters validated by tests rather
// than literals in the components that consume them.
type Tuning struct {
	// Velocity predictor.
	LookaheadHorizon   time.Duration `json:"lookaheadHorizon"`
	PredictWindowMin   time.Duration `json:"predictWindowMin"`
	PredictWindowMax   time.Duration `json:"predictWindowMax"`
	VelocitySaturation float64       `json:"velocitySaturation"` // timeline seconds per wall second

	// Landing zone.
	BehindShare     float64       `json:"behindShare"` // share of the window behind the target when reversing
	PrefetchBudget  int           `json:"prefetchBudget"`
	RepairJump      time.Duration `json:"repairJump"`
	RepairWindow    time.Duration `json:"repairWindow"`
	FarVelocity     float64       `json:"farVelocity"` // above this, non-urgent predictive targets count as far-ahead
	WarmRequiredMin int           `json:"warmRequiredMin"`

	// GOP coalescing.
	GOPStaleAge time.Duration `json:"gopStaleAge"`

	// Admission budgets.
	GlobalMax         int           `json:"globalMax"`
	ReverseSlack      int           `json:"reverseSlack"`
	UrgentGlobalSlack int           `json:"urgentGlobalSlack"`
	PerClipMax        int           `json:"perClipMax"`
	PerClipFarMax     int           `json:"perClipFarMax"`
	UrgentClipSlack   int           `json:"urgentClipSlack"`
	WarmSlack         int           `json:"warmSlack"`
	MinIntervalFwd    time.Duration `json:"minIntervalFwd"`
	MinIntervalRev    time.Duration `json:"minIntervalRev"`
	BurstBonus        int           `json:"burstBonus"`
	BurstDuration     time.Duration `json:"burstDuration"`
	RescueWait        time.Duration `json:"rescueWait"`
	RescueBonus       int           `json:"rescueBonus"`
	ReversePoolSize   int           `json:"reversePoolSize"`
	RepairPoolSize    int           `json:"repairPoolSize"`
	DeadlinePoolSize  int           `json:"deadlinePoolSize"`

	// Scheduler & watchdog.
	SweepInterval       time.Duration `json:"sweepInterval"`
	StuckAfter          time.Duration `json:"stuckAfter"`
	RebuildAfterBadData int           `json:"rebuildAfterBadData"`

	// Gesture end.
	DeadlineBudget time.Duration `json:"deadlineBudget"`
}

// DefaultTuning returns the reference tuning.
func DefaultTuning() Tuning {
	return Tuning{
		LookaheadHorizon:   120 * time.Millisecond,
		PredictWindowMin:   80 * time.Millisecond,
		PredictWindowMax:   1200 * time.Millisecond,
		VelocitySaturation: 8.0,

		BehindShare:     0.8,
		PrefetchBudget:  12,
		RepairJump:      2 * time.Second,
		RepairWindow:    250 * time.Millisecond,
		FarVelocity:     4.0,
		WarmRequiredMin: 2,

		GOPStaleAge: 80 * time.Millisecond,

		GlobalMax:         8,
		ReverseSlack:      2,
		UrgentGlobalSlack: 2,
		PerClipMax:        3,
		PerClipFarMax:     2,
		UrgentClipSlack:   3,
		WarmSlack:         4,
		MinIntervalFwd:    16 * time.Millisecond,
		MinIntervalRev:    25 * time.Millisecond,
		BurstBonus:        2,
		BurstDuration:     400 * time.Millisecond,
		RescueWait:        250 * time.Millisecond,
		RescueBonus:       2,
		ReversePoolSize:   2,
		RepairPoolSize:    1,
		DeadlinePoolSize:  1,

		SweepInterval:       20 * time.Millisecond,
		StuckAfter:          80 * time.Millisecond,
		RebuildAfterBadData: 3,

		DeadlineBudget: 66 * time.Millisecond,
	}
}

// LoadTuning reads tuning overrides from the environment on top of the
// defaults.
func LoadTuning() Tuning {
	t := DefaultTuning()
	t.LookaheadHorizon = getEnvDuration("SCRUB_LOOKAHEAD_HORIZON", t.LookaheadHorizon)
	t.PredictWindowMin = getEnvDuration("SCRUB_PREDICT_WINDOW_MIN", t.PredictWindowMin)
	t.PredictWindowMax = getEnvDuration("SCRUB_PREDICT_WINDOW_MAX", t.PredictWindowMax)
	t.VelocitySaturation = getEnvFloat("SCRUB_VELOCITY_SATURATION", t.VelocitySaturation)
	t.BehindShare = getEnvFloat("SCRUB_BEHIND_SHARE", t.BehindShare)
	t.PrefetchBudget = int(getEnvInt64("SCRUB_PREFETCH_BUDGET", int64(t.PrefetchBudget)))
	t.RepairJump = getEnvDuration("SCRUB_REPAIR_JUMP", t.RepairJump)
	t.RepairWindow = getEnvDuration("SCRUB_REPAIR_WINDOW", t.RepairWindow)
	t.FarVelocity = getEnvFloat("SCRUB_FAR_VELOCITY", t.FarVelocity)
	t.WarmRequiredMin = int(getEnvInt64("SCRUB_WARM_REQUIRED_MIN", int64(t.WarmRequiredMin)))
	t.GOPStaleAge = getEnvDuration("SCRUB_GOP_STALE_AGE", t.GOPStaleAge)
	t.GlobalMax = int(getEnvInt64("SCRUB_GLOBAL_MAX", int64(t.GlobalMax)))
	t.ReverseSlack = int(getEnvInt64("SCRUB_REVERSE_SLACK", int64(t.ReverseSlack)))
	t.UrgentGlobalSlack = int(getEnvInt64("SCRUB_URGENT_GLOBAL_SLACK", int64(t.UrgentGlobalSlack)))
	t.PerClipMax = int(getEnvInt64("SCRUB_PER_CLIP_MAX", int64(t.PerClipMax)))
	t.PerClipFarMax = int(getEnvInt64("SCRUB_PER_CLIP_FAR_MAX", int64(t.PerClipFarMax)))
	t.UrgentClipSlack = int(getEnvInt64("SCRUB_URGENT_CLIP_SLACK", int64(t.UrgentClipSlack)))
	t.WarmSlack = int(getEnvInt64("SCRUB_WARM_SLACK", int64(t.WarmSlack)))
	t.MinIntervalFwd = getEnvDuration("SCRUB_MIN_INTERVAL_FWD", t.MinIntervalFwd)
	t.MinIntervalRev = getEnvDuration("SCRUB_MIN_INTERVAL_REV", t.MinIntervalRev)
	t.BurstBonus = int(getEnvInt64("SCRUB_BURST_BONUS", int64(t.BurstBonus)))
	t.BurstDuration = getEnvDuration("SCRUB_BURST_DURATION", t.BurstDuration)
	t.RescueWait = getEnvDuration("SCRUB_RESCUE_WAIT", t.RescueWait)
	t.RescueBonus = int(getEnvInt64("SCRUB_RESCUE_BONUS", int64(t.RescueBonus)))
	t.ReversePoolSize = int(getEnvInt64("SCRUB_REVERSE_POOL_SIZE", int64(t.ReversePoolSize)))
	t.RepairPoolSize = int(getEnvInt64("SCRUB_REPAIR_POOL_SIZE", int64(t.RepairPoolSize)))
	t.DeadlinePoolSize = int(getEnvInt64("SCRUB_DEADLINE_POOL_SIZE", int64(t.DeadlinePoolSize)))
	t.SweepInterval = getEnvDuration("SCRUB_SWEEP_INTERVAL", t.SweepInterval)
	t.StuckAfter = getEnvDuration("SCRUB_STUCK_AFTER", t.StuckAfter)
	t.RebuildAfterBadData = int(getEnvInt64("SCRUB_REBUILD_AFTER_BAD_DATA", int64(t.RebuildAfterBadData)))
	t.DeadlineBudget = getEnvDuration("SCRUB_DEADLINE_BUDGET", t.DeadlineBudget)
	return t
}

// Validate rejects tunings that would wedge the pipeline.
func (t Tuning) Validate() error {
	if t.GlobalMax < 1 {
		return fmt.Errorf("globalMax must be >= 1, got %d", t.GlobalMax)
	}
	if t.PerClipMax < 1 {
		return fmt.Errorf("perClipMax must be >= 1, got %d", t.PerClipMax)
	}
	if t.BehindShare < 0 || t.BehindShare > 1 {
		return fmt.Errorf("behindShare must be in [0,1], got %v", t.BehindShare)
	}
	if t.SweepInterval <= 0 {
		return fmt.Errorf("sweepInterval must be positive, got %v", t.SweepInterval)
	}
	if t.StuckAfter <= 0 {
		return fmt.Errorf("stuckAfter must be positive, got %v", t.StuckAfter)
	}
	if t.StuckAfter >= 500*time.Millisecond {
		// The sweep bound is the deadlock-prevention ceiling; it has to stay
		// small relative to user-perceptible latency.
		return fmt.Errorf("stuckAfter must stay well below 500ms, got %v", t.StuckAfter)
	}
	if t.DeadlineBudget <= 0 {
		return fmt.Errorf("deadlineBudget must be positive, got %v", t.DeadlineBudget)
	}
	return nil
}

// TuningStore persists runtime tuning overrides.
type TuningStore interface {
	GetTuning(ctx context.Context) (Tuning, bool, error)
	SetTuning(ctx context.Context, t Tuning) error
}

// TuningEngine is the running pipeline's tuning surface.
type TuningEngine interface {
	CurrentTuning() Tuning
	ApplyTuning(t Tuning) error
}

// TuningManager glues the settings endpoint to the engine and the store:
// updates apply to the engine first and roll back if persistence fails.
type TuningManager struct {
	engine  TuningEngine
	store   TuningStore
	timeout time.Duration
}

func NewTuningManager(engine TuningEngine, store TuningStore) *TuningManager {
	return &TuningManager{engine: engine, store: store, timeout: 5 * time.Second}
}

func (m *TuningManager) Get() Tuning {
	return m.engine.CurrentTuning()
}

func (m *TuningManager) Update(t Tuning) error {
	if err := t.Validate(); err != nil {
		return err
	}
	prev := m.engine.CurrentTuning()
	if err := m.engine.ApplyTuning(t); err != nil {
		return err
	}

	if m.store == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.store.SetTuning(ctx, t); err != nil {
		_ = m.engine.ApplyTuning(prev)
		return err
	}
	return nil
}
