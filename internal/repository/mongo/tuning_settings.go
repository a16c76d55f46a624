package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"scrubengine/internal/app"
)

const tuningSettingsID = "scrub-tuning"

type tuningDoc struct {
	ID                  string  `bson:"_id"`
	LookaheadHorizonMs  int64   `bson:"lookaheadHorizonMs"`
	PredictWindowMinMs  int64   `bson:"predictWindowMinMs"`
	PredictWindowMaxMs  int64   `bson:"predictWindowMaxMs"`
	VelocitySaturation  float64 `bson:"velocitySaturation"`
	BehindShare         float64 `bson:"behindShare"`
	PrefetchBudget      int     `bson:"prefetchBudget"`
	RepairJumpMs        int64   `bson:"repairJumpMs"`
	RepairWindowMs      int64   `bson:"repairWindowMs"`
	FarVelocity         float64 `bson:"farVelocity"`
	WarmRequiredMin     int     `bson:"warmRequiredMin"`
	GOPStaleAgeMs       int64   `bson:"gopStaleAgeMs"`
	GlobalMax           int     `bson:"globalMax"`
	ReverseSlack        int     `bson:"reverseSlack"`
	UrgentGlobalSlack   int     `bson:"urgentGlobalSlack"`
	PerClipMax          int     `bson:"perClipMax"`
	PerClipFarMax       int     `bson:"perClipFarMax"`
	UrgentClipSlack     int     `bson:"urgentClipSlack"`
	WarmSlack           int     `bson:"warmSlack"`
	MinIntervalFwdMs    int64   `bson:"minIntervalFwdMs"`
	MinIntervalRevMs    int64   `bson:"minIntervalRevMs"`
	BurstBonus          int     `bson:"burstBonus"`
	BurstDurationMs     int64   `bson:"burstDurationMs"`
	RescueWaitMs        int64   `bson:"rescueWaitMs"`
	RescueBonus         int     `bson:"rescueBonus"`
	ReversePoolSize     int     `bson:"reversePoolSize"`
	RepairPoolSize      int     `bson:"repairPoolSize"`
	DeadlinePoolSize    int     `bson:"deadlinePoolSize"`
	SweepIntervalMs     int64   `bson:"sweepIntervalMs"`
	StuckAfterMs        int64   `bson:"stuckAfterMs"`
	RebuildAfterBadData int     `bson:"rebuildAfterBadData"`
	DeadlineBudgetMs    int64   `bson:"deadlineBudgetMs"`
	UpdatedAt           int64   `bson:"updatedAt"`
}

// TuningRepository implements app.TuningStore against the settings
// collection.
type TuningRepository struct {
	collection *mongo.Collection
}

func NewTuningRepository(client *mongo.Client, dbName string) *TuningRepository {
	return &TuningRepository{collection: client.Database(dbName).Collection("settings")}
}

func (r *TuningRepository) GetTuning(ctx context.Context) (app.Tuning, bool, error) {
	var doc tuningDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": tuningSettingsID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return app.Tuning{}, false, nil
		}
		return app.Tuning{}, false, err
	}
	return app.Tuning{
		LookaheadHorizon:    time.Duration(doc.LookaheadHorizonMs) * time.Millisecond,
		PredictWindowMin:    time.Duration(doc.PredictWindowMinMs) * time.Millisecond,
		PredictWindowMax:    time.Duration(doc.PredictWindowMaxMs) * time.Millisecond,
		VelocitySaturation:  doc.VelocitySaturation,
		BehindShare:         doc.BehindShare,
		PrefetchBudget:      doc.PrefetchBudget,
		RepairJump:          time.Duration(doc.RepairJumpMs) * time.Millisecond,
		RepairWindow:        time.Duration(doc.RepairWindowMs) * time.Millisecond,
		FarVelocity:         doc.FarVelocity,
		WarmRequiredMin:     doc.WarmRequiredMin,
		GOPStaleAge:         time.Duration(doc.GOPStaleAgeMs) * time.Millisecond,
		GlobalMax:           doc.GlobalMax,
		ReverseSlack:        doc.ReverseSlack,
		UrgentGlobalSlack:   doc.UrgentGlobalSlack,
		PerClipMax:          doc.PerClipMax,
		PerClipFarMax:       doc.PerClipFarMax,
		UrgentClipSlack:     doc.UrgentClipSlack,
		WarmSlack:           doc.WarmSlack,
		MinIntervalFwd:      time.Duration(doc.MinIntervalFwdMs) * time.Millisecond,
		MinIntervalRev:      time.Duration(doc.MinIntervalRevMs) * time.Millisecond,
		BurstBonus:          doc.BurstBonus,
		BurstDuration:       time.Duration(doc.BurstDurationMs) * time.Millisecond,
		RescueWait:          time.Duration(doc.RescueWaitMs) * time.Millisecond,
		RescueBonus:         doc.RescueBonus,
		ReversePoolSize:     doc.ReversePoolSize,
		RepairPoolSize:      doc.RepairPoolSize,
		DeadlinePoolSize:    doc.DeadlinePoolSize,
		SweepInterval:       time.Duration(doc.SweepIntervalMs) * time.Millisecond,
		StuckAfter:          time.Duration(doc.StuckAfterMs) * time.Millisecond,
		RebuildAfterBadData: doc.RebuildAfterBadData,
		DeadlineBudget:      time.Duration(doc.DeadlineBudgetMs) * time.Millisecond,
	}, true, nil
}

func (r *TuningRepository) SetTuning(ctx context.Context, t app.Tuning) error {
	update := bson.M{
		"$set": bson.M{
			"lookaheadHorizonMs":  t.LookaheadHorizon.Milliseconds(),
			"predictWindowMinMs":  t.PredictWindowMin.Milliseconds(),
			"predictWindowMaxMs":  t.PredictWindowMax.Milliseconds(),
			"velocitySaturation":  t.VelocitySaturation,
			"behindShare":         t.BehindShare,
			"prefetchBudget":      t.PrefetchBudget,
			"repairJumpMs":        t.RepairJump.Milliseconds(),
			"repairWindowMs":      t.RepairWindow.Milliseconds(),
			"farVelocity":         t.FarVelocity,
			"warmRequiredMin":     t.WarmRequiredMin,
			"gopStaleAgeMs":       t.GOPStaleAge.Milliseconds(),
			"globalMax":           t.GlobalMax,
			"reverseSlack":        t.ReverseSlack,
			"urgentGlobalSlack":   t.UrgentGlobalSlack,
			"perClipMax":          t.PerClipMax,
			"perClipFarMax":       t.PerClipFarMax,
			"urgentClipSlack":     t.UrgentClipSlack,
			"warmSlack":           t.WarmSlack,
			"minIntervalFwdMs":    t.MinIntervalFwd.Milliseconds(),
			"minIntervalRevMs":    t.MinIntervalRev.Milliseconds(),
			"burstBonus":          t.BurstBonus,
			"burstDurationMs":     t.BurstDuration.Milliseconds(),
			"rescueWaitMs":        t.RescueWait.Milliseconds(),
			"rescueBonus":         t.RescueBonus,
			"reversePoolSize":     t.ReversePoolSize,
			"repairPoolSize":      t.RepairPoolSize,
			"deadlinePoolSize":    t.DeadlinePoolSize,
			"sweepIntervalMs":     t.SweepInterval.Milliseconds(),
			"stuckAfterMs":        t.StuckAfter.Milliseconds(),
			"rebuildAfterBadData": t.RebuildAfterBadData,
			"deadlineBudgetMs":    t.DeadlineBudget.Milliseconds(),
			"updatedAt":           time.Now().UTC().UnixMilli(),
		},
	}
	opts := options.Update().SetUpsert(true)
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": tuningSettingsID}, update, opts)
	return err
}
