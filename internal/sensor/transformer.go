// Package sensor turns absolute scale readings into feed consumption events.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/barnlink/internal/consumption"
	"github.com/angelmondragon/barnlink/pkg/db/models"
	"github.com/angelmondragon/barnlink/pkg/dedupe"
	"github.com/angelmondragon/barnlink/pkg/enums"
	pkgerrors "github.com/angelmondragon/barnlink/pkg/errors"
	"github.com/angelmondragon/barnlink/pkg/logger"
)

// DefaultThreshold is the smallest weight drop reported as consumption.
var DefaultThreshold = decimal.RequireFromString("0.1")

type snapshotStore interface {
	Find(ctx context.Context, tenantID uuid.UUID, deviceID string) (*models.SensorSnapshot, error)
	UpsertTx(tx *gorm.DB, snap models.SensorSnapshot) error
}

type consumptionRecorder interface {
	Record(ctx context.Context, in consumption.Input, hooks ...consumption.TxHook) (dedupe.Result[models.ConsumptionEvent], error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Reading is one absolute weight sample.
type Reading struct {
	TenantID   uuid.UUID
	DeviceID   string
	Weight     decimal.Decimal
	RecordedAt time.Time
	TraceID    string
}

// Result describes what a reading produced. Consumption is nil unless the drop
// crossed the threshold.
type Result struct {
	Baseline    bool
	Delta       decimal.Decimal
	Consumption *models.ConsumptionEvent
}

type Transformer struct {
	db        txRunner
	snapshots snapshotStore
	recorder  consumptionRecorder
	threshold decimal.Decimal
	logg      *logger.Logger
	now       func() time.Time
}

// NewTransformer builds a transformer. A blank threshold falls back to DefaultThreshold.
func NewTransformer(db txRunner, snapshots snapshotStore, recorder consumptionRecorder, threshold string, logg *logger.Logger) (*Transformer, error) {
	if db == nil {
		return nil, errors.New("db runner required")
	}
	if snapshots == nil {
		return nil, errors.New("snapshot repository required")
	}
	if recorder == nil {
		return nil, errors.New("consumption recorder required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	limit := DefaultThreshold
	if strings.TrimSpace(threshold) != "" {
		parsed, err := decimal.NewFromString(strings.TrimSpace(threshold))
		if err != nil {
			return nil, fmt.Errorf("parse sensor threshold: %w", err)
		}
		if !parsed.IsPositive() {
			return nil, fmt.Errorf("sensor threshold must be positive, got %s", parsed)
		}
		limit = parsed
	}
	return &Transformer{
		db:        db,
		snapshots: snapshots,
		recorder:  recorder,
		threshold: limit,
		logg:      logg,
		now:       time.Now,
	}, nil
}

// Apply compares r with the stored snapshot. A drop of at least the threshold
// is recorded as sensor_delta consumption under a fresh event id, and the
// snapshot advances in the same transaction. Rises and small changes only
// advance the snapshot.
func (t *Transformer) Apply(ctx context.Context, r Reading) (Result, error) {
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	if r.TenantID == uuid.Nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "tenant id is required")
	}
	if r.DeviceID == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "device id is required")
	}
	if r.Weight.IsNegative() {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "weight must not be negative")
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = t.now()
	}
	r.RecordedAt = r.RecordedAt.UTC()

	logCtx := t.logg.WithFields(t.logg.WithTenantID(ctx, r.TenantID.String()), map[string]any{
		"device_id": r.DeviceID,
		"weight":    r.Weight.String(),
	})

	prev, err := t.snapshots.Find(ctx, r.TenantID, r.DeviceID)
	if err != nil {
		return Result{}, fmt.Errorf("load snapshot: %w", err)
	}
	next := models.SensorSnapshot{
		TenantID:   r.TenantID,
		DeviceID:   r.DeviceID,
		Weight:     r.Weight,
		RecordedAt: r.RecordedAt,
		UpdatedAt:  t.now().UTC(),
	}
	advance := func(_ context.Context, tx *gorm.DB, _ *models.ConsumptionEvent) error {
		return t.snapshots.UpsertTx(tx, next)
	}

	if prev == nil {
		if err := t.db.WithTx(ctx, func(tx *gorm.DB) error { return advance(ctx, tx, nil) }); err != nil {
			return Result{}, fmt.Errorf("store baseline: %w", err)
		}
		t.logg.Debug(logCtx, "sensor baseline stored")
		return Result{Baseline: true}, nil
	}

	delta := prev.Weight.Sub(r.Weight)
	if delta.LessThan(t.threshold) {
		if err := t.db.WithTx(ctx, func(tx *gorm.DB) error { return advance(ctx, tx, nil) }); err != nil {
			return Result{}, fmt.Errorf("advance snapshot: %w", err)
		}
		t.logg.Debug(t.logg.WithField(logCtx, "delta", delta.String()), "sensor delta below threshold")
		return Result{Delta: delta}, nil
	}

	res, err := t.recorder.Record(ctx, consumption.Input{
		TenantID:   r.TenantID,
		EventID:    uuid.NewString(),
		DeviceID:   r.DeviceID,
		Quantity:   delta,
		Unit:       "kg",
		Source:     enums.ConsumptionSourceSensorDelta,
		OccurredAt: r.RecordedAt,
		TraceID:    r.TraceID,
	}, advance)
	if err != nil {
		return Result{}, fmt.Errorf("record sensor consumption: %w", err)
	}
	t.logg.Info(t.logg.WithField(logCtx, "delta", delta.String()), "sensor consumption emitted")
	return Result{Delta: delta, Consumption: res.Record}, nil
}
