package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetbeat/fleetbeat/pkg/models"
	"github.com/fleetbeat/fleetbeat/pkg/store"
	"github.com/fleetbeat/fleetbeat/pkg/transit"
)

// Batch tuning for the counter handlers. A burst of a thousand sequences a
// second collapses into a handful of bulk upserts.
const (
	counterBatchSize  = 100
	counterBatchDelay = 2 * time.Second
)

// RegisterTransitHandlers binds the domain message handlers to the bus:
// batched counter writers for events and sequence lifecycle, the monitoring
// fan-outs for sequence create/finish/update, and the log batch notifier.
func RegisterTransitHandlers(bus *transit.Bus, counters store.CounterStore, notifier *Notifier) {
	transit.RegisterBatched(bus, counterBatchSize, counterBatchDelay,
		func(ctx context.Context, pile []NewEvent) {
			acc := newCounterAccumulator()
			for _, msg := range pile {
				acc.bump(models.CounterEvents, msg.AppID.Hex(), msg.TaskID)
			}
			acc.flush(ctx, counters)
		})

	transit.RegisterBatched(bus, counterBatchSize, counterBatchDelay,
		func(ctx context.Context, pile []SequenceCreated) {
			acc := newCounterAccumulator()
			for _, msg := range pile {
				acc.bump(models.CounterSequences, msg.AppID.Hex(), msg.TaskID)
				notifier.SequenceToApp(ctx, msg.AppID, SequenceNotification{
					Event:      "new",
					SequenceID: msg.SequenceID,
				})
			}
			acc.flush(ctx, counters)
		})

	transit.RegisterBatched(bus, counterBatchSize, counterBatchDelay,
		func(ctx context.Context, pile []SequenceFinished) {
			acc := newCounterAccumulator()
			for _, msg := range pile {
				acc.bump(models.CounterFinishedSequences, msg.AppID.Hex(), msg.TaskID)
				if msg.Error != "" {
					acc.bump(models.CounterFailedSequences, msg.AppID.Hex(), msg.TaskID)
				}
				notifier.SequenceToApp(ctx, msg.AppID, SequenceNotification{
					Event:      "finished",
					SequenceID: msg.SequenceID,
					Error:      msg.Error,
				})
			}
			acc.flush(ctx, counters)
		})

	transit.Register(bus, func(ctx context.Context, msg SequenceUpdated) {
		notifier.SequenceChanged(ctx, msg.Sequence, "updated")
	})

	transit.Register(bus, func(ctx context.Context, msg LogsAppended) {
		notifier.LogsAppended(ctx, msg.AppID, msg.SequenceID, msg.Count, msg.Last)
	})
}

// counterAccumulator folds a pile of messages into one delta per
// (subject, period) before the bulk upsert.
type counterAccumulator struct {
	periods []string
	deltas  map[[2]string]int64
}

func newCounterAccumulator() *counterAccumulator {
	return &counterAccumulator{
		periods: models.CounterPeriods(time.Now().UTC()),
		deltas:  make(map[[2]string]int64),
	}
}

// bump increments a subject and its per-app/per-task variants across every
// period bucket.
func (a *counterAccumulator) bump(subject, appID, taskID string) {
	subjects := []string{subject, models.AppCounterSubject(subject, appID)}
	if taskID != "" {
		subjects = append(subjects, models.TaskCounterSubject(subject, taskID))
	}
	for _, subj := range subjects {
		for _, period := range a.periods {
			a.deltas[[2]string{subj, period}]++
		}
	}
}

func (a *counterAccumulator) flush(ctx context.Context, counters store.CounterStore) {
	if len(a.deltas) == 0 {
		return
	}
	out := make([]store.CounterDelta, 0, len(a.deltas))
	for key, delta := range a.deltas {
		out = append(out, store.CounterDelta{Subject: key[0], Period: key[1], Delta: delta})
	}
	if err := counters.IncrementMany(ctx, out); err != nil {
		slog.Error("Failed to write counter batch", "deltas", len(out), "error", err)
	}
}
