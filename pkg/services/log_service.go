package services

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
	"github.com/fleetbeat/fleetbeat/pkg/store"
	"github.com/fleetbeat/fleetbeat/pkg/transit"
)

// LogService stores agent log batches and serves log reads with a
// microsecond cursor.
type LogService struct {
	logs store.LogStore
	bus  *transit.Bus
}

// NewLogService creates a new LogService.
func NewLogService(logs store.LogStore, bus *transit.Bus) *LogService {
	return &LogService{logs: logs, bus: bus}
}

// AppendLogs batch-inserts a send_log payload and returns the stored count
// and the cursor of the newest line.
func (s *LogService) AppendLogs(ctx context.Context, appID primitive.ObjectID, req models.SendLogRequest) (count int, last int64, err error) {
	if len(req.Logs) == 0 {
		return 0, 0, nil
	}
	now := models.Micros(time.Now())
	rows := make([]*models.AppLog, 0, len(req.Logs))
	for _, entry := range req.Logs {
		t := entry.T
		if t <= 0 {
			t = now
		}
		if t > last {
			last = t
		}
		rows = append(rows, &models.AppLog{
			AppID:      appID,
			SequenceID: req.SequenceID,
			Severity:   entry.Severity.Normalize(),
			Body:       entry.Body,
			Extra:      entry.Extra,
			T:          t,
		})
	}
	if err := s.logs.InsertMany(ctx, rows); err != nil {
		return 0, 0, fmt.Errorf("failed to store logs: %w", err)
	}
	s.bus.Dispatch(ctx, LogsAppended{
		AppID:      appID,
		SequenceID: req.SequenceID,
		Count:      len(rows),
		Last:       last,
	})
	return len(rows), last, nil
}

// ListBySequence returns log lines of a sequence after the cursor, oldest
// first.
func (s *LogService) ListBySequence(ctx context.Context, sequenceID primitive.ObjectID, afterT int64, limit int64) ([]*models.AppLog, error) {
	logs, err := s.logs.ListBySequence(ctx, sequenceID, afterT, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	return logs, nil
}
