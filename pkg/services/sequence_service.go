package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
	"github.com/fleetbeat/fleetbeat/pkg/store"
	"github.com/fleetbeat/fleetbeat/pkg/transit"
)

// SequenceService runs the sequence lifecycle: create with its start event,
// finish with the stop event pair, meta updates, the freeze/unfreeze dance
// around agent disconnects, and orphan handling.
type SequenceService struct {
	seqs     store.SequenceStore
	events   store.EventStore
	conns    store.ConnectionStore
	tasks    *TaskService
	bus      *transit.Bus
	notifier *Notifier
}

// NewSequenceService creates a new SequenceService.
func NewSequenceService(seqs store.SequenceStore, events store.EventStore, conns store.ConnectionStore, tasks *TaskService, bus *transit.Bus, notifier *Notifier) *SequenceService {
	return &SequenceService{seqs: seqs, events: events, conns: conns, tasks: tasks, bus: bus, notifier: notifier}
}

// CreateSequence opens a run of a task and emits its start event as one
// bundle.
func (s *SequenceService) CreateSequence(ctx context.Context, app *models.Application, req models.CreateSequenceRequest, publisherIP string) (*models.EventSequence, error) {
	task, err := s.tasks.ResolveTask(ctx, req.TaskID, req.TaskName, app.ID)
	if err != nil {
		return nil, err
	}
	if req.ConnectionID != "" {
		if _, err := s.conns.GetByUUID(ctx, req.ConnectionID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("connection %q: %w", req.ConnectionID, ErrNotFound)
			}
			return nil, fmt.Errorf("failed to verify connection: %w", err)
		}
	}

	now := time.Now().UTC()
	name := req.CustomName
	if name == "" {
		name = fmt.Sprintf("%s [%d]", task.QualifiedName, now.Unix())
	}
	seq := &models.EventSequence{
		AppID:          app.ID,
		TaskID:         task.ID,
		TaskName:       task.QualifiedName,
		Name:           name,
		Meta:           req.Meta,
		State:          models.SequenceInProgress,
		StateUpdatedAt: now,
		ConnectionID:   req.ConnectionID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(models.DefaultSequenceTTL),
	}
	if err := s.seqs.Create(ctx, seq); err != nil {
		return nil, fmt.Errorf("failed to create sequence: %w", err)
	}

	s.emitEngineEvent(ctx, seq, models.EventStart,
		models.SequenceEventKey(seq.TaskName, models.EventStart), publisherIP)

	s.bus.Dispatch(ctx, SequenceCreated{SequenceID: seq.ID, AppID: seq.AppID, TaskID: seq.TaskID})
	return seq, nil
}

// GetSequence fetches a sequence, enforcing app ownership when ownerApp is
// non-zero.
func (s *SequenceService) GetSequence(ctx context.Context, id primitive.ObjectID, ownerApp primitive.ObjectID) (*models.EventSequence, error) {
	seq, err := s.seqs.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "sequence")
	}
	if !ownerApp.IsZero() && seq.AppID != ownerApp {
		return nil, fmt.Errorf("sequence belongs to another application: %w", ErrUnauthorized)
	}
	return seq, nil
}

// ListByApp returns recent sequences of an application, newest first.
func (s *SequenceService) ListByApp(ctx context.Context, appID primitive.ObjectID, limit int64) ([]*models.EventSequence, error) {
	seqs, err := s.seqs.ListByApp(ctx, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sequences: %w", err)
	}
	return seqs, nil
}

// ListByTask returns recent sequences of a task, newest first.
func (s *SequenceService) ListByTask(ctx context.Context, taskID string, limit int64) ([]*models.EventSequence, error) {
	seqs, err := s.seqs.ListByTask(ctx, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sequences: %w", err)
	}
	return seqs, nil
}

// FinishSequence records the terminal outcome and emits the stop event
// pair: the specific event (failed or succeeded) followed by the generic
// stop. A skipped sequence gets only the generic stop. Finishing an already
// terminal sequence returns ErrConflict.
func (s *SequenceService) FinishSequence(ctx context.Context, ownerApp primitive.ObjectID, id primitive.ObjectID, req models.FinishSequenceRequest, publisherIP string) (*models.EventSequence, error) {
	if _, err := s.GetSequence(ctx, id, ownerApp); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	state := models.TerminalState(req.IsSkipped, req.ErrorMessage)
	seq, err := s.seqs.Finish(ctx, id, state, now, req.ErrorMessage)
	if err != nil {
		return nil, mapStoreError(err, "sequence")
	}

	if !req.IsSkipped {
		specific := models.EventSucceeded
		if req.ErrorMessage != "" {
			specific = models.EventFailed
		}
		s.emitEngineEvent(ctx, seq, specific,
			models.StopEventKey(specific, seq.TaskName), publisherIP)
	}
	s.emitEngineEvent(ctx, seq, models.EventStop,
		models.StopEventKey(models.EventStop, seq.TaskName), publisherIP)

	s.bus.Dispatch(ctx, SequenceFinished{
		SequenceID: seq.ID,
		AppID:      seq.AppID,
		TaskID:     seq.TaskID,
		Error:      seq.Error,
	})
	return seq, nil
}

// UpdateMeta replaces the progress metadata of a running sequence with the
// whole provided object.
func (s *SequenceService) UpdateMeta(ctx context.Context, ownerApp primitive.ObjectID, id primitive.ObjectID, meta models.SequenceMeta) (*models.EventSequence, error) {
	if _, err := s.GetSequence(ctx, id, ownerApp); err != nil {
		return nil, err
	}
	seq, err := s.seqs.UpdateMeta(ctx, id, meta)
	if err != nil {
		return nil, mapStoreError(err, "sequence")
	}
	s.bus.Dispatch(ctx, SequenceUpdated{Sequence: seq})
	return seq, nil
}

// FreezeForConnection freezes every in_progress sequence bound to a
// disconnecting agent and emits a change notification per sequence.
func (s *SequenceService) FreezeForConnection(ctx context.Context, connectionUUID string) ([]*models.EventSequence, error) {
	now := time.Now().UTC()
	frozen, err := s.seqs.FreezeByConnection(ctx, connectionUUID, now)
	if err != nil {
		return frozen, fmt.Errorf("failed to freeze sequences: %w", err)
	}
	for _, seq := range frozen {
		s.emitEngineEvent(ctx, seq, models.EventFrozen,
			models.SequenceEventKey(seq.TaskName, models.EventFrozen), "")
		s.notifier.SequenceChanged(ctx, seq, "frozen")
	}
	return frozen, nil
}

// Unfreeze resumes a frozen sequence on behalf of the given connection. Used
// when a sequence-bound event arrives while the sequence is frozen: a
// publishing agent is a live agent.
func (s *SequenceService) Unfreeze(ctx context.Context, id primitive.ObjectID, connectionUUID string) (*models.EventSequence, error) {
	seq, err := s.seqs.Unfreeze(ctx, id, connectionUUID, time.Now().UTC())
	if err != nil {
		return nil, mapStoreError(err, "sequence")
	}
	s.emitEngineEvent(ctx, seq, models.EventUnfrozen,
		models.SequenceEventKey(seq.TaskName, models.EventUnfrozen), "")
	s.notifier.SequenceChanged(ctx, seq, "unfrozen")
	return seq, nil
}

// ListFrozenForConnection returns the frozen sequences bound to a
// reconnecting agent, for the orphan check.
func (s *SequenceService) ListFrozenForConnection(ctx context.Context, connectionUUID string) ([]*models.EventSequence, error) {
	seqs, err := s.seqs.ListByConnectionState(ctx, connectionUUID, models.SequenceFrozen)
	if err != nil {
		return nil, fmt.Errorf("failed to list frozen sequences: %w", err)
	}
	return seqs, nil
}

// Abandon transitions the listed frozen sequences owned by the connection
// to orphaned. Sequences in other states, or owned by other connections,
// are skipped silently.
func (s *SequenceService) Abandon(ctx context.Context, connectionUUID string, ids []primitive.ObjectID) ([]*models.EventSequence, error) {
	now := time.Now().UTC()
	var out []*models.EventSequence
	for _, id := range ids {
		seq, err := s.seqs.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return out, fmt.Errorf("failed to load sequence: %w", err)
		}
		if seq.State != models.SequenceFrozen || seq.ConnectionID != connectionUUID {
			continue
		}
		orphaned, err := s.seqs.Finish(ctx, id, models.SequenceOrphaned, now, "")
		if err != nil {
			if errors.Is(err, store.ErrTerminalState) {
				continue
			}
			return out, mapStoreError(err, "sequence")
		}
		s.notifier.SequenceChanged(ctx, orphaned, "orphaned")
		out = append(out, orphaned)
	}
	return out, nil
}

// ReapOrphans retires sequences that stayed frozen past the threshold.
// Called periodically by the cleanup service.
func (s *SequenceService) ReapOrphans(ctx context.Context, threshold time.Duration) (int, error) {
	now := time.Now().UTC()
	orphaned, err := s.seqs.MarkOrphanedBefore(ctx, now.Add(-threshold), now)
	if err != nil {
		return len(orphaned), fmt.Errorf("failed to reap orphans: %w", err)
	}
	for _, seq := range orphaned {
		s.notifier.SequenceChanged(ctx, seq, "orphaned")
	}
	return len(orphaned), nil
}

// emitEngineEvent persists a reserved-type event on behalf of the engine
// and fans it out. Engine events bypass the reserved-name check by
// construction.
func (s *SequenceService) emitEngineEvent(ctx context.Context, seq *models.EventSequence, eventType, eventKey, publisherIP string) {
	ev := &models.Event{
		AppID:       seq.AppID,
		TaskName:    seq.TaskName,
		TaskID:      seq.TaskID,
		SequenceID:  &seq.ID,
		EventType:   eventType,
		EventKey:    eventKey,
		PublisherIP: publisherIP,
		T:           models.Micros(time.Now()),
	}
	if err := s.events.Insert(ctx, ev); err != nil {
		// The lifecycle transition is already durable; a lost engine event
		// costs an observer a notification, not correctness.
		slog.Error("Failed to persist engine event", "event_type", eventType, "sequence_id", seq.ID.Hex(), "error", err)
		return
	}
	s.notifier.NewEvent(ctx, ev)
}
