package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
	"github.com/fleetbeat/fleetbeat/pkg/store"
	"github.com/fleetbeat/fleetbeat/pkg/transit"
)

// EventService handles agent-published events.
type EventService struct {
	events    store.EventStore
	seqs      store.SequenceStore
	sequences *SequenceService
	bus       *transit.Bus
	notifier  *Notifier
}

// NewEventService creates a new EventService.
func NewEventService(events store.EventStore, seqs store.SequenceStore, sequences *SequenceService, bus *transit.Bus, notifier *Notifier) *EventService {
	return &EventService{events: events, seqs: seqs, sequences: sequences, bus: bus, notifier: notifier}
}

// CreateEvent persists an agent-published event and fans it out.
//
// Sequence-bound events take the sequence's qualified task name into their
// routing key; cross-app sequences are rejected as unauthorized and terminal
// sequences as conflicts. Reserved type names are refused: only the engine
// emits those. Publishing into a frozen sequence resumes it, since a
// publishing agent is by definition alive.
func (s *EventService) CreateEvent(ctx context.Context, app *models.Application, connectionUUID string, req models.CreateEventRequest, publisherIP string) (*models.Event, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "event name is required")
	}
	if models.ReservedEventType(req.Name) {
		return nil, NewValidationError("name", fmt.Sprintf("%q is a reserved event type", req.Name))
	}

	ev := &models.Event{
		AppID:       app.ID,
		EventType:   req.Name,
		Data:        req.Data,
		PublisherIP: publisherIP,
		T:           models.Micros(time.Now()),
	}

	var seq *models.EventSequence
	if req.SequenceID != nil {
		var err error
		seq, err = s.seqs.GetByID(ctx, *req.SequenceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("sequence: %w", ErrNotFound)
			}
			return nil, fmt.Errorf("failed to load sequence: %w", err)
		}
		if seq.AppID != app.ID {
			return nil, fmt.Errorf("sequence belongs to another application: %w", ErrUnauthorized)
		}
		if seq.State.Terminal() {
			return nil, fmt.Errorf("sequence is finished: %w", ErrConflict)
		}
		ev.SequenceID = &seq.ID
		ev.TaskID = seq.TaskID
		ev.TaskName = seq.TaskName
		ev.EventKey = models.SequenceEventKey(seq.TaskName, req.Name)
	} else {
		ev.EventKey = models.FreeFormEventKey(app.Name, req.Name)
	}

	if err := s.events.Insert(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to persist event: %w", err)
	}

	s.bus.Dispatch(ctx, NewEvent{EventID: ev.ID, AppID: ev.AppID, TaskID: ev.TaskID})
	s.notifier.NewEvent(ctx, ev)

	if seq != nil && seq.State == models.SequenceFrozen {
		if _, err := s.sequences.Unfreeze(ctx, seq.ID, connectionUUID); err != nil &&
			!errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) {
			return ev, fmt.Errorf("event stored but unfreeze failed: %w", err)
		}
	}
	return ev, nil
}

// ListBySequence returns all events of a sequence, oldest first.
func (s *EventService) ListBySequence(ctx context.Context, ownerApp primitive.ObjectID, sequenceID primitive.ObjectID) ([]*models.Event, error) {
	if _, err := s.sequences.GetSequence(ctx, sequenceID, ownerApp); err != nil {
		return nil, err
	}
	events, err := s.events.ListBySequence(ctx, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// ListByApp returns events of an app after the given microsecond cursor.
func (s *EventService) ListByApp(ctx context.Context, appID primitive.ObjectID, afterT int64, limit int64) ([]*models.Event, error) {
	events, err := s.events.ListByApp(ctx, appID, afterT, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}
