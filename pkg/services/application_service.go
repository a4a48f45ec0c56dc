package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fleetbeat/fleetbeat/pkg/models"
	"github.com/fleetbeat/fleetbeat/pkg/store"
)

// ApplicationService manages the fleet member registry.
type ApplicationService struct {
	apps     store.ApplicationStore
	notifier *Notifier
}

// NewApplicationService creates a new ApplicationService.
func NewApplicationService(apps store.ApplicationStore, notifier *Notifier) *ApplicationService {
	return &ApplicationService{apps: apps, notifier: notifier}
}

// CreateApplication registers a new application with a fresh access key.
// Duplicate names map to ErrAlreadyExists; the unique index arbitrates
// concurrent creates.
func (s *ApplicationService) CreateApplication(ctx context.Context, req models.CreateApplicationRequest) (*models.Application, error) {
	if !models.ValidName(req.Name) {
		return nil, NewValidationError("name", "must be a lowercase identifier")
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Name
	}
	app := &models.Application{
		Name:        req.Name,
		DisplayName: displayName,
		Description: req.Description,
		Tags:        normalizeTags(req.Tags),
		AccessKey:   newAccessKey(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.apps.Create(ctx, app); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("application %q: %w", req.Name, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create application: %w", err)
	}
	return app, nil
}

// GetApplication fetches an application by id.
func (s *ApplicationService) GetApplication(ctx context.Context, id primitive.ObjectID) (*models.Application, error) {
	app, err := s.apps.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "application")
	}
	return app, nil
}

// GetByAccessKey resolves the bearer credential of an agent REST call.
// Unknown or disabled apps map to ErrUnauthorized so callers cannot probe
// for key existence.
func (s *ApplicationService) GetByAccessKey(ctx context.Context, key string) (*models.Application, error) {
	if key == "" {
		return nil, ErrUnauthorized
	}
	app, err := s.apps.GetByAccessKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to resolve access key: %w", err)
	}
	if app.Disabled {
		return nil, ErrUnauthorized
	}
	return app, nil
}

// ListApplications returns all non-deleted applications.
func (s *ApplicationService) ListApplications(ctx context.Context) ([]*models.Application, error) {
	apps, err := s.apps.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	return apps, nil
}

// UpdateApplication patches an application. Nil request fields keep the
// stored value.
func (s *ApplicationService) UpdateApplication(ctx context.Context, id primitive.ObjectID, req models.UpdateApplicationRequest) (*models.Application, error) {
	app, err := s.apps.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "application")
	}
	if app.DeletedAt != nil {
		return nil, fmt.Errorf("application is deleted: %w", ErrNotFound)
	}
	if req.DisplayName != nil {
		app.DisplayName = *req.DisplayName
	}
	if req.Description != nil {
		app.Description = *req.Description
	}
	if req.Tags != nil {
		app.Tags = normalizeTags(*req.Tags)
	}
	if req.Disabled != nil {
		app.Disabled = *req.Disabled
	}
	if err := s.apps.Update(ctx, app); err != nil {
		return nil, mapStoreError(err, "application")
	}
	return app, nil
}

// DeleteApplication soft-deletes: the row survives under a timestamped name
// so the original name is immediately reusable.
func (s *ApplicationService) DeleteApplication(ctx context.Context, id primitive.ObjectID) error {
	if err := s.apps.SoftDelete(ctx, id, time.Now().UTC()); err != nil {
		return mapStoreError(err, "application")
	}
	return nil
}

// RotateAccessKey replaces the access key and asks connected agents to
// reconnect with the new one.
func (s *ApplicationService) RotateAccessKey(ctx context.Context, id primitive.ObjectID) (*models.Application, error) {
	app, err := s.apps.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "application")
	}
	app.AccessKey = newAccessKey()
	if err := s.apps.Update(ctx, app); err != nil {
		return nil, mapStoreError(err, "application")
	}
	s.notifier.ForceReconnect(ctx, app.ID)
	return app, nil
}

// newAccessKey produces the long-lived opaque agent credential.
func newAccessKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// normalizeTags trims whitespace, drops empty entries and deduplicates
// while preserving first-seen order.
func normalizeTags(tags []string) []string {
	out := []string{}
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// mapStoreError converts store sentinels into service sentinels.
func mapStoreError(err error, entity string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%s: %w", entity, ErrAlreadyExists)
	case errors.Is(err, store.ErrTerminalState):
		return fmt.Errorf("%s: %w", entity, ErrConflict)
	default:
		return err
	}
}
