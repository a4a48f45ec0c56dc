package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbeat/fleetbeat/pkg/models"
)

func TestIssueCode(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()

	code, err := env.codeSvc.IssueCode(ctx, "192.0.2.7")
	require.NoError(t, err)

	assert.Len(t, code.Code, 8)
	assert.Regexp(t, `^\d+$`, code.Code)
	assert.Equal(t, CodeTypeRegistration, code.CodeType)
	assert.False(t, code.Confirmed)
	assert.Equal(t, "192.0.2.7", code.IPAddress)
	assert.WithinDuration(t, time.Now().Add(codeInitialTTL), code.ExpiresAt, time.Minute)
}

func TestIssueCodeGrowsOnCollision(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()

	env.codes.collideFirst = 3
	code, err := env.codeSvc.IssueCode(ctx, "")
	require.NoError(t, err)
	assert.Len(t, code.Code, 11)
}

func TestConfirmCodeExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()

	code, err := env.codeSvc.IssueCode(ctx, "")
	require.NoError(t, err)

	confirmed, err := env.codeSvc.ConfirmCode(ctx, code.Code)
	require.NoError(t, err)
	assert.True(t, confirmed.Confirmed)
	assert.WithinDuration(t, time.Now().Add(codeConfirmedTTL), confirmed.ExpiresAt, time.Minute)

	// A code confirms once.
	_, err = env.codeSvc.ConfirmCode(ctx, code.Code)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.codeSvc.ConfirmCode(ctx, "00000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterWithCode(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()

	code, err := env.codeSvc.IssueCode(ctx, "")
	require.NoError(t, err)
	_, err = env.codeSvc.ConfirmCode(ctx, code.Code)
	require.NoError(t, err)

	app, err := env.codeSvc.RegisterWithCode(ctx, code.Code,
		models.CreateApplicationRequest{Name: "edge-probe"})
	require.NoError(t, err)
	assert.Equal(t, "edge-probe", app.Name)
	assert.NotEmpty(t, app.AccessKey)

	// The code is consumed by the successful registration.
	_, err = env.codeSvc.RegisterWithCode(ctx, code.Code,
		models.CreateApplicationRequest{Name: "second-try"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRegisterWithUnconfirmedCode(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()

	code, err := env.codeSvc.IssueCode(ctx, "")
	require.NoError(t, err)

	_, err = env.codeSvc.RegisterWithCode(ctx, code.Code,
		models.CreateApplicationRequest{Name: "edge-probe"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRegisterWithCodeNameTakenKeepsCode(t *testing.T) {
	ctx := context.Background()
	env, cleanup := newTestEnv(ctx)
	defer cleanup()
	env.seedAppAndTask(ctx)

	code, err := env.codeSvc.IssueCode(ctx, "")
	require.NoError(t, err)
	_, err = env.codeSvc.ConfirmCode(ctx, code.Code)
	require.NoError(t, err)

	_, err = env.codeSvc.RegisterWithCode(ctx, code.Code,
		models.CreateApplicationRequest{Name: "myapp"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// A name clash does not burn the code; retry with a free name works.
	app, err := env.codeSvc.RegisterWithCode(ctx, code.Code,
		models.CreateApplicationRequest{Name: "myapp2"})
	require.NoError(t, err)
	assert.Equal(t, "myapp2", app.Name)
}
