package usecase_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/domain"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/usecase"
)

func TestEvents_RecordOpen(t *testing.T) {
	t.Parallel()
	repo := &recordingResultRepo{inserted: true}
	svc := usecase.NewEventService(repo)

	svc.RecordOpen(context.Background(), uuid.Must(uuid.NewV7()))
	require.Len(t, repo.appended, 1)
	assert.Equal(t, "Open", repo.appended[0])
}

func TestEvents_RecordOpen_SwallowsErrors(t *testing.T) {
	t.Parallel()
	repo := &recordingResultRepo{appendErr: assert.AnError}
	svc := usecase.NewEventService(repo)

	// Must not panic or surface anything; pixel delivery never depends on it.
	svc.RecordOpen(context.Background(), uuid.Must(uuid.NewV7()))
	assert.Empty(t, repo.appended)
}

func TestEvents_RecordProviderEvent(t *testing.T) {
	t.Parallel()
	repo := &recordingResultRepo{inserted: true}
	svc := usecase.NewEventService(repo)

	err := svc.RecordProviderEvent(context.Background(), uuid.Must(uuid.NewV7()), "Bounce", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"Bounce"}, repo.appended)
}

func TestEvents_RecordProviderEvent_DuplicateIsIdempotent(t *testing.T) {
	t.Parallel()
	repo := &recordingResultRepo{inserted: false} // conflict: row already present
	svc := usecase.NewEventService(repo)

	err := svc.RecordProviderEvent(context.Background(), uuid.Must(uuid.NewV7()), "Delivery", []byte(`{}`))
	require.NoError(t, err)
}

func TestEvents_RecordProviderEvent_EmptyStatus(t *testing.T) {
	t.Parallel()
	svc := usecase.NewEventService(&recordingResultRepo{})

	err := svc.RecordProviderEvent(context.Background(), uuid.Must(uuid.NewV7()), "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
