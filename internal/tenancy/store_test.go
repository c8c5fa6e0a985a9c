package tenancy

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settingsRow(mock pgxmock.PgxPoolIface) *pgxmock.Rows {
	now := time.Now().UTC()
	return mock.NewRows([]string{
		"tenant_id", "name", "timezone", "instance", "previsit_hour", "noshow_hour", "audit_hour", "audit_days",
		"previsit_enabled", "noshow_enabled", "audit_enabled", "max_attempts", "created_at", "updated_at",
	}).AddRow("t1", "Studio Bella", "America/Sao_Paulo", "inst1", 18, 18, 2, 7, true, true, true, 3, now, now)
}

func TestGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM tenants WHERE tenant_id").
		WithArgs("t1").
		WillReturnRows(settingsRow(mock))

	store := NewStore(mock)
	set, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Studio Bella", set.Name)
	assert.Equal(t, "America/Sao_Paulo", set.Location().String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM tenants WHERE tenant_id").
		WithArgs("missing").
		WillReturnRows(mock.NewRows([]string{"tenant_id"}))

	store := NewStore(mock)
	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocationFallsBackToUTC(t *testing.T) {
	set := Settings{Timezone: "Mars/Olympus"}
	assert.Equal(t, time.UTC, set.Location())
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithTenantID(context.Background(), "t1")
	id, ok := TenantIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "t1", id)

	_, ok = TenantIDFromContext(context.Background())
	assert.False(t, ok)
}
