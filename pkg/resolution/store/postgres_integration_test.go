//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/freightdesk/migrations"
	"github.com/otherjamesbrown/freightdesk/pkg/db"
	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
)

func setupPostgres(t *testing.T) *Postgres {
	t.Helper()

	dsn := os.Getenv("FREIGHTDESK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FREIGHTDESK_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, &db.Config{URL: dsn})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = db.RunMigrations(ctx, pool, migrations.FS)
	require.NoError(t, err)
	return NewPostgres(pool, logging.NewNopLogger())
}

// uniqueKey keeps runs against a shared database apart.
func uniqueKey() string {
	return fmt.Sprintf("%09d", uuid.New().ID()%1_000_000_000)
}

func TestPostgres_ShipmentLifecycle(t *testing.T) {
	ctx := context.Background()
	p := setupPostgres(t)
	key := uniqueKey()
	msgID := "it-" + uuid.NewString()

	require.NoError(t, p.SaveMessage(ctx, &resolution.Message{
		ID:            msgID,
		SenderAddress: "noreply@maersk.com",
		Subject:       "Booking Confirmation: " + key,
		ReceivedAt:    time.Now().UTC(),
	}))

	s := &resolution.Shipment{BookingNumber: key, BookingKey: key, CreatedFromMessageID: msgID}
	created, err := p.CreateShipment(ctx, s)
	require.NoError(t, err)
	assert.True(t, created)

	again := &resolution.Shipment{BookingNumber: key, BookingKey: key, CreatedFromMessageID: msgID}
	created, err = p.CreateShipment(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s.ID, again.ID)

	applied, _, err := p.SetFieldIfNull(ctx, s.ID, resolution.FieldETD, "2025-12-25")
	require.NoError(t, err)
	assert.True(t, applied)
	applied, current, err := p.SetFieldIfNull(ctx, s.ID, resolution.FieldETD, "2025-12-28")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "2025-12-25", current)

	require.NoError(t, p.RecordFieldConflict(ctx, resolution.FieldConflict{
		ShipmentID: s.ID, Field: resolution.FieldETD, ExistingValue: "2025-12-25", ProposedValue: "2025-12-28", MessageID: msgID,
	}))
	conflicts, err := p.FieldConflicts(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)

	_, linked, err := p.LinkMessage(ctx, resolution.MessageShipmentLink{
		MessageID: msgID, ShipmentID: s.ID, DocumentType: resolution.DocBookingConfirmation, LinkMethod: resolution.LinkCreated,
	})
	require.NoError(t, err)
	assert.True(t, linked)

	moved, err := p.AdvanceState(ctx, s.ID, "vgm_confirmed", 55)
	require.NoError(t, err)
	assert.True(t, moved)
	moved, err = p.AdvanceState(ctx, s.ID, "booking_confirmation_received", 10)
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestPostgres_Orphans(t *testing.T) {
	ctx := context.Background()
	p := setupPostgres(t)
	msgID := "it-" + uuid.NewString()

	_, err := p.Orphan(ctx, msgID)
	assert.True(t, fderrors.IsNotFound(err))

	now := time.Now().UTC()
	require.NoError(t, p.UpsertOrphan(ctx, msgID, resolution.OrphanNoIdentifiers, now))
	require.NoError(t, p.UpsertOrphan(ctx, msgID, resolution.OrphanAwaitingShipment, now.Add(time.Minute)))

	o, err := p.Orphan(ctx, msgID)
	require.NoError(t, err)
	assert.Equal(t, 2, o.Attempts)
	assert.Equal(t, resolution.OrphanAwaitingShipment, o.Reason)

	require.NoError(t, p.ResolveOrphan(ctx, msgID, now))
	o, err = p.Orphan(ctx, msgID)
	require.NoError(t, err)
	assert.NotNil(t, o.ResolvedAt)
}
