package cmd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
)

func TestProcess_ResolvesStoredMessage(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, maerskBooking("m1", t0))

	out, err := env.run(t, "process", "m1")
	require.NoError(t, err)
	assert.Contains(t, out, "m1")
	assert.Contains(t, out, "resolved")
	assert.Contains(t, out, "booking_confirmation_received")

	s, err := env.mem.ShipmentByBookingKey(context.Background(), "263368698")
	require.NoError(t, err)
	assert.Equal(t, "m1", s.CreatedFromMessageID)
}

func TestProcess_JSONOutput(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, maerskBooking("m1", t0), forwardedBooking("m2", t0.Add(time.Hour)))

	out, err := env.run(t, "process", "m1", "m2", "-o", "json")
	require.NoError(t, err)

	var outcomes []resolution.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcomes))
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].ShipmentCreated)
	assert.False(t, outcomes[1].ShipmentCreated)
	assert.Equal(t, outcomes[0].ShipmentID, outcomes[1].ShipmentID)
}

func TestProcess_UnknownMessageFailsButReportsOthers(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, maerskBooking("m1", t0))

	out, err := env.run(t, "process", "m1", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 message(s) failed")
	assert.Contains(t, out, "m1")
}

func TestProcess_DryRunWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, maerskBooking("m1", t0))

	out, err := env.run(t, "process", "m1", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "inbound via direct-domain")
	assert.Contains(t, out, "booking_confirmation")
	assert.Contains(t, out, "263368698")

	shipments, err := env.mem.ListShipments(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, shipments)
}

func TestProcess_RequiresAnID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "process")
	assert.Error(t, err)
}

func TestResolveFile(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "thread.json")
	data, err := json.Marshal([]*resolution.Message{
		maerskBooking("m1", t0),
		forwardedBooking("m2", t0.Add(time.Hour)),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	out, err := env.run(t, "resolve-file", path, "-o", "json")
	require.NoError(t, err)

	var result ResolveFileResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Outcomes, 2)
	require.Len(t, result.Shipments, 1)
	assert.Equal(t, "263368698", result.Shipments[0].BookingNumber)
	for _, o := range result.Outcomes {
		assert.Equal(t, resolution.OutcomeResolved, o.Status)
	}

	// The file's messages never reach the configured store.
	_, err = env.mem.Message(context.Background(), "m1")
	assert.Error(t, err)
}

func TestResolveFile_SingleObject(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "one.json")
	data, err := json.Marshal(maerskBooking("m1", t0))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	out, err := env.run(t, "resolve-file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "SHIPMENT")
	assert.Contains(t, out, "263368698")
}

func TestReadMessages_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := readMessages(filepath.Join(dir, "missing.json"), logging.NewNopLogger())
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0600))
	_, err = readMessages(bad, logging.NewNopLogger())
	assert.ErrorContains(t, err, "parsing")

	noID := filepath.Join(dir, "noid.json")
	require.NoError(t, os.WriteFile(noID, []byte(`[{"subject": "x"}]`), 0600))
	_, err = readMessages(noID, logging.NewNopLogger())
	assert.ErrorContains(t, err, "has no id")
}

const maerskEML = `Message-ID: <bc-263368698@maersk.com>
From: "Maersk Line" <noreply@maersk.com>
To: ops@ownorg.com
Subject: Booking Confirmation: 263368698
Date: Mon, 1 Dec 2025 09:00:00 +0000
Content-Type: text/plain; charset=utf-8

Dear customer,
ETD: 25-Dec-2025
Thank you
`

func TestResolveFile_EML(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "booking.eml")
	require.NoError(t, os.WriteFile(path, []byte(maerskEML), 0600))

	out, err := env.run(t, "resolve-file", path, "-o", "json")
	require.NoError(t, err)

	var result ResolveFileResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, "bc-263368698@maersk.com", result.Outcomes[0].MessageID)
	assert.Equal(t, resolution.OutcomeResolved, result.Outcomes[0].Status)
	require.Len(t, result.Shipments, 1)
	assert.Equal(t, "263368698", result.Shipments[0].BookingNumber)
}
