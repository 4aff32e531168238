package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/freightdesk/pkg/buildinfo"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/backfill"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/direction"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/queue"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
)

func TestBackfill_ProcessesEverything(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, maerskBooking("m1", t0), forwardedBooking("m2", t0.Add(time.Hour)))

	out, err := env.run(t, "backfill")
	require.NoError(t, err)
	assert.Contains(t, out, `Backfill "default" completed`)
	assert.Contains(t, out, "Processed:  2")

	cp, err := env.mem.LoadCheckpoint(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "m2", cp.LastMessageID)
}

func TestBackfill_JSONAndCheckpointName(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, maerskBooking("m1", t0))

	out, err := env.run(t, "backfill", "--checkpoint", "rules-v2", "--page-size", "1", "-o", "json")
	require.NoError(t, err)

	var report backfill.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "rules-v2", report.Checkpoint)
	assert.Equal(t, 1, report.Processed)
	assert.True(t, report.Completed)
}

func TestBackfill_RejectsBadFlags(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "backfill", "--page-size", "0")
	assert.ErrorContains(t, err, "must be positive")
}

func TestBackfill_EnqueueHandsMessagesToQueue(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, maerskBooking("m1", t0), forwardedBooking("m2", t0.Add(time.Hour)))

	out, err := env.run(t, "backfill", "--enqueue", "-o", "json")
	require.NoError(t, err)

	var report backfill.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Enqueued)

	q := queue.NewRedisQueue(env.redis, queue.DefaultConfig())
	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	// Nothing was processed locally.
	shipments, err := env.mem.ListShipments(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, shipments)
}

func TestSweepOrphans(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, forwardedBooking("fwd", t0))
	_, err := env.run(t, "process", "fwd")
	require.NoError(t, err)

	env.save(t, maerskBooking("direct", t0.Add(time.Hour)))
	_, err = env.run(t, "process", "direct")
	require.NoError(t, err)

	out, err := env.run(t, "sweep", "orphans")
	require.NoError(t, err)
	assert.Contains(t, out, "Swept 1 orphan(s): 1 linked")

	link, err := env.mem.LinkForMessage(context.Background(), "fwd")
	require.NoError(t, err)
	assert.NotZero(t, link.ShipmentID)
}

func TestReview_ListAndRetry(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, unclassifiable("m9", t0))
	_, err := env.run(t, "process", "m9")
	require.NoError(t, err)

	out, err := env.run(t, "review", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "m9")
	assert.Contains(t, out, string(resolution.ReviewIndeterminate))

	out, err = env.run(t, "review", "list", "-o", "json")
	require.NoError(t, err)
	var items []resolution.ReviewItem
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.NotEmpty(t, items)
	assert.Equal(t, "m9", items[0].MessageID)

	out, err = env.run(t, "review", "retry")
	require.NoError(t, err)
	assert.Contains(t, out, "Retried 1 item(s): 0 resolved, 1 still pending")
}

func TestReview_ListEmpty(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "review", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No review items.")
}

// seedDuplicates stores one booking twice, once with the SCAC prefix.
func seedDuplicates(t *testing.T, env *testEnv) (native, legacy *resolution.Shipment) {
	t.Helper()
	ctx := context.Background()
	legacy = &resolution.Shipment{
		BookingNumber:        "MAEU263368698",
		BookingKey:           "MAEU263368698",
		CreatedFromMessageID: "m-old",
		CreatedAt:            t0.Add(-48 * time.Hour),
		Fields:               map[resolution.ShipmentField]string{resolution.FieldVesselName: "MAERSK ESSEX"},
	}
	native = &resolution.Shipment{
		BookingNumber:        "263368698",
		BookingKey:           "263368698",
		CreatedFromMessageID: "m-new",
		CreatedAt:            t0,
	}
	require.NoError(t, env.mem.InsertShipment(ctx, legacy))
	require.NoError(t, env.mem.InsertShipment(ctx, native))
	_, _, err := env.mem.LinkMessage(ctx, resolution.MessageShipmentLink{MessageID: "m-old", ShipmentID: legacy.ID})
	require.NoError(t, err)
	return native, legacy
}

func TestDuplicates_ScanListMerge(t *testing.T) {
	env := newTestEnv(t)
	native, legacy := seedDuplicates(t, env)

	out, err := env.run(t, "duplicates", "scan", "-o", "json")
	require.NoError(t, err)
	var flags []resolution.DuplicateFlag
	require.NoError(t, json.Unmarshal([]byte(out), &flags))
	require.Len(t, flags, 1)
	assert.Equal(t, native.ID, flags[0].CanonicalShipmentID)

	out, err = env.run(t, "duplicates", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "263368698")
	assert.Contains(t, out, "open")

	flagID := fmt.Sprint(flags[0].ID)
	_, err = env.run(t, "duplicates", "merge", flagID)
	assert.ErrorContains(t, err, "note")

	out, err = env.run(t, "duplicates", "merge", flagID, "--note", "SCAC prefix", "--by", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("Merged shipment %d into %d.", legacy.ID, native.ID))
	assert.Contains(t, out, "Duplicate deleted: true")

	s, err := env.mem.ShipmentByID(context.Background(), native.ID)
	require.NoError(t, err)
	assert.Equal(t, "MAERSK ESSEX", s.Field(resolution.FieldVesselName))

	out, err = env.run(t, "duplicates", "list", "--status", "merged")
	require.NoError(t, err)
	assert.Contains(t, out, "ops")
}

func TestDuplicates_Dismiss(t *testing.T) {
	env := newTestEnv(t)
	seedDuplicates(t, env)

	_, err := env.run(t, "duplicates", "scan")
	require.NoError(t, err)
	flags, err := env.mem.ListDuplicateFlags(context.Background(), resolution.DuplicateOpen)
	require.NoError(t, err)
	require.Len(t, flags, 1)

	out, err := env.run(t, "duplicates", "dismiss", fmt.Sprint(flags[0].ID), "--note", "different legs", "--by", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "Dismissed flag")

	out, err = env.run(t, "duplicates", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No duplicate flags.")
}

func TestDuplicates_BadArguments(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "duplicates", "merge", "abc", "--note", "n", "--by", "b")
	assert.ErrorContains(t, err, "invalid flag id")

	_, err = env.run(t, "duplicates", "list", "--status", "closed")
	assert.ErrorContains(t, err, "invalid --status")
}

func TestAuditDirection_NoMismatchUnderSameRules(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, maerskBooking("m1", t0), forwardedBooking("m2", t0.Add(time.Hour)))
	_, err := env.run(t, "process", "m1", "m2")
	require.NoError(t, err)

	out, err := env.run(t, "audit", "direction", "-o", "json")
	require.NoError(t, err)

	var report direction.AuditReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Checked)
	assert.Empty(t, report.Mismatches)
	assert.Equal(t, rules.MustDefault().Version, report.RulesVersion)
}

func TestRules_ValidateDefault(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "rules", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "embedded default")
	assert.Contains(t, out, rules.MustDefault().Version)
	assert.Contains(t, out, "OK")
}

func TestRules_ValidateFile(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(good, rules.DefaultYAML(), 0600))
	out, err := env.run(t, "rules", "validate", good, "-o", "json")
	require.NoError(t, err)
	var summary RulebookSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, good, summary.Source)
	assert.Positive(t, summary.Carriers)
	assert.Positive(t, summary.WorkflowStates)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: x\ncarriers: [unclosed"), 0600))
	_, err = env.run(t, "rules", "validate", bad)
	assert.ErrorContains(t, err, "is invalid")
}

func TestRules_Show(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "rules", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "CARRIER")
	assert.Contains(t, out, "maersk")
	assert.Contains(t, out, "booking_confirmation_received")
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "version", "-o", "json")
	require.NoError(t, err)

	var info buildinfo.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "freightdesk", info.ServiceName)
	assert.Equal(t, rules.MustDefault().Version, info.RulesVersion)
}

func TestMigrate_ReportsConnectionFailure(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "migrate")
	assert.ErrorContains(t, err, "connecting to database")
}

func TestRoot_InvalidOutputFormat(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "review", "list", "-o", "xml")
	assert.ErrorContains(t, err, "output_format")
}

func TestServe_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := env.runContext(t, ctx,
			"serve", "--http-addr", "127.0.0.1:0", "--grpc-addr", "127.0.0.1:0", "--workers", "1")
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
