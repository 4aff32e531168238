package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/ai"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/pipeline"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/store"
)

var (
	_ pipeline.Store         = (*store.Memory)(nil)
	_ pipeline.MessageSource = (*store.Memory)(nil)
	_ pipeline.Store         = (*store.Postgres)(nil)
	_ pipeline.MessageSource = (*store.Postgres)(nil)
)

var t0 = time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	store  *store.Memory
	engine *pipeline.Engine
}

func newHarness(t *testing.T, opts ...pipeline.Option) *harness {
	t.Helper()
	mem := store.NewMemory()
	base := []pipeline.Option{
		pipeline.WithLogger(logging.NewNopLogger()),
		pipeline.WithClock(func() time.Time { return t0 }),
	}
	engine := pipeline.New(mem, mem, rules.Static(rules.MustDefault()), append(base, opts...)...)
	return &harness{store: mem, engine: engine}
}

func (h *harness) process(t *testing.T, msg *resolution.Message) *resolution.Outcome {
	t.Helper()
	require.NoError(t, h.store.SaveMessage(context.Background(), msg))
	out, err := h.engine.Process(context.Background(), msg.ID)
	require.NoError(t, err)
	require.NotNil(t, out)
	return out
}

func maerskBooking(id string, at time.Time, body string) *resolution.Message {
	return &resolution.Message{
		ID:            id,
		SenderAddress: "noreply@maersk.com",
		SenderName:    "Maersk Line",
		Subject:       "Booking Confirmation: 263368698",
		Body:          body,
		ReceivedAt:    at,
	}
}

func forwardedBooking(id string, at time.Time, body string) *resolution.Message {
	return &resolution.Message{
		ID:            id,
		SenderAddress: "ops@ownorg.com",
		SenderName:    "Maersk via Operations",
		Subject:       "Booking Confirmation: 263368698",
		Body:          body,
		ReceivedAt:    at,
	}
}

func TestScenario_DirectBookingCreatesShipment(t *testing.T) {
	h := newHarness(t)
	out := h.process(t, maerskBooking("m1", t0, "Dear customer,\nETD: 25-Dec-2025\nThank you"))

	assert.Equal(t, resolution.OutcomeResolved, out.Status)
	assert.Equal(t, resolution.DirectionInbound, out.Direction.Direction)
	assert.Equal(t, resolution.MethodDirectDomain, out.Direction.Method)
	assert.Equal(t, resolution.DocBookingConfirmation, out.DocumentType)
	assert.True(t, out.ShipmentCreated)
	assert.Equal(t, "booking_confirmation_received", out.WorkflowState)
	assert.Empty(t, out.Errors)

	s, err := h.store.ShipmentByBookingKey(context.Background(), "263368698")
	require.NoError(t, err)
	assert.Equal(t, out.ShipmentID, s.ID)
	assert.Equal(t, "m1", s.CreatedFromMessageID)
	assert.Equal(t, "maersk", s.CarrierID)
	assert.Equal(t, "2025-12-25", s.Field(resolution.FieldETD))
	assert.Equal(t, 10, s.WorkflowStateOrder)

	link, err := h.store.LinkForMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, resolution.LinkCreated, link.LinkMethod)
	assert.True(t, link.IsSourceOfTruth)

	saved, err := h.store.Outcome(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, resolution.OutcomeResolved, saved.Status)
	assert.Len(t, saved.Stages, 6)
}

func TestScenario_ForwardedCopyLinksToSameShipment(t *testing.T) {
	h := newHarness(t)
	first := h.process(t, maerskBooking("m1", t0, "ETD: 25-Dec-2025"))
	second := h.process(t, forwardedBooking("m2", t0.Add(time.Hour), "ETD: 25-Dec-2025"))

	assert.Equal(t, resolution.MethodForwardMarker, second.Direction.Method)
	assert.Equal(t, resolution.DirectionInbound, second.Direction.Direction)
	assert.Equal(t, first.ShipmentID, second.ShipmentID)
	assert.False(t, second.ShipmentCreated)
	assert.Equal(t, "booking_confirmation_received", second.WorkflowState)

	events, err := h.store.EventsForShipment(context.Background(), first.ShipmentID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "m2", events[1].TriggeringMessageID)
	assert.Equal(t, "booking_confirmation_received", events[1].WorkflowState)

	link, err := h.store.LinkForMessage(context.Background(), "m2")
	require.NoError(t, err)
	assert.False(t, link.IsSourceOfTruth)
}

func TestScenario_OutboundShareAdvancesState(t *testing.T) {
	h := newHarness(t)
	first := h.process(t, maerskBooking("m1", t0, "ETD: 25-Dec-2025"))

	out := h.process(t, &resolution.Message{
		ID:            "m3",
		SenderAddress: "ops@ownorg.com",
		SenderName:    "Operations",
		Subject:       "Booking Confirmation: 263368698",
		Body:          "Please find the booking confirmation attached.",
		ReceivedAt:    t0.Add(2 * time.Hour),
	})

	assert.Equal(t, resolution.DirectionOutbound, out.Direction.Direction)
	assert.Equal(t, first.ShipmentID, out.ShipmentID)
	assert.Equal(t, "booking_confirmation_shared", out.WorkflowState)

	s, err := h.store.ShipmentByID(context.Background(), first.ShipmentID)
	require.NoError(t, err)
	assert.Equal(t, 15, s.WorkflowStateOrder)
	assert.Equal(t, []string{"booking_confirmation_received", "booking_confirmation_shared"}, s.StatesReached)
}

func TestScenario_ArrivalNoticeLinksThroughContainerMapping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.process(t, maerskBooking("m1", t0, "ETD: 25-Dec-2025"))

	_, created, err := h.store.CreateMapping(ctx, resolution.IdentifierMapping{
		Kind:            resolution.KindContainerNumber,
		Value:           "MSKU1234567",
		BookingKey:      "263368698",
		SourceMessageID: "m1",
		CreatedAt:       t0,
	})
	require.NoError(t, err)
	require.True(t, created)

	out := h.process(t, &resolution.Message{
		ID:            "m4",
		SenderAddress: "noreply@maersk.com",
		SenderName:    "Maersk Line",
		Subject:       "Arrival Notice - MSKU1234567",
		Body:          "Your cargo is due.\nETA: 10-Jan-2026",
		ReceivedAt:    t0.Add(30 * 24 * time.Hour),
	})

	assert.Equal(t, resolution.DocArrivalNotice, out.DocumentType)
	assert.Equal(t, first.ShipmentID, out.ShipmentID)
	assert.Equal(t, "arrival_notice_received", out.WorkflowState)

	link, err := h.store.LinkForMessage(ctx, "m4")
	require.NoError(t, err)
	assert.Equal(t, resolution.LinkIdentifierMapping, link.LinkMethod)

	s, err := h.store.ShipmentByID(ctx, first.ShipmentID)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-10", s.Field(resolution.FieldETA))
}

func vgmConfirmation(id string, at time.Time) *resolution.Message {
	return &resolution.Message{
		ID:            id,
		SenderAddress: "noreply@maersk.com",
		SenderName:    "Maersk Line",
		Subject:       "VGM confirmed for booking 263368698",
		Body:          "The VGM for your booking has been accepted.",
		ReceivedAt:    at,
	}
}

func TestScenario_VGMConfirmationCompletesLaterAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.process(t, maerskBooking("m1", t0, "ETD: 25-Dec-2025\nVGM Cut-off: 20-Dec-2025"))
	assert.Equal(t, 1, first.ActionsPlanned)

	items, err := h.store.ActionItems(ctx, first.ShipmentID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Submit VGM declaration", items[0].Description)
	assert.Equal(t, t0, items[0].CreatedAt)
	require.NotNil(t, items[0].Deadline)
	assert.Equal(t, "2025-12-20", items[0].Deadline.Format(time.DateOnly))

	// Received before the action existed: must not complete it.
	early := h.process(t, vgmConfirmation("m5a", t0.Add(-time.Hour)))
	assert.Equal(t, resolution.DocVGMConfirmation, early.DocumentType)
	assert.Equal(t, 0, early.ActionsResolved)

	items, err = h.store.ActionItems(ctx, first.ShipmentID)
	require.NoError(t, err)
	assert.True(t, items[0].Open())

	t1 := t0.Add(48 * time.Hour)
	late := h.process(t, vgmConfirmation("m5b", t1))
	assert.Equal(t, 1, late.ActionsResolved)
	assert.Equal(t, "vgm_confirmed", late.WorkflowState)

	items, err = h.store.ActionItems(ctx, first.ShipmentID)
	require.NoError(t, err)
	require.NotNil(t, items[0].CompletedAt)
	assert.Equal(t, t1, items[0].CompletedAt.UTC())
	assert.Equal(t, "m5b", items[0].CompletedByMessageID)
}

func TestProcess_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg := maerskBooking("m1", t0, "ETD: 25-Dec-2025\nVGM Cut-off: 20-Dec-2025\nContainer: MSKU1234567")

	first := h.process(t, msg)
	second := h.process(t, msg)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.ShipmentID, second.ShipmentID)
	assert.False(t, second.ShipmentCreated)
	assert.Equal(t, 0, second.ActionsPlanned)

	classifications, err := h.store.Classifications(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, classifications, 1)

	ids, err := h.store.IdentifiersFor(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, ids, first.IdentifierCount)

	events, err := h.store.EventsForShipment(ctx, first.ShipmentID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	links, err := h.store.LinksForShipment(ctx, first.ShipmentID)
	require.NoError(t, err)
	assert.Len(t, links, 1)

	items, err := h.store.ActionItems(ctx, first.ShipmentID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestProcess_StateNeverMovesBackward(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.process(t, maerskBooking("m1", t0, "ETD: 25-Dec-2025"))
	h.process(t, vgmConfirmation("m2", t0.Add(time.Hour)))

	again := h.process(t, maerskBooking("m3", t0.Add(2*time.Hour), "Booking re-sent."))
	assert.Equal(t, "vgm_confirmed", again.WorkflowState)

	s, err := h.store.ShipmentByID(ctx, first.ShipmentID)
	require.NoError(t, err)
	assert.Equal(t, 55, s.WorkflowStateOrder)

	events, err := h.store.EventsForShipment(ctx, first.ShipmentID)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestProcess_FirstWriterWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.process(t, maerskBooking("m1", t0, "ETD: 25-Dec-2025"))
	h.process(t, forwardedBooking("m2", t0.Add(time.Hour), "ETD: 28-Dec-2025"))

	s, err := h.store.ShipmentByID(ctx, first.ShipmentID)
	require.NoError(t, err)
	assert.Equal(t, "2025-12-25", s.Field(resolution.FieldETD))

	conflicts, err := h.store.FieldConflicts(ctx, first.ShipmentID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, resolution.FieldETD, conflicts[0].Field)
	assert.Equal(t, "2025-12-25", conflicts[0].ExistingValue)
	assert.Equal(t, "2025-12-28", conflicts[0].ProposedValue)
	assert.Equal(t, "m2", conflicts[0].MessageID)
}

func TestProcess_ConcurrentCopiesOfOneBooking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var msgs []*resolution.Message
	for i := 0; i < 12; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		msgs = append(msgs,
			maerskBooking(fmt.Sprintf("direct-%02d", i), at, "ETD: 25-Dec-2025"),
			forwardedBooking(fmt.Sprintf("fwd-%02d", i), at, "ETD: 25-Dec-2025"),
		)
		if i%3 == 0 {
			msgs = append(msgs, vgmConfirmation(fmt.Sprintf("vgm-%02d", i), at.Add(time.Hour)))
		}
	}
	for _, m := range msgs {
		require.NoError(t, h.store.SaveMessage(ctx, m))
	}

	outcomes := make([]*resolution.Outcome, len(msgs))
	var g errgroup.Group
	for i, m := range msgs {
		g.Go(func() error {
			out, err := h.engine.Process(ctx, m.ID)
			outcomes[i] = out
			return err
		})
	}
	require.NoError(t, g.Wait())

	shipments, err := h.store.ListShipments(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, shipments, 1)
	shipmentID := shipments[0].ID

	created, linked := 0, 0
	for i, out := range outcomes {
		require.NotNil(t, out, msgs[i].ID)
		if out.ShipmentCreated {
			created++
		}
		if out.ShipmentID != 0 {
			linked++
			assert.Equal(t, shipmentID, out.ShipmentID, msgs[i].ID)
		}
		if msgs[i].SenderAddress == "noreply@maersk.com" && out.DocumentType == resolution.DocBookingConfirmation {
			assert.Equal(t, resolution.OutcomeResolved, out.Status, msgs[i].ID)
		}
	}
	assert.Equal(t, 1, created)

	links, err := h.store.LinksForShipment(ctx, shipmentID)
	require.NoError(t, err)
	assert.Len(t, links, linked)

	events, err := h.store.EventsForShipment(ctx, shipmentID)
	require.NoError(t, err)
	seen := map[string]bool{}
	maxOrder := 0
	for _, ev := range events {
		assert.False(t, seen[ev.TriggeringMessageID], "duplicate event for %s", ev.TriggeringMessageID)
		seen[ev.TriggeringMessageID] = true
		maxOrder = max(maxOrder, ev.StateOrder)
	}

	s, err := h.store.ShipmentByID(ctx, shipmentID)
	require.NoError(t, err)
	assert.Equal(t, maxOrder, s.WorkflowStateOrder)
	assert.GreaterOrEqual(t, s.WorkflowStateOrder, 10)
}

func TestProcess_ForwardNeverCreatesShipment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	out := h.process(t, forwardedBooking("m2", t0, "ETD: 25-Dec-2025"))

	assert.Equal(t, resolution.OutcomeOrphaned, out.Status)
	assert.Equal(t, resolution.OrphanAwaitingShipment, out.OrphanReason)
	assert.Zero(t, out.ShipmentID)

	_, err := h.store.ShipmentByBookingKey(ctx, "263368698")
	assert.Error(t, err)

	orphan, err := h.store.Orphan(ctx, "m2")
	require.NoError(t, err)
	assert.Nil(t, orphan.ResolvedAt)

	// The direct copy arrives later; re-running the forward now links it.
	h.process(t, maerskBooking("m1", t0.Add(time.Hour), "ETD: 25-Dec-2025"))
	again := h.process(t, forwardedBooking("m2", t0, "ETD: 25-Dec-2025"))
	assert.Equal(t, resolution.OutcomeResolved, again.Status)

	orphan, err = h.store.Orphan(ctx, "m2")
	require.NoError(t, err)
	assert.NotNil(t, orphan.ResolvedAt)
}

func TestProcess_PrefixedBookingNormalizesToSameShipment(t *testing.T) {
	h := newHarness(t)
	direct := maerskBooking("m1", t0, "ETD: 25-Dec-2025")
	direct.Subject = "Booking Confirmation: MAEU263368698"
	first := h.process(t, direct)
	require.True(t, first.ShipmentCreated)

	s, err := h.store.ShipmentByID(context.Background(), first.ShipmentID)
	require.NoError(t, err)
	assert.Equal(t, "MAEU263368698", s.BookingNumber)
	assert.Equal(t, "263368698", s.BookingKey)

	second := h.process(t, forwardedBooking("m2", t0.Add(time.Hour), ""))
	assert.Equal(t, first.ShipmentID, second.ShipmentID)
}

func TestProcess_IndeterminateIsQueuedForReview(t *testing.T) {
	stub := &ai.StubClient{}
	h := newHarness(t, pipeline.WithAI(stub))
	out := h.process(t, &resolution.Message{
		ID:            "m9",
		SenderAddress: "someone@example.org",
		Subject:       "Hello",
		Body:          "Just checking in.",
		ReceivedAt:    t0,
	})

	assert.Equal(t, resolution.OutcomePendingReview, out.Status)
	assert.Equal(t, resolution.DocUnknown, out.DocumentType)
	assert.Equal(t, resolution.OrphanNoIdentifiers, out.OrphanReason)

	reviews, err := h.store.ListReviews(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, resolution.ReviewIndeterminate, reviews[0].Reason)

	classify, _ := stub.Calls()
	assert.Equal(t, 1, classify)
}

func TestProcess_AIFailureIsAbsorbed(t *testing.T) {
	stub := &ai.StubClient{
		ClassifyFunc: func(context.Context, ai.Request) (*ai.ClassifyResponse, error) {
			return nil, errors.New("503 service unavailable")
		},
	}
	h := newHarness(t, pipeline.WithAI(stub))
	out := h.process(t, &resolution.Message{ID: "m9", SenderAddress: "someone@example.org", Subject: "Hello", ReceivedAt: t0})

	assert.Equal(t, resolution.OutcomePendingReview, out.Status)
	require.NotEmpty(t, out.Errors)
	assert.Contains(t, out.Errors[0], "model_unavailable")
}

func TestProcessBatch_PanicDoesNotStopBatch(t *testing.T) {
	stub := &ai.StubClient{
		ClassifyFunc: func(context.Context, ai.Request) (*ai.ClassifyResponse, error) {
			panic("collaborator exploded")
		},
	}
	h := newHarness(t, pipeline.WithAI(stub))
	ctx := context.Background()
	require.NoError(t, h.store.SaveMessage(ctx, &resolution.Message{ID: "bad", SenderAddress: "x@example.org", Subject: "Hello", ReceivedAt: t0}))
	require.NoError(t, h.store.SaveMessage(ctx, maerskBooking("good", t0, "ETD: 25-Dec-2025")))

	result, err := h.engine.ProcessBatch(ctx, []string{"bad", "good", "missing"})
	require.Error(t, err)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Outcomes, 2)
	assert.Equal(t, resolution.OutcomeFailed, result.Outcomes[0].Status)
	assert.Equal(t, resolution.OutcomeResolved, result.Outcomes[1].Status)

	saved, err := h.store.Outcome(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, resolution.OutcomeFailed, saved.Status)
	assert.Contains(t, saved.Errors[0], "panic")
}

func TestAnalyze_WritesNothing(t *testing.T) {
	h := newHarness(t)
	a := h.engine.Analyze(context.Background(), maerskBooking("m1", t0, "ETD: 25-Dec-2025"))

	assert.Equal(t, resolution.DocBookingConfirmation, a.Classification.DocumentType)
	booking, ok := a.Identifiers.First(resolution.KindBookingNumber)
	assert.True(t, ok)
	assert.Equal(t, "263368698", booking)

	_, err := h.store.ShipmentByBookingKey(context.Background(), "263368698")
	assert.Error(t, err)
}
