package direction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
)

func newResolver() *Resolver {
	return NewResolver(rules.Static(rules.MustDefault()))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		msg        resolution.Message
		direction  resolution.Direction
		method     resolution.DirectionMethod
		trueParty  string
		trueDomain string
		carrierID  string
		category   resolution.SenderCategory
	}{
		{
			name:       "direct carrier domain",
			msg:        resolution.Message{ID: "m1", SenderAddress: "noreply@maersk.com", Subject: "Booking Confirmation: 263368698"},
			direction:  resolution.DirectionInbound,
			method:     resolution.MethodDirectDomain,
			trueParty:  "Maersk",
			trueDomain: "maersk.com",
			carrierID:  "maersk",
			category:   resolution.SenderCarrier,
		},
		{
			name:       "carrier subdomain",
			msg:        resolution.Message{ID: "m2", SenderAddress: "Booking@Notifications.HLAG.com"},
			direction:  resolution.DirectionInbound,
			method:     resolution.MethodDirectDomain,
			trueParty:  "Hapag-Lloyd",
			trueDomain: "notifications.hlag.com",
			carrierID:  "hapag-lloyd",
			category:   resolution.SenderCarrier,
		},
		{
			name:       "apparent sender is carrier",
			msg:        resolution.Message{ID: "m3", SenderAddress: "ops@ownorg.com", ApparentSender: "CMA CGM <noreply@cma-cgm.com>"},
			direction:  resolution.DirectionInbound,
			method:     resolution.MethodDirectDomain,
			trueParty:  "CMA CGM",
			trueDomain: "cma-cgm.com",
			carrierID:  "cma-cgm",
			category:   resolution.SenderCarrier,
		},
		{
			name:       "forward marker with carrier name",
			msg:        resolution.Message{ID: "m4", SenderAddress: "ops@ownorg.com", SenderName: "Maersk via Operations", Subject: "Booking Confirmation: 263368698"},
			direction:  resolution.DirectionInbound,
			method:     resolution.MethodForwardMarker,
			trueParty:  "Maersk",
			trueDomain: "maersk.com",
			carrierID:  "maersk",
			category:   resolution.SenderCarrier,
		},
		{
			name:       "forward marker with carrier address",
			msg:        resolution.Message{ID: "m5", SenderAddress: "ops@ownorg.com", SenderName: "noreply@msc.com via Operations"},
			direction:  resolution.DirectionInbound,
			method:     resolution.MethodForwardMarker,
			trueParty:  "MSC",
			trueDomain: "msc.com",
			carrierID:  "msc",
			category:   resolution.SenderCarrier,
		},
		{
			name:       "forward marker with unknown party stays inbound",
			msg:        resolution.Message{ID: "m6", SenderAddress: "ops@ownorg.com", SenderName: "Acme Trading via Operations", Subject: "Re: cargo ready"},
			direction:  resolution.DirectionInbound,
			method:     resolution.MethodForwardMarker,
			trueParty:  resolution.UnknownExternalParty,
			trueDomain: "",
			category:   resolution.SenderExternal,
		},
		{
			name:       "forward marker with unknown party but carrier subject",
			msg:        resolution.Message{ID: "m7", SenderAddress: "ops@ownorg.com", SenderName: "Bookings via Operations", Subject: "Maersk Booking Confirmation 263368698"},
			direction:  resolution.DirectionInbound,
			method:     resolution.MethodSubjectPattern,
			trueParty:  "Maersk",
			trueDomain: "maersk.com",
			carrierID:  "maersk",
			category:   resolution.SenderCarrier,
		},
		{
			name:       "carrier subject from own domain",
			msg:        resolution.Message{ID: "m8", SenderAddress: "ops@ownorg.com", Subject: "Maersk Booking Confirmation 263368698"},
			direction:  resolution.DirectionInbound,
			method:     resolution.MethodSubjectPattern,
			trueParty:  "Maersk",
			trueDomain: "maersk.com",
			carrierID:  "maersk",
			category:   resolution.SenderCarrier,
		},
		{
			name:       "own domain is outbound",
			msg:        resolution.Message{ID: "m9", SenderAddress: "ops@ownorg.com", SenderName: "Operations", Subject: "Booking Confirmation: 263368698"},
			direction:  resolution.DirectionOutbound,
			method:     resolution.MethodOwnDomain,
			trueParty:  "Operations",
			trueDomain: "ownorg.com",
			category:   resolution.SenderInternal,
		},
		{
			name:       "external fallback",
			msg:        resolution.Message{ID: "m10", SenderAddress: "Buyer@Customer.example"},
			direction:  resolution.DirectionInbound,
			method:     resolution.MethodFallback,
			trueParty:  "buyer@customer.example",
			trueDomain: "customer.example",
			category:   resolution.SenderExternal,
		},
	}

	r := newResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(&tt.msg)
			assert.Equal(t, tt.direction, got.Direction)
			assert.Equal(t, tt.method, got.Method)
			assert.Equal(t, tt.trueParty, got.TrueParty)
			assert.Equal(t, tt.trueDomain, got.TrueDomain)
			assert.Equal(t, tt.carrierID, got.CarrierID)
			assert.Equal(t, tt.category, got.SenderCategory)
		})
	}
}

func TestResolve_IsDirectCarrier(t *testing.T) {
	r := newResolver()
	direct := r.Resolve(&resolution.Message{SenderAddress: "noreply@maersk.com"})
	forwarded := r.Resolve(&resolution.Message{SenderAddress: "ops@ownorg.com", SenderName: "Maersk via Operations"})
	assert.True(t, direct.IsDirectCarrier())
	assert.False(t, forwarded.IsDirectCarrier())
}

func TestDomainOf(t *testing.T) {
	tests := map[string]string{
		"noreply@maersk.com":           "maersk.com",
		"Ops <OPS@OwnOrg.com>":         "ownorg.com",
		"maersk.com":                   "maersk.com",
		"Maersk":                       "",
		"":                             "",
		"not a domain.com with spaces": "",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, DomainOf(in))
		})
	}
}

type fakeAuditSource struct {
	records []AuditRecord
	err     error
}

func (f *fakeAuditSource) DirectionAuditRecords(ctx context.Context, limit int) ([]AuditRecord, error) {
	return f.records, f.err
}

func TestAudit(t *testing.T) {
	r := newResolver()
	src := &fakeAuditSource{records: []AuditRecord{
		{
			Message: &resolution.Message{ID: "same", SenderAddress: "noreply@maersk.com"},
			Stored:  resolution.ResolvedDirection{Direction: resolution.DirectionInbound, Method: resolution.MethodDirectDomain, TrueParty: "maersk"},
		},
		{
			Message: &resolution.Message{ID: "changed", SenderAddress: "ops@ownorg.com", SenderName: "Maersk via Operations"},
			Stored:  resolution.ResolvedDirection{Direction: resolution.DirectionOutbound, Method: resolution.MethodOwnDomain, TrueParty: "Maersk via Operations"},
		},
	}}

	report, err := r.Audit(context.Background(), src, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "changed", report.Mismatches[0].MessageID)
	assert.Equal(t, resolution.DirectionInbound, report.Mismatches[0].Current.Direction)

	_, err = r.Audit(context.Background(), &fakeAuditSource{err: errors.New("db down")}, 10)
	require.Error(t, err)
}
