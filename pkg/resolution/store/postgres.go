package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/direction"
)

// fieldColumns are the nullable shipment columns, in select order. Column
// names equal the ShipmentField values.
var fieldColumns = []resolution.ShipmentField{
	resolution.FieldBLNumber,
	resolution.FieldMBLNumber,
	resolution.FieldHBLNumber,
	resolution.FieldContainerNumber,
	resolution.FieldCarrierID,
	resolution.FieldVesselName,
	resolution.FieldVoyageNumber,
	resolution.FieldPortOfLoading,
	resolution.FieldPortOfDischarge,
	resolution.FieldPlaceOfReceipt,
	resolution.FieldPlaceOfDelivery,
	resolution.FieldShipper,
	resolution.FieldConsignee,
	resolution.FieldETD,
	resolution.FieldETA,
	resolution.FieldSICutoff,
	resolution.FieldVGMCutoff,
	resolution.FieldCargoCutoff,
	resolution.FieldGateCutoff,
}

func isDateColumn(f resolution.ShipmentField) bool {
	switch f {
	case resolution.FieldETD, resolution.FieldETA, resolution.FieldSICutoff,
		resolution.FieldVGMCutoff, resolution.FieldCargoCutoff, resolution.FieldGateCutoff:
		return true
	}
	return false
}

func isFieldColumn(f resolution.ShipmentField) bool {
	for _, c := range fieldColumns {
		if c == f {
			return true
		}
	}
	return false
}

var shipmentSelect = func() string {
	cols := []string{"s.id", "s.booking_number", "s.booking_key"}
	for _, f := range fieldColumns {
		if isDateColumn(f) {
			cols = append(cols, fmt.Sprintf("to_char(s.%s, 'YYYY-MM-DD')", f))
			continue
		}
		cols = append(cols, "s."+string(f))
	}
	cols = append(cols,
		"COALESCE(s.workflow_state, '')",
		"s.workflow_state_order",
		"s.created_from_message_id",
		"s.created_at",
		"s.updated_at",
		`COALESCE((SELECT array_agg(e.workflow_state ORDER BY e.state_order, e.workflow_state)
			FROM (SELECT DISTINCT workflow_state, state_order FROM workflow_events WHERE shipment_id = s.id) e), '{}')`,
	)
	return "SELECT " + strings.Join(cols, ", ") + " FROM shipments s"
}()

const messageColumns = `m.id, m.sender_address, m.sender_name, m.apparent_sender, m.subject, m.body,
	m.received_at, m.thread_id, m.thread_position`

// Postgres is the pgx-backed store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgres creates a Postgres store on an open pool.
func NewPostgres(pool *pgxpool.Pool, logger logging.Logger) *Postgres {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Postgres{
		pool:   pool,
		logger: logger.With(logging.F("component", "resolution_store")),
	}
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func wrapNoRows(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", fderrors.ErrNotFound, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Messages

// SaveMessage upserts a message and replaces its attachments.
func (p *Postgres) SaveMessage(ctx context.Context, msg *resolution.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("%w: message id is required", fderrors.ErrValidation)
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO messages (id, sender_address, sender_name, apparent_sender, subject, body,
				received_at, thread_id, thread_position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				sender_address = EXCLUDED.sender_address,
				sender_name = EXCLUDED.sender_name,
				apparent_sender = EXCLUDED.apparent_sender,
				subject = EXCLUDED.subject,
				body = EXCLUDED.body,
				received_at = EXCLUDED.received_at,
				thread_id = EXCLUDED.thread_id,
				thread_position = EXCLUDED.thread_position
		`, msg.ID, msg.SenderAddress, msg.SenderName, msg.ApparentSender, msg.Subject, msg.Body,
			msg.ReceivedAt, msg.ThreadID, msg.ThreadPosition)
		if err != nil {
			return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM message_attachments WHERE message_id = $1`, msg.ID); err != nil {
			return fmt.Errorf("failed to clear attachments: %w", err)
		}
		for i, a := range msg.Attachments {
			status := a.Status
			if status == "" {
				status = resolution.AttachmentExtracted
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO message_attachments (message_id, position, filename, extracted_text, status)
				VALUES ($1, $2, $3, $4, $5)
			`, msg.ID, i, a.Filename, a.Text, string(status))
			if err != nil {
				return fmt.Errorf("failed to save attachment %d: %w", i, err)
			}
		}
		return nil
	})
}

// Message loads a message with its attachments.
func (p *Postgres) Message(ctx context.Context, id string) (*resolution.Message, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", id, err)
	}
	msgs, err := p.collectMessages(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: message %s", fderrors.ErrNotFound, id)
	}
	return &msgs[0], nil
}

// MessagesAfter pages messages by the (received_at, id) keyset.
func (p *Postgres) MessagesAfter(ctx context.Context, receivedAt time.Time, id string, limit int) ([]resolution.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE (m.received_at, m.id) > ($1, $2)
		ORDER BY m.received_at, m.id
		LIMIT $3
	`, receivedAt, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to page messages: %w", err)
	}
	return p.collectMessages(ctx, rows)
}

func scanMessage(row pgx.Row, msg *resolution.Message) error {
	return row.Scan(&msg.ID, &msg.SenderAddress, &msg.SenderName, &msg.ApparentSender,
		&msg.Subject, &msg.Body, &msg.ReceivedAt, &msg.ThreadID, &msg.ThreadPosition)
}

func (p *Postgres) collectMessages(ctx context.Context, rows pgx.Rows) ([]resolution.Message, error) {
	var msgs []resolution.Message
	for rows.Next() {
		var msg resolution.Message
		if err := scanMessage(rows, &msg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	if err := p.loadAttachments(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (p *Postgres) loadAttachments(ctx context.Context, msgs []resolution.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		index[m.ID] = i
	}
	rows, err := p.pool.Query(ctx, `
		SELECT message_id, filename, extracted_text, status
		FROM message_attachments
		WHERE message_id = ANY($1)
		ORDER BY message_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to load attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var msgID, status string
		var a resolution.AttachmentText
		if err := rows.Scan(&msgID, &a.Filename, &a.Text, &status); err != nil {
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.Status = resolution.AttachmentStatus(status)
		i := index[msgID]
		msgs[i].Attachments = append(msgs[i].Attachments, a)
	}
	return rows.Err()
}

// Classifications and identifiers

// AppendClassification appends c; an identical (message, rules version,
// content hash, type) row makes it a no-op.
func (p *Postgres) AppendClassification(ctx context.Context, c *resolution.Classification) (bool, error) {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO document_classifications
			(message_id, document_type, confidence, method, evidence, rules_version, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id, rules_version, content_hash, document_type) DO NOTHING
		RETURNING id
	`, c.MessageID, string(c.DocumentType), c.Confidence, string(c.Method), c.Evidence,
		c.RulesVersion, c.ContentHash, c.CreatedAt).Scan(&c.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to append classification: %w", err)
	}
	return true, nil
}

// Classifications returns the classification history of a message.
func (p *Postgres) Classifications(ctx context.Context, messageID string) ([]resolution.Classification, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, message_id, document_type, confidence, method, evidence, rules_version, content_hash, created_at
		FROM document_classifications
		WHERE message_id = $1
		ORDER BY id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load classifications: %w", err)
	}
	defer rows.Close()
	var out []resolution.Classification
	for rows.Next() {
		var c resolution.Classification
		var dt, method string
		if err := rows.Scan(&c.ID, &c.MessageID, &dt, &c.Confidence, &method, &c.Evidence,
			&c.RulesVersion, &c.ContentHash, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan classification: %w", err)
		}
		c.DocumentType = resolution.DocumentType(dt)
		c.Method = resolution.ClassificationMethod(method)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendIdentifiers inserts identifiers in one batch and returns how many
// were new.
func (p *Postgres) AppendIdentifiers(ctx context.Context, ids resolution.Identifiers) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue(`
			INSERT INTO extracted_identifiers
				(message_id, kind, value, confidence, extraction_method, source, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (message_id, kind, value) DO NOTHING
		`, id.MessageID, string(id.Kind), id.Value, id.Confidence, string(id.ExtractionMethod), id.Source, id.CreatedAt)
	}
	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()
	n := 0
	for range ids {
		tag, err := results.Exec()
		if err != nil {
			return n, fmt.Errorf("failed to append identifier: %w", err)
		}
		n += int(tag.RowsAffected())
	}
	return n, nil
}

// IdentifiersFor returns the stored identifiers of a message.
func (p *Postgres) IdentifiersFor(ctx context.Context, messageID string) (resolution.Identifiers, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, message_id, kind, value, confidence, extraction_method, source, created_at
		FROM extracted_identifiers
		WHERE message_id = $1
		ORDER BY id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load identifiers: %w", err)
	}
	defer rows.Close()
	var out resolution.Identifiers
	for rows.Next() {
		var id resolution.ExtractedIdentifier
		var kind, method string
		if err := rows.Scan(&id.ID, &id.MessageID, &kind, &id.Value, &id.Confidence, &method,
			&id.Source, &id.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan identifier: %w", err)
		}
		id.Kind = resolution.IdentifierKind(kind)
		id.ExtractionMethod = resolution.ExtractionMethod(method)
		out = append(out, id)
	}
	return out, rows.Err()
}

// Shipments

func scanShipment(row pgx.Row) (*resolution.Shipment, error) {
	s := &resolution.Shipment{}
	vals := make([]*string, len(fieldColumns))
	dest := []any{&s.ID, &s.BookingNumber, &s.BookingKey}
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	dest = append(dest, &s.WorkflowState, &s.WorkflowStateOrder, &s.CreatedFromMessageID,
		&s.CreatedAt, &s.UpdatedAt, &s.StatesReached)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	for i, f := range fieldColumns {
		if vals[i] != nil {
			s.SetField(f, *vals[i])
		}
	}
	return s, nil
}

func (p *Postgres) shipmentWhere(ctx context.Context, where string, arg any, what string) (*resolution.Shipment, error) {
	s, err := scanShipment(p.pool.QueryRow(ctx, shipmentSelect+" WHERE "+where+" ORDER BY s.id LIMIT 1", arg))
	if err != nil {
		return nil, wrapNoRows(err, "shipment %s", what)
	}
	return s, nil
}

// ShipmentByID returns a shipment.
func (p *Postgres) ShipmentByID(ctx context.Context, id int64) (*resolution.Shipment, error) {
	return p.shipmentWhere(ctx, "s.id = $1", id, fmt.Sprint(id))
}

// ShipmentByBookingNumber finds a shipment by stored raw booking number.
func (p *Postgres) ShipmentByBookingNumber(ctx context.Context, bookingNumber string) (*resolution.Shipment, error) {
	return p.shipmentWhere(ctx, "s.booking_number = $1", bookingNumber, "with booking "+bookingNumber)
}

// ShipmentByBookingKey finds a shipment by normalized booking key.
func (p *Postgres) ShipmentByBookingKey(ctx context.Context, key string) (*resolution.Shipment, error) {
	return p.shipmentWhere(ctx, "s.booking_key = $1", key, "with booking key "+key)
}

// CreateShipment inserts s unless its booking key exists, then fills s from
// the stored row.
func (p *Postgres) CreateShipment(ctx context.Context, s *resolution.Shipment) (bool, error) {
	if s.BookingKey == "" {
		return false, fmt.Errorf("%w: booking key is required", fderrors.ErrValidation)
	}
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO shipments (booking_number, booking_key, carrier_id, created_from_message_id, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $5)
		ON CONFLICT (booking_key) DO NOTHING
		RETURNING id
	`, s.BookingNumber, s.BookingKey, s.CarrierID, s.CreatedFromMessageID, s.CreatedAt).Scan(&id)
	created := true
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		p.logger.Debug("Shipment already exists for booking key",
			logging.F("booking_key", s.BookingKey))
	} else if err != nil {
		return false, fmt.Errorf("failed to create shipment: %w", err)
	}

	var stored *resolution.Shipment
	if created {
		stored, err = p.ShipmentByID(ctx, id)
	} else {
		stored, err = p.ShipmentByBookingKey(ctx, s.BookingKey)
	}
	if err != nil {
		return false, err
	}
	*s = *stored
	return created, nil
}

// SetFieldIfNull writes value only into an empty column.
func (p *Postgres) SetFieldIfNull(ctx context.Context, id int64, field resolution.ShipmentField, value string) (bool, string, error) {
	if !isFieldColumn(field) {
		return false, "", fmt.Errorf("%w: %s is not a backfillable column", fderrors.ErrValidation, field)
	}
	col := string(field)
	param, read := "$2", col
	if isDateColumn(field) {
		param, read = "$2::date", fmt.Sprintf("to_char(%s, 'YYYY-MM-DD')", col)
	}
	tag, err := p.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE shipments SET %[1]s = %[2]s, updated_at = NOW()
		WHERE id = $1 AND (%[1]s IS NULL OR %[1]s::text = '')
	`, col, param), id, value)
	if err != nil {
		return false, "", fmt.Errorf("failed to set %s: %w", col, err)
	}
	if tag.RowsAffected() == 1 {
		return true, value, nil
	}
	var current *string
	err = p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM shipments WHERE id = $1`, read), id).Scan(&current)
	if err != nil {
		return false, "", wrapNoRows(err, "shipment %d", id)
	}
	if current == nil {
		return false, "", nil
	}
	return false, *current, nil
}

// RecordFieldConflict appends a rejected overwrite.
func (p *Postgres) RecordFieldConflict(ctx context.Context, c resolution.FieldConflict) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO field_conflicts (shipment_id, field, existing_value, proposed_value, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (shipment_id, field, proposed_value, message_id) DO NOTHING
	`, c.ShipmentID, string(c.Field), c.ExistingValue, c.ProposedValue, c.MessageID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record field conflict: %w", err)
	}
	return nil
}

// FieldConflicts returns a shipment's rejected overwrites, oldest first.
func (p *Postgres) FieldConflicts(ctx context.Context, shipmentID int64) ([]resolution.FieldConflict, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT shipment_id, field, existing_value, proposed_value, message_id, created_at
		FROM field_conflicts
		WHERE shipment_id = $1
		ORDER BY id
	`, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list field conflicts: %w", err)
	}
	defer rows.Close()
	var out []resolution.FieldConflict
	for rows.Next() {
		var c resolution.FieldConflict
		var field string
		if err := rows.Scan(&c.ShipmentID, &field, &c.ExistingValue, &c.ProposedValue, &c.MessageID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan field conflict: %w", err)
		}
		c.Field = resolution.ShipmentField(field)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListShipments pages shipments in id order.
func (p *Postgres) ListShipments(ctx context.Context, afterID int64, limit int) ([]resolution.Shipment, error) {
	rows, err := p.pool.Query(ctx, shipmentSelect+` WHERE s.id > $1 ORDER BY s.id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list shipments: %w", err)
	}
	defer rows.Close()
	var out []resolution.Shipment
	for rows.Next() {
		s, err := scanShipment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan shipment: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Links and mappings

const linkColumns = `message_id, shipment_id, document_type, link_method, confidence_score, is_source_of_truth, created_at`

func scanLink(row pgx.Row) (resolution.MessageShipmentLink, error) {
	var l resolution.MessageShipmentLink
	var dt, method string
	err := row.Scan(&l.MessageID, &l.ShipmentID, &dt, &method, &l.ConfidenceScore, &l.IsSourceOfTruth, &l.CreatedAt)
	l.DocumentType = resolution.DocumentType(dt)
	l.LinkMethod = resolution.LinkMethod(method)
	return l, err
}

// LinkMessage inserts link unless the message is already linked and
// returns the stored link.
func (p *Postgres) LinkMessage(ctx context.Context, link resolution.MessageShipmentLink) (resolution.MessageShipmentLink, bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO message_shipment_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_id) DO NOTHING
	`, link.MessageID, link.ShipmentID, string(link.DocumentType), string(link.LinkMethod),
		link.ConfidenceScore, link.IsSourceOfTruth, link.CreatedAt)
	if err != nil {
		return resolution.MessageShipmentLink{}, false, fmt.Errorf("failed to link message: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return link, true, nil
	}
	stored, err := p.LinkForMessage(ctx, link.MessageID)
	if err != nil {
		return resolution.MessageShipmentLink{}, false, err
	}
	return *stored, false, nil
}

// LinkForMessage returns the link of a message.
func (p *Postgres) LinkForMessage(ctx context.Context, messageID string) (*resolution.MessageShipmentLink, error) {
	l, err := scanLink(p.pool.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM message_shipment_links WHERE message_id = $1`, messageID))
	if err != nil {
		return nil, wrapNoRows(err, "link for message %s", messageID)
	}
	return &l, nil
}

// LinksForShipment returns every link to a shipment.
func (p *Postgres) LinksForShipment(ctx context.Context, shipmentID int64) ([]resolution.MessageShipmentLink, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+linkColumns+` FROM message_shipment_links WHERE shipment_id = $1 ORDER BY message_id`, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load links: %w", err)
	}
	defer rows.Close()
	var out []resolution.MessageShipmentLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// MappingFor returns the mapping of a secondary identifier.
func (p *Postgres) MappingFor(ctx context.Context, kind resolution.IdentifierKind, value string) (*resolution.IdentifierMapping, error) {
	m := &resolution.IdentifierMapping{Kind: kind, Value: value}
	err := p.pool.QueryRow(ctx, `
		SELECT booking_key, source_message_id, created_at
		FROM identifier_mappings WHERE kind = $1 AND value = $2
	`, string(kind), value).Scan(&m.BookingKey, &m.SourceMessageID, &m.CreatedAt)
	if err != nil {
		return nil, wrapNoRows(err, "mapping for %s %s", kind, value)
	}
	return m, nil
}

// CreateMapping inserts m unless (kind, value) is mapped and returns the
// stored mapping.
func (p *Postgres) CreateMapping(ctx context.Context, m resolution.IdentifierMapping) (resolution.IdentifierMapping, bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO identifier_mappings (kind, value, booking_key, source_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kind, value) DO NOTHING
	`, string(m.Kind), m.Value, m.BookingKey, m.SourceMessageID, m.CreatedAt)
	if err != nil {
		return resolution.IdentifierMapping{}, false, fmt.Errorf("failed to create mapping: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return m, true, nil
	}
	stored, err := p.MappingFor(ctx, m.Kind, m.Value)
	if err != nil {
		return resolution.IdentifierMapping{}, false, err
	}
	return *stored, false, nil
}

// Reviews and orphans

// EnqueueReview queues item unless an open item for the same message and
// reason exists.
func (p *Postgres) EnqueueReview(ctx context.Context, item resolution.ReviewItem) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO review_items (message_id, reason, details, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, reason) WHERE resolved_at IS NULL DO NOTHING
	`, item.MessageID, string(item.Reason), item.Details, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to queue review: %w", err)
	}
	return nil
}

// ListReviews returns review items, oldest first.
func (p *Postgres) ListReviews(ctx context.Context, all bool) ([]resolution.ReviewItem, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, message_id, reason, details, created_at, resolved_at
		FROM review_items
		WHERE $1 OR resolved_at IS NULL
		ORDER BY id
	`, all)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()
	var out []resolution.ReviewItem
	for rows.Next() {
		var r resolution.ReviewItem
		var reason string
		if err := rows.Scan(&r.ID, &r.MessageID, &reason, &r.Details, &r.CreatedAt, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		r.Reason = resolution.ReviewReason(reason)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveReview marks a review item resolved.
func (p *Postgres) ResolveReview(ctx context.Context, id int64, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE review_items SET resolved_at = COALESCE(resolved_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to resolve review %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: review item %d", fderrors.ErrNotFound, id)
	}
	return nil
}

// UpsertOrphan records another unresolved attempt for a message.
func (p *Postgres) UpsertOrphan(ctx context.Context, messageID string, reason resolution.OrphanReason, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO orphans (message_id, reason, attempts, first_seen_at, last_attempt_at)
		VALUES ($1, $2, 1, $3, $3)
		ON CONFLICT (message_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			attempts = orphans.attempts + 1,
			last_attempt_at = EXCLUDED.last_attempt_at,
			resolved_at = NULL
	`, messageID, string(reason), at)
	if err != nil {
		return fmt.Errorf("failed to record orphan: %w", err)
	}
	return nil
}

// ResolveOrphan marks an orphan resolved.
func (p *Postgres) ResolveOrphan(ctx context.Context, messageID string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE orphans SET resolved_at = $2 WHERE message_id = $1 AND resolved_at IS NULL`, messageID, at)
	if err != nil {
		return fmt.Errorf("failed to resolve orphan: %w", err)
	}
	return nil
}

// ListOrphans returns unresolved orphans, least recently attempted first.
func (p *Postgres) ListOrphans(ctx context.Context, limit int) ([]resolution.Orphan, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT message_id, reason, attempts, first_seen_at, last_attempt_at, resolved_at
		FROM orphans
		WHERE resolved_at IS NULL
		ORDER BY last_attempt_at, message_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphans: %w", err)
	}
	defer rows.Close()
	var out []resolution.Orphan
	for rows.Next() {
		var o resolution.Orphan
		var reason string
		if err := rows.Scan(&o.MessageID, &reason, &o.Attempts, &o.FirstSeenAt, &o.LastAttemptAt, &o.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan orphan: %w", err)
		}
		o.Reason = resolution.OrphanReason(reason)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Orphan returns the orphan record of a message, resolved or not.
func (p *Postgres) Orphan(ctx context.Context, messageID string) (*resolution.Orphan, error) {
	var o resolution.Orphan
	var reason string
	err := p.pool.QueryRow(ctx, `
		SELECT message_id, reason, attempts, first_seen_at, last_attempt_at, resolved_at
		FROM orphans
		WHERE message_id = $1
	`, messageID).Scan(&o.MessageID, &reason, &o.Attempts, &o.FirstSeenAt, &o.LastAttemptAt, &o.ResolvedAt)
	if err != nil {
		return nil, wrapNoRows(err, "orphan %s", messageID)
	}
	o.Reason = resolution.OrphanReason(reason)
	return &o, nil
}

// Duplicates

const flagColumns = `id, canonical_shipment_id, duplicate_shipment_id, booking_key, status,
	resolution_note, resolved_by, resolved_at, created_at`

func scanFlag(row pgx.Row) (*resolution.DuplicateFlag, error) {
	f := &resolution.DuplicateFlag{}
	var status string
	if err := row.Scan(&f.ID, &f.CanonicalShipmentID, &f.DuplicateShipmentID, &f.BookingKey, &status,
		&f.ResolutionNote, &f.ResolvedBy, &f.ResolvedAt, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.Status = resolution.DuplicateStatus(status)
	return f, nil
}

// CreateDuplicateFlag opens f unless the pair was flagged before.
func (p *Postgres) CreateDuplicateFlag(ctx context.Context, f *resolution.DuplicateFlag) (bool, error) {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO duplicate_flags (canonical_shipment_id, duplicate_shipment_id, booking_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, f.CanonicalShipmentID, f.DuplicateShipmentID, f.BookingKey, string(f.Status), f.CreatedAt).Scan(&f.ID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to flag duplicate: %w", err)
	}
	existing, err := scanFlag(p.pool.QueryRow(ctx, `
		SELECT `+flagColumns+` FROM duplicate_flags
		WHERE LEAST(canonical_shipment_id, duplicate_shipment_id) = LEAST($1::bigint, $2::bigint)
		  AND GREATEST(canonical_shipment_id, duplicate_shipment_id) = GREATEST($1::bigint, $2::bigint)
	`, f.CanonicalShipmentID, f.DuplicateShipmentID))
	if err != nil {
		return false, wrapNoRows(err, "duplicate flag for %d/%d", f.CanonicalShipmentID, f.DuplicateShipmentID)
	}
	*f = *existing
	return false, nil
}

// DuplicateFlag returns a flag.
func (p *Postgres) DuplicateFlag(ctx context.Context, id int64) (*resolution.DuplicateFlag, error) {
	f, err := scanFlag(p.pool.QueryRow(ctx, `SELECT `+flagColumns+` FROM duplicate_flags WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNoRows(err, "duplicate flag %d", id)
	}
	return f, nil
}

// ListDuplicateFlags returns flags with status, or all when status is "".
func (p *Postgres) ListDuplicateFlags(ctx context.Context, status resolution.DuplicateStatus) ([]resolution.DuplicateFlag, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+flagColumns+` FROM duplicate_flags
		WHERE $1 = '' OR status = $1
		ORDER BY id
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list duplicate flags: %w", err)
	}
	defer rows.Close()
	var out []resolution.DuplicateFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan duplicate flag: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// UpdateDuplicateFlag stores the resolution of a flag.
func (p *Postgres) UpdateDuplicateFlag(ctx context.Context, f *resolution.DuplicateFlag) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE duplicate_flags SET
			canonical_shipment_id = $2, duplicate_shipment_id = $3, status = $4,
			resolution_note = $5, resolved_by = $6, resolved_at = $7
		WHERE id = $1
	`, f.ID, f.CanonicalShipmentID, f.DuplicateShipmentID, string(f.Status), f.ResolutionNote, f.ResolvedBy, f.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update duplicate flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: duplicate flag %d", fderrors.ErrNotFound, f.ID)
	}
	return nil
}

// RepointShipment moves links, events, action items and mappings from one
// shipment to another in a single transaction.
func (p *Postgres) RepointShipment(ctx context.Context, fromID, toID int64) (int, error) {
	if fromID == toID {
		return 0, fmt.Errorf("%w: cannot repoint shipment %d onto itself", fderrors.ErrConflict, fromID)
	}
	moved := 0
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE message_shipment_links SET shipment_id = $2 WHERE shipment_id = $1`, fromID, toID)
		if err != nil {
			return fmt.Errorf("failed to move links: %w", err)
		}
		moved = int(tag.RowsAffected())

		stmts := []struct {
			sql  string
			args []any
		}{
			{`INSERT INTO workflow_events (shipment_id, workflow_state, state_order, triggering_message_id, direction, occurred_at)
				SELECT $2, workflow_state, state_order, triggering_message_id, direction, occurred_at
				FROM workflow_events WHERE shipment_id = $1
				ON CONFLICT DO NOTHING`, []any{fromID, toID}},
			{`DELETE FROM workflow_events WHERE shipment_id = $1`, []any{fromID}},
			{`UPDATE action_items a SET shipment_id = $2
				WHERE a.shipment_id = $1 AND NOT EXISTS (
					SELECT 1 FROM action_items b
					WHERE b.shipment_id = $2 AND lower(b.description) = lower(a.description))`, []any{fromID, toID}},
			{`DELETE FROM action_items WHERE shipment_id = $1`, []any{fromID}},
			{`UPDATE identifier_mappings
				SET booking_key = (SELECT booking_key FROM shipments WHERE id = $2)
				WHERE booking_key = (SELECT booking_key FROM shipments WHERE id = $1)`, []any{fromID, toID}},
		}
		for _, st := range stmts {
			if _, err := tx.Exec(ctx, st.sql, st.args...); err != nil {
				return fmt.Errorf("failed to re-point shipment %d: %w", fromID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	p.logger.Info("Re-pointed shipment",
		logging.F("from_shipment_id", fromID),
		logging.F("to_shipment_id", toID),
		logging.F("links_moved", moved))
	return moved, nil
}

// AdvanceState moves the workflow pointer only forward.
func (p *Postgres) AdvanceState(ctx context.Context, id int64, state string, order int) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE shipments SET workflow_state = $2, workflow_state_order = $3, updated_at = NOW()
		WHERE id = $1 AND (workflow_state IS NULL OR workflow_state_order < $3)
	`, id, state, order)
	if err != nil {
		return false, fmt.Errorf("failed to advance state: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM shipments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check shipment: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("%w: shipment %d", fderrors.ErrNotFound, id)
	}
	return false, nil
}

// DeleteShipmentIfUnlinked deletes a shipment no message links to.
func (p *Postgres) DeleteShipmentIfUnlinked(ctx context.Context, id int64) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM shipments s
		WHERE s.id = $1 AND NOT EXISTS (SELECT 1 FROM message_shipment_links l WHERE l.shipment_id = $1)
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete shipment %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Workflow

// AppendEvent inserts ev unless (shipment, state, message) exists.
func (p *Postgres) AppendEvent(ctx context.Context, ev *resolution.WorkflowEvent) (bool, error) {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO workflow_events (shipment_id, workflow_state, state_order, triggering_message_id, direction, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (shipment_id, workflow_state, triggering_message_id) DO NOTHING
		RETURNING id
	`, ev.ShipmentID, ev.WorkflowState, ev.StateOrder, ev.TriggeringMessageID, string(ev.Direction), ev.OccurredAt).Scan(&ev.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to append workflow event: %w", err)
	}
	return true, nil
}

// EventsForShipment returns a shipment's journal in insertion order.
func (p *Postgres) EventsForShipment(ctx context.Context, shipmentID int64) ([]resolution.WorkflowEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, shipment_id, workflow_state, state_order, triggering_message_id, direction, occurred_at
		FROM workflow_events WHERE shipment_id = $1 ORDER BY id
	`, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow events: %w", err)
	}
	defer rows.Close()
	var out []resolution.WorkflowEvent
	for rows.Next() {
		var ev resolution.WorkflowEvent
		var dir string
		if err := rows.Scan(&ev.ID, &ev.ShipmentID, &ev.WorkflowState, &ev.StateOrder,
			&ev.TriggeringMessageID, &dir, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow event: %w", err)
		}
		ev.Direction = resolution.Direction(dir)
		out = append(out, ev)
	}
	return out, rows.Err()
}

const actionColumns = `id, shipment_id, description, owner, priority, deadline, created_at,
	completed_at, completed_by_message_id, source_message_id`

func (p *Postgres) actionItems(ctx context.Context, shipmentID int64, openOnly bool) ([]resolution.ActionItem, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+actionColumns+` FROM action_items
		WHERE shipment_id = $1 AND (NOT $2 OR completed_at IS NULL)
		ORDER BY id
	`, shipmentID, openOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to load action items: %w", err)
	}
	defer rows.Close()
	var out []resolution.ActionItem
	for rows.Next() {
		var a resolution.ActionItem
		if err := rows.Scan(&a.ID, &a.ShipmentID, &a.Description, &a.Owner, &a.Priority, &a.Deadline,
			&a.CreatedAt, &a.CompletedAt, &a.CompletedByMessageID, &a.SourceMessageID); err != nil {
			return nil, fmt.Errorf("failed to scan action item: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// OpenActionItems returns a shipment's uncompleted items.
func (p *Postgres) OpenActionItems(ctx context.Context, shipmentID int64) ([]resolution.ActionItem, error) {
	return p.actionItems(ctx, shipmentID, true)
}

// ActionItems returns every item of a shipment.
func (p *Postgres) ActionItems(ctx context.Context, shipmentID int64) ([]resolution.ActionItem, error) {
	return p.actionItems(ctx, shipmentID, false)
}

// CreateActionItem inserts item unless the shipment has one with the same
// description.
func (p *Postgres) CreateActionItem(ctx context.Context, item *resolution.ActionItem) (bool, error) {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO action_items (shipment_id, description, owner, priority, deadline, created_at, source_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (shipment_id, lower(description)) DO NOTHING
		RETURNING id
	`, item.ShipmentID, item.Description, item.Owner, item.Priority, item.Deadline, item.CreatedAt,
		item.SourceMessageID).Scan(&item.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create action item: %w", err)
	}
	return true, nil
}

// CompleteActionItem completes an open item.
func (p *Postgres) CompleteActionItem(ctx context.Context, id int64, at time.Time, messageID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE action_items SET completed_at = $2, completed_by_message_id = $3
		WHERE id = $1 AND completed_at IS NULL
	`, id, at, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to complete action item %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Outcomes and checkpoints

// SaveOutcome upserts the outcome of a message.
func (p *Postgres) SaveOutcome(ctx context.Context, o *resolution.Outcome) error {
	detail, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	var shipmentID *int64
	if o.ShipmentID != 0 {
		shipmentID = &o.ShipmentID
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO resolution_outcomes (message_id, status, shipment_id, detail, processed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id) DO UPDATE SET
			status = EXCLUDED.status,
			shipment_id = EXCLUDED.shipment_id,
			detail = EXCLUDED.detail,
			processed_at = EXCLUDED.processed_at
	`, o.MessageID, string(o.Status), shipmentID, detail, o.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}
	return nil
}

// Outcome returns the last outcome of a message.
func (p *Postgres) Outcome(ctx context.Context, messageID string) (*resolution.Outcome, error) {
	var detail []byte
	err := p.pool.QueryRow(ctx, `SELECT detail FROM resolution_outcomes WHERE message_id = $1`, messageID).Scan(&detail)
	if err != nil {
		return nil, wrapNoRows(err, "outcome for message %s", messageID)
	}
	var o resolution.Outcome
	if err := json.Unmarshal(detail, &o); err != nil {
		return nil, fmt.Errorf("failed to decode outcome: %w", err)
	}
	return &o, nil
}

// LoadCheckpoint returns a named checkpoint.
func (p *Postgres) LoadCheckpoint(ctx context.Context, name string) (*resolution.Checkpoint, error) {
	cp := &resolution.Checkpoint{Name: name}
	err := p.pool.QueryRow(ctx, `
		SELECT last_received_at, last_message_id, processed, failed, updated_at, completed_at
		FROM backfill_checkpoints WHERE name = $1
	`, name).Scan(&cp.LastReceivedAt, &cp.LastMessageID, &cp.Processed, &cp.Failed, &cp.UpdatedAt, &cp.CompletedAt)
	if err != nil {
		return nil, wrapNoRows(err, "checkpoint %s", name)
	}
	return cp, nil
}

// SaveCheckpoint upserts a checkpoint.
func (p *Postgres) SaveCheckpoint(ctx context.Context, cp *resolution.Checkpoint) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO backfill_checkpoints (name, last_received_at, last_message_id, processed, failed, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			last_received_at = EXCLUDED.last_received_at,
			last_message_id = EXCLUDED.last_message_id,
			processed = EXCLUDED.processed,
			failed = EXCLUDED.failed,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`, cp.Name, cp.LastReceivedAt, cp.LastMessageID, cp.Processed, cp.Failed, cp.UpdatedAt, cp.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.Name, err)
	}
	return nil
}

// DirectionAuditRecords pairs stored messages with the direction recorded
// in their outcome.
func (p *Postgres) DirectionAuditRecords(ctx context.Context, limit int) ([]direction.AuditRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+messageColumns+`, o.detail
		FROM messages m
		JOIN resolution_outcomes o ON o.message_id = m.id
		ORDER BY m.received_at, m.id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit records: %w", err)
	}
	var msgs []resolution.Message
	var stored []resolution.ResolvedDirection
	for rows.Next() {
		var msg resolution.Message
		var detail []byte
		if err := rows.Scan(&msg.ID, &msg.SenderAddress, &msg.SenderName, &msg.ApparentSender,
			&msg.Subject, &msg.Body, &msg.ReceivedAt, &msg.ThreadID, &msg.ThreadPosition, &detail); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		var o resolution.Outcome
		if err := json.Unmarshal(detail, &o); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode outcome for %s: %w", msg.ID, err)
		}
		if o.Direction.Direction == "" {
			continue
		}
		msgs = append(msgs, msg)
		stored = append(stored, o.Direction)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit records: %w", err)
	}
	if err := p.loadAttachments(ctx, msgs); err != nil {
		return nil, err
	}
	out := make([]direction.AuditRecord, len(msgs))
	for i := range msgs {
		out[i] = direction.AuditRecord{Message: &msgs[i], Stored: stored[i]}
	}
	return out, nil
}
