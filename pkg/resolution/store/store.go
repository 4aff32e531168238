package store

import (
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/direction"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/shipments"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/workflow"
)

var (
	_ shipments.DuplicateStore = (*Memory)(nil)
	_ workflow.Store           = (*Memory)(nil)
	_ direction.AuditSource    = (*Memory)(nil)

	_ shipments.DuplicateStore = (*Postgres)(nil)
	_ workflow.Store           = (*Postgres)(nil)
	_ direction.AuditSource    = (*Postgres)(nil)
)
