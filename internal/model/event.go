package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ActionType classifies what happened to a subject. The set is closed;
// unknown values are rejected at the boundary.
type ActionType string

const (
	ActionCreate      ActionType = "CREATE"
	ActionTransfer    ActionType = "TRANSFER"
	ActionUpdate      ActionType = "UPDATE"
	ActionRecall      ActionType = "RECALL"
	ActionVerify      ActionType = "VERIFY"
	ActionStockIn     ActionType = "STOCK_IN"
	ActionStockOut    ActionType = "STOCK_OUT"
	ActionStockAdjust ActionType = "STOCK_ADJUST"
)

// SubjectStatus is the status a subject transitions to as a result of an
// event.
type SubjectStatus string

const (
	StatusCreated     SubjectStatus = "CREATED"
	StatusTransferred SubjectStatus = "TRANSFERRED"
	StatusUpdated     SubjectStatus = "UPDATED"
	StatusVerified    SubjectStatus = "VERIFIED"
	StatusRecalled    SubjectStatus = "RECALLED"
	StatusInStock     SubjectStatus = "IN_STOCK"
	StatusOutOfStock  SubjectStatus = "OUT_OF_STOCK"
	StatusLowStock    SubjectStatus = "LOW_STOCK"
)

// Role tags a party at the time an event is recorded. Roles are mutable on
// the identity; the event freezes the role as observed at write time.
type Role string

const (
	RoleFarmer      Role = "FARMER"
	RoleDistributor Role = "DISTRIBUTOR"
	RoleRetailer    Role = "RETAILER"
	RoleConsumer    Role = "CONSUMER"
	RoleRegulator   Role = "REGULATOR"
	RoleAdmin       Role = "ADMIN"
)

// Settlement is confirmation metadata supplied by the chain consensus
// service after an event is finalized into a block. It is the only part of
// an EventRecord that may be written after the fact.
type Settlement struct {
	Hash      string `json:"hash"`
	BlockRef  string `json:"block_ref"`
	SettledAt int64  `json:"settled_at"`
}

// EventDetails carries the per-action payload. Which fields are required
// depends on the action: stock movements need a quantity and reason, a
// recall needs a reason code, CREATE/VERIFY need nothing.
type EventDetails struct {
	Quantity *decimal.Decimal  `json:"quantity,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Note     string            `json:"note,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// EventRecord is an immutable fact about a subject (a product). Once
// written it is never mutated except for the one-time settlement
// attachment; all other history is append-only.
type EventRecord struct {
	ID            string        `json:"id"`
	SubjectID     string        `json:"subject_id"`
	ActorFrom     string        `json:"actor_from"`
	ActorTo       string        `json:"actor_to"`
	ActorFromRole Role          `json:"actor_from_role"`
	ActorToRole   Role          `json:"actor_to_role"`
	Action        ActionType    `json:"action"`
	SubjectStatus SubjectStatus `json:"subject_status"`
	Timestamp     int64         `json:"timestamp"` // ms since epoch, set at write time
	Details       *EventDetails `json:"details,omitempty"`
	Settlement    *Settlement   `json:"settlement,omitempty"`
}

// IsStockAction reports whether the event affects the stock projection.
func (e *EventRecord) IsStockAction() bool {
	switch e.Action {
	case ActionStockIn, ActionStockOut, ActionStockAdjust:
		return true
	}
	return false
}

var errMissingQuantity = errors.New("stock event requires details.quantity")

// Validate checks the per-action details schema.
func (e *EventRecord) Validate() error {
	switch e.Action {
	case ActionCreate, ActionTransfer, ActionUpdate, ActionVerify:
		return nil
	case ActionRecall:
		if e.Details == nil || e.Details.Reason == "" {
			return errors.New("recall requires details.reason")
		}
		return nil
	case ActionStockIn, ActionStockOut, ActionStockAdjust:
		if e.Details == nil || e.Details.Quantity == nil {
			return errMissingQuantity
		}
		if e.Details.Quantity.IsNegative() {
			return errors.New("stock quantity cannot be negative")
		}
		if e.Details.Reason == "" {
			return errors.New("stock event requires details.reason")
		}
		return nil
	default:
		return fmt.Errorf("unknown action type %q", e.Action)
	}
}
