package domain

import (
	"fmt"
	"time"

	"github.com/smallbiznis/gymledger/internal/audit/masking"
)

// Payload is the typed body of an audit entry. Each concrete payload is
// bound to exactly one action.
type Payload interface {
	Action() Action
	Severity() Severity
	Describe() string
	Fields() map[string]any
}

// MembershipTransition records a status change of a user membership.
type MembershipTransition struct {
	MembershipID string
	MemberID     string
	PlanID       string
	From         string
	To           string
	EndDate      time.Time
	Reason       string
}

func (p MembershipTransition) Action() Action {
	switch p.To {
	case "pending":
		return ActionMembershipOpened
	case "active":
		return ActionMembershipActivated
	case "cancelled":
		return ActionMembershipCancelled
	case "expired":
		return ActionMembershipExpired
	default:
		return Action("membership." + p.To)
	}
}

func (p MembershipTransition) Severity() Severity { return SeverityInfo }

func (p MembershipTransition) Describe() string {
	if p.From == "" {
		return fmt.Sprintf("membership %s opened for member %s", p.MembershipID, p.MemberID)
	}
	return fmt.Sprintf("membership %s moved from %s to %s", p.MembershipID, p.From, p.To)
}

func (p MembershipTransition) Fields() map[string]any {
	fields := map[string]any{
		"membership_id": p.MembershipID,
		"member_id":     p.MemberID,
		"plan_id":       p.PlanID,
		"from":          p.From,
		"to":            p.To,
	}
	if !p.EndDate.IsZero() {
		fields["end_date"] = p.EndDate.UTC().Format(time.RFC3339)
	}
	if p.Reason != "" {
		fields["reason"] = p.Reason
	}
	return fields
}

// PurchaseInitiated records a pending payment together with its membership.
type PurchaseInitiated struct {
	PaymentID    string
	MembershipID string
	MemberID     string
	PlanID       string
	Amount       int64
	Method       string
	ReferenceNo  string
}

func (p PurchaseInitiated) Action() Action     { return ActionPaymentInitiated }
func (p PurchaseInitiated) Severity() Severity { return SeverityInfo }

func (p PurchaseInitiated) Describe() string {
	return fmt.Sprintf("payment %s initiated for membership %s", p.ReferenceNo, p.MembershipID)
}

func (p PurchaseInitiated) Fields() map[string]any {
	return map[string]any{
		"payment_id":    p.PaymentID,
		"membership_id": p.MembershipID,
		"member_id":     p.MemberID,
		"plan_id":       p.PlanID,
		"amount":        p.Amount,
		"method":        p.Method,
		"reference_no":  p.ReferenceNo,
	}
}

// PaymentDecision records a staff approval or rejection and its membership effect.
type PaymentDecision struct {
	PaymentID        string
	MembershipID     string
	ReferenceNo      string
	Amount           int64
	Method           string
	Confirmed        bool
	Reason           string
	MembershipStatus string
}

func (p PaymentDecision) Action() Action {
	if p.Confirmed {
		return ActionPaymentConfirmed
	}
	return ActionPaymentRejected
}

func (p PaymentDecision) Severity() Severity { return SeverityInfo }

func (p PaymentDecision) Describe() string {
	if p.Confirmed {
		return fmt.Sprintf("payment %s confirmed", p.ReferenceNo)
	}
	return fmt.Sprintf("payment %s rejected", p.ReferenceNo)
}

func (p PaymentDecision) Fields() map[string]any {
	fields := map[string]any{
		"payment_id":        p.PaymentID,
		"membership_id":     p.MembershipID,
		"reference_no":      p.ReferenceNo,
		"amount":            p.Amount,
		"method":            p.Method,
		"membership_status": p.MembershipStatus,
	}
	if p.Reason != "" {
		fields["reason"] = p.Reason
	}
	return fields
}

// WalkInRecorded records a finalized walk-in sale.
type WalkInRecorded struct {
	WalkInID     string
	PassID       string
	CustomerName string
	MobileNo     string
	Amount       int64
	Method       string
	ReferenceNo  string
}

func (p WalkInRecorded) Action() Action     { return ActionWalkInRecorded }
func (p WalkInRecorded) Severity() Severity { return SeverityInfo }

func (p WalkInRecorded) Describe() string {
	return fmt.Sprintf("walk-in sale %s recorded", p.ReferenceNo)
}

func (p WalkInRecorded) Fields() map[string]any {
	fields := map[string]any{
		"walk_in_id":    p.WalkInID,
		"pass_id":       p.PassID,
		"customer_name": p.CustomerName,
		"amount":        p.Amount,
		"method":        p.Method,
		"reference_no":  p.ReferenceNo,
	}
	if p.MobileNo != "" {
		fields["mobile_no"] = masking.MaskMobile(p.MobileNo)
	}
	return fields
}

// ReferenceExhaustion records that no unique reference could be issued.
type ReferenceExhaustion struct {
	Prefix   string
	Date     string
	Attempts int
}

func (p ReferenceExhaustion) Action() Action     { return ActionReferenceExhausted }
func (p ReferenceExhaustion) Severity() Severity { return SeverityCritical }

func (p ReferenceExhaustion) Describe() string {
	return fmt.Sprintf("reference space %s-%s exhausted after %d attempts", p.Prefix, p.Date, p.Attempts)
}

func (p ReferenceExhaustion) Fields() map[string]any {
	return map[string]any{
		"prefix":   p.Prefix,
		"date":     p.Date,
		"attempts": p.Attempts,
	}
}

// CatalogChange records creation or archival of a plan or pass.
type CatalogChange struct {
	Kind     string
	ID       string
	Code     string
	Archived bool
}

func (p CatalogChange) Action() Action {
	if p.Archived {
		return ActionCatalogArchived
	}
	return ActionCatalogCreated
}

func (p CatalogChange) Severity() Severity {
	if p.Archived {
		return SeverityWarning
	}
	return SeverityInfo
}

func (p CatalogChange) Describe() string {
	if p.Archived {
		return fmt.Sprintf("%s %s archived", p.Kind, p.Code)
	}
	return fmt.Sprintf("%s %s created", p.Kind, p.Code)
}

func (p CatalogChange) Fields() map[string]any {
	return map[string]any{
		"kind": p.Kind,
		"id":   p.ID,
		"code": p.Code,
	}
}
