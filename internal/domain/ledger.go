package domain

import (
	"math"
	"time"
)

// TransactionStatus is the commercial state of a ledger entry.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxConfirmed TransactionStatus = "confirmed"
	TxDisputed  TransactionStatus = "disputed"
	TxRefunded  TransactionStatus = "refunded"
	TxCancelled TransactionStatus = "cancelled"
)

// PaymentStatus is the settlement state of a ledger entry.
type PaymentStatus string

const (
	PayPending    PaymentStatus = "pending"
	PayPaid       PaymentStatus = "paid"
	PayOverdue    PaymentStatus = "overdue"
	PayDisputed   PaymentStatus = "disputed"
	PayWrittenOff PaymentStatus = "written-off"
	PayCancelled  PaymentStatus = "cancelled"
)

// RevenueTransaction is an append-only ledger entry created when a dispatch
// reaches terminal state delivered. gross = commission + net within $0.01.
type RevenueTransaction struct {
	ID             string  `json:"id" db:"id"`
	LeadID         string  `json:"lead_id" db:"lead_id"`
	PlatformCode   string  `json:"platform_code" db:"platform_code"`
	GrossAmount    float64 `json:"gross_amount" db:"gross_amount"`
	CommissionRate float64 `json:"commission_rate" db:"commission_rate"`
	Commission     float64 `json:"commission_amount" db:"commission_amount"`
	NetAmount      float64 `json:"net_amount" db:"net_amount"`
	ExternalID     *string `json:"external_transaction_id,omitempty" db:"external_transaction_id"`

	Status        TransactionStatus `json:"transaction_status" db:"transaction_status"`
	PaymentStatus PaymentStatus     `json:"payment_status" db:"payment_status"`
	PaymentDue    time.Time         `json:"payment_due_date" db:"payment_due_date"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RoundCents rounds a dollar amount to cents.
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// Conserved reports whether gross = commission + net within one cent.
func (t *RevenueTransaction) Conserved() bool {
	return math.Abs(t.GrossAmount-(t.Commission+t.NetAmount)) < 0.01+1e-9
}

// TxTransition identifies one edge of the ledger state machine.
type TxTransition struct {
	FromStatus  TransactionStatus
	FromPayment PaymentStatus
	ToStatus    TransactionStatus
	ToPayment   PaymentStatus
}

// LedgerEvent names the business events that move transactions.
type LedgerEvent string

const (
	EventBuyerAccept     LedgerEvent = "buyer_accept"
	EventBuyerReject     LedgerEvent = "buyer_reject"
	EventPaymentReceived LedgerEvent = "payment_received"
	EventDueDateExceeded LedgerEvent = "due_date_exceeded"
	EventDisputeRaised   LedgerEvent = "dispute_raised"
	EventDisputeUpheld   LedgerEvent = "dispute_upheld"   // resolution -> refunded
	EventDisputeDismissed LedgerEvent = "dispute_dismissed" // resolution -> confirmed
	EventRefund          LedgerEvent = "refund"
)

// ApplyLedgerEvent computes the target states for event given the current
// states, or ErrInvalidLedgerTransition. The table mirrors the fixed state
// machine of the ledger design; anything not listed is illegal.
func ApplyLedgerEvent(status TransactionStatus, pay PaymentStatus, event LedgerEvent) (TransactionStatus, PaymentStatus, error) {
	switch event {
	case EventBuyerAccept:
		if status == TxPending && pay == PayPending {
			return TxConfirmed, PayPending, nil
		}
	case EventBuyerReject:
		if status == TxPending && pay == PayPending {
			return TxCancelled, PayCancelled, nil
		}
	case EventPaymentReceived:
		if status == TxConfirmed && (pay == PayPending || pay == PayOverdue) {
			return TxConfirmed, PayPaid, nil
		}
	case EventDueDateExceeded:
		if status == TxConfirmed && pay == PayPending {
			return TxConfirmed, PayOverdue, nil
		}
	case EventDisputeRaised:
		if status == TxConfirmed {
			return TxDisputed, PayDisputed, nil
		}
	case EventDisputeDismissed:
		if status == TxDisputed {
			// Resolution restores confirmed; payment returns to pending and
			// re-ages from the original due date.
			return TxConfirmed, PayPending, nil
		}
	case EventDisputeUpheld:
		if status == TxDisputed {
			return TxRefunded, pay, nil
		}
	case EventRefund:
		if status == TxConfirmed {
			return TxRefunded, pay, nil
		}
	}
	return status, pay, ErrInvalidLedgerTransition
}

// ReconciliationStatus classifies a reconciliation window outcome.
type ReconciliationStatus string

const (
	ReconOK    ReconciliationStatus = "reconciled"
	ReconMinor ReconciliationStatus = "minor_discrepancy"
	ReconMajor ReconciliationStatus = "major_discrepancy"
)

// ReconciliationRecord compares our ledger against a buyer-reported total
// for one platform and window. The reconciler emits records and never
// mutates ledger state.
type ReconciliationRecord struct {
	PlatformCode string               `json:"platform_code"`
	WindowStart  time.Time            `json:"window_start"`
	WindowEnd    time.Time            `json:"window_end"`
	OurTotal     float64              `json:"our_total"`
	TheirTotal   float64              `json:"their_total"`
	Delta        float64              `json:"delta"`
	Issues       []string             `json:"issues,omitempty"`
	Status       ReconciliationStatus `json:"status"`
	GeneratedAt  time.Time            `json:"generated_at"`
}
