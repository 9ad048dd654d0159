/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags, checked in handlers
  before any ledger call.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// REQUESTS
// =============================================================================

// AmountRequest is the body of add, remove and spend.
type AmountRequest struct {
	Amount             int64      `json:"amount" validate:"gte=0"`
	Notes              string     `json:"notes,omitempty" validate:"max=1024"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
	CartItemID         string     `json:"cart_item_id,omitempty"`
	SubscriptionItemID string     `json:"subscription_item_id,omitempty"`
}

// Options converts the optional attributes into entry options. Only set
// attributes produce an option, so an amount-only body yields none.
func (r AmountRequest) Options() []credit.EntryOption {
	var opts []credit.EntryOption
	if r.Notes != "" {
		opts = append(opts, credit.WithNotes(r.Notes))
	}
	if r.ExpiresAt != nil {
		opts = append(opts, credit.WithExpiresAt(*r.ExpiresAt))
	}
	if r.CreatedAt != nil {
		opts = append(opts, credit.WithCreatedAt(*r.CreatedAt))
	}
	if r.CartItemID != "" {
		opts = append(opts, credit.WithCartItem(r.CartItemID))
	}
	if r.SubscriptionItemID != "" {
		opts = append(opts, credit.WithSubscriptionItem(r.SubscriptionItemID))
	}
	return opts
}

// CreateEntryRequest is the body of POST /api/entries.
type CreateEntryRequest struct {
	SubjectType        string     `json:"subject_type" validate:"required"`
	SubjectID          string     `json:"subject_id" validate:"required"`
	CreditType         string     `json:"credit_type,omitempty"`
	Kind               string     `json:"kind" validate:"required,oneof=subscription product adjustment usage"`
	Amount             int64      `json:"amount"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
	Notes              string     `json:"notes,omitempty" validate:"max=1024"`
	CartItemID         string     `json:"cart_item_id,omitempty"`
	SubscriptionItemID string     `json:"subscription_item_id,omitempty"`
}

func (r CreateEntryRequest) toNewEntry() credit.NewEntry {
	return credit.NewEntry{
		Subject:            credit.Subject{Type: r.SubjectType, ID: r.SubjectID},
		CreditType:         r.CreditType,
		Kind:               credit.Kind(r.Kind),
		Amount:             r.Amount,
		ExpiresAt:          r.ExpiresAt,
		CreatedAt:          r.CreatedAt,
		Notes:              r.Notes,
		CartItemID:         r.CartItemID,
		SubscriptionItemID: r.SubscriptionItemID,
	}
}

// ExpireRequest is the body of POST /api/entries/{id}/expire. A missing
// instant expires the entry now.
type ExpireRequest struct {
	At *time.Time `json:"at,omitempty"`
}

// ProrateRequest is the body of POST /api/entries/{id}/prorate.
type ProrateRequest struct {
	End time.Time `json:"end" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type BalanceDTO struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	CreditType  string `json:"credit_type"`
	Balance     int64  `json:"balance"`
}

type BalancesDTO struct {
	SubjectType string       `json:"subject_type"`
	SubjectID   string       `json:"subject_id"`
	Balances    []BalanceDTO `json:"balances"`
}

type SpentDTO struct {
	CreditType string `json:"credit_type"`
	Date       string `json:"date"`
	Spent      int64  `json:"spent"`
}

type EntryDTO struct {
	ID                 int64      `json:"id"`
	SubjectType        string     `json:"subject_type"`
	SubjectID          string     `json:"subject_id"`
	CreditType         string     `json:"credit_type"`
	Kind               string     `json:"kind"`
	Amount             int64      `json:"amount"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Notes              string     `json:"notes,omitempty"`
	CartItemID         string     `json:"cart_item_id,omitempty"`
	SubscriptionItemID string     `json:"subscription_item_id,omitempty"`
	Persisted          bool       `json:"persisted"`
}

// WriteResultDTO is returned by mutating wallet calls.
type WriteResultDTO struct {
	Entry   EntryDTO `json:"entry"`
	Balance int64    `json:"balance"`
}

type TypesDTO struct {
	Default string   `json:"default"`
	Types   []string `json:"types"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toEntryDTO(e credit.Entry) EntryDTO {
	return EntryDTO{
		ID:                 int64(e.ID),
		SubjectType:        e.Subject.Type,
		SubjectID:          e.Subject.ID,
		CreditType:         e.CreditType,
		Kind:               string(e.Kind),
		Amount:             e.Amount,
		ExpiresAt:          e.ExpiresAt,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
		Notes:              e.Notes,
		CartItemID:         e.CartItemID,
		SubscriptionItemID: e.SubscriptionItemID,
		Persisted:          e.Persisted(),
	}
}

func toEntryDTOs(entries []credit.Entry) []EntryDTO {
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = toEntryDTO(e)
	}
	return out
}
