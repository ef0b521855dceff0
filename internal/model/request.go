package model

import "time"

// RequestStatus tracks the lifecycle of a drug intelligence request.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
	RequestStatusCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusCancelled:
		return true
	}
	return false
}

// DrugRequest is the unit of work: one drug evaluated across all enabled
// categories. Owned by the orchestrator; mutated only by pipeline progress
// events until it reaches a terminal status.
type DrugRequest struct {
	ID                  string        `json:"id"`
	DrugName            string        `json:"drug_name"`
	DeliveryMethod      string        `json:"delivery_method,omitempty"`
	Status              RequestStatus `json:"status"`
	TotalCategories     int           `json:"total_categories"`
	CompletedCategories int           `json:"completed_categories"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// RequestStatusView is the externally visible progress summary.
type RequestStatusView struct {
	RequestID           string        `json:"request_id"`
	Status              RequestStatus `json:"status"`
	CompletedCategories int           `json:"completed_categories"`
	TotalCategories     int           `json:"total_categories"`
}
