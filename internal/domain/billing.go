package domain

// Subscription item statuses sent by the billing provider
const (
	SubscriptionItemActive = "active"
)

// SubscriptionEvent is a subscription-status-changed signal from the billing provider
type SubscriptionEvent struct {
	ID   string           `json:"id"`
	Type string           `json:"type"`
	Data SubscriptionData `json:"data"`
}

// SubscriptionData carries the payer and the plan line items
type SubscriptionData struct {
	Payer Payer              `json:"payer"`
	Items []SubscriptionItem `json:"items"`
}

// Payer identifies the user the subscription belongs to
type Payer struct {
	UserID string `json:"user_id"`
}

// SubscriptionItem is one plan line item of a subscription
type SubscriptionItem struct {
	ID             string `json:"id,omitempty"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status,omitempty"`
	Plan           Plan   `json:"plan"`
}

// Plan identifies a billing plan by slug
type Plan struct {
	Slug string `json:"slug"`
	Name string `json:"name,omitempty"`
}

// ActiveItem returns the first active item on planSlug, if any
func (d SubscriptionData) ActiveItem(planSlug string) (SubscriptionItem, bool) {
	for _, item := range d.Items {
		if item.Plan.Slug == planSlug && item.Status == SubscriptionItemActive {
			return item, true
		}
	}
	return SubscriptionItem{}, false
}

// BecameActive reports whether the item moved into the active state with this event
func (i SubscriptionItem) BecameActive() bool {
	return i.Status == SubscriptionItemActive && i.PreviousStatus != SubscriptionItemActive
}
