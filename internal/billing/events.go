package billing

import "encoding/json"

// Event types consumed from the payment processor. Anything else is
// acknowledged without a state change.
const (
	EventSubscriptionDisable = "subscription.disable"
	EventChargeSuccess       = "charge.success"
)

// Event is the webhook envelope. Data stays raw until the type switch
// picks the payload schema to decode into.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type Customer struct {
	Email        string `json:"email"`
	CustomerCode string `json:"customer_code"`
}

type Plan struct {
	PlanCode string `json:"plan_code"`
	Name     string `json:"name"`
}

type Authorization struct {
	AuthorizationCode string `json:"authorization_code"`
}

type SubscriptionPayload struct {
	SubscriptionCode string   `json:"subscription_code"`
	Customer         Customer `json:"customer"`
	Plan             Plan     `json:"plan"`
}

type ChargePayload struct {
	Reference     string        `json:"reference"`
	Amount        int64         `json:"amount"`
	Customer      Customer      `json:"customer"`
	Plan          Plan          `json:"plan"`
	Authorization Authorization `json:"authorization"`
}

// dedupKey identifies one delivery for replay detection. Empty when
// the payload carries nothing stable to key on.
func (e Event) dedupKey() string {
	switch e.Event {
	case EventChargeSuccess:
		var payload ChargePayload
		if err := json.Unmarshal(e.Data, &payload); err == nil && payload.Reference != "" {
			return e.Event + ":" + payload.Reference
		}
	case EventSubscriptionDisable:
		var payload SubscriptionPayload
		if err := json.Unmarshal(e.Data, &payload); err == nil && payload.SubscriptionCode != "" {
			return e.Event + ":" + payload.SubscriptionCode
		}
	}
	return ""
}
