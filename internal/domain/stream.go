package domain

// ExchangeStartedPayload is the payload for EventExchangeStarted events.
type ExchangeStartedPayload struct {
	ExchangeID string `json:"exchange_id"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Streaming  bool   `json:"streaming"`
}

// ExchangeArrivingPayload is the payload for EventExchangeArriving events.
// Content is the cumulative primary text, Delta only this increment's part.
type ExchangeArrivingPayload struct {
	ExchangeID string `json:"exchange_id"`
	Delta      string `json:"delta"`
	Content    string `json:"content"`
	Choices    int    `json:"choices"`
}

// ExchangeArrivedPayload is the payload for EventExchangeArrived events.
type ExchangeArrivedPayload struct {
	ExchangeID string    `json:"exchange_id"`
	Contents   []string  `json:"contents"`
	Usage      Usage     `json:"usage"`
	RateLimit  RateLimit `json:"rate_limit,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// ExchangeFailedPayload is the payload for EventExchangeFailed events.
type ExchangeFailedPayload struct {
	ExchangeID string    `json:"exchange_id"`
	Error      string    `json:"error"`
	Code       ErrorCode `json:"code"`
}

// SessionPayload is the payload for EventSessionCreated and EventSessionDeleted.
type SessionPayload struct {
	Key    string `json:"key"`
	Reason string `json:"reason,omitempty"` // deleted only: "deleted" or "expired"
}
