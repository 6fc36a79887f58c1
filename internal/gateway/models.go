package gateway

// MeetingRef identifies a meeting in client frames by its platform tuple.
type MeetingRef struct {
	Platform string `json:"platform"`
	NativeID string `json:"native_id"`
}

// ClientFrame is a client -> gateway message.
type ClientFrame struct {
	Action   string       `json:"action"`
	Meetings []MeetingRef `json:"meetings,omitempty"`
}

// AckFrame acknowledges a subscribe/unsubscribe action.
type AckFrame struct {
	Type     string       `json:"type"`
	Meetings []MeetingRef `json:"meetings"`
}

// ErrorFrame is a typed error reply.
type ErrorFrame struct {
	Type    string      `json:"type"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// PongFrame answers a ping action.
type PongFrame struct {
	Type string `json:"type"`
}
