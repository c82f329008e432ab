package relay

// Actions carried on the wire. VIDEO is never sent by peers as a structured
// action; it tags re-broadcast opaque media frames.
const (
	ActionStatus       = "STATUS"
	ActionTimer        = "TIMER"
	ActionTimerStop    = "TIMER_STOP"
	ActionVideo        = "VIDEO"
	ActionReport       = "REPORT"
	ActionDisconnected = "DISCONNECTED"
)

// Message is an incoming structured frame from a peer. For STATUS, a value
// above zero means "turn off" and zero means "turn on" (the protocol's
// inverted polarity); for TIMER, value is the delay in milliseconds.
type Message struct {
	Recipient string `json:"recipient"`
	Action    string `json:"action"`
	Value     int    `json:"value"`
}

// Event is an outgoing broadcast frame. For media frames the Recipient field
// carries the base64-encoded payload itself; the deployed clients rely on
// that shape, so it is preserved as-is.
type Event struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Action    string `json:"action"`
	Value     int    `json:"value"`
}
