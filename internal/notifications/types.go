package notifications

// Payload is one desktop notification. Failure marks deploy problems, which
// backends may surface more prominently.
type Payload struct {
	Title   string
	Content string
	Failure bool
}

// Sender delivers notifications. Delivery errors stay inside the sender.
type Sender interface {
	Send(payload Payload)
}
