package bookings

const (
	TopicBookingCreated         = "booking.created"
	TopicBookingAwaitingPayment = "booking.awaiting_payment"
	TopicBookingConfirmed       = "booking.confirmed"
	TopicBookingExpired         = "booking.expired"
	TopicBookingCancelled       = "booking.cancelled"
)

// TopicFor maps an event type to its topic. Unknown types land on booking.events.
func TopicFor(eventType string) string {
	switch eventType {
	case EventBookingCreated:
		return TopicBookingCreated
	case EventBookingAwaitingPayment:
		return TopicBookingAwaitingPayment
	case EventBookingConfirmed:
		return TopicBookingConfirmed
	case EventBookingExpired:
		return TopicBookingExpired
	case EventBookingCancelled:
		return TopicBookingCancelled
	}
	return "booking.events"
}

// Partition key = booking id, so every event of one booking keeps its order.
func PartitionKey(bookingID string) []byte { return []byte(bookingID) }
