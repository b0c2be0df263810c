package bookings

type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusAwaitingPayment Status = "AWAITING_PAYMENT"
	StatusConfirmed       Status = "CONFIRMED"
	StatusExpired         Status = "EXPIRED"
	StatusCancelled       Status = "CANCELLED"
)

// Event drives a booking transition.
type Event string

const (
	EventAwaitPayment Event = "AWAIT_PAYMENT"
	EventConfirm      Event = "CONFIRM"
	EventExpire       Event = "EXPIRE"
	EventCancel       Event = "CANCEL"
)

var transitions = map[Status]map[Event]Status{
	StatusDraft: {
		EventAwaitPayment: StatusAwaitingPayment,
		EventExpire:       StatusExpired,
		EventCancel:       StatusCancelled,
	},
	StatusAwaitingPayment: {
		EventConfirm: StatusConfirmed,
		EventExpire:  StatusExpired,
		EventCancel:  StatusCancelled,
	},
	StatusConfirmed: {},
	StatusExpired:   {},
	StatusCancelled: {},
}

// Next returns the state reached from `from` on ev, or false when the table rejects it.
func Next(from Status, ev Event) (Status, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Holding reports whether the booking still owns a seat hold.
func (s Status) Holding() bool {
	return s == StatusDraft || s == StatusAwaitingPayment
}
