package redisx

import "time"

const (
	// Seat hold: seat_hold:{trip_id}:{seat_id} -> lock_group_id
	KeySeatHold = "seat_hold:%s:%s"

	// Lock group: set lock_group:{lock_group_id} -> seat_hold keys
	KeyLockGroup = "lock_group:%s"

	// Dedup webhook yang sudah final: dedup:webhook:{provider}:{payload_hash}
	KeyWebhookDedup = "dedup:webhook:%s:%s"
)

var (
	TTLDedup = 48 * time.Hour
)
