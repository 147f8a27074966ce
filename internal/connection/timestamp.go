package connection

import "time"

// Timestamp16 returns the current time as a 16-bit millisecond counter that
// wraps every ~65.5 seconds. Datagrams exchange these instead of full wall
// clocks so one-way and round-trip delay can be estimated without clock
// synchronization between peers.
func Timestamp16() uint16 {
	return uint16(time.Now().UnixMilli())
}

// TimestampDiff16 returns the forward distance in milliseconds from an
// earlier 16-bit timestamp to a later one, correctly handling a single
// wraparound.
func TimestampDiff16(earlier, later uint16) uint16 {
	return later - earlier
}
