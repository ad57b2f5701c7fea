package queue

import "time"

// WaitMinutes is the live estimate: patients ahead in the queue times the
// doctor's current rate. Recomputed on every status query; the value stored at
// booking time drifts and is never updated.
func WaitMinutes(peopleAhead, rateMinutes int) int {
	if peopleAhead <= 0 {
		return 0
	}
	return peopleAhead * rateMinutes
}

// InitialStartTime is the booking-time snapshot. It uses the count of all of
// today's prior bookings for the doctor as the queue-position proxy, which is
// deliberately coarser than the live recompute.
func InitialStartTime(now time.Time, bookedToday, rateMinutes int) time.Time {
	return now.Add(time.Duration(WaitMinutes(bookedToday, rateMinutes)) * time.Minute)
}
