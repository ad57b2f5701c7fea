package queue

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const ticketDateLayout = "20060102"

var ticketIDPattern = regexp.MustCompile(`^\d{8}-[A-Z0-9]{4}$`)

var ErrMalformedTicketID = errors.New("malformed ticket id")

// NewTicketID builds a patient-facing ticket id in the YYYYMMDD-XXXX shape
// issued by earlier deployments. Uniqueness is the store's job; callers must
// re-draw on collision.
func NewTicketID(now time.Time) string {
	code := strings.ToUpper(uuid.NewString()[:4])
	return now.Format(ticketDateLayout) + "-" + code
}

func ValidTicketID(id string) bool {
	return ticketIDPattern.MatchString(id)
}

// TicketIDDate recovers the issuance date encoded in a ticket id.
func TicketIDDate(id string) (time.Time, error) {
	if !ValidTicketID(id) {
		return time.Time{}, ErrMalformedTicketID
	}
	return time.Parse(ticketDateLayout, id[:8])
}
