package slack

import (
	"errors"
	"fmt"
)

// DeliveryError is a platform rejection of an outbound message or file
// (rate limit, permission, vanished channel). Connection-level failures
// wrap net errors instead.
type DeliveryError struct {
	// Code is the platform error token (channel_not_found, ratelimited...).
	Code string

	// Op is the API method that failed.
	Op string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("slack %s rejected: %s", e.Op, e.Code)
}

// IsDelivery reports whether err is a platform delivery rejection.
func IsDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}
