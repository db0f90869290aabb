package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy of the alert core. Every boundary converts failures into one
// of these so callers can branch with errors.Is.
var (
	// ErrNotAuthenticated indicates there is no valid identity or token
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNetworkFailure indicates a transient request failure
	ErrNetworkFailure = errors.New("network failure")

	// ErrConnectionFailure indicates the push subscription could not be
	// established or kept alive after exhausting retries
	ErrConnectionFailure = errors.New("push connection failure")

	// ErrMalformedMessage indicates an undecodable push payload
	ErrMalformedMessage = errors.New("malformed push message")
)

var (
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrChannelClosed    = errors.New("alert channel closed")
	ErrNoActiveAlert    = errors.New("no active alert")
	ErrDispatchInFlight = errors.New("panic dispatch already in flight")
	ErrTriggerDisabled  = errors.New("panic trigger disabled")
	ErrNoConfirmPrompt  = errors.New("no confirmation prompt open")
	ErrNoVideoOffer     = errors.New("no video call offered")
	ErrSoundBlocked     = errors.New("alarm sound blocked by platform")
)

// APIError carries the status and server message of a rejected request.
// It is always wrapped together with ErrNetworkFailure or ErrNotAuthenticated.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed (%d)", e.Status)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}
