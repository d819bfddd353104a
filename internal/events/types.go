package events

import (
	"time"
)

// EventType represents the severity of an event.
type EventType string

const (
	// EventTypeNormal indicates normal, non-problematic events.
	EventTypeNormal EventType = "Normal"

	// EventTypeWarning indicates events that may require attention.
	EventTypeWarning EventType = "Warning"
)

// EventReason represents the reason code for an event.
type EventReason string

// Session lifecycle reasons
const (
	ReasonAuthenticated        EventReason = "Authenticated"
	ReasonAuthenticationFailed EventReason = "AuthenticationFailed"
	ReasonRefreshed            EventReason = "CredentialsRefreshed"
	ReasonRefreshFailed        EventReason = "RefreshFailed"
	ReasonValidationFailed     EventReason = "ValidationFailed"
	ReasonSessionExpired       EventReason = "SessionExpired"
	ReasonSessionRevoked       EventReason = "SessionRevoked"
	ReasonSessionCleaned       EventReason = "SessionCleaned"
)

// Provider registry reasons
const (
	ReasonProviderRegistered   EventReason = "ProviderRegistered"
	ReasonProviderUnregistered EventReason = "ProviderUnregistered"
	ReasonProviderEnabled      EventReason = "ProviderEnabled"
	ReasonProviderDisabled     EventReason = "ProviderDisabled"
)

// Token cache reasons
const (
	ReasonCacheEvicted EventReason = "CacheEvicted"
	ReasonCacheExpired EventReason = "CacheExpired"
)

// Event is delivered to every subscribed Listener.
type Event struct {
	Reason    EventReason
	Type      EventType
	Message   string
	Data      EventData
	Timestamp time.Time
}

// EventData contains the structured payload of an event.
type EventData struct {
	// SessionID is the affected session, if any.
	SessionID string

	// Provider is the provider name involved.
	Provider string

	// Key is the cache key for cache events.
	Key string

	// RefreshCount is the session's refresh counter after a refresh.
	RefreshCount int

	// Error contains error information for failure events.
	Error string

	// Duration is the duration of the provider call.
	Duration time.Duration
}

// getEventType returns the EventType for a reason.
func getEventType(reason EventReason) EventType {
	switch reason {
	case ReasonAuthenticationFailed,
		ReasonRefreshFailed,
		ReasonValidationFailed,
		ReasonSessionExpired:
		return EventTypeWarning
	default:
		return EventTypeNormal
	}
}
