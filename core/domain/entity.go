package domain

import "time"

// EntityKind discriminates the Entity tagged sum (spec.md §3, §4.9).
type EntityKind string

const (
	EntityFlight       EntityKind = "flight"
	EntityEvent        EntityKind = "event"
	EntityDeadline     EntityKind = "deadline"
	EntityReminder     EntityKind = "reminder"
	EntityPromo        EntityKind = "promo"
	EntityNotification EntityKind = "notification"
)

// Airport is a minimal arrival/departure location used by FlightData.
type Airport struct {
	Code string
	City string
}

type FlightData struct {
	Airline         string
	FlightNumber    string
	DepartureTime   string
	Arrival         Airport
	ConfirmationNum string
}

type EventData struct {
	Title        string
	Date         string // e.g. "Jul 20, 2026", as extracted; empty when only a bare time was found
	EventTime    string // clock time, e.g. "6:30PM"
	EventEndTime string
	Location     string
	Timezone     string
}

type DeadlineData struct {
	Title   string
	DueDate string
	Amount  string
}

type ReminderData struct {
	Action string
}

type PromoData struct {
	Merchant string
	Offer    string
	Expiry   string
}

// NotificationCategory is the closed sub-classification for Entity kind
// Notification (spec.md §4.9).
type NotificationCategory string

const (
	NotificationFraudAlert    NotificationCategory = "fraud_alert"
	NotificationDelivery      NotificationCategory = "delivery"
	NotificationBill          NotificationCategory = "bill"
	NotificationJobOpportunity NotificationCategory = "job_opportunity"
	NotificationClaim         NotificationCategory = "claim"
	NotificationReservation   NotificationCategory = "reservation"
	NotificationGeneral       NotificationCategory = "general"
)

type NotificationData struct {
	Category        NotificationCategory
	Message         string
	OTPExpiresAt    *time.Time
	ShipStatus      string
	TrackingNumber  string
	DeliveredAt     *time.Time
}

// Entity is the tagged-sum structured fact extracted from an email (spec.md
// §3, §4.9). Exactly one of the variant pointers is non-nil, matching Kind.
// Every entity must carry a non-empty SourceThreadID, SourceEmailID, and a
// SourceSubject of at least 5 characters; the entity extractor's
// validateAndRecover fills them in from the source email.
type Entity struct {
	Kind       EntityKind
	Confidence float64

	SourceEmailID  string
	SourceThreadID string
	SourceSubject  string
	SourceSnippet  string

	Timestamp  time.Time
	Importance Importance // stored importance, pre-decay

	// TemporalStart/TemporalEnd are resolved by the temporal engine (C10)
	// from the entity's raw date/time fields. Nil when the entity carries
	// no temporal data (e.g. Promo, Reminder without a date).
	TemporalStart *time.Time
	TemporalEnd   *time.Time

	Flight       *FlightData
	Event        *EventData
	Deadline     *DeadlineData
	Reminder     *ReminderData
	Promo        *PromoData
	Notification *NotificationData

	Temporal *TemporalAnnotation
}

// DecayReason is the closed set of reasons the temporal engine (C10) assigns
// when resolving an entity's importance (spec.md §3, §4.10).
type DecayReason string

const (
	DecayActive       DecayReason = "temporal_active"
	DecayUpcoming     DecayReason = "temporal_upcoming"
	DecayDistant      DecayReason = "temporal_distant"
	DecayExpired      DecayReason = "temporal_expired"
	DecayNoTemporal   DecayReason = "no_temporal_data"
)

// TemporalAnnotation is attached to an Entity by the temporal engine (C10),
// transforming stored importance into a digest-time resolved importance.
type TemporalAnnotation struct {
	ResolvedImportance Importance
	DecayReason        DecayReason
	HideInDigest        bool
}

// ResolvedImportance returns the entity's decay-resolved importance, falling
// back to the stored importance when no temporal annotation is present.
func (e Entity) ResolvedImportance() Importance {
	if e.Temporal != nil {
		return e.Temporal.ResolvedImportance
	}
	return e.Importance
}
