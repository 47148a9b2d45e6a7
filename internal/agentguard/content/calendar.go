package content

import "time"

// Attendee is a single calendar-event attendee, projected here.
type Attendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"displayName,omitempty"`
	Self           bool   `json:"self"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

// CalendarEvent is the full upstream record before policy gating.
type CalendarEvent struct {
	ID          string
	Summary     string
	Start       time.Time
	End         time.Time
	Location    string
	HangoutLink string
	Attendees   []Attendee
}

// FieldFlags are the three independent field-exposure gates from the
// calendar read policy.
type FieldFlags struct {
	AllowLocation       bool
	AllowMeetingURLs    bool
	AllowAttendeeEmails bool
}

// ProjectedEvent is the response shape for a single calendar event:
// location/hangoutLink/attendees are present only when their respective
// flag is on and the upstream record carries a non-empty value, expressed
// here as pointer/nil-slice fields so
// json.Marshal omits them entirely rather than emitting a null or empty
// placeholder.
type ProjectedEvent struct {
	ID          string     `json:"id"`
	Summary     string     `json:"summary"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Location    *string    `json:"location,omitempty"`
	HangoutLink *string    `json:"hangoutLink,omitempty"`
	Attendees   []Attendee `json:"attendees,omitempty"`
}

// ProjectCalendarEvent applies the field gates in FieldFlags to ev: a
// gated field never appears when its flag is false, and appears when its
// flag is true only if the upstream record carried a non-empty value.
func ProjectCalendarEvent(ev CalendarEvent, flags FieldFlags) ProjectedEvent {
	out := ProjectedEvent{
		ID:      ev.ID,
		Summary: ev.Summary,
		Start:   ev.Start,
		End:     ev.End,
	}
	if flags.AllowLocation && ev.Location != "" {
		loc := ev.Location
		out.Location = &loc
	}
	if flags.AllowMeetingURLs && ev.HangoutLink != "" {
		link := ev.HangoutLink
		out.HangoutLink = &link
	}
	if flags.AllowAttendeeEmails && len(ev.Attendees) > 0 {
		out.Attendees = ev.Attendees
	}
	return out
}
