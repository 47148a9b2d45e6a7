package config

// configSchema is the JSON Schema describing the on-disk policy document.
// It is compiled once at package init and reused by every Load call; this
// is the single enforcement point for "fail fast on a malformed document"
// rather than hand-rolled field-by-field checks.
const configSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["apiKey", "signingKeyCurrent"],
	"properties": {
		"bindAddr": {"type": "string"},
		"maxBodyBytes": {"type": "integer", "minimum": 0},
		"maxRequestsPerMinute": {"type": "integer", "minimum": 0},
		"apiKey": {"type": "string", "minLength": 1},
		"signingKeyCurrent": {"type": "string", "minLength": 1},
		"signingKeyPrevious": {"type": "string"},
		"tokenTtlSeconds": {"type": "integer", "minimum": 0},
		"gmailAccountId": {"type": "string"},
		"allowedCalendarIds": {"type": "array", "items": {"type": "string"}},
		"email": {
			"type": "object",
			"properties": {
				"maxRecentDays": {"type": "integer", "minimum": 0},
				"authHandlingMode": {"type": "string", "enum": ["block", "warn"]},
				"threadContextMode": {"type": "string", "enum": ["full_thread", "latest_only"]}
			}
		},
		"calendarRead": {
			"type": "object",
			"properties": {
				"defaultThisWeek": {"type": "boolean"},
				"maxPastDays": {"type": "integer", "minimum": 0},
				"maxFutureDays": {"type": "integer", "minimum": 0},
				"allowAttendeeEmails": {"type": "boolean"},
				"allowLocation": {"type": "boolean"},
				"allowMeetingUrls": {"type": "boolean"}
			}
		},
		"calendarWrite": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"allowedCalendarIds": {"type": "array", "items": {"type": "string"}},
				"allowAttendees": {"type": "boolean"},
				"sendUpdates": {"type": "string", "enum": ["none", "all", "externalOnly"]},
				"maxEventsPerHour": {"type": "integer", "minimum": 0},
				"maxEventsPerDay": {"type": "integer", "minimum": 0}
			}
		},
		"outbound": {
			"type": "object",
			"properties": {
				"replyOnlyDefault": {"type": "boolean"},
				"allowAllRecipients": {"type": "boolean"},
				"allowReplyToAnyone": {"type": "boolean"},
				"recipientAllowlist": {"type": "array", "items": {"type": "string"}},
				"domainAllowlist": {"type": "array", "items": {"type": "string"}},
				"maxSendsPerHour": {"type": "integer", "minimum": 0},
				"maxSendsPerDay": {"type": "integer", "minimum": 0}
			}
		}
	}
}`
