package envelope

import (
	"fmt"
	"time"
)

// Channel names accepted by the intake endpoint.
const (
	ChannelFeedback  = "feedback"
	ChannelTelemetry = "telemetry"
	ChannelReport    = "report"
)

// Envelope is the canonical submission unit sent by producers.
// The payload shape depends on the channel and is checked in a second
// validation phase.
type Envelope struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"createdAt"`
}

// ValidationError reports the first offending field found during
// validation, with a dotted path into the envelope.
type ValidationError struct {
	Path string
	Msg  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload at %s: %s", e.Path, e.Msg)
}

func invalid(path, msg string) *ValidationError {
	return &ValidationError{Path: path, Msg: msg}
}

var messageChannels = map[string]bool{"sms": true, "whatsapp": true, "email": true}

// Validate checks the envelope shape (phase 1) and then the
// channel-specific payload shape (phase 2). Returns a *ValidationError
// on failure.
func Validate(e *Envelope) error {
	if e.ID == "" {
		return invalid("id", "must be a non-empty string")
	}
	switch e.Channel {
	case ChannelFeedback, ChannelTelemetry, ChannelReport:
	default:
		return invalid("channel", "must be one of feedback, telemetry, report")
	}
	if e.Payload == nil {
		return invalid("payload", "must be an object")
	}
	if !isTimestamp(e.CreatedAt) {
		return invalid("createdAt", "must be an ISO-8601 timestamp")
	}

	switch e.Channel {
	case ChannelFeedback:
		return validateFeedback(e.Payload)
	case ChannelTelemetry:
		return validateTelemetry(e.Payload)
	case ChannelReport:
		return validateReport(e.Payload)
	}
	return nil
}

func validateFeedback(p map[string]any) error {
	if s, ok := p["recordId"].(string); !ok || s == "" {
		return invalid("payload.recordId", "must be a non-empty string")
	}
	if !oneOf(p["status"], "confirmed", "false_positive") {
		return invalid("payload.status", "must be confirmed or false_positive")
	}
	if !timestampField(p["submittedAt"]) {
		return invalid("payload.submittedAt", "must be a timestamp")
	}
	if !oneOf(p["source"], "historical", "simulated") {
		return invalid("payload.source", "must be historical or simulated")
	}
	if s, ok := p["channel"].(string); !ok || !messageChannels[s] {
		return invalid("payload.channel", "must be one of sms, whatsapp, email")
	}
	score, ok := numeric(p["score"])
	if !ok || score < 0 || score > 1 {
		return invalid("payload.score", "must be a number in [0,1]")
	}
	return nil
}

func validateTelemetry(p map[string]any) error {
	if s, ok := p["name"].(string); !ok || s == "" {
		return invalid("payload.name", "must be a non-empty string")
	}
	if _, ok := p["payload"].(map[string]any); !ok {
		return invalid("payload.payload", "must be an object")
	}
	if !timestampField(p["timestamp"]) {
		return invalid("payload.timestamp", "must be a timestamp")
	}
	return nil
}

func validateReport(p map[string]any) error {
	if s, ok := p["reportId"].(string); !ok || s == "" {
		return invalid("payload.reportId", "must be a non-empty string")
	}
	msg, ok := p["message"].(map[string]any)
	if !ok {
		return invalid("payload.message", "must be an object")
	}
	if s, ok := msg["sender"].(string); !ok || s == "" {
		return invalid("payload.message.sender", "must be a non-empty string")
	}
	if s, ok := msg["channel"].(string); !ok || !messageChannels[s] {
		return invalid("payload.message.channel", "must be one of sms, whatsapp, email")
	}
	if _, ok := msg["body"].(string); !ok {
		return invalid("payload.message.body", "must be a string")
	}
	if v, present := msg["receivedAt"]; present && v != nil && !timestampField(v) {
		return invalid("payload.message.receivedAt", "must be a timestamp")
	}
	if !oneOf(p["category"], "phishing", "suspicious", "false_positive", "other") {
		return invalid("payload.category", "must be one of phishing, suspicious, false_positive, other")
	}
	if v, present := p["comment"]; present && v != nil {
		if _, ok := v.(string); !ok {
			return invalid("payload.comment", "must be a string")
		}
	}
	if !timestampField(p["createdAt"]) {
		return invalid("payload.createdAt", "must be a timestamp")
	}
	if v, present := p["attachments"]; present && v != nil {
		seq, ok := v.([]any)
		if !ok {
			return invalid("payload.attachments", "must be a sequence of strings")
		}
		for i, item := range seq {
			if _, ok := item.(string); !ok {
				return invalid(fmt.Sprintf("payload.attachments[%d]", i), "must be a string")
			}
		}
	}
	return nil
}

func oneOf(v any, allowed ...string) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func timestampField(v any) bool {
	s, ok := v.(string)
	return ok && isTimestamp(s)
}

func isTimestamp(s string) bool {
	if s == "" {
		return false
	}
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return true
	}
	_, err := time.Parse(time.RFC3339Nano, s)
	return err == nil
}
