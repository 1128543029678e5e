package types

import "time"

// ParsedEmail is the normalized view of a fetched message that the
// pipeline hands to the classifier and executor. It is immutable once
// built and discarded when the message has been dealt with.
type ParsedEmail struct {
	MessageID   string       `json:"message_id"`
	Sender      string       `json:"sender"`
	Subject     string       `json:"subject"`
	Date        time.Time    `json:"date"`
	Body        string       `json:"body"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment holds the metadata for one attachment. Attachment bytes
// are only staged long enough to be scanned, never kept here.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// ScanResult is the outcome of an antivirus scan. A failed scan is
// reported through Error with Infected false (fail-open).
type ScanResult struct {
	Infected bool   `json:"infected"`
	Virus    string `json:"virus,omitempty"`
	Error    string `json:"error,omitempty"`
}
