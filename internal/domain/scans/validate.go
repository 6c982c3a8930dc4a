package scans

import (
	"net/mail"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	usernameRx = regexp.MustCompile(`^[A-Za-z0-9._-]{2,64}$`)
	phoneRx    = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)
	jobIDRx    = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// ValidateTarget checks target syntax for the given kind. Combined scans take
// any of the three identifier forms.
func ValidateTarget(kind Kind, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return Invalid("target", "must not be empty")
	}
	switch kind {
	case KindUsername:
		if !usernameRx.MatchString(target) {
			return Invalid("target", "username must be 2-64 characters of letters, digits, dot, dash or underscore")
		}
	case KindEmail:
		if !validEmail(target) {
			return Invalid("target", "malformed email address")
		}
	case KindPhone:
		if !phoneRx.MatchString(NormalizePhone(target)) {
			return Invalid("target", "phone must be in E.164 form, e.g. +15551234567")
		}
	case KindCombined:
		if !usernameRx.MatchString(target) && !validEmail(target) && !phoneRx.MatchString(NormalizePhone(target)) {
			return Invalid("target", "not a username, email or phone number")
		}
	default:
		return Invalid("kind", "must be one of username, email, phone, combined")
	}
	return nil
}

// NormalizePhone strips common separators.
func NormalizePhone(s string) string {
	r := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	return r.Replace(strings.TrimSpace(s))
}

func validEmail(s string) bool {
	a, err := mail.ParseAddress(s)
	return err == nil && a.Address == s && strings.Contains(s[strings.LastIndex(s, "@")+1:], ".")
}

// ValidateJobID checks a worker-supplied job id.
func ValidateJobID(id string) error {
	if id == "" {
		return Invalid("job_id", "required")
	}
	if !jobIDRx.MatchString(id) {
		return Invalid("job_id", "unexpected characters or length")
	}
	return nil
}

// ParseProgressStatus accepts the statuses a worker may report on the webhook.
func ParseProgressStatus(s string) (ProgressStatus, error) {
	switch p := ProgressStatus(strings.ToLower(strings.TrimSpace(s))); p {
	case ProgressQueued, ProgressRunning, ProgressCompleted, ProgressFailed:
		return p, nil
	}
	return "", Invalid("status", "must be one of completed, failed, queued, running")
}

// SanitizeID returns the canonical form of a uuid attribution field, or ""
// when it is malformed or the all-zero sentinel. Attribution metadata never
// fails an ingestion.
func SanitizeID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return ""
	}
	return id.String()
}
