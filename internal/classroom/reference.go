package classroom

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/sevenofnine/coursework-sync/internal/apierr"
)

// ParseCourseReference accepts a bare course id or a classroom web link
// (https://classroom.google.com/c/<encoded id>) and returns the course id.
func ParseCourseReference(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	invalid := func(reason string) error {
		return &apierr.InvalidConfigurationError{Feature: "course filter", Value: ref, Reason: reason}
	}
	if ref == "" {
		return "", invalid("empty reference")
	}
	if !strings.Contains(ref, "://") {
		if strings.ContainsAny(ref, "/ \t?#") {
			return "", invalid("not a course id")
		}
		return ref, nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", invalid(err.Error())
	}
	if u.Host != "classroom.google.com" {
		return "", invalid("unsupported host " + u.Host)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] != "c" {
			continue
		}
		id, ok := decodeCourseToken(segments[i+1])
		if !ok {
			return "", invalid("undecodable course token")
		}
		return id, nil
	}
	return "", invalid("no course segment in path")
}

func decodeCourseToken(token string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.StdEncoding} {
		raw, err := enc.DecodeString(token)
		if err != nil || len(raw) == 0 {
			continue
		}
		if isDigits(string(raw)) {
			return string(raw), true
		}
	}
	return "", false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
