package calendar

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/domain"
)

const (
	icsDate     = "20060102"
	icsDateTime = "20060102T150405Z"
	uidSuffix   = "@coursework-sync"
)

// FeedEvent is one VEVENT of an ICS feed.
type FeedEvent struct {
	UID         string
	Summary     string
	Description string
	URL         string
	Start       time.Time
	End         time.Time
	AllDay      bool
}

// WriteICS renders every dated assignment as a VEVENT. Undated or invalid
// due dates are skipped.
func WriteICS(w io.Writer, name string, items []domain.Assignment, now time.Time) error {
	bw := bufio.NewWriter(w)
	line := func(s string) { writeFolded(bw, s) }

	line("BEGIN:VCALENDAR")
	line("VERSION:2.0")
	line("PRODID:-//coursework-sync//EN")
	line("CALSCALE:GREGORIAN")
	if name != "" {
		line("X-WR-CALNAME:" + escapeText(name))
	}
	stamp := now.UTC().Format(icsDateTime)
	for _, a := range items {
		m, ok := MutationFor(a.CourseworkItem, a.CourseName)
		if !ok {
			continue
		}
		line("BEGIN:VEVENT")
		line("UID:" + a.ID + uidSuffix)
		line("DTSTAMP:" + stamp)
		if m.AllDay {
			line("DTSTART;VALUE=DATE:" + m.Start.Format(icsDate))
			line("DTEND;VALUE=DATE:" + m.End.Format(icsDate))
		} else {
			line("DTSTART:" + m.Start.UTC().Format(icsDateTime))
			line("DTEND:" + m.End.UTC().Format(icsDateTime))
		}
		line("SUMMARY:" + escapeText(m.Title))
		if m.Description != "" {
			line("DESCRIPTION:" + escapeText(m.Description))
		}
		if m.SourceURL != "" {
			line("URL:" + m.SourceURL)
		}
		line("CATEGORIES:" + escapeText(string(a.SystemStatus)))
		line("END:VEVENT")
	}
	line("END:VCALENDAR")
	return bw.Flush()
}

// writeFolded splits content lines longer than 75 octets.
func writeFolded(w *bufio.Writer, s string) {
	const limit = 75
	for len(s) > limit {
		cut := limit
		for cut > 0 && !utf8Start(s[cut]) {
			cut--
		}
		_, _ = w.WriteString(s[:cut] + "\r\n ")
		s = s[cut:]
	}
	_, _ = w.WriteString(s + "\r\n")
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

var textEscaper = strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\r\n", `\n`, "\n", `\n`)

var textUnescaper = strings.NewReplacer(`\\`, `\`, `\;`, ";", `\,`, ",", `\n`, "\n", `\N`, "\n")

func escapeText(s string) string { return textEscaper.Replace(s) }

// ParseICS reads the VEVENTs of a feed, unfolding continuation lines.
func ParseICS(r io.Reader) ([]FeedEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	var lines []string
	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(text, " ") && len(lines) > 0 {
			lines[len(lines)-1] += text[1:]
			continue
		}
		lines = append(lines, text)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ics: %w", err)
	}

	var events []FeedEvent
	var current *FeedEvent
	for _, line := range lines {
		switch {
		case line == "BEGIN:VEVENT":
			current = &FeedEvent{}
		case line == "END:VEVENT":
			if current != nil && current.UID != "" && !current.Start.IsZero() {
				events = append(events, *current)
			}
			current = nil
		case current != nil:
			k, v, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			switch strings.ToUpper(strings.Split(k, ";")[0]) {
			case "UID":
				current.UID = v
			case "SUMMARY":
				current.Summary = textUnescaper.Replace(v)
			case "DESCRIPTION":
				current.Description = textUnescaper.Replace(v)
			case "URL":
				current.URL = v
			case "DTSTART":
				if t, allDay, err := parseICSTime(v); err == nil {
					current.Start, current.AllDay = t, allDay
				}
			case "DTEND":
				if t, _, err := parseICSTime(v); err == nil {
					current.End = t
				}
			}
		}
	}
	return events, nil
}

func parseICSTime(v string) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if len(v) == len(icsDate) {
		t, err := time.Parse(icsDate, v)
		return t, true, err
	}
	for _, f := range []string{icsDateTime, "20060102T150405"} {
		if t, err := time.Parse(f, v); err == nil {
			return t, false, nil
		}
	}
	return time.Time{}, false, errors.New("invalid ics datetime")
}
