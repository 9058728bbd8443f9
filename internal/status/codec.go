package status

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"
)

// record is the on-disk form of File. Times are kept as strings so unset
// values are omitted instead of written as the zero time.
type record struct {
	XMLName            xml.Name `xml:"deployment"`
	ID                 string   `xml:"id"`
	Status             string   `xml:"status"`
	StatusText         string   `xml:"statusText,omitempty"`
	AuthorName         string   `xml:"author,omitempty"`
	AuthorEmail        string   `xml:"authorEmail,omitempty"`
	Message            string   `xml:"message,omitempty"`
	Deployer           string   `xml:"deployer,omitempty"`
	Progress           string   `xml:"progress,omitempty"`
	ReceivedTime       string   `xml:"receivedTime"`
	StartTime          string   `xml:"startTime,omitempty"`
	EndTime            string   `xml:"endTime,omitempty"`
	LastSuccessEndTime string   `xml:"lastSuccessEndTime,omitempty"`
	Complete           bool     `xml:"complete"`
	IsTemporary        bool     `xml:"isTemporary"`
	IsReadOnly         bool     `xml:"isReadOnly"`
	SiteName           string   `xml:"siteName,omitempty"`
}

var errCorrupted = errors.New("corrupted deployment record")

func encode(f *File) ([]byte, error) {
	r := record{
		ID:                 sanitize(f.ID),
		Status:             string(f.Status),
		StatusText:         sanitize(f.StatusText),
		AuthorName:         sanitize(f.AuthorName),
		AuthorEmail:        sanitize(f.AuthorEmail),
		Message:            sanitize(f.Message),
		Deployer:           sanitize(f.Deployer),
		Progress:           sanitize(f.Progress),
		ReceivedTime:       formatTime(f.ReceivedTime),
		StartTime:          formatTime(f.StartTime),
		EndTime:            formatTime(f.EndTime),
		LastSuccessEndTime: formatTime(f.LastSuccessEndTime),
		Complete:           f.Complete,
		IsTemporary:        f.IsTemporary,
		IsReadOnly:         f.IsReadOnly,
		SiteName:           sanitize(f.SiteName),
	}

	out, err := xml.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode deployment record: %w", err)
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

// decode parses a record and checks it belongs to id. Every failure wraps
// errCorrupted.
func decode(id string, data []byte) (*File, error) {
	var r record
	if err := xml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupted, err)
	}

	switch {
	case r.ID == "":
		return nil, fmt.Errorf("%w: missing id", errCorrupted)
	case r.ID != id:
		return nil, fmt.Errorf("%w: id %q does not match directory %q", errCorrupted, r.ID, id)
	case r.Status == "":
		return nil, fmt.Errorf("%w: missing status", errCorrupted)
	case !Status(r.Status).Valid():
		return nil, fmt.Errorf("%w: unknown status %q", errCorrupted, r.Status)
	case r.ReceivedTime == "":
		return nil, fmt.Errorf("%w: missing receivedTime", errCorrupted)
	}

	f := &File{
		ID:          r.ID,
		Status:      Status(r.Status),
		StatusText:  r.StatusText,
		AuthorName:  r.AuthorName,
		AuthorEmail: r.AuthorEmail,
		Message:     r.Message,
		Deployer:    r.Deployer,
		Progress:    r.Progress,
		Complete:    r.Complete,
		IsTemporary: r.IsTemporary,
		IsReadOnly:  r.IsReadOnly,
		SiteName:    r.SiteName,
	}

	times := []struct {
		field string
		raw   string
		dst   *time.Time
	}{
		{"receivedTime", r.ReceivedTime, &f.ReceivedTime},
		{"startTime", r.StartTime, &f.StartTime},
		{"endTime", r.EndTime, &f.EndTime},
		{"lastSuccessEndTime", r.LastSuccessEndTime, &f.LastSuccessEndTime},
	}
	for _, ts := range times {
		t, err := parseTime(ts.raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad %s: %v", errCorrupted, ts.field, err)
		}
		*ts.dst = t
	}

	return f, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// sanitize replaces characters XML 1.0 cannot carry with '?'.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if isXMLChar(r) {
			return r
		}
		return '?'
	}, s)
}

func isXMLChar(r rune) bool {
	switch {
	case r == 0x09 || r == 0x0A || r == 0x0D:
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= 0x10FFFF:
		return true
	}
	return false
}
