package mailbox

import (
	"bytes"
	"encoding/xml"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func TestParseFilters(t *testing.T) {
	tests := []struct {
		name       string
		filters    Filters
		wantRead   *bool
		wantBefore time.Time
		wantAfter  time.Time
	}{
		{
			name:    "nil",
			filters: nil,
		},
		{
			name:      "unread in last week",
			filters:   Filters{"is_read": false, "max_age_days": 7},
			wantRead:  boolPtr(false),
			wantAfter: fixedNow.AddDate(0, 0, -7),
		},
		{
			name:       "absolute dates",
			filters:    Filters{"before": "2024-03-01", "after": "01-Jan-2024"},
			wantBefore: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			wantAfter:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:       "float days from yaml",
			filters:    Filters{"min_age_days": float64(30), "is_read": "true"},
			wantRead:   boolPtr(true),
			wantBefore: fixedNow.AddDate(0, 0, -30),
		},
		{
			name:    "malformed values dropped",
			filters: Filters{"before": "someday", "is_read": []int{1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ParseFilters(tt.filters, fixedNow, discardLogger())

			switch {
			case tt.wantRead == nil && c.IsRead != nil:
				t.Errorf("IsRead = %v, want unset", *c.IsRead)
			case tt.wantRead != nil && (c.IsRead == nil || *c.IsRead != *tt.wantRead):
				t.Errorf("IsRead = %v, want %v", c.IsRead, *tt.wantRead)
			}
			if !c.Before.Equal(tt.wantBefore) {
				t.Errorf("Before = %v, want %v", c.Before, tt.wantBefore)
			}
			if !c.After.Equal(tt.wantAfter) {
				t.Errorf("After = %v, want %v", c.After, tt.wantAfter)
			}
		})
	}
}

func TestParseFilters_UnknownKeyWarns(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	c := ParseFilters(Filters{"nonexistent_key": 1}, fixedNow, logger)
	if !c.Empty() {
		t.Errorf("unknown key changed criteria: %+v", c)
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "nonexistent_key") {
		t.Errorf("expected warning naming the key, got %q", out)
	}
}

func TestIMAPCriteria(t *testing.T) {
	c := ParseFilters(Filters{"is_read": false, "max_age_days": 7}, fixedNow, discardLogger())
	criteria := imapCriteria(c)

	if len(criteria.NotFlag) != 1 || criteria.NotFlag[0] != `\Seen` {
		t.Errorf("NotFlag = %v, want [\\Seen]", criteria.NotFlag)
	}
	cutoff := fixedNow.AddDate(0, 0, -7)
	if d := criteria.Since.Sub(cutoff); d < -24*time.Hour || d > 24*time.Hour {
		t.Errorf("Since = %v, want within a day of %v", criteria.Since, cutoff)
	}

	query := describeCriteria(criteria)
	if !strings.Contains(query, "UNSEEN") {
		t.Errorf("query %q lacks UNSEEN", query)
	}
	if !strings.Contains(query, "SINCE 12-Oct-2026") {
		t.Errorf("query %q lacks SINCE 12-Oct-2026", query)
	}

	if got := describeCriteria(imapCriteria(Criteria{})); got != "ALL" {
		t.Errorf("empty criteria rendered as %q, want ALL", got)
	}
	read := true
	before := imapCriteria(Criteria{IsRead: &read, Before: fixedNow})
	if got := describeCriteria(before); got != "SEEN BEFORE 19-Oct-2026" {
		t.Errorf("describeCriteria = %q", got)
	}
}

func TestEWSRestriction(t *testing.T) {
	if r := ewsRestriction(Criteria{}); r != nil {
		t.Errorf("empty criteria produced restriction %+v", r)
	}

	c := ParseFilters(Filters{"is_read": false, "max_age_days": 7}, fixedNow, discardLogger())
	r := ewsRestriction(c)
	if r == nil || r.And == nil || len(r.And.Conditions) != 2 {
		t.Fatalf("restriction = %+v, want And of two conditions", r)
	}

	out, err := xml.Marshal(struct {
		XMLName     xml.Name     `xml:"m:Wrapper"`
		Restriction *restriction `xml:"m:Restriction"`
	}{Restriction: r})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(out)
	for _, want := range []string{
		"<t:And>",
		`<t:IsEqualTo><t:FieldURI FieldURI="message:IsRead">`,
		`<t:Constant Value="false">`,
		`<t:IsGreaterThan><t:FieldURI FieldURI="item:DateTimeReceived">`,
		`Value="2026-10-12T12:00:00Z"`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("restriction XML lacks %s:\n%s", want, s)
		}
	}

	single := ewsRestriction(Criteria{Before: fixedNow})
	if single.And != nil || len(single.Conditions) != 1 || single.Conditions[0].XMLName.Local != "t:IsLessThan" {
		t.Errorf("single restriction = %+v", single)
	}
}

func boolPtr(b bool) *bool { return &b }
