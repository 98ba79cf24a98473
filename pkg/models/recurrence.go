package models

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type RecurrenceType string

const (
	DailyRecurrence   RecurrenceType = "daily"
	WeeklyRecurrence  RecurrenceType = "weekly"
	MonthlyRecurrence RecurrenceType = "monthly"
	YearlyRecurrence  RecurrenceType = "yearly"
)

// RecurrencePattern holds the canonical parameters of a recurrence rule.
// Patterns are persisted as a JSONB column on scheduled_events.
type RecurrencePattern struct {
	Type       RecurrenceType `json:"type"`
	Interval   int            `json:"interval"`
	Days       []int          `json:"days,omitempty"`         // weekly: 1=Monday..7=Sunday
	DayOfMonth int            `json:"day_of_month,omitempty"` // monthly, yearly
	Month      int            `json:"month,omitempty"`        // yearly
	StartDate  time.Time      `json:"start_date"`
	EndDate    *time.Time     `json:"end_date,omitempty"`
}

func (p RecurrencePattern) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *RecurrencePattern) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into RecurrencePattern", src)
	}
	return json.Unmarshal(b, p)
}

// Hash returns a content-addressed fingerprint of the canonical pattern.
// Fields are serialized in sorted-key order, so two patterns with the
// same semantic parameters hash identically regardless of how the input
// was assembled.
func (p RecurrencePattern) Hash() string {
	parts := map[string]string{
		"type":     string(p.Type),
		"interval": fmt.Sprintf("%d", p.Interval),
	}
	if len(p.Days) > 0 {
		days := append([]int(nil), p.Days...)
		sort.Ints(days)
		strs := make([]string, len(days))
		for i, d := range days {
			strs[i] = fmt.Sprintf("%d", d)
		}
		parts["days"] = strings.Join(strs, ",")
	}
	if p.DayOfMonth != 0 {
		parts["day_of_month"] = fmt.Sprintf("%d", p.DayOfMonth)
	}
	if p.Month != 0 {
		parts["month"] = fmt.Sprintf("%d", p.Month)
	}
	if !p.StartDate.IsZero() {
		parts["start_date"] = p.StartDate.UTC().Format(time.RFC3339)
	}
	if p.EndDate != nil {
		parts["end_date"] = p.EndDate.UTC().Format(time.RFC3339)
	}

	keys := make([]string, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, parts[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
