package producer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ScheduleKind is the normalized kind of a schedule string.
type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
)

// Schedule is a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "*/10 * * * * *" (with seconds), "@hourly", "@every 2s"
//   - Interval duration: "1500ms", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes: "cron:" forces cron, "every:" or "interval:" force an
// interval.
type Schedule struct {
	Kind   ScheduleKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

// Expr returns the expression handed to the cron parser.
func (s Schedule) Expr() string {
	if s.Kind == ScheduleInterval {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule normalizes raw. Cron syntax itself is checked when the
// schedule is registered.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return Schedule{Kind: ScheduleCron, Cron: expr, Source: "cron"}, nil
	}
	for _, prefix := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, prefix) {
			d, src, err := parseInterval(s[len(prefix):])
			if err != nil {
				return Schedule{}, err
			}
			return Schedule{Kind: ScheduleInterval, Every: d, Source: src}, nil
		}
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Schedule{Kind: ScheduleCron, Cron: s, Source: "cron"}, nil
	}
	if d, src, err := parseInterval(s); err == nil {
		return Schedule{Kind: ScheduleInterval, Every: d, Source: src}, nil
	}
	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, "", fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, "", fmt.Errorf("interval must be > 0")
		}
		return d, "hhmm", nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}
