package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/ehr/fhirengine/internal/index"
)

var datePattern = regexp.MustCompile(
	`^(\d{4})(?:-(\d{2})(?:-(\d{2})(?:T(\d{2}):(\d{2})(?::(\d{2})(\.\d+)?)?(Z|[+-]\d{2}:\d{2})?)?)?)?$`)

// ParseDateRange converts a FHIR date, dateTime or instant into the
// half-open millisecond range its precision covers. Values without a zone
// are read as UTC.
func ParseDateRange(s string) (int64, int64, error) {
	m := datePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("malformed date %q", s)
	}
	loc := time.UTC
	if m[8] != "" && m[8] != "Z" {
		zt, err := time.Parse("-07:00", m[8])
		if err != nil {
			return 0, 0, fmt.Errorf("malformed zone in %q", s)
		}
		_, off := zt.Zone()
		loc = time.FixedZone("", off)
	}

	year, _ := strconv.Atoi(m[1])
	month, day, hour, minute, sec := 1, 1, 0, 0, 0
	if m[2] != "" {
		month, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		day, _ = strconv.Atoi(m[3])
	}
	if m[4] != "" {
		hour, _ = strconv.Atoi(m[4])
		minute, _ = strconv.Atoi(m[5])
	}
	if m[6] != "" {
		sec, _ = strconv.Atoi(m[6])
	}
	nanos := 0
	fracDigits := 0
	if m[7] != "" {
		frac := m[7][1:]
		fracDigits = len(frac)
		if len(frac) > 9 {
			frac = frac[:9]
		}
		for len(frac) < 9 {
			frac += "0"
		}
		nanos, _ = strconv.Atoi(frac)
	}
	if month < 1 || month > 12 || hour > 23 || minute > 59 || sec > 60 {
		return 0, 0, fmt.Errorf("date out of range %q", s)
	}

	start := time.Date(year, time.Month(month), day, hour, minute, sec, nanos, loc)
	if start.Day() != day {
		return 0, 0, fmt.Errorf("date out of range %q", s)
	}

	var end time.Time
	switch {
	case m[2] == "":
		end = start.AddDate(1, 0, 0)
	case m[3] == "":
		end = start.AddDate(0, 1, 0)
	case m[4] == "":
		end = start.AddDate(0, 0, 1)
	case m[6] == "":
		end = start.Add(time.Minute)
	case fracDigits == 0:
		end = start.Add(time.Second)
	case fracDigits < 3:
		step := time.Second
		for i := 0; i < fracDigits; i++ {
			step /= 10
		}
		end = start.Add(step)
	default:
		end = start.Add(time.Millisecond)
	}
	return start.UnixMilli(), end.UnixMilli(), nil
}

// ParsePeriod converts a Period's start and end into one range. Missing
// bounds are unbounded.
func ParsePeriod(start, end string) (int64, int64, error) {
	low, high := index.MinTime, index.MaxTime
	if start != "" {
		l, _, err := ParseDateRange(start)
		if err != nil {
			return 0, 0, err
		}
		low = l
	}
	if end != "" {
		_, h, err := ParseDateRange(end)
		if err != nil {
			return 0, 0, err
		}
		high = h
	}
	if low > high {
		return 0, 0, fmt.Errorf("period start %q after end %q", start, end)
	}
	return low, high, nil
}
