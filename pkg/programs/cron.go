package programs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronExpr is a parsed five-field cron expression (minute, hour, day-of-month,
// month, day-of-week).
type cronExpr struct {
	minute, hour, dom, month, dow map[int]bool
	// domStar/dowStar track whether the field was "*", which switches the
	// day matching rule from union to intersection.
	domStar, dowStar bool
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = []cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// parseCron parses a five-field cron expression. Supported syntax: "*",
// values, lists, ranges, and step suffixes. Day-of-week 7 normalizes to 0.
func parseCron(expr string) (*cronExpr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression needs 5 fields, got %d", len(fields))
	}

	parsed := make([]map[int]bool, 5)
	for i, raw := range fields {
		set, err := parseCronField(raw, cronFields[i])
		if err != nil {
			return nil, err
		}
		parsed[i] = set
	}

	return &cronExpr{
		minute:  parsed[0],
		hour:    parsed[1],
		dom:     parsed[2],
		month:   parsed[3],
		dow:     parsed[4],
		domStar: fields[2] == "*",
		dowStar: fields[4] == "*",
	}, nil
}

func parseCronField(raw string, field cronField) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(raw, ",") {
		step := 1
		if idx := strings.Index(part, "/"); idx >= 0 {
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("bad step in %s field %q", field.name, raw)
			}
			step = n
			part = part[:idx]
		}

		lo, hi := field.min, field.max
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err1, err2 error
			lo, err1 = strconv.Atoi(bounds[0])
			hi, err2 = strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("bad range in %s field %q", field.name, raw)
			}
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("bad value in %s field %q", field.name, raw)
			}
			lo, hi = n, n
		}

		for v := lo; v <= hi; v += step {
			normalized := v
			if field.name == "day-of-week" && normalized == 7 {
				normalized = 0
			}
			if normalized < field.min || normalized > field.max {
				return nil, fmt.Errorf("%s value %d out of range [%d,%d]", field.name, v, field.min, field.max)
			}
			set[normalized] = true
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty %s field %q", field.name, raw)
	}
	return set, nil
}

// cronScanHorizon bounds the next-fire search; two years covers every
// satisfiable five-field expression.
const cronScanHorizon = 2 * 366 * 24 * time.Hour

// next returns the first firing time strictly after t, or zero time when the
// expression never fires within the horizon.
func (c *cronExpr) next(t time.Time, loc *time.Location) time.Time {
	cursor := t.In(loc).Truncate(time.Minute).Add(time.Minute)
	limit := cursor.Add(cronScanHorizon)
	for cursor.Before(limit) {
		if c.matches(cursor) {
			return cursor
		}
		cursor = cursor.Add(time.Minute)
	}
	return time.Time{}
}

func (c *cronExpr) matches(t time.Time) bool {
	if !c.minute[t.Minute()] || !c.hour[t.Hour()] || !c.month[int(t.Month())] {
		return false
	}
	domOK := c.dom[t.Day()]
	dowOK := c.dow[int(t.Weekday())]
	// Vixie rule: when both day fields are restricted, either may match.
	if !c.domStar && !c.dowStar {
		return domOK || dowOK
	}
	return domOK && dowOK
}
