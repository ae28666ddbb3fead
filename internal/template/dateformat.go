package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Default patterns for the date placeholders.
var defaultDatePatterns = map[string]string{
	"date":     "d MMM yyyy",
	"time":     "h:mm a",
	"datetime": "d MMM yyyy 'at' h:mm a",
	"day":      "EEEE",
}

type tokenKey struct {
	letter rune
	count  int
}

// dateTokens maps a pattern letter repeated count times onto a renderer.
// Runs with no entry are copied to the output unchanged.
var dateTokens = map[tokenKey]func(time.Time) string{
	{'y', 4}: layout("2006"),
	{'y', 2}: layout("06"),
	{'M', 4}: layout("January"),
	{'M', 3}: layout("Jan"),
	{'M', 2}: layout("01"),
	{'M', 1}: layout("1"),
	{'E', 4}: layout("Monday"),
	{'E', 3}: layout("Mon"),
	{'E', 2}: layout("Mon"),
	{'E', 1}: layout("Mon"),
	{'d', 2}: layout("02"),
	{'d', 1}: layout("2"),
	{'H', 2}: layout("15"),
	{'H', 1}: func(t time.Time) string { return strconv.Itoa(t.Hour()) },
	{'h', 2}: layout("03"),
	{'h', 1}: layout("3"),
	{'m', 2}: layout("04"),
	{'m', 1}: layout("4"),
	{'s', 2}: layout("05"),
	{'s', 1}: layout("5"),
	{'S', 3}: func(t time.Time) string { return fmt.Sprintf("%03d", t.Nanosecond()/int(time.Millisecond)) },
	{'a', 1}: layout("PM"),
	{'Z', 1}: layout("-0700"),
}

func layout(l string) func(time.Time) string {
	return func(t time.Time) string { return t.Format(l) }
}

// FormatDate renders t with a date pattern such as "yyyy-MM-dd" or
// "EEEE 'at' h:mm a". Text between single quotes is literal.
func FormatDate(t time.Time, pattern string) string {
	var b strings.Builder
	runes := []rune(pattern)
	literal := false

	for i := 0; i < len(runes); {
		c := runes[i]
		if c == '\'' {
			literal = !literal
			i++
			continue
		}
		if literal {
			b.WriteRune(c)
			i++
			continue
		}

		n := 1
		for i+n < len(runes) && runes[i+n] == c {
			n++
		}
		if render, ok := dateTokens[tokenKey{c, n}]; ok {
			b.WriteString(render(t))
		} else {
			b.WriteString(strings.Repeat(string(c), n))
		}
		i += n
	}
	return b.String()
}

var offsetPattern = regexp.MustCompile(`(?P<sign>[+-])(?P<num>\d+)(?P<unit>[yMdhm])`)

// ApplyOffset shifts t by a compact offset such as "+1d-2h". Units are
// y (years), M (months), d (days), h (hours) and m (minutes). Unparseable
// fragments are ignored.
func ApplyOffset(t time.Time, offset string) time.Time {
	for _, m := range offsetPattern.FindAllStringSubmatch(offset, -1) {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if m[1] == "-" {
			n = -n
		}
		switch m[3] {
		case "y":
			t = addMonths(t, 12*n)
		case "M":
			t = addMonths(t, n)
		case "d":
			t = t.AddDate(0, 0, n)
		case "h":
			t = t.Add(time.Duration(n) * time.Hour)
		case "m":
			t = t.Add(time.Duration(n) * time.Minute)
		}
	}
	return t
}

// addMonths moves t by n calendar months, clamping the day to the last
// day of the target month.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
