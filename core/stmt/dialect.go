package stmt

import (
	"fmt"
	"regexp"
	"strings"
)

// Now returns the engine expression for the current local timestamp.
func Now() string {
	return "datetime('now', 'localtime')"
}

// Random returns the engine's random() expression.
func Random() string {
	return "random()"
}

// mysqlFormat maps MySQL-style date format directives onto strftime.
var mysqlFormat = strings.NewReplacer(
	"%i", "%M",
	"%s", "%S",
	"%U", "%s",
)

var literalDatetime = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}( \d{2}:\d{2}(:\d{2})?)?$`)

// datetimeOperand quotes literal dates and 'now'; anything else is treated as
// a column reference.
func datetimeOperand(v string) string {
	if v == "now" || literalDatetime.MatchString(v) {
		return QuoteString(v)
	}
	return QuoteIdent(v)
}

// FormattedDatetime renders a strftime expression for date using a
// MySQL-style format string ("%H:%i, %d/%m/%Y", "%U" for a unix timestamp).
func FormattedDatetime(date, format string) string {
	if date == "now" {
		return fmt.Sprintf("strftime(%s, 'now', 'localtime')", QuoteString(mysqlFormat.Replace(format)))
	}
	return fmt.Sprintf("strftime(%s, %s)", QuoteString(mysqlFormat.Replace(format)), datetimeOperand(date))
}

var intervalPattern = regexp.MustCompile(`(?i)^([+-]?\d+)\s*(second|minute|hour|day|month|year)s?$`)

// DatetimeInterval renders date shifted by an interval such as "+18 Years"
// or "-15 Minutes".
func DatetimeInterval(date, interval string) (string, error) {
	m := intervalPattern.FindStringSubmatch(strings.TrimSpace(interval))
	if m == nil {
		return "", fmt.Errorf("invalid interval %q", interval)
	}
	modifier := fmt.Sprintf("%s %ss", m[1], strings.ToLower(m[2]))
	if !strings.HasPrefix(modifier, "-") && !strings.HasPrefix(modifier, "+") {
		modifier = "+" + modifier
	}
	if date == "now" {
		return fmt.Sprintf("datetime('now', 'localtime', %s)", QuoteString(modifier)), nil
	}
	return fmt.Sprintf("datetime(%s, %s)", datetimeOperand(date), QuoteString(modifier)), nil
}

// DatetimeDifference renders the difference date1 - date2 in seconds. Either
// side may itself be an expression returned by DatetimeInterval.
func DatetimeDifference(date1, date2 string) string {
	return fmt.Sprintf("(strftime('%%s', %s) - strftime('%%s', %s))", differenceOperand(date1), differenceOperand(date2))
}

func differenceOperand(v string) string {
	if strings.HasPrefix(v, "datetime(") || strings.HasPrefix(v, "strftime(") {
		return v
	}
	if v == "now" {
		return "datetime('now', 'localtime')"
	}
	return datetimeOperand(v)
}
