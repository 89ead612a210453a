package domain

import (
	"strconv"
	"strings"
	"time"
)

// Month is a calendar month, 1 (January) through 12 (December). It is the
// only representation of a reconciliation period's month inside the service.
type Month int

const (
	January Month = iota + 1
	February
	March
	April
	May
	June
	July
	August
	September
	October
	November
	December
)

var monthsByName = func() map[string]Month {
	m := make(map[string]Month, 24)
	for i := January; i <= December; i++ {
		name := strings.ToLower(time.Month(i).String())
		m[name] = i
		m[name[:3]] = i
	}
	m["sept"] = September
	return m
}()

// ParseMonth accepts a number ("3", "03") or an English month name or
// abbreviation in any case ("March", "mar").
func ParseMonth(s string) (Month, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		m := Month(n)
		if !m.Valid() {
			return 0, ErrInvalidMonth
		}
		return m, nil
	}
	if m, ok := monthsByName[strings.ToLower(s)]; ok {
		return m, nil
	}
	return 0, ErrInvalidMonth
}

// Valid reports whether m is within 1..12.
func (m Month) Valid() bool {
	return m >= January && m <= December
}

func (m Month) String() string {
	if !m.Valid() {
		return "Month(" + strconv.Itoa(int(m)) + ")"
	}
	return time.Month(m).String()
}

// UnmarshalJSON accepts both numbers and names.
func (m *Month) UnmarshalJSON(data []byte) error {
	parsed, err := ParseMonth(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalJSON always emits the month number.
func (m Month) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(m))), nil
}
