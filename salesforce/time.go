package salesforce

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the datetime format of the REST API, e.g. 2017-03-01T12:00:00.000+0000.
const TimeLayout = "2006-01-02T15:04:05.000-0700"

// Time decodes REST API datetimes. null decodes to the zero time.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{TimeLayout, time.RFC3339Nano} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognised datetime %q", s)
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.UTC().Format(TimeLayout) + `"`), nil
}
