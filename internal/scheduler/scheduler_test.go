package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCurrentQuarter(t *testing.T) {
	cases := map[time.Month]string{
		time.January:   "Q1",
		time.March:     "Q1",
		time.April:     "Q2",
		time.June:      "Q2",
		time.July:      "Q3",
		time.September: "Q3",
		time.October:   "Q4",
		time.December:  "Q4",
	}
	for month, want := range cases {
		d := time.Date(2026, month, 15, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, want, CurrentQuarter(d), month.String())
	}
}
