package admin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobAmount(t *testing.T) {
	pricing := DefaultSettings().Pricing

	cases := []struct {
		name   string
		mode   string
		color  ColorMode
		copies int
		want   float64
	}{
		{"print bw single", "print", ColorBW, 1, 5},
		{"copy bw single", "copy", ColorBW, 1, 3},
		{"print colored single", "print", ColorColored, 1, 7},
		{"copy colored double", "copy", ColorColored, 2, 10},
		{"print colored triple", "print", ColorColored, 3, 21},
		{"zero copies treated as one", "print", ColorBW, 0, 5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, pricing.JobAmount(tc.mode, tc.color, tc.copies))
		})
	}
}

func TestJobAmountRoundsToCents(t *testing.T) {
	pricing := Pricing{PrintPerPage: 1.333}
	assert.Equal(t, 1.33, pricing.JobAmount("print", ColorBW, 1))
	assert.Equal(t, 4.0, pricing.JobAmount("print", ColorBW, 3))
}
