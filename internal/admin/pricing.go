package admin

import "math"

// ColorMode of a job for pricing purposes.
type ColorMode string

const (
	ColorBW      ColorMode = "bw"
	ColorColored ColorMode = "colored"
)

// JobAmount prices a job: per-page base by mode, color surcharge per page,
// multiplied by copies. Rounded to two decimals to keep quotes stable.
func (p Pricing) JobAmount(mode string, color ColorMode, copies int) float64 {
	if copies < 1 {
		copies = 1
	}
	base := p.CopyPerPage
	if mode == "print" {
		base = p.PrintPerPage
	}
	surcharge := 0.0
	if color == ColorColored {
		surcharge = p.ColorSurcharge
	}
	return math.Round((base+surcharge)*float64(copies)*100) / 100
}
