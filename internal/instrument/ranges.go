package instrument

import (
	"strings"

	"github.com/shaunagostinho/hipotd/internal/types"
)

// RangeOption is one entry of the current-range selector.
type RangeOption struct {
	Label string  `json:"label"`
	Amps  float64 `json:"amps"` // Zero for AUTO
	Auto  bool    `json:"auto"`
}

// Selection converts the option into the value carried by a TestConfiguration.
func (o RangeOption) Selection() types.RangeSelection {
	if o.Auto {
		return types.AutoRange()
	}
	return types.FixedRange(o.Amps)
}

var modelARanges = []RangeOption{
	{Label: "AUTO", Auto: true},
	{Label: "10mA", Amps: 10e-3},
	{Label: "3mA", Amps: 3e-3},
	{Label: "300uA", Amps: 300e-6},
	{Label: "30uA", Amps: 30e-6},
	{Label: "3uA", Amps: 3e-6},
	{Label: "300nA", Amps: 300e-9},
	{Label: "30nA", Amps: 30e-9},
}

// Model-B tops out at 300nA.
var modelBRanges = modelARanges[:len(modelARanges)-1]

// LookupRange finds an option by label, ignoring case.
func LookupRange(d Driver, label string) (RangeOption, bool) {
	for _, o := range d.RangeOptions() {
		if strings.EqualFold(o.Label, label) {
			return o, true
		}
	}
	return RangeOption{}, false
}

// RangeByLabel looks a label up in the full range table, ignoring case.
func RangeByLabel(label string) (RangeOption, bool) {
	for _, o := range modelARanges {
		if strings.EqualFold(o.Label, label) {
			return o, true
		}
	}
	return RangeOption{}, false
}
