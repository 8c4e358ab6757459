package laboratory

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	criticalHighFactor = decimal.NewFromFloat(1.5)
	criticalLowFactor  = decimal.NewFromFloat(0.5)
)

// NumericFlag classifies a numeric value against a resolved range. Values
// equal to a bound are within range. A range with no bounds yields nil.
func NumericFlag(value decimal.Decimal, r ResolvedRange) *Flag {
	if r.Empty() {
		return nil
	}
	if r.Max != nil && value.GreaterThan(*r.Max) {
		if value.GreaterThan(r.Max.Mul(criticalHighFactor)) {
			return flagPtr(FlagCriticalHigh)
		}
		return flagPtr(FlagHigh)
	}
	if r.Min != nil && value.LessThan(*r.Min) {
		if value.LessThan(r.Min.Mul(criticalLowFactor)) {
			return flagPtr(FlagCriticalLow)
		}
		return flagPtr(FlagLow)
	}
	return flagPtr(FlagNormal)
}

// MatchOption finds the configured option equal to text, ignoring case and
// surrounding whitespace.
func MatchOption(options []TextOption, text string) (TextOption, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TextOption{}, false
	}
	for _, o := range options {
		if strings.EqualFold(strings.TrimSpace(o.Value), text) {
			return o, true
		}
	}
	return TextOption{}, false
}

// OptionValues lists the configured option values in catalog order.
func OptionValues(options []TextOption) []string {
	values := make([]string, 0, len(options))
	for _, o := range options {
		values = append(values, o.Value)
	}
	return values
}

func flagPtr(f Flag) *Flag { return &f }

func copyFlag(f *Flag) *Flag {
	if f == nil {
		return nil
	}
	return flagPtr(*f)
}
