package laboratory

import (
	"fmt"
	"strings"
)

// patientContext is the slice of patient demographics needed to flag a result.
type patientContext struct {
	sex      string
	ageYears *int
}

// entryHandler writes a payload's value fields and flag onto a unit for one
// result entry type. Implementations validate before mutating.
type entryHandler interface {
	apply(u *ResultUnit, t *CatalogTest, p ResultPayload, pc patientContext) error
}

type numericEntry struct{}
type qualitativeEntry struct{}
type textEntry struct{}

// handlerFor selects the entry variant once per call.
func handlerFor(t EntryType) (entryHandler, error) {
	switch t {
	case EntryNumeric, "":
		return numericEntry{}, nil
	case EntryQualitative:
		return qualitativeEntry{}, nil
	case EntryText:
		return textEntry{}, nil
	default:
		return nil, validationError(fmt.Sprintf("unsupported result entry type %q", t))
	}
}

// A payload without a value keeps the stored one, so a comments-only update
// does not erase the result.
func (numericEntry) apply(u *ResultUnit, t *CatalogTest, p ResultPayload, pc patientContext) error {
	if p.ResultValue != nil {
		u.ResultValue = p.ResultValue
	}
	if p.ResultText != nil {
		u.ResultText = nil
		if trimmed(p.ResultText) != nil {
			u.ResultText = p.ResultText
		}
	}
	if !u.HasResult() {
		return validationError("result value required")
	}
	u.Flag = nil
	if u.ResultValue != nil {
		r := ResolveNumericRange(t, pc.sex, pc.ageYears)
		u.Flag = NumericFlag(*u.ResultValue, r)
	}
	return nil
}

func (qualitativeEntry) apply(u *ResultUnit, t *CatalogTest, p ResultPayload, _ patientContext) error {
	text := trimmed(p.ResultText)
	if text == nil {
		return validationError("result text required")
	}
	opt, ok := MatchOption(t.Options, *text)
	switch {
	case ok:
		value := opt.Value
		u.ResultText = &value
		u.Flag = copyFlag(opt.Flag)
	case t.AllowFreeText:
		u.ResultText = text
		u.Flag = nil
	default:
		return validationError(fmt.Sprintf("invalid result %q for %s", *text, t.Code), OptionValues(t.Options)...)
	}
	u.ResultValue = nil
	return nil
}

func (textEntry) apply(u *ResultUnit, t *CatalogTest, p ResultPayload, _ patientContext) error {
	if p.ResultText != nil {
		u.ResultText = trimmed(p.ResultText)
	}
	if u.ResultText == nil {
		return validationError("result text required")
	}
	u.ResultValue = nil
	u.Flag = nil
	if opt, ok := MatchOption(t.Options, *u.ResultText); ok {
		u.Flag = copyFlag(opt.Flag)
	}
	return nil
}

// trimmed returns the trimmed string, or nil when it is missing or blank.
func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
