package laboratory

import (
	"github.com/shopspring/decimal"
)

// RangeSource names the tier of range data a resolved range came from.
type RangeSource string

const (
	RangeFromAge     RangeSource = "age"
	RangeFromSex     RangeSource = "sex"
	RangeFromGeneral RangeSource = "general"
	RangeFromNone    RangeSource = "none"
)

// ResolvedRange is the concrete normal range for one patient.
type ResolvedRange struct {
	Min    *decimal.Decimal `json:"min,omitempty"`
	Max    *decimal.Decimal `json:"max,omitempty"`
	Source RangeSource      `json:"source"`
}

// Empty reports whether neither bound is known.
func (r ResolvedRange) Empty() bool { return r.Min == nil && r.Max == nil }

const (
	scoreExactSex      = 100.0
	scoreAnySex        = 50.0
	scoreBothAgeBounds = 30.0
	scoreOneAgeBound   = 15.0
	scoreMaxSpanBonus  = 20.0
)

// ResolveNumericRange picks the most specific reference range for a patient.
// Age brackets win over sex-specific bounds, which win over the general range.
func ResolveNumericRange(t *CatalogTest, rawSex string, ageYears *int) ResolvedRange {
	if t == nil {
		return ResolvedRange{Source: RangeFromNone}
	}
	sex := NormalizeSex(rawSex)

	if best, ok := BestAgeRange(t.AgeRanges, sex, ageYears); ok {
		return ResolvedRange{Min: best.Min, Max: best.Max, Source: RangeFromAge}
	}

	var sexMin, sexMax *decimal.Decimal
	switch sex {
	case SexMale:
		sexMin, sexMax = t.MaleMin, t.MaleMax
	case SexFemale:
		sexMin, sexMax = t.FemaleMin, t.FemaleMax
	}
	if sexMin != nil || sexMax != nil {
		r := ResolvedRange{Min: sexMin, Max: sexMax, Source: RangeFromSex}
		if r.Min == nil {
			r.Min = t.GeneralMin
		}
		if r.Max == nil {
			r.Max = t.GeneralMax
		}
		return r
	}

	if t.GeneralMin != nil || t.GeneralMax != nil {
		return ResolvedRange{Min: t.GeneralMin, Max: t.GeneralMax, Source: RangeFromGeneral}
	}
	return ResolvedRange{Source: RangeFromNone}
}

// BestAgeRange returns the highest scoring bracket that applies to the patient.
func BestAgeRange(ranges []AgeRange, sex Sex, ageYears *int) (AgeRange, bool) {
	var (
		best      AgeRange
		bestScore float64
		found     bool
	)
	for _, r := range ranges {
		if !AgeRangeApplies(r, sex, ageYears) {
			continue
		}
		score := SpecificityScore(r, sex, ageYears)
		if !found || score > bestScore || (score == bestScore && breaksTie(r, best)) {
			best, bestScore, found = r, score, true
		}
	}
	return best, found
}

// AgeRangeApplies reports whether a bracket is a candidate for the patient.
// Sex-scoped brackets never match an unknown sex, and age-bounded brackets
// never match an unknown age.
func AgeRangeApplies(r AgeRange, sex Sex, ageYears *int) bool {
	if r.Min == nil && r.Max == nil {
		return false
	}
	switch r.Sex {
	case RangeSexAny, "":
	case RangeSexMale:
		if sex != SexMale {
			return false
		}
	case RangeSexFemale:
		if sex != SexFemale {
			return false
		}
	default:
		return false
	}
	if ageYears == nil {
		return r.MinAgeYears == nil && r.MaxAgeYears == nil
	}
	if r.MinAgeYears != nil && *ageYears < *r.MinAgeYears {
		return false
	}
	if r.MaxAgeYears != nil && *ageYears > *r.MaxAgeYears {
		return false
	}
	return true
}

// SpecificityScore ranks a bracket; higher is more specific.
func SpecificityScore(r AgeRange, sex Sex, ageYears *int) float64 {
	var score float64
	switch {
	case sex != SexUnknown && string(r.Sex) == string(sex):
		score += scoreExactSex
	case r.Sex == RangeSexAny || r.Sex == "":
		score += scoreAnySex
	}

	switch {
	case r.MinAgeYears != nil && r.MaxAgeYears != nil:
		score += scoreBothAgeBounds
		if ageYears != nil {
			span := *r.MaxAgeYears - *r.MinAgeYears
			if span < 0 {
				span = 0
			}
			score += scoreMaxSpanBonus / float64(1+span)
		}
	case r.MinAgeYears != nil || r.MaxAgeYears != nil:
		score += scoreOneAgeBound
	}
	return score
}

// breaksTie reports whether candidate beats incumbent on equal score:
// the larger lower bound wins, then the smaller upper bound, then the lower
// Position.
func breaksTie(candidate, incumbent AgeRange) bool {
	cMin, iMin := candidate.MinAgeYears, incumbent.MinAgeYears
	switch {
	case cMin != nil && iMin == nil:
		return true
	case cMin == nil && iMin != nil:
		return false
	case cMin != nil && iMin != nil && *cMin != *iMin:
		return *cMin > *iMin
	}

	cMax, iMax := candidate.MaxAgeYears, incumbent.MaxAgeYears
	switch {
	case cMax != nil && iMax == nil:
		return true
	case cMax == nil && iMax != nil:
		return false
	case cMax != nil && iMax != nil && *cMax != *iMax:
		return *cMax < *iMax
	}
	return candidate.Position < incumbent.Position
}
