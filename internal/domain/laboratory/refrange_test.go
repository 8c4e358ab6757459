package laboratory

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func intp(v int) *int { return &v }

func checkBound(t *testing.T, name string, got *decimal.Decimal, want string) {
	t.Helper()
	switch {
	case want == "" && got != nil:
		t.Errorf("%s: expected none, got %s", name, got)
	case want != "" && got == nil:
		t.Errorf("%s: expected %s, got none", name, want)
	case want != "" && !got.Equal(*dec(want)):
		t.Errorf("%s: expected %s, got %s", name, want, got)
	}
}

func checkRange(t *testing.T, got ResolvedRange, min, max string, src RangeSource) {
	t.Helper()
	if got.Source != src {
		t.Errorf("expected source %s, got %s", src, got.Source)
	}
	checkBound(t, "min", got.Min, min)
	checkBound(t, "max", got.Max, max)
}

func hemoglobin() *CatalogTest {
	return &CatalogTest{
		Code:       "HGB",
		EntryType:  EntryNumeric,
		GeneralMin: dec("12"), GeneralMax: dec("17"),
		MaleMin: dec("13.5"), MaleMax: dec("17.5"),
		FemaleMin: dec("12"), FemaleMax: dec("15.5"),
		AgeRanges: []AgeRange{
			{Sex: RangeSexAny, MinAgeYears: intp(0), MaxAgeYears: intp(12), Min: dec("11"), Max: dec("14")},
		},
	}
}

func TestResolveNumericRange_Tiers(t *testing.T) {
	tests := []struct {
		name     string
		sex      string
		age      *int
		min, max string
		src      RangeSource
	}{
		{"child uses age bracket", "M", intp(8), "11", "14", RangeFromAge},
		{"adult male uses sex range", "male", intp(40), "13.5", "17.5", RangeFromSex},
		{"adult female uses sex range", "F", intp(40), "12", "15.5", RangeFromSex},
		{"unknown sex uses general", "", intp(40), "12", "17", RangeFromGeneral},
		{"unknown age skips age bracket", "M", nil, "13.5", "17.5", RangeFromSex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkRange(t, ResolveNumericRange(hemoglobin(), tt.sex, tt.age), tt.min, tt.max, tt.src)
		})
	}
}

func TestResolveNumericRange_SexBoundFallsBackToGeneral(t *testing.T) {
	test := &CatalogTest{GeneralMin: dec("1"), GeneralMax: dec("9"), MaleMax: dec("7")}
	checkRange(t, ResolveNumericRange(test, "M", intp(30)), "1", "7", RangeFromSex)
}

func TestResolveNumericRange_None(t *testing.T) {
	checkRange(t, ResolveNumericRange(&CatalogTest{}, "F", intp(30)), "", "", RangeFromNone)
	checkRange(t, ResolveNumericRange(nil, "F", intp(30)), "", "", RangeFromNone)
}

func TestBestAgeRange_ExactSexBeatsAny(t *testing.T) {
	ranges := []AgeRange{
		{Sex: RangeSexAny, MinAgeYears: intp(18), MaxAgeYears: intp(65), Min: dec("1"), Max: dec("2")},
		{Sex: RangeSexFemale, MinAgeYears: intp(18), MaxAgeYears: intp(65), Min: dec("3"), Max: dec("4")},
	}
	if best, ok := BestAgeRange(ranges, SexFemale, intp(30)); !ok || best.Sex != RangeSexFemale {
		t.Errorf("expected the female bracket, got %+v (found=%v)", best, ok)
	}
	if best, ok := BestAgeRange(ranges, SexMale, intp(30)); !ok || best.Sex != RangeSexAny {
		t.Errorf("expected the any-sex bracket, got %+v (found=%v)", best, ok)
	}
}

func TestBestAgeRange_NarrowerSpanWins(t *testing.T) {
	ranges := []AgeRange{
		{Sex: RangeSexAny, MinAgeYears: intp(0), MaxAgeYears: intp(10), Min: dec("1")},
		{Sex: RangeSexAny, MinAgeYears: intp(5), MaxAgeYears: intp(6), Min: dec("2")},
	}
	best, ok := BestAgeRange(ranges, SexUnknown, intp(5))
	if !ok || *best.MinAgeYears != 5 {
		t.Errorf("expected the [5,6] bracket, got %+v", best)
	}
}

func TestBestAgeRange_TieBreaks(t *testing.T) {
	tests := []struct {
		name   string
		ranges []AgeRange
		want   string
	}{
		{"larger lower bound", []AgeRange{
			{Sex: RangeSexAny, MinAgeYears: intp(18), Min: dec("1")},
			{Sex: RangeSexAny, MinAgeYears: intp(40), Min: dec("2")},
		}, "2"},
		{"smaller upper bound", []AgeRange{
			{Sex: RangeSexAny, MaxAgeYears: intp(80), Min: dec("1")},
			{Sex: RangeSexAny, MaxAgeYears: intp(60), Min: dec("2")},
		}, "2"},
		{"lower position wins a full tie", []AgeRange{
			{Sex: RangeSexAny, Min: dec("2"), Position: 1},
			{Sex: RangeSexAny, Min: dec("1"), Position: 0},
		}, "1"},
		{"equal positions keep the first", []AgeRange{
			{Sex: RangeSexAny, Min: dec("1"), Position: 3},
			{Sex: RangeSexAny, Min: dec("2"), Position: 3},
		}, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			best, ok := BestAgeRange(tt.ranges, SexMale, intp(50))
			if !ok {
				t.Fatal("expected a bracket")
			}
			checkBound(t, "min", best.Min, tt.want)
		})
	}
}

func TestAgeRangeApplies(t *testing.T) {
	tests := []struct {
		name string
		r    AgeRange
		sex  Sex
		age  *int
		want bool
	}{
		{"no value bounds", AgeRange{Sex: RangeSexAny}, SexMale, intp(30), false},
		{"sex scoped, unknown sex", AgeRange{Sex: RangeSexMale, Min: dec("1")}, SexUnknown, intp(30), false},
		{"sex scoped, other sex", AgeRange{Sex: RangeSexMale, Min: dec("1")}, SexFemale, intp(30), false},
		{"age bounded, unknown age", AgeRange{Sex: RangeSexAny, MinAgeYears: intp(18), Min: dec("1")}, SexMale, nil, false},
		{"unbounded, unknown age", AgeRange{Sex: RangeSexAny, Min: dec("1")}, SexUnknown, nil, true},
		{"below minimum age", AgeRange{MinAgeYears: intp(18), Min: dec("1")}, SexMale, intp(17), false},
		{"inclusive maximum age", AgeRange{MaxAgeYears: intp(17), Min: dec("1")}, SexMale, intp(17), true},
		{"unknown range sex", AgeRange{Sex: "X", Min: dec("1")}, SexMale, intp(30), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AgeRangeApplies(tt.r, tt.sex, tt.age); got != tt.want {
				t.Errorf("AgeRangeApplies() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpecificityScore(t *testing.T) {
	r := AgeRange{Sex: RangeSexMale, MinAgeYears: intp(10), MaxAgeYears: intp(19)}
	oneBound := AgeRange{Sex: RangeSexAny, MinAgeYears: intp(65)}
	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"exact sex, both bounds, known age", SpecificityScore(r, SexMale, intp(12)), 100 + 30 + 20.0/10},
		{"exact sex, both bounds, unknown age", SpecificityScore(r, SexMale, nil), 100 + 30},
		{"any sex, one bound", SpecificityScore(oneBound, SexFemale, intp(70)), 50 + 15},
	}
	for _, tt := range tests {
		if math.Abs(tt.got-tt.want) > 1e-9 {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestNormalizeSex(t *testing.T) {
	for raw, want := range map[string]Sex{
		"M": SexMale, "male": SexMale, " Male ": SexMale,
		"f": SexFemale, "FEMALE": SexFemale,
		"": SexUnknown, "other": SexUnknown,
	} {
		if got := NormalizeSex(raw); got != want {
			t.Errorf("NormalizeSex(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestPatientAgeYears(t *testing.T) {
	dob := time.Date(2000, 6, 15, 0, 0, 0, 0, time.UTC)
	p := &Patient{DateOfBirth: &dob}
	if got := *p.AgeYears(time.Date(2026, 6, 14, 0, 0, 0, 0, time.UTC)); got != 25 {
		t.Errorf("expected 25 the day before the birthday, got %d", got)
	}
	if got := *p.AgeYears(time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)); got != 26 {
		t.Errorf("expected 26 on the birthday, got %d", got)
	}
	if (&Patient{}).AgeYears(time.Now()) != nil {
		t.Error("expected unknown age without a date of birth")
	}
}
