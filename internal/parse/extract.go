package parse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ExtractorKind selects the capture/conversion strategy for one field.
type ExtractorKind int

const (
	// KindMoney captures a $-prefixed amount; an optional second capture
	// group holds a "million"/"M" qualifier applied before range-checking.
	KindMoney ExtractorKind = iota
	// KindNumber captures a bare numeric value.
	KindNumber
	// KindName captures a capitalized word sequence and rejects
	// administrative boilerplate.
	KindName
	// KindText captures the first submatch verbatim.
	KindText
	// KindSchools captures {name, rating} pairs from "<Name> ... n/10"
	// phrasing; sub-patterns are tried in order, first that matches wins.
	KindSchools
)

// Extractor declares how one field is recovered from free text when every
// structured strategy has failed. Patterns are tried in order; the first
// match whose converted value passes the plausibility bounds is kept.
// Values failing the bounds are dropped silently so downstream
// missing-field handling treats them as "not found".
type Extractor struct {
	Field    string
	Kind     ExtractorKind
	Patterns []*regexp.Regexp
	Min, Max float64
}

// nonNameTokens are words that disqualify a capitalized-sequence match
// from being a person or association name. Assessor-page boilerplate
// dominates search snippets, so these show up constantly.
var nonNameTokens = map[string]bool{
	"County":     true,
	"Assessor":   true,
	"Department": true,
	"Office":     true,
	"Public":     true,
	"Records":    true,
	"Record":     true,
	"District":   true,
	"Government": true,
	"Federal":    true,
	"Zillow":     true,
	"Redfin":     true,
	"Realtor":    true,
	"Property":   true,
	"Tax":        true,
	"The":        true,
}

const (
	minNameWords = 2
	maxNameWords = 4
)

var millionPattern = regexp.MustCompile(`(?i)^m(illion)?$`)

// capSeq matches a run of 2-5 capitalized words; word-count bounds are
// enforced afterwards so over-captures are rejected rather than trimmed.
const capSeq = `([A-Z][A-Za-z'&.-]+(?:\s+[A-Z][A-Za-z'&.-]+){1,4})`

var roleExtractors = map[string][]Extractor{
	"property_records_ownership": {
		{
			Field: "property_tax_annual", Kind: KindMoney,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)property tax(?:es)?[^$\n]{0,60}\$([\d,]+(?:\.\d+)?)`),
				regexp.MustCompile(`(?i)annual tax(?:es)?[^$\n]{0,40}\$([\d,]+(?:\.\d+)?)`),
			},
			Min: 2000, Max: 100000,
		},
		{
			Field: "hoa_monthly", Kind: KindMoney,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)hoa (?:fee|due)s?[^$\n]{0,40}\$([\d,]+(?:\.\d+)?)`),
				regexp.MustCompile(`(?i)hoa[^$\n]{0,30}\$([\d,]+(?:\.\d+)?)\s*(?:per month|/m(?:o(?:nth)?)?)?`),
			},
			Min: 50, Max: 1000,
		},
		{
			Field: "mortgage_amount", Kind: KindMoney,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(?:mortgage|loan)[^$\n]{0,60}\$([\d,]+(?:\.\d+)?)\s*(million|M\b)?`),
			},
			Min: 100000, Max: 10000000,
		},
		{
			Field: "owner_name", Kind: KindName,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`[Oo]wner(?:s)?(?: of record)?(?: (?:is|are))?[:\s]+` + capSeq),
				regexp.MustCompile(`[Oo]wned by ` + capSeq),
			},
		},
		{
			Field: "hoa_association_name", Kind: KindName,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(capSeq + `\s+(?:Homeowners )?Association`),
				regexp.MustCompile(`[Aa]ssociation(?: name)?[:\s]+` + capSeq),
			},
		},
		{
			Field: "lender_name", Kind: KindName,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`[Ll]ender[:\s]+` + capSeq),
				regexp.MustCompile(`(?:[Ff]inanced|[Mm]ortgage) (?:by|from|through|held by|with)\s+` + capSeq),
			},
		},
		{
			Field: "parcel_number", Kind: KindText,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?:APN|[Pp]arcel(?: ID| [Nn]umber)?)[:#\s]{1,3}(\d{2,4}-\d{2,4}-\d{2,4}(?:-\d{1,4})?)`),
				regexp.MustCompile(`(?:APN|[Pp]arcel(?: ID| [Nn]umber)?)[:#\s]{1,3}(\d{6,12})`),
			},
		},
		{
			Field: "purchase_date", Kind: KindText,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?:[Pp]urchased|[Ss]old|[Aa]cquired)(?: on| in)?\s+((?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s*\d{4})`),
				regexp.MustCompile(`(?:[Pp]urchased|[Ss]old|[Aa]cquired)(?: on| in)?\s+(\d{4}-\d{2}(?:-\d{2})?)`),
			},
		},
	},
	"property_details_market": {
		{
			Field: "bedrooms", Kind: KindNumber,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(\d{1,2})\s*(?:bed(?:room)?s?)\b`),
			},
			Min: 1, Max: 20,
		},
		{
			Field: "bathrooms", Kind: KindNumber,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(\d{1,2}(?:\.\d)?)\s*(?:bath(?:room)?s?)\b`),
			},
			Min: 1, Max: 20,
		},
		{
			Field: "square_feet", Kind: KindNumber,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)([\d,]+)\s*(?:sq\.?\s?ft|square feet|sqft)`),
			},
			Min: 200, Max: 50000,
		},
		{
			Field: "year_built", Kind: KindNumber,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)built in (\d{4})`),
				regexp.MustCompile(`(?i)year built[:\s]+(\d{4})`),
			},
			Min: 1800, Max: 2100,
		},
		{
			Field: "lot_size_sqft", Kind: KindNumber,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)lot(?: size)?[^\d\n]{0,20}([\d,]+)\s*(?:sq\.?\s?ft|square feet|sqft)`),
			},
			Min: 500, Max: 10000000,
		},
		{
			Field: "last_sold_price", Kind: KindMoney,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(?:last )?sold(?: for| at|[^$\n]{0,30})\$([\d,]+(?:\.\d+)?)\s*(million|M\b)?`),
				regexp.MustCompile(`(?i)sale price[^$\n]{0,30}\$([\d,]+(?:\.\d+)?)\s*(million|M\b)?`),
			},
			Min: 10000, Max: 100000000,
		},
		{
			Field: "price_per_sqft", Kind: KindMoney,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\$([\d,]+(?:\.\d+)?)\s*(?:per|/)\s*(?:sq\.?\s?ft|square foot|sqft)`),
			},
			Min: 10, Max: 10000,
		},
		{
			Field: "property_type", Kind: KindText,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(single[- ]family|condo(?:minium)?|townhouse|townhome|multi[- ]family|duplex)\b`),
			},
		},
	},
	"neighborhood_location": {
		{
			Field: "schools", Kind: KindSchools,
			Patterns: []*regexp.Regexp{
				// Exact label: a capitalized name ending in a school-tier keyword.
				regexp.MustCompile(`([A-Z][A-Za-z'.-]+(?:\s+[A-Z][A-Za-z'.-]+){0,3}\s+(?:Elementary|Middle|High)(?:\s+School)?)[^\d\n]{0,40}(\d{1,2})/10`),
				// Loose label: school keyword anywhere in the name.
				regexp.MustCompile(`([A-Z][A-Za-z'.-]+(?:\s+[A-Z][A-Za-z'.-]+){0,4}\s+School)[^\d\n]{0,40}(\d{1,2})\s*/\s*10`),
				// Rating-first phrasing: "rated 8/10 ... Name Elementary".
				regexp.MustCompile(`[Rr]at(?:ed|ing)[^\d\n]{0,10}(\d{1,2})/10[^A-Z\n]{0,30}([A-Z][A-Za-z'.-]+(?:\s+[A-Z][A-Za-z'.-]+){0,3}\s+(?:Elementary|Middle|High|School))`),
			},
		},
		{
			Field: "walk_score", Kind: KindNumber,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)walk score[^\d\n]{0,10}(\d{1,3})`),
			},
			Min: 0, Max: 100,
		},
		{
			Field: "transit_score", Kind: KindNumber,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)transit score[^\d\n]{0,10}(\d{1,3})`),
			},
			Min: 0, Max: 100,
		},
		{
			Field: "bike_score", Kind: KindNumber,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)bike score[^\d\n]{0,10}(\d{1,3})`),
			},
			Min: 0, Max: 100,
		},
		{
			Field: "crime_rate_per_100k", Kind: KindNumber,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)([\d,]+(?:\.\d+)?)\s*(?:crimes?|incidents?)\s*per 100,?000`),
				regexp.MustCompile(`(?i)crime rate[^\d\n]{0,20}([\d,]+(?:\.\d+)?)\s*per 100,?000`),
			},
			Min: 0, Max: 50000,
		},
		{
			Field: "median_household_income", Kind: KindMoney,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)median household income[^$\n]{0,30}\$([\d,]+)`),
			},
			Min: 10000, Max: 1000000,
		},
		{
			Field: "flood_zone", Kind: KindText,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)flood zone[:\s]+([A-Z]{1,2}\d{0,2})\b`),
				regexp.MustCompile(`(?i)(not in a flood zone|minimal flood risk)`),
			},
		},
	},
	"financial_inference_estimates": {
		{
			Field: "rent_estimate_low", Kind: KindMoney,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)rent(?:al)?(?: estimate| income)?[^$\n]{0,40}\$([\d,]+)\s*(?:-|–|to)\s*\$[\d,]+`),
				regexp.MustCompile(`(?i)rent(?:al)?(?: estimate| income)?[^$\n]{0,40}\$([\d,]+)`),
			},
			Min: 500, Max: 20000,
		},
		{
			Field: "rent_estimate_high", Kind: KindMoney,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)rent(?:al)?(?: estimate| income)?[^$\n]{0,40}\$[\d,]+\s*(?:-|–|to)\s*\$([\d,]+)`),
			},
			Min: 500, Max: 20000,
		},
		{
			Field: "gross_yield_pct", Kind: KindNumber,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(?:gross )?yield[^\d\n]{0,20}(\d{1,2}(?:\.\d+)?)\s*%`),
			},
			Min: 0, Max: 100,
		},
		{
			Field: "insurance_annual_estimate", Kind: KindMoney,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)insurance[^$\n]{0,40}\$([\d,]+(?:\.\d+)?)`),
			},
			Min: 300, Max: 50000,
		},
		{
			Field: "maintenance_annual_estimate", Kind: KindMoney,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)maintenance[^$\n]{0,40}\$([\d,]+(?:\.\d+)?)`),
			},
			Min: 300, Max: 100000,
		},
	},
	"economic_growth_signals": {
		{
			Field: "population_growth_pct", Kind: KindNumber,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)population (?:growth|grew)[^\d\n-]{0,20}(-?\d{1,3}(?:\.\d+)?)\s*%`),
			},
			Min: -50, Max: 100,
		},
		{
			Field: "unemployment_rate_pct", Kind: KindNumber,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)unemployment(?: rate)?[^\d\n]{0,20}(\d{1,2}(?:\.\d+)?)\s*%`),
			},
			Min: 0, Max: 100,
		},
		{
			Field: "employment_growth", Kind: KindText,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)(?:job|employment) growth[^\w\n]{0,5}(?:is |of )?([^.\n]{3,80})`),
			},
		},
		{
			Field: "major_employers", Kind: KindName,
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?:[Mm]ajor|[Ll]argest|[Tt]op) employers?(?: include| are)?[:\s]+` + capSeq),
			},
		},
	},
}

// Extractors returns the fallback extractor table for a role ID. The
// table is shared, read-only data; callers must not mutate it.
func Extractors(roleID string) []Extractor {
	return roleExtractors[roleID]
}

// ExtractFields applies the role's pattern table to free text. Fields
// whose matches fail their plausibility bounds are absent from the
// returned map, never null.
func ExtractFields(text, roleID string) map[string]any {
	data := make(map[string]any)
	for _, ex := range roleExtractors[roleID] {
		if v, ok := ex.extract(text); ok {
			data[ex.Field] = v
		}
	}
	return data
}

func (ex Extractor) extract(text string) (any, bool) {
	switch ex.Kind {
	case KindMoney, KindNumber:
		return ex.extractNumeric(text)
	case KindName:
		return ex.extractName(text)
	case KindText:
		return ex.extractText(text)
	case KindSchools:
		return ex.extractSchools(text)
	}
	return nil, false
}

func (ex Extractor) extractNumeric(text string) (any, bool) {
	for _, pat := range ex.Patterns {
		for _, m := range pat.FindAllStringSubmatch(text, -1) {
			v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
			if err != nil {
				continue
			}
			if len(m) > 2 && millionPattern.MatchString(strings.TrimSpace(m[2])) {
				v *= 1e6
			}
			if !ex.accept(v) {
				zap.L().Debug("parse: fallback value outside plausible range",
					zap.String("field", ex.Field),
					zap.Float64("value", v),
				)
				continue
			}
			return v, true
		}
	}
	return nil, false
}

func (ex Extractor) accept(v float64) bool {
	if ex.Min == 0 && ex.Max == 0 {
		return true
	}
	return v >= ex.Min && v <= ex.Max
}

func (ex Extractor) extractName(text string) (any, bool) {
	for _, pat := range ex.Patterns {
		for _, m := range pat.FindAllStringSubmatch(text, -1) {
			// capSeq admits periods inside names, so sentence-ending
			// punctuation rides along on the last word.
			name := strings.TrimRight(strings.TrimSpace(m[1]), ".,")
			if validName(name) {
				return name, true
			}
		}
	}
	return nil, false
}

func validName(name string) bool {
	words := strings.Fields(name)
	if len(words) < minNameWords || len(words) > maxNameWords {
		return false
	}
	for _, w := range words {
		if nonNameTokens[strings.Trim(w, ".,")] {
			return false
		}
	}
	return true
}

func (ex Extractor) extractText(text string) (any, bool) {
	for _, pat := range ex.Patterns {
		if m := pat.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1]), true
		}
	}
	return nil, false
}

// extractSchools returns a list of {name, rating} maps. The three
// sub-patterns tolerate increasing punctuation variance; the first one
// producing at least one valid pair wins. The rating-first sub-pattern
// carries the rating in group 1 and the name in group 2.
func (ex Extractor) extractSchools(text string) (any, bool) {
	for i, pat := range ex.Patterns {
		ratingFirst := i == len(ex.Patterns)-1
		var schools []any
		seen := make(map[string]bool)
		for _, m := range pat.FindAllStringSubmatch(text, -1) {
			nameIdx, ratingIdx := 1, 2
			if ratingFirst {
				nameIdx, ratingIdx = 2, 1
			}
			rating, err := strconv.ParseFloat(m[ratingIdx], 64)
			if err != nil || rating < 1 || rating > 10 {
				continue
			}
			name := strings.TrimSpace(m[nameIdx])
			if seen[name] {
				continue
			}
			seen[name] = true
			schools = append(schools, map[string]any{
				"name":   name,
				"rating": rating,
			})
		}
		if len(schools) > 0 {
			return schools, true
		}
	}
	return nil, false
}

// currentYear bounds year_built acceptance at load time.
var currentYear = float64(time.Now().Year())

func init() {
	// Tighten the year_built upper bound to the present.
	for i, ex := range roleExtractors["property_details_market"] {
		if ex.Field == "year_built" {
			roleExtractors["property_details_market"][i].Max = currentYear
		}
	}
}
