package api

import (
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/parcelscope/property-research/internal/model"
)

// normalizeSubject canonicalizes a subject so equivalent inputs share one
// cache key and one persisted row: trimmed address, title-case city,
// upper-case two-letter state. A Caser is stateful, so each call gets
// its own.
func normalizeSubject(address, city, state string) (model.Subject, error) {
	address = strings.Join(strings.Fields(address), " ")
	city = cases.Title(language.AmericanEnglish).String(strings.Join(strings.Fields(city), " "))
	state = strings.ToUpper(strings.TrimSpace(state))

	if address == "" {
		return model.Subject{}, eris.New("address is required")
	}
	if city == "" {
		return model.Subject{}, eris.New("city is required")
	}
	if len(state) != 2 || !isAlpha(state) {
		return model.Subject{}, eris.New("state must be a 2-letter code")
	}

	return model.Subject{Address: address, City: city, State: state}, nil
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// cacheKey derives the research cache key for a normalized subject.
func cacheKey(subject model.Subject) string {
	return "research:" + strings.ToLower(subject.FullAddress())
}
