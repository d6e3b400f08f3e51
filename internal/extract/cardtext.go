package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// CardText is the structured form of a card's display text.
type CardText struct {
	Name        string
	Rating      *float64
	ReviewCount *int
}

type cardTextRule struct {
	name    string
	pattern *regexp.Regexp
	build   func(match []string) (CardText, bool)
}

// cardTextGrammar is evaluated top to bottom; the first rule whose pattern
// matches and whose builder accepts the captures wins.
//
//	"<name><d.d>(<count>[K|M])"  -> name, rating, reviewCount
//	"<name> <d.d>★" or "stars"  -> name, rating
//	"<name><d.d>"                -> name, rating, only when glued to the name
//	"<anything>"                 -> name
//
// A bare decimal after a space stays part of the name ("Café 2.0").
var cardTextGrammar = []cardTextRule{
	{
		name:    "rating_with_reviews",
		pattern: regexp.MustCompile(`^(.+?)\s*(\d[.,]\d)\s*\(\s*(\d[\d.,]*\s*[KkMm]?)\s*\)$`),
		build: func(m []string) (CardText, bool) {
			rating, ok := parseRating(m[2])
			if !ok {
				return CardText{}, false
			}
			count, ok := ParseCount(m[3])
			if !ok {
				return CardText{}, false
			}
			return CardText{Name: strings.TrimSpace(m[1]), Rating: &rating, ReviewCount: &count}, true
		},
	},
	{
		name:    "rating_marked",
		pattern: regexp.MustCompile(`^(.+?)\s*(\d[.,]\d)\s*(?:[★☆⭐]|stars?)$`),
		build:   ratingOnly,
	},
	{
		name:    "rating_glued",
		pattern: regexp.MustCompile(`^(.*[^\s\d.,])(\d[.,]\d)$`),
		build:   ratingOnly,
	},
	{
		name:    "name_only",
		pattern: regexp.MustCompile(`^(.+)$`),
		build: func(m []string) (CardText, bool) {
			return CardText{Name: strings.TrimSpace(m[1])}, true
		},
	},
}

func ratingOnly(m []string) (CardText, bool) {
	rating, ok := parseRating(m[2])
	if !ok {
		return CardText{}, false
	}
	return CardText{Name: strings.TrimSpace(m[1]), Rating: &rating}, true
}

// ParseCardText splits a card's display text such as "Stampede Gelato4.7(342)"
// into name, rating and review count.
func ParseCardText(text string) CardText {
	normalized := strings.Join(strings.Fields(text), " ")
	if normalized == "" {
		return CardText{}
	}

	for _, rule := range cardTextGrammar {
		match := rule.pattern.FindStringSubmatch(normalized)
		if match == nil {
			continue
		}
		if parsed, ok := rule.build(match); ok && parsed.Name != "" {
			return parsed
		}
	}

	return CardText{Name: normalized}
}

// ParseCount reads review counts like "342", "12,408", "1.5K" or "2M".
func ParseCount(raw string) (int, bool) {
	value := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	if value == "" {
		return 0, false
	}

	multiplier := 1.0
	switch value[len(value)-1] {
	case 'k', 'K':
		multiplier = 1_000
		value = value[:len(value)-1]
	case 'm', 'M':
		multiplier = 1_000_000
		value = value[:len(value)-1]
	}

	if multiplier == 1 {
		value = strings.NewReplacer(",", "", ".", "").Replace(value)
	} else {
		value = strings.ReplaceAll(value, ",", ".")
	}

	number, err := strconv.ParseFloat(value, 64)
	if err != nil || number < 0 {
		return 0, false
	}

	return int(math.Round(number * multiplier)), true
}

func parseRating(raw string) (float64, bool) {
	rating, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil || rating < 1 || rating > 5 {
		return 0, false
	}
	return rating, true
}
