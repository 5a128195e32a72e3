package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// keywordRules map phrases to intents. More specific patterns come first
// so that "suspicious structuring" resolves to structuring.
var keywordRules = []struct {
	intent   domain.Intent
	keywords []string
}{
	{domain.IntentStructuringNearThreshold, []string{"structuring", "smurfing", "below threshold", "just below", "near threshold", "under the threshold"}},
	{domain.IntentCircularFlow, []string{"circular", "round-trip", "round trip", "layering", "cycle"}},
	{domain.IntentTopClusters, []string{"cluster", "groups", "rings"}},
	{domain.IntentLargeIncoming, []string{"large transfer", "large incoming", "big amount", "heavy volume", "receiving", "incoming"}},
	{domain.IntentHighRiskJurisdiction, []string{"jurisdiction", "country", "region"}},
	{domain.IntentShowHighRisk, []string{"risky", "suspicious", "high risk", "high-risk"}},
}

var (
	rePercent = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	reRatio   = regexp.MustCompile(`\b(0\.\d+)\b`)
	reAmount  = regexp.MustCompile(`\$?\s*(\d[\d,]*(?:\.\d+)?)\s*(k|m)?\b`)
	reNumber  = regexp.MustCompile(`\b(\d+)\b`)
)

// ParseIntent maps a free-text question onto an intent and parameters
// using keyword rules. Unrecognized text falls back to high-risk entities.
func ParseIntent(text string) domain.ParsedQuery {
	lower := strings.ToLower(text)

	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return parsedFor(rule.intent, lower)
			}
		}
	}

	minRisk := DefaultMinRisk
	return domain.ParsedQuery{
		Intent:         domain.IntentShowHighRisk,
		Params:         domain.QueryParams{MinRisk: &minRisk},
		Interpretation: "Showing high-risk entities (query could not be parsed precisely)",
	}
}

func parsedFor(intent domain.Intent, text string) domain.ParsedQuery {
	pq := domain.ParsedQuery{Intent: intent}
	switch intent {
	case domain.IntentShowHighRisk:
		minRisk := extractRatio(text, DefaultMinRisk)
		pq.Params.MinRisk = &minRisk
		pq.Interpretation = fmt.Sprintf("Entities with risk of at least %.0f%%", minRisk*100)
	case domain.IntentLargeIncoming:
		minAmount := extractAmount(text, DefaultMinAmount)
		pq.Params.MinAmount = &minAmount
		pq.Interpretation = fmt.Sprintf("Entities receiving at least $%.0f", minAmount)
	case domain.IntentHighRiskJurisdiction:
		jur := extractInt(text, 0)
		pq.Params.Jurisdiction = &jur
		pq.Interpretation = fmt.Sprintf("Risky entities in jurisdiction %d", jur)
	case domain.IntentStructuringNearThreshold:
		pq.Interpretation = "Entities with repeated transfers just below the reporting threshold"
	case domain.IntentCircularFlow:
		pq.Interpretation = "Entities involved in circular fund flows"
	case domain.IntentTopClusters:
		limit := extractInt(text, DefaultClusterLimit)
		pq.Params.Limit = &limit
		pq.Interpretation = fmt.Sprintf("Top %d high-risk clusters", limit)
	}
	return pq
}

func extractRatio(text string, def float64) float64 {
	if m := rePercent.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v <= 100 {
			return v / 100
		}
	}
	if m := reRatio.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v <= 1 {
			return v
		}
	}
	return def
}

func extractAmount(text string, def float64) float64 {
	for _, m := range reAmount.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil {
			continue
		}
		switch m[2] {
		case "k":
			v *= 1_000
		case "m":
			v *= 1_000_000
		}
		if v >= 100 {
			return v
		}
	}
	return def
}

func extractInt(text string, def int) int {
	if m := reNumber.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			return v
		}
	}
	return def
}
