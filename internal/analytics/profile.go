package analytics

import (
	"math"
	"slices"
	"strings"

	"github.com/ashureev/cx-router/internal/domain"
)

// SentimentDecay is the per-session weight decay, newest session first.
const SentimentDecay = 0.7

// Risk reasons recorded on a profile.
const (
	RiskHighEscalationRate     = "high_escalation_rate"
	RiskLowSentiment           = "low_sentiment"
	RiskNegativeSentimentTrend = "negative_sentiment_trend"
	RiskConsecutiveUnresolved  = "consecutive_unresolved"
)

var negativeKeywords = []string{
	"frustrated",
	"angry",
	"furious",
	"lawsuit",
	"legal",
	"manager",
	"supervisor",
	"unacceptable",
	"ridiculous",
	"terrible",
	"worst",
	"scam",
	"horrible",
	"disgusting",
}

// Aggregate derives a customer profile from all of the customer's insights,
// ordered oldest to newest, and their lifetime order spend. It is a full
// recompute; nothing from a previous profile is reused.
func Aggregate(userID int64, insights []domain.SessionInsights, spend float64) domain.CustomerProfile {
	n := len(insights)
	p := domain.CustomerProfile{
		UserID:         userID,
		TotalSessions:  n,
		TopicFrequency: map[string]int{},
		RiskReasons:    []string{},
		TotalSpend:     round(spend, 2),
		LoyaltyTier:    LoyaltyTier(spend),
	}

	resolved := 0
	var driftSum float64
	drifts := 0
	for _, s := range insights {
		if s.HandoffOccurred {
			p.TotalEscalations++
		}
		if s.ResolutionStatus == domain.ResolutionResolved {
			resolved++
		}
		if s.SentimentDrift != nil {
			driftSum += *s.SentimentDrift
			drifts++
		}
		if s.PrimaryIntent != "" {
			p.TopicFrequency[s.PrimaryIntent]++
		}
	}

	var escalationRate, avgDrift float64
	if n > 0 {
		p.ResolutionRate = float64(resolved) / float64(n)
		escalationRate = float64(p.TotalEscalations) / float64(n)
	}
	if drifts > 0 {
		avgDrift = driftSum / float64(drifts)
	}
	weighted := WeightedSentiment(insights)

	if escalationRate > 0.4 {
		p.RiskReasons = append(p.RiskReasons, RiskHighEscalationRate)
	}
	if weighted < -0.3 {
		p.RiskReasons = append(p.RiskReasons, RiskLowSentiment)
	}
	if avgDrift < -0.2 {
		p.RiskReasons = append(p.RiskReasons, RiskNegativeSentimentTrend)
	}
	if trailingUnresolved(insights) >= 3 {
		p.RiskReasons = append(p.RiskReasons, RiskConsecutiveUnresolved)
	}
	p.RiskFlag = len(p.RiskReasons) > 0
	p.PreferredTone = preferredTone(insights, p.RiskFlag, weighted)

	p.ResolutionRate = round(p.ResolutionRate, 3)
	p.WeightedSentiment = round(weighted, 3)
	p.AvgSentimentDrift = round(avgDrift, 3)

	if n > 0 {
		first, last := insights[0].ClosedAt, insights[n-1].ClosedAt
		p.FirstContact = &first
		p.LastContact = &last
		p.LastResolutionStatus = string(insights[n-1].ResolutionStatus)
	}
	return p
}

// WeightedSentiment averages each session's final score with weight
// SentimentDecay^(age), where the newest session has age 0.
func WeightedSentiment(insights []domain.SessionInsights) float64 {
	n := len(insights)
	if n == 0 {
		return 0.0
	}
	var sum, total float64
	for i, s := range insights {
		w := math.Pow(SentimentDecay, float64(n-1-i))
		sum += s.SentimentScore * w
		total += w
	}
	return sum / total
}

// LoyaltyTier maps lifetime spend to a tier.
func LoyaltyTier(spend float64) string {
	switch {
	case spend >= 2000:
		return domain.TierPlatinum
	case spend >= 500:
		return domain.TierGold
	case spend >= 100:
		return domain.TierSilver
	}
	return domain.TierStandard
}

func trailingUnresolved(insights []domain.SessionInsights) int {
	count := 0
	for i := len(insights) - 1; i >= 0; i-- {
		if insights[i].ResolutionStatus != domain.ResolutionUnresolved {
			break
		}
		count++
	}
	return count
}

// preferredTone picks the most used tone among resolved sessions. Ties go to
// the tone seen first.
func preferredTone(insights []domain.SessionInsights, risky bool, weighted float64) string {
	counts := map[string]int{}
	var order []string
	for _, s := range insights {
		if s.ResolutionStatus != domain.ResolutionResolved || s.ToneUsed == "" {
			continue
		}
		if counts[s.ToneUsed] == 0 {
			order = append(order, s.ToneUsed)
		}
		counts[s.ToneUsed]++
	}

	best := ""
	for _, tone := range order {
		if best == "" || counts[tone] > counts[best] {
			best = tone
		}
	}
	if best != "" {
		return best
	}

	switch {
	case risky:
		return domain.ToneProfessional
	case weighted > 0.5:
		return domain.TonePlayful
	}
	return domain.ToneFriendly
}

// InferTone picks the tone for the next reply without a model call. Acute
// negative wording wins over any stored preference.
func InferTone(profile *domain.CustomerProfile, message, fallback string) string {
	lower := strings.ToLower(message)
	if slices.ContainsFunc(negativeKeywords, func(kw string) bool { return strings.Contains(lower, kw) }) {
		return domain.ToneProfessional
	}
	if profile != nil {
		if profile.RiskFlag {
			return domain.ToneProfessional
		}
		if profile.PreferredTone != "" {
			return profile.PreferredTone
		}
	}
	if fallback != "" {
		return fallback
	}
	return domain.ToneFriendly
}

func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}
