package understanding

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Keyword lexicons for the heuristic classifier. The deployment is
// Hebrew-first, so each intent carries Hebrew terms alongside English.
var intentLexicon = map[Intent][]string{
	IntentCoupon: {
		"קופון", "קופונים", "הנחה", "הנחות", "קוד הנחה", "מבצע",
		"coupon", "coupons", "discount", "promo code", "promo",
	},
	IntentSupport: {
		"בעיה", "תקלה", "לא עובד", "לא הגיע", "הזמנה", "החזר", "ביטול",
		"problem", "issue", "broken", "not working", "order", "refund", "cancel",
	},
	IntentSales: {
		"מחיר", "לקנות", "כמה עולה", "לרכוש", "זמין במלאי",
		"price", "buy", "how much", "purchase", "in stock",
	},
	IntentHandoffHuman: {
		"נציג", "אדם אמיתי", "בן אדם", "שירות לקוחות",
		"human", "real person", "agent", "representative",
	},
	IntentAbuse: {
		"מטומטם", "אידיוט", "זבל",
		"stupid", "idiot", "garbage", "shut up",
	},
}

var intentTopics = map[Intent]string{
	IntentCoupon:       "coupons",
	IntentSupport:      "support",
	IntentSales:        "pricing",
	IntentHandoffHuman: "escalation",
	IntentAbuse:        "moderation",
	IntentGeneral:      "general",
}

var negativeLexicon = []string{
	"גרוע", "נורא", "מאוכזב", "כועס", "מעצבן",
	"terrible", "awful", "angry", "disappointed", "worst", "hate",
}

var positiveLexicon = []string{
	"תודה", "מעולה", "אחלה", "נהדר", "אוהב",
	"thanks", "thank you", "great", "awesome", "love",
}

var urgentLexicon = []string{
	"דחוף", "מיידי", "עכשיו", "בהקדם",
	"urgent", "immediately", "right now", "asap",
}

var riskLexicon = map[string][]string{
	"legal":     {"עורך דין", "תביעה", "lawyer", "lawsuit", "sue", "legal action"},
	"medical":   {"רופא", "תרופה", "אלרגיה", "doctor", "medication", "allergy", "diagnosis"},
	"financial": {"השקעה", "הלוואה", "investment", "loan", "stock tip"},
}

// Israeli mobile/landline formats plus international prefix.
var phoneRe = regexp.MustCompile(`\+972\d{8,9}|05\d[-\s]?\d{7}|0\d{8,9}`)

// Order references: "#12345", bare 5-10 digit runs, or "הזמנה 123".
var orderRe = regexp.MustCompile(`#\d{4,10}|הזמנה\s*#?\d+|\border\s*#?\d{4,10}`)

// Coupon-code shapes like SAVE20 or SUMMER2025.
var couponCodeRe = regexp.MustCompile(`\b[A-Z]{3,}[0-9]{1,4}\b`)

var platformLexicon = []string{"instagram", "tiktok", "whatsapp", "facebook", "telegram", "youtube"}

// stopwords excluded from search keywords, both languages.
var stopwords = map[string]bool{
	"יש": true, "לך": true, "לי": true, "את": true, "אתה": true, "אני": true,
	"מה": true, "איך": true, "האם": true, "זה": true, "של": true, "עם": true,
	"the": true, "a": true, "an": true, "is": true, "are": true, "do": true,
	"you": true, "i": true, "me": true, "my": true, "have": true, "any": true,
	"what": true, "how": true, "can": true, "please": true, "hi": true, "hello": true,
}

// HeuristicAnalyzer classifies with keyword lexicons and regex entity
// extraction. It runs in microseconds and never calls a model, so it is
// both the default analyzer and the degradation target for the
// model-backed one.
type HeuristicAnalyzer struct{}

// Analyze implements Analyzer. The returned error is always nil; the
// signature satisfies the interface.
func (HeuristicAnalyzer) Analyze(_ context.Context, in Input) (*Result, error) {
	start := time.Now()
	lower := strings.ToLower(in.Message)

	intent, confidence := classifyIntent(lower)
	if intent == IntentGeneral && in.PreviousIntent == IntentSupport {
		// Bare follow-ups inside a support exchange stay in support.
		intent, confidence = IntentSupport, 0.55
	}

	entities := extractEntities(in.Message, lower, in.Brands)
	risk := detectRisk(lower, entities)
	sentiment := detectSentiment(lower)

	urgency := UrgencyLow
	if containsAny(lower, urgentLexicon) {
		urgency = UrgencyHigh
	} else if sentiment == SentimentNegative && intent == IntentSupport {
		urgency = UrgencyMedium
	}

	requiresHuman := intent == IntentHandoffHuman || risk.Harassment || risk.Legal
	handler := HandlerFor(intent)
	if requiresHuman {
		handler = HandlerHuman
	}

	return &Result{
		Intent:         intent,
		Confidence:     confidence,
		Topic:          intentTopics[intent],
		Entities:       entities,
		Urgency:        urgency,
		Sentiment:      sentiment,
		Risk:           risk,
		RequiresHuman:  requiresHuman,
		RouteHints:     RouteHints{SuggestedHandler: handler},
		SearchKeywords: searchKeywords(lower),
		ProcessingTime: time.Since(start),
	}, nil
}

func classifyIntent(lower string) (Intent, float64) {
	best, bestHits := IntentGeneral, 0
	// Fixed evaluation order so ties resolve deterministically, with
	// abuse and handoff checked before the commercial intents.
	for _, intent := range []Intent{IntentAbuse, IntentHandoffHuman, IntentCoupon, IntentSupport, IntentSales} {
		hits := 0
		for _, kw := range intentLexicon[intent] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = intent, hits
		}
	}

	switch {
	case bestHits >= 2:
		return best, 0.9
	case bestHits == 1:
		return best, 0.75
	default:
		return IntentGeneral, 0.5
	}
}

func extractEntities(raw, lower string, brands []string) Entities {
	var e Entities
	e.PhoneNumbers = phoneRe.FindAllString(raw, -1)
	e.OrderNumbers = orderRe.FindAllString(raw, -1)
	e.Coupons = couponCodeRe.FindAllString(raw, -1)

	for _, b := range brands {
		if b != "" && strings.Contains(lower, strings.ToLower(b)) {
			e.Brands = append(e.Brands, b)
		}
	}
	for _, p := range platformLexicon {
		if strings.Contains(lower, p) {
			e.Platforms = append(e.Platforms, p)
		}
	}
	return e
}

func detectRisk(lower string, entities Entities) RiskFlags {
	return RiskFlags{
		Privacy:    len(entities.PhoneNumbers) > 0,
		Legal:      containsAny(lower, riskLexicon["legal"]),
		Medical:    containsAny(lower, riskLexicon["medical"]),
		Financial:  containsAny(lower, riskLexicon["financial"]),
		Harassment: containsAny(lower, intentLexicon[IntentAbuse]),
	}
}

func detectSentiment(lower string) Sentiment {
	neg := countAny(lower, negativeLexicon)
	pos := countAny(lower, positiveLexicon)
	switch {
	case neg > pos:
		return SentimentNegative
	case pos > neg:
		return SentimentPositive
	default:
		return SentimentNeutral
	}
}

func searchKeywords(lower string) []string {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == '?' || r == '!' || r == ',' || r == '.' || r == '\n'
	})
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func countAny(s string, terms []string) int {
	n := 0
	for _, t := range terms {
		if strings.Contains(s, t) {
			n++
		}
	}
	return n
}
