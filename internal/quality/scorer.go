// Package quality scores drafted emails for spam and deliverability risk.
//
// The score is additive: every issue found contributes to it, lower is
// better. Compliance issues (unsubscribe link, physical address) are
// critical and fail an email on their own regardless of the score.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/foxzi/outreach/internal/htmltext"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
)

// PassingScore is the exclusive upper bound of a passing score
const PassingScore = 25

// Issue types
const (
	IssueCapsInSubject          = "caps_in_subject"
	IssueExclamationInSubject   = "exclamation_in_subject"
	IssueSpamWordsInSubject     = "spam_words_in_subject"
	IssueCapsInBody             = "caps_in_body"
	IssueExclamationInBody      = "exclamation_in_body"
	IssueSpamWordsInBody        = "spam_words_in_body"
	IssueTooManyLinks           = "too_many_links"
	IssueMissingPersonalization = "missing_personalization"
	IssueImageTextRatio         = "image_text_ratio"
	IssueMissingUnsubscribe     = "missing_unsubscribe"
	IssueMissingAddress         = "missing_physical_address"
)

var (
	rePersonalization = regexp.MustCompile(`\{\{[^}]+\}\}`)

	// Street number, name and suffix: "1600 Amphitheatre Pkwy"
	reStreet = regexp.MustCompile(`(?i)\b\d{1,6}\s+(?:[a-z0-9.]+\s+){1,4}(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|way|court|ct|place|pl|parkway|pkwy|suite|ste)\b`)
	// State code and ZIP: "CA 94043", "NY 10001-1234"
	reStateZip = regexp.MustCompile(`\b[A-Z]{2},?\s+\d{5}(?:-\d{4})?\b`)

	unsubscribeSignals = []string{"unsubscribe", "opt-out", "opt out", "stop receiving"}
	addressSignals     = []string{"address:", "our address"}
)

// LexiconSource provides the active spam lexicon
type LexiconSource interface {
	ActiveLexicon(ctx context.Context) ([]models.LexiconEntry, error)
}

// Scorer evaluates email content against a lexicon fetched per call
type Scorer struct {
	source LexiconSource
	logger *slog.Logger
}

// NewScorer creates a scorer. A nil source always uses DefaultLexicon.
func NewScorer(source LexiconSource, logger *slog.Logger) *Scorer {
	return &Scorer{
		source: source,
		logger: logger.With("component", "quality"),
	}
}

// Score checks subject and body. The lexicon is read once; when the source
// fails or has no active entries the built-in table is used instead.
func (s *Scorer) Score(ctx context.Context, subject, body string) *models.ContentQualityCheck {
	lexicon := s.lexicon(ctx)
	check := Evaluate(subject, body, lexicon)

	metrics.ObserveQualityCheck(check.Score, check.IsPassing)
	s.logger.Debug("content scored",
		"score", check.Score,
		"issues", len(check.Issues),
		"passing", check.IsPassing,
	)

	return check
}

func (s *Scorer) lexicon(ctx context.Context) []models.LexiconEntry {
	if s.source == nil {
		return DefaultLexicon()
	}

	entries, err := s.source.ActiveLexicon(ctx)
	if err != nil {
		s.logger.Warn("failed to load lexicon, using built-in table", "error", err)
		return DefaultLexicon()
	}
	if len(entries) == 0 {
		s.logger.Debug("lexicon is empty, using built-in table")
		return DefaultLexicon()
	}
	return entries
}

// Evaluate scores subject and body against lexicon. It is pure: the same
// input always yields the same result.
func Evaluate(subject, body string, lexicon []models.LexiconEntry) *models.ContentQualityCheck {
	check := &models.ContentQualityCheck{Issues: []models.ContentIssue{}}
	add := func(points float64, issue models.ContentIssue) {
		check.Score += points
		check.Issues = append(check.Issues, issue)
	}

	// Subject
	if ratio := upperRatio(subject); ratio > 0.3 {
		add(ratio*10, models.ContentIssue{
			Type:           IssueCapsInSubject,
			Severity:       pick(ratio > 0.5, models.SeverityHigh, models.SeverityMedium),
			Message:        fmt.Sprintf("Subject line is %.0f%% uppercase", ratio*100),
			Recommendation: "Use sentence case in the subject line",
		})
	}
	if n := strings.Count(subject, "!"); n > 3 {
		add(float64(n*2), models.ContentIssue{
			Type:           IssueExclamationInSubject,
			Severity:       pick(n > 5, models.SeverityHigh, models.SeverityMedium),
			Message:        fmt.Sprintf("Subject line has %d exclamation marks", n),
			Recommendation: "Use at most one exclamation mark in the subject line",
		})
	}
	if words, sum := matchLexicon(subject, lexicon); sum > 0 {
		add(float64(sum), models.ContentIssue{
			Type:           IssueSpamWordsInSubject,
			Severity:       lexiconSeverity(sum, 8, 15),
			Message:        fmt.Sprintf("Subject line contains spam trigger phrases: %s", strings.Join(words, ", ")),
			Recommendation: "Rephrase the subject line without promotional trigger words",
		})
	}

	// Body
	stats := htmltext.Analyze(body)
	if ratio := upperRatio(stats.Text); ratio > 0.3 {
		add(ratio*8, models.ContentIssue{
			Type:           IssueCapsInBody,
			Severity:       pick(ratio > 0.5, models.SeverityHigh, models.SeverityMedium),
			Message:        fmt.Sprintf("Body text is %.0f%% uppercase", ratio*100),
			Recommendation: "Avoid writing whole sentences in capitals",
		})
	}
	if n := strings.Count(stats.Text, "!"); n > 6 {
		add(float64(n), models.ContentIssue{
			Type:           IssueExclamationInBody,
			Severity:       pick(n > 10, models.SeverityHigh, models.SeverityMedium),
			Message:        fmt.Sprintf("Body has %d exclamation marks", n),
			Recommendation: "Reduce exclamation marks in the body",
		})
	}
	if words, sum := matchLexicon(stats.Text, lexicon); sum > 0 {
		add(float64(sum), models.ContentIssue{
			Type:           IssueSpamWordsInBody,
			Severity:       lexiconSeverity(sum, 15, 25),
			Message:        fmt.Sprintf("Body contains spam trigger phrases: %s", strings.Join(words, ", ")),
			Recommendation: "Replace promotional phrases with specific, plain language",
		})
	}
	if stats.Links > 5 {
		add(float64(stats.Links), models.ContentIssue{
			Type:           IssueTooManyLinks,
			Severity:       pick(stats.Links > 10, models.SeverityHigh, models.SeverityMedium),
			Message:        fmt.Sprintf("Body contains %d links", stats.Links),
			Recommendation: "Keep cold emails to a few relevant links",
		})
	}

	// Personalization
	if !rePersonalization.MatchString(subject) && !rePersonalization.MatchString(body) {
		add(5, models.ContentIssue{
			Type:           IssueMissingPersonalization,
			Severity:       models.SeverityMedium,
			Message:        "Email has no personalization tokens",
			Recommendation: "Add tokens such as {{first_name}} or {{company}}",
		})
	}

	// Images
	if htmltext.HasImageMarkup(body) {
		textLen := utf8.RuneCountInString(stats.Text)
		images := stats.Images
		switch {
		case images > 3 && textLen/images < 200:
			add(8, models.ContentIssue{
				Type:           IssueImageTextRatio,
				Severity:       models.SeverityHigh,
				Message:        fmt.Sprintf("%d images with only %d characters of text", images, textLen),
				Recommendation: "Add more text or remove images",
			})
		case images > 1 && textLen/images < 300:
			add(4, models.ContentIssue{
				Type:           IssueImageTextRatio,
				Severity:       models.SeverityMedium,
				Message:        fmt.Sprintf("%d images with only %d characters of text", images, textLen),
				Recommendation: "Balance images with at least 300 characters of text each",
			})
		}
	}

	// Compliance
	lowerBody := strings.ToLower(body)
	if !containsAny(lowerBody, unsubscribeSignals) {
		add(10, models.ContentIssue{
			Type:           IssueMissingUnsubscribe,
			Severity:       models.SeverityCritical,
			Message:        "Email has no unsubscribe or opt-out option",
			Recommendation: "Add an unsubscribe link to the footer",
		})
	}
	if !containsAny(lowerBody, addressSignals) && !hasPostalAddress(body) {
		add(10, models.ContentIssue{
			Type:           IssueMissingAddress,
			Severity:       models.SeverityCritical,
			Message:        "Email has no physical mailing address",
			Recommendation: "Add the sender's postal address to the footer",
		})
	}

	for _, issue := range check.Issues {
		if issue.Severity == models.SeverityCritical {
			check.HasCriticalIssues = true
			break
		}
	}
	check.IsPassing = check.Score < PassingScore && !check.HasCriticalIssues

	return check
}

// upperRatio is the share of uppercase letters among all letters of s
func upperRatio(s string) float64 {
	var letters, upper int
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

// matchLexicon returns the matched phrases in lexicon order and the sum of
// their weights. Matching is case-insensitive substring containment.
func matchLexicon(text string, lexicon []models.LexiconEntry) ([]string, int) {
	lower := strings.ToLower(text)
	var (
		words []string
		sum   int
	)
	for _, entry := range lexicon {
		word := strings.ToLower(entry.Word)
		if word == "" || !strings.Contains(lower, word) {
			continue
		}
		words = append(words, word)
		sum += entry.Score
	}
	return words, sum
}

func lexiconSeverity(sum, medium, high int) models.Severity {
	switch {
	case sum > high:
		return models.SeverityHigh
	case sum > medium:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func pick(cond bool, a, b models.Severity) models.Severity {
	if cond {
		return a
	}
	return b
}

func hasPostalAddress(body string) bool {
	return reStreet.MatchString(body) || reStateZip.MatchString(body)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// sortedCopy returns entries ordered by word
func sortedCopy(entries []models.LexiconEntry) []models.LexiconEntry {
	out := make([]models.LexiconEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Word < out[j].Word })
	return out
}
