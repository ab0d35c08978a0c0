package models

// Severity grades a content issue
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ContentIssue is a single finding of the content quality check
type ContentIssue struct {
	Type           string   `json:"type"`
	Severity       Severity `json:"severity"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

// ContentQualityCheck is the result of scoring a drafted email.
// It is never persisted.
type ContentQualityCheck struct {
	Score             float64        `json:"score"`
	Issues            []ContentIssue `json:"issues"`
	IsPassing         bool           `json:"is_passing"`
	HasCriticalIssues bool           `json:"has_critical_issues"`
}

// HasIssue reports whether an issue of the given type was raised
func (c *ContentQualityCheck) HasIssue(issueType string) bool {
	for _, issue := range c.Issues {
		if issue.Type == issueType {
			return true
		}
	}
	return false
}
