package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/foxzi/outreach/internal/models"
)

func TestLoadAbTestRequest(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "yaml",
			content: `campaign_id: spring
test_type: subject
variant_count: 2
winner_metric: openRate
distribution:
  type: percentage
  values: [70, 30]
variants:
  - id: "1"
    name: Control
    subject_line: Spring sale
  - id: "2"
    name: Question
    subject_line: Ready for spring?
`,
		},
		{
			name: "json",
			content: `{"campaign_id": "spring", "test_type": "subject", "variant_count": 2,
"winner_metric": "openRate", "distribution": {"type": "percentage", "values": [70, 30]},
"variants": [{"id": "1", "name": "Control", "subject_line": "Spring sale"},
{"id": "2", "name": "Question", "subject_line": "Ready for spring?"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "request")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}

			req, err := loadAbTestRequest(path)
			if err != nil {
				t.Fatalf("loadAbTestRequest() error = %v", err)
			}
			if req.CampaignID != "spring" || req.TestType != models.AbTestSubject || req.VariantCount != 2 {
				t.Errorf("request = %+v", req)
			}
			if req.WinnerMetric != models.MetricOpenRate {
				t.Errorf("winner metric = %s", req.WinnerMetric)
			}
			if req.Distribution.Type != models.DistributionPercentage || len(req.Distribution.Values) != 2 || req.Distribution.Values[0] != 70 {
				t.Errorf("distribution = %+v", req.Distribution)
			}
			if len(req.Variants) != 2 || req.Variants[1].SubjectLine != "Ready for spring?" {
				t.Errorf("variants = %+v", req.Variants)
			}
		})
	}
}

func TestLoadAbTestRequestMissingFile(t *testing.T) {
	if _, err := loadAbTestRequest("/nonexistent/request.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFormatRate(t *testing.T) {
	if got := formatRate(nil); got != "-" {
		t.Errorf("formatRate(nil) = %q", got)
	}
	r := 33.333
	if got := formatRate(&r); got != "33.3%" {
		t.Errorf("formatRate(33.333) = %q", got)
	}
}
