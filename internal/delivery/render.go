package delivery

import (
	"regexp"

	"github.com/foxzi/outreach/internal/models"
)

var rePlaceholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render replaces {{token}} placeholders with values from vars. Unknown
// tokens are left as written.
func Render(s string, vars map[string]string) string {
	if len(vars) == 0 {
		return s
	}
	return rePlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		name := rePlaceholder.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// templateVars merges campaign variables with contact fields; contact
// fields win
func templateVars(contact *models.Contact, campaign *models.Campaign) map[string]string {
	vars := make(map[string]string)
	if campaign != nil {
		for k, v := range campaign.Variables {
			vars[k] = v
		}
	}
	if contact != nil {
		vars["first_name"] = contact.FirstName
		vars["last_name"] = contact.LastName
		vars["email"] = contact.Email
		vars["company"] = contact.Company
	}
	return vars
}
