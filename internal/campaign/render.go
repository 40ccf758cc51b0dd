package campaign

import (
	"strings"

	"wabulk/internal/model"
)

// Placeholders understood by Render; the English forms are aliases.
const (
	PlaceholderName    = "{nombre}"
	PlaceholderPhone   = "{telefono}"
	PlaceholderNameEN  = "{name}"
	PlaceholderPhoneEN = "{phone}"
)

// Render fills a campaign template for one recipient. It never fails: a
// missing name renders as "", unknown placeholders are left alone.
func Render(tmpl string, r model.Recipient) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	name := strings.TrimSpace(r.DisplayName)
	return strings.NewReplacer(
		PlaceholderName, name,
		PlaceholderNameEN, name,
		PlaceholderPhone, r.Phone,
		PlaceholderPhoneEN, r.Phone,
	).Replace(tmpl)
}
