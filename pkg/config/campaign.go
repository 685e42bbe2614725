package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Duration recognized values, per spec §3: "one-month, one-semester,
// one-year, four-years, custom-string".
const (
	DurationOneMonth    = "one-month"
	DurationOneSemester = "one-semester"
	DurationOneYear     = "one-year"
	DurationFourYears   = "four-years"
)

// TemplateID enumerates the seven template ids named in spec §6.5.
type TemplateID string

const (
	TemplatePledgeConfirmation        TemplateID = "pledge-confirmation"
	TemplateHostelVerification        TemplateID = "hostel-verification"
	TemplateDonorAllocationIntermediate TemplateID = "donor-allocation-intermediate"
	TemplateDonorFinal                TemplateID = "donor-final"
	TemplateHostelMailto              TemplateID = "hostel-mailto"
	TemplateBatchIntimation           TemplateID = "batch-intimation"
	TemplateBatchMailto               TemplateID = "batch-mailto"
)

// TemplateDef is a structured document with {{placeholder}} tokens. The
// renderer (pkg/templates) substitutes RequiredPlaceholders and returns
// {subject, html_body}.
type TemplateDef struct {
	Subject              string   `yaml:"subject"`
	Body                 string   `yaml:"body"`
	RequiredPlaceholders []string `yaml:"required_placeholders"`
}

// CampaignProfile is the duration→amount map, chapter→lead-emails map, and
// template set described in spec §6.5.
type CampaignProfile struct {
	// DurationAmounts maps a recognized duration string to its promised
	// amount in integer minor currency units.
	DurationAmounts map[string]int64 `yaml:"duration_amounts"`
	// ChapterLeads maps a donor chapter to the lead email addresses CC'd
	// on that chapter's pledge confirmations.
	ChapterLeads map[string][]string `yaml:"chapter_leads"`
	// AlwaysCC is CC'd on every outbound pledge confirmation regardless
	// of chapter.
	AlwaysCC  []string                    `yaml:"always_cc"`
	Templates map[TemplateID]TemplateDef `yaml:"templates"`
}

// AmountForDuration resolves the duration→amount mapping. A duration not
// present in the map (including any "custom-string" value) returns
// ok=false; callers must then take the amount from the pledge request
// itself rather than deriving it.
func (p *CampaignProfile) AmountForDuration(duration string) (int64, bool) {
	amt, ok := p.DurationAmounts[duration]
	return amt, ok
}

// LeadsForChapter returns the lead emails for a chapter plus the always-CC
// list, deduplicated.
func (p *CampaignProfile) LeadsForChapter(chapter string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(addrs []string) {
		for _, a := range addrs {
			if a != "" && !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	add(p.ChapterLeads[chapter])
	add(p.AlwaysCC)
	return out
}

// Template looks up a template by id, reporting ok=false if the campaign
// profile has no definition for it.
func (p *CampaignProfile) Template(id TemplateID) (TemplateDef, bool) {
	t, ok := p.Templates[id]
	return t, ok
}

// LoadCampaignProfile reads and parses the campaign profile YAML at path.
func LoadCampaignProfile(path string) (*CampaignProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load campaign profile %q: %w", path, err)
	}
	var profile CampaignProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse campaign profile %q: %w", path, err)
	}
	return &profile, nil
}
