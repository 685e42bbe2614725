package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nust-lifeline/ledger/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProfileYAML = `
duration_amounts:
  one-month: 5000
  one-semester: 30000
  one-year: 50000
  four-years: 180000
chapter_leads:
  boston: ["lead-boston@example.org"]
  nyc: ["lead-nyc@example.org", "lead-nyc-2@example.org"]
always_cc:
  - admin@example.org
templates:
  pledge-confirmation:
    subject: "Thank you for your pledge, {{donor_name}}"
    body: "Your pledge {{pledge_id}} for {{amount}} has been recorded."
    required_placeholders: ["donor_name", "pledge_id", "amount"]
`

func writeTestProfile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "campaign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testProfileYAML), 0o600))
	return path
}

func TestLoadCampaignProfile_ParsesDurationAmounts(t *testing.T) {
	profile, err := config.LoadCampaignProfile(writeTestProfile(t))
	require.NoError(t, err)

	amt, ok := profile.AmountForDuration(config.DurationOneYear)
	require.True(t, ok)
	assert.Equal(t, int64(50000), amt)
}

func TestLoadCampaignProfile_UnknownDuration(t *testing.T) {
	profile, err := config.LoadCampaignProfile(writeTestProfile(t))
	require.NoError(t, err)

	_, ok := profile.AmountForDuration("custom-string")
	assert.False(t, ok)
}

func TestLeadsForChapter_DedupesAlwaysCC(t *testing.T) {
	profile, err := config.LoadCampaignProfile(writeTestProfile(t))
	require.NoError(t, err)

	leads := profile.LeadsForChapter("nyc")
	assert.ElementsMatch(t, []string{"lead-nyc@example.org", "lead-nyc-2@example.org", "admin@example.org"}, leads)
}

func TestLeadsForChapter_UnknownChapterStillGetsAlwaysCC(t *testing.T) {
	profile, err := config.LoadCampaignProfile(writeTestProfile(t))
	require.NoError(t, err)

	leads := profile.LeadsForChapter("unknown-chapter")
	assert.Equal(t, []string{"admin@example.org"}, leads)
}

func TestTemplate_RequiredPlaceholders(t *testing.T) {
	profile, err := config.LoadCampaignProfile(writeTestProfile(t))
	require.NoError(t, err)

	tmpl, ok := profile.Template(config.TemplatePledgeConfirmation)
	require.True(t, ok)
	assert.Contains(t, tmpl.RequiredPlaceholders, "pledge_id")
}

func TestTemplate_MissingIDNotOK(t *testing.T) {
	profile, err := config.LoadCampaignProfile(writeTestProfile(t))
	require.NoError(t, err)

	_, ok := profile.Template(config.TemplateBatchMailto)
	assert.False(t, ok)
}
