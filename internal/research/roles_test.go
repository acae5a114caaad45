package research

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelscope/property-research/internal/model"
)

func TestDefaultRoles(t *testing.T) {
	roles := DefaultRoles()
	require.Len(t, roles, 5)

	ids := make([]string, 0, len(roles))
	for _, r := range roles {
		ids = append(ids, r.ID)
		assert.NotEmpty(t, r.PromptTemplate, "role %s", r.ID)
		assert.NotEmpty(t, r.SystemPrompt, "role %s", r.ID)
		assert.NotEmpty(t, r.ExpectedFields, "role %s", r.ID)
	}
	assert.Equal(t, []string{
		"property_records_ownership",
		"property_details_market",
		"neighborhood_location",
		"financial_inference_estimates",
		"economic_growth_signals",
	}, ids)

	// First three answer from public records, last two are estimates.
	for _, r := range roles[:3] {
		assert.Equal(t, model.TierHighConfidencePublic, r.Tier, "role %s", r.ID)
	}
	for _, r := range roles[3:] {
		assert.Equal(t, model.TierEstimate, r.Tier, "role %s", r.ID)
	}
}

func TestBuildPrompt(t *testing.T) {
	got := buildPrompt("Research {address}, {city}, {state} near {city}.", model.Subject{
		Address: "123 Main St",
		City:    "Austin",
		State:   "TX",
	})
	assert.Equal(t, "Research 123 Main St, Austin, TX near Austin.", got)
}

func TestRequiredParams(t *testing.T) {
	addr, city, state := requiredParams("prices in {city}, {state}")
	assert.False(t, addr)
	assert.True(t, city)
	assert.True(t, state)
}

func TestLoadRolesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	content := `
- id: custom_role
  tier: estimate
  system_prompt: "Answer with JSON."
  prompt_template: "Investigate {address} in {city}, {state}"
  expected_fields:
    - field_one
    - field_two
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	roles, err := LoadRolesFile(path)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "custom_role", roles[0].ID)
	assert.Equal(t, model.TierEstimate, roles[0].Tier)
	assert.Equal(t, []string{"field_one", "field_two"}, roles[0].ExpectedFields)
}

func TestLoadRolesFileMissing(t *testing.T) {
	_, err := LoadRolesFile("/nonexistent/roles.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read roles file")
}
