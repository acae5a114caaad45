package research

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/parcelscope/property-research/internal/model"
)

// Template placeholders substituted per subject when prompts are built.
const (
	placeholderAddress = "{address}"
	placeholderCity    = "{city}"
	placeholderState   = "{state}"
)

const tier1System = "You are a property records research specialist. " +
	"Return ONLY valid JSON with data from public records and listings. " +
	"Use null for unavailable data. Be precise with numbers and cite sources."

const tier2System = "You are a real estate market analyst producing estimates. " +
	"Return ONLY valid JSON. Base every estimate on comparable properties " +
	"and recent market data. Use null when no reasonable estimate exists."

// DefaultRoles returns the fixed five-role research set. The first three
// roles target public-record data; the last two are market inference.
func DefaultRoles() []model.QueryRole {
	return []model.QueryRole{
		{
			ID:   "property_records_ownership",
			Tier: model.TierHighConfidencePublic,
			ExpectedFields: []string{
				"parcel_number", "property_tax_annual", "hoa_monthly",
				"hoa_association_name", "owner_name", "purchase_date",
				"mortgage_amount", "lender_name",
			},
			SystemPrompt: tier1System,
			PromptTemplate: `Research public property records for: {address}, {city}, {state}

Find and return as JSON:
{
    "parcel_number": "assessor parcel number (string or null)",
    "property_tax_annual": annual property tax in USD (number or null),
    "hoa_monthly": monthly HOA dues in USD (number or null),
    "hoa_association_name": "name of the HOA (string or null)",
    "owner_name": "current owner of record (string or null)",
    "purchase_date": "most recent purchase date YYYY-MM (string or null)",
    "mortgage_amount": recorded mortgage amount in USD (number or null),
    "lender_name": "mortgage lender (string or null)"
}

Use null for unavailable data. Include only factual data with citations.`,
		},
		{
			ID:   "property_details_market",
			Tier: model.TierHighConfidencePublic,
			ExpectedFields: []string{
				"bedrooms", "bathrooms", "square_feet", "year_built",
				"lot_size_sqft", "property_type", "current_status",
				"last_sold_price", "last_sold_date", "price_per_sqft",
			},
			SystemPrompt: tier1System,
			PromptTemplate: `Research listing details for: {address}, {city}, {state}

Find and return as JSON:
{
    "bedrooms": number or null,
    "bathrooms": number or null,
    "square_feet": number or null,
    "year_built": number or null,
    "lot_size_sqft": number or null,
    "property_type": "single-family|condo|townhouse|multi-family|other",
    "current_status": "active|pending|sold|off_market",
    "last_sold_price": number or null,
    "last_sold_date": "YYYY-MM or null",
    "price_per_sqft": number or null
}

Use null for unavailable data. Prefer county records and MLS data.`,
		},
		{
			ID:   "neighborhood_location",
			Tier: model.TierHighConfidencePublic,
			ExpectedFields: []string{
				"schools", "walk_score", "transit_score", "bike_score",
				"flood_zone", "crime_rate_per_100k", "median_household_income",
				"safety_rating",
			},
			SystemPrompt: tier1System,
			PromptTemplate: `Research the neighborhood around: {address}, {city}, {state}

Find and return as JSON:
{
    "schools": [{"name": "string", "rating": number 1-10, "type": "elementary|middle|high"}],
    "walk_score": number 0-100 or null,
    "transit_score": number 0-100 or null,
    "bike_score": number 0-100 or null,
    "flood_zone": "FEMA zone designation or null",
    "crime_rate_per_100k": number or null,
    "median_household_income": number or null,
    "safety_rating": "low|medium|high"
}

Focus on measurable quality-of-life data with citations.`,
		},
		{
			ID:   "financial_inference_estimates",
			Tier: model.TierEstimate,
			ExpectedFields: []string{
				"rent_estimate_low", "rent_estimate_high", "gross_yield_pct",
				"insurance_annual_estimate", "maintenance_annual_estimate",
			},
			SystemPrompt: tier2System,
			PromptTemplate: `Estimate investment economics for: {address}, {city}, {state}

Calculate and return as JSON:
{
    "rent_estimate_low": monthly rent lower bound in USD (number or null),
    "rent_estimate_high": monthly rent upper bound in USD (number or null),
    "gross_yield_pct": gross rental yield percentage (number or null),
    "insurance_annual_estimate": annual insurance in USD (number or null),
    "maintenance_annual_estimate": annual maintenance in USD (number or null)
}

These are estimates; base them on comparable rentals in {city}.`,
		},
		{
			ID:   "economic_growth_signals",
			Tier: model.TierEstimate,
			ExpectedFields: []string{
				"major_employers", "population_growth_pct",
				"unemployment_rate_pct", "employment_growth",
			},
			SystemPrompt: tier2System,
			PromptTemplate: `Research forward-looking economic signals for: {city}, {state}

Research and return as JSON:
{
    "major_employers": ["top 5 employers"],
    "population_growth_pct": 5-year population growth percentage (number or null),
    "unemployment_rate_pct": current unemployment rate (number or null),
    "employment_growth": "summary of hiring and relocation activity"
}

Focus on signals that predict future property values.`,
		},
	}
}

// LoadRolesFile reads a role-set override from YAML. Operators use this to
// re-derive prompts and expected fields for non-US-residential domains
// without recompiling.
func LoadRolesFile(path string) ([]model.QueryRole, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "research: read roles file %s", path)
	}
	var roles []model.QueryRole
	if err := yaml.Unmarshal(data, &roles); err != nil {
		return nil, eris.Wrapf(err, "research: parse roles file %s", path)
	}
	return roles, nil
}

// buildPrompt expands a role's template for a subject.
func buildPrompt(template string, subject model.Subject) string {
	return strings.NewReplacer(
		placeholderAddress, subject.Address,
		placeholderCity, subject.City,
		placeholderState, subject.State,
	).Replace(template)
}

// requiredParams reports which subject fields a template references.
func requiredParams(template string) (address, city, state bool) {
	return strings.Contains(template, placeholderAddress),
		strings.Contains(template, placeholderCity),
		strings.Contains(template, placeholderState)
}
