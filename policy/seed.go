package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"sentinelcore/store"
)

// SeedDocument is the optional bootstrap bundle format read from
// POLICY_SEED_FILE: a set of draft policies to create on first startup
// so a fresh deployment isn't born with an empty policy set.
type SeedDocument struct {
	Policies []SeedPolicy `toml:"policy"`
}

// SeedPolicy is one policy entry in the seed bundle. Rule is expressed
// as TOML-native nested tables/arrays and converted to a policy.Rule via
// a JSON round trip, since TOML has no native union type for the
// Rule struct's combinator/comparator duality.
type SeedPolicy struct {
	Name          string         `toml:"name"`
	Severity      string         `toml:"severity"`
	Effect        string         `toml:"effect"`
	CanaryPercent int            `toml:"canary_percent"`
	CreatedBy     string         `toml:"created_by"`
	Rule          map[string]any `toml:"rule"`
}

// LoadSeedFile parses a TOML policy-seed bundle.
func LoadSeedFile(path string) (*SeedDocument, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read seed file: %w", err)
	}
	var doc SeedDocument
	if err := toml.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse seed file: %w", err)
	}
	return &doc, nil
}

// ApplySeed creates every policy in doc as a draft revision 1, skipping
// any whose name already exists (via the existing callback) so
// re-running the loader on an already-seeded database is a no-op.
func ApplySeed(ctx context.Context, lifecycle *Lifecycle, existing func(name string) (bool, error), doc *SeedDocument) error {
	for _, sp := range doc.Policies {
		exists, err := existing(sp.Name)
		if err != nil {
			return fmt.Errorf("policy: check existing seed policy %s: %w", sp.Name, err)
		}
		if exists {
			continue
		}
		ruleJSON, err := json.Marshal(sp.Rule)
		if err != nil {
			return fmt.Errorf("policy: encode seed rule for %s: %w", sp.Name, err)
		}
		var rule Rule
		if err := json.Unmarshal(ruleJSON, &rule); err != nil {
			return fmt.Errorf("policy: decode seed rule for %s: %w", sp.Name, err)
		}
		p := &store.Policy{
			Name:          sp.Name,
			Version:       1,
			Severity:      store.Severity(sp.Severity),
			Rule:          ruleJSON,
			Effect:        store.Effect(sp.Effect),
			CanaryPercent: sp.CanaryPercent,
			CreatedBy:     sp.CreatedBy,
		}
		if err := lifecycle.CreateDraft(ctx, p); err != nil {
			return fmt.Errorf("policy: create seed policy %s: %w", sp.Name, err)
		}
	}
	return nil
}
