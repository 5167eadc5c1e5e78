package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sentinelcore/store"
)

func TestLoadSeedFileAndApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.toml")
	content := `
[[policy]]
name = "baseline-allow"
severity = "LOW"
effect = "allow"
canary_percent = 0
created_by = "bootstrap"

[policy.rule]
comparator = "exists"
path = "action"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	doc, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, doc.Policies, 1)
	require.Equal(t, "baseline-allow", doc.Policies[0].Name)

	engine, db, chain, signer := newTestEngine(t)
	defer signer.Close()
	defer chain.Close()
	lifecycle := NewLifecycle(db, chain, engine)

	existing := func(name string) (bool, error) {
		var count int64
		err := db.Model(&store.Policy{}).Where("name = ?", name).Count(&count).Error
		return count > 0, err
	}

	require.NoError(t, ApplySeed(context.Background(), lifecycle, existing, doc))

	var count int64
	require.NoError(t, db.Model(&store.Policy{}).Where("name = ?", "baseline-allow").Count(&count).Error)
	require.Equal(t, int64(1), count)

	// Re-applying is a no-op.
	require.NoError(t, ApplySeed(context.Background(), lifecycle, existing, doc))
	require.NoError(t, db.Model(&store.Policy{}).Where("name = ?", "baseline-allow").Count(&count).Error)
	require.Equal(t, int64(1), count)
}
