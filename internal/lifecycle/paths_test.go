package lifecycle_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aulendur/cortex/internal/lifecycle"
)

func TestResolveWeightPathSingleFile(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "model.gguf")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	got, err := lifecycle.ResolveWeightPath(f)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestResolveWeightPathCompleteSplitSet(t *testing.T) {
	dir := t.TempDir()
	for i := 1; i <= 3; i++ {
		name := fileName("w", i, 3)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	got, err := lifecycle.ResolveWeightPath(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, fileName("w", 1, 3)), got)
}

func TestResolveWeightPathIncompleteSplitSet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName("w", 1, 3)), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName("w", 2, 3)), []byte("x"), 0o644))

	_, err := lifecycle.ResolveWeightPath(dir)
	require.Error(t, err)
	var incomplete *lifecycle.ErrIncompleteSplitSet
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, []string{fileName("w", 3, 3)}, incomplete.Missing)
}

func fileName(base string, idx, total int) string {
	return fmt.Sprintf("%s-%05d-of-%05d.bin", base, idx, total)
}
