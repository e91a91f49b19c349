// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	base := DefaultConfig()
	cfg := base.WithOptLevel(3).WithDisableVectorize(true)

	// base is not modified.
	require.Equal(t, 2, base.OptLevel)
	require.False(t, base.DisableVectorize)
	require.False(t, base.AlterLayout())

	require.True(t, cfg.AlterLayout())
	require.NoError(t, cfg.Validate())
	require.Equal(t, true, cfg.Options()[OptionDisableVectorize])
	require.Equal(t, "Config{opt_level=3, tir.disable_vectorize=true}", cfg.String())

	require.Error(t, cfg.WithOptLevel(4).Validate())
	require.Error(t, cfg.WithOptLevel(-1).Validate())
}
