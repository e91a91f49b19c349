// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dense

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/pkg/errors"
)

// TilingFromConfig maps a configuration of one of the dense task templates to the loop nest
// that implements it.
//
// For "dense_nopack" the inner factor of each split is the block size. For "dense_pack" the
// two inner factors of the y and x splits make up the blocks, and the innermost x factor is
// the width of the packed weight panels.
func TilingFromConfig(templateName string, cfg *task.ConfigEntity) (Tiling, error) {
	var t Tiling
	var err error
	if templateName != task.DenseNopack && templateName != task.DensePack {
		err = errors.Errorf("unknown dense template %q", templateName)
	} else {
		err = exceptions.TryCatch[error](func() {
			y, x, k := cfg.Split(task.KnobTileY), cfg.Split(task.KnobTileX), cfg.Split(task.KnobTileK)
			if templateName == task.DenseNopack {
				t = Tiling{BlockY: y[1], BlockX: x[1], BlockK: k[1]}
			} else {
				t = Tiling{BlockY: y[1] * y[2], BlockX: x[1] * x[2], BlockK: k[1], PackWidth: x[2]}
			}
		})
	}
	if err != nil {
		return Tiling{}, errors.WithMessagef(err, "dense.TilingFromConfig(%q, %s)", templateName, cfg)
	}
	return t, nil
}
