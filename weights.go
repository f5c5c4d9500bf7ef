// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package efficientnet

import (
	"fmt"
	"path"
	"strings"

	data "github.com/gomlx/gomlx/examples/downloader"
	"github.com/gomlx/gomlx/examples/inceptionv3/hdf5"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WeightsBaseURL is the artifact store the per-variant weight files are fetched from,
// keyed by model name ("<model>.h5"). The artifacts are the reference ImageNet checkpoints
// published by rwightman/pytorch-image-models (NoisyStudent versions for B0-B7), converted
// to HDF5 with one dataset per variable parameter name.
//
// Override it (or pre-populate the download directory) to use a mirror.
var WeightsBaseURL = "https://huggingface.co/gomlx/efficientnet/resolve/main/weights/"

// WeightsChecksums optionally maps a model name to the SHA256 checksum of its weights
// file. Entries present here are verified after download; absent entries skip verification.
var WeightsChecksums = map[string]string{}

// weightsH5Name is the name of the local ".h5" file with the weights of a model.
func weightsH5Name(model string) string {
	return model + ".h5"
}

// unpackedWeightsName is the subdirectory holding the unpacked weights of a model.
func unpackedWeightsName(model string) string {
	return "gomlx_weights_" + model
}

// DownloadAndUnpackWeights downloads the pretrained weights of the given model to baseDir
// and unpacks them to one tensor file per variable. It only does the work if the files are
// not there yet; subsequent calls are no-ops.
//
// The unpacked directory is what Config.PreTrained consumes.
func DownloadAndUnpackWeights(baseDir, model string) error {
	if _, found := variants[model]; !found {
		return errors.Errorf("model %q is not supported, available models: %v",
			model, SupportedModels())
	}
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	unpackedWeightsPath := path.Join(baseDir, unpackedWeightsName(model))
	if fsutil.MustFileExists(unpackedWeightsPath) {
		klog.V(1).Infof("weights for %s already unpacked in %s", model, unpackedWeightsPath)
		return nil
	}

	weightsH5Path := path.Join(baseDir, weightsH5Name(model))
	url := WeightsBaseURL + weightsH5Name(model)
	if err := data.DownloadIfMissing(url, weightsH5Path, WeightsChecksums[model]); err != nil {
		return errors.WithMessagef(err, "downloading weights for %s", model)
	}

	fmt.Printf("Unpacking %s weights to %s:\n", model, unpackedWeightsPath)
	return hdf5.UnpackToTensors(unpackedWeightsPath, weightsH5Path).ProgressBar().Done()
}

// PathToTensor returns the path of the unpacked tensor file for tensorName (a variable
// parameter name relative to the model scope).
func PathToTensor(baseDir, model, tensorName string) string {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	return path.Join(baseDir, unpackedWeightsName(model), tensorName)
}

// relativeParameterName returns the variable's parameter name relative to the given
// context scope, the key used for weight files and weight maps.
func relativeParameterName(ctx *context.Context, v *context.Variable) string {
	scope := strings.TrimPrefix(v.Scope(), ctx.Scope())
	return path.Join(strings.TrimPrefix(scope, context.ScopeSeparator), v.Name())
}

// loadUnpackedWeights strict-loads every variable under ctx's scope from the unpacked
// weights directory. If skipClassifier is set, variables under the classifier scope are
// left untouched (used when the requested number of classes differs from the pretrained
// head).
func loadUnpackedWeights(ctx *context.Context, baseDir, model string, skipClassifier bool) error {
	var firstErr error
	count := 0
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		if firstErr != nil {
			return
		}
		name := relativeParameterName(ctx, v)
		if skipClassifier && strings.HasPrefix(name, "classifier/") {
			return
		}
		value, err := tensors.Load(PathToTensor(baseDir, model, name))
		if err != nil {
			firstErr = errors.WithMessagef(err,
				"loading pretrained weights for %s: no tensor for variable %q", model, name)
			return
		}
		if !value.Shape().Equal(v.Shape()) {
			firstErr = errors.Errorf(
				"loading pretrained weights for %s: tensor %q has shape %s, variable expects %s",
				model, name, value.Shape(), v.Shape())
			return
		}
		if err := v.SetValue(value); err != nil {
			firstErr = errors.WithMessagef(err, "setting variable %q", name)
			return
		}
		count++
	})
	if firstErr != nil {
		return firstErr
	}
	if count == 0 {
		return errors.Errorf("loading pretrained weights for %s: no variables found in scope %q -- "+
			"weights can only be loaded after the graph is built", model, ctx.Scope())
	}
	klog.V(1).Infof("loaded %d pretrained tensors for %s", count, model)
	return nil
}

// LoadWeights applies an externally supplied parameter mapping onto the variables under
// ctx's scope, strictly: every variable must have an entry of matching shape, and every
// entry must match a variable. Keys are parameter names relative to ctx's scope, e.g.
// "blocks/0_0/conv_dw/weights".
func LoadWeights(ctx *context.Context, weights map[string]*tensors.Tensor) error {
	var firstErr error
	applied := make(map[string]bool, len(weights))
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		if firstErr != nil {
			return
		}
		name := relativeParameterName(ctx, v)
		value, found := weights[name]
		if !found {
			firstErr = errors.Errorf("strict weights load: no entry for variable %q", name)
			return
		}
		if !value.Shape().Equal(v.Shape()) {
			firstErr = errors.Errorf("strict weights load: entry %q has shape %s, variable expects %s",
				name, value.Shape(), v.Shape())
			return
		}
		if err := v.SetValue(value); err != nil {
			firstErr = errors.WithMessagef(err, "setting variable %q", name)
			return
		}
		applied[name] = true
	})
	if firstErr != nil {
		return firstErr
	}
	for name := range weights {
		if !applied[name] {
			return errors.Errorf("strict weights load: entry %q does not match any variable", name)
		}
	}
	return nil
}
