// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package options holds the hyperparameters shared by the layers of a model.
package options

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/nmtlayers/dropout"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// CurrentModelVersion is the version written by models trained with
// pre-scaled (inverted) dropout masks.
const CurrentModelVersion = 0.1

// MaxSources is the largest number of context sources a conditional
// layer can attend to.
const MaxSources = 3

// ErrUnsupported is returned for option combinations that no layer
// implements.
var ErrUnsupported = errors.New("unsupported configuration")

// Options is the per-run hyperparameter record. It is read-only once
// validated.
type Options struct {
	// Dim is the size of the recurrent hidden states.
	Dim int `json:"dim" yaml:"dim"`
	// DimWord is the size of the (concatenated) word embeddings.
	DimWord int `json:"dim_word" yaml:"dim_word"`
	// DimPerFactor is the embedding size of each input factor. It can be
	// left empty for single-factor models.
	DimPerFactor []int `json:"dim_per_factor" yaml:"dim_per_factor"`
	Factors      int   `json:"factors" yaml:"factors"`
	NWords       int   `json:"n_words" yaml:"n_words"`
	NWordsSrc    int   `json:"n_words_src" yaml:"n_words_src"`

	UseDropout       bool    `json:"use_dropout" yaml:"use_dropout"`
	DropoutEmbedding float64 `json:"dropout_embedding" yaml:"dropout_embedding"`
	DropoutHidden    float64 `json:"dropout_hidden" yaml:"dropout_hidden"`
	DropoutSource    float64 `json:"dropout_source" yaml:"dropout_source"`
	DropoutTarget    float64 `json:"dropout_target" yaml:"dropout_target"`

	LayerNormalisation  bool `json:"layer_normalisation" yaml:"layer_normalisation"`
	WeightNormalisation bool `json:"weight_normalisation" yaml:"weight_normalisation"`

	MultisourceType Multisource `json:"multisource_type" yaml:"multisource_type"`
	// ExtraSources lists the auxiliary source corpora; each adds one
	// context the decoder attends to.
	ExtraSources []string `json:"extra_sources" yaml:"extra_sources"`

	EncRecurrenceTransitionDepth     int `json:"enc_recurrence_transition_depth" yaml:"enc_recurrence_transition_depth"`
	DecBaseRecurrenceTransitionDepth int `json:"dec_base_recurrence_transition_depth" yaml:"dec_base_recurrence_transition_depth"`

	// TruncateGradient bounds back-propagation through time; -1 means
	// unbounded.
	TruncateGradient int     `json:"truncate_gradient" yaml:"truncate_gradient"`
	ModelVersion     float64 `json:"model_version" yaml:"model_version"`
}

// Default returns the options of a freshly trained single-source model.
func Default() Options {
	return Options{
		Dim:                              1000,
		DimWord:                          512,
		Factors:                          1,
		NWords:                           30000,
		NWordsSrc:                        30000,
		DropoutEmbedding:                 0.2,
		DropoutHidden:                    0.2,
		EncRecurrenceTransitionDepth:     1,
		DecBaseRecurrenceTransitionDepth: 2,
		TruncateGradient:                 -1,
		ModelVersion:                     CurrentModelVersion,
	}
}

// Load reads the options from a JSON or YAML file, chosen by extension,
// on top of the defaults, and validates them.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	o := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &o)
	case ".json", "":
		err = json.Unmarshal(data, &o)
	default:
		return Options{}, fmt.Errorf("options file %q: unknown format %q", path, ext)
	}
	if err != nil {
		return Options{}, fmt.Errorf("options file %q: %w", path, err)
	}
	if err := o.Validate(); err != nil {
		return Options{}, fmt.Errorf("options file %q: %w", path, err)
	}
	log.Debug().Str("path", path).Int("dim", o.Dim).Int("sources", o.NumEncoders()).
		Str("multisource", o.MultisourceType.String()).Msg("options loaded")
	return o, nil
}

// Validate checks the options once, before any layer is built.
func (o Options) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(o.Dim > 0, "dim must be positive, got %d", o.Dim)
	check(o.DimWord > 0, "dim_word must be positive, got %d", o.DimWord)
	check(o.Factors > 0, "factors must be positive, got %d", o.Factors)
	check(o.NWords > 0, "n_words must be positive, got %d", o.NWords)
	check(o.NWordsSrc > 0, "n_words_src must be positive, got %d", o.NWordsSrc)
	check(o.EncRecurrenceTransitionDepth > 0, "enc_recurrence_transition_depth must be positive, got %d", o.EncRecurrenceTransitionDepth)
	check(o.DecBaseRecurrenceTransitionDepth > 0, "dec_base_recurrence_transition_depth must be positive, got %d", o.DecBaseRecurrenceTransitionDepth)
	check(o.TruncateGradient == -1 || o.TruncateGradient > 0, "truncate_gradient must be -1 or positive, got %d", o.TruncateGradient)

	for name, p := range map[string]float64{
		"dropout_embedding": o.DropoutEmbedding,
		"dropout_hidden":    o.DropoutHidden,
		"dropout_source":    o.DropoutSource,
		"dropout_target":    o.DropoutTarget,
	} {
		check(p >= 0 && p < 1, "%s must be in [0, 1), got %g", name, p)
	}

	if len(o.DimPerFactor) > 0 {
		check(len(o.DimPerFactor) == o.Factors, "dim_per_factor has %d entries for %d factors", len(o.DimPerFactor), o.Factors)
		sum := 0
		for _, d := range o.DimPerFactor {
			sum += d
		}
		check(sum == o.DimWord, "dim_per_factor must sum to dim_word (%d), got %d", o.DimWord, sum)
	} else {
		check(o.Factors == 1, "dim_per_factor is required with %d factors", o.Factors)
	}

	if !o.MultisourceType.IsValid() {
		errs = append(errs, fmt.Errorf("%w: multisource_type %q", ErrUnsupported, string(o.MultisourceType)))
	}
	switch n := o.NumEncoders(); {
	case n > MaxSources:
		errs = append(errs, fmt.Errorf("%w: %d sources, at most %d", ErrUnsupported, n, MaxSources))
	case n == MaxSources && o.MultisourceType.Normalize() != AttHier:
		errs = append(errs, fmt.Errorf("%w: %d sources require %s, got %q", ErrUnsupported, n, AttHier, string(o.MultisourceType)))
	}
	return errors.Join(errs...)
}

// NumEncoders returns the number of context sources.
func (o Options) NumEncoders() int {
	return 1 + len(o.ExtraSources)
}

// FactorDims returns the embedding size of each input factor.
func (o Options) FactorDims() []int {
	if len(o.DimPerFactor) > 0 {
		return o.DimPerFactor
	}
	return []int{o.DimWord}
}

// DropoutPolicy returns the dropout policy of a forward call in the given mode.
func (o Options) DropoutPolicy(mode dropout.Mode, src rand.Source) dropout.Policy {
	return dropout.Policy{
		Enabled:       o.UseDropout,
		Mode:          mode,
		LegacyRescale: o.ModelVersion < CurrentModelVersion,
		Source:        src,
	}
}
