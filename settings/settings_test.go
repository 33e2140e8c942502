// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package settings

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// runApp parses args with every settings flag registered and passes the
// resulting context to fn.
func runApp(t *testing.T, args []string, fn func(c *cli.Context)) {
	t.Helper()
	flags := []cli.Flag{AuxInputFlag()}
	flags = append(flags, DecoderFlags()...)
	flags = append(flags, TranslationFlags()...)
	flags = append(flags, ServerFlags()...)
	app := &cli.App{
		Name:  "test",
		Flags: flags,
		Action: func(c *cli.Context) error {
			fn(c)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"test"}, args...)))
}

func TestDefaults(t *testing.T) {
	d := NewDecoderSettings()
	assert.Empty(t, d.Models)
	assert.Equal(t, 1, d.NumProcesses)
	assert.Equal(t, 1, d.NumInputs)
	assert.False(t, d.Multisource)
	assert.False(t, d.Verbose)

	tr := NewTranslationSettings()
	assert.NotEqual(t, uuid.Nil, tr.RequestID)
	assert.Equal(t, 5, tr.BeamWidth)
	assert.Equal(t, 1, tr.NBest)
	assert.Zero(t, tr.NormalizationAlpha)
	assert.False(t, tr.GetAlignment)
	assert.Equal(t, AlignmentNone, tr.AlignmentType)
	assert.Empty(t, tr.AuxAlignmentFilenames)
	assert.False(t, tr.GetSearchGraph)
	assert.False(t, tr.Multisource)

	s := NewServerSettings()
	assert.Equal(t, "Nematus", s.Style)
	assert.Equal(t, "localhost", s.Host)
	assert.Equal(t, 8080, s.Port)
	assert.Equal(t, "localhost:8080", s.Address())
}

func TestRequestIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewTranslationSettings().RequestID, NewTranslationSettings().RequestID)
}

func TestDecoderSettingsFromCLI(t *testing.T) {
	t.Run("single source", func(t *testing.T) {
		runApp(t, []string{"-m", "a.json", "-m", "b.json", "-p", "4", "-v"}, func(c *cli.Context) {
			d := DecoderSettingsFromCLI(c)
			assert.Equal(t, []string{"a.json", "b.json"}, d.Models)
			assert.Equal(t, 4, d.NumProcesses)
			assert.True(t, d.Verbose)
			assert.Equal(t, 1, d.NumInputs)
			assert.False(t, d.Multisource)
		})
	})

	t.Run("auxiliary inputs", func(t *testing.T) {
		runApp(t, []string{"--aux-input", "x.txt", "--aux-input", "y.txt"}, func(c *cli.Context) {
			d := DecoderSettingsFromCLI(c)
			assert.Equal(t, 3, d.NumInputs)
			assert.True(t, d.Multisource)
		})
	})
}

func TestTranslationSettingsFromCLI(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		runApp(t, nil, func(c *cli.Context) {
			tr := TranslationSettingsFromCLI(c)
			assert.Equal(t, 5, tr.BeamWidth)
			assert.Equal(t, 1, tr.NBest)
			assert.False(t, tr.GetAlignment)
			assert.False(t, tr.GetSearchGraph)
			assert.Empty(t, tr.SearchGraphFilename)
			assert.False(t, tr.Multisource)
		})
	})

	t.Run("all options", func(t *testing.T) {
		args := []string{
			"-k", "12", "-n", "0.6", "-c", "--n-best", "3", "--suppress-unk",
			"--print-word-probabilities", "--output-alignment", "align.txt",
			"--json-alignment", "--search-graph", "graph.txt", "--predicted-trg",
			"--aux-input", "x.txt", "--aux-input", "y.txt",
		}
		runApp(t, args, func(c *cli.Context) {
			tr := TranslationSettingsFromCLI(c)
			assert.Equal(t, 12, tr.BeamWidth)
			assert.InDelta(t, 0.6, tr.NormalizationAlpha, 1e-12)
			assert.True(t, tr.CharLevel)
			assert.Equal(t, 3, tr.NBest)
			assert.True(t, tr.SuppressUnk)
			assert.True(t, tr.GetWordProbs)
			assert.True(t, tr.GetAlignment)
			assert.Equal(t, AlignmentJSON, tr.AlignmentType)
			assert.Equal(t, "align.txt", tr.AlignmentFilename)
			assert.Equal(t, []string{"align.txt_aux1", "align.txt_aux2"}, tr.AuxAlignmentFilenames)
			assert.True(t, tr.GetSearchGraph)
			assert.Equal(t, "graph.txt", tr.SearchGraphFilename)
			assert.True(t, tr.Multisource)
			assert.True(t, tr.PredictedTrg)
		})
	})

	t.Run("text alignment", func(t *testing.T) {
		runApp(t, []string{"--output-alignment", "a"}, func(c *cli.Context) {
			tr := TranslationSettingsFromCLI(c)
			assert.Equal(t, AlignmentText, tr.AlignmentType)
			assert.Empty(t, tr.AuxAlignmentFilenames)
		})
	})
}

func TestServerSettingsFromCLI(t *testing.T) {
	runApp(t, []string{"--host", "0.0.0.0", "--port", "9000"}, func(c *cli.Context) {
		s := ServerSettingsFromCLI(c)
		assert.Equal(t, "Nematus", s.Style)
		assert.Equal(t, "0.0.0.0:9000", s.Address())
	})
}

func TestAlignmentTypeString(t *testing.T) {
	assert.Equal(t, "text", AlignmentText.String())
	assert.Equal(t, "json", AlignmentJSON.String())
	assert.Equal(t, "AlignmentType(7)", AlignmentType(7).String())
}
