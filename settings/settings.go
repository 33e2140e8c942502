// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package settings holds the configuration snapshots read by decoding and
// serving code. They are built with defaults or from parsed command-line
// flags and perform no computation.
package settings

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

// DecoderSettings configures the decoder processes.
type DecoderSettings struct {
	Models       []string `yaml:"models"`
	NumProcesses int      `yaml:"num_processes"`
	DeviceList   []string `yaml:"device_list"`
	Verbose      bool     `yaml:"verbose"`
	// NumInputs is the number of source inputs, auxiliary ones included.
	NumInputs   int  `yaml:"num_inputs"`
	Multisource bool `yaml:"multisource"`
}

// NewDecoderSettings returns the default decoder settings.
func NewDecoderSettings() DecoderSettings {
	return DecoderSettings{
		NumProcesses: 1,
		NumInputs:    1,
	}
}

// DecoderSettingsFromCLI reads the flags returned by DecoderFlags.
func DecoderSettingsFromCLI(c *cli.Context) DecoderSettings {
	s := NewDecoderSettings()
	s.Models = c.StringSlice("models")
	s.NumProcesses = c.Int("p")
	s.DeviceList = c.StringSlice("device-list")
	s.Verbose = c.Bool("v")
	if aux := c.StringSlice("aux-input"); len(aux) > 0 {
		s.Multisource = true
		s.NumInputs = len(aux) + 1
	}
	return s
}

// AlignmentType is the output format of the attention weights.
type AlignmentType int

const (
	AlignmentNone AlignmentType = iota
	AlignmentText
	AlignmentJSON
)

func (a AlignmentType) String() string {
	switch a {
	case AlignmentNone:
		return "none"
	case AlignmentText:
		return "text"
	case AlignmentJSON:
		return "json"
	}
	return fmt.Sprintf("AlignmentType(%d)", int(a))
}

// MarshalText renders the type by name.
func (a AlignmentType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// TranslationSettings configures a single translation request.
type TranslationSettings struct {
	RequestID          uuid.UUID `yaml:"request_id"`
	BeamWidth          int       `yaml:"beam_width"`
	NormalizationAlpha float64   `yaml:"normalization_alpha"`
	CharLevel          bool      `yaml:"char_level"`
	NBest              int       `yaml:"n_best"`
	SuppressUnk        bool      `yaml:"suppress_unk"`
	GetWordProbs       bool      `yaml:"get_word_probs"`

	GetAlignment      bool          `yaml:"get_alignment"`
	AlignmentType     AlignmentType `yaml:"alignment_type"`
	AlignmentFilename string        `yaml:"alignment_filename"`
	// AuxAlignmentFilenames holds one destination per auxiliary input.
	AuxAlignmentFilenames []string `yaml:"aux_alignment_filenames"`

	GetSearchGraph      bool   `yaml:"get_search_graph"`
	SearchGraphFilename string `yaml:"search_graph_filename"`

	Multisource  bool `yaml:"multisource"`
	PredictedTrg bool `yaml:"predicted_trg"`
}

// NewTranslationSettings returns the default settings of a new request.
func NewTranslationSettings() TranslationSettings {
	return TranslationSettings{
		RequestID: uuid.New(),
		BeamWidth: 5,
		NBest:     1,
	}
}

// TranslationSettingsFromCLI reads the flags returned by TranslationFlags.
func TranslationSettingsFromCLI(c *cli.Context) TranslationSettings {
	s := NewTranslationSettings()
	s.BeamWidth = c.Int("k")
	s.NormalizationAlpha = c.Float64("n")
	s.CharLevel = c.Bool("c")
	s.NBest = c.Int("n-best")
	s.SuppressUnk = c.Bool("suppress-unk")
	s.GetWordProbs = c.Bool("print-word-probabilities")

	aux := c.StringSlice("aux-input")
	if name := c.String("output-alignment"); name != "" {
		s.GetAlignment = true
		s.AlignmentFilename = name
		s.AuxAlignmentFilenames = AuxAlignmentFilenames(name, len(aux))
		s.AlignmentType = AlignmentText
		if c.Bool("json-alignment") {
			s.AlignmentType = AlignmentJSON
		}
	}
	if name := c.String("search-graph"); name != "" {
		s.GetSearchGraph = true
		s.SearchGraphFilename = name
	}
	s.Multisource = len(aux) > 0
	s.PredictedTrg = c.Bool("predicted-trg")
	return s
}

// AuxAlignmentFilenames returns the alignment destinations of n auxiliary
// inputs: name_aux1, name_aux2, ...
func AuxAlignmentFilenames(name string, n int) []string {
	if n == 0 {
		return nil
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s_aux%d", name, i+1)
	}
	return names
}

// DefaultStyle is the API style of the translation server.
const DefaultStyle = "Nematus"

// ServerSettings configures the translation server front end.
type ServerSettings struct {
	Style string `yaml:"style"`
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
}

// NewServerSettings returns the default server settings.
func NewServerSettings() ServerSettings {
	return ServerSettings{
		Style: DefaultStyle,
		Host:  "localhost",
		Port:  8080,
	}
}

// ServerSettingsFromCLI reads the flags returned by ServerFlags.
func ServerSettingsFromCLI(c *cli.Context) ServerSettings {
	return ServerSettings{
		Style: c.String("style"),
		Host:  c.String("host"),
		Port:  c.Int("port"),
	}
}

// Address returns the host:port the server listens on.
func (s ServerSettings) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
