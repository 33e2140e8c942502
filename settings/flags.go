// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package settings

import "github.com/urfave/cli/v2"

// AuxInputFlag lists the auxiliary source inputs. It is shared by the
// decoder and the translation settings.
func AuxInputFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:  "aux-input",
		Usage: "auxiliary input files, one per extra source",
	}
}

// DecoderFlags returns the flags read by DecoderSettingsFromCLI, except
// AuxInputFlag.
func DecoderFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "models",
			Aliases: []string{"m"},
			Usage:   "model files to use (ensemble when more than one)",
		},
		&cli.IntFlag{
			Name:  "p",
			Usage: "number of processes",
			Value: 1,
		},
		&cli.StringSliceFlag{
			Name:  "device-list",
			Usage: "devices to use, one per process",
		},
		&cli.BoolFlag{
			Name:  "v",
			Usage: "verbose mode",
		},
	}
}

// TranslationFlags returns the flags read by TranslationSettingsFromCLI,
// except AuxInputFlag.
func TranslationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "k",
			Usage: "beam width",
			Value: 5,
		},
		&cli.Float64Flag{
			Name:  "n",
			Usage: "length normalization alpha, 0 to disable",
		},
		&cli.BoolFlag{
			Name:  "c",
			Usage: "character-level translation",
		},
		&cli.IntFlag{
			Name:  "n-best",
			Usage: "number of hypotheses to output",
			Value: 1,
		},
		&cli.BoolFlag{
			Name:  "suppress-unk",
			Usage: "suppress hypotheses containing UNK",
		},
		&cli.BoolFlag{
			Name:  "print-word-probabilities",
			Usage: "print the probability of each word",
		},
		&cli.StringFlag{
			Name:  "output-alignment",
			Usage: "file to write the alignments to",
		},
		&cli.BoolFlag{
			Name:  "json-alignment",
			Usage: "write the alignments as JSON",
		},
		&cli.StringFlag{
			Name:  "search-graph",
			Usage: "file to write the search graph to",
		},
		&cli.BoolFlag{
			Name:  "predicted-trg",
			Usage: "the target input is a prediction",
		},
	}
}

// ServerFlags returns the flags read by ServerSettingsFromCLI.
func ServerFlags() []cli.Flag {
	def := NewServerSettings()
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "style",
			Usage: "API style",
			Value: def.Style,
		},
		&cli.StringFlag{
			Name:  "host",
			Usage: "host address",
			Value: def.Host,
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port",
			Value:   def.Port,
			EnvVars: []string{"NMTLAYERS_PORT"},
		},
	}
}
