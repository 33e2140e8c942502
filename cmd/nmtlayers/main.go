// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/nlpodyssey/nmtlayers/dropout"
	"github.com/nlpodyssey/nmtlayers/options"
	"github.com/nlpodyssey/nmtlayers/params"
	"github.com/nlpodyssey/nmtlayers/settings"
	"github.com/nlpodyssey/spago/mat"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	app := &cli.App{
		Name:  "nmtlayers",
		Usage: "Inspect and exercise the layers of an attentional translation model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set log level (trace, debug, info, warn, error, fatal, panic)",
				Action: func(c *cli.Context, s string) error {
					return setDebugLevel(s)
				},
				Value:   "info",
				EnvVars: []string{"NMTLAYERS_LOGLEVEL"},
			},
			&cli.StringFlag{
				Name:  "options",
				Usage: "model options file (.json, .yaml); defaults are used when empty",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "params",
				Usage: "List the parameters of the model",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "seed", Value: 42},
				},
				Action: func(c *cli.Context) error {
					o, err := loadOptions(c.String("options"))
					if err != nil {
						return err
					}
					return listParams(c.App.Writer, o, c.Uint64("seed"))
				},
			},
			{
				Name:  "forward",
				Usage: "Run the encoders and the decoder over a random batch",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "seed", Value: 42},
					&cli.IntFlag{Name: "batch", Value: 2},
					&cli.IntFlag{Name: "src-steps", Value: 7},
					&cli.IntFlag{Name: "trg-steps", Value: 5},
					&cli.BoolFlag{Name: "train", Usage: "sample dropout masks"},
				},
				Action: func(c *cli.Context) error {
					o, err := loadOptions(c.String("options"))
					if err != nil {
						return err
					}
					mode := dropout.Inference
					if c.Bool("train") {
						mode = dropout.Training
					}
					return smokeForward(c.App.Writer, o, forwardArgs{
						seed:     c.Uint64("seed"),
						batch:    c.Int("batch"),
						srcSteps: c.Int("src-steps"),
						trgSteps: c.Int("trg-steps"),
						mode:     mode,
					})
				},
			},
			{
				Name:  "settings",
				Usage: "Print the decoder, translation and server settings",
				Flags: append(append(append([]cli.Flag{settings.AuxInputFlag()},
					settings.DecoderFlags()...),
					settings.TranslationFlags()...),
					settings.ServerFlags()...),
				Action: func(c *cli.Context) error {
					return printSettings(c.App.Writer, c)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func setDebugLevel(debugLevel string) error {
	level, err := zerolog.ParseLevel(debugLevel)
	if err != nil {
		return err
	}
	log.Logger = log.Level(level)
	return nil
}

func loadOptions(path string) (options.Options, error) {
	if path == "" {
		o := options.Default()
		return o, o.Validate()
	}
	return options.Load(path)
}

func listParams(w io.Writer, o options.Options, seed uint64) error {
	m, err := newModel(o)
	if err != nil {
		return err
	}
	tbl, err := m.init(seed)
	if err != nil {
		return err
	}
	shapes := make(map[string][]int, tbl.Len())
	for _, k := range tbl.Keys() {
		p, _ := tbl.Get(k)
		shapes[k.String()] = p.Shape()
	}
	total := 0
	for _, name := range tbl.Names() {
		shape := shapes[name]
		size := 1
		for _, d := range shape {
			size *= d
		}
		total += size
		fmt.Fprintf(w, "%-32s %v\n", name, shape)
	}
	fmt.Fprintf(w, "%d tensors, %d values\n", tbl.Len(), total)
	return nil
}

type forwardArgs struct {
	seed     uint64
	batch    int
	srcSteps int
	trgSteps int
	mode     dropout.Mode
}

func smokeForward(w io.Writer, o options.Options, a forwardArgs) error {
	if a.batch <= 0 || a.srcSteps <= 0 || a.trgSteps <= 0 {
		return fmt.Errorf("batch and steps must be positive")
	}
	m, err := newModel(o)
	if err != nil {
		return err
	}
	tbl, err := m.init(a.seed)
	if err != nil {
		return err
	}
	src := params.NewSource(a.seed + 1)
	in := m.randomBatch(rand.New(src), a.batch, a.srcSteps, a.trgSteps)
	res, err := m.forward(tbl, in, o.DropoutPolicy(a.mode, src))
	if err != nil {
		return err
	}

	last := len(res.States) - 1
	for b := 0; b < a.batch; b++ {
		fmt.Fprintf(w, "sample %d: state %s\n", b, summary(res.States[last][b]))
		for i, al := range res.Alignments {
			fmt.Fprintf(w, "  source %d alignment %s\n", i, summary(al[last][b]))
		}
		if res.HierWeights != nil {
			fmt.Fprintf(w, "  source weights %s\n", summary(res.HierWeights[last][b]))
		}
	}
	log.Info().Int("steps", len(res.States)).Int("batch", a.batch).Str("multisource", o.MultisourceType.String()).Msg("forward done")
	return nil
}

func summary(x mat.Tensor) string {
	values := x.Value().Data().F64()
	sum := 0.0
	parts := make([]string, len(values))
	for i, v := range values {
		sum += v
		parts[i] = fmt.Sprintf("%.4f", v)
	}
	return fmt.Sprintf("[%s] sum=%.4f", strings.Join(parts, " "), sum)
}

func printSettings(w io.Writer, c *cli.Context) error {
	out := struct {
		Decoder     settings.DecoderSettings     `yaml:"decoder"`
		Translation settings.TranslationSettings `yaml:"translation"`
		Server      settings.ServerSettings      `yaml:"server"`
	}{
		Decoder:     settings.DecoderSettingsFromCLI(c),
		Translation: settings.TranslationSettingsFromCLI(c),
		Server:      settings.ServerSettingsFromCLI(c),
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}
