// The nperf-collate command replays a recorded archive and writes a
// flat per-stack frequency histogram to standard output.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nperf/collate/internal/aggregate"
	"github.com/nperf/collate/internal/archive"
	"github.com/nperf/collate/internal/debuglink"
	"github.com/nperf/collate/internal/replay"
)

// fileConfig mirrors replay.Config for YAML decoding, since the config
// file can supply any option flags also accept.
type fileConfig struct {
	InputPath               string   `yaml:"input_path"`
	DebugSymbols            []string `yaml:"debug_symbols"`
	ForceStackSize          *int     `yaml:"force_stack_size"`
	OmitSymbols             []string `yaml:"omit_symbols"`
	OnlySample              *int     `yaml:"only_sample"`
	WithoutKernelCallstacks bool     `yaml:"without_kernel_callstacks"`
	AllowMultiProcess       bool     `yaml:"allow_multi_process"`
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("nperf-collate: ")

	var (
		inputPath     string
		configPath    string
		debugSymbols  []string
		forceStack    int
		omitSymbols   []string
		onlySample    int
		withoutKernel bool
		allowMulti    bool
	)

	root := &cobra.Command{
		Use:   "nperf-collate",
		Short: "Replay a recorded archive into a per-stack frequency histogram",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := replay.Config{
				WithoutKernelCallstacks: withoutKernel,
				AllowMultiProcess:       allowMulti,
			}
			if len(debugSymbols) > 0 {
				cfg.DebugSymbols = debugSymbols
			}
			if len(omitSymbols) > 0 {
				cfg.OmitSymbols = omitSymbols
			}
			if cmd.Flags().Changed("force-stack-size") {
				cfg.ForceStackSize = &forceStack
			}
			if cmd.Flags().Changed("only-sample") {
				cfg.OnlySample = &onlySample
			}

			if configPath != "" {
				fc, err := loadFileConfig(configPath)
				if err != nil {
					return err
				}
				mergeFileConfig(&cfg, &inputPath, fc)
			}

			if inputPath == "" {
				return fmt.Errorf("input_path is required (pass --input or set it in --config)")
			}

			return run(inputPath, cfg)
		},
	}

	flags := root.Flags()
	flags.StringVar(&inputPath, "input", "", "path to the recorded archive")
	flags.StringVar(&configPath, "config", "", "optional YAML config file")
	flags.StringSliceVar(&debugSymbols, "debug-symbols", nil, "file or directory of external debuginfo binaries (repeatable)")
	flags.IntVar(&forceStack, "force-stack-size", 0, "truncate each raw sample's stack to this many bytes before unwinding")
	flags.StringSliceVar(&omitSymbols, "omit", nil, "regex pattern; a matching user symbol discards its whole stack (repeatable)")
	flags.IntVar(&onlySample, "only-sample", 0, "collate only the Nth sample")
	flags.BoolVar(&withoutKernel, "without-kernel-callstacks", false, "discard kernel backtraces before classification")
	flags.BoolVar(&allowMulti, "allow-multi-process", false, "aggregate samples from every known process instead of only the first")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return &fc, nil
}

// mergeFileConfig blends a YAML config into flag-derived values,
// letting explicitly-set flags take precedence for the fields both can
// set (force_stack_size, only_sample use flag Changed() tracking
// upstream, so cfg already holds the flag value when set). Boolean
// options are on if either the flag or the file turns them on; a flag
// set to false does not override true in the file.
func mergeFileConfig(cfg *replay.Config, inputPath *string, fc *fileConfig) {
	if *inputPath == "" {
		*inputPath = fc.InputPath
	}
	if len(cfg.DebugSymbols) == 0 {
		cfg.DebugSymbols = fc.DebugSymbols
	}
	if len(cfg.OmitSymbols) == 0 {
		cfg.OmitSymbols = fc.OmitSymbols
	}
	if cfg.ForceStackSize == nil {
		cfg.ForceStackSize = fc.ForceStackSize
	}
	if cfg.OnlySample == nil {
		cfg.OnlySample = fc.OnlySample
	}
	if !cfg.WithoutKernelCallstacks {
		cfg.WithoutKernelCallstacks = fc.WithoutKernelCallstacks
	}
	if !cfg.AllowMultiProcess {
		cfg.AllowMultiProcess = fc.AllowMultiProcess
	}
}

func run(inputPath string, cfg replay.Config) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	packets, err := decodeArchive(f)
	if err != nil {
		return err
	}

	var resolver *debuglink.Resolver
	if len(cfg.DebugSymbols) > 0 {
		resolver = debuglink.Build(cfg.DebugSymbols, logger)
		defer resolver.Close()
	}

	engine := replay.New(cfg, resolver, logger)
	collation, err := engine.Run(archive.NewSliceSource(packets))
	if err != nil {
		return fmt.Errorf("replaying archive: %w", err)
	}

	out := aggregate.Render(collation.Histogram, engine)
	_, err = os.Stdout.WriteString(out)
	return err
}
