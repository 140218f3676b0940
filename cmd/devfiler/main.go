package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v3"

	"github.com/elastic/devfiler/pkg/devfiler"
)

type mainFlags struct {
	devfiler.Config `yaml:",inline"`

	PrintVersion bool `yaml:"-"`
	PrintModules bool `yaml:"-"`
	PrintHelp    bool `yaml:"-"`
}

func (mf *mainFlags) RegisterFlags(fs *flag.FlagSet) {
	mf.Config.RegisterFlags(fs)
	fs.BoolVar(&mf.PrintVersion, "version", false, "Show the version of devfiler and exit")
	fs.BoolVar(&mf.PrintModules, "modules", false, "List available modules that can be used as target and exit.")
	fs.BoolVar(&mf.PrintHelp, "h", false, "Print basic help.")
	fs.BoolVar(&mf.PrintHelp, "help", false, "Print basic help.")
}

// parseFlags applies flag defaults, then the YAML file named by
// -config.file, then the flags given on the command line.
func parseFlags(mf *mainFlags, fs *flag.FlagSet, args []string) error {
	mf.RegisterFlags(fs)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if mf.ConfigFile == "" {
		return nil
	}
	b, err := os.ReadFile(mf.ConfigFile)
	if err != nil {
		return errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(b, &mf.Config); err != nil {
		return errors.Wrapf(err, "parsing config file %s", mf.ConfigFile)
	}
	return fs.Parse(args)
}

func main() {
	var flags mainFlags

	if err := parseFlags(&flags, flag.CommandLine, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	if flags.PrintVersion {
		fmt.Println(version.Print("devfiler"))
		return
	}

	if flags.PrintHelp {
		// Print available parameters to stdout, so that users can grep/less them easily.
		flag.CommandLine.SetOutput(os.Stdout)
		flag.CommandLine.PrintDefaults()
		return
	}

	logger, err := devfiler.NewLogger(flags.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed creating logger: %v\n", err)
		os.Exit(1)
	}

	d, err := devfiler.New(flags.Config, logger, prometheus.DefaultRegisterer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed creating devfiler: %v\n", err)
		os.Exit(1)
	}

	if flags.PrintModules {
		allDeps := d.ModuleManager.DependenciesForModule(devfiler.All)
		sort.Strings(allDeps)

		for _, m := range d.ModuleManager.UserVisibleModuleNames() {
			ix := sort.SearchStrings(allDeps, m)
			included := ix < len(allDeps) && allDeps[ix] == m

			if included {
				fmt.Fprintln(os.Stdout, m, "*")
			} else {
				fmt.Fprintln(os.Stdout, m)
			}
		}

		fmt.Fprintln(os.Stdout)
		fmt.Fprintln(os.Stdout, "Modules marked with * are included in target All.")
		return
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed running devfiler: %v\n", err)
		os.Exit(1)
	}
}
