package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/docopt/docopt-go"
	"gopkg.in/yaml.v3"

	"github.com/najoast/treemx/bootstrap"
	"github.com/najoast/treemx/config"
	"github.com/najoast/treemx/logging"
	"github.com/najoast/treemx/operator"
)

const TreemxVersion = "1.0.0"

func main() {
	usage := `Tree-based mutual exclusion with crash recovery.

Without --config the first treemx.{yaml,yml,toml,json} or config.* found in
., ./config, ./configs, /etc/treemx or ~/.treemx is used, then TREEMX_*
environment variables apply. A config file is watched; timing changes are
applied to the running cluster.

Usage:
    treemx [run] [--config=<file>] [--no-watch]
        [--processes=<n>] [--starter=<id>] [--shape=<shape>] [--fanout=<k>]
        [--log-level=<level>] [--monitor]
        [--script=<file> [--follow]]
    treemx tree [--config=<file>] [--processes=<n>] [--shape=<shape>] [--fanout=<k>]
    treemx config [--config=<file>]
    treemx -h | --help
    treemx --version

Options:
    -h --help               Show this screen.
    --version               Show version.
    --config=<file>         Configuration file.
    --no-watch              Do not reload the configuration file.
    --processes=<n>         Number of processes.
    --starter=<id>          Process that starts with the privilege.
    --shape=<shape>         line, star, kary, sample or edges.
    --fanout=<k>            Children per node for kary, center for star.
    --log-level=<level>     trace, debug, info, warn or error.
    --monitor               Check invariants periodically.
    --script=<file>         Read operator commands from a file instead of stdin.
    --follow                Keep executing lines appended to the script.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TreemxVersion)
	if err != nil {
		panic(err)
	}

	if tree_, _ := opts.Bool("tree"); tree_ {
		err = printTree(opts)
	} else if config_, _ := opts.Bool("config"); config_ {
		err = printConfig(opts)
	} else {
		err = run(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "treemx: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig returns the configuration and the file it came from, if any.
func loadConfig(opts docopt.Opts) (*config.Config, string, error) {
	loader := config.NewLoader()

	if path, _ := opts.String("--config"); path != "" {
		cfg, err := loader.LoadFromFile(path)
		return cfg, path, err
	}
	return loader.AutoLoad()
}

// applyFlags overrides configuration values given on the command line.
func applyFlags(cfg *config.Config, opts docopt.Opts) error {
	setInt := func(flag string, dst *int) error {
		s, _ := opts.String(flag)
		if s == "" {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s=%q: not a number", flag, s)
		}
		*dst = n
		return nil
	}

	if err := errors.Join(
		setInt("--processes", &cfg.Cluster.Processes),
		setInt("--starter", &cfg.Cluster.Starter),
		setInt("--fanout", &cfg.Cluster.Topology.Fanout),
	); err != nil {
		return err
	}
	if shape, _ := opts.String("--shape"); shape != "" {
		cfg.Cluster.Topology.Shape = shape
	}
	if level, _ := opts.String("--log-level"); level != "" {
		cfg.Log.Level = config.LogLevel(level)
	}
	if monitor, _ := opts.Bool("--monitor"); monitor {
		cfg.Monitor.Enabled = true
	}
	return cfg.Validate()
}

func run(opts docopt.Opts) error {
	cfg, path, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := applyFlags(cfg, opts); err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()
	log := logging.Entry(logger, cfg.Log)

	var watcher *config.Watcher
	if noWatch, _ := opts.Bool("--no-watch"); path != "" && !noWatch {
		watcher, err = config.NewWatcher(path, config.NewLoader())
		if err != nil {
			return err
		}
	}

	app, err := bootstrap.NewApplication(cfg, watcher, log)
	if err != nil {
		return err
	}

	script, _ := opts.String("--script")
	follow, _ := opts.Bool("--follow")

	return app.Run(context.Background(), func(ctx context.Context) error {
		sessionOpts := []operator.Option{operator.WithLogger(log.WithField("component", "operator"))}
		if script != "" {
			sessionOpts = append(sessionOpts, operator.Interactive(false))
		}
		session := operator.NewSession(app.Host(), sessionOpts...)

		err := runSession(ctx, session, script, follow)
		if errors.Is(err, operator.ErrQuit) {
			return nil
		}
		return err
	})
}

func runSession(ctx context.Context, session *operator.Session, script string, follow bool) error {
	switch {
	case script != "" && follow:
		return session.Follow(ctx, script)
	case script != "":
		f, err := os.Open(script)
		if err != nil {
			return fmt.Errorf("open script: %w", err)
		}
		defer f.Close()
		return session.Run(ctx, f)
	default:
		return session.Run(ctx, os.Stdin)
	}
}

func printTree(opts docopt.Opts) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := applyFlags(cfg, opts); err != nil {
		return err
	}

	tree, err := cfg.Tree()
	if err != nil {
		return err
	}
	fmt.Print(tree)
	return nil
}

func printConfig(opts docopt.Opts) error {
	cfg, path, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if path != "" {
		fmt.Printf("# %s\n", path)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}
