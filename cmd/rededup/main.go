package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/rededup"
)

func init() {
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
	formatter := &logrus.TextFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	logrus.SetFormatter(formatter)
}

type Opts struct {
	Rebuild  bool
	Refresh  bool
	Import   bool
	Analyze  bool
	Describe bool
	DiffTree bool `docopt:"diff-tree"`
	Inspect  bool
	Watch    bool

	Source   string   `docopt:"<source>"`
	Paths    []string `docopt:"<path>"`
	Analyzed string   `docopt:"<analyzed>"`
	Repo     string   `docopt:"<repo>"`

	Repository string `docopt:"--repository"`
	Verbose    bool   `docopt:"--verbose"`
	LogFile    string `docopt:"--log-file"`
	LogLevel   string `docopt:"--log-level"`

	IncludeAtime bool `docopt:"--include-atime"`
	IncludeCtime bool `docopt:"--include-ctime"`
	ExcludeOwner bool `docopt:"--exclude-owner"`
	ExcludeGroup bool `docopt:"--exclude-group"`

	Directory      bool   `docopt:"--directory"`
	All            bool   `docopt:"--all"`
	Limit          string `docopt:"--limit"`
	SortBy         string `docopt:"--sort-by"`
	SortChildren   string `docopt:"--sort-children"`
	KeepInputOrder bool   `docopt:"--keep-input-order"`
	Bytes          bool   `docopt:"--bytes"`
	Details        bool   `docopt:"--details"`

	HideContentMatch bool   `docopt:"--hide-content-match"`
	MaxDepth         string `docopt:"--max-depth"`
	Unlimited        bool   `docopt:"--unlimited"`
	Show             string `docopt:"--show"`
}

func main() {
	os.Exit(run())
}

func run() (rc int) {
	usage := `rededup - index a repository of files and find duplicates against it

Usage:
  rededup [options] rebuild
  rededup [options] refresh
  rededup [options] import <source>
  rededup [options] analyze [--include-atime] [--include-ctime] [--exclude-owner] [--exclude-group] <path>...
  rededup [options] describe [--directory] [--all] [--limit=<n>] [--sort-by=<key>] [--sort-children=<key>] [--keep-input-order] [--bytes] [--details] [<path>...]
  rededup [options] diff-tree [--hide-content-match] [--max-depth=<n>] [--unlimited] [--show=<which>] <analyzed> <repo>
  rededup [options] inspect
  rededup [options] watch

Options:
  -h --help             Show this screen.
  --repository=<path>   Repository root; otherwise REDEDUP_REPOSITORY or
                        upward search from the working directory.
  --verbose             Chattier output, with progress for long scans.
  --log-file=<path>     Append operation logs to a file.
  --log-level=<level>   debug, info, warning, or error [default: info].
  --limit=<n>           Maximum duplicates to show [default: 1].
  --sort-by=<key>       size, items, identical, or path [default: size].
  --sort-children=<key> dup-size, dup-items, total-size, or name [default: dup-size].
  --max-depth=<n>       Tree depth shown by diff-tree [default: 3].
  --show=<which>        both, analyzed, or repository [default: both].
`
	parser := &docopt.Parser{
		OptionsFirst: false,
		HelpHandler: func(err error, usage string) {
			if err != nil {
				fmt.Fprintln(os.Stderr, usage)
				os.Exit(rededup.ExitUsage)
			}
			fmt.Println(usage)
			os.Exit(rededup.ExitOK)
		},
	}
	parsed, err := parser.ParseArgs(usage, os.Args[1:], "0.1")
	if err != nil {
		log.Error(err)
		return rededup.ExitUsage
	}
	var opts Opts
	err = parsed.Bind(&opts)
	if err != nil {
		log.Error(err)
		return rededup.ExitUsage
	}
	log.Debug(opts)

	err = setupLogging(&opts)
	if err != nil {
		log.Error(err)
		return rededup.ExitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = dispatch(ctx, &opts)
	if err != nil {
		log.Error(err)
		return rededup.ExitCode(err)
	}
	return rededup.ExitOK
}

func setupLogging(opts *Opts) (err error) {
	level := log.InfoLevel
	switch strings.ToLower(opts.LogLevel) {
	case "", "info":
	case "debug":
		level = log.DebugLevel
	case "warning", "warn":
		level = log.WarnLevel
	case "error":
		level = log.ErrorLevel
	case "critical":
		level = log.FatalLevel
	default:
		return &rededup.UsageError{Msg: fmt.Sprintf("unknown log level %q", opts.LogLevel)}
	}
	if os.Getenv("DEBUG") == "1" {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if opts.LogFile != "" {
		fh, oerr := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if oerr != nil {
			return oerr
		}
		log.SetOutput(fh)
	} else if !opts.Verbose {
		// keep the console quiet unless asked
		if log.GetLevel() == log.InfoLevel {
			log.SetLevel(log.WarnLevel)
		}
	}
	return nil
}

func dispatch(ctx context.Context, opts *Opts) (err error) {
	switch true {
	case opts.Rebuild:
		repo, err := rededup.Open(rededup.Options{Path: opts.Repository, Create: true})
		if err != nil {
			return err
		}
		defer repo.Close()
		bu := rededup.NewBuilder(repo)
		wireProgress(bu, opts)
		return bu.Rebuild(ctx)

	case opts.Refresh:
		repo, err := rededup.Open(rededup.Options{Path: opts.Repository, Create: true})
		if err != nil {
			return err
		}
		defer repo.Close()
		if err = repo.EnsureReady(); err != nil {
			return err
		}
		bu := rededup.NewBuilder(repo)
		wireProgress(bu, opts)
		return bu.Refresh(ctx)

	case opts.Import:
		repo, err := rededup.Open(rededup.Options{Path: opts.Repository})
		if err != nil {
			return err
		}
		defer repo.Close()
		return repo.Import(ctx, opts.Source)

	case opts.Analyze:
		repo, err := rededup.Open(rededup.Options{Path: opts.Repository})
		if err != nil {
			return err
		}
		defer repo.Close()
		policy := rededup.DefaultMatchPolicy()
		policy.Atime = opts.IncludeAtime
		policy.Ctime = opts.IncludeCtime
		policy.Owner = !opts.ExcludeOwner
		policy.Group = !opts.ExcludeGroup
		return repo.Analyze(ctx, opts.Paths, policy)

	case opts.Describe:
		paths := opts.Paths
		if len(paths) == 0 {
			cwd, werr := os.Getwd()
			if werr != nil {
				return werr
			}
			paths = []string{cwd}
		}
		limit, err := parseCount(opts.Limit, 1)
		if err != nil {
			return err
		}
		if opts.All || opts.Details {
			limit = 0
		}
		return rededup.Describe(os.Stdout, paths, rededup.DescribeOptions{
			Limit:          limit,
			SortBy:         opts.SortBy,
			SortChildren:   opts.SortChildren,
			KeepInputOrder: opts.KeepInputOrder,
			Bytes:          opts.Bytes,
			Details:        opts.Details,
			DirectoryOnly:  opts.Directory,
		})

	case opts.DiffTree:
		maxDepth, err := parseCount(opts.MaxDepth, 3)
		if err != nil {
			return err
		}
		if opts.Unlimited {
			maxDepth = 0
		}
		return rededup.DiffTree(os.Stdout, opts.Analyzed, opts.Repo, rededup.DiffTreeOptions{
			HideContentMatch: opts.HideContentMatch,
			MaxDepth:         maxDepth,
			Show:             opts.Show,
		})

	case opts.Inspect:
		repo, err := rededup.Open(rededup.Options{Path: opts.Repository})
		if err != nil {
			return err
		}
		defer repo.Close()
		if err = repo.EnsureReady(); err != nil {
			return err
		}
		return repo.Inspect(func(line string) error {
			_, werr := fmt.Println(line)
			return werr
		})

	case opts.Watch:
		repo, err := rededup.Open(rededup.Options{Path: opts.Repository})
		if err != nil {
			return err
		}
		defer repo.Close()
		err = repo.Watch(ctx, time.Second)
		if err == context.Canceled {
			return nil
		}
		return err
	}
	return &rededup.UsageError{Msg: "no command given"}
}

// parseCount parses a numeric flag value, falling back to a default
// when the flag was not given.
func parseCount(value string, fallback int) (int, error) {
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, &rededup.UsageError{Msg: fmt.Sprintf("bad count %q", value)}
	}
	return n, nil
}

// wireProgress attaches a progress bar to long scans under --verbose.
func wireProgress(bu *rededup.Builder, opts *Opts) {
	bu.Workers = runtime.NumCPU()
	if !opts.Verbose {
		return
	}
	var bar *progressbar.ProgressBar
	bu.Progress = func(done, total int) {
		if bar == nil {
			bar = progressbar.Default(int64(total), "indexing")
		}
		bar.Add(1)
	}
}
