package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/distbuild/distbuild/pkg/config"
)

var metricsListen string

func newWatchCommand() *cobra.Command {
	var (
		opts  buildOptions
		delay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rebuild whenever definitions or task inputs change",
		Long: `Run a build, then watch the definition files and the declared inputs of
every task and build again when any of them changes. Failed builds are
reported and watching continues.`,
		Example: `  # Rebuild on change and serve metrics on :9100
  distbuild watch --metrics-listen :9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			ctx := tel.WithContext(cmd.Context())
			logger := tel.Logger.NewComponentLogger("watch").Zerolog()

			go func() {
				if err := tel.Metrics.Serve(ctx); err != nil {
					logger.Error().Err(err).Msg("Metrics server stopped")
				}
			}()

			bw, err := newBuildWatcher(delay, logger)
			if err != nil {
				return err
			}
			defer bw.Close()

			for {
				if _, err := runBuild(ctx, opts, cmd); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					log.Error().Err(err).Msg(Describe(err))
				}
				if err := tel.Metrics.WriteTextfile(""); err != nil {
					logger.Warn().Err(err).Msg("Failed to write metrics")
				}

				bw.Add(watchPaths(ctx, logger)...)
				changed, err := bw.Wait(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				logger.Info().Strs("files", changed).Msg("Change detected, rebuilding")
			}
		},
	}

	cmd.Flags().StringSliceVar(&opts.force, "force", nil, "force a task to run on every build (repeatable)")
	cmd.Flags().StringSliceVar(&opts.skip, "skip", nil, "skip a task and everything below it (repeatable)")
	cmd.Flags().StringSliceVar(&opts.enable, "enable", nil, "enable a user-toggleable task")
	cmd.Flags().StringSliceVar(&opts.disable, "disable", nil, "disable a user-toggleable task")
	cmd.Flags().DurationVar(&delay, "delay", 500*time.Millisecond, "quiet period before rebuilding")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve /metrics on this address")

	return cmd
}

// watchPaths returns the definition paths and the declared inputs of every
// task of the current definition.
func watchPaths(ctx context.Context, logger zerolog.Logger) []string {
	paths := append([]string(nil), definitionPaths...)
	def, err := loadDefinition(ctx, logger)
	if def == nil {
		logger.Warn().Err(err).Msg("Watching definition files only")
		return paths
	}
	dir, err := baseDir()
	if err != nil {
		return paths
	}
	return append(paths, inputPaths(def, dir)...)
}

func inputPaths(def *config.Definition, dir string) []string {
	var paths []string
	for _, task := range def.Tasks {
		for _, p := range task.Inputs {
			if !filepath.IsAbs(p) {
				p = filepath.Join(dir, p)
			}
			paths = append(paths, p)
		}
		if task.ScriptFile != "" {
			p := task.ScriptFile
			if !filepath.IsAbs(p) {
				p = filepath.Join(filepath.Dir(task.Source), p)
			}
			paths = append(paths, p)
		}
	}
	return paths
}

// buildWatcher collects file changes below a set of paths.
type buildWatcher struct {
	watcher *fsnotify.Watcher
	delay   time.Duration
	ignore  string
	watched map[string]bool
	logger  zerolog.Logger
}

func newBuildWatcher(delay time.Duration, logger zerolog.Logger) (*buildWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	ignore, err := filepath.Abs(metadataDir)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &buildWatcher{
		watcher: watcher,
		delay:   delay,
		ignore:  ignore,
		watched: make(map[string]bool),
		logger:  logger,
	}, nil
}

// Add watches files and, recursively, directories. Hidden directories and
// the metadata directory are left out.
func (bw *buildWatcher) Add(paths ...string) {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			bw.logger.Debug().Err(err).Str("path", path).Msg("Not watching missing path")
			continue
		}
		if !info.IsDir() {
			bw.add(path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if abs, err := filepath.Abs(p); err == nil && abs == bw.ignore {
				return filepath.SkipDir
			}
			bw.add(p)
			return nil
		})
		if err != nil {
			bw.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
		}
	}
}

func (bw *buildWatcher) add(path string) {
	if bw.watched[path] {
		return
	}
	if err := bw.watcher.Add(path); err != nil {
		bw.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
		return
	}
	bw.watched[path] = true
}

func (bw *buildWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return true
	}
	return abs != bw.ignore && !strings.HasPrefix(abs, bw.ignore+string(filepath.Separator))
}

// drain discards events queued so far, such as those caused by the build.
func (bw *buildWatcher) drain() {
	for {
		select {
		case <-bw.watcher.Events:
		case <-bw.watcher.Errors:
		default:
			return
		}
	}
}

// Wait blocks until a change is followed by a quiet period and returns the
// changed paths.
func (bw *buildWatcher) Wait(ctx context.Context) ([]string, error) {
	bw.drain()

	changed := make(map[string]bool)
	var quiet <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case event, ok := <-bw.watcher.Events:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			if !bw.relevant(event) {
				continue
			}
			bw.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")
			changed[event.Name] = true
			quiet = time.After(bw.delay)

		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return nil, errors.New("watcher closed")
			}
			bw.logger.Error().Err(err).Msg("Watcher error")

		case <-quiet:
			files := make([]string, 0, len(changed))
			for f := range changed {
				files = append(files, f)
			}
			sort.Strings(files)
			return files, nil
		}
	}
}

// Close stops watching.
func (bw *buildWatcher) Close() error {
	return bw.watcher.Close()
}
