package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/distbuild/distbuild/pkg/config"
	"github.com/distbuild/distbuild/pkg/engine"
	"github.com/distbuild/distbuild/pkg/stores"
	"github.com/distbuild/distbuild/pkg/tasks"
	"github.com/distbuild/distbuild/pkg/telemetry"
)

const (
	recordsDir = "records"
	workDir    = "work"
)

// workspaceMode selects what openWorkspace sets up besides the definition.
type workspaceMode int

const (
	// modePlan resolves the definition only, against an in-memory store.
	modePlan workspaceMode = iota
	// modeCheck locks the metadata directory and opens the record store.
	modeCheck
	// modeBuild is modeCheck plus run history, when the store keeps it.
	modeBuild
)

// workspace is a committed dispatcher for the current definition.
type workspace struct {
	def        *config.Definition
	store      stores.RecordStore
	dispatcher *engine.Dispatcher
	lock       *dirLock
	logger     zerolog.Logger
}

// loadDefinition loads the definition named by the global flags.
func loadDefinition(ctx context.Context, logger zerolog.Logger) (*config.Definition, error) {
	loader := config.NewLoader(config.WithLogger(logger))
	def, err := loader.Load(ctx, definitionPaths...)
	if err != nil {
		return nil, err
	}
	return def, def.Err()
}

// baseDir is the directory relative task paths resolve against: the first
// definition directory, or the directory of the first definition file.
func baseDir() (string, error) {
	first := "."
	if len(definitionPaths) > 0 {
		first = definitionPaths[0]
	}
	info, err := os.Stat(first)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		first = filepath.Dir(first)
	}
	return filepath.Abs(first)
}

// openStore locks the metadata directory and opens the record store.
func openStore(ctx context.Context) (stores.RecordStore, *dirLock, error) {
	lock, err := acquireLock(metadataDir)
	if err != nil {
		return nil, nil, err
	}
	store, err := stores.Open(ctx, stores.Backend(storeBackend), filepath.Join(metadataDir, recordsDir))
	if err != nil {
		_ = lock.Release()
		return nil, nil, err
	}
	return store, lock, nil
}

// openWorkspace loads and commits the definition. The telemetry instance is
// taken from ctx.
func openWorkspace(ctx context.Context, mode workspaceMode) (*workspace, error) {
	tel := telemetry.FromTelemetryContext(ctx)
	if tel == nil {
		return nil, fmt.Errorf("no telemetry in context")
	}
	logger := tel.Logger.Zerolog()

	def, err := loadDefinition(ctx, logger)
	if err != nil {
		return nil, err
	}
	dir, err := baseDir()
	if err != nil {
		return nil, err
	}

	ws := &workspace{def: def, logger: logger}
	observers := engine.MultiObserver{tel.Observer()}
	opts := []engine.DispatcherOption{
		engine.WithConfigSource(def.Config),
		engine.WithLogger(logger),
	}

	if mode != modePlan {
		ws.store, ws.lock, err = openStore(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			engine.WithStore(ws.store),
			engine.WithWorkDir(filepath.Join(metadataDir, workDir)),
		)
		if hs, ok := ws.store.(stores.HistoryStore); ok && mode == modeBuild {
			observers = append(observers, stores.NewHistoryObserver(hs, logger))
		}
	}
	ws.dispatcher = engine.NewDispatcher(append(opts, engine.WithObserver(observers))...)

	binder := tasks.NewBinder(tasks.WithBaseDir(dir), tasks.WithLogger(logger))
	if err := binder.Register(ws.dispatcher, def); err != nil {
		ws.Close()
		return nil, err
	}
	if err := ws.dispatcher.Commit(); err != nil {
		ws.Close()
		return nil, err
	}
	return ws, nil
}

// toggle applies --enable and --disable.
func (ws *workspace) toggle(enable, disable []string) error {
	for _, id := range enable {
		if err := ws.dispatcher.SetEnabled(id, true); err != nil {
			return err
		}
	}
	for _, id := range disable {
		if err := ws.dispatcher.SetEnabled(id, false); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the store and releases the lock.
func (ws *workspace) Close() error {
	var errs []error
	if ws.store != nil {
		if err := ws.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	if err := ws.lock.Release(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release lock: %w", err))
	}
	return errors.Join(errs...)
}
