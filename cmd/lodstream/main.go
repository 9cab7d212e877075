// cmd/lodstream/main.go
//
// Entry point for the lodstream simulator. It loads a scene manifest, runs
// the progressive loading pipeline over it on a single event loop, and
// reports progress either as plain lines or through the terminal UI.
//
// Flow:
// 1. Initialize .lodstream/ in the project directory and load its config
// 2. Build the event loop, simulated loader and pipeline
// 3. Run the loop, the optional status server and the chosen front end
//    until the pipeline completes (plain mode) or the user quits (TUI)
// 4. Write a final snapshot to .lodstream/state/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/lodstream/internal/config"
	"github.com/kingrea/lodstream/internal/eventloop"
	"github.com/kingrea/lodstream/internal/logbook"
	"github.com/kingrea/lodstream/internal/logging"
	"github.com/kingrea/lodstream/internal/manifest"
	"github.com/kingrea/lodstream/internal/pipeline"
	"github.com/kingrea/lodstream/internal/progress"
	"github.com/kingrea/lodstream/internal/statusapi"
	"github.com/kingrea/lodstream/internal/tui"
)

func main() {
	projectDir := flag.String("project", "", "path to the project directory (defaults to cwd)")
	manifestPath := flag.String("manifest", "", "scene manifest to load (YAML)")
	useTUI := flag.Bool("tui", false, "show the interactive progress board")
	minDelay := flag.Duration("min-delay", -1, "pause between upgrades of one asset (overrides config)")
	status := flag.Bool("status", false, "serve /health, /pending and /assets while running")
	flag.Parse()

	if *manifestPath == "" {
		die("--manifest is required")
	}
	project := *projectDir
	if project == "" {
		var err error
		project, err = os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
	}
	absoluteProject, err := filepath.Abs(project)
	if err != nil {
		die("resolve project dir: %v", err)
	}
	if err := config.InitDir(absoluteProject); err != nil {
		die("init %s: %v", config.Dir, err)
	}
	cfg, err := config.NewConfig(absoluteProject)
	if err != nil {
		die("load config: %v", err)
	}
	if *minDelay >= 0 {
		cfg.Project.LOD.MinimalDelay = *minDelay
	}
	if *status {
		enabled := true
		cfg.Project.Status.Enabled = &enabled
	}

	logger, err := logging.New(absoluteProject)
	if err != nil {
		die("open log: %v", err)
	}
	defer logger.Close()

	bookPath := filepath.Join(cfg.LogsDir(), fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405")))
	book, err := logbook.New(bookPath)
	if err != nil {
		die("open logbook: %v", err)
	}
	defer book.Close()

	scene, err := manifest.Load(*manifestPath)
	if err != nil {
		die("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, scene, logger, book, *useTUI); err != nil {
		die("%v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, scene *manifest.Manifest, logger *logging.Logger, book *logbook.Logbook, useTUI bool) error {
	loop := eventloop.New(eventloop.WithLogger(logger))
	router := progress.NewRouter(progress.RouterWithLogger(logger))
	p, err := pipeline.New(pipeline.Options{
		Loop:          loop,
		Loader:        pipeline.NewSimulator(scene, loop),
		MinimalDelay:  cfg.MinimalDelay(),
		FrameInterval: cfg.FrameInterval(),
		Router:        router,
		Logbook:       book,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	sub := router.Subscribe()
	defer sub.Close()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		err := loop.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	srv := statusapi.NewServer(statusapi.SettingsFromConfig(cfg), p, statusapi.WithLogger(logger))
	switch err := srv.Start(gctx); {
	case err == nil:
		fmt.Printf("Status server listening on %s\n", srv.BaseURL())
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	case errors.Is(err, statusapi.ErrDisabled):
	default:
		cancelRun()
		_ = g.Wait()
		return err
	}

	logger.Printf("lodstream: run %s over %d material(s), min delay %s", router.RunID(), len(scene.Scene.Materials), cfg.MinimalDelay())
	book.Note("run %s started", router.RunID())
	if err := p.Start(gctx, scene.Handles()); err != nil {
		cancelRun()
		_ = g.Wait()
		return err
	}

	if useTUI {
		prog := tea.NewProgram(tui.NewApp(p, sub, tui.WithLogbook(book)), tea.WithAltScreen())
		g.Go(func() error {
			defer cancelRun()
			_, err := prog.Run()
			return err
		})
		go func() {
			<-gctx.Done()
			prog.Quit()
		}()
	} else {
		g.Go(func() error {
			defer cancelRun()
			return printProgress(gctx, sub)
		})
	}

	err = g.Wait()
	snapshotPath := filepath.Join(cfg.SnapshotsDir(), "last-run.yaml")
	if saveErr := p.SaveSnapshot(snapshotPath); saveErr != nil {
		logger.Printf("lodstream: %v", saveErr)
	} else if !useTUI {
		fmt.Printf("Snapshot written to %s\n", snapshotPath)
	}
	return err
}

// printProgress writes one line per event until the pipeline completes.
func printProgress(ctx context.Context, sub progress.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events:
			if !ok {
				return nil
			}
			fmt.Printf("%s  %s\n", evt.Time.Format("15:04:05.000"), evt.Describe())
			if evt.Kind == progress.KindPipelineComplete {
				return nil
			}
		}
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "lodstream: "+format+"\n", args...)
	os.Exit(1)
}
