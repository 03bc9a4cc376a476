package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/kpLEE-HYU/krader/internal/core"
	"github.com/kpLEE-HYU/krader/internal/ops"
	"github.com/kpLEE-HYU/krader/internal/repository"
	"github.com/kpLEE-HYU/krader/internal/state"
	"github.com/kpLEE-HYU/krader/pkg/conn"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

type runtimeConfig struct {
	v atomic.Value
}

func newRuntimeConfig(loaded ops.Loaded) *runtimeConfig {
	var rc runtimeConfig
	rc.v.Store(loaded)
	return &rc
}

func (r *runtimeConfig) Load() ops.Loaded {
	return r.v.Load().(ops.Loaded)
}

func (r *runtimeConfig) Update(loaded ops.Loaded) {
	r.v.Store(loaded)
}

func main() {
	configPath := flag.String("config", "", "Path to JSON config (empty uses defaults and KRADER_* env)")
	configReload := flag.Duration("config-reload-interval", 2*time.Second, "Risk config reload interval (0=disable)")
	verify := flag.Bool("verify-positions", false, "Rebuild positions from stored fills, compare with stored positions and exit")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	client, err := conn.New(loaded.Database)
	if err != nil {
		log.Fatalf("database open failed: %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logs.Errorf("close database, err: %+v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *verify {
		if err := verifyPositions(ctx, repository.New(client.DB())); err != nil {
			log.Fatalf("verify positions failed: %v", err)
		}
		return
	}

	if addr := loaded.File.Profiling.PyroscopeAddr; addr != "" {
		profiler, err := startProfiler(loaded)
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			if err := profiler.Stop(); err != nil {
				logs.Warnf("pyroscope stop, err: %+v", err)
			}
		}()
	}

	app, err := core.New(core.Options{Config: loaded, DB: client.DB()})
	if err != nil {
		log.Fatalf("build app failed: %v", err)
	}

	runtime := newRuntimeConfig(loaded)
	if *configPath != "" && *configReload > 0 {
		go watchConfig(ctx, *configPath, *configReload, func(next ops.Loaded) {
			if err := app.SetRiskConfig(next.File.Risk); err != nil {
				logs.Errorf("risk config rejected, keeping %+v, err: %+v", runtime.Load().File.Risk, err)
				return
			}
			runtime.Update(next)
		})
	}

	go func() {
		select {
		case <-sys.Shutdown():
			logs.Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	logs.Infof("krader starting, mode=%s broker=%s strategy=%s", loaded.File.Mode, loaded.File.Broker.Type, loaded.File.Strategy.Name)
	if err := app.Run(ctx); err != nil {
		log.Fatalf("run failed: %v", err)
	}
	logs.Info("krader stopped")
}

func startProfiler(loaded ops.Loaded) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: loaded.File.Profiling.AppName,
		ServerAddress:   loaded.File.Profiling.PyroscopeAddr,
		Tags: map[string]string{
			"mode": loaded.File.Mode,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}

// verifyPositions replays every stored fill and reports where the result
// disagrees with the stored positions.
func verifyPositions(ctx context.Context, repo *repository.Repository) error {
	if err := repo.Migrate(ctx); err != nil {
		return err
	}
	fills, err := repo.AllFills(ctx)
	if err != nil {
		return err
	}
	stored, err := repo.Positions(ctx)
	if err != nil {
		return err
	}

	rebuilt := state.RebuildPositions(fills).Snapshot()
	divergences := state.CompareSnapshots(rebuilt, state.NewSnapshot(stored))
	for _, d := range divergences {
		logs.Warnf("position divergence: %s", d)
	}
	if len(divergences) != 0 {
		return fmt.Errorf("%d positions diverge from %d fills", len(divergences), len(fills))
	}
	logs.Infof("positions verified: %d fills, %d positions", len(fills), len(stored))
	return nil
}

func watchConfig(ctx context.Context, path string, interval time.Duration, update func(ops.Loaded)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				logs.Warnf("config stat failed, err: %v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			loaded, err := ops.Load(path)
			if err != nil {
				logs.Warnf("config reload failed, err: %v", err)
				continue
			}
			update(loaded)
			logs.Infof("config reloaded: %s", path)
		}
	}
}
