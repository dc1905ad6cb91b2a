package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/casewatch/casewatch/internal/api"
	"github.com/casewatch/casewatch/internal/browser"
	"github.com/casewatch/casewatch/internal/captcha"
	"github.com/casewatch/casewatch/internal/clock"
	"github.com/casewatch/casewatch/internal/config"
	"github.com/casewatch/casewatch/internal/jobstore"
	"github.com/casewatch/casewatch/internal/netutil"
	"github.com/casewatch/casewatch/internal/objectstore"
	"github.com/casewatch/casewatch/internal/portal"
	"github.com/casewatch/casewatch/internal/repo"
	"github.com/casewatch/casewatch/internal/scheduler"
	"github.com/casewatch/casewatch/internal/solver"
	"github.com/casewatch/casewatch/internal/store"
	"github.com/casewatch/casewatch/internal/worker"
)

// app owns every long-lived component. Construction wires them bottom-up;
// Stop tears them down in the reverse dependency order.
type app struct {
	cfg *config.EnvConfig

	coreDB  *sql.DB
	queueDB *sql.DB
	repo    *repo.DB
	queue   *jobstore.Store
	pool    *browser.Pool
	blobs   objectstore.Store

	dispatcher *worker.Dispatcher
	sched      *scheduler.Scheduler
	janitor    *jobstore.Janitor
	api        *api.Server
}

func newApp(cfg *config.EnvConfig) (*app, error) {
	a := &app{cfg: cfg}

	switch {
	case cfg.ServiceSecret == "":
		log.Printf("[main] CASEWATCH_SERVICE_SECRET is empty, API auth is disabled")
	case config.IsWeakSecret(cfg.ServiceSecret):
		log.Printf("[main] CASEWATCH_SERVICE_SECRET is weak, use a long random value")
	}

	clk, err := clock.New(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	// Storage.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a.coreDB, err = store.OpenDB(filepath.Join(cfg.DataDir, "core.db"))
	if err != nil {
		return nil, err
	}
	if err := store.MigrateCore(a.coreDB); err != nil {
		return nil, err
	}
	a.queueDB, err = store.OpenDB(filepath.Join(cfg.DataDir, "queue.db"))
	if err != nil {
		return nil, err
	}
	if err := store.MigrateQueue(a.queueDB); err != nil {
		return nil, err
	}
	a.repo, err = repo.New(a.coreDB)
	if err != nil {
		return nil, err
	}

	// Queue. Jobs left active by a crash go back to pending.
	a.queue = jobstore.New(jobstore.Config{
		DB:              a.queueDB,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		BackoffBase:     cfg.JobBackoffBase,
		MaxAttempts:     cfg.JobMaxAttempts,
	})
	if n, err := a.queue.Recover(); err != nil {
		return nil, fmt.Errorf("recover queue: %w", err)
	} else if n > 0 {
		log.Printf("[main] recovered %d orphaned active jobs", n)
	}

	// Browser pool.
	a.pool = browser.NewPool(browser.PoolConfig{
		Launcher:   browser.NewChromeLauncher(browser.ChromeConfig{TempDir: cfg.TempDir}),
		Size:       cfg.BrowserPoolSize,
		MaxPages:   cfg.MaxPagesPerBrowser,
		PageConfig: browser.NewPageConfig(cfg.PageTimeout, cfg.NavigationTimeout),
	})

	// CAPTCHA chain. Solver endpoints come from the environment; the YAML
	// chain config overrides them when set.
	capCfg, err := config.LoadCaptchaConfig(cfg.CaptchaConfigPath)
	if err != nil {
		return nil, err
	}
	images := solverClient(capCfg.Solver.ImageURL, cfg.ImageSolverURL, cfg.ImageSolverKey)
	challenges := solverClient(capCfg.Solver.ChallengeURL, cfg.ChallengeSolverURL, cfg.ChallengeSolverKey)
	chain, err := captcha.FromConfig(capCfg, images, challenges)
	if err != nil {
		return nil, err
	}

	// Portal extractor.
	downloader := netutil.NewDirectDownloader(cfg.NavigationTimeout, a.pool.PageConfig().UserAgent)
	extractor := portal.NewExtractor(cfg.PortalBaseURL, cfg.TempDir, downloader)

	// Object store. Without a bucket attachments stay in memory for the
	// process lifetime, which is only sensible for local runs.
	if cfg.GCSBucket != "" {
		a.blobs, err = objectstore.NewGCS(context.Background(), cfg.GCSBucket, cfg.GCSCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
	} else {
		log.Printf("[main] CASEWATCH_GCS_BUCKET not set, attachments stored in memory")
		a.blobs = objectstore.NewMemory()
	}

	// Workers.
	a.dispatcher = worker.NewDispatcher(worker.DispatcherConfig{
		Workers: cfg.WorkerConcurrency,
		Store:   a.queue,
		Repo:    a.repo,
		Clock:   clk,
		Worker: worker.New(worker.Config{
			Repo:         a.repo,
			Pool:         a.pool,
			Submitter:    extractor,
			Chain:        chain,
			Blobs:        a.blobs,
			Clock:        clk,
			ObjectPrefix: cfg.GCSPrefix,
		}),
	})

	// Scheduler.
	a.sched = scheduler.New(scheduler.Config{
		Repo:  a.repo,
		Queue: a.queue,
		Clock: clk,
		Thresholds: scheduler.Thresholds{
			YoungCase:         cfg.YoungCaseDays,
			RecentChange:      cfg.RecentChangeDays,
			HighStale:         cfg.HighStaleDays,
			VeryStale:         cfg.VeryStaleDays,
			HighStaleRescrape: cfg.HighStaleRescrapeDays,
			VeryStaleRescrape: cfg.VeryStaleRescrapeDays,
		},
		Interval: cfg.SchedulerInterval,
		Jitter:   cfg.SchedulerJitter,
	})

	// Janitor.
	a.janitor, err = jobstore.NewJanitor(cfg.JanitorSchedule,
		func() {
			cutoff := clk.Now().Add(-cfg.JobRetention).UnixNano()
			if n, err := a.queue.PruneTerminal(cutoff); err != nil {
				log.Printf("[janitor] prune jobs: %v", err)
			} else if n > 0 {
				log.Printf("[janitor] pruned %d terminal jobs", n)
			}
		},
		func() {
			cutoff := clk.Now().Add(-cfg.JobLogRetention).UnixNano()
			if n, err := a.repo.DeleteJobLogBefore(cutoff); err != nil {
				log.Printf("[janitor] prune job log: %v", err)
			} else if n > 0 {
				log.Printf("[janitor] pruned %d job log rows", n)
			}
		},
	)
	if err != nil {
		return nil, err
	}

	// Control API.
	a.api = api.New(api.Config{
		ListenAddr:    net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		ServiceSecret: cfg.ServiceSecret,
		MaxBodyBytes:  int64(cfg.MaxBodyBytes),
		Queue:         a.queue,
		Pool:          a.pool,
		Repo:          a.repo,
		Clock:         clk,
	})

	return a, nil
}

// solverClient builds a solver client from the YAML override or the env URL.
func solverClient(override, envURL, apiKey string) *solver.Client {
	url := override
	if url == "" {
		url = envURL
	}
	return solver.NewClient(url, apiKey)
}

func (a *app) Start() {
	a.sched.Start()
	a.dispatcher.Start()
	a.janitor.Start()
	a.api.Start()
	log.Printf("[main] started")
}

// Stop shuts down in reverse dependency order: stop producing work, drain
// workers, then close shared resources.
func (a *app) Stop() {
	a.sched.Stop()
	a.dispatcher.Stop(a.cfg.ShutdownTimeout)
	a.janitor.Stop()
	a.pool.Drain()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.api.Stop(ctx); err != nil {
		log.Printf("[main] api shutdown: %v", err)
	}

	if err := a.blobs.Close(); err != nil {
		log.Printf("[main] object store close: %v", err)
	}
	if err := a.repo.Close(); err != nil {
		log.Printf("[main] core db close: %v", err)
	}
	if err := a.queueDB.Close(); err != nil {
		log.Printf("[main] queue db close: %v", err)
	}
}
