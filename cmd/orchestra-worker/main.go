// orchestra-worker is the re-exec target for the native Worker Spawner
// (spec §5): a fresh process per job, communicating over stdin (JobConfig
// JSON) and stdout (NDJSON Report snapshots) so the parent Worker slot
// can stream progress without shared memory.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dcm-common/orchestra/internal/job"
	"github.com/dcm-common/orchestra/internal/jobctx"
	"github.com/dcm-common/orchestra/internal/registry"
	"github.com/dcm-common/orchestra/internal/report"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	callable := flag.String("callable", "", "registered job-callable name")
	host := flag.String("host", "", "host identifier recorded on the Report")
	flag.Parse()

	if err := run(*callable, *host); err != nil {
		slog.Error("orchestra-worker failed", "callable", *callable, "error", err)
		os.Exit(1)
	}
}

// stdoutFlusher writes each pushed Report snapshot as one NDJSON line on
// stdout, the protocol the native Spawner's readLoop parses.
type stdoutFlusher struct{}

func (stdoutFlusher) Flush(token, leaseOwner string, snapshot report.Report, progress report.Progress, status report.Status) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(snapshot)
}

func run(callable, host string) error {
	callables := job.NewRegistry()
	callables.Register(job.DemoName, job.Demo, nil)

	fn, _, err := callables.Lookup(callable)
	if err != nil {
		return err
	}

	var cfg registry.JobConfig
	if err := json.NewDecoder(os.Stdin).Decode(&cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	jc := jobctx.New(cfg.Token.Value, host, "", 0, stdoutFlusher{})

	// If the callable doesn't observe AbortRequested promptly after
	// SIGTERM/SIGINT, hard-cancel its context once the grace period
	// elapses.
	abortTimeout := make(chan struct{})
	go func() {
		<-sigCh
		jc.RequestAbort()
		time.Sleep(5 * time.Second)
		close(abortTimeout)
	}()

	jc.SetProgress(report.StatusRunning, "", 0)
	_ = jc.Push(true)

	done := make(chan error, 1)
	go func() { done <- fn(ctx, jc, cfg.RequestBody) }()

	select {
	case err := <-done:
		if err != nil && !jc.AbortRequested() {
			jc.SetProgress(report.StatusAborted, err.Error(), jc.Progress().Numeric)
			jc.Log(report.LogCategoryError, "orchestra-worker", err.Error())
		} else if jc.Progress().Status == report.StatusRunning {
			jc.SetProgress(report.StatusCompleted, "", 100)
		}
	case <-abortTimeout:
		cancel()
		<-done
	}

	return jc.Push(true)
}
