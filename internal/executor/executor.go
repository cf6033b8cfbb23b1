package executor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ssh-commander/internal/errors"
	"ssh-commander/internal/logging"
	"ssh-commander/internal/ssh"
)

// MaxConcurrency caps an explicit concurrency setting.
const MaxConcurrency = 1000

// ExecutorConfig holds configuration parameters for the executor
type ExecutorConfig struct {
	Concurrency int // Maximum number of concurrent hosts (0 for one worker per host)
}

// ParseConcurrency parses concurrency configuration from string
func ParseConcurrency(concurrencyStr string) (int, error) {
	if concurrencyStr == "" || concurrencyStr == "auto" {
		return 0, nil // 0 indicates auto mode
	}

	concurrency, err := strconv.Atoi(concurrencyStr)
	if err != nil {
		return 0, fmt.Errorf("invalid concurrency value '%s': must be a number or 'auto'", concurrencyStr)
	}

	if concurrency < 1 {
		return 0, fmt.Errorf("concurrency must be at least 1, got %d", concurrency)
	}

	if concurrency > MaxConcurrency {
		return 0, fmt.Errorf("concurrency too high: %d (maximum %d)", concurrency, MaxConcurrency)
	}

	return concurrency, nil
}

// Result is the outcome of one host. Lines holds whatever output was
// collected, even when Err is set.
type Result struct {
	Host     string
	Index    int // position of the host in the host list
	Lines    []string
	Err      error
	Duration time.Duration
}

// Connector opens a shell on a host.
type Connector interface {
	Open(ctx context.Context, host string) (ssh.Shell, error)
}

// Runner drives commands through an open shell.
type Runner interface {
	Run(ctx context.Context, host string, shell ssh.Shell, commands []string) ([]string, error)
}

// Executor defines the interface for orchestrating parallel command execution
type Executor interface {
	// Execute runs the commands on all hosts and returns a channel of results.
	// The channel is closed once every host has reported.
	Execute(ctx context.Context, hosts []string, commands []string) <-chan *Result

	// SetConfig updates the executor configuration
	SetConfig(config ExecutorConfig)
}

// Job represents a unit of work to be executed by a worker
type Job struct {
	Host  string
	Index int
}

// WorkerPool runs one job per host on a bounded set of workers.
type WorkerPool struct {
	connector Connector
	runner    Runner
	config    ExecutorConfig
	mu        sync.RWMutex
	logger    *logging.Logger
}

// NewExecutor creates an executor with one worker per host.
func NewExecutor(connector Connector, runner Runner, logger *logging.Logger) *WorkerPool {
	if logger == nil {
		logger = logging.Discard()
	}
	return &WorkerPool{
		connector: connector,
		runner:    runner,
		logger:    logger,
	}
}

// SetConfig updates the executor configuration
func (wp *WorkerPool) SetConfig(config ExecutorConfig) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.config = config
}

// Execute runs the commands on every host. A failing host never affects the
// others: its error is carried in its own Result.
func (wp *WorkerPool) Execute(ctx context.Context, hosts []string, commands []string) <-chan *Result {
	wp.mu.RLock()
	config := wp.config
	wp.mu.RUnlock()

	concurrency := calculateConcurrency(config.Concurrency, len(hosts))
	wp.logger.LogDispatchStart(len(hosts), concurrency)

	jobs := make(chan Job, len(hosts))
	for i, host := range hosts {
		jobs <- Job{Host: host, Index: i}
	}
	close(jobs)

	results := make(chan *Result, len(hosts))
	collected := make(chan *Result, len(hosts))

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				collected <- wp.executeJob(ctx, job, commands)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(collected)
	}()

	go wp.collectResults(collected, results, len(hosts))

	return results
}

// executeJob opens, drives and closes one host's shell.
func (wp *WorkerPool) executeJob(ctx context.Context, job Job, commands []string) *Result {
	start := time.Now()
	result := &Result{Host: job.Host, Index: job.Index}
	defer func() {
		result.Duration = time.Since(start)
	}()

	if err := ctx.Err(); err != nil {
		result.Err = errors.NewHostError(job.Host, "connect", fmt.Errorf("%w: %v", errors.ErrInterrupted, err))
		return result
	}

	shell, err := wp.connector.Open(ctx, job.Host)
	if err != nil {
		result.Err = err
		return result
	}
	defer func() {
		if cerr := shell.Close(); cerr != nil {
			wp.logger.Debug("closing shell", "host", job.Host, "error", cerr.Error())
		}
	}()

	lines, err := wp.runner.Run(ctx, job.Host, shell, commands)
	result.Lines = lines
	if err != nil {
		result.Err = errors.NewHostError(job.Host, "run commands", err)
	}
	return result
}

// collectResults forwards results and closes the output channel when done
func (wp *WorkerPool) collectResults(in <-chan *Result, output chan<- *Result, hostCount int) {
	startTime := time.Now()
	successCount, failureCount := 0, 0

	for result := range in {
		if result.Err != nil {
			failureCount++
		} else {
			successCount++
		}
		output <- result
	}

	wp.logger.LogDispatchComplete(hostCount, successCount, failureCount, time.Since(startTime))
	close(output)
}

// calculateConcurrency determines the worker count. Auto mode (0) starts one
// worker per host.
func calculateConcurrency(configConcurrency int, hostCount int) int {
	if hostCount <= 0 {
		return 0
	}

	if configConcurrency <= 0 {
		return hostCount
	}

	effectiveConcurrency := configConcurrency
	if effectiveConcurrency > MaxConcurrency {
		effectiveConcurrency = MaxConcurrency
	}

	if effectiveConcurrency > hostCount {
		return hostCount
	}

	return effectiveConcurrency
}
