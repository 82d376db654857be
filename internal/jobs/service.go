package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "postpilot/pkg/logx"
)

var ErrUnknownJob = errors.New("jobs: unknown job")

type Config struct {
	// Timezone is the IANA zone cron expressions are evaluated in.
	Timezone string
}

type Func func(ctx context.Context) error

type job struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	run     Func
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	mu      sync.Mutex
	lastRun time.Time
	lastDur time.Duration
	lastErr string
}

// Service owns a robfig cron instance. Jobs may be added before or after
// Start; definitions survive Stop and a timezone change.
type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*job

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// seconds are optional so both 5- and 6-field expressions work
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.Component("jobs")),
		parser: cronParser,
		jobs:   map[string]*job{},
	}
}

// Validate reports whether schedule would be accepted by Add.
func Validate(schedule string) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := cronParser.Parse(ps.Cron); err != nil {
			return err
		}
	}
	return nil
}

// Apply swaps the config; a timezone change restarts the cron instance.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && changed {
		<-s.c.Stop().Done()
		s.startCronLocked()
		s.log.Info("jobs restarted", logx.String("tz", s.loc.String()))
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.base, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.startCronLocked()
	s.log.Info("jobs started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) startCronLocked() {
	s.loc = s.locationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		if err := s.scheduleLocked(j); err != nil {
			s.log.Error("job register failed", logx.String("job", j.name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop halts triggering and waits for running jobs until ctx expires, then
// cancels them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("jobs still running at shutdown; cancelling")
	}
	cancel()
	s.log.Info("jobs stopped")
}

// Add registers (or replaces) a named job. See ParseSchedule for schedule syntax.
func (s *Service) Add(name, schedule string, timeout time.Duration, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("jobs: name required")
	}
	if fn == nil {
		return errors.New("jobs: func required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	j := &job{name: name, spec: ps, timeout: timeout, run: fn}
	s.jobs[name] = j
	if s.c != nil {
		if err := s.scheduleLocked(j); err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
	}
	s.log.Debug("job registered", logx.String("job", name), logx.String("spec", ps.Spec()))
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && j.entryID != 0 {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, name)
	return true
}

// RunNow triggers name immediately and waits for it. It reports
// (false, nil) when the job was skipped because a run is already in flight.
func (s *Service) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j)
}

func (s *Service) scheduleLocked(j *job) error {
	trigger := cron.FuncJob(func() {
		s.mu.Lock()
		base := s.base
		s.mu.Unlock()
		if base == nil {
			return
		}
		_, _ = s.execute(base, j)
	})
	if j.spec.Kind == SpecInterval {
		j.entryID = s.c.Schedule(intervalWithSpread(j.spec.Every, time.Now().In(s.loc), j.name), trigger)
		return nil
	}
	id, err := s.c.AddJob(j.spec.Cron, trigger)
	if err != nil {
		return err
	}
	j.entryID = id
	return nil
}

func (s *Service) execute(ctx context.Context, j *job) (bool, error) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Debug("job skipped; previous run still in flight", logx.String("job", j.name))
		return false, nil
	}
	s.wg.Add(1)
	defer func() {
		j.running.Store(false)
		s.wg.Done()
	}()

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	start := time.Now()
	err := runSafe(ctx, j.run)
	took := time.Since(start)
	j.runs.Add(1)

	j.mu.Lock()
	j.lastRun, j.lastDur = start, took
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		j.failed.Add(1)
		s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("took", took), logx.Err(err))
		return true, err
	}
	s.log.Debug("job done", logx.String("job", j.name), logx.Duration("took", took))
	return true, nil
}

func runSafe(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

type JobInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	Next     time.Time     `json:"next,omitzero"`
	Prev     time.Time     `json:"prev,omitzero"`
	Running  bool          `json:"running"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	Failed   uint64        `json:"failed"`
	LastRun  time.Time     `json:"last_run,omitzero"`
	LastTook time.Duration `json:"last_took,omitempty"`
	LastErr  string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Started  bool      `json:"started"`
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Started: s.c != nil, Timezone: strings.TrimSpace(s.cfg.Timezone)}
	if s.loc != nil && out.Timezone == "" {
		out.Timezone = s.loc.String()
	}
	for _, j := range s.jobs {
		info := JobInfo{
			Name:    j.name,
			Spec:    j.spec.Spec(),
			Timeout: j.timeout,
			Running: j.running.Load(),
			Runs:    j.runs.Load(),
			Skipped: j.skipped.Load(),
			Failed:  j.failed.Load(),
		}
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		j.mu.Lock()
		info.LastRun, info.LastTook, info.LastErr = j.lastRun, j.lastDur, j.lastErr
		j.mu.Unlock()
		out.Jobs = append(out.Jobs, info)
	}
	sort.Slice(out.Jobs, func(a, b int) bool { return out.Jobs[a].Name < out.Jobs[b].Name })
	return out
}
