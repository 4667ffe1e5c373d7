package schedule

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/memohai/imagemirror/internal/mirror"
)

// Source exposes the counters the reporter logs. *mirror.Engine satisfies it.
type Source interface {
	Ledger() *mirror.Ledger
	Stats() mirror.StatsSnapshot
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Reporter periodically logs the ledger size and engine counters.
type Reporter struct {
	source   Source
	schedule string
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReporter validates the schedule. An empty schedule yields a reporter
// whose Start and Stop do nothing.
func NewReporter(log *slog.Logger, source Source, schedule string) (*Reporter, error) {
	if log == nil {
		log = slog.Default()
	}
	schedule = strings.TrimSpace(schedule)
	if schedule != "" {
		if _, err := cronParser.Parse(schedule); err != nil {
			return nil, fmt.Errorf("parse stats schedule %q: %w", schedule, err)
		}
	}
	return &Reporter{
		source:   source,
		schedule: schedule,
		logger:   log.With(slog.String("component", "reporter")),
	}, nil
}

func (r *Reporter) Enabled() bool {
	return r.schedule != "" && r.source != nil
}

func (r *Reporter) Start() error {
	if !r.Enabled() {
		r.logger.Info("stats report disabled")
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLogger{logger: r.logger}),
		cron.WithChain(cron.Recover(cronLogger{logger: r.logger}), cron.SkipIfStillRunning(cronLogger{logger: r.logger})),
	)
	if _, err := c.AddFunc(r.schedule, r.Report); err != nil {
		return fmt.Errorf("schedule stats report: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("stats report scheduled", slog.String("schedule", r.schedule))
	return nil
}

// Stop halts the schedule and waits for a running report to finish.
func (r *Reporter) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Report logs one snapshot.
func (r *Reporter) Report() {
	if r.source == nil {
		return
	}
	s := r.source.Stats()
	r.logger.Info("mirror stats",
		slog.Int("mirrored", r.source.Ledger().Len()),
		slog.Int64("created", s.Created),
		slog.Int64("replaced", s.Replaced),
		slog.Int64("edited", s.Edited),
		slog.Int64("deleted", s.Deleted),
		slog.Int64("skipped", s.Skipped),
		slog.Int64("bus_failures", s.BusFailures),
		slog.Int64("abandoned", s.Abandoned),
	)
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.Any("error", err))...)
}
