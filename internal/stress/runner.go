package stress

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/llxisdsh/pb"
	"github.com/loov/hrtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/phaser"
)

// Report summarizes a stress run.
type Report struct {
	Nodes    int
	Parties  int
	Phases   int
	Arrivals int64
	Timeouts int64
	Elapsed  time.Duration
	MaxWait  time.Duration
}

// Runner drives one party goroutine per registered party of a phaser tree
// and checks that every completed phase saw exactly one arrival per party.
type Runner struct {
	cfg     Config
	log     zerolog.Logger
	metrics *Metrics

	// ledger counts recorded arrivals by phase.
	ledger pb.MapOf[int, int]

	advances atomic.Int64
	arrivals atomic.Int64
	timeouts atomic.Int64
	maxWait  atomic.Int64
}

// NewRunner validates cfg and returns a Runner. A nil metrics records into
// a private registry.
func NewRunner(cfg Config, log zerolog.Logger, metrics *Metrics) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stress config: %w", err)
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Runner{cfg: cfg, log: log, metrics: metrics}, nil
}

// Run executes the workload until the root terminates after cfg.Phases
// phases, or until ctx is done, in which case the tree is force-terminated
// and ctx.Err() is returned.
//
// Each call builds a fresh tree and starts from an empty ledger. Calls must
// not overlap.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	r.reset()
	tree := BuildTree(r.cfg, r.onAdvance)
	parties := r.cfg.Parties()
	r.log.Info().
		Int("nodes", tree.Nodes).
		Int("leaves", len(tree.Leaves)).
		Int("parties", parties).
		Int("phases", r.cfg.Phases).
		Str("mode", string(r.cfg.Mode)).
		Msg("starting workload")

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, tree.Root.ForceTermination)
	defer stop()

	start := time.Now()
	for _, leaf := range tree.Leaves {
		for i := range r.cfg.PartiesPerLeaf {
			churn := i == 0 && r.cfg.Churn > 0
			g.Go(func() error {
				return r.party(gctx, leaf, churn)
			})
		}
	}
	err := g.Wait()

	report := Report{
		Nodes:    tree.Nodes,
		Parties:  parties,
		Phases:   int(r.advances.Load()),
		Arrivals: r.arrivals.Load(),
		Timeouts: r.timeouts.Load(),
		Elapsed:  time.Since(start),
		MaxWait:  time.Duration(r.maxWait.Load()),
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	if err != nil {
		return report, err
	}
	if err := r.verify(report.Phases, parties); err != nil {
		return report, err
	}
	r.log.Info().
		Int("phases", report.Phases).
		Int64("arrivals", report.Arrivals).
		Int64("timeouts", report.Timeouts).
		Dur("elapsed", report.Elapsed).
		Dur("max_wait", report.MaxWait).
		Msg("workload complete")
	return report, nil
}

func (r *Runner) reset() {
	r.ledger.Clear()
	r.advances.Store(0)
	r.arrivals.Store(0)
	r.timeouts.Store(0)
	r.maxWait.Store(0)
}

// onAdvance is the root hook: it terminates the tree after the last phase.
func (r *Runner) onAdvance(phase, registeredParties int) bool {
	r.advances.Add(1)
	r.metrics.recordAdvance(registeredParties)
	done := phase+1 >= r.cfg.Phases || registeredParties == 0
	ev := r.log.Debug()
	if done {
		ev = r.log.Info()
	}
	ev.Int("phase", phase).Int("parties", registeredParties).Bool("terminate", done).Msg("phase advanced")
	return done
}

// party runs one registered party on leaf until the tree terminates.
func (r *Runner) party(ctx context.Context, leaf *phaser.Phaser, churn bool) error {
	// No party has arrived yet, so the phase cannot move past ours.
	phase := leaf.Phase()
	for phase >= 0 {
		if churn && phase > 0 && phase%r.cfg.Churn == 0 {
			r.swapRegistration(leaf, phase)
		}
		r.record(phase)

		start := hrtime.Now()
		next, err := r.arriveAndWait(ctx, leaf, phase)
		r.observeWait(hrtime.Since(start))
		if err != nil {
			return err
		}
		phase = next
	}
	return nil
}

func (r *Runner) arriveAndWait(ctx context.Context, leaf *phaser.Phaser, phase int) (int, error) {
	if r.cfg.Mode == ModeAwait {
		return leaf.ArriveAndAwaitAdvance(), nil
	}
	arrival := leaf.Arrive()
	if arrival < 0 {
		return arrival, nil
	}
	if arrival != phase {
		return arrival, fmt.Errorf("party arrived at phase %d, expected %d", arrival, phase)
	}
	if r.cfg.Mode == ModeSplit {
		return leaf.AwaitAdvance(arrival), nil
	}
	for {
		next, err := leaf.AwaitAdvanceTimeout(ctx, arrival, r.cfg.WaitTimeout)
		if !errors.Is(err, phaser.ErrTimeout) {
			return next, err
		}
		r.timeouts.Add(1)
		r.metrics.recordTimeout()
	}
}

// swapRegistration replaces the caller's registration on leaf with a fresh
// one within the same phase: the new party is registered before the old one
// arrives and deregisters, so the phase cannot complete in between.
func (r *Runner) swapRegistration(leaf *phaser.Phaser, phase int) {
	if got := leaf.Register(); got != phase {
		r.log.Warn().Int("phase", phase).Int("registered", got).Msg("registration applied to another phase")
	}
	leaf.ArriveAndDeregister()
	r.log.Debug().Int("phase", phase).Msg("swapped registration")
}

func (r *Runner) record(phase int) {
	r.arrivals.Add(1)
	r.metrics.recordArrival(r.cfg.Mode)
	r.ledger.ProcessEntry(
		phase,
		func(l *pb.EntryOf[int, int]) (*pb.EntryOf[int, int], int, bool) {
			if l == nil {
				return &pb.EntryOf[int, int]{Value: 1}, 1, false
			}
			return &pb.EntryOf[int, int]{Value: l.Value + 1}, l.Value + 1, true
		},
	)
}

func (r *Runner) observeWait(d time.Duration) {
	r.metrics.recordWait(d)
	for {
		cur := r.maxWait.Load()
		if int64(d) <= cur || r.maxWait.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// verify checks that each of the first phases saw one arrival per party.
func (r *Runner) verify(phases, parties int) error {
	for phase := range phases {
		n, ok := r.ledger.Load(phase)
		if !ok || n != parties {
			return fmt.Errorf("phase %d recorded %d arrivals, want %d", phase, n, parties)
		}
	}
	if size := r.ledger.Size(); size != phases {
		return fmt.Errorf("ledger holds %d phases, want %d", size, phases)
	}
	return nil
}
