// Package supervisor is the composition root: it wires Store, Notifier,
// Registry, Peer, Sonar, Stager, and Midwife into one running instance and
// owns the top-level start/stop sequence a process entrypoint drives. This
// plays the role the teacher's internal/app.App composition root plays,
// generalized from an HTTP+worker server to a job-processing instance.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oceanrun/jobkeep/internal/config"
	"github.com/oceanrun/jobkeep/internal/controlapi"
	"github.com/oceanrun/jobkeep/internal/executor"
	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/midwife"
	"github.com/oceanrun/jobkeep/internal/notifier"
	"github.com/oceanrun/jobkeep/internal/notifier/pgnotify"
	"github.com/oceanrun/jobkeep/internal/notifier/redisnotify"
	"github.com/oceanrun/jobkeep/internal/observability"
	"github.com/oceanrun/jobkeep/internal/peer"
	"github.com/oceanrun/jobkeep/internal/producer"
	"github.com/oceanrun/jobkeep/internal/registry"
	"github.com/oceanrun/jobkeep/internal/sonar"
	"github.com/oceanrun/jobkeep/internal/stager"
	"github.com/oceanrun/jobkeep/internal/store"
)

const peerName = "jobkeep"

// peerStoreAdapter narrows *store.Store to the peer.Store interface,
// converting store.ElectionResult to the decoupled peer.ElectionResult so
// the peer package never imports the storage driver.
type peerStoreAdapter struct {
	store *store.Store
}

func (a peerStoreAdapter) Elect(ctx context.Context, name, node string, interval time.Duration, now time.Time) (peer.ElectionResult, error) {
	res, err := a.store.Elect(ctx, name, node, interval, now)
	if err != nil {
		return peer.ElectionResult{}, err
	}
	return peer.ElectionResult{Leader: res.Leader, Node: res.Node}, nil
}

func (a peerStoreAdapter) ReleaseLeadership(ctx context.Context, name, node string) (bool, error) {
	return a.store.ReleaseLeadership(ctx, name, node)
}

// Instance is one running jobkeep process: a Store connection, a Notifier,
// and the Peer/Sonar/Stager/Midwife actors layered on top of it.
type Instance struct {
	Config   *config.Config
	Log      *logger.Logger
	Store    *store.Store
	Notifier notifier.Notifier
	Registry *registry.Registry
	Workers  *registry.WorkerRegistry
	Executor *executor.Executor
	Peer       *peer.Peer
	Sonar      *sonar.Sonar
	Stager     *stager.Stager
	Midwife    *midwife.Midwife
	ControlAPI *controlapi.Server

	pgxPool *pgxpool.Pool
	cancel  context.CancelFunc
}

// New connects the Store and Notifier, builds the Registry/Workers/Executor
// layer, and wires Peer/Sonar/Stager/Midwife on top, but does not start any
// of the background actors — call Start for that.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, sink observability.EventSink, workers *registry.WorkerRegistry) (*Instance, error) {
	st, err := store.Open(cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := st.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	inst := &Instance{Config: cfg, Log: log, Store: st, Workers: workers}

	var pgxPool *pgxpool.Pool
	switch cfg.NotifierBackend {
	case "redis":
		n, err := redisnotify.New(cfg.RedisAddr, cfg.Ident(), log)
		if err != nil {
			return nil, fmt.Errorf("opening redis notifier: %w", err)
		}
		inst.Notifier = n
	default:
		pgxPool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening pgx pool for notifier: %w", err)
		}
		n, err := pgnotify.New(pgxPool, cfg.Ident(), log)
		if err != nil {
			pgxPool.Close()
			return nil, fmt.Errorf("opening postgres notifier: %w", err)
		}
		inst.Notifier = n
	}
	inst.pgxPool = pgxPool

	inst.Registry = registry.New()
	inst.Executor = executor.New(st, workers, sink)

	inst.Sonar = sonar.New(cfg.Node, cfg.SonarInterval, cfg.SonarStaleMultiplier, inst.Notifier, log, sink)
	inst.Peer = peer.New(peerName, cfg.Node, cfg.PeerElectionInterval, peerStoreAdapter{store: st}, inst.Notifier, log, sink)
	inst.Midwife = midwife.New(cfg.InstanceName, cfg.Node, st, inst.Executor, log, sink, inst.Registry, cfg.ShutdownGracePeriod, cfg.DispatchCooldown)
	inst.Stager = stager.New(st, inst.Peer, inst.Sonar, inst.Notifier, inst.Midwife, log, sink, cfg.StageInterval, cfg.StageBatchSize)
	inst.ControlAPI = controlapi.New(cfg.InstanceName, cfg.Node, cfg.ControlAPIAddr, st, inst.Midwife, inst.Registry, log)

	return inst, nil
}

// Start boots the configured initial queues and launches every background
// actor. The returned context's cancellation (via Stop) tears them all down.
func (inst *Instance) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	inst.cancel = cancel

	if _, err := inst.Notifier.Listen(ctx, []string{notifier.ChannelSignal}, func(msg notifier.Message) {
		inst.Midwife.HandleNotification(ctx, msg)
	}); err != nil {
		cancel()
		return fmt.Errorf("subscribing to signal channel: %w", err)
	}

	go inst.Peer.Run(ctx)
	go func() {
		if err := inst.Sonar.Run(ctx); err != nil {
			inst.Log.Error("sonar run exited with error", "error", err.Error())
		}
	}()
	go inst.Stager.Run(ctx)
	go func() {
		if err := inst.ControlAPI.Run(ctx); err != nil {
			inst.Log.Error("control api exited with error", "error", err.Error())
		}
	}()

	var queues []producer.Config
	for _, qc := range inst.Config.Queues {
		queues = append(queues, producer.Config{
			Queue:    qc.Name,
			Limit:    int64(qc.Limit),
			Node:     inst.Config.Node,
			Cooldown: inst.Config.DispatchCooldown,
		})
	}
	inst.Midwife.Boot(ctx, queues)

	return nil
}

// Stop tears down every actor in reverse order and closes driver resources.
// Midwife.StopAll's graceful per-queue drain (§4.8) must run before the root
// context is cancelled: cancelling first would tear down every in-flight
// job's run context out from under it, finalizing it as an abandoned run
// instead of letting the watchman's grace period give it a chance to finish
// (§4.8, §8 scenario S3).
func (inst *Instance) Stop() {
	inst.Midwife.StopAll()
	if inst.cancel != nil {
		inst.cancel()
	}
	inst.Stager.Stop()
	inst.Sonar.Stop()
	inst.Peer.Stop()
	_ = inst.Notifier.Close()
	if inst.pgxPool != nil {
		inst.pgxPool.Close()
	}
}
