// Package coordinator is the public entry point: create_manager(config)
// wires the backend manager, governance engine, connection pool, discovery
// selector, CRUD façade, SAGA orchestrator, and recovery worker into one
// object a caller drives.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/R3E-Network/polyglot-coordinator/infrastructure/logging"
	"github.com/R3E-Network/polyglot-coordinator/infrastructure/metrics"
	"github.com/R3E-Network/polyglot-coordinator/internal/backend"
	"github.com/R3E-Network/polyglot-coordinator/internal/crud"
	"github.com/R3E-Network/polyglot-coordinator/internal/discovery"
	"github.com/R3E-Network/polyglot-coordinator/internal/governance"
	"github.com/R3E-Network/polyglot-coordinator/internal/manager"
	"github.com/R3E-Network/polyglot-coordinator/internal/pool"
	"github.com/R3E-Network/polyglot-coordinator/internal/recovery"
	"github.com/R3E-Network/polyglot-coordinator/internal/relational"
	"github.com/R3E-Network/polyglot-coordinator/internal/saga"
)

// RelationalConfig is the `relational.*` config key group (spec.md §6).
type RelationalConfig struct {
	Enabled        bool
	Backend        string // "sqlite" or "postgresql"
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	Path           string // sqlite file path; ":memory:" for an ephemeral store
	MinConnections int
	MaxConnections int
}

func (r RelationalConfig) dsn() string {
	if r.Backend == "sqlite" {
		if r.Path == "" {
			return "file::memory:?cache=shared"
		}
		return r.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		r.Host, r.Port, r.User, r.Password, r.Database)
}

func (r RelationalConfig) driverName() string {
	if r.Backend == "sqlite" {
		return "sqlite"
	}
	return "postgres"
}

func (r RelationalConfig) dialect() relational.Dialect {
	if r.Backend == "sqlite" {
		return relational.DialectSQLite
	}
	return relational.DialectPostgres
}

func (r RelationalConfig) sagaDialect() saga.Dialect {
	if r.Backend == "sqlite" {
		return saga.DialectSQLite
	}
	return saga.DialectPostgres
}

// AdapterFactories lets the caller register non-relational backends
// (document, vector, graph, file, key-value), matching spec.md §6's "per
// backend config" key group: this module only ships a concrete relational
// adapter; every other kind is a contract the caller fulfills.
type AdapterFactories map[backend.Kind]manager.Factory

// Config is the create_manager(config) input, covering spec.md §6's
// config key table.
type Config struct {
	Relational          RelationalConfig
	AdapterFactories     AdapterFactories
	GovernancePolicies   map[backend.Kind]governance.Policy
	GovernanceStrict     bool
	Autostart            bool
	DiscoveryCacheTTL    time.Duration
	SagaDeadline         time.Duration
	SagaMaxRetries       int
	RecoveryMaxRetries   int
	RecoveryScanLimit    int
	ServiceName          string
	Logger               *logging.Logger
	Metrics              *metrics.Metrics
}

// Coordinator is the assembled runtime: the external surface a caller
// drives for CRUD operations and SAGA execution.
type Coordinator struct {
	cfg          Config
	backendMgr   *manager.Manager
	relPool      *pool.Pool
	relAdapter   *relational.Adapter
	governance   *governance.Engine
	facade       *crud.Facade
	selector     *discovery.Selector
	sagaStore    *saga.Store
	orchestrator *saga.Orchestrator
	recoveryW    *recovery.Worker
}

// DefaultConfig returns a Config with spec.md §6's stated defaults
// (governance.strict=true, discovery_cache_ttl=300s). Callers should start
// from this rather than a zero-valued Config, since Go's zero bool would
// otherwise silently disable governance enforcement.
func DefaultConfig() Config {
	return Config{
		GovernanceStrict:   true,
		DiscoveryCacheTTL:  discovery.DefaultCacheTTL,
		SagaDeadline:       saga.DefaultDeadline,
		SagaMaxRetries:     saga.DefaultMaxRetries,
		RecoveryMaxRetries: recovery.DefaultMaxRetries,
		RecoveryScanLimit:  recovery.DefaultScanLimit,
	}
}

// CreateManager is the spec.md §6 factory: create_manager(config) →
// manager. With Relational.Enabled, construction opens the relational
// pool and runs the saga store's EnsureSchema; the registered backends are
// connected only when Autostart is set (or on a later StartAll).
func CreateManager(cfg Config) (*Coordinator, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "polyglot-coordinator"
	}
	if cfg.DiscoveryCacheTTL <= 0 {
		cfg.DiscoveryCacheTTL = discovery.DefaultCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewFromEnv(cfg.ServiceName)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Init(cfg.ServiceName)
	}

	c := &Coordinator{cfg: cfg}
	c.governance = governance.New(cfg.GovernancePolicies, cfg.GovernanceStrict)
	c.backendMgr = manager.New(cfg.GovernanceStrict, cfg.Logger)

	for kind, factory := range cfg.AdapterFactories {
		c.backendMgr.Register(kind, factory)
	}

	if cfg.Relational.Enabled {
		if err := c.wireRelational(); err != nil {
			return nil, fmt.Errorf("create_manager: %w", err)
		}
	}

	lookup := c.backendMgr.Get
	c.facade = crud.New(c.governance, lookup, c.writeFacadeAudit, cfg.Logger, cfg.Metrics, cfg.ServiceName)
	c.facade.SetObserver(c.backendMgr.RecordResult)

	probers := map[backend.Kind]discovery.Prober{}
	if c.relAdapter != nil {
		probers[backend.KindRelational] = func(ctx context.Context) discovery.Availability {
			result := c.relAdapter.Probe(ctx, discovery.DefaultProbeDeadline)
			return discovery.Availability{
				Reachable: result.Reachable, HealthScore: discovery.HealthScore(result.Latency),
			}
		}
	}
	c.selector = discovery.New(probers, cfg.DiscoveryCacheTTL)

	if cfg.Relational.Enabled {
		if err := c.wireSaga(); err != nil {
			return nil, fmt.Errorf("create_manager: %w", err)
		}
	}

	if cfg.Autostart {
		if err := c.StartAll(context.Background()); err != nil {
			return nil, fmt.Errorf("create_manager: autostart: %w", err)
		}
	}

	return c, nil
}

func (c *Coordinator) wireRelational() error {
	rc := c.cfg.Relational
	poolCfg := pool.Config{
		MinSize:         rc.MinConnections,
		MaxSize:         rc.MaxConnections,
		ConnectTimeout:  10 * time.Second,
		ValidationQuery: "SELECT 1",
	}
	if poolCfg.MaxSize <= 0 {
		poolCfg = pool.DefaultConfig()
	}

	connector := func(ctx context.Context) (*sql.DB, error) {
		return sql.Open(rc.driverName(), rc.dsn())
	}
	c.relPool = pool.New(poolCfg, connector)
	c.relAdapter = relational.New(c.relPool, rc.dialect())
	c.backendMgr.Register(backend.KindRelational, func() (backend.Adapter, error) {
		return c.relAdapter, nil
	})
	return nil
}

func (c *Coordinator) wireSaga() error {
	if err := c.relPool.Connect(context.Background()); err != nil {
		return fmt.Errorf("connect relational pool for saga store: %w", err)
	}
	db, err := sql.Open(c.cfg.Relational.driverName(), c.cfg.Relational.dsn())
	if err != nil {
		return fmt.Errorf("open saga store connection: %w", err)
	}
	c.sagaStore = saga.NewStore(db, c.cfg.Relational.sagaDialect())
	if err := c.sagaStore.EnsureSchema(context.Background()); err != nil {
		return fmt.Errorf("ensure saga schema: %w", err)
	}

	var locker saga.Locker
	if c.cfg.Relational.sagaDialect() == saga.DialectPostgres {
		locker = saga.NewPostgresLocker(db, 0)
	} else {
		locker = saga.NewInProcessLocker(0)
	}

	registry := saga.NewRegistry()
	c.orchestrator = saga.New(c.sagaStore, c.facade, registry, locker, c.backendMgr.Get, c.cfg.SagaDeadline, c.cfg.Logger, c.cfg.Metrics, c.cfg.ServiceName)
	c.recoveryW = recovery.New(c.sagaStore.NonTerminalSagaIDs, c.resumeSagaForRecovery, c.cfg.RecoveryMaxRetries, c.cfg.RecoveryScanLimit, c.cfg.Logger, c.cfg.Metrics, c.cfg.ServiceName)
	return nil
}

func (c *Coordinator) resumeSagaForRecovery(ctx context.Context, sagaID string) (bool, error) {
	result := c.orchestrator.Resume(ctx, sagaID, c.cfg.SagaMaxRetries)
	terminal := result.Status.Terminal()
	if !terminal && len(result.Errors) > 0 {
		return false, fmt.Errorf("resume saga %s: %v", sagaID, result.Errors)
	}
	return terminal, nil
}

func (c *Coordinator) writeFacadeAudit(ctx context.Context, trace crud.Trace) {
	if c.sagaStore == nil {
		return
	}
	_ = c.sagaStore.WriteAudit(ctx, saga.AuditEntry{
		SagaName: "ad-hoc", CaseID: trace.CaseID, StepName: string(trace.Kind) + ":" + string(trace.Operation),
		EventType: saga.EventTypeStep, Status: auditStatus(trace.Success),
		DurationMS: trace.DurationMS, Details: map[string]any{
			"target": trace.Target, "governance_blocked": trace.GovernanceBlocked, "error": trace.Error,
		},
		Actor: "crud_facade",
	})
	if c.cfg.Logger != nil {
		c.cfg.Logger.LogAudit(ctx, string(trace.Operation), string(trace.Kind), trace.Target, string(auditStatus(trace.Success)))
	}
}

func auditStatus(success bool) saga.EventStatus {
	if success {
		return saga.EventSuccess
	}
	return saga.EventFail
}

// StartAll connects every registered backend, each bounded by a 10s
// per-backend timeout passed to manager.Manager.StartAll.
func (c *Coordinator) StartAll(ctx context.Context) error {
	_, err := c.backendMgr.StartAll(ctx, c.backendMgr.Kinds(), 10*time.Second)
	return err
}

// StopAll disconnects every backend and the relational pool.
func (c *Coordinator) StopAll(ctx context.Context) {
	c.backendMgr.StopAll(ctx)
	if c.relPool != nil {
		_ = c.relPool.Disconnect(ctx)
	}
	if c.recoveryW != nil {
		c.recoveryW.Stop()
	}
}

// Execute runs one CRUD façade call (C6).
func (c *Coordinator) Execute(ctx context.Context, req crud.Request) backend.Result {
	return c.facade.Execute(ctx, req)
}

// Strategy runs discovery and returns the current strategy plan (C5).
func (c *Coordinator) Strategy(ctx context.Context) discovery.Plan {
	snap := c.selector.ProbeAll(ctx, discovery.DefaultProbeDeadline)
	return discovery.SelectStrategy(snap)
}

// CreateSaga persists a new saga (C7) but does not execute it.
func (c *Coordinator) CreateSaga(ctx context.Context, name, traceID string, steps []saga.Step) (*saga.Saga, error) {
	if c.orchestrator == nil {
		return nil, fmt.Errorf("create saga: relational backend is not enabled, sagas require persistence")
	}
	return c.orchestrator.CreateSaga(ctx, name, traceID, steps)
}

// ExecuteSaga runs (or resumes) a saga's forward steps, retrying each step
// up to Config.SagaMaxRetries times before compensating.
func (c *Coordinator) ExecuteSaga(ctx context.Context, sagaID string) saga.Result {
	return c.orchestrator.Execute(ctx, sagaID, c.cfg.SagaMaxRetries)
}

// ResumeSaga re-enters a non-terminal saga exactly where it left off.
func (c *Coordinator) ResumeSaga(ctx context.Context, sagaID string) saga.Result {
	return c.orchestrator.Resume(ctx, sagaID, c.cfg.SagaMaxRetries)
}

// CompensateSaga forces a running saga into compensation.
func (c *Coordinator) CompensateSaga(ctx context.Context, sagaID string) saga.Result {
	return c.orchestrator.Compensate(ctx, sagaID)
}

// RunRecoverySweep runs one recovery pass over non-terminal sagas (C8).
func (c *Coordinator) RunRecoverySweep(ctx context.Context) (recovery.Outcome, error) {
	if c.recoveryW == nil {
		return recovery.Outcome{}, fmt.Errorf("run recovery sweep: relational backend is not enabled")
	}
	return c.recoveryW.RunOnce(ctx)
}

// StartScheduledRecovery wraps RunRecoverySweep in a cron schedule.
func (c *Coordinator) StartScheduledRecovery(ctx context.Context, cronExpr string) error {
	if c.recoveryW == nil {
		return fmt.Errorf("start scheduled recovery: relational backend is not enabled")
	}
	return c.recoveryW.StartScheduled(ctx, cronExpr)
}
