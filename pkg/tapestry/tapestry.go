// Package tapestry wires the Phase Controller, Capability Registries,
// Extension Lifecycle Manager, Event Bus, State Coordinator, Type Resolver,
// Persistence Service, RPC Dispatcher, Overlay Registry, Performance
// Monitor, and Audit Log into one bootable engine. Construction never
// advances the phase clock; Boot drives discovery through RUNTIME in the
// single fixed order the phase schedule requires.
package tapestry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/tapestry-hosting/tapestry/pkg/audit"
	"github.com/tapestry-hosting/tapestry/pkg/config"
	"github.com/tapestry-hosting/tapestry/pkg/descriptor"
	"github.com/tapestry-hosting/tapestry/pkg/eventbus"
	"github.com/tapestry-hosting/tapestry/pkg/lifecycle"
	"github.com/tapestry-hosting/tapestry/pkg/observ"
	"github.com/tapestry-hosting/tapestry/pkg/overlay"
	"github.com/tapestry-hosting/tapestry/pkg/perfmon"
	"github.com/tapestry-hosting/tapestry/pkg/persistence"
	"github.com/tapestry-hosting/tapestry/pkg/phase"
	"github.com/tapestry-hosting/tapestry/pkg/registry"
	"github.com/tapestry-hosting/tapestry/pkg/rpc"
	"github.com/tapestry-hosting/tapestry/pkg/statecell"
	"github.com/tapestry-hosting/tapestry/pkg/typeresolver"
)

// Coordinator owns every engine subsystem for one process. Fields are
// exported so a host embedding the engine (a CLI, a test, an RPC transport
// adapter) can reach any subsystem directly; Boot is the only method that
// mutates the phase clock.
type Coordinator struct {
	Config *config.Config
	Logger *slog.Logger
	Observ *observ.Provider

	Phase      *phase.Controller
	Audit      *audit.Log
	Events     *eventbus.Bus
	State      *statecell.Coordinator
	Lifecycle  *lifecycle.Manager
	Types      *typeresolver.Resolver
	Overlays   *overlay.Registry
	Perf       *perfmon.Monitor
	Persistence *persistence.Store

	APIs     *registry.APIRegistry
	Hooks    *registry.HookRegistry
	Services *registry.ServiceRegistry
	TypeDefs *registry.TypeRegistry

	RPC       *rpc.Dispatcher
	Handshake *rpc.Handshake

	descriptors       []descriptor.Descriptor
	descByID          map[string]descriptor.Descriptor
	registrationOrder []string
}

// descriptorLookup adapts the Coordinator's loaded descriptors to
// typeresolver's typeImportLookup interface.
type descriptorLookup struct {
	byID map[string]descriptor.Descriptor
}

func (l descriptorLookup) HasTypeImport(extID, targetID string) bool {
	d, ok := l.byID[extID]
	if !ok {
		return false
	}
	for _, imp := range d.TypeImports {
		if imp == targetID {
			return true
		}
	}
	return false
}

// New constructs every ambient and domain-stack collaborator but does not
// touch the phase clock; call Boot to run discovery through RUNTIME.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tapestry")

	obsProvider, err := observ.New(ctx, observ.DefaultConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("tapestry: observability: %w", err)
	}

	ph := phase.New(logger)
	ph.SetTracer(obsProvider.Tracer())

	bus := eventbus.New(logger, nil)
	bus.SetTracer(obsProvider.Tracer())
	stateCoord := statecell.New(bus, logger)
	bus.SetHook(stateCoord)

	lim := perfmon.Limits{
		MaxExtensions:           cfg.MaxExtensions,
		MaxDependencyDepth:      cfg.MaxDependencyDepth,
		MaxTemplateSize:         cfg.MaxTemplateSize,
		MaxTemplateNodes:        cfg.MaxTemplateNodes,
		MaxActivationTimePerExt: cfg.MaxActivationTimePerExt,
	}

	dispatcher := rpc.NewDispatcher(true, logger)
	dispatcher.SetTracer(obsProvider.Tracer())
	if cfg.RateLimitBackend == "redis" && cfg.RedisAddr != "" {
		dispatcher.SetLimiter(rpc.NewRedisRateLimiter(cfg.RedisAddr))
	}

	c := &Coordinator{
		Config:   cfg,
		Logger:   logger,
		Observ:   obsProvider,
		Phase:    ph,
		Audit:    audit.New(nil),
		Events:   bus,
		State:    stateCoord,
		Lifecycle: lifecycle.New(logger),
		Overlays: overlay.New(ph, nil),
		Perf:     perfmon.New(lim, obsProvider.Meter()),
		RPC:      dispatcher,
		descByID: make(map[string]descriptor.Descriptor),
	}
	return c, nil
}

// advance moves the phase clock forward by exactly one step and appends an
// audit entry for the transition.
func (c *Coordinator) advance(p phase.Phase) error {
	from := c.Phase.Current()
	if err := c.Phase.AdvanceTo(p); err != nil {
		return err
	}
	if _, err := c.Audit.RecordPhaseTransition(from.String(), p.String()); err != nil {
		c.Logger.Warn("failed to record phase transition", "error", err)
	}
	return nil
}

// Boot runs the fixed DISCOVERY -> RUNTIME sequence: load descriptors,
// validate the dependency graph, open and freeze the four capability
// registries at their prescribed phases, drive every extension's lifecycle
// state through READY (or FAILED), bring up persistence, and freeze the RPC
// allowlist. ClientPresentationReady is left to the caller, since it
// depends on the host's own presentation-layer readiness signal.
func (c *Coordinator) Boot(ctx context.Context) error {
	if err := c.advance(phase.Discovery); err != nil {
		return fmt.Errorf("tapestry: discovery: %w", err)
	}
	descs, err := descriptor.LoadAll(c.Config.ExtensionsRoot)
	if err != nil {
		return fmt.Errorf("tapestry: discovery: %w", err)
	}
	c.descriptors = descs
	ids := make([]string, 0, len(descs))
	for _, d := range descs {
		c.descByID[d.ID] = d
		ids = append(ids, d.ID)
	}
	c.Lifecycle.InitializeDiscoveredExtensions(ids)
	for _, d := range descs {
		c.Lifecycle.SetDependencies(d.ID, d.RequiredDependencies)
		if err := c.Perf.RegisterExtension(); err != nil {
			return fmt.Errorf("tapestry: discovery: %w", err)
		}
	}
	c.Types = typeresolver.New(descriptorLookup{byID: c.descByID})

	if err := c.advance(phase.Validation); err != nil {
		return fmt.Errorf("tapestry: validation: %w", err)
	}
	for _, d := range descs {
		if err := c.Lifecycle.TransitionState(d.ID, lifecycle.Validated); err != nil {
			return fmt.Errorf("tapestry: validation: %w", err)
		}
		if err := c.Perf.CheckDependencyDepth(len(d.RequiredDependencies)); err != nil {
			return fmt.Errorf("tapestry: validation: %w", err)
		}
	}
	order, failed, orderErr := c.Lifecycle.ResolveRegistrationOrder(ids)
	c.registrationOrder = order
	for _, id := range failed {
		if err := c.Lifecycle.TransitionState(id, lifecycle.Failed); err != nil {
			c.Logger.Warn("failed to mark unorderable extension FAILED", "extension", id, "error", err)
		}
	}
	if orderErr != nil {
		c.Logger.Warn("registration order could not include every extension", "error", orderErr, "failed", failed)
	}

	if err := c.advance(phase.Registration); err != nil {
		return fmt.Errorf("tapestry: registration: %w", err)
	}
	apiDecl, hookDecl, svcDecl, typeDecl := declaredCapabilities(descs)
	if c.APIs, err = registry.NewAPIRegistry(c.Phase, apiDecl); err != nil {
		return fmt.Errorf("tapestry: registration: %w", err)
	}
	if c.Services, err = registry.NewServiceRegistry(c.Phase, svcDecl); err != nil {
		return fmt.Errorf("tapestry: registration: %w", err)
	}

	if err := c.advance(phase.Freeze); err != nil {
		return fmt.Errorf("tapestry: freeze: %w", err)
	}
	c.APIs.Freeze()
	c.Services.Freeze()
	if _, err := c.Audit.RecordRegistryFreeze("API", len(c.APIs.Entries())); err != nil {
		c.Logger.Warn("failed to record registry freeze", "error", err)
	}
	if _, err := c.Audit.RecordRegistryFreeze("SERVICE", len(c.Services.Entries())); err != nil {
		c.Logger.Warn("failed to record registry freeze", "error", err)
	}

	if err := c.advance(phase.TSLoad); err != nil {
		return fmt.Errorf("tapestry: ts_load: %w", err)
	}

	if err := c.advance(phase.TSRegister); err != nil {
		return fmt.Errorf("tapestry: ts_register: %w", err)
	}
	if c.Hooks, err = registry.NewHookRegistry(c.Phase, hookDecl); err != nil {
		return fmt.Errorf("tapestry: ts_register: %w", err)
	}
	if c.TypeDefs, err = registry.NewTypeRegistry(c.Phase, typeDecl); err != nil {
		return fmt.Errorf("tapestry: ts_register: %w", err)
	}

	if err := c.advance(phase.TSActivate); err != nil {
		return fmt.Errorf("tapestry: ts_activate: %w", err)
	}
	for _, id := range order {
		if err := c.Lifecycle.TransitionState(id, lifecycle.Loading); err != nil {
			continue
		}
		activateErr := c.Perf.TimeActivation(id, func() error {
			return c.Lifecycle.TransitionState(id, lifecycle.Ready)
		})
		if activateErr != nil {
			if err := c.Lifecycle.TransitionState(id, lifecycle.Failed); err != nil {
				c.Logger.Warn("failed to mark extension FAILED after activation error", "extension", id, "error", err)
			}
			if err := c.Lifecycle.SetFailureReason(id, activateErr.Error()); err != nil {
				c.Logger.Warn("failed to record failure reason", "extension", id, "error", err)
			}
		}
	}

	if err := c.advance(phase.TSReady); err != nil {
		return fmt.Errorf("tapestry: ts_ready: %w", err)
	}
	c.Hooks.Freeze()
	c.TypeDefs.Freeze()
	c.Types.Freeze()
	if _, err := c.Audit.RecordRegistryFreeze("HOOK", len(c.Hooks.Entries())); err != nil {
		c.Logger.Warn("failed to record registry freeze", "error", err)
	}
	if _, err := c.Audit.RecordRegistryFreeze("TYPE", len(c.TypeDefs.Entries())); err != nil {
		c.Logger.Warn("failed to record registry freeze", "error", err)
	}

	if err := c.advance(phase.PersistenceReady); err != nil {
		return fmt.Errorf("tapestry: persistence_ready: %w", err)
	}
	backend, err := c.buildPersistenceBackend()
	if err != nil {
		return fmt.Errorf("tapestry: persistence_ready: %w", err)
	}
	c.Persistence = persistence.New(c.Phase, backend)

	if err := c.advance(phase.Runtime); err != nil {
		return fmt.Errorf("tapestry: runtime: %w", err)
	}
	c.wireRPC()

	return nil
}

// EnterClientPresentation advances the clock to CLIENT_PRESENTATION_READY,
// opening the overlay registry for mutation. Call once the host's own
// presentation layer has finished its own startup.
func (c *Coordinator) EnterClientPresentation() error {
	return c.advance(phase.ClientPresentationReady)
}

// wireRPC registers every frozen API entry as an allowlisted RPC method,
// freezes the dispatcher's allowlist, and builds the handshake around the
// resulting method-id set.
func (c *Coordinator) wireRPC() {
	for _, entry := range c.APIs.Entries() {
		_ = c.RPC.RegisterMethod(rpc.Method{
			ID:       entry.Name,
			OwnerMod: entry.ExtensionID,
			Callable: entry.Payload,
		})
	}
	c.RPC.Freeze()
	c.Handshake = rpc.NewHandshake(rpc.HandshakeConfig{
		ServerVersion: "1",
		JWTSigningKey: []byte(c.Config.JWTSigningKey),
	}, c.RPC.MethodIDs())
}

// buildPersistenceBackend selects the configured persistence.Backend.
func (c *Coordinator) buildPersistenceBackend() (persistence.Backend, error) {
	switch c.Config.PersistenceBackend {
	case "", "file":
		return persistence.NewFileBackend(c.Config.PersistenceRoot), nil
	case "sqlite":
		db, err := sql.Open("sqlite", c.Config.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite persistence db: %w", err)
		}
		return persistence.NewSQLBackend(db, persistence.DialectSQLite)
	case "postgres":
		db, err := sql.Open("postgres", c.Config.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres persistence db: %w", err)
		}
		return persistence.NewSQLBackend(db, persistence.DialectPostgres)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", c.Config.PersistenceBackend)
	}
}

// declaredCapabilities splits every descriptor's capability declarations
// into the four per-kind DeclaredCapability slices the registries need.
func declaredCapabilities(descs []descriptor.Descriptor) (api, hook, service, typ []registry.DeclaredCapability) {
	for _, d := range descs {
		for _, c := range d.Capabilities {
			decl := registry.DeclaredCapability{ExtensionID: d.ID, Name: c.Name, Exclusive: c.Exclusive}
			switch c.Kind {
			case registry.KindAPI:
				api = append(api, decl)
			case registry.KindHook:
				hook = append(hook, decl)
			case registry.KindService:
				service = append(service, decl)
			case registry.KindType:
				typ = append(typ, decl)
			}
		}
	}
	return api, hook, service, typ
}

// Shutdown releases the observability provider's exporters. Safe to call
// even if Boot was never run.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	return c.Observ.Shutdown(ctx)
}
