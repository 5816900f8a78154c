// Package app is the composition root: it opens the per-scope stores,
// builds every service with its collaborators, and selects the optional
// cloud backends from configuration. cmd/agenthub and the end-to-end
// suite both boot through it.
package app

import (
	"errors"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agenthub/aicp/internal/audit"
	"github.com/agenthub/aicp/internal/config"
	"github.com/agenthub/aicp/internal/delegation"
	"github.com/agenthub/aicp/internal/httpapi"
	"github.com/agenthub/aicp/internal/idempotency"
	"github.com/agenthub/aicp/internal/identity"
	"github.com/agenthub/aicp/internal/lease"
	"github.com/agenthub/aicp/internal/metering"
	"github.com/agenthub/aicp/internal/policy"
	"github.com/agenthub/aicp/internal/runtime"
	"github.com/agenthub/aicp/internal/store"
	"github.com/agenthub/aicp/internal/tenancy"
)

// Secrets is the resolved signing material. The caller decides how
// strictly to source it: cmd/agenthub fails closed in enforce mode,
// tests inject fixed values.
type Secrets struct {
	AuthToken       []byte
	IdentitySigning []byte
	Provenance      []byte
	PolicySigning   []byte
}

// App owns every store and service behind the HTTP surface.
type App struct {
	Config *config.Config

	Identities  *identity.Store
	Credentials *identity.Service
	KillSwitch  *identity.KillSwitch
	Delegations *delegation.Service
	Leases      *lease.Service
	Runtime     *runtime.Service
	Audits      *audit.Service
	Idempotency *idempotency.Store
	Tenants     *tenancy.Registry
	Policy      *policy.Engine
	Meter       *metering.Recorder
	Registry    *prometheus.Registry

	delegationStore *delegation.Store
	leaseStore      *lease.Store
	escrow          delegation.Escrow
	logger          *log.Logger
}

// New opens the stores and wires the services. A partially built App is
// torn down on error.
func New(cfg *config.Config, sec Secrets) (*App, error) {
	a := &App{
		Config: cfg,
		logger: log.New(log.Writer(), "[App] ", log.LstdFlags),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	a.Registry = reg

	if err := a.build(cfg, sec, reg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, sec Secrets, reg *prometheus.Registry) error {
	var err error

	// The bearer-token secret rides on the config the HTTP layer reads.
	if len(sec.AuthToken) > 0 {
		cfg.Auth.TokenSecret = string(sec.AuthToken)
	}

	// Identity scope: registry, credentials, delegation tokens,
	// federation, kill switch.
	a.Identities, err = identity.Open(cfg.Storage.IdentityDBPath)
	if err != nil {
		return fmt.Errorf("identity store: %w", err)
	}
	a.Credentials = identity.NewService(a.Identities, sec.IdentitySigning).
		WithProvenanceSecret(sec.Provenance)

	// Lease scope before the kill switch, which revokes leases on
	// agent revocation.
	leaseStore, err := lease.Open(cfg.Storage.LeaseDBPath)
	if err != nil {
		return fmt.Errorf("lease store: %w", err)
	}
	a.leaseStore = leaseStore
	a.Leases = lease.NewService(leaseStore)
	a.KillSwitch = identity.NewKillSwitch(a.Identities, a.Leases)

	// Delegation scope plus the escrow backend (embedded SQLite by
	// default, Spanner when configured).
	a.delegationStore, err = delegation.Open(cfg.Storage.DelegationDBPath)
	if err != nil {
		return fmt.Errorf("delegation store: %w", err)
	}
	a.escrow, err = delegation.NewEscrow(a.delegationStore.DB(), delegation.EscrowConfig{
		Backend:        cfg.Delegation.BalanceBackend,
		SeedBalanceUSD: cfg.Delegation.SeedBalanceUSD,
		SpannerDSN:     cfg.Delegation.SpannerDSN,
	})
	if err != nil {
		return fmt.Errorf("escrow backend: %w", err)
	}

	a.Idempotency, err = idempotency.Open(cfg.Storage.IdempotencyDBPath)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}

	// Audit bus with its optional export sinks.
	a.Audits = audit.NewService()
	if addr := cfg.Metering.RedisAddr; addr != "" {
		mirror, err := audit.NewRedisMirror(addr, "", 0)
		if err != nil {
			a.logger.Printf("⚠️ Redis mirror disabled: %v", err)
		} else {
			a.Audits.Bus.AddSink(mirror)
		}
	}
	if project := cfg.Integration.PubSubProject; project != "" {
		exporter, err := audit.NewPubSubExporter(project, "agenthub-audit-events")
		if err != nil {
			a.logger.Printf("⚠️ Pub/Sub export disabled: %v", err)
		} else {
			a.Audits.Bus.AddSink(exporter)
		}
	}
	if queue := cfg.Integration.CloudTasksQueue; queue != "" {
		forwarder, err := audit.NewCloudTasksForwarder(a.Audits.Webhooks, queue)
		if err != nil {
			a.logger.Printf("⚠️ Cloud Tasks webhook forwarding disabled: %v", err)
		} else {
			a.Audits.Bus.AddSink(forwarder)
		}
	}

	// Cost metering with the optional Postgres archive.
	a.Meter, err = metering.NewRecorder(cfg.Metering.EventsPath, metering.NewMetrics(reg))
	if err != nil {
		return fmt.Errorf("metering recorder: %w", err)
	}
	if dsn := cfg.Metering.PostgresDSN; dsn != "" {
		archive, err := metering.NewPostgresArchive(dsn)
		if err != nil {
			a.logger.Printf("⚠️ Metering archive disabled: %v", err)
		} else {
			a.Meter.SetArchive(archive)
		}
	}

	a.Delegations = delegation.NewService(a.delegationStore, a.escrow, delegation.Deps{
		Agents:  agentDirectory{a.Identities},
		Tokens:  tokenVerifier{a.Credentials},
		Meter:   a.Meter,
		Events:  auditEvents{a.Audits},
		Metrics: delegation.NewMetrics(reg),
	})

	a.Runtime = runtime.NewService(a.Identities)
	a.Tenants = tenancy.NewRegistry()
	a.Policy = policy.NewEngine(sec.PolicySigning)

	a.seedTrustDomains(cfg.Federation.DomainTokens)
	return nil
}

// seedTrustDomains registers the configured federation partners so
// attestations verify on a fresh database. Domains already present keep
// their stored trust level.
func (a *App) seedTrustDomains(tokens map[string]string) {
	for domainID, token := range tokens {
		key := token
		_, err := a.Credentials.RegisterTrustedDomain(identity.RegisterDomainParams{
			DomainID:     domainID,
			DisplayName:  domainID,
			TrustLevel:   identity.TrustLevelVerified,
			PublicKeyPEM: &key,
			RegisteredBy: "bootstrap",
		})
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			a.logger.Printf("⚠️ Trust domain bootstrap failed for %s: %v", domainID, err)
		}
	}
}

// HTTPDeps bundles the services for httpapi.NewServer.
func (a *App) HTTPDeps() httpapi.Deps {
	return httpapi.Deps{
		Config:       a.Config,
		Identities:   a.Identities,
		Credentials:  a.Credentials,
		KillSwitch:   a.KillSwitch,
		Delegations:  a.Delegations,
		Leases:       a.Leases,
		Runtime:      a.Runtime,
		Audits:       a.Audits,
		Idempotency:  a.Idempotency,
		Tenants:      a.Tenants,
		PolicyEngine: a.Policy,
		Meter:        a.Meter,
		Gatherer:     a.Registry,
	}
}

// Close tears down in reverse dependency order. Safe on a partially
// built App.
func (a *App) Close() {
	if a.Audits != nil {
		a.Audits.Shutdown()
	}
	if a.Meter != nil {
		a.Meter.Close()
	}
	if a.escrow != nil {
		a.escrow.Close()
	}
	if a.Idempotency != nil {
		a.Idempotency.Close()
	}
	if a.delegationStore != nil {
		a.delegationStore.Close()
	}
	if a.leaseStore != nil {
		a.leaseStore.Close()
	}
	if a.Identities != nil {
		a.Identities.Close()
	}
}
