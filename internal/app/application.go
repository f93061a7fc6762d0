// Package app ties the trust and integrity services together: the device
// auth gate, the audit ledger, the tamper monitor, the OTA rollout manager,
// and the report ingestion router.
package app

import (
	"context"
	"fmt"

	"github.com/tapsentry/fleetcore/internal/app/services/authgate"
	"github.com/tapsentry/fleetcore/internal/app/services/devices"
	diagsvc "github.com/tapsentry/fleetcore/internal/app/services/diagnostics"
	"github.com/tapsentry/fleetcore/internal/app/services/ingest"
	ledgersvc "github.com/tapsentry/fleetcore/internal/app/services/ledger"
	otasvc "github.com/tapsentry/fleetcore/internal/app/services/ota"
	tampersvc "github.com/tapsentry/fleetcore/internal/app/services/tamper"
	"github.com/tapsentry/fleetcore/internal/app/storage"
	"github.com/tapsentry/fleetcore/internal/app/storage/memory"
	"github.com/tapsentry/fleetcore/internal/app/system"
	"github.com/tapsentry/fleetcore/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Devices     storage.DeviceStore
	Ledger      storage.LedgerStore
	OTAJobs     storage.OTAJobStore
	Tamper      storage.TamperStore
	Pours       storage.PourStore
	Diagnostics storage.DiagnosticStore
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Devices     *devices.Service
	AuthGate    *authgate.Service
	Ledger      *ledgersvc.Service
	OTA         *otasvc.Service
	Tamper      *tampersvc.Service
	Diagnostics *diagsvc.Service
	Ingest      *ingest.Service

	Pours storage.PourStore
}

// Options tunes construction beyond the stores.
type Options struct {
	// Verifier overrides the default device-signature scheme.
	Verifier authgate.Verifier
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Devices == nil {
		stores.Devices = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.OTAJobs == nil {
		stores.OTAJobs = mem
	}
	if stores.Tamper == nil {
		stores.Tamper = mem
	}
	if stores.Pours == nil {
		stores.Pours = mem
	}
	if stores.Diagnostics == nil {
		stores.Diagnostics = mem
	}

	manager := system.NewManager()

	ledgerService := ledgersvc.New(stores.Ledger, log)
	registry := devices.New(stores.Devices, ledgerService, log)
	gate := authgate.New(stores.Devices, opts.Verifier, log)
	otaService := otasvc.New(stores.OTAJobs, stores.Devices, ledgerService, log)
	tamperService := tampersvc.New(stores.Tamper, stores.Devices, ledgerService, log)
	diagService := diagsvc.New(stores.Diagnostics, log)
	ingestService := ingest.New(gate, registry, stores.Pours, diagService, tamperService, otaService, log)

	for _, name := range []string{"devices", "authgate", "ledger", "ota", "tamper", "ingest"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	return &Application{
		manager:     manager,
		log:         log,
		Devices:     registry,
		AuthGate:    gate,
		Ledger:      ledgerService,
		OTA:         otaService,
		Tamper:      tamperService,
		Diagnostics: diagService,
		Ingest:      ingestService,
		Pours:       stores.Pours,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
