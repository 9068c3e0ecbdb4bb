package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trustcore.org/internal/audit"
	"trustcore.org/internal/config"
	"trustcore.org/internal/crypto"
	"trustcore.org/internal/httpapi"
	"trustcore.org/internal/identity"
	"trustcore.org/internal/job"
	"trustcore.org/internal/obs"
	"trustcore.org/internal/policy"
	"trustcore.org/internal/quota"
	"trustcore.org/internal/settings"
	"trustcore.org/internal/store"
	"trustcore.org/internal/vault"
)

var version = "0.1.0"

// settingsGate adapts the settings service to the vault's permission check.
type settingsGate struct {
	svc *settings.Service
}

func (g settingsGate) ManageIntegrationsAllowed(ctx context.Context, tenantID string) bool {
	return g.svc.Get(ctx, tenantID).IntegrationManagementEnabled
}

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	signer, err := crypto.NewSigner([]byte(cfg.SigningSecret), cfg.Issuer)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}
	keys, err := cfg.KeyringKeys()
	if err != nil {
		log.Fatalf("keyring: %v", err)
	}
	keyring, err := crypto.NewKeyring(cfg.KeyringActive, keys)
	if err != nil {
		log.Fatalf("keyring: %v", err)
	}

	stores := store.Stores{
		Identity: identity.NewStore(),
		Settings: settings.NewStore(),
		Vault:    vault.NewStore(),
		Jobs:     job.NewStore(),
		Audit:    audit.NewStore(0),
		Quota:    quota.NewTracker(),
	}
	snapshots := store.NewManager(cfg.SnapshotPath, stores)
	if err := snapshots.Load(); err != nil {
		log.Fatalf("load snapshot: %v", err)
	}

	auditSvc := audit.NewService(stores.Audit, snapshots)
	identitySvc, err := identity.NewService(stores.Identity, signer, auditSvc, snapshots,
		identity.WithAccessTTL(cfg.AccessTTL()),
		identity.WithRefreshTTL(cfg.RefreshTTL()),
	)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	settingsSvc := settings.NewService(stores.Settings, auditSvc, snapshots)
	vaultSvc := vault.NewService(stores.Vault, keyring, settingsGate{settingsSvc}, auditSvc, snapshots)

	// The execution backend is host-supplied; this binary ships without one
	// and either simulates results or refuses in strict mode.
	jobs := job.NewManager(stores.Jobs, settingsSvc, policy.NewEngine(), stores.Quota, auditSvc, snapshots,
		job.WithSecretSource(vaultSvc),
		job.WithStrictMode(cfg.StrictExecution),
		job.WithExposedCodes(cfg.ExposeConfirmationCodes),
		job.WithMaxActionsPerDay(cfg.MaxActionsPerDay),
	)

	perSecond := float64(cfg.RateLimitPerMin) / 60
	api := httpapi.New(httpapi.Options{
		Version:          version,
		Identity:         identitySvc,
		Settings:         settingsSvc,
		Vault:            vaultSvc,
		Jobs:             jobs,
		Audit:            auditSvc,
		Quota:            stores.Quota,
		AuthLimiter:      quota.NewKeyedLimiter(perSecond, cfg.RateLimitPerMin),
		ActionLimiter:    quota.NewKeyedLimiter(perSecond, cfg.RateLimitPerMin),
		MaxChatPerDay:    cfg.MaxChatPerDay,
		MaxActionsPerDay: cfg.MaxActionsPerDay,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Periodic sweep of expired sessions and unanswered confirmations.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n := identitySvc.SweepExpired(); n > 0 {
					obs.LogEvent(map[string]any{"event": "sessions_swept", "count": n})
				}
				if n := jobs.SweepConfirmations(sweepCtx); n > 0 {
					obs.LogEvent(map[string]any{"event": "confirmations_swept", "count": n})
				}
			}
		}
	}()

	log.Printf("Starting trustcore-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	// One final snapshot so nothing since the last flush is lost.
	snapshots.Flush()
	log.Println("Stopped")
}
