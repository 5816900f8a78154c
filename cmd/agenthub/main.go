package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agenthub/aicp/internal/app"
	"github.com/agenthub/aicp/internal/config"
	"github.com/agenthub/aicp/internal/httpapi"
	"github.com/agenthub/aicp/internal/secrets"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load(os.Getenv("AGENTHUB_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	mode := cfg.EnforcementMode()

	// Launch readiness: enforce mode refuses to start with a missing
	// signing secret or unwritable data path. Warn mode reports and
	// continues.
	diag := config.BuildDiagnostics(cfg, config.OSEnviron)
	if !diag.StartupReady {
		if mode == "enforce" {
			log.Fatalf("🛑 Startup checks failed in enforce mode: %s",
				strings.Join(diag.MissingOrInvalid, ", "))
		}
		log.Printf("⚠️ Startup checks incomplete (warn mode): %s",
			strings.Join(diag.MissingOrInvalid, ", "))
	}

	provider, err := secrets.NewProviderFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize secrets backend: %v", err)
	}

	application, err := app.New(cfg, resolveSecrets(mode, provider))
	if err != nil {
		log.Fatalf("Failed to build control plane: %v", err)
	}

	api := httpapi.NewServer(application.HTTPDeps())

	// WriteTimeout must outlast the per-request deadline or the
	// connection drops before the 504 envelope is written.
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(cfg.Server.RequestTimeoutS+5) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 AgentHub control plane starting on port %s (mode=%s)", cfg.Server.Port, mode)
	log.Printf("📊 Health check: http://localhost:%s/healthz", cfg.Server.Port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	api.Close()
	application.Close()
	log.Println("Server stopped")
}

// resolveSecrets pulls the four signing secrets from the configured
// backend. Enforce mode fails closed on the first unavailable secret;
// warn mode substitutes fixed development values so a bare checkout
// still boots.
func resolveSecrets(mode string, provider secrets.Provider) app.Secrets {
	if mode == "enforce" {
		return app.Secrets{
			AuthToken:       secrets.MustSecret(provider, secrets.AuthToken),
			IdentitySigning: secrets.MustSecret(provider, secrets.IdentitySigning),
			Provenance:      secrets.MustSecret(provider, secrets.ProvenanceSigner),
			PolicySigning:   secrets.MustSecret(provider, secrets.PolicySigning),
		}
	}
	return app.Secrets{
		AuthToken:       warnSecret(provider, secrets.AuthToken),
		IdentitySigning: warnSecret(provider, secrets.IdentitySigning),
		Provenance:      warnSecret(provider, secrets.ProvenanceSigner),
		PolicySigning:   warnSecret(provider, secrets.PolicySigning),
	}
}

func warnSecret(provider secrets.Provider, name string) []byte {
	value, err := provider.Secret(name)
	if err != nil {
		log.Printf("⚠️ %s unavailable, using development default: %v", name, err)
		return []byte("dev-" + strings.ToLower(strings.ReplaceAll(name, "_", "-")))
	}
	return value
}
