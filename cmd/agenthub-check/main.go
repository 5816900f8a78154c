package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/agenthub/aicp/internal/config"
	"github.com/agenthub/aicp/internal/delegation"
	"github.com/agenthub/aicp/internal/identity"
	"github.com/agenthub/aicp/internal/secrets"
)

type Component struct {
	Name string
	Test func(cfg *config.Config) error
}

func main() {
	jsonOut := flag.Bool("json", false, "print the full diagnostics report as JSON")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		fmt.Println("Loaded .env file")
	}

	cfg, err := config.Load(os.Getenv("AGENTHUB_CONFIG_FILE"))
	if err != nil {
		fmt.Printf("\033[31mConfiguration failed to load: %v\033[0m\n", err)
		os.Exit(2)
	}

	if *jsonOut {
		report := config.BuildDiagnostics(cfg, config.OSEnviron)
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		if !report.StartupReady {
			os.Exit(2)
		}
		return
	}

	fmt.Println("\033[96mAgentHub Control Plane - Launch Readiness Probe\033[0m")
	fmt.Println("---------------------------------------------------------")

	components := []Component{
		{"Required environment", checkEnvironment},
		{"Data paths", checkDataPaths},
		{"Signing secrets", checkSigningSecrets},
		{"Identity store (SQLite)", checkIdentityStore},
		{"Escrow ledger (SQLite)", checkEscrowLedger},
		{"Control plane API", checkLiveAPI},
	}

	failed := 0
	for _, c := range components {
		fmt.Printf("Checking %-28s ", c.Name+"...")
		if err := c.Test(cfg); err != nil {
			failed++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed. Not ready for traffic.\033[0m\n", failed)
		os.Exit(2)
	}
	fmt.Println("\033[96mStatus: System ready for agent traffic.\033[0m")
}

// --- Diagnostic implementations ---

func checkEnvironment(cfg *config.Config) error {
	report := config.BuildDiagnostics(cfg, config.OSEnviron)
	for _, check := range report.Checks {
		if !check.Valid {
			return fmt.Errorf("%s: %s", check.EnvVar, check.Message)
		}
	}
	return nil
}

func checkDataPaths(cfg *config.Config) error {
	report := config.BuildDiagnostics(cfg, config.OSEnviron)
	for _, pc := range report.PathChecks {
		if !pc.Writable {
			return fmt.Errorf("%s (%s): %s", pc.Name, pc.Path, pc.Message)
		}
	}
	return nil
}

func checkSigningSecrets(cfg *config.Config) error {
	provider, err := secrets.NewProviderFromEnv()
	if err != nil {
		return err
	}
	for _, name := range []string{
		secrets.AuthToken,
		secrets.IdentitySigning,
		secrets.ProvenanceSigner,
		secrets.PolicySigning,
	} {
		if _, err := provider.Secret(name); err != nil {
			return err
		}
	}
	return nil
}

func checkIdentityStore(cfg *config.Config) error {
	st, err := identity.Open(cfg.Storage.IdentityDBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	// Migrations ran; a read through the schema proves it is usable.
	_, err = st.ListIdentities("")
	return err
}

func checkEscrowLedger(cfg *config.Config) error {
	st, err := delegation.Open(cfg.Storage.DelegationDBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	escrow, err := delegation.NewEscrow(st.DB(), delegation.EscrowConfig{
		Backend:        cfg.Delegation.BalanceBackend,
		SeedBalanceUSD: cfg.Delegation.SeedBalanceUSD,
		SpannerDSN:     cfg.Delegation.SpannerDSN,
	})
	if err != nil {
		return err
	}
	defer escrow.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = escrow.Balance(ctx, "preflight-probe")
	return err
}

func checkLiveAPI(cfg *config.Config) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://localhost:" + cfg.Server.Port + "/healthz")
	if err != nil {
		return fmt.Errorf("no server on port %s (start cmd/agenthub first): %w", cfg.Server.Port, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}
