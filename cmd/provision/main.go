// Command provision performs the out-of-band administration the
// gateway itself never does: creating tenants, minting API keys, and
// registering or revoking agent verification keys. It talks directly
// to the record store.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/toaklink/toaklink/internal/config"
	"github.com/toaklink/toaklink/internal/crypto"
	"github.com/toaklink/toaklink/internal/models"
	"github.com/toaklink/toaklink/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg := config.Load()
	ctx := context.Background()

	var data store.DataStore
	var err error
	if cfg.DatabaseURL != "" {
		data, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
	} else {
		data, err = store.NewSQLiteStore(ctx, cfg.SQLitePath)
	}
	if err != nil {
		fatal("store: %v", err)
	}
	defer data.Close()

	switch os.Args[1] {
	case "tenant":
		createTenant(ctx, data, os.Args[2:])
	case "apikey":
		createAPIKey(ctx, data, cfg.APIKeyPepper, os.Args[2:])
	case "agent":
		registerAgent(ctx, data, os.Args[2:])
	case "revoke-agent":
		revokeAgent(ctx, data, os.Args[2:])
	default:
		usage()
	}
}

func createTenant(ctx context.Context, data store.DataStore, args []string) {
	fs := flag.NewFlagSet("tenant", flag.ExitOnError)
	name := fs.String("name", "", "Tenant name")
	perMinute := fs.Int("per-minute", 0, "Rate limit override per minute (0 = default)")
	perHour := fs.Int("per-hour", 0, "Rate limit override per hour")
	perDay := fs.Int("per-day", 0, "Rate limit override per day")
	fs.Parse(args)

	if *name == "" {
		fatal("tenant: -name is required")
	}

	var limits *models.RateLimits
	if *perMinute > 0 || *perHour > 0 || *perDay > 0 {
		limits = &models.RateLimits{
			PerMinute: orDefault(*perMinute, config.DefaultLimitPerMinute),
			PerHour:   orDefault(*perHour, config.DefaultLimitPerHour),
			PerDay:    orDefault(*perDay, config.DefaultLimitPerDay),
		}
	}

	tenant, err := data.CreateTenant(ctx, *name, limits)
	if err != nil {
		fatal("tenant: %v", err)
	}
	fmt.Printf("tenant id: %s\n", tenant.ID)
}

func createAPIKey(ctx context.Context, data store.DataStore, pepper string, args []string) {
	fs := flag.NewFlagSet("apikey", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Tenant id")
	fs.Parse(args)

	tenantID, err := uuid.Parse(*tenant)
	if err != nil {
		fatal("apikey: invalid -tenant: %v", err)
	}

	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		fatal("apikey: %v", err)
	}
	rawKey := "tlk_" + hex.EncodeToString(rawBytes)

	key, err := data.CreateAPIKey(ctx, tenantID, crypto.KeyID(pepper, rawKey))
	if err != nil {
		fatal("apikey: %v", err)
	}

	// The raw key is printed exactly once; only its HMAC is stored.
	fmt.Printf("api key (save now, not recoverable): %s\n", rawKey)
	fmt.Printf("record id: %s\n", key.ID)
}

func registerAgent(ctx context.Context, data store.DataStore, args []string) {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Tenant id")
	agent := fs.String("id", "", "Agent id")
	pubkey := fs.String("pubkey", "", "Base64 SPKI public key (from genkey)")
	fs.Parse(args)

	tenantID, err := uuid.Parse(*tenant)
	if err != nil {
		fatal("agent: invalid -tenant: %v", err)
	}
	if *agent == "" || *pubkey == "" {
		fatal("agent: -id and -pubkey are required")
	}

	der, err := base64.StdEncoding.DecodeString(*pubkey)
	if err != nil {
		fatal("agent: invalid -pubkey: %v", err)
	}
	if _, err := crypto.PublicKeyFromSPKI(der); err != nil {
		fatal("agent: %v", err)
	}

	key, err := data.RegisterAgentKey(ctx, tenantID, *agent, der)
	if err != nil {
		fatal("agent: %v", err)
	}
	fmt.Printf("registered %s for tenant %s\n", key.AgentID, key.TenantID)
}

func revokeAgent(ctx context.Context, data store.DataStore, args []string) {
	fs := flag.NewFlagSet("revoke-agent", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Tenant id")
	agent := fs.String("id", "", "Agent id")
	fs.Parse(args)

	tenantID, err := uuid.Parse(*tenant)
	if err != nil {
		fatal("revoke-agent: invalid -tenant: %v", err)
	}
	if err := data.RevokeAgentKey(ctx, tenantID, *agent); err != nil {
		fatal("revoke-agent: %v", err)
	}
	fmt.Println("revoked")
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: provision <tenant|apikey|agent|revoke-agent> [flags]")
	fmt.Fprintln(os.Stderr, "  tenant       -name <name> [-per-minute N] [-per-hour N] [-per-day N]")
	fmt.Fprintln(os.Stderr, "  apikey       -tenant <uuid>")
	fmt.Fprintln(os.Stderr, "  agent        -tenant <uuid> -id <agent> -pubkey <base64-spki>")
	fmt.Fprintln(os.Stderr, "  revoke-agent -tenant <uuid> -id <agent>")
	os.Exit(1)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
