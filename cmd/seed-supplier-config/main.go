// seed-supplier-config creates or updates a supplier's reconciliation
// configuration from a JSON file.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/seed-supplier-config -file supplier.json
//
// With -defaults, a sensible starter config is seeded for the given supplier
// instead of reading a file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmtpdigital/recon_backend/config"
	"bitbucket.org/mmtpdigital/recon_backend/models"
	"bitbucket.org/mmtpdigital/recon_backend/repository"
	"bitbucket.org/mmtpdigital/recon_backend/utils"
	"github.com/shopspring/decimal"
)

func main() {
	filePath := flag.String("file", "", "path to a SupplierConfig JSON document")
	useDefaults := flag.Bool("defaults", false, "seed a starter config instead of reading a file")
	supplierId := flag.String("supplier", "", "supplier id (required with -defaults)")
	supplierName := flag.String("name", "", "supplier display name (used with -defaults)")
	criticalVariance := flag.String("critical-variance", "", "override critical variance threshold in currency units")
	flag.Parse()

	var cfg models.SupplierConfig
	switch {
	case *useDefaults:
		if *supplierId == "" {
			fmt.Fprintln(os.Stderr, "-supplier is required with -defaults")
			os.Exit(2)
		}
		name := *supplierName
		if name == "" {
			name = *supplierId
		}
		cfg = defaultConfig(*supplierId, name)
	case *filePath != "":
		raw, err := os.ReadFile(*filePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", *filePath, err)
			os.Exit(1)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to parse %s: %v\n", *filePath, err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "either -file or -defaults is required")
		os.Exit(2)
	}

	if *criticalVariance != "" {
		threshold, err := utils.ParseDecimal(*criticalVariance)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -critical-variance %q: %v\n", *criticalVariance, err)
			os.Exit(2)
		}
		cfg.CriticalVarianceThreshold = threshold
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid supplier config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	configs := repository.NewConfigRepository(db)
	if err := configs.Upsert(ctx, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to upsert supplier config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded supplier config: supplier_id=%q strategy=%s\n", cfg.SupplierId, cfg.MatchingRules.Strategy)
}

func defaultConfig(supplierId, name string) models.SupplierConfig {
	return models.SupplierConfig{
		SupplierId: supplierId,
		Name:       name,
		MatchingRules: models.MatchingRules{
			Strategy:        models.MatchStrategyExactFuzzy,
			PrimaryFields:   []models.MatchField{models.MatchFieldReference},
			SecondaryFields: []models.MatchField{models.MatchFieldTransactionId},
			MatchProduct:    false,
			Fuzzy:           &models.FuzzyRule{MinConfidence: models.DefaultFuzzyMinConfidence},
		},
		TimestampToleranceSeconds: 300,
		AmountToleranceCents:      100,
		CommissionToleranceCents:  50,
		AutoResolveToleranceCents: 10,
		CommissionMethod:          "percentage",
		CommissionField:           "commission",
		SLAHours:                  24,
		CriticalVarianceThreshold: decimal.NewFromInt(1000),
	}
}
