package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/fundraiseapp/fundraise_backend/config"
	"github.com/fundraiseapp/fundraise_backend/models"
	"github.com/fundraiseapp/fundraise_backend/rates"
	"github.com/fundraiseapp/fundraise_backend/solana"
	"github.com/fundraiseapp/fundraise_backend/workflow"
)

// Operator tool: settle (or fail) a single donation from a known
// transaction signature, bypassing the HTTP surface. Useful when a
// donor reports a payment the scan never picked up.
func main() {
	donationId := flag.Int("donation-id", 0, "Donation id to verify (required)")
	signature := flag.String("signature", "", "Transaction signature reported by the donor (required)")
	flag.Parse()

	if *donationId <= 0 || *signature == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()
	logger := config.GetLogger()

	recipient := os.Getenv("SOLANA_RECEIVER_WALLET")
	if recipient == "" {
		fmt.Fprintln(os.Stderr, "SOLANA_RECEIVER_WALLET not configured")
		os.Exit(1)
	}

	reconciler, err := workflow.NewReconciler(
		models.NewDonationRepo(db),
		models.NewCampaignRepo(db),
		solana.NewScanner(solana.NewClient(), logger),
		rates.NewOracle(logger),
		workflow.LogBroadcaster{Logger: logger},
		config.GetRedisLock(),
		logger,
		recipient,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciler init failed: %v\n", err)
		os.Exit(1)
	}

	result, err := reconciler.VerifyBySignature(ctx, *donationId, *signature)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if !result.Valid {
		os.Exit(1)
	}
}
