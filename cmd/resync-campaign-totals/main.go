package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fundraiseapp/fundraise_backend/config"
	"github.com/fundraiseapp/fundraise_backend/models"
	"github.com/fundraiseapp/fundraise_backend/rates"
	"github.com/fundraiseapp/fundraise_backend/solana"
	"github.com/fundraiseapp/fundraise_backend/workflow"
)

// Operator tool: recompute campaign current_amount from settled
// donations. Run after any incident that could have left a credited
// donation without its aggregate update.
func main() {
	campaignId := flag.Int("campaign-id", 0, "Optional: resync only one campaign. If 0, resyncs all campaigns.")
	dryRun := flag.Bool("dry-run", false, "Report drifted campaigns without writing")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	logger := config.GetLogger()

	donationRepo := models.NewDonationRepo(db)
	campaignRepo := models.NewCampaignRepo(db)

	if *dryRun {
		ids := []int{}
		if *campaignId > 0 {
			ids = append(ids, *campaignId)
		} else {
			var err error
			ids, err = campaignRepo.ListCampaignIds(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to list campaigns: %v\n", err)
				os.Exit(1)
			}
		}
		drifted := 0
		for _, id := range ids {
			campaign, err := campaignRepo.GetCampaign(ctx, id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "campaign %d: %v\n", id, err)
				continue
			}
			authoritative, err := donationRepo.SumSettledByCampaign(ctx, id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "campaign %d: %v\n", id, err)
				continue
			}
			if !campaign.CurrentAmount.Equal(authoritative) {
				fmt.Printf("campaign %d: stored=%s settled=%s\n", id, campaign.CurrentAmount, authoritative)
				drifted++
			}
		}
		fmt.Printf("%d campaign(s) drifted\n", drifted)
		return
	}

	recipient := os.Getenv("SOLANA_RECEIVER_WALLET")
	if recipient == "" {
		fmt.Fprintln(os.Stderr, "SOLANA_RECEIVER_WALLET not configured")
		os.Exit(1)
	}
	reconciler, err := workflow.NewReconciler(
		donationRepo,
		campaignRepo,
		solana.NewScanner(solana.NewClient(), logger),
		rates.NewOracle(logger),
		workflow.LogBroadcaster{Logger: logger},
		nil,
		logger,
		recipient,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciler init failed: %v\n", err)
		os.Exit(1)
	}

	var only *int
	if *campaignId > 0 {
		only = campaignId
	}
	updated, err := reconciler.ResyncCampaignTotals(ctx, only)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resync failed after %d update(s): %v\n", len(updated), err)
		os.Exit(1)
	}
	for _, u := range updated {
		fmt.Printf("campaign %d: %s -> %s (%s)\n", u.CampaignId, u.PreviousAmount, u.CurrentAmount, u.Status)
	}
	fmt.Printf("resynced %d campaign(s)\n", len(updated))
}
