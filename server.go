package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"

	"github.com/fundraiseapp/fundraise_backend/config"
	"github.com/fundraiseapp/fundraise_backend/middlewares"
	"github.com/fundraiseapp/fundraise_backend/models"
	"github.com/fundraiseapp/fundraise_backend/rates"
	"github.com/fundraiseapp/fundraise_backend/solana"
	"github.com/fundraiseapp/fundraise_backend/utils"
	"github.com/fundraiseapp/fundraise_backend/workflow"
)

const defaultPort = "8080"

var tracer = otel.Tracer("fundraise-backend")

// app holds the wired components. It is set once after the DB and
// Redis connections are established; handlers return 503 until then
// so the container can start listening immediately (Cloud Run).
type app struct {
	reconciler *workflow.Reconciler
	poller     *workflow.SettlementPoller
	donations  *models.DonationRepo
	background context.Context
}

var appState atomic.Pointer[app]

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Correlation-Id"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(middlewares.AuthMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/donations/solana", middlewares.RequireUser(), createPaymentRequestHandler)
		api.GET("/donations/:id/poll", pollDonationHandler)
		api.POST("/donations/:id/verify", middlewares.RequireUser(), verifyDonationHandler)
		api.GET("/campaigns/:id/donations", listCampaignDonationsHandler)
		api.GET("/users/me/donations", middlewares.RequireUser(), listMyDonationsHandler)
		api.POST("/admin/campaigns/resync", middlewares.RequireAdmin(), resyncCampaignsHandler)
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Listen before connecting to anything: Cloud Run requires the
	// container to accept traffic on $PORT quickly.
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	logger := config.GetLogger()
	db := config.GetDB()
	if err := models.MigrateModels(db); err != nil {
		logger.Fatalf("migration failed: %v", err)
	}

	recipient := os.Getenv("SOLANA_RECEIVER_WALLET")
	if recipient == "" {
		logger.Fatal("SOLANA_RECEIVER_WALLET not configured")
	}

	donationRepo := models.NewDonationRepo(db)
	campaignRepo := models.NewCampaignRepo(db)
	scanner := solana.NewScanner(solana.NewClient(), logger)
	oracle := rates.NewOracle(logger)

	var broadcaster workflow.Broadcaster
	if os.Getenv("PUBSUB_PROJECT_ID") != "" || os.Getenv("GOOGLE_CLOUD_PROJECT") != "" {
		topic := os.Getenv("PUBSUB_CAMPAIGN_TOPIC")
		if topic == "" {
			topic = "campaign-events"
		}
		if client, perr := config.GetPubSubClient(context.Background()); perr != nil {
			logger.Warnf("pubsub unavailable, broadcasting to logs only: %v", perr)
			broadcaster = workflow.LogBroadcaster{Logger: logger}
		} else {
			if _, terr := config.CreateTopicIfNotExists(client, topic); terr != nil {
				logger.Warnf("ensure pubsub topic %q: %v", topic, terr)
			}
			broadcaster = workflow.PubSubBroadcaster{}
		}
	} else {
		broadcaster = workflow.LogBroadcaster{Logger: logger}
	}

	reconciler, err := workflow.NewReconciler(
		donationRepo,
		campaignRepo,
		scanner,
		oracle,
		broadcaster,
		config.GetRedisLock(),
		logger,
		recipient,
	)
	if err != nil {
		logger.Fatalf("reconciler init failed: %v", err)
	}

	background, stopBackground := context.WithCancel(context.Background())
	poller := workflow.NewSettlementPoller(reconciler, logger)
	go poller.RunCampaignSweep(background)

	appState.Store(&app{
		reconciler: reconciler,
		poller:     poller,
		donations:  donationRepo,
		background: background,
	})
	logger.Infof("settlement backend ready (port=%s)", port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("server shutdown: %v", err)
	}
}

func getApp(c *gin.Context) *app {
	a := appState.Load()
	if a == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "starting up"})
		return nil
	}
	return a
}

func createPaymentRequestHandler(c *gin.Context) {
	a := getApp(c)
	if a == nil {
		return
	}
	ctx, span := tracer.Start(c.Request.Context(), "createPaymentRequest")
	defer span.End()

	var input workflow.CreatePaymentRequestInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		return
	}
	userId, _ := utils.GetUserIdFromContext(ctx)
	input.UserId = userId

	request, err := a.reconciler.CreatePaymentRequest(ctx, input)
	if err != nil {
		status := statusForError(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	// Watch the donation in the background with a bounded budget; the
	// client can also poll explicitly.
	go a.poller.WatchDonation(a.background, request.DonationId)

	c.JSON(http.StatusCreated, request)
}

func pollDonationHandler(c *gin.Context) {
	a := getApp(c)
	if a == nil {
		return
	}
	ctx, span := tracer.Start(c.Request.Context(), "pollDonation")
	defer span.End()

	donationId, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid donation id"})
		return
	}

	result, err := a.reconciler.PollOnce(ctx, donationId)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func verifyDonationHandler(c *gin.Context) {
	a := getApp(c)
	if a == nil {
		return
	}
	ctx, span := tracer.Start(c.Request.Context(), "verifyDonation")
	defer span.End()

	donationId, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid donation id"})
		return
	}
	var body struct {
		Signature string `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := a.reconciler.VerifyBySignature(ctx, donationId, body.Signature)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func listCampaignDonationsHandler(c *gin.Context) {
	a := getApp(c)
	if a == nil {
		return
	}
	campaignId, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid campaign id"})
		return
	}

	cacheKey := fmt.Sprintf("donations:campaign:%d", campaignId)
	var donations []models.Donation
	if ok, cerr := config.GetRedisObject(cacheKey, &donations); cerr == nil && ok {
		c.JSON(http.StatusOK, gin.H{"donations": donations})
		return
	}

	donations, err = a.donations.ListByCampaign(c.Request.Context(), campaignId, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Short TTL: a settling donation shows up within seconds.
	_ = config.SetRedisObject(cacheKey, donations, 10*time.Second)
	c.JSON(http.StatusOK, gin.H{"donations": donations})
}

func listMyDonationsHandler(c *gin.Context) {
	a := getApp(c)
	if a == nil {
		return
	}
	userId, _ := utils.GetUserIdFromContext(c.Request.Context())
	donations, err := a.donations.ListByUser(c.Request.Context(), userId, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"donations": donations})
}

func resyncCampaignsHandler(c *gin.Context) {
	a := getApp(c)
	if a == nil {
		return
	}
	ctx, span := tracer.Start(c.Request.Context(), "resyncCampaigns")
	defer span.End()

	var body struct {
		CampaignId *int `json:"campaign_id"`
	}
	// Body is optional: empty body means resync everything.
	_ = c.ShouldBindJSON(&body)

	updated, err := a.reconciler.ResyncCampaignTotals(ctx, body.CampaignId)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	for _, u := range updated {
		_ = config.RemoveRedisKey(fmt.Sprintf("donations:campaign:%d", u.CampaignId))
	}
	c.JSON(http.StatusOK, gin.H{"updated_campaigns": updated})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidDonationInput),
		errors.Is(err, workflow.ErrCampaignNotAcceptingDonations),
		errors.Is(err, solana.ErrInvalidAddress),
		errors.Is(err, solana.ErrInvalidAmount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
