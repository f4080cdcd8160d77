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
	"strings"
	"sync"
	"syscall"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/config"
	"bitbucket.org/mmtpdigital/recon_backend/models"
	"bitbucket.org/mmtpdigital/recon_backend/repository"
	"bitbucket.org/mmtpdigital/recon_backend/utils"
	"bitbucket.org/mmtpdigital/recon_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// services is the wired engine behind the HTTP layer. Built once, lazily,
// because the DB connects after the server starts listening; the readiness
// gate keeps requests out until config.GetDB() is non-nil.
type services struct {
	workflow *workflow.ReconciliationWorkflow
	runs     repository.RunRepository
	audits   repository.AuditRepository
}

var (
	servicesOnce     sync.Once
	servicesInstance *services
)

func getServices() *services {
	servicesOnce.Do(func() {
		db := config.GetDB()
		logger := config.GetLogger()
		runs := repository.NewRunRepository(db)
		matches := repository.NewMatchRepository(db)
		configs := repository.NewConfigRepository(db)
		audits := repository.NewAuditRepository(db)
		trail := workflow.NewAuditTrail(audits, logger)
		notifier := workflow.NewLogNotifier(logger)
		servicesInstance = &services{
			workflow: workflow.NewReconciliationWorkflow(runs, matches, configs, trail, notifier, logger, workflow.MatchOptions{
				FuzzyTimeBudget: fuzzyBudgetFromEnv(),
			}),
			runs:   runs,
			audits: audits,
		}
	})
	return servicesInstance
}

type ingestRequest struct {
	SupplierId string                    `json:"supplier_id" binding:"required"`
	FileName   string                    `json:"file_name" binding:"required"`
	Content    []byte                    `json:"content" binding:"required"`
	Internal   []models.NormalizedRecord `json:"internal"`
	External   []models.NormalizedRecord `json:"external"`
}

// ingestHandler registers a settlement file as a pending run and stages its
// record streams for the processor. Re-posting identical content is a no-op
// success returning the existing run.
func ingestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		wf := getServices().workflow

		var req ingestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetSupplierIdInContext(c.Request.Context(), req.SupplierId)
		run, created, err := wf.IngestFile(ctx, req.SupplierId, req.FileName, req.Content, time.Now())
		if err != nil {
			var validation *models.FileValidationError
			if errors.As(err, &validation) {
				c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
				return
			}
			if errors.Is(err, models.ErrConfigNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "supplier config not found"})
				return
			}
			config.LogError(logger, "server.go", "ingestHandler", "IngestFile", req.SupplierId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
			return
		}

		if created {
			if err := stageSettlementPayload(run.RunId, settlementPayload{
				Internal: req.Internal,
				External: req.External,
			}); err != nil {
				config.LogError(logger, "server.go", "ingestHandler", "stageSettlementPayload", run.RunId, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "staging failed"})
				return
			}
		}

		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		c.JSON(http.StatusOK, gin.H{
			"run_id":         run.RunId,
			"supplier_id":    run.SupplierId,
			"file_hash":      run.FileHash,
			"status":         run.Status,
			"created":        created,
			"correlation_id": cid,
		})
	}
}

func runSummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := getServices().workflow.BuildRunSummary(c.Request.Context(), c.Param("run_id"))
		if err != nil {
			if errors.Is(err, models.ErrRunNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func runAuditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := getServices().audits.ListByRun(c.Request.Context(), c.Param("run_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"run_id": c.Param("run_id"), "events": events})
	}
}

func verifyChainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runId := c.Param("run_id")
		err := getServices().workflow.VerifyRunChain(c.Request.Context(), runId)
		var violation *models.IntegrityViolationError
		if errors.As(err, &violation) {
			c.JSON(http.StatusConflict, gin.H{
				"run_id":   runId,
				"valid":    false,
				"event_id": violation.EventId,
				"reason":   violation.Reason,
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"run_id": runId, "valid": true})
	}
}

type resolveMatchRequest struct {
	ResolutionStatus models.ResolutionStatus `json:"resolution_status" binding:"required"`
	ResolvedBy       string                  `json:"resolved_by" binding:"required"`
	Notes            string                  `json:"notes"`
}

func resolveMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		wf := getServices().workflow
		matchId, err := strconv.Atoi(c.Param("id"))
		if err != nil || matchId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match id"})
			return
		}
		var req resolveMatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetActorIdInContext(c.Request.Context(), req.ResolvedBy)
		ctx = utils.SetActorTypeInContext(ctx, string(models.ActorTypeOperator))
		match, err := wf.ResolveMatch(ctx, matchId, req.ResolutionStatus, req.ResolvedBy, req.Notes)
		if err != nil {
			if errors.Is(err, models.ErrMatchNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"match_id":          match.ID,
			"run_id":            match.RunId,
			"resolution_status": match.ResolutionStatus,
			"resolved_by":       match.ResolvedBy,
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/internal/recon/ingest", ingestHandler())
	r.GET("/internal/recon/runs/:run_id/summary", runSummaryHandler())
	r.GET("/internal/recon/runs/:run_id/audit", runAuditHandler())
	r.GET("/internal/recon/runs/:run_id/verify", verifyChainHandler())
	r.POST("/internal/recon/matches/:id/resolve", resolveMatchHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start the run processor and SLA sweep.
	processorCtx, cancelProcessor := context.WithCancel(context.Background())
	defer cancelProcessor()
	svc := getServices()
	processor := NewRunProcessor(svc.workflow, svc.runs, redisRecordSource{}, logger)
	go processor.Run(processorCtx)
	go processor.RunOverdueSweep(processorCtx)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("reconciliation service listening on :", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't claim new runs while we're draining.
	cancelProcessor()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func fuzzyBudgetFromEnv() time.Duration {
	v := strings.TrimSpace(os.Getenv("FUZZY_TIME_BUDGET_SECONDS"))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}
