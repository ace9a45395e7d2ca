package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"voicemind/config"
	"voicemind/constant"
	apiHandler "voicemind/handler"
	"voicemind/pkg/blob"
	"voicemind/pkg/openai"
	"voicemind/pkg/rabbitmq"
	"voicemind/repository"
	"voicemind/service"
)

func RunHttp(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("NewRabbitMQConn")
	}

	repo := repository.NewRepo(cfg.DB)
	blobs := blob.NewMinioStore(cfg.Storage, cfg.MinIOBucket)
	collaborators := openai.NewClient(cfg.OpenAI)

	registry := service.NewRegistry(repo, cfg.Pipeline.GraceWindow)
	if err := registry.Restore(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to restore active sessions")
	}

	var dispatch service.FinalizeDispatcher
	if conn != nil {
		publisher, err := rabbitmq.NewPublisher(conn, cfg.Queue)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to create finalize publisher, finalizing inline")
		} else {
			defer publisher.Close()
			dispatch = publisher.PublishFinalize
		}
	}

	pipeline := service.NewIngestionPipeline(registry, repo, blobs, collaborators, cfg.Pipeline.MaxRetries)
	assembler := service.NewTranscriptAssembler(repo)
	lifecycle := service.NewLifecycleController(registry, repo, assembler, collaborators, cfg.Pipeline.MaxRetries, dispatch)
	qa := service.NewQAService(repo, collaborators, cfg.Pipeline.MaxRetries)

	serviceDeps := apiHandler.ServiceDependencies{
		Registry:  registry,
		Pipeline:  pipeline,
		Assembler: assembler,
		Lifecycle: lifecycle,
		QA:        qa,
	}

	// Start finalize consumer
	if conn != nil {
		finalizeConsumer := rabbitmq.NewConsumer(conn, cfg.Queue, cfg.Server.Workers, apiHandler.FinalizeHandler)
		go func() {
			err := finalizeConsumer.Consume(ctx, serviceDeps)
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("Finalize consumer error")
			}
		}()
	}

	// Force-end meetings whose device went silent
	go lifecycle.RunIdleMonitor(ctx, cfg.Pipeline.IdleTimeout/4, cfg.Pipeline.IdleTimeout)

	r := gin.Default()
	addHealth(r)
	apiHandler.RegisterRoutes(r, serviceDeps)

	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")
	if err := handler.Shutdown(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}

	pipeline.Wait()
	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
}

func addHealth(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
