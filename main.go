package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"inboxdigest/adapter/out/llmprovider"
	"inboxdigest/adapter/out/mailprovider"
	"inboxdigest/config"
	"inboxdigest/core/cascade"
	"inboxdigest/core/entity"
	"inboxdigest/core/feedback"
	"inboxdigest/core/llm"
	"inboxdigest/core/pipeline"
	"inboxdigest/core/rules"
	"inboxdigest/core/typemap"
	"inboxdigest/infra/database"
	"inboxdigest/pkg/resilience"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "inboxdigest").Logger()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	userID := flag.String("user", "", "user ID to generate a digest for")
	flag.Parse()
	if *userID == "" {
		log.Fatal().Msg("missing required -user flag")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := database.Open(database.DefaultSQLiteConfig(cfg.DatabasePath))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap schema")
	}

	tm, err := typemap.LoadFile(cfg.TypeMapperRulesetPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load type mapper ruleset")
	}

	rulesEngine := rules.New(db)
	feedbackMgr := feedback.New(db, rulesEngine)

	completer := llmprovider.NewOpenAIClient(llmprovider.OpenAIConfig{
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	})
	llmClassifier := llm.New(completer, llm.Config{
		ModelName:     cfg.LLMModel,
		ModelVersion:  "1",
		PromptVersion: "1",
		Timeout:       cfg.LLMTimeout(),
	})

	guardrails := cascade.NewGuardrails()
	classifyCascade := cascade.New(tm, rulesEngine, llmClassifier, guardrails, db)

	extractor := entity.New(entity.NoopLLMFallback{}, log)

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: os.Getenv("GMAIL_ACCESS_TOKEN")})
	mail := mailprovider.NewGmailAdapter(tokenSource)

	var idem resilience.IdempotencySet
	if cfg.IdempotencyDurable {
		redisClient, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis for durable idempotency")
		}
		defer redisClient.Close()
		idem = resilience.NewDurableSet(redisClient, "inboxdigest:idem:", cfg.IdempotencyTTL)
	} else {
		idem = resilience.NewBatchSet()
	}

	coordinator := pipeline.New(mail, idem, db, classifyCascade, extractor, feedbackMgr, log)

	digest, err := coordinator.Run(ctx, pipeline.Config{
		UserID:      *userID,
		Parallel:    cfg.Parallel,
		WorkerCount: cfg.WorkerCount,
	})
	if err != nil {
		if err == pipeline.ErrNoNewEmails {
			log.Info().Msg("no new emails to process")
			return
		}
		log.Fatal().Err(err).Msg("pipeline run failed")
	}

	log.Info().
		Int("total_emails", digest.Timeline.TotalEmails).
		Int("critical", digest.Timeline.CriticalCount).
		Int("time_sensitive", digest.Timeline.TimeSensitiveCount).
		Msg("digest generated")

	os.Stdout.WriteString(digest.Text)
}
