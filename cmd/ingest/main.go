package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsscheduler "github.com/aws/aws-sdk-go-v2/service/scheduler"
	"github.com/joho/godotenv"

	"github.com/formicag/msp-support-assistant/internal/knowledge"
	"github.com/formicag/msp-support-assistant/internal/logging"
	internalscheduler "github.com/formicag/msp-support-assistant/internal/scheduler"
	"github.com/formicag/msp-support-assistant/internal/storage"
	"github.com/formicag/msp-support-assistant/pkg/config"
	"github.com/formicag/msp-support-assistant/pkg/corpus"
)

// ingestScheduleName is the EventBridge schedule that re-runs ingestion
const ingestScheduleName = "msp-support-assistant-reingest"

// Ingester loads a corpus, embeds each document, and indexes it into the
// knowledge base, archiving the raw corpus alongside
type Ingester struct {
	embedder *knowledge.Embedder
	store    *knowledge.Store
	archive  *storage.ArchiveStore
	logger   *slog.Logger
}

// Run ingests the corpus. Returns the number of documents indexed.
func (ing *Ingester) Run(ctx context.Context, c *corpus.Corpus, raw []byte) (int, error) {
	if err := ing.store.EnsureIndex(ctx); err != nil {
		return 0, fmt.Errorf("failed to ensure index: %w", err)
	}

	indexed := 0
	for _, doc := range c.Documents {
		// Title plus content gives the embedding the article's subject even
		// when the body opens with boilerplate
		embedding, err := ing.embedder.Embed(ctx, doc.Title+"\n"+doc.Content)
		if err != nil {
			return indexed, fmt.Errorf("failed to embed document %s: %w", doc.ID, err)
		}

		article := &knowledge.Article{
			ID:        doc.ID,
			Title:     doc.Title,
			Content:   doc.Content,
			Category:  doc.Category,
			Tags:      doc.Tags,
			Embedding: embedding,
		}

		if err := ing.store.IndexArticle(ctx, article); err != nil {
			return indexed, fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
		indexed++

		ing.logger.InfoContext(ctx, "document indexed",
			slog.String("document_id", doc.ID),
			slog.String("category", doc.Category),
		)
	}

	if ing.archive != nil {
		if _, err := ing.archive.ArchiveCorpus(ctx, raw); err != nil {
			// The index is already updated; a failed archive should not fail
			// the run
			ing.logger.WarnContext(ctx, "failed to archive corpus",
				slog.String("error", err.Error()),
			)
		}
	}

	return indexed, nil
}

// scheduledIngestEvent is the payload the EventBridge schedule sends
type scheduledIngestEvent struct {
	Source string `json:"source,omitempty"`
}

func main() {
	_ = godotenv.Load()

	logger := logging.New("ingest")

	cfg := config.MustLoad()

	// Scheduled runs arrive through Lambda; everything else is the CLI
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(func(ctx context.Context, event scheduledIngestEvent) error {
			ing, err := buildIngester(ctx, cfg, logger)
			if err != nil {
				return err
			}
			c, err := corpus.Load()
			if err != nil {
				return fmt.Errorf("failed to load corpus: %w", err)
			}
			count, err := ing.Run(ctx, c, corpus.Raw())
			if err != nil {
				return err
			}
			logger.InfoContext(ctx, "scheduled ingest complete",
				slog.Int("documents_indexed", count),
				slog.String("trigger", event.Source),
			)
			return nil
		})
		return
	}

	corpusPath := flag.String("corpus", "", "path to a corpus YAML file (default: embedded seed corpus)")
	schedule := flag.String("schedule", "", "EventBridge schedule expression to register for re-ingest, e.g. rate(7 days)")
	flag.Parse()

	ctx := context.Background()

	logger.Info("ingest starting",
		slog.String("stage", cfg.Stage.String()),
		slog.String("index", cfg.OpenSearchIndex),
	)

	var (
		c   *corpus.Corpus
		raw []byte
		err error
	)
	if *corpusPath != "" {
		c, err = corpus.LoadFile(*corpusPath)
		if err == nil {
			raw, err = os.ReadFile(*corpusPath)
		}
	} else {
		c, err = corpus.Load()
		raw = corpus.Raw()
	}
	if err != nil {
		logger.Error("failed to load corpus", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ing, err := buildIngester(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", slog.String("error", err.Error()))
		os.Exit(1)
	}

	count, err := ing.Run(ctx, c, raw)
	if err != nil {
		logger.Error("ingest failed",
			slog.Int("documents_indexed", count),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("ingest complete", slog.Int("documents_indexed", count))

	if *schedule != "" {
		if err := registerSchedule(ctx, cfg, *schedule, logger); err != nil {
			logger.Error("failed to register re-ingest schedule", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
}

func buildIngester(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Ingester, error) {
	if cfg.OpenSearchEndpoint == "" {
		return nil, fmt.Errorf("OPENSEARCH_ENDPOINT is required")
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	osClient, err := knowledge.NewClient(awsCfg, cfg.OpenSearchEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenSearch client: %w", err)
	}

	bedrockClient := bedrockruntime.NewFromConfig(awsCfg)

	var archive *storage.ArchiveStore
	if cfg.KnowledgeBucket != "" {
		archive = storage.NewArchiveStore(s3.NewFromConfig(awsCfg), cfg.KnowledgeBucket, cfg.Stage.String(), logger)
	} else {
		logger.Warn("KNOWLEDGE_BUCKET not set, corpus archival disabled")
	}

	return &Ingester{
		embedder: knowledge.NewEmbedder(bedrockClient, cfg.EmbeddingModelID, logger),
		store:    knowledge.NewStore(osClient, cfg.OpenSearchIndex, logger),
		archive:  archive,
		logger:   logger,
	}, nil
}

func registerSchedule(ctx context.Context, cfg *config.Config, expression string, logger *slog.Logger) error {
	if cfg.IngestFunctionArn == "" {
		return fmt.Errorf("INGEST_FUNCTION_ARN is required to register a schedule")
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	ingestScheduler := internalscheduler.NewIngestScheduler(
		awsscheduler.NewFromConfig(awsCfg),
		cfg.IngestScheduleRoleArn,
		logger,
	)

	return ingestScheduler.EnsureSchedule(ctx, internalscheduler.IngestSchedule{
		Name:               fmt.Sprintf("%s-%s", ingestScheduleName, cfg.Stage),
		ScheduleExpression: expression,
		FunctionArn:        cfg.IngestFunctionArn,
		Payload:            scheduledIngestEvent{Source: "eventbridge-schedule"},
	})
}
