package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/formicag/msp-support-assistant/internal/chat"
	"github.com/formicag/msp-support-assistant/internal/httpclient"
	"github.com/formicag/msp-support-assistant/internal/logging"
	"github.com/formicag/msp-support-assistant/internal/repository"
	"github.com/formicag/msp-support-assistant/internal/secrets"
	appconfig "github.com/formicag/msp-support-assistant/pkg/config"
)

func main() {
	// Local development convenience; in App Runner the env is already set
	_ = godotenv.Load()

	logger := logging.New("chat")

	// Load configuration
	cfg := appconfig.MustLoad()

	logger.Info("chat service starting",
		slog.String("stage", cfg.Stage.String()),
		slog.String("listen_addr", cfg.ChatListenAddr),
		slog.String("agent_endpoint", cfg.AgentEndpoint),
	)

	// Initialize AWS SDK
	awsCfg, err := awsConfig.LoadDefaultConfig(context.Background(),
		awsConfig.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		logger.Error("failed to load AWS config", slog.String("error", err.Error()))
		panic(fmt.Sprintf("failed to load AWS config: %v", err))
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	sessions := repository.NewDynamoDBSessionRepository(dynamoClient, cfg.SessionsTableName)

	// Agent client with Cognito M2M auth when a token endpoint is configured
	httpClient := httpclient.NewClient(logger)
	var oauthClient *httpclient.OAuthClient
	if cfg.CognitoTokenURL != "" {
		secretsManager := secrets.NewManager(awsCfg, logger)
		oauthClient = httpclient.NewOAuthClient(httpClient, secretsManager, logger)
	} else {
		logger.Warn("COGNITO_TOKEN_URL not set, agent calls are unauthenticated")
	}
	agentClient := chat.NewAgentClient(
		cfg.AgentEndpoint,
		httpClient,
		oauthClient,
		cfg.CognitoTokenURL,
		cfg.GatewaySecretName,
		logger,
	)

	// End-user token verification
	var verifier chat.TokenVerifier
	if cfg.CognitoIssuer != "" {
		verifier = chat.NewCognitoVerifier(cfg.CognitoIssuer)
	} else {
		logger.Warn("COGNITO_ISSUER not set, end-user authentication disabled")
	}

	server := chat.NewServer(agentClient, sessions, logger)

	// 5 chat turns/second per IP, burst of 10
	limiter := chat.NewRateLimiter(rate.Limit(5), 10)

	httpServer := &http.Server{
		Addr: cfg.ChatListenAddr,
		Handler: server.Routes(chat.RouterOptions{
			Verifier: verifier,
			Limiter:  limiter,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Agent turns can take a while when the model uses tools
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		logger.Info("shutting down chat service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
		close(done)
	}()

	logger.Info("chat service listening", slog.String("addr", cfg.ChatListenAddr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	<-done
}
