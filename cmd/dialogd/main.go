package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/talkline/dialog-core/internal/server"
	"github.com/talkline/dialog-core/internal/telemetry"
	"github.com/talkline/dialog-core/pkg/dialogcore"
)

// dialogd runs the message-handling core behind an HTTP ingress. The
// interpreter, executor, and synthesizer below are stand-ins; a real
// deployment wires NLU and booking services here.
func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracer("dialog-core", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	opts := []dialogcore.Option{
		dialogcore.WithLogger(logger),
		dialogcore.WithInterpreter(echoInterpreter()),
		dialogcore.WithExecutor(echoExecutor()),
		dialogcore.WithSynthesizer(echoSynthesizer()),
		dialogcore.WithReplyFunc(func(_ context.Context, id dialogcore.ConversationID, reply string) {
			logger.Info("reply ready",
				slog.String("conversation", id.String()),
				slog.String("reply", reply))
		}),
	}
	if path := os.Getenv("DIALOG_CONFIG"); path != "" {
		opts = append(opts, dialogcore.WithFileConfig(path))
	}

	core, err := dialogcore.New(opts...)
	if err != nil {
		log.Fatalf("Failed to create core: %v", err)
	}

	srv := server.New(core.Config().Server.Port, logger, core)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case <-sigChan:
	}

	logger.Info("Shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	if err := core.Close(); err != nil {
		logger.Error("core shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("Shutdown complete")
}

func echoInterpreter() dialogcore.Interpreter {
	return dialogcore.InterpreterFunc(func(_ context.Context, text string, _ *dialogcore.DialogContext) (*dialogcore.Interpretation, error) {
		return &dialogcore.Interpretation{
			Intents: []dialogcore.Intent{{Name: "echo", Params: map[string]any{"text": text}}},
		}, nil
	})
}

func echoExecutor() dialogcore.Executor {
	return dialogcore.ExecutorFunc(func(_ context.Context, intent dialogcore.Intent, _ *dialogcore.DialogContext) (*dialogcore.ExecutionResult, error) {
		return &dialogcore.ExecutionResult{Intent: intent, Success: true}, nil
	})
}

func echoSynthesizer() dialogcore.Synthesizer {
	return dialogcore.SynthesizerFunc(func(_ context.Context, results []dialogcore.ExecutionResult, _ *dialogcore.DialogContext) (string, error) {
		if len(results) == 0 {
			return "Я вас услышал.", nil
		}
		return fmt.Sprintf("Принято: %s", results[0].Intent.Name), nil
	})
}
