package core_test

import (
	"context"
	"log"
	"os"

	"github.com/fluxorio/offload/pkg/core"
)

func ExampleLogger_WithFields() {
	logger := core.NewDefaultLogger()

	// Add structured fields
	taskLogger := logger.WithFields(core.Fields{
		"task_id": "5f0c",
		"kind":    "digest",
		"worker":  3,
	})

	taskLogger.Info("task finished")
}

func ExampleLogger_WithContext() {
	logger := core.NewJSONLoggerTo(os.Stderr, core.LevelInfo)

	// the request ID travels with the submission context
	ctx, _ := core.EnsureRequestID(context.Background())

	logger.WithContext(ctx).Warn("queue is filling up")
}

func ExampleNewLogger() {
	logger, err := core.NewLogger("json", "warn")
	if err != nil {
		log.Fatal(err)
	}

	logger.Debug("dropped")
	logger.Error("kept")
}
