package artefacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/flowmium/flowmium/flow"
)

// SidecarConfig is everything the task sidecar needs to move artefacts for
// one task. It is handed to the container through FLOWMIUM_ environment
// variables by the executor.
type SidecarConfig struct {
	InputJSON    string
	OutputJSON   string
	FlowID       int64
	AccessKey    string
	SecretKey    string
	BucketName   string
	TaskStoreURL string
}

// SidecarConfigFromEnv reads the sidecar configuration from FLOWMIUM_
// environment variables.
func SidecarConfigFromEnv() (SidecarConfig, error) {
	cfg := SidecarConfig{}

	vars := []struct {
		name  string
		value *string
	}{
		{"FLOWMIUM_INPUT_JSON", &cfg.InputJSON},
		{"FLOWMIUM_OUTPUT_JSON", &cfg.OutputJSON},
		{"FLOWMIUM_ACCESS_KEY", &cfg.AccessKey},
		{"FLOWMIUM_SECRET_KEY", &cfg.SecretKey},
		{"FLOWMIUM_BUCKET_NAME", &cfg.BucketName},
		{"FLOWMIUM_TASK_STORE_URL", &cfg.TaskStoreURL},
	}

	for _, v := range vars {
		value, ok := os.LookupEnv(v.name)
		if !ok {
			return SidecarConfig{}, fmt.Errorf("environment variable %s is not set", v.name)
		}
		*v.value = value
	}

	flowIDRaw, ok := os.LookupEnv("FLOWMIUM_FLOW_ID")
	if !ok {
		return SidecarConfig{}, errors.New("environment variable FLOWMIUM_FLOW_ID is not set")
	}
	flowID, err := strconv.ParseInt(flowIDRaw, 10, 64)
	if err != nil {
		return SidecarConfig{}, fmt.Errorf("parse FLOWMIUM_FLOW_ID: %w", err)
	}
	cfg.FlowID = flowID

	return cfg, nil
}

// RunTask downloads the task's inputs, runs the user command and uploads the
// declared outputs when the command succeeds. The returned code is the
// process exit code to use: the user command's own exit status when it ran,
// 1 for sidecar failures.
func RunTask(ctx context.Context, cfg SidecarConfig, cmd []string, logger *slog.Logger) int {
	var inputs []flow.Input
	if err := json.Unmarshal([]byte(cfg.InputJSON), &inputs); err != nil {
		logger.Error("unable to parse inputs json in env variable", "error", err)
		return 1
	}

	var outputs []flow.Output
	if err := json.Unmarshal([]byte(cfg.OutputJSON), &outputs); err != nil {
		logger.Error("unable to parse outputs json in env variable", "error", err)
		return 1
	}

	bucket, err := NewBucket(ctx, BucketConfig{
		StoreURL:   cfg.TaskStoreURL,
		BucketName: cfg.BucketName,
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
	}, logger)
	if err != nil {
		logger.Error("unable to open bucket", "error", err)
		return 1
	}

	return runTask(ctx, bucket, cfg.FlowID, inputs, outputs, cmd, logger)
}

func runTask(ctx context.Context, bucket *Bucket, flowID int64, inputs []flow.Input, outputs []flow.Output, cmd []string, logger *slog.Logger) int {
	if len(cmd) == 0 {
		logger.Error("invalid empty command")
		return 1
	}

	for _, input := range inputs {
		storePath := StorePath(flowID, input.From)
		if err := bucket.DownloadInput(ctx, input.Path, storePath); err != nil {
			logger.Error("unable to download input", "input", input.From, "error", err)
			return 1
		}
	}

	var stderr bytes.Buffer
	command := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	command.Stdout = os.Stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Error("task exited with failure",
				"status", exitErr.ExitCode(), "stderr", stderr.String())
			return exitErr.ExitCode()
		}
		logger.Error("failed to run task", "error", err)
		return 1
	}

	for _, output := range outputs {
		storePath := StorePath(flowID, output.Name)
		if err := bucket.UploadOutput(ctx, output.Path, storePath); err != nil {
			logger.Error("unable to upload output", "output", output.Name, "error", err)
			return 1
		}
	}

	return 0
}
