package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/izavyalov-dev/signup-broker/internal/artifacts"
	"github.com/izavyalov-dev/signup-broker/internal/observability"
	"github.com/izavyalov-dev/signup-broker/protocol"
	"github.com/izavyalov-dev/signup-broker/runner/transport"
)

func main() {
	coordinator := flag.String("coordinator", "http://localhost:8080", "Coordinator base URL")
	assignmentPath := flag.String("assignment", "", "Path to Assignment JSON payload")
	logPath := flag.String("log", "attempt.log", "Path to write the worker's combined stdout/stderr")
	worker := flag.String("worker", os.Getenv("WORKER_COMMAND"), "Shell command that performs one sign-up")
	s3Bucket := flag.String("s3-bucket", "", "S3 bucket for log uploads")
	s3Prefix := flag.String("s3-prefix", "", "S3 key prefix for log uploads")
	s3Region := flag.String("s3-region", "", "AWS region for S3 (optional)")
	flag.Parse()

	baseLogger := observability.NewLogger("runner")

	if *assignmentPath == "" {
		baseLogger.Error("assignment path is required", "event", "runner_error")
		os.Exit(1)
	}
	if *worker == "" {
		baseLogger.Error("worker command is required", "event", "runner_error")
		os.Exit(1)
	}

	raw, err := os.ReadFile(*assignmentPath)
	if err != nil {
		baseLogger.Error("read assignment file", "event", "runner_error", "error", err)
		os.Exit(1)
	}
	var assignment protocol.Assignment
	if err := json.Unmarshal(raw, &assignment); err != nil {
		baseLogger.Error("parse assignment", "event", "runner_error", "error", err)
		os.Exit(1)
	}

	logger := observability.WithUser(baseLogger, assignment.UserID)
	logger = observability.WithBatch(logger, assignment.BatchID)
	logger = observability.WithAlias(logger, assignment.Alias)
	logger = observability.WithLease(logger, assignment.LeaseID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	workCtx := ctx
	if !assignment.TimeoutAt.IsZero() {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithDeadline(ctx, assignment.TimeoutAt)
		defer cancel()
	}

	logWriter, err := os.Create(filepath.Clean(*logPath))
	if err != nil {
		logger.Error("open log file", "event", "runner_error", "error", err)
		os.Exit(1)
	}
	defer logWriter.Close()

	cmd := exec.CommandContext(workCtx, "sh", "-c", *worker)
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter
	cmd.Env = append(os.Environ(), workerEnv(assignment)...)

	logger.Info("worker started", "event", "worker_started", "attempt", assignment.Attempt)
	workerErr := cmd.Run()

	outcome := protocol.OutcomeSuccess
	exit := 0
	detail := "succeeded"
	if workerErr != nil {
		outcome = protocol.OutcomeFailure
		exit = exitCode(workerErr)
		detail = workerErr.Error()
		if errors.Is(workCtx.Err(), context.DeadlineExceeded) {
			detail = "attempt timed out"
		}
	}

	if err := logWriter.Sync(); err != nil {
		logger.Warn("sync log file", "event", "runner_warning", "error", err)
	}

	// Upload and report even when the coordinator cancelled us.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	var artifactsList []protocol.ArtifactRef
	if *s3Bucket != "" {
		uploader, err := artifacts.NewS3Uploader(reportCtx, artifacts.S3Config{
			Bucket: *s3Bucket,
			Prefix: *s3Prefix,
			Region: *s3Region,
		})
		if err != nil {
			logger.Warn("init s3 uploader", "event", "artifact_upload_failed", "error", err)
		} else {
			uri, err := uploader.UploadLog(reportCtx, assignment.BatchID, assignment.Attempt, *logPath)
			if err != nil {
				logger.Warn("upload log", "event", "artifact_upload_failed", "error", err)
			} else {
				artifactsList = append(artifactsList, protocol.ArtifactRef{
					Type: "log",
					URI:  uri,
				})
				logger.Info("log uploaded", "event", "artifact_uploaded", "uri", uri)
			}
		}
	}

	client := transport.NewHTTPClient(*coordinator)
	ack, err := client.ReportOutcome(reportCtx, protocol.ReportOutcome{
		Type:       "ReportOutcome",
		UserID:     assignment.UserID,
		BatchID:    assignment.BatchID,
		Alias:      assignment.Alias,
		Attempt:    assignment.Attempt,
		Outcome:    outcome,
		Detail:     detail,
		ExitCode:   exit,
		ReportedAt: time.Now().UTC(),
		Artifacts:  artifactsList,
	})
	if err != nil {
		// The exit status below still tells the coordinator what happened.
		logger.Warn("report outcome", "event", "outcome_report_failed", "error", err)
	} else if !ack.Accepted {
		logger.Info("outcome already recorded", "event", "outcome_report_ignored")
	}

	logger.Info("attempt finished", "event", "attempt_finished", "outcome", outcome, "exit_code", exit)
	if outcome != protocol.OutcomeSuccess {
		os.Exit(1)
	}
}

func workerEnv(a protocol.Assignment) []string {
	return []string{
		"SIGNUP_ALIAS=" + a.Alias,
		"SIGNUP_PHONE=" + a.Phone,
		"SIGNUP_LEASE_ID=" + a.LeaseID,
		"SIGNUP_USER_ID=" + a.UserID,
		"SIGNUP_BATCH_ID=" + a.BatchID,
		"SIGNUP_ATTEMPT=" + strconv.Itoa(a.Attempt),
	}
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return 1
}
