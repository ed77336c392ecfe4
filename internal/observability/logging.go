package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

// Discard returns a logger that drops every record. Used as a default when a
// caller passes no logger.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func WithUser(logger *slog.Logger, userID string) *slog.Logger {
	if logger == nil || userID == "" {
		return logger
	}
	return logger.With("user_id", userID)
}

func WithBatch(logger *slog.Logger, batchID string) *slog.Logger {
	if logger == nil || batchID == "" {
		return logger
	}
	return logger.With("batch_id", batchID)
}

func WithAlias(logger *slog.Logger, alias string) *slog.Logger {
	if logger == nil || alias == "" {
		return logger
	}
	return logger.With("alias", alias)
}

// WithLease attaches a hash of the provider lease id; raw ids are treated as
// provider secrets and never logged.
func WithLease(logger *slog.Logger, leaseID string) *slog.Logger {
	if logger == nil || leaseID == "" {
		return logger
	}
	return logger.With("lease_id_hash", HashLeaseID(leaseID))
}

func HashLeaseID(leaseID string) string {
	sum := sha256.Sum256([]byte(leaseID))
	return hex.EncodeToString(sum[:8])
}
