package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/storage"
)

// Service wraps a Provider with per-call usage auditing and hash dedup:
// embedding the same content twice records a dedup hit instead of calling
// the provider again.
type Service struct {
	provider Provider
	db       *storage.DB
	logger   *slog.Logger

	// costPerMTokens is the estimated provider price in USD per million
	// input tokens. Zero for local providers.
	costPerMTokens float64
}

// NewService builds the auditing wrapper.
func NewService(provider Provider, db *storage.DB, costPerMTokens float64, logger *slog.Logger) *Service {
	return &Service{provider: provider, db: db, costPerMTokens: costPerMTokens, logger: logger}
}

// Provider exposes the wrapped provider for callers that need its metadata.
func (s *Service) Provider() Provider { return s.provider }

// HashText returns the dedup hash for a piece of embeddable content.
func HashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// EmbedObject embeds text on behalf of a scoped object and writes the usage
// audit row. knownHash lets callers pass the stored vector hash; a match
// short-circuits with a dedup hit and a nil vector.
func (s *Service) EmbedObject(ctx context.Context, scope model.Scope, objectType, objectID, text string, knownHash *string) ([]float32, string, error) {
	contentHash := HashText(text)
	usage := model.EmbeddingUsage{
		TenantID:        scope.TenantID,
		SiteID:          scope.SiteID,
		ObjectType:      objectType,
		ObjectID:        objectID,
		Provider:        s.provider.Name(),
		Model:           s.provider.Model(),
		EmbeddingDim:    s.provider.Dimensions(),
		InputChars:      len(text),
		EstimatedTokens: (len(text) + 3) / 4,
		ContentHash:     contentHash,
	}

	if knownHash != nil && *knownHash == contentHash {
		usage.Status = model.EmbeddingDedupHit
		s.audit(ctx, usage)
		return nil, contentHash, nil
	}

	start := time.Now()
	vec, err := s.provider.Embed(ctx, text)
	usage.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		if model.KindOf(err) == model.KindRateLimit {
			usage.Status = model.EmbeddingRateLimited
		} else {
			usage.Status = model.EmbeddingFailed
		}
		s.audit(ctx, usage)
		return nil, "", err
	}

	usage.Status = model.EmbeddingSuccess
	usage.CostEstimate = float64(usage.EstimatedTokens) / 1e6 * s.costPerMTokens
	s.audit(ctx, usage)
	return vec, contentHash, nil
}

// audit is best-effort: losing an audit row must not fail the embedding.
func (s *Service) audit(ctx context.Context, u model.EmbeddingUsage) {
	if err := s.db.InsertEmbeddingUsage(ctx, u); err != nil {
		s.logger.Warn("embedding: audit write failed", "error", err)
	}
}
