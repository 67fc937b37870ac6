package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	hashchain "github.com/Tonytony5278/narc-sub001/internal/ledger"
	"github.com/Tonytony5278/narc-sub001/models"
	"github.com/Tonytony5278/narc-sub001/repositories"
	"github.com/Tonytony5278/narc-sub001/services"
	"github.com/Tonytony5278/narc-sub001/utils"
	"go.uber.org/zap"
)

// ExportEntityType is the ledger entity type recorded when the ledger itself is exported
const ExportEntityType = "ledger"

// Config holds configuration for the ledger service
type Config struct {
	VerifyBatchSize int // Entries read per round trip while verifying
	DefaultPageSize int
	MaxPageSize     int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		VerifyBatchSize: 500,
		DefaultPageSize: 50,
		MaxPageSize:     500,
	}
}

// AppendRequest describes one audited action
type AppendRequest struct {
	Actor      models.Actor
	Action     models.LedgerAction
	EntityType string `validate:"required,max=100"`
	EntityID   string `validate:"required,max=255"`
	Before     interface{}
	After      interface{}
	Request    *models.RequestContext
}

// VerifyRange bounds a verification run. Zero From means genesis, zero To means the tail.
type VerifyRange struct {
	From   int64
	To     int64
	Strict bool // Report a divergence as an integrity error instead of a result
}

// VerifyResult reports the outcome of a verification run
type VerifyResult struct {
	Valid                  bool      `json:"valid"`
	Checked                int64     `json:"checked"`
	From                   int64     `json:"from"`
	To                     int64     `json:"to,omitempty"`
	FirstDivergentSequence *int64    `json:"first_divergent_sequence,omitempty"`
	Reason                 string    `json:"reason,omitempty"`
	Detail                 string    `json:"detail,omitempty"`
	VerifiedAt             time.Time `json:"verified_at"`
}

// Service owns every write to the audit ledger and its read paths
type Service struct {
	repo   repositories.LedgerRepository
	cfg    Config
	logger *zap.Logger
}

// NewService creates a new ledger service
func NewService(repo repositories.LedgerRepository, logger *zap.Logger, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.VerifyBatchSize <= 0 {
		cfg.VerifyBatchSize = def.VerifyBatchSize
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = def.DefaultPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = def.MaxPageSize
	}
	return &Service{repo: repo, cfg: cfg, logger: logger}
}

// Append records an action. With a non-nil tx the entry commits or rolls
// back together with the caller's business write.
func (s *Service) Append(ctx context.Context, req AppendRequest, tx repositories.Transaction) (*models.LedgerEntry, error) {
	if err := validateAppend(req); err != nil {
		return nil, err
	}

	entry := models.NewLedgerEntry(req.Actor, req.Action, req.EntityType, req.EntityID).
		WithBefore(req.Before).
		WithAfter(req.After).
		WithRequest(req.Request)
	if err := checkSnapshots(entry); err != nil {
		s.logger.Warn("ledger append rejected",
			zap.String("action", string(req.Action)),
			zap.String("entity_id", req.EntityID),
			zap.Error(err))
		return nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidSnapshot.Message, err).
			WithDetail("entity_id", req.EntityID)
	}

	repo := s.repo
	if tx != nil {
		repo = repo.WithTx(tx)
	}

	appended, err := repo.Append(ctx, entry)
	if err != nil {
		wrapped := services.WrapLedgerError(err)
		if services.IsContentionError(wrapped) {
			s.logger.Warn("ledger append contention",
				zap.String("action", string(req.Action)),
				zap.String("entity_id", req.EntityID),
				zap.Error(err))
		} else {
			s.logger.Error("ledger append failed",
				zap.String("action", string(req.Action)),
				zap.String("entity_id", req.EntityID),
				zap.Error(err))
		}
		return nil, wrapped
	}

	return appended, nil
}

// checkSnapshots fails on snapshots that could not be encoded or that the
// canonical form cannot represent, so nothing is sealed with a lost state.
func checkSnapshots(entry *models.LedgerEntry) error {
	if err := entry.SnapshotErr(); err != nil {
		return err
	}
	for _, raw := range []json.RawMessage{entry.BeforeState, entry.AfterState} {
		if _, err := hashchain.CanonicalJSON(raw); err != nil {
			return err
		}
	}
	return nil
}

func validateAppend(req AppendRequest) error {
	if !req.Action.Valid() {
		return services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidAction.Message, nil).
			WithDetail("action", string(req.Action))
	}
	if req.Actor.ID == "" || !req.Actor.Role.Valid() {
		return services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidActorRole.Message, nil).
			WithDetail("actor_id", req.Actor.ID).
			WithDetail("actor_role", string(req.Actor.Role))
	}
	if err := utils.ValidateStruct(req); err != nil {
		domainErr := services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidInput.Message, err)
		for field, msg := range utils.GetValidationFields(err) {
			domainErr.WithDetail(field, msg)
		}
		return domainErr
	}
	return nil
}

// Verify walks the chain in ascending order and reports the first entry that
// does not verify. It never modifies stored entries.
func (s *Service) Verify(ctx context.Context, rng VerifyRange) (*VerifyResult, error) {
	result, err := s.verify(ctx, rng)
	if err != nil || result.Valid || !rng.Strict {
		return result, err
	}
	domainErr := services.NewDomainError(services.ErrorTypeIntegrity, services.ErrChainDivergence.Message, nil).
		WithDetail("reason", result.Reason).
		WithDetail("checked", result.Checked)
	if result.FirstDivergentSequence != nil {
		domainErr.WithDetail("first_divergent_sequence", *result.FirstDivergentSequence)
	}
	return nil, domainErr
}

func (s *Service) verify(ctx context.Context, rng VerifyRange) (*VerifyResult, error) {
	if rng.From < 1 {
		rng.From = 1
	}
	if rng.To < 0 || (rng.To > 0 && rng.To < rng.From) {
		return nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidRange.Message, nil).
			WithDetail("from", rng.From).
			WithDetail("to", rng.To)
	}

	result := &VerifyResult{Valid: true, From: rng.From, To: rng.To, VerifiedAt: time.Now().UTC()}

	verifier := hashchain.NewChainVerifier()
	if rng.From > 1 {
		predecessor, err := s.repo.GetBySequence(ctx, rng.From-1)
		if err != nil {
			if !errors.Is(err, repositories.ErrNotFound) {
				return nil, services.WrapInternal("failed to load range predecessor", err)
			}
			return s.missingPredecessor(ctx, rng, result)
		}
		verifier = hashchain.NewChainVerifierAfter(predecessor)
	}

	after := rng.From - 1
	for {
		batch, err := s.repo.ListAscending(ctx, after, rng.To, s.cfg.VerifyBatchSize)
		if err != nil {
			return nil, services.WrapInternal("failed to read ledger", err)
		}

		for _, entry := range batch {
			if d := verifier.Check(entry); d != nil {
				s.reportDivergence(result, d, verifier.Checked())
				return result, nil
			}
		}

		result.Checked = verifier.Checked()
		if len(batch) < s.cfg.VerifyBatchSize {
			break
		}
		after = batch[len(batch)-1].Sequence

		if err := ctx.Err(); err != nil {
			return nil, services.WrapInternal("verification cancelled", err)
		}
	}

	s.logger.Info("ledger verified",
		zap.Stringer("range", rng),
		zap.Int64("checked", result.Checked))
	return result, nil
}

// missingPredecessor distinguishes a range past the tail (nothing to check)
// from a hole right before the range start.
func (s *Service) missingPredecessor(ctx context.Context, rng VerifyRange, result *VerifyResult) (*VerifyResult, error) {
	tail, err := s.repo.Tail(ctx)
	if err != nil {
		return nil, services.WrapInternal("failed to read ledger tail", err)
	}
	if tail == nil || tail.Sequence < rng.From {
		return result, nil
	}
	s.reportDivergence(result, &hashchain.Divergence{
		Sequence: rng.From - 1,
		Reason:   hashchain.ReasonSequenceGap,
		Detail:   "entry missing",
	}, 0)
	return result, nil
}

func (s *Service) reportDivergence(result *VerifyResult, d *hashchain.Divergence, checked int64) {
	seq := d.Sequence
	result.Valid = false
	result.Checked = checked
	result.FirstDivergentSequence = &seq
	result.Reason = d.Reason
	result.Detail = d.Detail

	s.logger.Error("ledger chain divergence detected",
		zap.Int64("sequence", d.Sequence),
		zap.String("reason", d.Reason),
		zap.String("detail", d.Detail),
		zap.Int64("verified_before_divergence", checked))
}

// Export returns a filtered page of entries, newest first, together with the
// chain tip the page was read against. When an actor is given the export
// itself is recorded and its hash returned as ExportHash.
func (s *Service) Export(ctx context.Context, filter models.LedgerFilter, actor *models.Actor, rc *models.RequestContext) (*models.LedgerPage, error) {
	if filter.Action != "" && !filter.Action.Valid() {
		return nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidAction.Message, nil).
			WithDetail("action", string(filter.Action))
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidInput.Message, nil).
			WithDetail("to", "must not be before from")
	}
	if filter.Limit <= 0 {
		filter.Limit = s.cfg.DefaultPageSize
	}
	if filter.Limit > s.cfg.MaxPageSize {
		filter.Limit = s.cfg.MaxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// the tip is read first and bounds the page, so entries appended while
	// the export runs cannot appear without the tip covering them
	tail, err := s.repo.Tail(ctx)
	if err != nil {
		return nil, services.WrapInternal("failed to read ledger tail", err)
	}
	page := &models.LedgerPage{
		Entries: []*models.LedgerEntry{},
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}
	if tail != nil {
		page.ChainTip = tail.Hash
		filter.MaxSequence = tail.Sequence

		entries, total, err := s.repo.Query(ctx, filter)
		if err != nil {
			return nil, services.WrapInternal("failed to query ledger", err)
		}
		if entries != nil {
			page.Entries = entries
		}
		page.Total = total
	}

	if actor != nil {
		recorded, err := s.Append(ctx, AppendRequest{
			Actor:      *actor,
			Action:     models.LedgerActionExport,
			EntityType: ExportEntityType,
			EntityID:   "ledger_entries",
			After:      exportSummary(filter, page),
			Request:    rc,
		}, nil)
		if err != nil {
			return nil, err
		}
		page.ExportHash = recorded.Hash
	}

	return page, nil
}

// EntityHistory returns the entries recorded for one entity
func (s *Service) EntityHistory(ctx context.Context, entityType, entityID string, limit, offset int, actor *models.Actor, rc *models.RequestContext) (*models.LedgerPage, error) {
	if entityType == "" || entityID == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidInput.Message, nil).
			WithDetail("entity", "entity type and id are required")
	}
	return s.Export(ctx, models.LedgerFilter{
		EntityType: entityType,
		EntityID:   entityID,
		Limit:      limit,
		Offset:     offset,
	}, actor, rc)
}

func exportSummary(filter models.LedgerFilter, page *models.LedgerPage) map[string]interface{} {
	summary := map[string]interface{}{
		"returned":  len(page.Entries),
		"total":     page.Total,
		"limit":     page.Limit,
		"offset":    page.Offset,
		"chain_tip": page.ChainTip,
	}
	if filter.MaxSequence > 0 {
		summary["max_sequence"] = filter.MaxSequence
	}
	if filter.From != nil {
		summary["from"] = filter.From.UTC().Format(time.RFC3339)
	}
	if filter.To != nil {
		summary["to"] = filter.To.UTC().Format(time.RFC3339)
	}
	for key, value := range map[string]string{
		"actor_id":    filter.ActorID,
		"action":      string(filter.Action),
		"entity_type": filter.EntityType,
		"entity_id":   filter.EntityID,
	} {
		if value != "" {
			summary[key] = value
		}
	}
	return summary
}

// String renders a range for log lines
func (r VerifyRange) String() string {
	if r.To == 0 {
		return fmt.Sprintf("%d..tail", r.From)
	}
	return fmt.Sprintf("%d..%d", r.From, r.To)
}
