package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/Tonytony5278/narc-sub001/internal/testutil"
	"github.com/Tonytony5278/narc-sub001/models"
	"github.com/Tonytony5278/narc-sub001/repositories"
	"github.com/Tonytony5278/narc-sub001/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var reviewer = models.Actor{ID: "user-42", Role: models.RoleReviewer}

func newTestService(t *testing.T, cfg Config) (*Service, *testutil.Store) {
	t.Helper()
	store := testutil.NewStore()
	return NewService(store.Repositories().Ledger, zap.NewNop(), cfg), store
}

func appendN(t *testing.T, svc *Service, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := svc.Append(context.Background(), AppendRequest{
			Actor:      reviewer,
			Action:     models.LedgerActionAnnotation,
			EntityType: models.SafetyEventEntityType,
			EntityID:   fmt.Sprintf("evt-%d", i%3),
			After:      map[string]interface{}{"note": fmt.Sprintf("n%d", i)},
		}, nil)
		require.NoError(t, err)
	}
}

func TestService_Append(t *testing.T) {
	t.Run("links each entry to its predecessor", func(t *testing.T) {
		svc, store := newTestService(t, DefaultConfig())
		appendN(t, svc, 3)

		entries := store.Entries()
		require.Len(t, entries, 3)
		assert.Equal(t, "", entries[0].PrevHash)
		for i := 1; i < len(entries); i++ {
			assert.Equal(t, int64(i+1), entries[i].Sequence)
			assert.Equal(t, entries[i-1].Hash, entries[i].PrevHash)
		}
	})

	t.Run("records request provenance", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultConfig())

		entry, err := svc.Append(context.Background(), AppendRequest{
			Actor:      reviewer,
			Action:     models.LedgerActionStatusChange,
			EntityType: models.SafetyEventEntityType,
			EntityID:   "evt-1",
			Request:    &models.RequestContext{IPAddress: "10.1.2.3", UserAgent: "curl/8"},
		}, nil)
		require.NoError(t, err)
		require.NotNil(t, entry.IPAddress)
		assert.Equal(t, "10.1.2.3", *entry.IPAddress)
		assert.Equal(t, "curl/8", *entry.UserAgent)
	})

	t.Run("rejects actions outside the vocabulary", func(t *testing.T) {
		svc, store := newTestService(t, DefaultConfig())

		_, err := svc.Append(context.Background(), AppendRequest{
			Actor:      reviewer,
			Action:     models.LedgerAction("approve_everything"),
			EntityType: models.SafetyEventEntityType,
			EntityID:   "evt-1",
		}, nil)
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
		assert.Empty(t, store.Entries())
	})

	t.Run("rejects an unknown role", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultConfig())

		_, err := svc.Append(context.Background(), AppendRequest{
			Actor:      models.Actor{ID: "x", Role: "root"},
			Action:     models.LedgerActionAnnotation,
			EntityType: models.SafetyEventEntityType,
			EntityID:   "evt-1",
		}, nil)
		assert.True(t, services.IsValidationError(err))
	})

	t.Run("requires the entity reference", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultConfig())

		_, err := svc.Append(context.Background(), AppendRequest{
			Actor:  reviewer,
			Action: models.LedgerActionAnnotation,
		}, nil)
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
		assert.NotEmpty(t, services.GetErrorDetails(err))
	})

	t.Run("unencodable snapshot is rejected before sealing", func(t *testing.T) {
		svc, store := newTestService(t, DefaultConfig())

		_, err := svc.Append(context.Background(), AppendRequest{
			Actor:      reviewer,
			Action:     models.LedgerActionAnnotation,
			EntityType: models.SafetyEventEntityType,
			EntityID:   "evt-1",
			After:      map[string]interface{}{"score": math.NaN()},
		}, nil)
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
		assert.Equal(t, "evt-1", services.GetErrorDetails(err)["entity_id"])
		assert.Empty(t, store.Entries())
	})

	t.Run("malformed raw snapshot is rejected", func(t *testing.T) {
		svc, store := newTestService(t, DefaultConfig())

		_, err := svc.Append(context.Background(), AppendRequest{
			Actor:      reviewer,
			Action:     models.LedgerActionAnnotation,
			EntityType: models.SafetyEventEntityType,
			EntityID:   "evt-1",
			Before:     json.RawMessage(`{"note":`),
		}, nil)
		assert.True(t, services.IsValidationError(err))
		assert.Empty(t, store.Entries())
	})

	t.Run("lock timeout surfaces as contention", func(t *testing.T) {
		svc, store := newTestService(t, DefaultConfig())
		store.AppendErr = fmt.Errorf("acquire: %w", repositories.ErrLedgerLockTimeout)

		_, err := svc.Append(context.Background(), AppendRequest{
			Actor: reviewer, Action: models.LedgerActionAnnotation,
			EntityType: models.SafetyEventEntityType, EntityID: "evt-1",
		}, nil)
		assert.True(t, errors.Is(err, services.ErrLedgerContention))
	})

	t.Run("other failures surface as persistence errors", func(t *testing.T) {
		svc, store := newTestService(t, DefaultConfig())
		store.AppendErr = errors.New("connection reset")

		_, err := svc.Append(context.Background(), AppendRequest{
			Actor: reviewer, Action: models.LedgerActionAnnotation,
			EntityType: models.SafetyEventEntityType, EntityID: "evt-1",
		}, nil)
		assert.True(t, errors.Is(err, services.ErrLedgerPersistence))
		assert.False(t, services.IsContentionError(err))
	})
}

func TestService_Append_Concurrent(t *testing.T) {
	const (
		writers   = 8
		perWriter = 25
	)
	svc, store := newTestService(t, DefaultConfig())

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := svc.Append(context.Background(), AppendRequest{
					Actor:      models.Actor{ID: fmt.Sprintf("writer-%d", w), Role: models.RoleAnalyst},
					Action:     models.LedgerActionAnnotation,
					EntityType: models.SafetyEventEntityType,
					EntityID:   fmt.Sprintf("evt-%d", i),
				}, nil)
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries := store.Entries()
	require.Len(t, entries, writers*perWriter)
	seenPrev := make(map[string]bool)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.False(t, seenPrev[e.PrevHash], "fork at sequence %d", e.Sequence)
		seenPrev[e.PrevHash] = true
	}

	result, err := svc.Verify(context.Background(), VerifyRange{})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(writers*perWriter), result.Checked)
}

func TestService_Verify(t *testing.T) {
	t.Run("empty ledger is valid", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultConfig())

		result, err := svc.Verify(context.Background(), VerifyRange{})
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, int64(0), result.Checked)
	})

	t.Run("walks across batch boundaries", func(t *testing.T) {
		svc, _ := newTestService(t, Config{VerifyBatchSize: 4})
		appendN(t, svc, 10)

		result, err := svc.Verify(context.Background(), VerifyRange{})
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, int64(10), result.Checked)
	})

	t.Run("tampered entry is reported at its sequence", func(t *testing.T) {
		tampers := map[string]func(e *models.LedgerEntry){
			"actor":       func(e *models.LedgerEntry) { e.ActorID = "mallory" },
			"action":      func(e *models.LedgerEntry) { e.Action = models.LedgerActionDeletion },
			"entity":      func(e *models.LedgerEntry) { e.EntityID = "evt-other" },
			"after state": func(e *models.LedgerEntry) { e.AfterState = []byte(`{"note":"rewritten"}`) },
			"hash":        func(e *models.LedgerEntry) { e.Hash = "00" },
		}

		for name, tamper := range tampers {
			t.Run(name, func(t *testing.T) {
				svc, store := newTestService(t, Config{VerifyBatchSize: 3})
				appendN(t, svc, 8)
				store.Tamper(5, tamper)

				result, err := svc.Verify(context.Background(), VerifyRange{})
				require.NoError(t, err)
				assert.False(t, result.Valid)
				require.NotNil(t, result.FirstDivergentSequence)
				assert.Equal(t, int64(5), *result.FirstDivergentSequence)
				assert.Equal(t, int64(4), result.Checked)
			})
		}
	})

	t.Run("strict mode returns an integrity error", func(t *testing.T) {
		svc, store := newTestService(t, DefaultConfig())
		appendN(t, svc, 6)
		store.Tamper(3, func(e *models.LedgerEntry) { e.EntityID = "evt-other" })

		result, err := svc.Verify(context.Background(), VerifyRange{Strict: true})
		assert.Nil(t, result)
		require.Error(t, err)
		assert.True(t, services.IsIntegrityError(err))
		details := services.GetErrorDetails(err)
		assert.Equal(t, int64(3), details["first_divergent_sequence"])
		assert.Equal(t, int64(2), details["checked"])

		result, err = svc.Verify(context.Background(), VerifyRange{From: 4, Strict: true})
		require.NoError(t, err)
		assert.True(t, result.Valid)
	})

	t.Run("verification never repairs", func(t *testing.T) {
		svc, store := newTestService(t, DefaultConfig())
		appendN(t, svc, 4)
		store.Tamper(2, func(e *models.LedgerEntry) { e.ActorID = "mallory" })

		_, err := svc.Verify(context.Background(), VerifyRange{})
		require.NoError(t, err)
		assert.Equal(t, "mallory", store.Entries()[1].ActorID)

		again, err := svc.Verify(context.Background(), VerifyRange{})
		require.NoError(t, err)
		assert.False(t, again.Valid)
	})

	t.Run("sub range starts from its predecessor", func(t *testing.T) {
		svc, store := newTestService(t, DefaultConfig())
		appendN(t, svc, 10)
		store.Tamper(2, func(e *models.LedgerEntry) { e.ActorID = "mallory" })

		result, err := svc.Verify(context.Background(), VerifyRange{From: 5, To: 8})
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, int64(4), result.Checked)
	})

	t.Run("range past the tail checks nothing", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultConfig())
		appendN(t, svc, 3)

		result, err := svc.Verify(context.Background(), VerifyRange{From: 10})
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, int64(0), result.Checked)
	})

	t.Run("inverted range is rejected", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultConfig())

		_, err := svc.Verify(context.Background(), VerifyRange{From: 5, To: 2})
		assert.True(t, services.IsValidationError(err))
	})
}

func TestService_Export(t *testing.T) {
	t.Run("pages newest first with the chain tip", func(t *testing.T) {
		svc, store := newTestService(t, DefaultConfig())
		appendN(t, svc, 6)

		page, err := svc.Export(context.Background(), models.LedgerFilter{Limit: 2}, nil, nil)
		require.NoError(t, err)

		entries := store.Entries()
		assert.Equal(t, int64(6), page.Total)
		require.Len(t, page.Entries, 2)
		assert.Equal(t, int64(6), page.Entries[0].Sequence)
		assert.Equal(t, entries[5].Hash, page.ChainTip)
	})

	t.Run("limit is clamped", func(t *testing.T) {
		svc, _ := newTestService(t, Config{MaxPageSize: 3})
		appendN(t, svc, 5)

		page, err := svc.Export(context.Background(), models.LedgerFilter{Limit: 100}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, page.Limit)
		assert.Len(t, page.Entries, 3)
	})

	t.Run("an attributed export is itself recorded", func(t *testing.T) {
		svc, store := newTestService(t, DefaultConfig())
		appendN(t, svc, 2)

		admin := models.Actor{ID: "admin-1", Role: models.RoleAdmin}
		_, err := svc.Export(context.Background(), models.LedgerFilter{}, &admin, nil)
		require.NoError(t, err)

		entries := store.Entries()
		require.Len(t, entries, 3)
		assert.Equal(t, models.LedgerActionExport, entries[2].Action)
		assert.Equal(t, "admin-1", entries[2].ActorID)
	})

	t.Run("recorded export returns its own hash", func(t *testing.T) {
		svc, store := newTestService(t, DefaultConfig())
		appendN(t, svc, 2)

		admin := models.Actor{ID: "admin-1", Role: models.RoleAdmin}
		page, err := svc.Export(context.Background(), models.LedgerFilter{}, &admin, nil)
		require.NoError(t, err)

		entries := store.Entries()
		require.Len(t, entries, 3)
		assert.Equal(t, entries[1].Hash, page.ChainTip)
		assert.Equal(t, entries[2].Hash, page.ExportHash)
		assert.Empty(t, mustExportPage(t, svc).ExportHash)
	})

	t.Run("page and chain tip agree under a concurrent append", func(t *testing.T) {
		store := testutil.NewStore()
		racing := &appendOnTail{LedgerRepository: store.Repositories().Ledger}
		svc := NewService(racing, zap.NewNop(), DefaultConfig())
		appendN(t, svc, 3)

		page, err := svc.Export(context.Background(), models.LedgerFilter{}, nil, nil)
		require.NoError(t, err)

		entries := store.Entries()
		require.Len(t, entries, 4, "the concurrent writer landed")
		assert.Equal(t, int64(3), page.Total)
		require.Len(t, page.Entries, 3)
		assert.Equal(t, int64(3), page.Entries[0].Sequence)
		assert.Equal(t, page.Entries[0].Hash, page.ChainTip)
		assert.Equal(t, entries[2].Hash, page.ChainTip)
	})

	t.Run("entity history filters by entity", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultConfig())
		appendN(t, svc, 6)

		page, err := svc.EntityHistory(context.Background(), models.SafetyEventEntityType, "evt-0", 0, 0, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), page.Total)
		for _, e := range page.Entries {
			assert.Equal(t, "evt-0", e.EntityID)
		}
	})

	t.Run("rejects an unknown action filter", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultConfig())

		_, err := svc.Export(context.Background(), models.LedgerFilter{Action: "bogus"}, nil, nil)
		assert.True(t, services.IsValidationError(err))
	})

	t.Run("rejects an inverted time window", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultConfig())
		from := time.Now()
		to := from.Add(-time.Hour)

		_, err := svc.Export(context.Background(), models.LedgerFilter{From: &from, To: &to}, nil, nil)
		assert.True(t, services.IsValidationError(err))
	})
}

func mustExportPage(t *testing.T, svc *Service) *models.LedgerPage {
	t.Helper()
	page, err := svc.Export(context.Background(), models.LedgerFilter{}, nil, nil)
	require.NoError(t, err)
	return page
}

// appendOnTail lets another writer append right after the first tail read
type appendOnTail struct {
	repositories.LedgerRepository
	once sync.Once
}

func (r *appendOnTail) Tail(ctx context.Context) (*models.LedgerEntry, error) {
	tail, err := r.LedgerRepository.Tail(ctx)
	if err != nil || tail == nil {
		return tail, err
	}
	r.once.Do(func() {
		_, err = r.LedgerRepository.Append(ctx, &models.LedgerEntry{
			ActorID:    "user-7",
			ActorRole:  models.RoleReviewer,
			Action:     models.LedgerActionAnnotation,
			EntityType: models.SafetyEventEntityType,
			EntityID:   "evt-9",
		})
	})
	return tail, err
}
