package intents_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Tomo/internal/tomo/actions"
	"github.com/bdobrica/Tomo/internal/tomo/intents"
	"github.com/bdobrica/Tomo/internal/tomo/store"
)

func newTestStore(t *testing.T) (*intents.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tomo-test.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return intents.NewStore(st.DB()), dbPath
}

var transferArgs = map[string]string{
	"amount":    "100.00",
	"currency":  "EUR",
	"recipient": "alice",
}

func createTransfer(t *testing.T, s *intents.Store, sessionID string) *intents.Intent {
	t.Helper()
	hash := actions.PayloadHash(actions.KindTransfer, transferArgs)
	intent, created, err := s.Create(context.Background(), sessionID,
		actions.KindTransfer, transferArgs, hash, "Transfer 100.00 EUR to alice", intents.DefaultTTL)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatal("expected a new intent to be created")
	}
	return intent
}

func TestCreate_CoalescesDuplicatePayload(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := createTransfer(t, s, "!room:example.org")

	hash := actions.PayloadHash(actions.KindTransfer, transferArgs)
	second, created, err := s.Create(ctx, "!room:example.org",
		actions.KindTransfer, transferArgs, hash, "Transfer 100.00 EUR to alice", intents.DefaultTTL)
	if err != nil {
		t.Fatalf("Create duplicate: %v", err)
	}
	if created {
		t.Error("duplicate payload must coalesce, not create a second intent")
	}
	if second.ID != first.ID {
		t.Errorf("expected existing intent %s, got %s", first.ID, second.ID)
	}

	pending, err := s.ListPending(ctx, "!room:example.org")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected exactly one pending intent, got %d", len(pending))
	}
}

func TestCreate_DifferentSessionsDoNotCoalesce(t *testing.T) {
	s, _ := newTestStore(t)

	a := createTransfer(t, s, "!alpha:example.org")
	b := createTransfer(t, s, "!beta:example.org")
	if a.ID == b.ID {
		t.Error("intents in different sessions must be independent")
	}
}

func TestClaim_HappyPath(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	intent := createTransfer(t, s, "!room:example.org")

	claimed, err := s.Claim(ctx, intent.ID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != intents.StatusExecuting {
		t.Errorf("expected executing, got %s", claimed.Status)
	}
	if claimed.ClaimedAt == nil {
		t.Error("expected claimed_at to be set")
	}

	if err := s.MarkExecuted(ctx, intent.ID); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}
	got, err := s.Get(ctx, intent.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != intents.StatusExecuted {
		t.Errorf("expected executed, got %s", got.Status)
	}
	if got.ExecutedAt == nil {
		t.Error("expected executed_at to be set")
	}
}

func TestClaim_ExactlyOnceUnderConcurrency(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	intent := createTransfer(t, s, "!room:example.org")

	const racers = 8
	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.Claim(ctx, intent.ID)
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, intents.ErrAlreadyInProgress):
			losses++
		default:
			t.Errorf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winning claim, got %d", wins)
	}
	if losses != racers-1 {
		t.Errorf("expected %d losing claims, got %d", racers-1, losses)
	}
}

func TestClaim_SecondConfirmationAfterExecution(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	intent := createTransfer(t, s, "!room:example.org")
	if _, err := s.Claim(ctx, intent.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.MarkExecuted(ctx, intent.ID); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}

	if _, err := s.Claim(ctx, intent.ID); !errors.Is(err, intents.ErrAlreadyExecuted) {
		t.Errorf("expected ErrAlreadyExecuted, got %v", err)
	}
}

func TestClaim_ExpiredIntent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	hash := actions.PayloadHash(actions.KindTransfer, transferArgs)
	intent, _, err := s.Create(ctx, "!room:example.org",
		actions.KindTransfer, transferArgs, hash, "preview", time.Millisecond)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := s.Claim(ctx, intent.ID); !errors.Is(err, intents.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	// The failed claim must have persisted the expiry.
	got, err := s.Get(ctx, intent.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != intents.StatusExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
}

func TestClaim_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Claim(context.Background(), "no-such-id"); !errors.Is(err, intents.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLatestPending_LazyExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	hash := actions.PayloadHash(actions.KindTransfer, transferArgs)
	if _, _, err := s.Create(ctx, "!room:example.org",
		actions.KindTransfer, transferArgs, hash, "preview", time.Millisecond); err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := s.LatestPending(ctx, "!room:example.org"); !errors.Is(err, intents.ErrNotFound) {
		t.Errorf("expected ErrNotFound after TTL, got %v", err)
	}
}

func TestLatestPending_ReturnsNewest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createTransfer(t, s, "!room:example.org")

	mailArgs := map[string]string{"to": "bob@example.org", "subject": "hi", "body": "hello"}
	mailHash := actions.PayloadHash(actions.KindSendMail, mailArgs)
	newest, _, err := s.Create(ctx, "!room:example.org",
		actions.KindSendMail, mailArgs, mailHash, "Send an email", intents.DefaultTTL)
	if err != nil {
		t.Fatalf("Create mail: %v", err)
	}

	got, err := s.LatestPending(ctx, "!room:example.org")
	if err != nil {
		t.Fatalf("LatestPending: %v", err)
	}
	if got.ID != newest.ID {
		t.Errorf("expected newest intent %s, got %s", newest.ID, got.ID)
	}
}

func TestCancel(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	intent := createTransfer(t, s, "!room:example.org")
	if err := s.Cancel(ctx, intent.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := s.Claim(ctx, intent.ID); !errors.Is(err, intents.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}

	// Cancelling frees the live-payload slot for a fresh request.
	fresh := createTransfer(t, s, "!room:example.org")
	if fresh.ID == intent.ID {
		t.Error("expected a new intent after cancellation")
	}
}

func TestRelease_MakesIntentClaimableAgain(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	intent := createTransfer(t, s, "!room:example.org")
	if _, err := s.Claim(ctx, intent.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.Release(ctx, intent.ID, "upstream timeout"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := s.Get(ctx, intent.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != intents.StatusPending {
		t.Errorf("expected pending after release, got %s", got.Status)
	}
	if got.ErrorNote != "upstream timeout" {
		t.Errorf("expected release note, got %q", got.ErrorNote)
	}

	if _, err := s.Claim(ctx, intent.ID); err != nil {
		t.Errorf("released intent must be claimable again: %v", err)
	}
}

func TestCancelExecuting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	intent := createTransfer(t, s, "!room:example.org")
	if _, err := s.Claim(ctx, intent.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.CancelExecuting(ctx, intent.ID, "recipient rejected"); err != nil {
		t.Fatalf("CancelExecuting: %v", err)
	}

	if _, err := s.Claim(ctx, intent.ID); !errors.Is(err, intents.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestExpireStale_Sweep(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	hash := actions.PayloadHash(actions.KindTransfer, transferArgs)
	if _, _, err := s.Create(ctx, "!room:example.org",
		actions.KindTransfer, transferArgs, hash, "preview", time.Millisecond); err != nil {
		t.Fatalf("Create: %v", err)
	}
	createTransfer(t, s, "!other:example.org")
	time.Sleep(10 * time.Millisecond)

	n, err := s.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired intent, got %d", n)
	}
}

func TestSweepStuck(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	intent := createTransfer(t, s, "!room:example.org")
	if _, err := s.Claim(ctx, intent.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	n, err := s.SweepStuck(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("SweepStuck: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stuck intent cancelled, got %d", n)
	}
	got, err := s.Get(ctx, intent.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != intents.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
}

func TestPendingIntentSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "tomo-test.db")

	first, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	intent := createTransfer(t, intents.NewStore(first.DB()), "!room:example.org")
	if err := first.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	second, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer second.Close()
	s := intents.NewStore(second.DB())

	got, err := s.LatestPending(ctx, "!room:example.org")
	if err != nil {
		t.Fatalf("LatestPending after restart: %v", err)
	}
	if got.ID != intent.ID {
		t.Errorf("expected intent %s after restart, got %s", intent.ID, got.ID)
	}
	if _, err := s.Claim(ctx, got.ID); err != nil {
		t.Errorf("claim after restart: %v", err)
	}
}
