package confirm_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Tomo/internal/tomo/actions"
	"github.com/bdobrica/Tomo/internal/tomo/confirm"
	"github.com/bdobrica/Tomo/internal/tomo/gateway"
	"github.com/bdobrica/Tomo/internal/tomo/intents"
	"github.com/bdobrica/Tomo/internal/tomo/session"
	"github.com/bdobrica/Tomo/internal/tomo/store"
)

// temporaryError marks itself transient for the gateway's retry check.
type temporaryError struct{ msg string }

func (e *temporaryError) Error() string   { return e.msg }
func (e *temporaryError) Temporary() bool { return true }

type harness struct {
	flow     *confirm.Flow
	gateway  *gateway.Gateway
	intents  *intents.Store
	tracker  *session.Tracker
	executed *int
}

func newHarness(t *testing.T, transferHandler actions.Handler, opts ...gateway.Option) *harness {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "tomo-test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg, err := actions.DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	executed := 0
	if transferHandler == nil {
		transferHandler = actions.HandlerFunc(func(ctx context.Context, a *actions.Action) (*actions.Response, error) {
			executed++
			return &actions.Response{Output: "Sent " + a.Args["amount"].(string) + " EUR to alice."}, nil
		})
	}
	reg.RegisterPrimary(actions.KindTransfer, transferHandler)

	intentStore := intents.NewStore(st.DB())
	gw := gateway.New(reg, intentStore, st, opts...)
	return &harness{
		flow:     confirm.New(intentStore, gw, st, nil),
		gateway:  gw,
		intents:  intentStore,
		tracker:  session.NewTracker(session.DefaultTrackerConfig()),
		executed: &executed,
	}
}

func (h *harness) session(t *testing.T) *session.Session {
	t.Helper()
	return h.tracker.RecordMessage("!room:example.org", "@alice:example.org", session.RoleUser, "yes")
}

func transferAction() *actions.Action {
	return &actions.Action{
		Kind: actions.KindTransfer,
		Args: map[string]any{"amount": "100.00", "currency": "EUR", "recipient": "alice"},
	}
}

// requestTransfer runs the preview step and records the confirmation prompt
// into the session transcript, like the app's turn loop does.
func (h *harness) requestTransfer(t *testing.T) *gateway.Result {
	t.Helper()
	res, err := h.gateway.Execute(context.Background(), session.Key("!room:example.org", "@alice:example.org"), transferAction())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	h.tracker.RecordMessage("!room:example.org", "@alice:example.org", session.RoleAssistant, res.Output)
	if res.Pending != nil {
		h.tracker.SetPendingIntent("!room:example.org", "@alice:example.org", res.Pending.ID)
	}
	return res
}

func TestAffirm_ExecutesPendingTransfer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res := h.requestTransfer(t)
	if *h.executed != 0 {
		t.Fatal("transfer must not run before confirmation")
	}

	outcome, err := h.flow.Affirm(ctx, h.session(t))
	if err != nil {
		t.Fatalf("Affirm: %v", err)
	}
	if *h.executed != 1 {
		t.Fatalf("expected exactly one execution, got %d", *h.executed)
	}
	if !strings.Contains(outcome.Reply, "Sent 100.00 EUR to alice") {
		t.Errorf("unexpected reply: %q", outcome.Reply)
	}
	if outcome.PendingIntentID != "" {
		t.Error("nothing should remain pending after execution")
	}

	got, err := h.intents.Get(ctx, res.Pending.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != intents.StatusExecuted {
		t.Errorf("expected executed, got %s", got.Status)
	}
}

func TestAffirm_SecondYesDoesNotRepeat(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.requestTransfer(t)
	if _, err := h.flow.Affirm(ctx, h.session(t)); err != nil {
		t.Fatalf("first Affirm: %v", err)
	}
	h.tracker.ClearPendingIntent("!room:example.org", "@alice:example.org")

	outcome, err := h.flow.Affirm(ctx, h.session(t))
	if err != nil {
		t.Fatalf("second Affirm: %v", err)
	}
	if *h.executed != 1 {
		t.Fatalf("second yes must not execute again, got %d executions", *h.executed)
	}
	// The first yes resolved the only pending intent; with the advisory
	// pointer cleared the second yes finds nothing, and the transcript's
	// marker only re-proposes — it never executes.
	if !strings.Contains(outcome.Reply, "fresh confirmation") && outcome.Reply != confirm.NothingPendingMessage {
		t.Errorf("unexpected reply: %q", outcome.Reply)
	}
}

func TestAffirm_StalePointerDefersToStore(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res := h.requestTransfer(t)
	// Point the session at a bogus intent; the store's pending row wins.
	h.tracker.SetPendingIntent("!room:example.org", "@alice:example.org", "deadbeef")

	outcome, err := h.flow.Affirm(ctx, h.session(t))
	if err != nil {
		t.Fatalf("Affirm: %v", err)
	}
	if *h.executed != 1 {
		t.Fatalf("expected execution despite stale pointer, got %d", *h.executed)
	}
	if outcome.PendingIntentID != "" {
		t.Error("expected no pending intent after execution")
	}
	got, _ := h.intents.Get(ctx, res.Pending.ID)
	if got.Status != intents.StatusExecuted {
		t.Errorf("expected executed, got %s", got.Status)
	}
}

func TestRefuse_CancelsPendingTransfer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res := h.requestTransfer(t)
	outcome, err := h.flow.Refuse(ctx, h.session(t))
	if err != nil {
		t.Fatalf("Refuse: %v", err)
	}
	if outcome.Reply != confirm.CancelledMessage {
		t.Errorf("unexpected reply: %q", outcome.Reply)
	}
	if *h.executed != 0 {
		t.Error("refused transfer must never execute")
	}

	got, _ := h.intents.Get(ctx, res.Pending.ID)
	if got.Status != intents.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
}

func TestRefuse_NothingPending(t *testing.T) {
	h := newHarness(t, nil)
	outcome, err := h.flow.Refuse(context.Background(), h.session(t))
	if err != nil {
		t.Fatalf("Refuse: %v", err)
	}
	if outcome.Reply != confirm.NothingPendingMessage {
		t.Errorf("unexpected reply: %q", outcome.Reply)
	}
}

func TestAffirm_ConcurrentYesExecutesOnce(t *testing.T) {
	slow := actions.HandlerFunc(func(ctx context.Context, a *actions.Action) (*actions.Response, error) {
		time.Sleep(20 * time.Millisecond)
		return &actions.Response{Output: "done"}, nil
	})
	h := newHarness(t, slow)
	ctx := context.Background()

	h.requestTransfer(t)

	const racers = 4
	var wg sync.WaitGroup
	replies := make([]string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := h.flow.Affirm(ctx, h.session(t))
			if err != nil {
				t.Errorf("Affirm: %v", err)
				return
			}
			replies[i] = outcome.Reply
		}(i)
	}
	wg.Wait()

	var done, inProgress int
	for _, r := range replies {
		switch r {
		case "done":
			done++
		case confirm.AlreadyInProgressMessage, confirm.AlreadyDoneMessage, confirm.NothingPendingMessage:
			inProgress++
		default:
			t.Errorf("unexpected reply: %q", r)
		}
	}
	if done != 1 {
		t.Errorf("expected exactly one execution, got %d", done)
	}
}

func TestAffirm_ExpiredIntent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Recreate the gateway path with a tiny TTL by writing directly.
	hash := actions.PayloadHash(actions.KindTransfer, map[string]string{
		"amount": "100.00", "currency": "EUR", "recipient": "alice"})
	intent, _, err := h.intents.Create(ctx,
		session.Key("!room:example.org", "@alice:example.org"),
		actions.KindTransfer,
		map[string]string{"amount": "100.00", "currency": "EUR", "recipient": "alice"},
		hash, "Transfer 100.00 EUR to alice", time.Millisecond)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.tracker.SetPendingIntent("!room:example.org", "@alice:example.org", intent.ID)
	time.Sleep(10 * time.Millisecond)

	outcome, err := h.flow.Affirm(ctx, h.session(t))
	if err != nil {
		t.Fatalf("Affirm: %v", err)
	}
	if *h.executed != 0 {
		t.Error("expired intent must never execute")
	}
	// Lazy expiry means the lookup may already see nothing pending; either
	// way the user is told to ask again / that nothing is waiting.
	if outcome.Reply != confirm.ExpiredMessage && outcome.Reply != confirm.NothingPendingMessage {
		t.Errorf("unexpected reply: %q", outcome.Reply)
	}
}

func TestAffirm_TemporaryFailureReleasesForRetry(t *testing.T) {
	calls := 0
	flaky := actions.HandlerFunc(func(ctx context.Context, a *actions.Action) (*actions.Response, error) {
		calls++
		if calls == 1 {
			return nil, &temporaryError{msg: "bank gateway timeout"}
		}
		return &actions.Response{Output: "Sent."}, nil
	})
	h := newHarness(t, flaky)
	ctx := context.Background()

	res := h.requestTransfer(t)

	outcome, err := h.flow.Affirm(ctx, h.session(t))
	if err != nil {
		t.Fatalf("first Affirm: %v", err)
	}
	if outcome.PendingIntentID != res.Pending.ID {
		t.Error("transient failure must keep the intent pending for retry")
	}
	if !strings.Contains(outcome.Reply, "try again") {
		t.Errorf("unexpected reply: %q", outcome.Reply)
	}

	outcome, err = h.flow.Affirm(ctx, h.session(t))
	if err != nil {
		t.Fatalf("second Affirm: %v", err)
	}
	if outcome.Reply != "Sent." {
		t.Errorf("retry should have executed, got %q", outcome.Reply)
	}
}

func TestAffirm_PermanentFailureCancels(t *testing.T) {
	broken := actions.HandlerFunc(func(ctx context.Context, a *actions.Action) (*actions.Response, error) {
		return nil, errors.New("recipient account closed")
	})
	h := newHarness(t, broken)
	ctx := context.Background()

	res := h.requestTransfer(t)
	outcome, err := h.flow.Affirm(ctx, h.session(t))
	if err != nil {
		t.Fatalf("Affirm: %v", err)
	}
	if !strings.Contains(outcome.Reply, "cancelled") {
		t.Errorf("unexpected reply: %q", outcome.Reply)
	}
	if outcome.PendingIntentID != "" {
		t.Error("permanent failure must not leave the intent pending")
	}

	got, _ := h.intents.Get(ctx, res.Pending.ID)
	if got.Status != intents.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
}

func TestAffirm_RecoversFromTranscriptMarker(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Simulate a restart: the prompt (with marker) is in the transcript but
	// the database has no pending row and the advisory pointer is gone.
	marker, err := gateway.FormatActionMarker(actions.KindTransfer, map[string]string{
		"amount": "100.00", "currency": "EUR", "recipient": "alice"})
	if err != nil {
		t.Fatalf("FormatActionMarker: %v", err)
	}
	h.tracker.RecordMessage("!room:example.org", "@alice:example.org", session.RoleAssistant,
		"Transfer 100.00 EUR to alice\n\nReply \"yes\" to proceed.\n\n"+marker)

	outcome, err := h.flow.Affirm(ctx, h.session(t))
	if err != nil {
		t.Fatalf("Affirm: %v", err)
	}
	if *h.executed != 0 {
		t.Fatal("recovery must re-propose, never execute directly")
	}
	if outcome.PendingIntentID == "" {
		t.Fatal("expected a fresh pending intent")
	}
	if !strings.Contains(outcome.Reply, "fresh confirmation") {
		t.Errorf("unexpected reply: %q", outcome.Reply)
	}

	// The fresh intent confirms normally.
	h.tracker.SetPendingIntent("!room:example.org", "@alice:example.org", outcome.PendingIntentID)
	second, err := h.flow.Affirm(ctx, h.session(t))
	if err != nil {
		t.Fatalf("second Affirm: %v", err)
	}
	if *h.executed != 1 {
		t.Fatalf("expected one execution after re-confirmation, got %d", *h.executed)
	}
	if !strings.Contains(second.Reply, "Sent 100.00 EUR to alice") {
		t.Errorf("unexpected reply: %q", second.Reply)
	}
}

func TestAffirm_NoMarkerNothingPending(t *testing.T) {
	h := newHarness(t, nil)
	h.tracker.RecordMessage("!room:example.org", "@alice:example.org", session.RoleAssistant, "Hello!")

	outcome, err := h.flow.Affirm(context.Background(), h.session(t))
	if err != nil {
		t.Fatalf("Affirm: %v", err)
	}
	if outcome.Reply != confirm.NothingPendingMessage {
		t.Errorf("unexpected reply: %q", outcome.Reply)
	}
}

func TestListPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	outcome, err := h.flow.ListPending(ctx, h.session(t))
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if outcome.Reply != confirm.NothingPendingMessage {
		t.Errorf("unexpected reply: %q", outcome.Reply)
	}

	h.requestTransfer(t)
	outcome, err = h.flow.ListPending(ctx, h.session(t))
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if !strings.Contains(outcome.Reply, "Transfer 100.00 EUR to alice") {
		t.Errorf("unexpected reply: %q", outcome.Reply)
	}
	if outcome.PendingIntentID == "" {
		t.Error("expected the pending intent pointer to be set")
	}
}
