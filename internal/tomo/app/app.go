// Package app wires Tomo's components together and runs the turn loop:
// message in, intent resolution, planning or confirmation, execution, reply
// out.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/Tomo/common/trace"
	"github.com/bdobrica/Tomo/internal/tomo/actions"
	"github.com/bdobrica/Tomo/internal/tomo/confirm"
	"github.com/bdobrica/Tomo/internal/tomo/gateway"
	"github.com/bdobrica/Tomo/internal/tomo/intents"
	"github.com/bdobrica/Tomo/internal/tomo/matrix"
	"github.com/bdobrica/Tomo/internal/tomo/planner"
	"github.com/bdobrica/Tomo/internal/tomo/providers"
	"github.com/bdobrica/Tomo/internal/tomo/resolver"
	"github.com/bdobrica/Tomo/internal/tomo/session"
	"github.com/bdobrica/Tomo/internal/tomo/store"
)

// Config holds the full application configuration.
type Config struct {
	DBPath string

	// Matrix transport.
	MatrixHomeserver  string
	MatrixUserID      string
	MatrixAccessToken string
	AllowedRooms      []string

	// Planner (LLM). An empty APIKey disables the planner; only the
	// deterministic vocabulary works then.
	PlannerAPIKey    string
	PlannerBaseURL   string
	PlannerModel     string
	PlannerRateLimit int
	TokenBudget      int

	// Action providers.
	Bank      providers.BankConfig
	Mail      providers.MailConfig
	Documents providers.DocumentsConfig
	Records   providers.RecordsConfig

	// VocabularyPath optionally replaces the embedded resolver vocabulary.
	VocabularyPath string

	// IntentTTL overrides how long confirmations stay claimable.
	IntentTTL time.Duration

	// SweepInterval controls the background maintenance cadence.
	SweepInterval time.Duration
}

// PlannerDisabledMessage is the reply for delegated messages when no LLM is
// configured.
const PlannerDisabledMessage = "I can only handle direct commands right now — try \"balance\", \"look up <something>\" or \"status of <reference>\"."

// App is the assembled application.
type App struct {
	cfg Config

	store    *store.Store
	intents  *intents.Store
	registry *actions.Registry
	resolver *resolver.Resolver
	planner  *planner.Planner
	gateway  *gateway.Gateway
	flow     *confirm.Flow
	tracker  *session.Tracker
	matrix   *matrix.Client
	log      *slog.Logger

	stopCh chan struct{}
}

// New builds the application: opens the database, wires every handler into
// the registry and validates it, so a misconfiguration fails here and not
// mid-conversation.
func New(cfg Config) (*App, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry, err := actions.DefaultRegistry()
	if err != nil {
		st.Close()
		return nil, err
	}

	bank := providers.NewBank(cfg.Bank)
	mail := providers.NewMail(cfg.Mail)
	docs := providers.NewDocuments(cfg.Documents)
	legacyDocs := providers.NewLegacyRegistry(cfg.Documents)
	records := providers.NewRecords(cfg.Records)

	registry.RegisterPrimary(actions.KindTransfer, bank)
	registry.RegisterPrimary(actions.KindBalance, bank)
	registry.RegisterPrimary(actions.KindSendMail, mail)
	registry.RegisterPrimary(actions.KindRegisterDoc, docs)
	registry.RegisterLegacy(actions.KindRegisterDoc, legacyDocs)
	// documents.status and records.lookup have no primary handler; they
	// reach their category's routed executor through the router.
	registry.RegisterRouted(actions.CategoryPayments, bank)
	registry.RegisterRouted(actions.CategoryMail, mail)
	registry.RegisterRouted(actions.CategoryDocuments, docs)
	registry.RegisterRouted(actions.CategoryRecords, records)

	if err := registry.Validate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("action registry is misconfigured: %w", err)
	}

	vocab, err := loadVocabulary(cfg.VocabularyPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	intentStore := intents.NewStore(st.DB())
	var gwOpts []gateway.Option
	if cfg.IntentTTL > 0 {
		gwOpts = append(gwOpts, gateway.WithTTL(cfg.IntentTTL))
	}
	gw := gateway.New(registry, intentStore, st, gwOpts...)

	var plan *planner.Planner
	if cfg.PlannerAPIKey != "" {
		provider := planner.NewProvider(planner.ProviderConfig{
			APIKey:  cfg.PlannerAPIKey,
			BaseURL: cfg.PlannerBaseURL,
			Model:   cfg.PlannerModel,
		})
		plan = planner.New(provider, registry,
			planner.NewRateLimiter(cfg.PlannerRateLimit, 0),
			planner.NewTokenBudget(cfg.TokenBudget), nil)
	} else {
		slog.Warn("no planner API key configured; free-form requests are disabled")
	}

	app := &App{
		cfg:      cfg,
		store:    st,
		intents:  intentStore,
		registry: registry,
		resolver: resolver.New(vocab),
		planner:  plan,
		gateway:  gw,
		flow:     confirm.New(intentStore, gw, st, nil),
		tracker:  session.NewTracker(session.DefaultTrackerConfig()),
		log:      slog.Default(),
		stopCh:   make(chan struct{}),
	}

	if cfg.MatrixHomeserver != "" {
		client, err := matrix.New(&matrix.Config{
			Homeserver:   cfg.MatrixHomeserver,
			UserID:       cfg.MatrixUserID,
			AccessToken:  cfg.MatrixAccessToken,
			AllowedRooms: cfg.AllowedRooms,
			DB:           st.DB(),
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		app.matrix = client
	}

	return app, nil
}

func loadVocabulary(path string) (*resolver.Vocabulary, error) {
	if path != "" {
		return resolver.LoadVocabulary(path)
	}
	return resolver.DefaultVocabulary()
}

// Run starts the Matrix sync and the background maintenance loop, blocking
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.matrix == nil {
		return errors.New("no Matrix transport configured")
	}

	if err := a.matrix.Start(ctx, a.onMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}
	a.log.Info("Tomo is up", "rooms", len(a.cfg.AllowedRooms))

	go a.maintenanceLoop(ctx)

	<-ctx.Done()
	a.Stop()
	return nil
}

// Stop shuts down the transport and the store.
func (a *App) Stop() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	if a.matrix != nil {
		a.matrix.Stop()
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("failed to close store", "error", err)
	}
	a.log.Info("Tomo stopped")
}

// maintenanceLoop periodically expires stale intents, cancels stuck
// executions, and drops idle sessions.
func (a *App) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			if n, err := a.intents.ExpireStale(ctx); err != nil {
				a.log.Error("intent expiry sweep failed", "error", err)
			} else if n > 0 {
				a.log.Info("expired stale intents", "count", n)
			}
			if n, err := a.intents.SweepStuck(ctx, intents.DefaultMaxExecution); err != nil {
				a.log.Error("stuck intent sweep failed", "error", err)
			} else if n > 0 {
				a.log.Warn("cancelled stuck intents", "count", n)
			}
			if n := a.tracker.ExpireStale(time.Now()); n > 0 {
				a.log.Debug("dropped idle sessions", "count", n)
			}
		}
	}
}

// onMessage is the Matrix entry point for one turn.
func (a *App) onMessage(ctx context.Context, msg *matrix.Incoming) {
	reply := a.HandleTurn(ctx, msg.RoomID, msg.Sender, msg.Body)
	if reply == "" {
		return
	}
	if err := a.matrix.SendMessage(ctx, msg.RoomID, reply); err != nil {
		a.log.Error("failed to send reply", "room", msg.RoomID, "error", err)
	}
}

// HandleTurn processes one user message and returns the reply text.
// Exported separately from the Matrix plumbing so the whole pipeline is
// testable without a homeserver.
func (a *App) HandleTurn(ctx context.Context, roomID, sender, body string) string {
	ctx = trace.WithTurnID(ctx, trace.GenerateID())
	log := a.log.With("turn_id", trace.FromContext(ctx), "room", roomID, "sender", sender)

	sess := a.tracker.RecordMessage(roomID, sender, session.RoleUser, body)
	sess = a.refreshPendingPointer(ctx, sess)

	decision := a.resolver.Resolve(body, sess.PendingIntentID != "")
	log.Debug("message resolved", "decision", decision.Kind)

	var reply string
	switch decision.Kind {
	case resolver.DecisionAffirm:
		reply = a.handleConfirmation(ctx, sess, log, a.flow.Affirm)
	case resolver.DecisionRefuse:
		reply = a.handleConfirmation(ctx, sess, log, a.flow.Refuse)
	case resolver.DecisionListPending:
		reply = a.handleConfirmation(ctx, sess, log, a.flow.ListPending)
	case resolver.DecisionHelp:
		reply = a.helpReply()
	case resolver.DecisionAction:
		reply = a.executeAction(ctx, sess, log, decision.Action)
	default:
		reply = a.delegateToPlanner(ctx, sess, log, body)
	}

	a.tracker.RecordMessage(roomID, sender, session.RoleAssistant, reply)
	return reply
}

// refreshPendingPointer reconciles the in-memory pointer with the store so
// a pending confirmation survives restarts and idle-session eviction.
func (a *App) refreshPendingPointer(ctx context.Context, sess *session.Session) *session.Session {
	if sess.PendingIntentID != "" {
		return sess
	}
	pending, err := a.intents.LatestPending(ctx, sess.Key())
	if err != nil {
		if !errors.Is(err, intents.ErrNotFound) {
			a.log.Error("failed to check pending intents", "error", err)
		}
		return sess
	}
	a.tracker.SetPendingIntent(sess.RoomID, sess.SenderID, pending.ID)
	sess.PendingIntentID = pending.ID
	return sess
}

func (a *App) handleConfirmation(ctx context.Context, sess *session.Session, log *slog.Logger,
	handle func(context.Context, *session.Session) (*confirm.Outcome, error)) string {

	outcome, err := handle(ctx, sess)
	if err != nil {
		log.Error("confirmation handling failed", "error", err)
		return "Something went wrong on my side; nothing was executed."
	}
	a.tracker.SetPendingIntent(sess.RoomID, sess.SenderID, outcome.PendingIntentID)
	return outcome.Reply
}

func (a *App) executeAction(ctx context.Context, sess *session.Session, log *slog.Logger, action *actions.Action) string {
	result, err := a.gateway.Execute(ctx, sess.Key(), action)
	if err != nil {
		log.Warn("action execution failed", "kind", action.Kind, "error", err)
		return errorReply(err)
	}
	if result.Pending != nil {
		a.tracker.SetPendingIntent(sess.RoomID, sess.SenderID, result.Pending.ID)
	}
	a.rememberAction(sess, action, result.Pending)
	return result.Output
}

// rememberAction feeds the action's normalized arguments into the session's
// working memory so follow-up messages can refer back to them.
func (a *App) rememberAction(sess *session.Session, action *actions.Action, pending *intents.Intent) {
	args := map[string]string{}
	if pending != nil {
		args = pending.Args
	} else if normalized, err := actions.Normalize(action); err == nil {
		args = normalized
	}
	a.tracker.RecordEntities(sess.RoomID, sess.SenderID, args)
	if currency := args["currency"]; currency != "" {
		a.tracker.SetPreference(sess.RoomID, sess.SenderID, "currency", currency)
	}
}

// helpReply lists the assistant's capabilities from the action registry.
func (a *App) helpReply() string {
	var b strings.Builder
	b.WriteString("Here's what I can do:\n")
	for _, spec := range a.registry.Catalogue() {
		fmt.Fprintf(&b, "- %s", spec.Description)
		if spec.Sensitive {
			b.WriteString(" (asks for confirmation first)")
		}
		b.WriteString("\n")
	}
	b.WriteString("You can also say \"pending\" to see requests waiting for your confirmation.")
	return b.String()
}

func (a *App) delegateToPlanner(ctx context.Context, sess *session.Session, log *slog.Logger, body string) string {
	if a.planner == nil {
		return PlannerDisabledMessage
	}

	history := make([]planner.HistoryMessage, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		history = append(history, planner.HistoryMessage{Role: string(m.Role), Content: m.Content})
	}
	// The current message is already the transcript tail; the planner gets
	// it separately.
	if len(history) > 0 {
		history = history[:len(history)-1]
	}

	plan, err := a.planner.Plan(ctx, sess.SenderID, body, &planner.Turn{
		History:     history,
		Entities:    sess.Entities,
		Preferences: sess.Preferences,
	})
	if err != nil {
		log.Error("planning failed", "error", err)
		return "I couldn't process that right now. Please try again."
	}
	if plan.Action != nil {
		return a.executeAction(ctx, sess, log, plan.Action)
	}
	return plan.Reply
}

// errorReply maps classified gateway errors to user-facing replies.
func errorReply(err error) string {
	switch gateway.KindOf(err) {
	case gateway.KindInvalidArguments:
		return fmt.Sprintf("I can't do that as asked: %s.", trimClassification(err))
	case gateway.KindHandlerNotFound, gateway.KindFallbackDestinationMissing, gateway.KindFallbackLoop:
		return "I can't perform that action right now; the problem has been logged."
	case gateway.KindExecutionFailure:
		if gateway.IsRetryable(err) {
			return "That failed because of a temporary problem upstream. Please try again in a moment."
		}
		return fmt.Sprintf("That didn't work: %s.", trimClassification(err))
	default:
		return "Something went wrong on my side; nothing was executed."
	}
}

func trimClassification(err error) string {
	var gerr *gateway.Error
	if errors.As(err, &gerr) && gerr.Err != nil {
		return gerr.Err.Error()
	}
	return err.Error()
}
