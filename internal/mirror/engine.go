package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/imagemirror/internal/media"
)

// Options configures the forwarding engine.
type Options struct {
	SourceChannelIDs   []string
	TargetChannelID    string
	SkipUnchangedEdits bool
}

// Engine turns message events into mirror actions on the target channel.
// Handlers may run concurrently; they share only the ledger and counters.
type Engine struct {
	bus           Bus
	fetcher       Fetcher
	ledger        *Ledger
	sources       map[string]struct{}
	target        string
	skipUnchanged bool
	stats         Stats
	logger        *slog.Logger
	now           func() time.Time
}

// NewEngine creates a forwarding engine.
func NewEngine(log *slog.Logger, bus Bus, fetcher Fetcher, ledger *Ledger, opts Options) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if ledger == nil {
		ledger = NewLedger()
	}
	sources := make(map[string]struct{}, len(opts.SourceChannelIDs))
	for _, id := range opts.SourceChannelIDs {
		if id = strings.TrimSpace(id); id != "" {
			sources[id] = struct{}{}
		}
	}
	return &Engine{
		bus:           bus,
		fetcher:       fetcher,
		ledger:        ledger,
		sources:       sources,
		target:        strings.TrimSpace(opts.TargetChannelID),
		skipUnchanged: opts.SkipUnchangedEdits,
		logger:        log.With(slog.String("component", "engine")),
		now:           time.Now,
	}
}

// Ledger exposes the engine's mirror ledger.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.Snapshot()
}

// Header renders the text that accompanies a mirror.
func Header(msg OriginMessage, edited bool) string {
	header := fmt.Sprintf("**%s** from <#%s>", msg.AuthorName, msg.ChannelID)
	if edited {
		header += " (edited)"
	}
	return header
}

// HandleCreate processes a newly posted origin message.
func (e *Engine) HandleCreate(ctx context.Context, msg OriginMessage) (err error) {
	log := e.eventLogger(EventCreate, msg.ID)
	defer e.recoverEvent(log, &err)

	if self := e.bus.SelfID(); self != "" && msg.AuthorID == self {
		e.skip(log, "own message")
		return nil
	}
	if !e.isSource(msg.ChannelID) {
		e.skip(log, "not a source channel")
		return nil
	}
	candidates := ExtractImages(msg.Attachments, msg.Embeds)
	_, mirrored := e.ledger.Lookup(msg.ID)
	action := Decide(EventCreate, State{Mirrored: mirrored, HasImages: len(candidates) > 0})
	if action == ActionNoOp {
		e.skip(log, "no image content")
		return nil
	}
	if err := e.resolveTarget(ctx); err != nil {
		return e.abandon(err)
	}
	if e.publish(ctx, log, msg, candidates, false) {
		e.stats.created.Add(1)
	}
	return nil
}

// HandleUpdate processes an edit of an origin message.
func (e *Engine) HandleUpdate(ctx context.Context, msg OriginMessage) (err error) {
	log := e.eventLogger(EventUpdate, msg.ID)
	defer e.recoverEvent(log, &err)

	if msg.Partial {
		full, fetchErr := e.bus.FetchMessage(ctx, msg.ChannelID, msg.ID)
		if e.settle(log, "fetch origin", fetchErr) != outcomeOK {
			e.skip(log, "origin unavailable")
			return nil
		}
		msg = full
	}
	if !e.isSource(msg.ChannelID) {
		e.skip(log, "not a source channel")
		return nil
	}

	candidates := ExtractImages(msg.Attachments, msg.Embeds)
	entry, mirrored := e.ledger.Lookup(msg.ID)
	action := Decide(EventUpdate, State{
		Mirrored:      mirrored,
		HasImages:     len(candidates) > 0,
		Unchanged:     mirrored && entry.Fingerprint == Fingerprint(candidates),
		SkipUnchanged: e.skipUnchanged,
	})
	log = log.With(slog.String("action", action.String()))
	if action == ActionNoOp {
		e.skip(log, "no image content")
		return nil
	}
	if err := e.resolveTarget(ctx); err != nil {
		return e.abandon(err)
	}

	switch action {
	case ActionDelete:
		e.removeMirror(ctx, log, msg.ID, entry)
		e.stats.deleted.Add(1)
	case ActionReplace:
		e.removeMirror(ctx, log, msg.ID, entry)
		if e.publish(ctx, log, msg, candidates, true) {
			e.stats.replaced.Add(1)
		}
	case ActionEditHeader:
		editErr := e.bus.Edit(ctx, e.target, entry.MirrorID, Header(msg, true))
		switch e.settle(log, "edit mirror", editErr) {
		case outcomeOK:
			e.stats.edited.Add(1)
		case outcomeAbsent:
			e.ledger.Remove(msg.ID)
			if e.publish(ctx, log, msg, candidates, true) {
				e.stats.replaced.Add(1)
			}
		}
	case ActionCreate:
		if e.publish(ctx, log, msg, candidates, true) {
			e.stats.created.Add(1)
		}
	}
	return nil
}

// HandleDelete processes the deletion of an origin message.
func (e *Engine) HandleDelete(ctx context.Context, channelID, messageID string) (err error) {
	log := e.eventLogger(EventDelete, messageID)
	defer e.recoverEvent(log, &err)

	entry, mirrored := e.ledger.Lookup(messageID)
	if Decide(EventDelete, State{Mirrored: mirrored}) == ActionNoOp {
		e.skip(log, "not mirrored")
		return nil
	}
	if err := e.resolveTarget(ctx); err != nil {
		return e.abandon(err)
	}
	e.removeMirror(ctx, log.With(slog.String("channel_id", channelID)), messageID, entry)
	e.stats.deleted.Add(1)
	return nil
}

// publish downloads the candidates and posts the mirror. When nothing could be
// downloaded the candidate URLs are posted as text instead. It reports whether
// a mirror was sent and recorded.
func (e *Engine) publish(ctx context.Context, log *slog.Logger, msg OriginMessage, candidates []media.Candidate, edited bool) bool {
	assets := e.fetcher.FetchAll(ctx, candidates)
	content := Header(msg, edited)
	if len(assets) == 0 {
		log.Warn("no candidate could be fetched, posting links", slog.Int("candidates", len(candidates)))
		content += "\n" + strings.Join(media.URLs(candidates), "\n")
	}
	mirrorID, err := e.bus.Send(ctx, e.target, Outbound{Content: content, Files: assets})
	if e.settle(log, "send mirror", err) != outcomeOK {
		return false
	}
	e.ledger.Record(msg.ID, Entry{
		MirrorID:    mirrorID,
		Fingerprint: Fingerprint(candidates),
		MirroredAt:  e.now(),
	})
	log.Info("mirror sent",
		slog.String("mirror_id", mirrorID),
		slog.Int("files", len(assets)),
		slog.Int("candidates", len(candidates)),
		slog.Bool("edited", edited),
	)
	return true
}

// removeMirror deletes the mirror on the target and forgets it. A mirror that
// is already gone counts as deleted.
func (e *Engine) removeMirror(ctx context.Context, log *slog.Logger, originID string, entry Entry) {
	err := e.bus.Delete(ctx, e.target, entry.MirrorID)
	e.settle(log, "delete mirror", err)
	e.ledger.Remove(originID)
	log.Info("mirror removed", slog.String("mirror_id", entry.MirrorID))
}

func (e *Engine) resolveTarget(ctx context.Context) error {
	if e.target == "" {
		return fmt.Errorf("%w: no target configured", ErrTargetUnavailable)
	}
	if err := e.bus.FetchChannel(ctx, e.target); err != nil {
		return fmt.Errorf("%w: %w", ErrTargetUnavailable, err)
	}
	return nil
}

func (e *Engine) isSource(channelID string) bool {
	_, ok := e.sources[channelID]
	return ok
}

func (e *Engine) skip(log *slog.Logger, reason string) {
	e.stats.skipped.Add(1)
	log.Debug("event skipped", slog.String("reason", reason))
}

func (e *Engine) abandon(err error) error {
	e.stats.abandoned.Add(1)
	return err
}

func (e *Engine) eventLogger(kind EventKind, messageID string) *slog.Logger {
	return e.logger.With(
		slog.String("event_id", uuid.NewString()),
		slog.String("event", kind.String()),
		slog.String("message_id", messageID),
	)
}

func (e *Engine) recoverEvent(log *slog.Logger, err *error) {
	if r := recover(); r != nil {
		log.Error("event handler panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		e.stats.abandoned.Add(1)
		*err = fmt.Errorf("event handler panic: %v", r)
	}
}

// outcome classifies a bus call. Both absent and failed calls let the event
// continue as if the addressed object no longer exists.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeAbsent
	outcomeFailed
)

func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrNotFound):
		return outcomeAbsent
	default:
		return outcomeFailed
	}
}

func (e *Engine) settle(log *slog.Logger, op string, err error) outcome {
	result := classify(err)
	switch result {
	case outcomeAbsent:
		log.Debug(op+": target already absent", slog.Any("error", err))
	case outcomeFailed:
		e.stats.busFailures.Add(1)
		log.Warn(op+" failed", slog.Any("error", err))
	}
	return result
}
