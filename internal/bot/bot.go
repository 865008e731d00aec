// Package bot wires the pieces together: socket session in, classified
// events through per-conversation workers, engine turns out to the
// thread. One failed turn never takes down the session.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"optibot/internal/agent"
	"optibot/internal/artifact"
	"optibot/internal/classify"
	"optibot/internal/conversation"
	"optibot/internal/gateway"
	"optibot/internal/slack"
)

// User-facing copy. Non-technical on purpose: stack traces and tool
// errors go to the log, not the thread.
const (
	msgAcknowledge = "On it — querying the data now."
	msgNoData      = "That query returned no data, so there's nothing to save."
	msgTimeout     = "That took longer than expected and I had to stop. Try narrowing the question."
	msgUnavailable = "I couldn't reach the data warehouse just now. Try again in a few minutes."
	msgTooLarge    = "That result is too large to deliver as a file. Try narrowing the query."
	msgGaveUp      = "I couldn't complete that query. Try rephrasing or simplifying it."
	msgBusy        = "I'm already working on several requests in this thread. Give me a moment and try again."
	msgFailed      = "Something went wrong handling that request."
)

// Options wires a Bot.
type Options struct {
	Session    *slack.Session
	Client     *slack.Client
	Classifier *classify.Classifier
	Resolver   *conversation.Resolver
	Engine     *agent.Engine
	Artifacts  *artifact.Manager

	// MaxConcurrentTurns is the global cap across all conversations.
	MaxConcurrentTurns int

	Logger *zap.Logger
}

// Bot is the orchestrator.
type Bot struct {
	opts   Options
	logger *zap.Logger
	turns  *semaphore.Weighted
}

// New creates a bot.
func New(opts Options) *Bot {
	if opts.MaxConcurrentTurns <= 0 {
		opts.MaxConcurrentTurns = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		opts:   opts,
		logger: logger,
		turns:  semaphore.NewWeighted(int64(opts.MaxConcurrentTurns)),
	}
}

// Run starts the session, the event pump, and the maintenance loops,
// and blocks until ctx is canceled or the session fails permanently.
func (b *Bot) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.opts.Session.Run(ctx)
	})
	g.Go(func() error {
		b.pump(ctx)
		return nil
	})
	g.Go(func() error {
		b.opts.Resolver.Evict(ctx)
		return nil
	})
	g.Go(func() error {
		b.opts.Artifacts.Sweep(ctx)
		return nil
	})

	err := g.Wait()
	if closeErr := b.opts.Resolver.Close(); closeErr != nil {
		b.logger.Warn("resolver close failed", zap.Error(closeErr))
	}
	if closeErr := b.opts.Artifacts.Close(); closeErr != nil {
		b.logger.Warn("artifact cleanup failed", zap.Error(closeErr))
	}
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("bot stopped: %w", err)
	}
	return err
}

// pump drains the session's event channel, classifies, and dispatches.
func (b *Bot) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.opts.Session.Events():
			if !ok {
				return
			}
			b.handleEvent(ctx, ev)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, ev slack.InboundEvent) {
	cls, ok := b.opts.Classifier.Classify(ev)
	if !ok {
		return
	}
	b.logger.Info("event classified",
		zap.String("kind", string(cls.Kind)),
		zap.String("channel", cls.Channel),
		zap.String("event_id", cls.EventID))

	key := conversation.Key{Channel: cls.Channel, Thread: cls.ReplyAnchor()}
	err := b.opts.Resolver.Dispatch(ctx, key, func(ctx context.Context, conv *conversation.Conversation) {
		b.runTurn(ctx, conv, cls)
	})
	if err != nil {
		b.logger.Warn("dispatch failed", zap.Error(err),
			zap.String("channel", key.Channel), zap.String("thread", key.Thread))
		if errors.Is(err, conversation.ErrQueueFull) {
			b.post(ctx, cls.Channel, msgBusy, cls.ReplyAnchor())
		}
	}
}

// runTurn executes one request end to end on the conversation's worker.
// A panic in the engine becomes a failed turn, never a dead worker.
func (b *Bot) runTurn(ctx context.Context, conv *conversation.Conversation, cls classify.Classified) {
	if err := b.turns.Acquire(ctx, 1); err != nil {
		return
	}
	defer b.turns.Release(1)

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("turn panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			b.post(ctx, cls.Channel, msgFailed, cls.ReplyAnchor())
		}
	}()

	started := time.Now()
	anchor := cls.ReplyAnchor()
	b.post(ctx, cls.Channel, msgAcknowledge, anchor)

	result := b.opts.Engine.Run(ctx, cls.Query, conv.Recent(10))
	b.deliver(ctx, cls, result)

	conv.Append(conversation.Turn{
		ID:         uuid.NewString(),
		Query:      cls.Query,
		Author:     cls.User,
		Answer:     result.Answer,
		ArtifactID: result.ArtifactID,
		Steps:      result.Steps,
		Outcome:    result.Outcome,
		StartedAt:  started,
		FinishedAt: time.Now(),
	})
	b.logger.Info("turn finished",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("steps", len(result.Steps)),
		zap.Duration("took", time.Since(started)))
}

// deliver posts the result into the thread.
func (b *Bot) deliver(ctx context.Context, cls classify.Classified, result *agent.TurnResult) {
	anchor := cls.ReplyAnchor()

	if result.State == agent.StateAborted {
		b.post(ctx, cls.Channel, abortMessage(result), anchor)
		return
	}

	if result.ArtifactID == "" {
		text := result.Answer
		if text == "" {
			text = msgNoData
		}
		b.post(ctx, cls.Channel, text, anchor)
		return
	}

	art, err := b.opts.Artifacts.Get(result.ArtifactID)
	if err != nil {
		b.logger.Error("artifact vanished before delivery",
			zap.String("id", result.ArtifactID), zap.Error(err))
		b.post(ctx, cls.Channel, msgFailed, anchor)
		return
	}

	comment := result.Answer
	if art.Truncated {
		comment += fmt.Sprintf("\n(Note: results were truncated to fit the file size limit; %d rows included.)", art.Rows)
	}

	// The artifact is reopened per attempt: a retried upload must not
	// resume a half-consumed reader.
	uploadErr := b.withRetry(ctx, "upload", func() error {
		reader, size, err := b.opts.Artifacts.Open(result.ArtifactID)
		if err != nil {
			return err
		}
		defer reader.Close()
		return b.opts.Client.UploadFile(ctx, slack.UploadRequest{
			Channel:  cls.Channel,
			Filename: art.Filename,
			Title:    art.Filename,
			Comment:  comment,
			ThreadTS: anchor,
			Reader:   reader,
			Size:     size,
		})
	})
	if uploadErr != nil {
		b.logger.Error("file upload failed", zap.Error(uploadErr))
		b.post(ctx, cls.Channel, b.snippetMessage(result.Answer, result.ArtifactID, art.Filename), anchor)
		return
	}
	if err := b.opts.Artifacts.MarkDelivered(result.ArtifactID); err != nil {
		b.logger.Warn("failed to mark artifact delivered", zap.Error(err))
	}
}

// snippetLines bounds the inline CSV preview posted when the file
// upload itself fails.
const snippetLines = 10

// snippetMessage degrades a failed file upload into an inline preview:
// the answer, the first lines of the CSV in a code block, and a note
// about what was cut. The user still gets data, just less of it.
func (b *Bot) snippetMessage(answer, artifactID, filename string) string {
	fallback := answer + "\n(The result file couldn't be uploaded.)"

	reader, _, err := b.opts.Artifacts.Open(artifactID)
	if err != nil {
		return fallback
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return fallback
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	preview := lines
	if len(preview) > snippetLines {
		preview = preview[:snippetLines]
	}
	msg := fmt.Sprintf("%s\nThe file %s couldn't be uploaded, so here's a preview:\n```%s```",
		answer, filename, strings.Join(preview, "\n"))
	if len(lines) > len(preview) {
		msg += fmt.Sprintf("\n(Showing the first %d of %d lines.)", len(preview), len(lines))
	}
	return msg
}

// post sends a threaded message with one best-effort retry. Delivery
// failures are logged and dropped; they must not poison the worker.
func (b *Bot) post(ctx context.Context, channel, text, threadTS string) {
	err := b.withRetry(ctx, "post", func() error {
		return b.opts.Client.PostMessage(ctx, channel, text, threadTS)
	})
	if err != nil {
		b.logger.Error("message delivery failed",
			zap.String("channel", channel), zap.Error(err))
	}
}

func (b *Bot) withRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || ctx.Err() != nil {
		return err
	}
	b.logger.Warn("delivery failed, retrying once",
		zap.String("op", op), zap.Error(err))
	select {
	case <-ctx.Done():
		return err
	case <-time.After(time.Second):
	}
	return fn()
}

// abortMessage maps an aborted turn onto user-facing copy.
func abortMessage(result *agent.TurnResult) string {
	if result.TimedOut {
		return msgTimeout
	}
	switch result.FailureKind {
	case gateway.KindUnavailable:
		return msgUnavailable
	case gateway.KindTooLarge:
		return msgTooLarge
	default:
		return msgGaveUp
	}
}
