// Package classify maps raw inbound events to dispatchable queries.
//
// Classification is a pure priority cascade; the only state is the
// event-id deduplication cache, which makes platform redeliveries no-ops.
package classify

import (
	"regexp"
	"strings"

	"optibot/internal/slack"
)

// Kind is the classification outcome for a non-ignored event.
type Kind string

const (
	KindMention       Kind = "mention"
	KindDirectMessage Kind = "direct_message"
	KindThreadReply   Kind = "thread_reply"
)

// Classified is an event that should produce a turn.
type Classified struct {
	Kind    Kind
	EventID string
	Channel string
	User    string

	// Query is the cleaned natural-language text (mention tokens
	// stripped, whitespace trimmed).
	Query string

	// ThreadTS is the thread anchor when replying inside a thread;
	// empty for top-level messages.
	ThreadTS string

	// TS is the triggering message's own timestamp. Replies anchor on
	// ThreadTS when present, otherwise on TS.
	TS string
}

// ReplyAnchor returns the timestamp outbound replies should thread on.
func (c Classified) ReplyAnchor() string {
	if c.ThreadTS != "" {
		return c.ThreadTS
	}
	return c.TS
}

// mentionPattern matches <@U...> style user mention tokens.
var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+>`)

// ThreadChecker reports whether the bot already participates in the
// given thread. Injected by the conversation resolver; the classifier
// owns no conversation state.
type ThreadChecker func(channel, threadTS string) bool

// Classifier turns raw events into classified queries.
type Classifier struct {
	botUserID   string
	dedup       *Dedup
	knowsThread ThreadChecker
}

// New creates a classifier. knowsThread may be nil, in which case
// thread replies without a mention are ignored.
func New(botUserID string, dedup *Dedup, knowsThread ThreadChecker) *Classifier {
	if knowsThread == nil {
		knowsThread = func(string, string) bool { return false }
	}
	return &Classifier{botUserID: botUserID, dedup: dedup, knowsThread: knowsThread}
}

// Classify applies the priority rules. ok is false for ignorable events:
// bot-authored messages, duplicates, plain channel chatter, and empty
// queries after mention stripping.
func (c *Classifier) Classify(ev slack.InboundEvent) (Classified, bool) {
	// Self/bot authorship is checked before dedup so bot echoes never
	// occupy cache slots.
	if ev.BotID != "" || ev.User == c.botUserID || ev.User == "" {
		return Classified{}, false
	}
	if ev.Subtype != "" {
		// Edits, joins, and other subtyped messages carry no new query.
		return Classified{}, false
	}
	if c.dedup != nil && !c.dedup.FirstSeen(ev.ID) {
		return Classified{}, false
	}

	base := Classified{
		EventID:  ev.ID,
		Channel:  ev.Channel,
		User:     ev.User,
		TS:       ev.TS,
		ThreadTS: ev.ThreadTS,
	}

	mentioned := c.mentionsBot(ev.Text)

	switch {
	case ev.Kind == "app_mention" || (mentioned && ev.ChannelType != "im"):
		base.Kind = KindMention
		base.Query = StripMentions(ev.Text)
		if base.Query == "" {
			// Nothing to answer.
			return Classified{}, false
		}
		if ev.ThreadTS != "" {
			base.Kind = KindThreadReply
		}
		return base, true

	case ev.ChannelType == "im":
		base.Kind = KindDirectMessage
		base.Query = StripMentions(ev.Text)
		if base.Query == "" {
			return Classified{}, false
		}
		return base, true

	case ev.ThreadTS != "" && c.knowsThread(ev.Channel, ev.ThreadTS):
		base.Kind = KindThreadReply
		base.Query = StripMentions(ev.Text)
		if base.Query == "" {
			return Classified{}, false
		}
		return base, true
	}

	return Classified{}, false
}

// mentionsBot reports whether the text contains a mention token for the
// bot's own identity.
func (c *Classifier) mentionsBot(text string) bool {
	if c.botUserID == "" {
		return false
	}
	return strings.Contains(text, "<@"+c.botUserID+">")
}

// StripMentions removes all user mention tokens and trims whitespace.
func StripMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}
