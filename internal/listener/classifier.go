package listener

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/wirasto/otphub/internal/protocol"
	"github.com/wirasto/otphub/internal/store"
)

// DefaultServiceSenderID is the protocol's official service account that
// delivers verification codes.
const DefaultServiceSenderID int64 = 777000

// Verification codes are 4-6 consecutive digits on word boundaries; only
// the first match counts.
var codePattern = regexp.MustCompile(`\b\d{4,6}\b`)

// Classifier inspects inbound messages on a live listener and caches
// verification codes it finds.
type Classifier struct {
	creds    *store.Store
	senderID int64
	logger   *slog.Logger
}

// NewClassifier creates a classifier writing to creds. senderID is the
// service sender to accept; zero selects DefaultServiceSenderID.
func NewClassifier(creds *store.Store, senderID int64, logger *slog.Logger) *Classifier {
	if senderID == 0 {
		senderID = DefaultServiceSenderID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{creds: creds, senderID: senderID, logger: logger}
}

// HandleMessage processes one inbound message for the account identified by
// identity. Messages from other senders and messages without a code are
// ignored with no side effect.
func (c *Classifier) HandleMessage(identity string, msg protocol.Message) error {
	if msg.SenderID != c.senderID {
		return nil
	}

	code := codePattern.FindString(msg.Text)
	if code == "" {
		return nil
	}

	if err := c.creds.Upsert(identity, store.Fields{Code: &code}); err != nil {
		return fmt.Errorf("cache code for %s: %w", identity, err)
	}

	c.logger.Info("verification code captured", "identity", identity)
	return nil
}
