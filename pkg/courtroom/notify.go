package courtroom

import (
	"context"
	"fmt"

	"github.com/Assassin-1234/clawtrial/pkg/contracts"
)

// Notification announces a filed case in the conversation.
type Notification struct {
	Identity string
	CaseID   string
	Offense  string
	Verdict  string
	URL      string
	Text     string
}

// Notifier delivers notifications to the host.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// NewNotification renders the announcement of rec.
func NewNotification(rec *contracts.CaseRecord) Notification {
	return Notification{
		Identity: rec.Identity,
		CaseID:   rec.CaseID,
		Offense:  rec.Offense,
		Verdict:  rec.Verdict,
		URL:      rec.URL(),
		Text: fmt.Sprintf("🏛️ **CASE FILED**: %s\n📋 Case ID: %s\n⚖️  Verdict: %s\n🔗 View: %s",
			rec.Offense, rec.CaseID, rec.Verdict, rec.URL()),
	}
}
