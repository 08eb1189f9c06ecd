package publish

import (
	"fmt"

	"github.com/nicholas-fedor/shoutrrr"
)

// Sender abstracts message dispatch so the notifier can be tested without
// hitting real services.
type Sender interface {
	Send(url, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Notifier tells operators that a run published successfully.
type Notifier struct {
	URL    string
	sender Sender
}

// NewNotifier returns a Notifier posting to the Shoutrrr service URL. A nil
// sender selects ShoutrrrSender.
func NewNotifier(url string, sender Sender) *Notifier {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Notifier{URL: url, sender: sender}
}

// Notify announces a successful publish of count sessions from device.
func (n *Notifier) Notify(device string, count int) error {
	msg := fmt.Sprintf("Updated active VPN sessions (%d users) from %s", count, device)
	if err := n.sender.Send(n.URL, msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}
