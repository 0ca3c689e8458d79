package alerts

import (
	"context"
	"fmt"

	"github.com/gen2brain/beeep"
)

// DesktopNotifier shows alerts as native desktop notifications.
type DesktopNotifier struct {
	notify func(title, message string) error
}

// NewDesktopNotifier creates a notifier backed by the OS notification center.
func NewDesktopNotifier() *DesktopNotifier {
	return &DesktopNotifier{notify: func(title, message string) error {
		return beeep.Notify(title, message, "")
	}}
}

func (d *DesktopNotifier) Name() string { return "desktop" }

func (d *DesktopNotifier) Send(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	title := fmt.Sprintf("TokenMeter: usage %s", alert.Level)
	if err := d.notify(title, alert.Message); err != nil {
		return fmt.Errorf("show desktop notification: %w", err)
	}
	return nil
}

// NewDesktopNotifierFunc creates a desktop notifier that delivers through fn.
func NewDesktopNotifierFunc(fn func(title, message string) error) *DesktopNotifier {
	return &DesktopNotifier{notify: fn}
}
