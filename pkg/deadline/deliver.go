package deadline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/harrisonrobin/taskboard/pkg/gateway"
)

const notificationsPath = "/notifications"

// HTTPDeliverer posts reminders to the server's push notification endpoint.
type HTTPDeliverer struct {
	gw *gateway.Gateway
}

func NewHTTPDeliverer(gw *gateway.Gateway) *HTTPDeliverer {
	return &HTTPDeliverer{gw: gw}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, r Reminder) error {
	if err := d.gw.Do(ctx, http.MethodPost, notificationsPath, r, nil); err != nil {
		return fmt.Errorf("failed to send reminder: %w", err)
	}
	return nil
}
