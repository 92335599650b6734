package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"matebot/internal/core"
	applog "matebot/internal/log"
)

// CallbackLister provides the URLs registered by applications.
type CallbackLister interface {
	ListCallbacks(ctx context.Context) ([]core.Callback, error)
}

// CallbackAnnouncer POSTs announcements as JSON to every registered
// application callback.
type CallbackAnnouncer struct {
	callbacks CallbackLister
	client    *http.Client
	logger    *applog.Logger
}

// NewCallbackAnnouncer creates an announcer whose requests time out after
// timeout.
func NewCallbackAnnouncer(callbacks CallbackLister, timeout time.Duration, logger *applog.Logger) *CallbackAnnouncer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CallbackAnnouncer{
		callbacks: callbacks,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.WithComponent(applog.ComponentNotify),
	}
}

// Announce delivers a to all callbacks and joins the failures. A retry
// resends to every callback, so receivers deduplicate by announcement id.
func (c *CallbackAnnouncer) Announce(ctx context.Context, a Announcement) error {
	cbs, err := c.callbacks.ListCallbacks(ctx)
	if err != nil {
		return fmt.Errorf("list callbacks: %w", err)
	}
	if len(cbs) == 0 {
		return nil
	}
	body, err := a.ToJSON()
	if err != nil {
		return err
	}

	var errs []error
	for _, cb := range cbs {
		if err := c.post(ctx, cb.URL, a, body); err != nil {
			errs = append(errs, fmt.Errorf("callback %d: %w", cb.ID, err))
			continue
		}
		c.logger.DebugContext(ctx, "Callback delivered",
			applog.FieldAnnouncement, a.ID.String(),
			"url", cb.URL)
	}
	return errors.Join(errs...)
}

func (c *CallbackAnnouncer) post(ctx context.Context, url string, a Announcement, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Announcement-ID", a.ID.String())

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
