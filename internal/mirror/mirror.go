package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Update is the per-doctor document mirrored to the realtime store after a
// queue transition commits.
type Update struct {
	DoctorID     string    `json:"-"`
	DoctorName   string    `json:"doctor_name"`
	CurrentToken int       `json:"current_token"`
	Status       string    `json:"status"`
	LastUpdated  time.Time `json:"last_updated"`
}

type Notifier interface {
	Publish(ctx context.Context, update Update) error
}

// NewNotifier returns a no-op notifier when baseURL is empty, so callers do
// not have to branch on whether mirroring is configured.
func NewNotifier(baseURL string, timeout time.Duration) Notifier {
	if baseURL == "" {
		return noopNotifier{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &httpNotifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type noopNotifier struct{}

func (noopNotifier) Publish(ctx context.Context, update Update) error {
	return nil
}

type httpNotifier struct {
	baseURL string
	client  *http.Client
}

func (n *httpNotifier) Publish(ctx context.Context, update Update) error {
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/doctors/%s.json", n.baseURL, update.DoctorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("mirror rejected update")
	}
	return nil
}
