package ussd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

const defaultDialTimeout = 2 * time.Minute

// Dialer executes a USSD sequence on the device. It is opaque to the relay.
type Dialer interface {
	Run(ctx context.Context, sequence string, simSlot int) (Outcome, error)
}

// HTTPDialer forwards sequences to the device agent's dial endpoint.
type HTTPDialer struct {
	client *resty.Client
	url    string
}

func NewHTTPDialer(baseURL string, timeout time.Duration) (*HTTPDialer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("dialer url is required")
	}
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	return &HTTPDialer{client: client, url: baseURL + "/ussd/run"}, nil
}

type dialRequest struct {
	Sequence string `json:"sequence"`
	SimSlot  int    `json:"simSlot"`
}

func (d *HTTPDialer) Run(ctx context.Context, sequence string, simSlot int) (Outcome, error) {
	var outcome Outcome
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(dialRequest{Sequence: sequence, SimSlot: simSlot}).
		SetResult(&outcome).
		Post(d.url)
	if err != nil {
		return Outcome{}, fmt.Errorf("dial %q: %w", sequence, err)
	}
	if resp.IsError() {
		return Outcome{}, fmt.Errorf("dial %q: HTTP %d", sequence, resp.StatusCode())
	}
	if outcome.Sequence == "" {
		outcome.Sequence = sequence
	}
	return outcome, nil
}
