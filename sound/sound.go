// Package sound generates music from text prompts through the configured
// sound vendor.
package sound

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/m4xw311/fuzz/aiconfig"
)

// Generator turns a prompt into playable output for the browser. Vendor
// refusals are returned as answer text; the error is reserved for transport
// failures.
type Generator interface {
	Generate(ctx context.Context, cfg aiconfig.Configuration, prompt string) (string, error)
}

// DataURI encodes audio so the browser can play it inline.
func DataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func maxTokens(cfg aiconfig.Configuration) (int, bool) {
	if cfg.Parameters == nil {
		return 0, false
	}
	return cfg.Parameters.MaxTokens, true
}

func defaultHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 3 * time.Minute}
}
