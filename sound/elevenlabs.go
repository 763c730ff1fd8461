package sound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/errors"
	"github.com/rs/zerolog/log"
)

const elevenLabsBase = "https://api.elevenlabs.io/v1"

// ElevenLabs composes music through the ElevenLabs music API.
type ElevenLabs struct {
	client *http.Client
}

func NewElevenLabs(client *http.Client) *ElevenLabs {
	return &ElevenLabs{client: defaultHTTPClient(client)}
}

// MusicLengthMs derives the track length from the configured max tokens,
// read as seconds: 10 s by default, at most 60 s, and anything under 5 s
// falls back to 10 s.
func MusicLengthMs(cfg aiconfig.Configuration) int {
	seconds, ok := maxTokens(cfg)
	if !ok {
		seconds = 10
	}
	ms := seconds * 1000
	if ms > 60000 {
		ms = 60000
	}
	if ms < 5000 {
		ms = 10000
	}
	return ms
}

func (e *ElevenLabs) Generate(ctx context.Context, cfg aiconfig.Configuration, prompt string) (string, error) {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = elevenLabsBase
	}
	body, err := json.Marshal(map[string]interface{}{
		"prompt":          prompt,
		"music_length_ms": MusicLengthMs(cfg),
	})
	if err != nil {
		return "", errors.Wrapf(err, "encode ElevenLabs request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/music/compose", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrapf(err, "create ElevenLabs request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", strings.TrimSpace(cfg.APIKey))

	resp, err := e.client.Do(req)
	if err != nil {
		return "", errors.WrapKind(errors.KindBackend, err, "ElevenLabs request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.WrapKind(errors.KindBackend, err, "read ElevenLabs response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Error().Str("provider", "elevenlabs").Int("status", resp.StatusCode).Str("body", string(data)).Msg("music API error")
		return fmt.Sprintf("ElevenLabs Error: %d - %s", resp.StatusCode, string(data)), nil
	}
	return DataURI("audio/mpeg", data), nil
}
