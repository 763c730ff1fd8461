package sound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/errors"
	"github.com/rs/zerolog/log"
)

const (
	replicateBase = "https://api.replicate.com/v1"
	// musicgenVersion pins the stereo-large musicgen release.
	musicgenVersion = "671ac645ce5e552cc63a54a2bbff63fcf798043055d2dac5fc9e36a837eedcfb"
)

// Replicate generates music with musicgen predictions on Replicate.
type Replicate struct {
	client       *http.Client
	pollInterval time.Duration
	maxPolls     int
}

// NewReplicate polls an unfinished prediction up to maxPolls times,
// pollInterval apart.
func NewReplicate(client *http.Client, pollInterval time.Duration, maxPolls int) *Replicate {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if maxPolls <= 0 {
		maxPolls = 60
	}
	return &Replicate{client: defaultHTTPClient(client), pollInterval: pollInterval, maxPolls: maxPolls}
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Error  interface{}     `json:"error"`
	Output json.RawMessage `json:"output"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// outputURL accepts both a single URL and a list of URLs.
func (p *prediction) outputURL() string {
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil {
		return single
	}
	var list []string
	if err := json.Unmarshal(p.Output, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

func (p *prediction) done() bool {
	return p.Status == "succeeded" || p.Status == "failed"
}

// Duration is the clip length in seconds: 8 by default, capped at 30.
func Duration(cfg aiconfig.Configuration) int {
	d, ok := maxTokens(cfg)
	if !ok {
		d = 8
	}
	if d > 30 {
		d = 30
	}
	if d < 1 {
		d = 8
	}
	return d
}

func (r *Replicate) Generate(ctx context.Context, cfg aiconfig.Configuration, prompt string) (string, error) {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = replicateBase
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	body, err := json.Marshal(map[string]interface{}{
		"version": musicgenVersion,
		"input": map[string]interface{}{
			"prompt":                   prompt,
			"duration":                 Duration(cfg),
			"top_k":                    250,
			"top_p":                    0,
			"temperature":              1,
			"model_version":            "stereo-large",
			"output_format":            "mp3",
			"continuation":             false,
			"multi_band_diffusion":     false,
			"normalization_strategy":   "peak",
			"classifier_free_guidance": 3,
		},
	})
	if err != nil {
		return "", errors.Wrapf(err, "encode Replicate request")
	}

	resp, err := r.do(ctx, http.MethodPost, base+"/predictions", apiKey, body)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", errors.WrapKind(errors.KindBackend, err, "read Replicate prediction")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Error().Str("provider", "replicate").Int("status", resp.StatusCode).Str("body", string(data)).Msg("prediction API error")
		return fmt.Sprintf("Replicate Error: %d", resp.StatusCode), nil
	}
	var pred prediction
	if err := json.Unmarshal(data, &pred); err != nil {
		return "Failed to create prediction", nil
	}

	for attempt := 0; !pred.done() && attempt < r.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return "", errors.WrapKind(errors.KindBackend, ctx.Err(), "waiting for Replicate prediction")
		case <-time.After(r.pollInterval):
		}
		pollURL := pred.URLs.Get
		if pollURL == "" {
			pollURL = base + "/predictions/" + pred.ID
		}
		if next, ok := r.poll(ctx, pollURL, apiKey); ok {
			pred = next
		}
	}

	if pred.Status == "failed" {
		return fmt.Sprintf("Music generation failed: %v", pred.Error), nil
	}
	audioURL := pred.outputURL()
	if len(pred.Output) == 0 || string(pred.Output) == "null" {
		return "No audio output received", nil
	}
	if audioURL == "" {
		return "Invalid audio URL", nil
	}

	// The output lives on a delivery host that must not see the API key.
	audio, err := r.do(ctx, http.MethodGet, audioURL, "", nil)
	if err != nil {
		return "", err
	}
	defer audio.Body.Close()
	if audio.StatusCode < 200 || audio.StatusCode > 299 {
		return "Failed to download audio", nil
	}
	audioBytes, err := io.ReadAll(audio.Body)
	if err != nil {
		return "", errors.WrapKind(errors.KindBackend, err, "download Replicate audio")
	}
	return DataURI("audio/mpeg", audioBytes), nil
}

func (r *Replicate) poll(ctx context.Context, url, apiKey string) (prediction, bool) {
	resp, err := r.do(ctx, http.MethodGet, url, apiKey, nil)
	if err != nil {
		log.Warn().Err(err).Str("provider", "replicate").Msg("prediction poll failed")
		return prediction{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return prediction{}, false
	}
	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return prediction{}, false
	}
	return pred, true
}

func (r *Replicate) do(ctx context.Context, method, url, apiKey string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Wrapf(err, "create Replicate request")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Prefer", "wait")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.WrapKind(errors.KindBackend, err, "Replicate request failed")
	}
	return resp, nil
}
