package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/llm"
	"github.com/m4xw311/fuzz/session"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const noVisionAnswer = "No response generated."

// VisionAgent describes images with a single model call. It keeps no history.
type VisionAgent struct {
	newClient llm.Factory
}

func NewVisionAgent(factory llm.Factory) *VisionAgent {
	if factory == nil {
		factory = llm.NewClient
	}
	return &VisionAgent{newClient: factory}
}

func visionParameters(conf *aiconfig.Configuration) aiconfig.Parameters {
	return conf.Params(aiconfig.Parameters{Temperature: 0.4, MaxTokens: 2048, TopP: DefaultTopP})
}

// ImageMIMEType sniffs the image format, defaulting to JPEG.
func ImageMIMEType(data []byte) string {
	mt := http.DetectContentType(data)
	if strings.HasPrefix(mt, "image/") {
		return mt
	}
	return "image/jpeg"
}

// Process sends the image and prompt to the configured backend.
func (v *VisionAgent) Process(ctx context.Context, conf *aiconfig.Configuration, image []byte, prompt string) Response {
	ctx, span := tracer.Start(ctx, "agent.vision", trace.WithAttributes(attribute.String("fuzz.provider", conf.Provider.String())))
	defer span.End()

	if conf.Provider.RequiresAPIKey() && strings.TrimSpace(conf.APIKey) == "" {
		return answer(fmt.Sprintf("Please configure an active %s Visual AI in Settings.", conf.Provider.DisplayName()))
	}

	client, err := v.newClient(ctx, *conf, llm.PurposeVision)
	if err != nil {
		return v.fail(span, conf, err)
	}
	if c, ok := client.(io.Closer); ok {
		defer c.Close()
	}

	turn, err := client.Chat(ctx, &llm.Request{
		Turns:  []session.Turn{session.UserImage(ImageMIMEType(image), image, prompt)},
		Params: visionParameters(conf),
	})
	if err != nil {
		return v.fail(span, conf, err)
	}
	if turn == nil || turn.Text() == "" {
		return answer(noVisionAnswer)
	}
	return answer(turn.Text())
}

func (v *VisionAgent) fail(span trace.Span, conf *aiconfig.Configuration, err error) Response {
	span.RecordError(err)
	log.Error().Err(err).Str("provider", conf.Provider.String()).Msg("vision request failed")
	return answer(technicalErrorText + err.Error())
}
