package agent

import (
	"context"
	"fmt"

	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/errors"
	"github.com/m4xw311/fuzz/sound"
	"github.com/m4xw311/fuzz/validation"
	"github.com/rs/zerolog/log"
)

// SQLLogger records SQL produced for user input. aiconfig.Store implements it.
type SQLLogger interface {
	SaveSQLLog(ctx context.Context, l aiconfig.SQLLog) error
}

// Dispatcher validates input, resolves the active configuration for the
// requested capability and hands the request to the agent registered for its
// provider. It holds no conversation state of its own.
type Dispatcher struct {
	validator *validation.Validator
	resolver  aiconfig.Resolver

	agents map[aiconfig.Provider]TextAgent
	order  []aiconfig.Provider
	vision *VisionAgent
	sound  map[aiconfig.Provider]sound.Generator
	sqlLog SQLLogger
}

func NewDispatcher(validator *validation.Validator, resolver aiconfig.Resolver) *Dispatcher {
	if validator == nil {
		validator = validation.New()
	}
	return &Dispatcher{
		validator: validator,
		resolver:  resolver,
		agents:    make(map[aiconfig.Provider]TextAgent),
		sound:     make(map[aiconfig.Provider]sound.Generator),
	}
}

// Register makes a the text agent for provider p.
func (d *Dispatcher) Register(p aiconfig.Provider, a TextAgent) {
	if _, ok := d.agents[p]; !ok {
		d.order = append(d.order, p)
	}
	d.agents[p] = a
}

func (d *Dispatcher) RegisterSound(p aiconfig.Provider, g sound.Generator) {
	d.sound[p] = g
}

func (d *Dispatcher) SetVision(v *VisionAgent) { d.vision = v }

func (d *Dispatcher) SetSQLLogger(l SQLLogger) { d.sqlLog = l }

// Agent returns the text agent registered for p.
func (d *Dispatcher) Agent(p aiconfig.Provider) (TextAgent, bool) {
	a, ok := d.agents[p]
	return a, ok
}

func noProviderAnswer(c aiconfig.Capability) Response {
	kind := ""
	switch c {
	case aiconfig.CapabilityVisual:
		kind = "Visual "
	case aiconfig.CapabilitySound:
		kind = "Sound "
	}
	return answer(fmt.Sprintf("Please select an active %sAI provider from the 'AI Settings' page.", kind))
}

func validationAnswer(err error) Response {
	return answer("Validation Error: " + errors.UserMessage(err))
}

// resolve finds the active configuration. A nil configuration comes back
// with the answer to give instead.
func (d *Dispatcher) resolve(ctx context.Context, userID string, c aiconfig.Capability) (*aiconfig.Configuration, *Response) {
	conf, err := d.resolver.ActiveConfig(ctx, userID, c)
	if err != nil {
		log.Error().Err(err).Str("user", userID).Str("capability", c.String()).Msg("could not resolve active configuration")
		r := answer(technicalErrorText + err.Error())
		return nil, &r
	}
	if conf == nil {
		r := noProviderAnswer(c)
		return nil, &r
	}
	return conf, nil
}

// ProcessText answers a text request with the active Text configuration.
func (d *Dispatcher) ProcessText(ctx context.Context, req Request) Response {
	input, err := d.validator.Validate(req.Input)
	if err != nil {
		return validationAnswer(err)
	}
	req.Input = input

	conf, short := d.resolve(ctx, req.UserID, aiconfig.CapabilityText)
	if short != nil {
		return *short
	}
	a, ok := d.agents[conf.Provider]
	if !ok {
		log.Warn().Str("provider", conf.Provider.String()).Msg("no agent registered for active provider")
		return noProviderAnswer(aiconfig.CapabilityText)
	}

	resp := a.Process(ctx, conf, req)
	if sqlText := resp.SQL(); sqlText != "" && d.sqlLog != nil {
		if err := d.sqlLog.SaveSQLLog(ctx, aiconfig.SQLLog{UserID: req.UserID, InputText: input, GeneratedSQL: sqlText}); err != nil {
			log.Warn().Err(err).Str("user", req.UserID).Msg("could not record SQL log")
		}
	}
	return resp
}

// ProcessImage describes image with the active Visual configuration.
func (d *Dispatcher) ProcessImage(ctx context.Context, image []byte, prompt, userID string) Response {
	prompt, err := d.validator.Validate(prompt)
	if err != nil {
		return validationAnswer(err)
	}
	if len(image) == 0 {
		return validationAnswer(errors.E(errors.KindValidation, "An image is required."))
	}
	conf, short := d.resolve(ctx, userID, aiconfig.CapabilityVisual)
	if short != nil {
		return *short
	}
	if d.vision == nil || conf.Provider == aiconfig.ProviderElevenLabs || conf.Provider == aiconfig.ProviderReplicate {
		return noProviderAnswer(aiconfig.CapabilityVisual)
	}
	return d.vision.Process(ctx, conf, image, prompt)
}

// GenerateSound composes music with the active Sound configuration.
func (d *Dispatcher) GenerateSound(ctx context.Context, prompt, userID string) Response {
	prompt, err := d.validator.Validate(prompt)
	if err != nil {
		return validationAnswer(err)
	}
	conf, short := d.resolve(ctx, userID, aiconfig.CapabilitySound)
	if short != nil {
		return *short
	}
	g, ok := d.sound[conf.Provider]
	if !ok {
		return noProviderAnswer(aiconfig.CapabilitySound)
	}
	out, err := g.Generate(ctx, *conf, prompt)
	if err != nil {
		log.Error().Err(err).Str("provider", conf.Provider.String()).Msg("sound generation failed")
		return answer(technicalErrorText + err.Error())
	}
	return answer(out)
}

// Process routes a text-only request by capability.
func (d *Dispatcher) Process(ctx context.Context, c aiconfig.Capability, req Request) Response {
	switch c {
	case aiconfig.CapabilityText:
		return d.ProcessText(ctx, req)
	case aiconfig.CapabilitySound:
		return d.GenerateSound(ctx, req.Input, req.UserID)
	}
	return noProviderAnswer(c)
}

// ClearHistory drops the conversation of userID in scope on every agent.
func (d *Dispatcher) ClearHistory(userID, scope string) error {
	var firstErr error
	for _, p := range d.order {
		if err := d.agents[p].ClearHistory(userID, scope); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LastSQL returns the first SQL any agent captured for userID.
func (d *Dispatcher) LastSQL(userID string) *string {
	for _, p := range d.order {
		if s := d.agents[p].LastSQL(userID); s != nil {
			return s
		}
	}
	return nil
}
