package sound

import (
	"context"
	"regexp"
	"strings"

	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/errors"
	"github.com/m4xw311/fuzz/llm"
	"github.com/m4xw311/fuzz/session"
)

const localMusicModel = "llamusic/llamusic:3b"

const composerPrompt = `You are a music composer AI that generates ABC Music Notation.

STRICT RULES:
1. OUTPUT ONLY valid ABC notation - no explanations, no markdown, no conversation
2. Start with headers exactly like this:
X:1
T:Song Title
M:4/4
L:1/4
K:C

3. After headers, write notes using ONLY these characters:
   - Notes: C D E F G A B (uppercase = low octave)
   - Notes: c d e f g a b (lowercase = high octave)
   - Duration: C2=half note, C4=whole note, C/2=eighth note
   - Accidentals: ^C=C sharp, _B=B flat, =C=C natural
   - Rests: z=quarter rest, z2=half rest
   - Bar lines: | for bar, |] for end

4. NEVER use words in the music body - only note letters and numbers

EXAMPLE OUTPUT:
X:1
T:Simple Melody
M:4/4
L:1/4
K:C
C D E F | G2 G2 | A A A A | G4 |
F F F F | E2 E2 | D D D D | C4 |]`

var abcHeader = regexp.MustCompile(`(?s)X:\s*[0-9]+.*`)

// Local asks a local chat model to compose the tune as ABC notation, which
// the browser renders and plays.
type Local struct {
	newClient llm.Factory
}

func NewLocal(factory llm.Factory) *Local {
	if factory == nil {
		factory = llm.NewClient
	}
	return &Local{newClient: factory}
}

func (l *Local) Generate(ctx context.Context, cfg aiconfig.Configuration, prompt string) (string, error) {
	if cfg.ModelID == "" {
		cfg.ModelID = localMusicModel
	}
	client, err := l.newClient(ctx, cfg, llm.PurposeChat)
	if err != nil {
		return "", err
	}

	params := aiconfig.Parameters{Temperature: 0.7, MaxTokens: 2048}
	if cfg.Parameters != nil {
		params.Temperature = cfg.Parameters.Temperature
		params.MaxTokens = cfg.Parameters.MaxTokens
	}
	turn, err := client.Chat(ctx, &llm.Request{
		Turns:  []session.Turn{session.SystemText(composerPrompt), session.UserText(prompt)},
		Params: params,
	})
	if err != nil {
		return "", err
	}
	if turn == nil {
		return "", errors.E(errors.KindBackend, "local model returned no composition")
	}
	return ExtractABC(turn.AllText()), nil
}

// ExtractABC returns the notation starting at the first X: header with code
// fences removed, or text unchanged when no header is present.
func ExtractABC(text string) string {
	abc := abcHeader.FindString(text)
	if abc == "" {
		return text
	}
	abc = strings.ReplaceAll(abc, "```abc", "")
	abc = strings.ReplaceAll(abc, "```", "")
	return strings.TrimSpace(abc)
}
