package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/m4xw311/fuzz/agent"
	"github.com/m4xw311/fuzz/errors"
	"github.com/rs/zerolog/log"
)

// wsFrame is both the client and the server frame; unused fields are omitted.
type wsFrame struct {
	Type    string  `json:"type"`
	Text    string  `json:"text,omitempty"`
	Persona string  `json:"persona,omitempty"`
	Answer  string  `json:"answer,omitempty"`
	LastSQL *string `json:"last_sql,omitempty"`
	Error   string  `json:"error,omitempty"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			for _, o := range s.origins {
				if o == "*" || o == origin {
					return true
				}
			}
			return origin == ""
		},
	}
}

// handleWS serves one chat connection. Each connection is its own
// conversation scope and the history is dropped when it closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	userID := UserID(r.Context())
	scope := uuid.NewString()
	logger := log.With().Str("user", userID).Str("session", scope).Logger()
	logger.Debug().Msg("websocket connected")
	defer func() {
		if err := s.dispatcher.ClearHistory(userID, scope); err != nil {
			logger.Warn().Err(err).Msg("could not clear websocket history")
		}
		logger.Debug().Msg("websocket closed")
	}()

	persona := agent.PersonaTaskManager
	for {
		var in wsFrame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		var out wsFrame
		switch in.Type {
		case "prompt":
			if in.Persona != "" {
				p, err := agent.ParsePersona(in.Persona)
				if err != nil {
					out = wsFrame{Type: "error", Error: errors.UserMessage(err)}
					break
				}
				persona = p
			}
			resp := s.dispatcher.ProcessText(r.Context(), agent.Request{
				Input:   in.Text,
				UserID:  userID,
				Persona: persona,
				Scope:   scope,
			})
			out = wsFrame{Type: "answer", Answer: resp.Answer, LastSQL: resp.LastExecutedSQL}
		case "clear":
			if err := s.dispatcher.ClearHistory(userID, scope); err != nil {
				out = wsFrame{Type: "error", Error: errors.UserMessage(err)}
				break
			}
			out = wsFrame{Type: "cleared"}
		default:
			out = wsFrame{Type: "error", Error: "unknown frame type " + in.Type}
		}

		if err := conn.WriteJSON(out); err != nil {
			logger.Warn().Err(err).Msg("websocket write failed")
			return
		}
	}
}
