package httpserver

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/robit-man/voice-llm-interaction-graph/internal/config"
	"github.com/robit-man/voice-llm-interaction-graph/internal/graph"
	"github.com/robit-man/voice-llm-interaction-graph/internal/rtc"
)

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
}

// New constructs the HTTP server with routes, gating /call behind
// cfg.AuthPassword (see rtcAuthOK). g is the process's dataflow graph
// (nil disables the /graph/* control endpoints, e.g. in unit tests that
// only exercise /healthz and /call).
func New(cfg config.Config, g *graph.Graph) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	h := rtc.NewHandler(cfg.AssemblyAIKey).
		WithLLM(cfg.CerebrasKey, cfg.CerebrasModelID).
		WithTTS(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID).
		WithICEServers(cfg.ICEServersJSON)

	callHandler := func(c echo.Context) error {
		r := c.Request()
		w := c.Response()
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			return c.NoContent(http.StatusNoContent)
		}
		if r.Method != http.MethodPost {
			return c.NoContent(http.StatusMethodNotAllowed)
		}
		if !rtcAuthOK(r, cfg.AuthPassword) {
			return c.NoContent(http.StatusUnauthorized)
		}

		var offer rtc.SessionDescription
		if err := c.Bind(&offer); err != nil {
			log.Printf("invalid offer: %v", err)
			return c.NoContent(http.StatusBadRequest)
		}

		answer, err := h.HandleOffer(r.Context(), offer)
		if err != nil {
			log.Printf("webrtc handle offer failed: %v", err)
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.JSON(http.StatusOK, answer)
	}
	e.POST("/call", callHandler)
	e.OPTIONS("/call", callHandler)
	e.GET("/call", callHandler) // returns 405, matches the demo client's preflight probing

	e.GET("/ws", func(c echo.Context) error {
		h.ServeWebSocket(c.Response(), c.Request(), cfg.ICEServersJSON, cfg.AuthPassword)
		return nil
	})

	if g != nil {
		registerGraphRoutes(e, g)
	}

	return &Server{Router: e}
}
