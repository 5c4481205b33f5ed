package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/robit-man/voice-llm-interaction-graph/internal/graph"
)

// registerGraphRoutes exposes the node/wire CRUD surface described in
// spec.md §5 ("graph control endpoints"): creating typed nodes, wiring
// ports together, and injecting text into an input port from outside
// the graph (a UI text box, a webhook).
func registerGraphRoutes(e *echo.Echo, g *graph.Graph) {
	e.GET("/graph/id", func(c echo.Context) error {
		id, err := g.GraphID()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, echo.Map{"graphId": id})
	})

	e.POST("/graph/nodes/:id", func(c echo.Context) error {
		var body struct {
			Type   string         `json:"type"`
			Config map[string]any `json:"config"`
		}
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		id := c.Param("id")
		var err error
		switch body.Type {
		case "asr":
			err = g.AddASRNode(c.Request().Context(), id, body.Config)
		case "llm":
			err = g.AddLLMNode(c.Request().Context(), id, body.Config)
		case "tts":
			err = g.AddTTSNode(c.Request().Context(), id, body.Config, nil)
		case "peerdm":
			var allowed []string
			if v, ok := body.Config["allowedPeers"].([]any); ok {
				for _, p := range v {
					if s, ok := p.(string); ok {
						allowed = append(allowed, s)
					}
				}
			}
			autoAccept, _ := body.Config["autoAccept"].(bool)
			err = g.EnsurePeerNode(c.Request().Context(), id, allowed, autoAccept)
		default:
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown node type " + body.Type})
		}
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
		}
		return c.NoContent(http.StatusCreated)
	})

	e.DELETE("/graph/nodes/:id", func(c echo.Context) error {
		if err := g.RemoveNode(c.Request().Context(), c.Param("id")); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
		}
		return c.NoContent(http.StatusNoContent)
	})

	e.POST("/graph/wires", func(c echo.Context) error {
		var body struct{ From, To string }
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		if err := g.Wire(c.Request().Context(), body.From, body.To); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		return c.NoContent(http.StatusCreated)
	})

	e.DELETE("/graph/wires", func(c echo.Context) error {
		var body struct{ From, To string }
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		if err := g.Unwire(c.Request().Context(), body.From, body.To); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		return c.NoContent(http.StatusNoContent)
	})

	e.GET("/graph/nodes/:id/logs", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.NodeLogs(c.Param("id")))
	})

	e.POST("/graph/inject/:id/:port", func(c echo.Context) error {
		var body struct {
			Text string `json:"text"`
		}
		_ = c.Bind(&body)
		if err := g.Inject(c.Param("id"), c.Param("port"), body.Text); err != nil {
			return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
		}
		return c.NoContent(http.StatusAccepted)
	})
}
