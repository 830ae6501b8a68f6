package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
)

// Response is the envelope of every JSON API reply except the dashboard
// send endpoint, which keeps its own Result shape.
type Response struct {
	Status  bool        `json:"status"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Result is the body of the dashboard send endpoint.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	To      string `json:"to,omitempty"`
	Error   string `json:"error,omitempty"`
}

func logResponse(c *fiber.Ctx, code int, message string) {
	statusMessage := http.StatusText(code)
	if message == "" {
		message = statusMessage
	}
	line := fmt.Sprintf("%d %v", code, message)
	if code >= http.StatusBadRequest {
		log.Print(c).Error(line)
		return
	}
	log.Print(c).Info(line)
}

func respond(c *fiber.Ctx, code int, message string, data interface{}) error {
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(code)
	}
	response := Response{
		Status:  code < http.StatusBadRequest,
		Code:    code,
		Message: message,
		Data:    data,
	}
	if !response.Status {
		response.Error = message
	}
	logResponse(c, code, message)
	return c.Status(code).JSON(response)
}

func ResponseSuccess(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusOK, message, nil)
}

func ResponseSuccessWithData(c *fiber.Ctx, message string, data interface{}) error {
	return respond(c, http.StatusOK, message, data)
}

func ResponseAccepted(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusAccepted, message, nil)
}

func ResponseNoContent(c *fiber.Ctx) error {
	return c.SendStatus(http.StatusNoContent)
}

func ResponseNotFound(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusNotFound, message, nil)
}

func ResponseUnauthorized(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusUnauthorized, message, nil)
}

func ResponseBadRequest(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusBadRequest, message, nil)
}

func ResponseConflict(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusConflict, message, nil)
}

func ResponseInternalError(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusInternalServerError, message, nil)
}

func ResponseBadGateway(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusBadGateway, message, nil)
}

// ResponseResult writes a Result body with the given status code.
func ResponseResult(c *fiber.Ctx, code int, result Result) error {
	message := result.Message
	if !result.Success {
		message = result.Error
	}
	logResponse(c, code, message)
	return c.Status(code).JSON(result)
}
