package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const chatSystemPrompt = "You are a helpful assistant."

var errNoUserMessage = errors.New("last message must be a non-empty user message")

// chatHandler streams a single-assistant reply to a conversation transcript.
// POST /api/chat - Body: {"messages": [{"role", "content"}]}.
// Events: delta {text}, then done {text} or error {message}.
func (s *Server) chatHandler(c *gin.Context) {
	var request ChatRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	content, err := chatContent(request.Messages)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stream := OpenSSEStream(c.Writer, s.logger)
	defer stream.Close()

	gen := s.gateway.Generate(c.Request.Context(), s.cfg.ChatModel, chatSystemPrompt, content)
	defer gen.Close()

	for gen.Next() {
		if err := stream.WriteEvent("delta", gin.H{"text": gen.Delta()}); err != nil {
			s.logger.Debug("Chat client went away", zap.Error(err))
			ChatRequests.WithLabelValues("disconnected").Inc()
			return
		}
	}

	if err := gen.Err(); err != nil {
		ChatRequests.WithLabelValues("error").Inc()
		s.logger.Warn("Chat generation failed",
			zap.String("model", s.cfg.ChatModel.ProviderModelID),
			zap.Error(err),
		)
		_ = stream.WriteEvent("error", errorPayload{Message: "Failed to generate response"})
		return
	}

	ChatRequests.WithLabelValues("ok").Inc()
	_ = stream.WriteEvent("done", gin.H{"text": gen.Text()})
}

// chatContent splits a transcript into prior turns and the final user turn.
func chatContent(messages []ChatMessage) (UserContent, error) {
	if len(messages) == 0 {
		return UserContent{}, errNoUserMessage
	}

	last := messages[len(messages)-1]
	if last.Role != "user" || strings.TrimSpace(last.Content) == "" {
		return UserContent{}, errNoUserMessage
	}

	history := make([]ChatMessage, 0, len(messages)-1)
	for _, m := range messages[:len(messages)-1] {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		history = append(history, m)
	}

	return UserContent{Text: last.Content, History: history}, nil
}
