package lark

import (
	"context"
	"encoding/json"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkIm "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
)

// Messenger implements port.Notifier with interactive card messages
type Messenger struct {
	client *lark.Client
	logger *zap.Logger
}

// NewMessenger creates a new Lark message sender
func NewMessenger(client *lark.Client, logger *zap.Logger) *Messenger {
	return &Messenger{
		client: client,
		logger: logger,
	}
}

// Notify sends n as a card with the title as header and the content as markdown
func (m *Messenger) Notify(ctx context.Context, n port.Notification) error {
	if n.ReceiveID == "" {
		return fmt.Errorf("receive id cannot be empty")
	}
	if n.Content == "" {
		return fmt.Errorf("content cannot be empty")
	}

	receiveIDType := n.ReceiveIDType
	if receiveIDType == "" {
		receiveIDType = "open_id"
	}

	card, err := json.Marshal(buildCard(n.Title, n.Content))
	if err != nil {
		return fmt.Errorf("failed to marshal card content: %w", err)
	}

	_, err = m.send(ctx, receiveIDType, n.ReceiveID, "interactive", string(card))
	return err
}

// send posts one message and returns its id
func (m *Messenger) send(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	req := larkIm.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkIm.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := m.client.Im.Message.Create(ctx, req)
	if err != nil {
		m.logger.Error("Failed to send message",
			zap.String("receive_id", receiveID),
			zap.Error(err))
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	if !resp.Success() {
		m.logger.Error("API returned failure",
			zap.String("receive_id", receiveID),
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
		return "", fmt.Errorf("lark API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}

	m.logger.Info("Message sent",
		zap.String("message_id", messageID),
		zap.String("receive_id", receiveID))
	return messageID, nil
}

type cardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type card struct {
	Config struct {
		WideScreenMode bool `json:"wide_screen_mode"`
	} `json:"config"`
	Header struct {
		Template string   `json:"template"`
		Title    cardText `json:"title"`
	} `json:"header"`
	Elements []cardText `json:"elements"`
}

func buildCard(title, content string) card {
	var c card
	c.Config.WideScreenMode = true
	c.Header.Template = "blue"
	c.Header.Title = cardText{Tag: "plain_text", Content: title}
	c.Elements = []cardText{{Tag: "markdown", Content: content}}
	return c
}

var _ port.Notifier = (*Messenger)(nil)
