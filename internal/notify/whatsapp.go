package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultWhatsAppBaseURL = "https://graph.facebook.com/v18.0"

// WhatsAppSender sends text messages through the WhatsApp Cloud API.
type WhatsAppSender struct {
	accessToken   string
	phoneNumberID string
	baseURL       string
	httpClient    *http.Client
}

func NewWhatsAppSender(accessToken, phoneNumberID, baseURL string) (*WhatsAppSender, error) {
	if accessToken == "" || phoneNumberID == "" {
		return nil, errors.New("WHATSAPP_ACCESS_TOKEN and WHATSAPP_PHONE_NUMBER_ID must be set")
	}
	if baseURL == "" {
		baseURL = defaultWhatsAppBaseURL
	}
	return &WhatsAppSender{
		accessToken:   accessToken,
		phoneNumberID: phoneNumberID,
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type whatsAppTextMessage struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

type whatsAppResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (w *WhatsAppSender) Deliver(ctx context.Context, msg StubMessage) (string, error) {
	m := whatsAppTextMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.Recipient,
		Type:             "text",
	}
	m.Text.PreviewURL = msg.ActionURL != ""
	m.Text.Body = whatsAppBody(msg)

	payload, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal whatsapp message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", w.baseURL, w.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send whatsapp request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read whatsapp response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whatsapp api error (status %d): %s", resp.StatusCode, string(body))
	}

	var out whatsAppResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode whatsapp response: %w", err)
	}
	if len(out.Messages) == 0 {
		return "", errors.New("no message id in whatsapp response")
	}
	return out.Messages[0].ID, nil
}

func whatsAppBody(msg StubMessage) string {
	text := msg.Body
	if msg.Subject != "" {
		text = "*" + msg.Subject + "*\n" + text
	}
	if msg.ActionURL != "" {
		text += "\n" + msg.ActionURL
	}
	return text
}
