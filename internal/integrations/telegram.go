package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"keypanel/backend/internal/models"
)

const telegramAPI = "https://api.telegram.org"

// TelegramAlerter posts balance alerts to the admin chats.
type TelegramAlerter struct {
	token   string
	chatIDs []int64
	baseURL string
	client  *http.Client
}

func NewTelegramAlerter(token string, chatIDs []int64) *TelegramAlerter {
	return &TelegramAlerter{
		token:   token,
		chatIDs: chatIDs,
		baseURL: telegramAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyBalance implements reconciler.Alerter.
func (t *TelegramAlerter) NotifyBalance(ctx context.Context, report models.BalanceReport, previousLevel string) error {
	text := balanceAlertText(report, previousLevel)
	var errs []error
	for _, chatID := range t.chatIDs {
		if err := t.SendMessage(ctx, chatID, text); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func (t *TelegramAlerter) SendMessage(ctx context.Context, chatID int64, text string) error {
	return t.post(ctx, "sendMessage", map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	})
}

func (t *TelegramAlerter) post(ctx context.Context, method string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram %s status %d", method, resp.StatusCode)
	}
	return nil
}

func balanceAlertText(report models.BalanceReport, previousLevel string) string {
	var b strings.Builder
	switch report.Level {
	case models.BalanceLevelZero:
		b.WriteString("Provider balance is empty")
	default:
		b.WriteString("Provider balance is low")
	}
	fmt.Fprintf(&b, "\nAccount: %s (#%d)", report.AccountName, report.AccountID)
	if report.Balance != nil {
		fmt.Fprintf(&b, "\nBalance: %s %s", report.Balance.StringFixed(2), report.Currency)
	}
	if previousLevel != "" {
		fmt.Fprintf(&b, "\nWas: %s", previousLevel)
	}
	return b.String()
}
