package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WorkflowNotification 通知内容,引擎构造后交给Notifier发送
type WorkflowNotification struct {
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	ResourceType ResourceType   `json:"resource_type"`
	ResourceName string         `json:"resource_name"`
	Status       WorkflowStatus `json:"status"`
	ToEmails     []string       `json:"to_emails"`
}

// Notifier 通知旁路,尽力而为
// 发送失败由引擎记录日志后吞掉,永远不影响状态机本身
type Notifier interface {
	SendWorkflowStarted(ctx context.Context, notification *WorkflowNotification) error
	SendWorkflowEscalated(ctx context.Context, notification *WorkflowNotification) error
	SendWorkflowFinished(ctx context.Context, notification *WorkflowNotification) error
}

// NewSlogNotifier 默认通知器,只打日志,没有外部依赖
func NewSlogNotifier() Notifier {
	return &slogNotifier{}
}

type slogNotifier struct {
}

func (n *slogNotifier) SendWorkflowStarted(ctx context.Context, notification *WorkflowNotification) error {
	slog.InfoContext(ctx, fmt.Sprintf("[notify] workflow started, workflowID: %s, name: %s, to: %v",
		notification.WorkflowID, notification.WorkflowName, notification.ToEmails))
	return nil
}

func (n *slogNotifier) SendWorkflowEscalated(ctx context.Context, notification *WorkflowNotification) error {
	slog.InfoContext(ctx, fmt.Sprintf("[notify] workflow escalated, workflowID: %s, name: %s, to: %v",
		notification.WorkflowID, notification.WorkflowName, notification.ToEmails))
	return nil
}

func (n *slogNotifier) SendWorkflowFinished(ctx context.Context, notification *WorkflowNotification) error {
	slog.InfoContext(ctx, fmt.Sprintf("[notify] workflow finished, workflowID: %s, status: %s, to: %v",
		notification.WorkflowID, notification.Status, notification.ToEmails))
	return nil
}

// WebhookNotifier 把通知推到邮件网关的webhook,带HMAC签名
type WebhookNotifier struct {
	WebhookURL string
	Secret     string
	httpClient *http.Client
}

func NewWebhookNotifier(webhookURL string, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		WebhookURL: webhookURL,
		Secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) SendWorkflowStarted(ctx context.Context, notification *WorkflowNotification) error {
	return n.sendEvent(ctx, "workflow_started", notification)
}

func (n *WebhookNotifier) SendWorkflowEscalated(ctx context.Context, notification *WorkflowNotification) error {
	return n.sendEvent(ctx, "workflow_escalated", notification)
}

func (n *WebhookNotifier) SendWorkflowFinished(ctx context.Context, notification *WorkflowNotification) error {
	return n.sendEvent(ctx, "workflow_finished", notification)
}

func (n *WebhookNotifier) sendEvent(ctx context.Context, event string, notification *WorkflowNotification) error {
	timestamp := time.Now().Unix()
	message := map[string]any{
		"timestamp":    timestamp,
		"sign":         n.genSign(timestamp),
		"event":        event,
		"notification": notification,
	}
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal notification failed: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send notification failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notification webhook status %d, body: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (n *WebhookNotifier) genSign(timestamp int64) string {
	if n.Secret == "" {
		return ""
	}
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, n.Secret)
	h := hmac.New(sha256.New, []byte(n.Secret))
	h.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
