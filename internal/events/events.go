// Package events implements the OpenAerie event sink: the audit trail written
// alongside every mutation, and webhook fan-out to registered endpoints.
//
// Audit rows ride the caller's transaction. Webhook emission is best-effort:
// a failure to enqueue or deliver never fails or rolls back the mutation that
// triggered it — consumers get at-least-once delivery, not exactly-once.
package events

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/vesaa/openaerie/internal/models"
	"gorm.io/gorm"
)

// Sink fans events out to audit rows and webhook deliveries.
type Sink struct {
	db     *gorm.DB
	client *http.Client
}

// NewSink creates a Sink. timeout bounds each webhook delivery request.
func NewSink(db *gorm.DB, timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sink{
		db:     db,
		client: &http.Client{Timeout: timeout},
	}
}

// Audit appends an audit row on tx, so it commits or rolls back with the
// mutation it describes.
func (s *Sink) Audit(tx *gorm.DB, actor, action, entityType, entityID string, payload models.JSONMap) {
	if actor == "" {
		actor = "system"
	}
	record := models.AuditLog{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	}
	if err := tx.Create(&record).Error; err != nil {
		log.Printf("[events] audit write failed for %s: %v", action, err)
	}
}

// Emit enqueues a delivery row for every active endpoint subscribed to event.
// Runs on tx when given, otherwise on the Sink's own handle. Errors are
// logged and swallowed.
func (s *Sink) Emit(tx *gorm.DB, event string, payload models.JSONMap) {
	db := tx
	if db == nil {
		db = s.db
	}

	var endpoints []models.WebhookEndpoint
	if err := db.Where("is_active = ?", true).Order("created_at asc").Find(&endpoints).Error; err != nil {
		log.Printf("[events] endpoint lookup failed for %s: %v", event, err)
		return
	}

	for _, ep := range endpoints {
		if len(ep.Events) > 0 && !ep.Events.Contains(event) {
			continue
		}
		delivery := models.WebhookDelivery{
			EndpointID: ep.ID,
			Event:      event,
			Payload:    payload,
		}
		if err := db.Create(&delivery).Error; err != nil {
			log.Printf("[events] enqueue failed for %s → %s: %v", event, ep.Name, err)
		}
	}
}

// DeliveryReport summarizes one DeliverPending pass.
type DeliveryReport struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// DeliverPending POSTs up to limit pending deliveries, oldest first. Each
// request carries the event name and an HMAC-SHA256 body signature so
// consumers can verify origin. One attempt per call; there is no retry
// scheduler.
func (s *Sink) DeliverPending(limit int) (DeliveryReport, error) {
	if limit <= 0 {
		limit = 100
	}

	var pending []models.WebhookDelivery
	err := s.db.Where("status = ?", models.DeliveryPending).
		Order("created_at asc").Limit(limit).Find(&pending).Error
	if err != nil {
		return DeliveryReport{}, err
	}

	report := DeliveryReport{Processed: len(pending)}
	for i := range pending {
		item := &pending[i]

		var endpoint models.WebhookEndpoint
		if err := s.db.First(&endpoint, "id = ?", item.EndpointID).Error; err != nil || !endpoint.IsActive {
			item.Status = models.DeliveryFailed
			item.LastError = "endpoint_inactive"
			item.Attempts++
			report.Failed++
			s.save(item)
			continue
		}

		s.deliver(item, &endpoint)
		if item.Status == models.DeliverySent {
			report.Sent++
		} else {
			report.Failed++
		}
		s.save(item)
	}
	return report, nil
}

func (s *Sink) deliver(item *models.WebhookDelivery, endpoint *models.WebhookEndpoint) {
	body, err := json.Marshal(item.Payload)
	if err != nil {
		item.Status = models.DeliveryFailed
		item.LastError = err.Error()
		item.Attempts++
		return
	}

	req, err := http.NewRequest(http.MethodPost, endpoint.TargetURL, bytes.NewReader(body))
	if err != nil {
		item.Status = models.DeliveryFailed
		item.LastError = err.Error()
		item.Attempts++
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Aerie-Event", item.Event)
	req.Header.Set("X-Aerie-Signature", Signature(endpoint.Secret, body))

	item.Attempts++
	resp, err := s.client.Do(req)
	if err != nil {
		item.Status = models.DeliveryFailed
		item.LastError = err.Error()
		return
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	item.ResponseStatus = &code
	if code >= 200 && code < 300 {
		now := time.Now().UTC()
		item.Status = models.DeliverySent
		item.SentAt = &now
		item.LastError = ""
	} else {
		item.Status = models.DeliveryFailed
		item.LastError = fmt.Sprintf("status_%d", code)
	}
}

func (s *Sink) save(item *models.WebhookDelivery) {
	if err := s.db.Save(item).Error; err != nil {
		log.Printf("[events] delivery update failed for %s: %v", item.ID, err)
	}
}

// Signature computes the "sha256=<hex>" HMAC header value for body.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
