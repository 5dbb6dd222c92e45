package models

import "time"

// NotificationType is the severity class of a user notification.
type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

// Notification is a user-visible message produced from a dispatched
// event. Held in a bounded in-memory list, never persisted.
type Notification struct {
	ID        string            `json:"id"`
	Type      NotificationType  `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Read      bool              `json:"read"`
	Dismissed bool              `json:"dismissed"`
	Data      map[string]string `json:"data,omitempty"`
}

// HealthReport is the component-by-component status snapshot exposed
// for operational dashboards.
type HealthReport struct {
	Healthy            bool      `json:"healthy"`
	ListenerConnected  bool      `json:"listener_connected"`
	StorageResponsive  bool      `json:"storage_responsive"`
	BroadcasterClients int       `json:"broadcaster_clients"`
	LastProcessedBlock uint64    `json:"last_processed_block"`
	ErrorCount         uint64    `json:"error_count"`
	UptimeSeconds      float64   `json:"uptime_seconds"`
	CheckedAt          time.Time `json:"checked_at"`
	Issues             []string  `json:"issues,omitempty"`
}
