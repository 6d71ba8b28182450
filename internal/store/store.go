package store

import (
	"context"

	"github.com/freightdesk/waypoint/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (read-mostly; the engine never mutates an active definition)
	PutDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string, version int) (*Definition, error)
	GetActiveDefinition(ctx context.Context, id string) (*Definition, error)
	ListDefinitions(ctx context.Context, status schema.DefinitionStatus) ([]*Definition, error)

	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// TAT records and audit
	UpsertTATRecord(ctx context.Context, rec *TATRecord) error
	GetTATRecord(ctx context.Context, entity schema.EntityRef) (*TATRecord, error)
	AppendTATAudit(ctx context.Context, entry *TATAuditEntry) error
	ListTATAudit(ctx context.Context, entity schema.EntityRef) ([]*TATAuditEntry, error)

	// Notifications
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*Notification, error)

	// Notification dedup marks
	GetNotificationMark(ctx context.Context, instanceID, threshold string) (*NotificationMark, error)
	PutNotificationMark(ctx context.Context, mark *NotificationMark) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
