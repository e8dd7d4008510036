package models

type ChangeType string

const (
	ChangeCreated ChangeType = "create"
	ChangeUpdated ChangeType = "update"
	ChangeDeleted ChangeType = "delete"
)

// RemoteChange is one document change seen on the remote store. For
// deletes only Reminder.ID and Reminder.UserID are meaningful, plus
// LastModified when the remote keeps a tombstone.
type RemoteChange struct {
	Reminder *Reminder
	DeviceID string
	Type     ChangeType
}
