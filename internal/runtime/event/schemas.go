package event

// Event types with a built-in payload schema.
const (
	TypeUserCreated = "auth.UserCreatedEvent"
	TypeUserUpdated = "auth.UserUpdatedEvent"
	TypeUserDeleted = "auth.UserDeletedEvent"

	TypeFeedbackCreated       = "feedback.FeedbackCreatedEvent"
	TypeFeedbackUpdated       = "feedback.FeedbackUpdatedEvent"
	TypeFeedbackStatusChanged = "feedback.FeedbackStatusChangedEvent"
	TypeFeedbackDeleted       = "feedback.FeedbackDeletedEvent"
)

var (
	userRoles        = []string{"user", "admin", "moderator"}
	feedbackStatuses = []string{"open", "in_progress", "resolved", "closed"}
	feedbackKinds    = []string{"bug", "feature", "improvement", "question", "other"}
	feedbackPriority = []string{"low", "medium", "high", "critical"}
)

// DefaultSchemas returns the payload schemas for the user and feedback
// lifecycle events. The map is freshly allocated on every call.
func DefaultSchemas() map[string]PayloadSchema {
	return map[string]PayloadSchema{
		TypeUserCreated: {Fields: []FieldRule{
			{Name: "userId", Type: FieldString, Required: true},
			{Name: "email", Type: FieldString, Required: true},
			{Name: "username", Type: FieldString},
			{Name: "role", Type: FieldString, Enum: userRoles},
			{Name: "createdAt", Type: FieldTimestamp},
		}},
		TypeUserUpdated: {Fields: []FieldRule{
			{Name: "userId", Type: FieldString, Required: true},
			{Name: "changes", Type: FieldObject, Required: true},
			{Name: "role", Type: FieldString, Enum: userRoles},
			{Name: "updatedAt", Type: FieldTimestamp},
		}},
		TypeUserDeleted: {Fields: []FieldRule{
			{Name: "userId", Type: FieldString, Required: true},
			{Name: "deletedAt", Type: FieldTimestamp},
			{Name: "hardDelete", Type: FieldBoolean},
		}},
		TypeFeedbackCreated: {Fields: []FieldRule{
			{Name: "feedbackId", Type: FieldString, Required: true},
			{Name: "userId", Type: FieldString, Required: true},
			{Name: "title", Type: FieldString, Required: true},
			{Name: "description", Type: FieldString},
			{Name: "type", Type: FieldString, Enum: feedbackKinds},
			{Name: "priority", Type: FieldString, Enum: feedbackPriority},
			{Name: "categoryId", Type: FieldString, Nullable: true},
			{Name: "tags", Type: FieldArray},
			{Name: "rating", Type: FieldInteger},
		}},
		TypeFeedbackUpdated: {Fields: []FieldRule{
			{Name: "feedbackId", Type: FieldString, Required: true},
			{Name: "changes", Type: FieldObject, Required: true},
			{Name: "updatedBy", Type: FieldString},
		}},
		TypeFeedbackStatusChanged: {Fields: []FieldRule{
			{Name: "feedbackId", Type: FieldString, Required: true},
			{Name: "previousStatus", Type: FieldString, Required: true, Enum: feedbackStatuses},
			{Name: "newStatus", Type: FieldString, Required: true, Enum: feedbackStatuses},
			{Name: "changedBy", Type: FieldString},
		}},
		TypeFeedbackDeleted: {Fields: []FieldRule{
			{Name: "feedbackId", Type: FieldString, Required: true},
			{Name: "deletedBy", Type: FieldString},
		}},
	}
}
