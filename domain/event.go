package domain

import "github.com/bytedance/sonic"

const (
	EntityTask    = "task"
	EntityComment = "comment"
	EntityProject = "project"
	EntityMember  = "member"
)

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// EventName builds a push event name such as "task:created".
func EventName(entity, action string) string {
	return entity + ":" + action
}

// EventPayload is the data carried by a push event. Created and updated
// events carry Entity; deleted events carry EntityID.
type EventPayload struct {
	Entity   sonic.NoCopyRawMessage `json:"entity,omitempty"`
	EntityID string                 `json:"entityId,omitempty"`
}

// ProjectTopic is the room that carries task and member events of a project.
func ProjectTopic(projectID string) string { return "project:" + projectID }

// TaskTopic is the room that carries comment events of a task.
func TaskTopic(taskID string) string { return "task:" + taskID }

// UserTopic is the room that carries project events visible to a user.
func UserTopic(userID string) string { return "user:" + userID }
