// Package board binds the task board's REST resources and push rooms to
// live views: one constructor per list the client can mount.
package board

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"prism-live/collection"
	"prism-live/domain"
	"prism-live/fetch"
	"prism-live/live"
	"prism-live/projection"
)

const DefaultPageSize = 30

type Board struct {
	client   *fetch.Client
	pageSize int
}

func New(client *fetch.Client, pageSize int) *Board {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Board{client: client, pageSize: pageSize}
}

// TaskList is the newest-first list of a project's tasks narrowed by
// filter. Pushed creates are admitted only when they match the filter the
// view currently holds.
func (b *Board) TaskList(projectID string, filter domain.TaskFilter) live.Spec[domain.Task] {
	return live.Spec[domain.Task]{
		Name:   "tasks",
		Entity: domain.EntityTask,
		Topic:  domain.ProjectTopic(projectID),
		Policy: collection.Policy[domain.Task]{
			ID:       func(t domain.Task) string { return t.ID },
			Ordering: collection.NewestFirst,
			Less:     func(a, b domain.Task) bool { return newerFirst(a.CreatedAt, b.CreatedAt) },
		},
		Query: filter.Values(),
		Load:  pageLoader[domain.Task](b, projectTasksPath(projectID)),
		Admit: func(query url.Values, t domain.Task) bool {
			if t.ProjectID != "" && t.ProjectID != projectID {
				return false
			}
			return domain.ParseTaskFilter(query).Matches(t)
		},
		Project: projection.Projector[domain.Task]{
			Fields: func(t domain.Task) []string { return []string{t.Title, t.Description} },
		},
		Prepare: func(t domain.Task) domain.Task {
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			if t.ProjectID == "" {
				t.ProjectID = projectID
			}
			if t.Status == "" {
				t.Status = domain.StatusTodo
			}
			t.CreatedAt, t.UpdatedAt = stamp(t.CreatedAt, t.UpdatedAt)
			return t
		},
		Create: func(ctx context.Context, t domain.Task) (*domain.Task, error) {
			return fetch.Mutate[domain.Task](ctx, b.client, http.MethodPost, projectTasksPath(projectID), t)
		},
		Update: func(ctx context.Context, t domain.Task) (*domain.Task, error) {
			return fetch.Mutate[domain.Task](ctx, b.client, http.MethodPatch, taskPath(t.ID), t)
		},
		Delete: b.deleter(taskPath),
	}
}

// CommentThread is the oldest-first discussion under a task.
func (b *Board) CommentThread(taskID string) live.Spec[domain.Comment] {
	return live.Spec[domain.Comment]{
		Name:   "comments",
		Entity: domain.EntityComment,
		Topic:  domain.TaskTopic(taskID),
		Policy: collection.Policy[domain.Comment]{
			ID:       func(c domain.Comment) string { return c.ID },
			Ordering: collection.OldestFirst,
		},
		Load: pageLoader[domain.Comment](b, taskCommentsPath(taskID)),
		Admit: func(_ url.Values, c domain.Comment) bool {
			return c.TaskID == "" || c.TaskID == taskID
		},
		Project: projection.Projector[domain.Comment]{
			Fields: func(c domain.Comment) []string { return []string{c.Body, c.AuthorName} },
		},
		Prepare: func(c domain.Comment) domain.Comment {
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			if c.TaskID == "" {
				c.TaskID = taskID
			}
			c.CreatedAt, c.UpdatedAt = stamp(c.CreatedAt, c.UpdatedAt)
			return c
		},
		Create: func(ctx context.Context, c domain.Comment) (*domain.Comment, error) {
			return fetch.Mutate[domain.Comment](ctx, b.client, http.MethodPost, taskCommentsPath(taskID), c)
		},
		Update: func(ctx context.Context, c domain.Comment) (*domain.Comment, error) {
			return fetch.Mutate[domain.Comment](ctx, b.client, http.MethodPatch, commentPath(c.ID), c)
		},
		Delete: b.deleter(commentPath),
	}
}

// ProjectList is the newest-first list of projects visible to userID.
func (b *Board) ProjectList(userID string) live.Spec[domain.Project] {
	return live.Spec[domain.Project]{
		Name:   "projects",
		Entity: domain.EntityProject,
		Topic:  domain.UserTopic(userID),
		Policy: collection.Policy[domain.Project]{
			ID:       func(p domain.Project) string { return p.ID },
			Ordering: collection.NewestFirst,
			Less:     func(a, b domain.Project) bool { return newerFirst(a.CreatedAt, b.CreatedAt) },
		},
		Load: pageLoader[domain.Project](b, projectsPath()),
		Project: projection.Projector[domain.Project]{
			Fields: func(p domain.Project) []string { return []string{p.Name, p.Description} },
			Less:   func(a, b domain.Project) bool { return strings.ToLower(a.Name) < strings.ToLower(b.Name) },
		},
		Prepare: func(p domain.Project) domain.Project {
			if p.ID == "" {
				p.ID = uuid.NewString()
			}
			if p.OwnerID == "" {
				p.OwnerID = userID
			}
			p.CreatedAt, p.UpdatedAt = stamp(p.CreatedAt, p.UpdatedAt)
			return p
		},
		Create: func(ctx context.Context, p domain.Project) (*domain.Project, error) {
			return fetch.Mutate[domain.Project](ctx, b.client, http.MethodPost, projectsPath(), p)
		},
		Update: func(ctx context.Context, p domain.Project) (*domain.Project, error) {
			return fetch.Mutate[domain.Project](ctx, b.client, http.MethodPatch, projectPath(p.ID), p)
		},
		Delete: b.deleter(projectPath),
	}
}

// MemberList is the read-only, oldest-first member roster of a project.
func (b *Board) MemberList(projectID string) live.Spec[domain.Member] {
	return live.Spec[domain.Member]{
		Name:   "members",
		Entity: domain.EntityMember,
		Topic:  domain.ProjectTopic(projectID),
		Policy: collection.Policy[domain.Member]{
			ID:       func(m domain.Member) string { return m.ID },
			Ordering: collection.OldestFirst,
		},
		Load: pageLoader[domain.Member](b, projectMembersPath(projectID)),
		Admit: func(_ url.Values, m domain.Member) bool {
			return m.ProjectID == "" || m.ProjectID == projectID
		},
		Project: projection.Projector[domain.Member]{
			Fields: func(m domain.Member) []string { return []string{m.Name, m.Email, m.Role} },
		},
	}
}

func pageLoader[T any](b *Board, endpoint string) func(context.Context, url.Values, string) (collection.Page[T], error) {
	return func(ctx context.Context, query url.Values, cursor string) (collection.Page[T], error) {
		resp, err := fetch.ListPage[T](ctx, b.client, endpoint, query, cursor, b.pageSize)
		if err != nil {
			return collection.Page[T]{}, err
		}
		return collection.Page[T]{
			Items:      resp.Items,
			HasMore:    resp.Pagination.HasMore,
			NextCursor: resp.Pagination.Cursor(),
		}, nil
	}
}

func (b *Board) deleter(path func(string) string) func(context.Context, string) error {
	return func(ctx context.Context, id string) error {
		return b.client.Request(ctx, path(id), fetch.Options{Method: http.MethodDelete}, nil)
	}
}

// newerFirst orders by creation time, newest first. A missing timestamp
// counts as newest.
func newerFirst(a, b time.Time) bool {
	if a.IsZero() {
		return true
	}
	if b.IsZero() {
		return false
	}
	return a.After(b)
}

// stamp gives an optimistic item a local creation time that sorts after
// everything created before it.
func stamp(created, updated time.Time) (time.Time, time.Time) {
	if created.IsZero() {
		created = domain.NextTimestamp()
	}
	if updated.IsZero() {
		updated = created
	}
	return created, updated
}
