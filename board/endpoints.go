package board

import "net/url"

const apiPrefix = "/api"

func projectsPath() string { return apiPrefix + "/projects" }

func projectPath(id string) string { return projectsPath() + "/" + url.PathEscape(id) }

func projectTasksPath(projectID string) string { return projectPath(projectID) + "/tasks" }

func projectMembersPath(projectID string) string { return projectPath(projectID) + "/members" }

func taskPath(id string) string { return apiPrefix + "/tasks/" + url.PathEscape(id) }

func taskCommentsPath(taskID string) string { return taskPath(taskID) + "/comments" }

func commentPath(id string) string { return apiPrefix + "/comments/" + url.PathEscape(id) }
