package domain

// Pagination is the continuation state returned by list endpoints.
type Pagination struct {
	HasMore    bool    `json:"hasMore"`
	NextCursor *string `json:"nextCursor"`
}

// Cursor returns the next cursor or "" when none was returned.
func (p Pagination) Cursor() string {
	if p.NextCursor == nil {
		return ""
	}
	return *p.NextCursor
}

// ListResponse is the envelope of list endpoints.
type ListResponse[T any] struct {
	Success    bool       `json:"success"`
	Items      []T        `json:"items"`
	Pagination Pagination `json:"pagination"`
	Message    string     `json:"message,omitempty"`
}

// ItemResponse is the envelope of mutation endpoints.
type ItemResponse[T any] struct {
	Success bool   `json:"success"`
	Item    *T     `json:"item,omitempty"`
	Message string `json:"message,omitempty"`
}
