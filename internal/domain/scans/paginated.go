package scans

// Page is a cursor-paginated list of scans, newest first.
type Page struct {
	Data       []*Scan `json:"data"`
	NextCursor string  `json:"next_cursor,omitempty"`
}
