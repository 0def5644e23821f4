package models

// ProjectUsage tracks resource consumption for a project
type ProjectUsage struct {
	ProjectID      string  `json:"projectId"`
	BrowserMinutes float64 `json:"browserMinutes"`
	ActiveSessions int     `json:"activeSessions"`
}
