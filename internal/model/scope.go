package model

// Scope identifies the organization/project pair a run is billed against for
// concurrency limiting. The zero value is not a valid scope.
type Scope struct {
	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id"`
}

// Valid reports whether both tiers of the scope are set.
func (s Scope) Valid() bool {
	return s.OrgID != "" && s.ProjectID != ""
}

// Scope returns the run's concurrency scope.
func (r *TestRun) Scope() Scope {
	return Scope{OrgID: r.OrgID, ProjectID: r.ProjectID}
}
