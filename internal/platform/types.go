package platform

import "encoding/json"

// Account is a tenant the authenticated user belongs to. Only accounts whose
// Products include the configured product code are selectable.
type Account struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     string   `json:"type,omitempty"`
	Products []string `json:"products"`
	Features []string `json:"features"`
}

// Project is a sub-division of an account. The API scopes projects to the
// account named in the account header; there is no foreign key in the payload.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Subject is the user's clinical-record identity within a project.
type Subject struct {
	SubjectID string `json:"subjectId"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// AcceptedInvite is the upstream response to accepting an invitation.
type AcceptedInvite struct {
	ID          string `json:"id"`
	Account     string `json:"account"`
	AccountName string `json:"accountName"`
	Status      string `json:"status"`
}

// AppConfig is passed through to clients untouched.
type AppConfig = json.RawMessage
