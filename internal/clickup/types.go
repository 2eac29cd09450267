package clickup

type User struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	Color          string `json:"color,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
	Initials       string `json:"initials,omitempty"`
}

type Member struct {
	User User `json:"user"`
}

// Team is a workspace.
type Team struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Color   string   `json:"color,omitempty"`
	Members []Member `json:"members,omitempty"`
}

type Space struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Folder struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Lists []List `json:"lists,omitempty"`
}

type List struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CustomField struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type Status struct {
	Status string `json:"status"`
	Type   string `json:"type,omitempty"`
	Color  string `json:"color,omitempty"`
}

type Task struct {
	ID          string `json:"id"`
	CustomID    string `json:"custom_id,omitempty"`
	Name        string `json:"name"`
	Status      Status `json:"status"`
	URL         string `json:"url"`
	Archived    bool   `json:"archived"`
	DateCreated string `json:"date_created,omitempty"`
	DateUpdated string `json:"date_updated,omitempty"`
	DateClosed  string `json:"date_closed,omitempty"`
	List        List   `json:"list"`
	TeamID      string `json:"team_id,omitempty"`
}

// Closed reports whether the task is finished: closed, archived, or in a
// "complete" status.
func (t Task) Closed() bool {
	return t.Archived || t.DateClosed != "" || t.Status.Type == "closed" || t.Status.Status == "complete"
}

// CustomFieldValue sets a custom field on task creation.
type CustomFieldValue struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
}

// CreateTaskRequest is the body of POST /list/{id}/task. Dates are unix ms.
type CreateTaskRequest struct {
	Name                string             `json:"name"`
	Description         string             `json:"description,omitempty"`
	MarkdownDescription string             `json:"markdown_description,omitempty"`
	Assignees           []int64            `json:"assignees,omitempty"`
	Status              string             `json:"status,omitempty"`
	Priority            *int               `json:"priority,omitempty"`
	StartDate           int64              `json:"start_date,omitempty"`
	DueDate             int64              `json:"due_date,omitempty"`
	TimeEstimate        int64              `json:"time_estimate,omitempty"`
	CustomFields        []CustomFieldValue `json:"custom_fields,omitempty"`
}

// TimeEntry is the body of POST /team/{id}/time_entries. Start and Duration are ms.
type TimeEntry struct {
	TaskID      string `json:"tid"`
	Start       int64  `json:"start"`
	Duration    int64  `json:"duration"`
	Description string `json:"description,omitempty"`
}

// CustomFieldFilter is one element of the custom_fields query parameter.
type CustomFieldFilter struct {
	FieldID  string `json:"field_id"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type TaskFilter struct {
	CustomFields  []CustomFieldFilter
	IncludeClosed bool
	Page          int
}

type TeamTaskFilter struct {
	OrderBy       string
	Reverse       bool
	IncludeClosed bool
	Subtasks      bool
	Page          int
}

type apiError struct {
	Err   string `json:"err"`
	ECode string `json:"ECODE"`
}

type userEnvelope struct {
	User User `json:"user"`
}

type teamsEnvelope struct {
	Teams []Team `json:"teams"`
}

type spacesEnvelope struct {
	Spaces []Space `json:"spaces"`
}

type foldersEnvelope struct {
	Folders []Folder `json:"folders"`
}

type listsEnvelope struct {
	Lists []List `json:"lists"`
}

type fieldsEnvelope struct {
	Fields []CustomField `json:"fields"`
}

type tasksEnvelope struct {
	Tasks []Task `json:"tasks"`
}
