package clickup

import (
	"context"
	"strings"
)

// MaxSearchResults caps free-text search output.
const MaxSearchResults = 10

// SearchByFreeText fetches one page of the team's most recently updated open
// tasks and keeps those whose name contains query, ignoring case. The API has
// no full-text search, so matches outside that page are not found.
func SearchByFreeText(ctx context.Context, api API, teamID, query string) ([]Task, error) {
	tasks, err := api.GetTeamTasks(ctx, teamID, TeamTaskFilter{
		OrderBy:       "updated",
		Reverse:       true,
		IncludeClosed: false,
		Page:          0,
	})
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	out := make([]Task, 0, MaxSearchResults)
	for _, t := range tasks {
		if needle != "" && !strings.Contains(strings.ToLower(t.Name), needle) {
			continue
		}
		out = append(out, t)
		if len(out) == MaxSearchResults {
			break
		}
	}
	return out, nil
}

// FindTaskByCustomField returns open tasks in listID whose custom field equals value.
func FindTaskByCustomField(ctx context.Context, api API, listID, fieldID, value string) ([]Task, error) {
	tasks, err := api.GetListTasks(ctx, listID, TaskFilter{
		CustomFields: []CustomFieldFilter{{FieldID: fieldID, Operator: "=", Value: value}},
	})
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range tasks {
		if t.Closed() {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
