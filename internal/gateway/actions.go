package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/basket/taskbridge/internal/flow"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/reconcile"
	"github.com/basket/taskbridge/internal/session"
)

// Action names one request of the message contract. The set is closed: the
// gateway only dispatches names present in the action table.
type Action string

// Session.
const (
	ActionGetStatus       Action = "getStatus"
	ActionSaveOAuthConfig Action = "saveOAuthConfig"
	ActionGetRedirectURL  Action = "getRedirectUrl"
	ActionStartOAuth      Action = "startOAuth"
	ActionCompleteOAuth   Action = "completeOAuth"
	ActionLogout          Action = "logout"
)

// Workspace hierarchy.
const (
	ActionGetHierarchy    Action = "getHierarchy"
	ActionGetSpaces       Action = "getSpaces"
	ActionGetFolders      Action = "getFolders"
	ActionGetLists        Action = "getLists"
	ActionGetDefaultList  Action = "getDefaultList"
	ActionSaveDefaultList Action = "saveDefaultList"
)

// Tasks and links.
const (
	ActionValidateTask    Action = "validateTask"
	ActionSearchTasks     Action = "searchTasks"
	ActionCreateTask      Action = "createTask"
	ActionCreateTaskFull  Action = "createTaskFull"
	ActionAttachToTask    Action = "attachToTask"
	ActionFindLinkedTasks Action = "findLinkedTasks"
	ActionGetLinks        Action = "getLinks"
)

// Page mirror. These need a WebSocket connection to push patches to.
const (
	ActionPageLoad     Action = "pageLoad"
	ActionPageUpdate   Action = "pageUpdate"
	ActionPageNavigate Action = "pageNavigate"
	ActionPageClose    Action = "pageClose"
)

type handlerFunc func(ctx context.Context, s *Server, c *client, params json.RawMessage) (any, error)

type actionSpec struct {
	schema string
	wsOnly bool
	handle handlerFunc
}

// typed decodes params into P before calling fn. Params have already passed
// the action's schema.
func typed[P any](fn func(ctx context.Context, s *Server, c *client, p P) (any, error)) handlerFunc {
	return func(ctx context.Context, s *Server, c *client, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, &paramsError{msg: "invalid params: " + err.Error()}
			}
		}
		return fn(ctx, s, c, p)
	}
}

type none struct{}

var actions = map[Action]actionSpec{
	ActionGetStatus:       {handle: typed(getStatus)},
	ActionSaveOAuthConfig: {schema: requireStrings("clientId", "clientSecret"), handle: typed(saveOAuthConfig)},
	ActionGetRedirectURL:  {handle: typed(getRedirectURL)},
	ActionStartOAuth:      {handle: typed(startOAuth)},
	ActionCompleteOAuth:   {schema: requireStrings("code", "state"), handle: typed(completeOAuth)},
	ActionLogout:          {handle: typed(logout)},

	ActionGetHierarchy:    {handle: typed(getHierarchy)},
	ActionGetSpaces:       {schema: requireStrings("teamId"), handle: typed(getSpaces)},
	ActionGetFolders:      {schema: requireStrings("spaceId"), handle: typed(getFolders)},
	ActionGetLists:        {schema: schemaGetLists, handle: typed(getLists)},
	ActionGetDefaultList:  {handle: typed(getDefaultList)},
	ActionSaveDefaultList: {schema: schemaSaveDefaultList, handle: typed(saveDefaultList)},

	ActionValidateTask:    {schema: requireStrings("taskId"), handle: typed(validateTask)},
	ActionSearchTasks:     {schema: schemaSearchTasks, handle: typed(searchTasks)},
	ActionCreateTask:      {schema: schemaCreateTask, handle: typed(createTask)},
	ActionCreateTaskFull:  {schema: schemaCreateTaskFull, handle: typed(createTaskFull)},
	ActionAttachToTask:    {schema: schemaAttachToTask, handle: typed(attachToTask)},
	ActionFindLinkedTasks: {schema: schemaFindLinkedTasks, handle: typed(findLinkedTasks)},
	ActionGetLinks:        {schema: schemaGetLinks, handle: typed(getLinks)},

	ActionPageLoad:     {schema: schemaPageLoad, wsOnly: true, handle: typed(pageLoad)},
	ActionPageUpdate:   {schema: schemaPageUpdate, wsOnly: true, handle: typed(pageUpdate)},
	ActionPageNavigate: {schema: requireStrings("pageId", "url"), wsOnly: true, handle: typed(pageNavigate)},
	ActionPageClose:    {schema: requireStrings("pageId"), wsOnly: true, handle: typed(pageClose)},
}

// Actions lists every action the gateway serves, sorted.
func Actions() []Action {
	out := make([]Action, 0, len(actions))
	for a := range actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type success struct {
	Success bool `json:"success"`
}

// --- session ---

type statusResult struct {
	session.Status
	ConfigFingerprint string `json:"configFingerprint,omitempty"`
	Pages             int    `json:"pages"`
}

func getStatus(ctx context.Context, s *Server, _ *client, _ none) (any, error) {
	st, err := s.cfg.Session.Status(ctx)
	if err != nil {
		return nil, err
	}
	res := statusResult{Status: st, ConfigFingerprint: s.cfg.ConfigFingerprint}
	if s.cfg.Pages != nil {
		res.Pages = s.cfg.Pages.Count()
	}
	return res, nil
}

type oauthConfigParams struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

func saveOAuthConfig(ctx context.Context, s *Server, _ *client, p oauthConfigParams) (any, error) {
	if err := s.cfg.Session.SaveOAuthConfig(ctx, p.ClientID, p.ClientSecret); err != nil {
		return nil, err
	}
	return success{Success: true}, nil
}

func getRedirectURL(_ context.Context, s *Server, _ *client, _ none) (any, error) {
	return map[string]string{"redirectUrl": s.cfg.Session.RedirectURL()}, nil
}

func startOAuth(ctx context.Context, s *Server, _ *client, _ none) (any, error) {
	authURL, err := s.cfg.Session.StartOAuth(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"authUrl": authURL}, nil
}

type completeOAuthParams struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

func completeOAuth(ctx context.Context, s *Server, _ *client, p completeOAuthParams) (any, error) {
	st, err := s.cfg.Session.CompleteOAuth(ctx, p.Code, p.State)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": st.Authenticated, "user": st.User}, nil
}

func logout(ctx context.Context, s *Server, _ *client, _ none) (any, error) {
	if err := s.cfg.Session.Logout(ctx); err != nil {
		return nil, err
	}
	return success{Success: true}, nil
}

// --- hierarchy ---

func getHierarchy(ctx context.Context, s *Server, _ *client, _ none) (any, error) {
	h, err := s.cfg.Session.Hierarchy(ctx)
	if err != nil || h == nil {
		return nil, err
	}
	return h, nil
}

// orNull answers null instead of an error while no session is active, the
// way the task form expects for the hierarchy pickers.
func orNull[T any](v T, err error) (any, error) {
	if errors.Is(err, session.ErrNotAuthenticated) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

type teamParams struct {
	TeamID string `json:"teamId"`
}

func getSpaces(ctx context.Context, s *Server, _ *client, p teamParams) (any, error) {
	return orNull(s.cfg.Session.Spaces(ctx, p.TeamID))
}

type spaceParams struct {
	SpaceID string `json:"spaceId"`
}

func getFolders(ctx context.Context, s *Server, _ *client, p spaceParams) (any, error) {
	return orNull(s.cfg.Session.Folders(ctx, p.SpaceID))
}

type listsParams struct {
	FolderID string `json:"folderId"`
	SpaceID  string `json:"spaceId"`
}

func getLists(ctx context.Context, s *Server, _ *client, p listsParams) (any, error) {
	return orNull(s.cfg.Session.Lists(ctx, p.FolderID, p.SpaceID))
}

func getDefaultList(ctx context.Context, s *Server, _ *client, _ none) (any, error) {
	ref, err := s.cfg.Session.DefaultList(ctx)
	if err != nil || ref == nil {
		return nil, err
	}
	return ref, nil
}

func saveDefaultList(ctx context.Context, s *Server, _ *client, p persistence.ListRef) (any, error) {
	if err := s.cfg.Session.SaveDefaultList(ctx, p); err != nil {
		return nil, err
	}
	return success{Success: true}, nil
}

// --- tasks ---

type taskParams struct {
	TaskID string `json:"taskId"`
}

func validateTask(ctx context.Context, s *Server, _ *client, p taskParams) (any, error) {
	return reconcile.Validate(ctx, s.cfg.Session, p.TaskID), nil
}

type searchParams struct {
	Query string `json:"query"`
}

func searchTasks(ctx context.Context, s *Server, _ *client, p searchParams) (any, error) {
	return s.cfg.Flow.SearchTasks(ctx, p.Query)
}

func createTask(ctx context.Context, s *Server, _ *client, p flow.EmailTaskRequest) (any, error) {
	return s.cfg.Flow.CreateTaskFromEmail(ctx, p)
}

func createTaskFull(ctx context.Context, s *Server, _ *client, p flow.CreateRequest) (any, error) {
	return s.cfg.Flow.CreateTaskFull(ctx, p)
}

func attachToTask(ctx context.Context, s *Server, _ *client, p flow.AttachRequest) (any, error) {
	return s.cfg.Flow.AttachToTask(ctx, p)
}

type findLinkedParams struct {
	ThreadIDs []string `json:"threadIds"`
}

func findLinkedTasks(ctx context.Context, s *Server, _ *client, p findLinkedParams) (any, error) {
	return s.cfg.Flow.FindLinkedTasks(ctx, p.ThreadIDs)
}

type linksParams struct {
	ThreadID string `json:"threadId"`
	History  bool   `json:"history"`
	Limit    int    `json:"limit"`
}

type threadLinks struct {
	ThreadID string                  `json:"threadId"`
	Tasks    []persistence.TaskRef   `json:"tasks"`
	History  []persistence.LinkEvent `json:"history,omitempty"`
}

func getLinks(ctx context.Context, s *Server, _ *client, p linksParams) (any, error) {
	if p.ThreadID == "" {
		return map[string]any{"links": s.cfg.Links.Get(ctx)}, nil
	}
	res := threadLinks{ThreadID: p.ThreadID, Tasks: s.cfg.Links.Thread(ctx, p.ThreadID)}
	if res.Tasks == nil {
		res.Tasks = []persistence.TaskRef{}
	}
	if p.History {
		events, err := s.cfg.Links.History(ctx, p.ThreadID, p.Limit)
		if err != nil {
			return nil, err
		}
		res.History = events
	}
	return res, nil
}
