package tui

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/basket/taskbridge/internal/config"
)

// SetupResult is the output of the setup wizard.
type SetupResult struct {
	BindAddr     string
	AllowOrigins []string
	APIToken     string
	AuthToken    string
}

type setupStep int

const (
	stepBindAddr setupStep = iota
	stepOrigin
	stepCustomOrigin
	stepAPIToken
	stepReview
)

const totalSetupSteps = 4

func (s setupStep) display() (int, string) {
	switch s {
	case stepBindAddr:
		return 1, "Gateway Address"
	case stepOrigin, stepCustomOrigin:
		return 2, "Browser Extension"
	case stepAPIToken:
		return 3, "ClickUp Token"
	default:
		return 4, "Review"
	}
}

type originOption struct {
	label   string
	origins []string
}

var originOptions = []originOption{
	{"Chrome / Edge / Brave", []string{"chrome-extension://*"}},
	{"Firefox", []string{"moz-extension://*"}},
	{"Both", []string{"chrome-extension://*", "moz-extension://*"}},
	{"Enter an exact extension origin...", nil},
}

type setupModel struct {
	step     setupStep
	cursor   int
	input    string
	inputPos int
	err      string

	result   SetupResult
	done     bool
	quitting bool
}

func newSetupModel(authToken string) setupModel {
	m := setupModel{result: SetupResult{BindAddr: config.DefaultBindAddr, AuthToken: authToken}}
	m.input = m.result.BindAddr
	m.inputPos = runeLen(m.input)
	return m
}

func (m setupModel) Init() tea.Cmd { return nil }

func (m setupModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	k := key.String()
	if k == "ctrl+c" {
		m.quitting = true
		return m, tea.Quit
	}
	switch m.step {
	case stepOrigin:
		return m.handleSelectKey(k)
	case stepReview:
		switch k {
		case "enter", "ctrl+m", "ctrl+j":
			m.done = true
			return m, tea.Quit
		case "esc":
			return m.handleBack()
		}
		return m, nil
	default:
		return m.handleTextInputKey(k)
	}
}

func (m setupModel) handleTextInputKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "enter", "ctrl+m", "ctrl+j":
		return m.handleEnter()
	case "esc":
		return m.handleBack()
	case "left":
		if m.inputPos > 0 {
			m.inputPos--
		}
	case "right":
		if m.inputPos < runeLen(m.input) {
			m.inputPos++
		}
	case "home", "ctrl+a":
		m.inputPos = 0
	case "end", "ctrl+e":
		m.inputPos = runeLen(m.input)
	case "backspace":
		if m.inputPos > 0 {
			m.input = runeDeleteAt(m.input, m.inputPos)
			m.inputPos--
		}
	case "alt+backspace":
		m.input, m.inputPos = deleteWordAt(m.input, m.inputPos)
	case "tab", "shift+tab", "up", "down":
	default:
		m.input = runeInsertAt(m.input, m.inputPos, key)
		m.inputPos += runeLen(key)
	}
	return m, nil
}

func (m setupModel) handleSelectKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "enter", "ctrl+m", "ctrl+j":
		return m.handleEnter()
	case "esc":
		return m.handleBack()
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(originOptions)-1 {
			m.cursor++
		}
	}
	return m, nil
}

func (m setupModel) setInput(s string) setupModel {
	m.input, m.inputPos, m.err = s, runeLen(s), ""
	return m
}

func (m setupModel) handleEnter() (tea.Model, tea.Cmd) {
	switch m.step {
	case stepBindAddr:
		addr := strings.TrimSpace(m.input)
		if addr == "" {
			addr = config.DefaultBindAddr
		}
		if !strings.Contains(addr, ":") {
			m.err = "Use host:port, e.g. " + config.DefaultBindAddr
			return m, nil
		}
		m.result.BindAddr = addr
		m.step = stepOrigin
		m.err = ""
	case stepOrigin:
		opt := originOptions[m.cursor]
		if opt.origins == nil {
			m.step = stepCustomOrigin
			return m.setInput(""), nil
		}
		m.result.AllowOrigins = opt.origins
		m.step = stepAPIToken
		return m.setInput(m.result.APIToken), nil
	case stepCustomOrigin:
		origin := strings.TrimRight(strings.TrimSpace(m.input), "/")
		if !strings.Contains(origin, "://") {
			m.err = "Origins look like chrome-extension://<id>"
			return m, nil
		}
		m.result.AllowOrigins = []string{origin}
		m.step = stepAPIToken
		return m.setInput(m.result.APIToken), nil
	case stepAPIToken:
		token := sanitizeToken(m.input)
		if token != "" && !strings.HasPrefix(token, "pk_") {
			m.err = "Personal tokens start with pk_ (leave empty to sign in with OAuth)"
			return m, nil
		}
		m.result.APIToken = token
		m.step = stepReview
		m.err = ""
	}
	return m, nil
}

func (m setupModel) handleBack() (tea.Model, tea.Cmd) {
	m.err = ""
	switch m.step {
	case stepBindAddr:
		m.quitting = true
		return m, tea.Quit
	case stepOrigin:
		m.step = stepBindAddr
		return m.setInput(m.result.BindAddr), nil
	case stepCustomOrigin, stepAPIToken:
		m.step = stepOrigin
	case stepReview:
		m.step = stepAPIToken
		return m.setInput(m.result.APIToken), nil
	}
	return m, nil
}

func (m setupModel) View() string {
	if m.quitting {
		return "  Setup cancelled.\n"
	}
	if m.done {
		return ""
	}
	focus := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	errS := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	var b strings.Builder
	b.WriteString("\n  " + titleStyle.Render("taskbridge setup") + "\n\n")
	n, title := m.step.display()
	fmt.Fprintf(&b, "  Step %d/%d: %s\n\n", n, totalSetupSteps, title)

	switch m.step {
	case stepBindAddr:
		b.WriteString("  Where should the gateway listen?\n\n")
		fmt.Fprintf(&b, "  > %s\n", renderCursor(m.input, m.inputPos))
	case stepOrigin:
		b.WriteString("  Which browser runs the extension?\n\n")
		for i, opt := range originOptions {
			if i == m.cursor {
				b.WriteString("  > " + focus.Render(opt.label) + "\n")
			} else {
				b.WriteString("    " + opt.label + "\n")
			}
		}
	case stepCustomOrigin:
		b.WriteString("  Extension origin:\n\n")
		fmt.Fprintf(&b, "  > %s\n", renderCursor(m.input, m.inputPos))
	case stepAPIToken:
		b.WriteString("  ClickUp personal API token (optional, Enter to skip):\n\n")
		fmt.Fprintf(&b, "  > %s\n", renderCursor(maskToken(m.input), m.inputPos))
	case stepReview:
		token := "(sign in with OAuth from the extension)"
		if m.result.APIToken != "" {
			token = maskToken(m.result.APIToken)
		}
		fmt.Fprintf(&b, "  Gateway:   %s\n", m.result.BindAddr)
		fmt.Fprintf(&b, "  Origins:   %s\n", strings.Join(m.result.AllowOrigins, ", "))
		fmt.Fprintf(&b, "  ClickUp:   %s\n", token)
		fmt.Fprintf(&b, "  Auth token for the extension: %s\n", focus.Render(m.result.AuthToken))
		b.WriteString("\n  [Enter] Write config.yaml  [Esc] Back\n")
		return b.String()
	}
	if m.err != "" {
		b.WriteString("\n  " + errS.Render(m.err) + "\n")
	}
	b.WriteString("\n  [Enter] Continue  [Esc] Back\n")
	return b.String()
}

// ConfigYAML renders the result as config.yaml.
func (r SetupResult) ConfigYAML() ([]byte, error) {
	doc := map[string]any{
		"bind_addr":     r.BindAddr,
		"log_level":     "info",
		"auth_token":    r.AuthToken,
		"allow_origins": r.AllowOrigins,
		"cors": map[string]any{
			"enabled":         true,
			"allowed_origins": r.AllowOrigins,
		},
		"rate_limit": map[string]any{"enabled": true},
	}
	if r.APIToken != "" {
		doc["clickup"] = map[string]any{"api_token": r.APIToken}
	}
	body, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte("# taskbridge configuration\n"), body...), nil
}

// WriteSetupFiles writes config.yaml. The file holds secrets and is created 0600.
func WriteSetupFiles(homeDir string, r *SetupResult) error {
	if r == nil {
		return fmt.Errorf("nil setup result")
	}
	body, err := r.ConfigYAML()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(config.ConfigPath(homeDir), body, 0o600)
}

// NewAuthToken returns a random gateway bearer token.
func NewAuthToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "tb_" + hex.EncodeToString(buf), nil
}

// RunSetup runs the wizard and returns the collected answers.
func RunSetup(ctx context.Context) (*SetupResult, error) {
	defer bestEffortResetTTY()

	token, err := NewAuthToken()
	if err != nil {
		return nil, fmt.Errorf("generate auth token: %w", err)
	}
	p := tea.NewProgram(newSetupModel(token))

	done := make(chan error, 1)
	var final tea.Model
	go func() {
		var err error
		final, err = p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, err
		}
	}

	sm, ok := final.(setupModel)
	if !ok || sm.quitting || !sm.done {
		return nil, ErrCancelled
	}
	return &sm.result, nil
}

func maskToken(s string) string {
	if runeLen(s) <= 6 {
		return strings.Repeat("*", runeLen(s))
	}
	r := []rune(s)
	return string(r[:3]) + strings.Repeat("*", len(r)-6) + string(r[len(r)-3:])
}

// sanitizeToken strips quotes and an accidental "NAME=" prefix from a pasted token.
func sanitizeToken(raw string) string {
	const quotes = "[]\"'`"
	s := strings.Trim(strings.TrimSpace(raw), quotes)
	if i := strings.Index(s, "="); i >= 0 && !strings.ContainsAny(s[:i], " \t") {
		s = s[i+1:]
	}
	return strings.Trim(strings.TrimSpace(s), quotes)
}

func runeLen(s string) int {
	return len([]rune(s))
}

// renderCursor draws a block cursor at rune position pos.
func renderCursor(s string, pos int) string {
	runes := []rune(s)
	if pos >= len(runes) {
		return s + "█"
	}
	return string(runes[:pos]) + "█" + string(runes[pos:])
}

func runeInsertAt(s string, pos int, text string) string {
	runes := []rune(s)
	if pos >= len(runes) {
		return s + text
	}
	return string(runes[:pos]) + text + string(runes[pos:])
}

// runeDeleteAt deletes the rune before pos.
func runeDeleteAt(s string, pos int) string {
	runes := []rune(s)
	if pos <= 0 || pos > len(runes) {
		return s
	}
	return string(runes[:pos-1]) + string(runes[pos:])
}

// deleteWordAt deletes the word before pos and returns the new cursor.
func deleteWordAt(s string, pos int) (string, int) {
	runes := []rune(s)
	if pos <= 0 {
		return s, 0
	}
	i := pos
	for i > 0 && runes[i-1] == ' ' {
		i--
	}
	for i > 0 && runes[i-1] != ' ' {
		i--
	}
	return string(runes[:i]) + string(runes[pos:]), i
}
