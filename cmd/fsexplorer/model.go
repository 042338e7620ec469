package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/tinyos/tinyfs/common"
	"github.com/tinyos/tinyfs/content"
	"github.com/tinyos/tinyfs/fs"
)

// maxViewBytes bounds how much file content the viewer loads.
const maxViewBytes = 1 << 19

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	cursorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#5A56E0"))

	dirStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Padding(0, 1)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ED567A"))
)

type entry struct {
	name string
	inum int
	typ  int16
	size uint32
}

type model struct {
	tfs *fs.FileSystem

	process *fs.Process
	path    string
	entries []entry
	cursor  int

	viewing  bool
	viewName string
	viewport viewport.Model

	width  int
	height int
	status string
}

func newModel(tfs *fs.FileSystem, process *fs.Process) (*model, error) {
	m := &model{
		tfs:      tfs,
		process:  process,
		path:     "/",
		viewport: viewport.New(80, 20),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *model) Init() tea.Cmd {
	return tea.EnterAltScreen
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 3

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if !m.viewing && m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if !m.viewing && m.cursor < len(m.entries)-1 {
				m.cursor++
			}
		case "enter":
			if !m.viewing {
				m.open()
			}
		case "backspace", "esc", "left", "h":
			if m.viewing {
				m.viewing = false
			} else {
				m.ascend()
			}
		}
	}

	if m.viewing {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *model) View() string {
	var b strings.Builder
	if m.viewing {
		b.WriteString(titleStyle.Render(joinPath(m.path, m.viewName)))
		b.WriteString("\n")
		b.WriteString(m.viewport.View())
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("esc back • q quit"))
		return b.String()
	}

	b.WriteString(titleStyle.Render(m.path))
	b.WriteString("\n")
	for i, e := range m.entries {
		line := fmt.Sprintf(" %-16s %8s  inode %d", e.name, humanize.IBytes(uint64(e.size)), e.inum)
		switch {
		case i == m.cursor:
			line = cursorStyle.Render(line)
		case e.typ == common.TypeDirectory:
			line = dirStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if m.status != "" {
		b.WriteString(errStyle.Render(m.status))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("enter open • backspace up • q quit"))
	return b.String()
}

// open descends into the directory under the cursor, or loads the file
// there into the viewer.
func (m *model) open() {
	if m.cursor >= len(m.entries) {
		return
	}
	e := m.entries[m.cursor]
	m.status = ""
	if e.typ == common.TypeDirectory {
		prev := m.path
		m.path = joinPath(m.path, e.name)
		if err := m.load(); err != nil {
			m.path = prev
			m.status = err.Error()
		}
		return
	}
	text, err := m.readFile(joinPath(m.path, e.name))
	if err != nil {
		m.status = err.Error()
		return
	}
	m.viewName = e.name
	m.viewport.SetContent(text)
	m.viewport.GotoTop()
	m.viewing = true
}

func (m *model) ascend() {
	if m.path == "/" {
		return
	}
	m.status = ""
	prev := m.path
	m.path = parentPath(m.path)
	if err := m.load(); err != nil {
		m.path = prev
		m.status = err.Error()
	}
}

// load reads the directory records of the current path into m.entries.
func (m *model) load() error {
	it := m.tfs.Itable()
	dirp, err := m.process.Resolve(m.path)
	if err != nil {
		return err
	}
	defer it.Put(dirp)
	if err := it.Lock(dirp); err != nil {
		return err
	}
	defer it.Unlock(dirp)
	if !dirp.IsDirectory() {
		return common.ErrNotDir
	}

	var entries []entry
	rec := make([]byte, common.DirentSize)
	for off := 0; off+common.DirentSize <= int(dirp.Size); off += common.DirentSize {
		if _, err := content.Read(dirp, rec, off); err != nil {
			return err
		}
		de, err := common.DecodeDirent(rec)
		if err != nil {
			return err
		}
		if de.Inum == 0 {
			continue
		}
		e := entry{name: de.Filename(), inum: int(de.Inum)}
		e.typ, e.size, err = m.statEntry(dirp.Devnum, e.inum)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	m.entries = entries
	m.cursor = 0
	return nil
}

func (m *model) statEntry(devnum, inum int) (int16, uint32, error) {
	it := m.tfs.Itable()
	rip, err := it.Get(devnum, inum)
	if err != nil {
		return 0, 0, err
	}
	defer it.Put(rip)
	if err := it.Lock(rip); err != nil {
		return 0, 0, err
	}
	defer it.Unlock(rip)
	info := rip.Stat()
	return info.Type, info.Size, nil
}

func (m *model) readFile(path string) (string, error) {
	it := m.tfs.Itable()
	rip, err := m.process.Resolve(path)
	if err != nil {
		return "", err
	}
	defer it.Put(rip)
	if err := it.Lock(rip); err != nil {
		return "", err
	}
	defer it.Unlock(rip)

	size := int(rip.Size)
	if size > maxViewBytes {
		size = maxViewBytes
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, size)
	n, err := content.Read(rip, buf, 0)
	if err != nil && n == 0 {
		return "", err
	}
	return printable(buf[:n]), nil
}

// printable maps bytes the terminal cannot show to '.', keeping newlines
// and tabs.
func printable(p []byte) string {
	out := make([]byte, len(p))
	for i, c := range p {
		if c == '\n' || c == '\t' || (c >= 0x20 && c < 0x7f) {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func parentPath(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
