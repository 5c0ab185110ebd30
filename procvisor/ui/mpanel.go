// Copyright 2026 The Procvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package ui

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/procvisor/procvisor/procvisor/util"
	"github.com/procvisor/procvisor/rest"
)

// MainPanel implements a Widget as a Panel, but provides the data
// model and handling for the content area, using data loaded from a
// procvisor control API.
type MainPanel struct {
	content   *views.CellView
	selected  *rest.GroupInfo
	ndegraded int
	npartial  int
	nrunning  int
	nstopped  int
	width     int
	height    int
	curx      int
	cury      int
	lines     []string
	styles    []tcell.Style
	items     []*rest.GroupInfo

	Panel
}

// mainModel provides the model for a CellArea.
type mainModel struct {
	m *MainPanel
}

func NewMainPanel(app *App, server string) *MainPanel {
	m := &MainPanel{}

	m.Panel.Init(app)
	m.content = views.NewCellView()
	m.SetContent(m.content)

	m.content.SetModel(&mainModel{m})
	m.content.SetStyle(StyleNormal)

	m.SetTitle(server)
	m.SetKeys([]string{"[Q] Quit"})

	return m
}

func (m *MainPanel) Draw() {
	m.update()
	m.Panel.Draw()
}

func (m *MainPanel) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			m.unselect()
			return true
		case tcell.KeyF1:
			m.App().ShowHelp()
			return true
		case tcell.KeyEnter:
			if m.selected != nil {
				m.App().ShowInfo(m.selected.Name)
				return true
			}
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				m.App().Quit()
				return true
			case 'H', 'h':
				m.App().ShowHelp()
				return true
			case 'I', 'i':
				if m.selected != nil {
					m.App().ShowInfo(m.selected.Name)
					return true
				}
			case 'L', 'l':
				if m.selected != nil {
					m.App().ShowLog(m.selected.Name)
				} else {
					m.App().ShowLog("")
				}
				return true
			default:
				if m.handleGroupKey(m.selected, ev.Rune()) {
					return true
				}
			}
		}
	}
	return m.Panel.HandleEvent(ev)
}

// Model items
func (model *mainModel) GetCell(x, y int) (rune, tcell.Style, []rune, int) {
	var ch rune
	var style tcell.Style

	m := model.m

	if y < 0 || y >= len(m.lines) {
		return ch, StyleNormal, nil, 1
	}

	if x >= 0 && x < len(m.lines[y]) {
		ch = rune(m.lines[y][x])
	} else {
		ch = ' '
	}
	style = m.styles[y]
	if m.items[y] == m.selected {
		style = style.Reverse(true)
	}
	return ch, style, nil, 1
}

func (model *mainModel) GetBounds() (int, int) {
	// This assumes that all content is displayable runes of width 1.
	m := model.m
	y := len(m.lines)
	x := 0
	for _, l := range m.lines {
		if x < len(l) {
			x = len(l)
		}
	}
	return x, y
}

func (model *mainModel) GetCursor() (int, int, bool, bool) {
	m := model.m
	return m.curx, m.cury, true, false
}

func (model *mainModel) MoveCursor(offx, offy int) {
	m := model.m
	m.curx += offx
	m.cury += offy
	m.updateCursor(true)
}

func (model *mainModel) SetCursor(x, y int) {
	m := model.m
	m.curx = x
	m.cury = y
	m.updateCursor(true)
}

func (m *MainPanel) unselect() {
	m.cury = 0
	m.curx = 0
	m.updateCursor(false)
}

func (m *MainPanel) updateCursor(selected bool) {
	if m.curx > m.width-1 {
		m.curx = m.width - 1
	}
	if m.cury > m.height-1 {
		m.cury = m.height - 1
	}
	if m.curx < 0 {
		m.curx = 0
	}
	if m.cury < 0 {
		m.cury = 0
	}
	if selected && m.height > 0 {
		if m.selected == nil {
			m.curx = 0
			m.cury = 0
		}
		m.selected = m.items[m.cury]
	} else {
		m.selected = nil
	}
}

func groupStyle(g *rest.GroupInfo) tcell.Style {
	switch g.State {
	case "degraded":
		return StyleError
	case "running":
		return StyleGood
	case "stopped":
		return StyleNormal
	}
	return StyleWarn
}

// update is called to update content, e.g. in response to Draw() or
// as part of another update.  It is called with the AppLock held.
func (m *MainPanel) update() {

	items, err := m.App().GetItems()
	m.items = items

	// preserve selected item
	if sel := m.selected; sel != nil {
		m.selected = nil
		for cury, item := range m.items {
			if item.Name == sel.Name {
				m.selected = item
				m.cury = cury
			}
		}
	}
	if err != nil {
		var re *rest.Error
		if errors.As(err, &re) && re.Code == http.StatusUnauthorized {
			m.App().ShowAuth()
			return
		}
		m.SetError()
		m.SetStatus(fmt.Sprintf("Cannot load groups: %v", err))
		m.lines = []string{}
		m.styles = []tcell.Style{}
		m.height = 0
		return
	}

	lines := make([]string, 0, len(m.items))
	styles := make([]tcell.Style, 0, len(m.items))

	m.ndegraded = 0
	m.npartial = 0
	m.nstopped = 0
	m.nrunning = 0

	m.height = 0
	m.width = 0

	for _, info := range items {
		line := fmt.Sprintf("%-24s %-9s %7s %10s %5d  %s",
			info.Name, info.State, util.Instances(info),
			util.FormatDuration(info.Uptime), info.Failures,
			info.Reason)

		if len(line) > m.width {
			m.width = len(line)
		}
		m.height++

		lines = append(lines, line)
		styles = append(styles, groupStyle(info))
		switch info.State {
		case "degraded":
			m.ndegraded++
		case "running":
			m.nrunning++
		case "stopped":
			m.nstopped++
		default:
			m.npartial++
		}
	}

	m.lines = lines
	m.styles = styles

	status := fmt.Sprintf(
		"%4d Groups %4d Degraded %4d Running %4d Partial %4d Stopped",
		len(m.items), m.ndegraded, m.nrunning, m.npartial, m.nstopped)
	if err := m.App().LastOpError(); err != nil {
		status = fmt.Sprintf("Failed: %v", err)
		m.SetError()
	} else if m.ndegraded > 0 {
		m.SetError()
	} else if m.npartial > 0 {
		m.SetWarn()
	} else if m.nrunning > 0 {
		m.SetGood()
	} else {
		m.SetNormal()
	}
	m.SetStatus(status)

	words := []string{"[Q] Quit", "[H] Help"}

	if item := m.selected; item != nil {
		words = append(words, "[I] Info", "[L] Log")
		words = append(words, groupKeys(item)...)
	} else {
		words = append(words, "[L] Log")
	}
	m.SetKeys(words)
}
