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
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/procvisor/procvisor/procvisor/util"
	"github.com/procvisor/procvisor/rest"
)

// InfoPanel shows a group and each of its instances.
type InfoPanel struct {
	text *views.TextArea
	info *rest.GroupInfo
	name string // group name
	err  error  // last error retrieving state

	Panel
}

func NewInfoPanel(app *App) *InfoPanel {
	p := &InfoPanel{}
	p.Panel.Init(app)

	p.text = views.NewTextArea()
	p.text.EnableCursor(false)
	p.text.SetStyle(StyleNormal)
	p.SetContent(p.text)
	p.SetKeys([]string{"[ESC] Main", "[H] Help"})
	return p
}

func (p *InfoPanel) Draw() {
	p.update()
	p.Panel.Draw()
}

func (p *InfoPanel) HandleEvent(ev tcell.Event) bool {
	info := p.info
	app := p.app
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			app.ShowMain()
			return true
		case tcell.KeyF1:
			app.ShowHelp()
			return true
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				app.ShowMain()
				return true
			case 'H', 'h':
				app.ShowHelp()
				return true
			case 'L', 'l':
				if info != nil {
					app.ShowLog(info.Name)
					return true
				}
			default:
				if p.handleGroupKey(info, ev.Rune()) {
					return true
				}
			}
		}
	}
	return p.Panel.HandleEvent(ev)
}

func (p *InfoPanel) SetName(name string) {
	p.name = name
	p.info = nil
	p.SetTitle("Details for " + name)
}

func infoLines(g *rest.GroupInfo) []string {
	lines := make([]string, 0, 12+len(g.Instances))
	field := func(label string, v interface{}) {
		lines = append(lines, fmt.Sprintf("%13s %v", label+":", v))
	}
	field("Name", g.Name)
	field("State", g.State)
	field("Instances", util.Instances(g))
	if g.PortMode != "" && g.PortMode != "none" {
		field("Port", fmt.Sprintf("%d (%s)", g.Port, g.PortMode))
	}
	field("Watch", g.Watch)
	field("Failures", g.Failures)
	field("Restarts", g.Restarts)
	field("Since", g.TimeStamp.Format(time.RFC1123))
	field("Detail", g.Reason)
	if g.LastError != "" {
		field("Last error", g.LastError)
	}
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("  %-5s %-8s %-8s %-6s %8s %10s  %s",
		"INST", "PID", "STATE", "PORT", "RESTARTS", "UPTIME", "COMMAND"))
	for _, i := range g.Instances {
		port := "-"
		if i.Port != 0 {
			port = fmt.Sprint(i.Port)
		}
		lines = append(lines, fmt.Sprintf("  %-5d %-8d %-8s %-6s %8d %10s  %s",
			i.Index, i.Pid, i.State, port, i.Restarts,
			util.FormatDuration(i.Uptime), i.Command))
	}
	return lines
}

// update must be called with AppLock held.
func (p *InfoPanel) update() {

	s, e := p.app.GetItem(p.name)
	p.info = s
	p.err = e
	words := []string{"[ESC] Main", "[H] Help"}

	if s == nil {
		if p.err != nil {
			p.SetStatus(fmt.Sprintf("No data: %v", p.err))
			p.SetError()
		} else {
			p.SetStatus("Loading...")
			p.SetNormal()
		}
		p.text.SetLines(nil)
		p.SetKeys(words)
		return
	}

	if err := p.app.LastOpError(); err != nil {
		p.SetStatus(fmt.Sprintf("Failed: %v", err))
		p.SetError()
	} else {
		p.SetStatus(s.Reason)
		p.SetGroupState(s)
	}
	p.text.SetLines(infoLines(s))

	words = append(words, "[L] Log")
	words = append(words, groupKeys(s)...)
	p.SetKeys(words)
}
