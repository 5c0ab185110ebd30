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

	"github.com/procvisor/procvisor/rest"
)

type LogPanel struct {
	text *views.TextArea
	info *rest.GroupInfo
	name string // group name, empty for the supervisor log
	last string // etag of the lines shown

	Panel
}

func NewLogPanel(app *App) *LogPanel {
	p := &LogPanel{}

	p.Panel.Init(app)

	// We don't change the keybar, so set it once
	p.SetKeys([]string{"[Q] Quit", "[H] Help"})

	p.text = views.NewTextArea()
	p.text.EnableCursor(false)
	p.text.SetStyle(StyleNormal)
	p.SetContent(p.text)

	return p
}

func (p *LogPanel) Draw() {
	p.update()
	p.Panel.Draw()
}

func (p *LogPanel) HandleEvent(ev tcell.Event) bool {
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
			case 'I', 'i':
				if info != nil {
					app.ShowInfo(info.Name)
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

func (p *LogPanel) SetName(name string) {
	p.SetTitle("Loading")
	p.text.SetLines(nil)
	p.name = name
	p.last = ""
}

// update must be called with AppLock held.
func (p *LogPanel) update() {

	var ginfo *rest.GroupInfo
	var e1 error
	if p.name != "" {
		ginfo, e1 = p.app.GetItem(p.name)
	}
	loginfo, e2 := p.app.GetLog(p.name)
	p.info = ginfo

	words := []string{"[ESC] Main", "[H] Help"}

	if p.name == "" {
		p.SetTitle("Supervisor Log")
	} else {
		p.SetTitle("Log for " + p.name)
	}

	if loginfo == nil {
		e := e2
		if e == nil {
			e = e1
		}
		if e != nil {
			p.SetStatus(fmt.Sprintf("No data: %v", e))
			p.SetError()
		} else {
			p.SetStatus("Loading ...")
			p.SetNormal()
		}
		p.text.SetLines([]string{""})
		p.SetKeys(words)
		return
	}

	p.SetStatus(fmt.Sprintf("%d lines", len(loginfo.Records)))
	if ginfo != nil {
		p.SetGroupState(ginfo)
	} else {
		p.SetNormal()
	}

	if loginfo.Etag() != p.last {
		lines := make([]string, 0, len(loginfo.Records))
		for _, r := range loginfo.Records {
			line := fmt.Sprintf("%s %s",
				r.Time.Format(time.StampMilli), r.Text)
			lines = append(lines, line)
		}
		p.text.SetLines(lines)
		if len(lines) > 0 {
			// Follow the tail.
			p.text.MakeVisible(0, len(lines)-1)
		}
		p.last = loginfo.Etag()
	}

	if ginfo != nil {
		words = append(words, "[I] Info")
		words = append(words, groupKeys(ginfo)...)
	}
	p.SetKeys(words)
}
