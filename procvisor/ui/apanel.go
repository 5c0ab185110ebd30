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
	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"
)

const (
	fieldWidth = 16
	fieldMax   = 256
)

var (
	styleFocus = tcell.StyleDefault.
			Foreground(tcell.ColorWhite).
			Background(tcell.ColorNavy)
	styleIdle = StyleNormal
)

// field is a single line input.
type field struct {
	text   *views.Text
	value  []rune
	secret bool
}

func newField(secret bool) *field {
	f := &field{text: views.NewText(), secret: secret}
	f.text.SetStyle(styleIdle)
	return f
}

// render shows the tail of the value, masked if secret, with a cursor
// if focused.
func (f *field) render(focused bool) {
	shown := make([]rune, 0, fieldWidth+1)
	for _, r := range f.value {
		if f.secret {
			r = '*'
		}
		shown = append(shown, r)
	}
	if focused {
		shown = append(shown, '_')
		f.text.SetStyle(styleFocus)
	} else {
		f.text.SetStyle(styleIdle)
	}
	if len(shown) > fieldWidth {
		shown = shown[len(shown)-fieldWidth:]
		shown[0] = '<'
	}
	for len(shown) < fieldWidth {
		shown = append(shown, ' ')
	}
	f.text.SetText(string(shown))
}

// AuthPanel asks for credentials when the server demands them.
type AuthPanel struct {
	layout     *views.BoxLayout
	user       *field
	pass       *field
	passactive bool

	Panel
}

func column(st tcell.Style, ws ...views.Widget) *views.BoxLayout {
	b := views.NewBoxLayout(views.Vertical)
	b.SetStyle(st)
	b.AddWidget(views.NewSpacer(), 1.0)
	for _, w := range ws {
		b.AddWidget(w, 0.0)
	}
	b.AddWidget(views.NewSpacer(), 1.0)
	return b
}

func NewAuthPanel(app *App, server string) *AuthPanel {
	p := &AuthPanel{}
	p.Panel.Init(app)

	p.user = newField(false)
	p.pass = newField(true)

	uprompt := views.NewText()
	uprompt.SetText("Username: ")
	uprompt.SetStyle(StyleNormal)
	pprompt := views.NewText()
	pprompt.SetText("Password: ")
	pprompt.SetStyle(StyleNormal)

	p.layout = views.NewBoxLayout(views.Horizontal)
	p.layout.SetStyle(StyleNormal)
	p.layout.AddWidget(views.NewSpacer(), 1.0)
	p.layout.AddWidget(column(StyleNormal, uprompt, pprompt), 0.0)
	p.layout.AddWidget(column(StyleNormal, p.user.text, p.pass.text), 0.0)
	p.layout.AddWidget(views.NewSpacer(), 1.0)

	p.SetTitle(server)
	p.SetStatus("Authentication Required")
	p.SetKeys([]string{"[ESC] Quit", "[TAB] Next"})
	p.SetContent(p.layout)

	return p
}

func (p *AuthPanel) ResetFields() {
	p.passactive = false
	p.user.value = p.user.value[:0]
	p.pass.value = p.pass.value[:0]
}

func (p *AuthPanel) active() *field {
	if p.passactive {
		return p.pass
	}
	return p.user
}

func (p *AuthPanel) Draw() {
	p.update()
	p.Panel.Draw()
}

func (p *AuthPanel) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		f := p.active()
		switch ev.Key() {
		case tcell.KeyEsc:
			p.App().Quit()
		case tcell.KeyTab, tcell.KeyEnter:
			if p.passactive {
				p.App().SetUserPassword(string(p.user.value),
					string(p.pass.value))
				p.App().ShowMain()
			} else {
				p.passactive = true
			}
		case tcell.KeyBacktab:
			p.passactive = false
		case tcell.KeyCtrlU, tcell.KeyCtrlW:
			f.value = f.value[:0]
		case tcell.KeyBackspace, tcell.KeyBackspace2:
			if len(f.value) > 0 {
				f.value = f.value[:len(f.value)-1]
			}
		case tcell.KeyRune:
			if len(f.value) < fieldMax {
				f.value = append(f.value, ev.Rune())
			}
		default:
			return false
		}
		return true
	}
	return p.Panel.HandleEvent(ev)
}

// update must be called with AppLock held.
func (p *AuthPanel) update() {
	p.SetError()
	p.user.render(!p.passactive)
	p.pass.render(p.passactive)
}
