package tui

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Charancs/v-try-on-FP2/internal/catalog"
	"github.com/Charancs/v-try-on-FP2/internal/framing"
	"github.com/Charancs/v-try-on-FP2/internal/session"
)

type nopBackend struct{}

func (nopBackend) SendFrame(_ context.Context, f []byte) ([]byte, error) { return f, nil }
func (nopBackend) SendCommand(framing.Command) error                    { return nil }
func (nopBackend) Close() error                                         { return nil }

type fakeController struct {
	sess *session.Session
}

func (f *fakeController) SelectGarment(id int) error { return f.sess.ChangeGarment(id) }
func (f *fakeController) Session() *session.Session  { return f.sess }

func newController(t *testing.T) *fakeController {
	t.Helper()
	s := session.New(session.Config{Open: func(context.Context, string) (session.Backend, error) {
		return nopBackend{}, nil
	}})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close(nil) })
	return &fakeController{sess: s}
}

func press(m tea.Model, keys ...string) tea.Model {
	for _, k := range keys {
		var msg tea.KeyMsg
		switch k {
		case "left":
			msg = tea.KeyMsg{Type: tea.KeyLeft}
		case "right":
			msg = tea.KeyMsg{Type: tea.KeyRight}
		default:
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
		}
		m, _ = m.Update(msg)
	}
	return m
}

func TestNumberKeysSelectGarment(t *testing.T) {
	ctl := newController(t)
	var m tea.Model = NewModel(ctl, catalog.Default())

	m = press(m, "4")
	if g := ctl.sess.Garment(); g != 3 {
		t.Fatalf("garment = %d; want 3", g)
	}
	m = press(m, "right", "right", "right")
	if g := ctl.sess.Garment(); g != 0 {
		t.Fatalf("garment = %d; want wrap to 0", g)
	}
	m = press(m, "left")
	if g := ctl.sess.Garment(); g != 5 {
		t.Fatalf("garment = %d; want 5", g)
	}
	if !strings.Contains(m.View(), "▸ 6") {
		t.Fatalf("view does not mark garment 6:\n%s", m.View())
	}
}

func TestOutOfRangeKeyShowsError(t *testing.T) {
	ctl := newController(t)
	var m tea.Model = NewModel(ctl, catalog.Default())
	m = press(m, "9")
	if g := ctl.sess.Garment(); g != 0 {
		t.Fatalf("garment changed to %d", g)
	}
	if !strings.Contains(m.View(), "out of range") {
		t.Fatalf("expected an error line:\n%s", m.View())
	}
}

func TestQuit(t *testing.T) {
	ctl := newController(t)
	m := NewModel(ctl, nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
}
