package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/decred/slog"

	"github.com/solgammon/gammonrelay/client"
	"github.com/solgammon/gammonrelay/gammon"
	"github.com/solgammon/gammonrelay/ledger"
	"github.com/solgammon/gammonrelay/soltx"
)

type engineEventMsg client.Event

type statusMsg string

type appstate struct {
	engine    *client.Engine
	authority ledger.Authority
	meta      *client.MetadataClient
	kp        *soltx.Keypair
	session   gammon.ID
	program   gammon.ID
	log       slog.Logger
	me        gammon.ID

	viewport viewport.Model
	input    textinput.Model
	lines    []string
	msgCh    chan tea.Msg

	turnOwner gammon.ID
	seq       uint64
	finished  bool
	refund    bool
	ready     bool
}

func newAppstate(engine *client.Engine, authority ledger.Authority, meta *client.MetadataClient,
	kp *soltx.Keypair, session, program gammon.ID, log slog.Logger) *appstate {
	return &appstate{
		engine:    engine,
		authority: authority,
		meta:      meta,
		kp:        kp,
		session:   session,
		program:   program,
		log:       log,
		me:        kp.Pub,
		msgCh:     make(chan tea.Msg, 16),
	}
}

func (m *appstate) Init() tea.Cmd {
	m.input = textinput.New()
	m.input.Placeholder = "create <id> <stake> <fee> <p2> | join <p1> | abort | move d1,d2 <boardhex> | finish [winner] | mutual | refund | cancel | quit"
	m.input.Focus()
	m.viewport = viewport.New(0, 0)

	go func() {
		for ev := range m.engine.Events() {
			m.msgCh <- engineEventMsg(ev)
		}
	}()

	return tea.Batch(m.waitForMsg(), textinput.Blink)
}

func (m *appstate) waitForMsg() tea.Cmd {
	return func() tea.Msg {
		return <-m.msgCh
	}
}

func (m *appstate) pushLine(s string) {
	m.lines = append(m.lines, time.Now().Format("15:04:05")+" "+s)
	if len(m.lines) > 500 {
		m.lines = m.lines[len(m.lines)-500:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *appstate) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 4
		m.input.Width = msg.Width - 4
		m.ready = true
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line == "" {
				return m, nil
			}
			if line == "quit" {
				return m, tea.Quit
			}
			return m, m.dispatch(line)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case engineEventMsg:
		m.applyEvent(client.Event(msg))
		return m, m.waitForMsg()

	case statusMsg:
		m.pushLine(string(msg))
		return m, m.waitForMsg()
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *appstate) applyEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventTurnChanged:
		m.turnOwner = ev.TurnOwner
		m.seq = ev.Seq
		who := "counterpart"
		if ev.TurnOwner == m.me {
			who = "you"
		}
		m.pushLine(fmt.Sprintf("move %d applied, turn passes to %s", ev.Seq, who))
	case client.EventProposalSigned:
		m.pushLine("countersigned an incoming request")
	case client.EventSessionFinished:
		m.finished = true
		if ev.Winner.IsZero() {
			m.pushLine("session finished, stakes refunded")
		} else if ev.Winner == m.me {
			m.pushLine("session finished, you take the pot")
		} else {
			m.pushLine(fmt.Sprintf("session finished, winner %s", short(ev.Winner)))
		}
	case client.EventRefundAvailable:
		m.refund = true
		m.pushLine("inactivity threshold passed, timeout refund available")
	case client.EventActionFailed:
		m.pushLine(fmt.Sprintf("action failed: %v", ev.Err))
	}
}

// dispatch runs one typed command against the engine off the UI loop.
func (m *appstate) dispatch(line string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		fields := strings.Fields(line)
		switch fields[0] {
		case "create":
			if len(fields) != 5 {
				return statusMsg("usage: create <gameid> <stake> <movefee> <player2hex>")
			}
			gameID, err1 := strconv.ParseUint(fields[1], 10, 64)
			stake, err2 := strconv.ParseUint(fields[2], 10, 64)
			fee, err3 := strconv.ParseUint(fields[3], 10, 64)
			if err1 != nil || err2 != nil || err3 != nil {
				return statusMsg("gameid, stake and movefee must be unsigned integers")
			}
			var p2 gammon.ID
			if err := p2.FromString(fields[4]); err != nil {
				return statusMsg(err.Error())
			}
			accts := soltx.SessionAccounts{
				Program: m.program,
				Session: m.session,
				PlayerA: m.me,
				PlayerB: p2,
			}
			var board [gammon.BoardSize]byte
			if err := client.CreateSession(ctx, m.authority, m.kp, accts, gameID, stake, fee, board); err != nil {
				return statusMsg(fmt.Sprintf("create failed: %v", err))
			}
			if err := m.meta.RegisterSession(ctx, m.session.String(), m.me.String(), p2.String()); err != nil {
				m.log.Warnf("relay registration failed: %v", err)
				return statusMsg(fmt.Sprintf("session created, but relay registration failed: %v", err))
			}
			return statusMsg("session created, awaiting counterparty deposit")

		case "join":
			if len(fields) != 2 {
				return statusMsg("usage: join <player1hex>")
			}
			var p1 gammon.ID
			if err := p1.FromString(fields[1]); err != nil {
				return statusMsg(err.Error())
			}
			accts := soltx.SessionAccounts{
				Program: m.program,
				Session: m.session,
				PlayerA: p1,
				PlayerB: m.me,
			}
			if err := client.JoinSession(ctx, m.authority, m.kp, accts); err != nil {
				return statusMsg(fmt.Sprintf("join failed: %v", err))
			}
			return statusMsg("joined, session is active")

		case "abort":
			accts := soltx.SessionAccounts{
				Program: m.program,
				Session: m.session,
				PlayerA: m.me,
			}
			if err := client.CancelSession(ctx, m.authority, m.kp, accts); err != nil {
				return statusMsg(fmt.Sprintf("abort failed: %v", err))
			}
			return statusMsg("session canceled, stake refunded")

		case "move":
			if len(fields) != 3 {
				return statusMsg("usage: move d1,d2 <boardhex>")
			}
			dice, err := parseDice(fields[1])
			if err != nil {
				return statusMsg(err.Error())
			}
			board, err := parseBoard(fields[2])
			if err != nil {
				return statusMsg(err.Error())
			}
			if err := m.engine.ProposeMove(ctx, board, dice); err != nil {
				return statusMsg(fmt.Sprintf("move rejected: %v", err))
			}
			return statusMsg("move proposed, waiting for counterpart signature")

		case "finish":
			winner := m.me
			if len(fields) > 1 {
				if err := winner.FromString(fields[1]); err != nil {
					return statusMsg(err.Error())
				}
			}
			if err := m.engine.ProposeFinish(ctx, winner); err != nil {
				return statusMsg(fmt.Sprintf("finish rejected: %v", err))
			}
			return statusMsg("finish proposed, waiting for counterpart signature")

		case "mutual":
			if err := m.engine.ProposeMutualRefund(ctx); err != nil {
				return statusMsg(fmt.Sprintf("mutual refund rejected: %v", err))
			}
			return statusMsg("mutual refund proposed")

		case "refund":
			if err := m.engine.RequestRefund(ctx); err != nil {
				return statusMsg(fmt.Sprintf("refund failed: %v", err))
			}
			return statusMsg("timeout refund confirmed")

		case "cancel":
			if err := m.engine.Cancel(ctx); err != nil {
				return statusMsg(fmt.Sprintf("cancel failed: %v", err))
			}
			return statusMsg("pending proposal canceled")

		default:
			return statusMsg(fmt.Sprintf("unknown command %q", fields[0]))
		}
	}
}

func parseDice(s string) ([]uint8, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("dice must be d1,d2")
	}
	out := make([]uint8, 2)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 1 || v > 6 {
			return nil, fmt.Errorf("bad die %q", p)
		}
		out[i] = uint8(v)
	}
	return out, nil
}

func parseBoard(s string) ([gammon.BoardSize]byte, error) {
	var board [gammon.BoardSize]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return board, fmt.Errorf("bad board hex: %w", err)
	}
	if len(b) != gammon.BoardSize {
		return board, fmt.Errorf("board must be %d bytes, got %d", gammon.BoardSize, len(b))
	}
	copy(board[:], b)
	return board, nil
}

func short(id gammon.ID) string {
	s := id.String()
	return s[:8] + "…" + s[len(s)-4:]
}

func (m *appstate) header() string {
	state := "active"
	if m.finished {
		state = "finished"
	}
	turn := "counterpart"
	if m.turnOwner == m.me {
		turn = "yours"
	} else if m.turnOwner.IsZero() {
		turn = "unknown"
	}
	extra := ""
	if m.refund && !m.finished {
		extra = "  [refund available]"
	}
	return fmt.Sprintf(" gammoncli [%s] seq %d, turn: %s%s", state, m.seq, turn, extra)
}

func (m *appstate) View() string {
	if !m.ready {
		return "loading…"
	}
	return m.header() + "\n" + m.viewport.View() + "\n\n " + m.input.View()
}
