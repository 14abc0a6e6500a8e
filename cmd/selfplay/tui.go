package main

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tiezero/tiezero/executor/selfplay"
)

var totalMoves atomic.Int64

type gameUpdate struct {
	Result selfplay.GameResult
}

type doneMsg struct{ err error }

type tickMsg time.Time

type model struct {
	gamesPlayed   int
	target        int
	totalExamples int
	scoreSum      int64
	best          int32
	moves         int64
	startTime     time.Time
	recentGames   []string
	updates       chan gameUpdate
	err           error
}

func initialModel(updates chan gameUpdate, target int) model {
	return model{startTime: time.Now(), updates: updates, target: target}
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForUpdate(updates chan gameUpdate) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return nil
		}
		return u
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.updates), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tickMsg:
		m.moves = totalMoves.Load()
		return m, tickCmd()
	case gameUpdate:
		m.gamesPlayed++
		m.totalExamples += len(msg.Result.Samples)
		m.scoreSum += int64(msg.Result.Score)
		m.best = max(m.best, msg.Result.Score)
		line := fmt.Sprintf("%s  score %3d  samples %2d", msg.Result.ID[:8], msg.Result.Score, len(msg.Result.Samples))
		m.recentGames = append([]string{line}, m.recentGames...)
		if len(m.recentGames) > 10 {
			m.recentGames = m.recentGames[:10]
		}
		return m, waitForUpdate(m.updates)
	case doneMsg:
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	d := time.Since(m.startTime)
	var gamesPerSec, movesPerSec, mean float64
	if d.Seconds() >= 1 {
		gamesPerSec = float64(m.gamesPlayed) / d.Seconds()
		movesPerSec = float64(m.moves) / d.Seconds()
	}
	if m.gamesPlayed > 0 {
		mean = float64(m.scoreSum) / float64(m.gamesPlayed)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Games Played:   %d / %d\n", m.gamesPlayed, m.target)
	fmt.Fprintf(&b, "Total Examples: %d\n", m.totalExamples)
	fmt.Fprintf(&b, "Total Moves:    %d\n", m.moves)
	fmt.Fprintf(&b, "Mean Score:     %.1f (best %d)\n", mean, m.best)
	fmt.Fprintf(&b, "Duration:       %s\n", d.Round(time.Second))
	fmt.Fprintf(&b, "Games/Sec:      %.2f\n", gamesPerSec)
	fmt.Fprintf(&b, "Moves/Sec:      %.2f\n\n", movesPerSec)
	b.WriteString("Recent Games:\n")
	for _, g := range m.recentGames {
		b.WriteString(g + "\n")
	}
	b.WriteString("\nPress q to quit.\n")
	return b.String()
}
