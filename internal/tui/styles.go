// Package tui is the terminal dashboard for a replyloop run.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorBlue  = lipgloss.Color("#1DA1F2")
	colorGray  = lipgloss.Color("#657786")
	colorGreen = lipgloss.Color("#6BCB77")
	colorAmber = lipgloss.Color("#FFD93D")
	colorWhite = lipgloss.Color("#FAFAFA")
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorBlue).
			Bold(true).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	stoppedStyle = lipgloss.NewStyle().
			Foreground(colorGray).
			Bold(true)

	waitingStyle = lipgloss.NewStyle().
			Foreground(colorAmber).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorGray).
			Width(13)

	noticeStyle = lipgloss.NewStyle().
			Foreground(colorWhite)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorGray)
)
