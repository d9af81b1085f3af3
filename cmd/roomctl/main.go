// Command roomctl controls an agentroom session from the terminal.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ashureev/agentroom/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	defaultServer := os.Getenv("AGENTROOM_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}

	server := flag.String("server", defaultServer, "agentroom server URL")
	meetingID := flag.String("meeting", "", "meeting to join; a new room is created when empty")
	sessionID := flag.String("session", "", "existing session to attach to")
	poll := flag.Duration("poll", time.Second, "session refresh interval")
	flag.Parse()

	client, err := tui.NewClient(*server, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	p := tea.NewProgram(
		tui.NewModel(client, *meetingID, *sessionID, *poll),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}
