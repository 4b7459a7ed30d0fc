package runner

import (
	"context"
	"fmt"
	"os"
	"strings"

	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// DefaultPromptGenerator builds the agent kickoff prompt from the PRD file
// and the story ledger. When the PRD file is unreadable the prompt falls
// back to the recorded description so a launch never blocks on the file.
type DefaultPromptGenerator struct{}

// Generate renders the kickoff prompt.
func (DefaultPromptGenerator) Generate(ctx context.Context, exec *v1.Execution, stories []*v1.UserStory) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "You are working on branch %s.\n", exec.Branch)
	if exec.Description != "" {
		fmt.Fprintf(&b, "\nGoal: %s\n", exec.Description)
	}

	if exec.PRDPath != "" {
		if data, err := os.ReadFile(exec.PRDPath); err == nil {
			b.WriteString("\n--- PRD ---\n")
			b.Write(data)
			if len(data) > 0 && data[len(data)-1] != '\n' {
				b.WriteByte('\n')
			}
			b.WriteString("--- END PRD ---\n")
		}
	}

	if len(stories) > 0 {
		b.WriteString("\nUser stories:\n")
		for _, s := range stories {
			mark := " "
			if s.Passes {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s: %s\n", mark, s.StoryID, s.Title)
			for _, ac := range s.AcceptanceCriteria {
				fmt.Fprintf(&b, "  - %s\n", ac)
			}
		}
		b.WriteString("\nWork only on stories that are not yet passing. Record evidence for each acceptance criterion as you complete it.\n")
	}

	if exec.LastError != "" {
		fmt.Fprintf(&b, "\nPrevious attempt ended with: %s\nPick up from where the previous attempt left off.\n", exec.LastError)
	}

	return b.String(), nil
}
