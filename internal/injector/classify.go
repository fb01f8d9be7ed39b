package injector

import "strings"

// Action is the confirmation driver's verdict for one captured pane tail.
type Action int

const (
	// ActionUnknown means nothing recognizable; wait and re-capture.
	ActionUnknown Action = iota
	// ActionMultiOption is the numbered consent menu ("Do you want to
	// proceed?" with "1. Yes" / "2. Yes, and don't ask again").
	ActionMultiOption
	// ActionSingleOption is a highlighted single "1. Yes" choice.
	ActionSingleOption
	// ActionYes is a plain y/n prompt.
	ActionYes
	// ActionPressEnter is a press-Enter-to-continue prompt.
	ActionPressEnter
	// ActionWorking means the assistant is computing; send nothing.
	ActionWorking
	// ActionIdle means a fresh prompt with no pending question: the
	// command is complete.
	ActionIdle
	// ActionError means the tail shows a failure.
	ActionError
)

func (a Action) String() string {
	switch a {
	case ActionMultiOption:
		return "multi-option"
	case ActionSingleOption:
		return "single-option"
	case ActionYes:
		return "y/n"
	case ActionPressEnter:
		return "press-enter"
	case ActionWorking:
		return "working"
	case ActionIdle:
		return "idle"
	case ActionError:
		return "error"
	default:
		return "unknown"
	}
}

var workingMarkers = []string{
	"Clauding…", "Clauding...",
	"Waiting…", "Waiting...",
	"Processing…", "Processing...",
	"Working…", "Working...",
}

var yesNoMarkers = []string{"(y/n)", "[Y/n]", "[y/N]"}

var pressEnterMarkers = []string{
	"Press Enter to continue",
	"Enter to confirm",
	"Press Enter",
}

var errorMarkers = []string{"Error:", "error:", "failed"}

// Classify maps a captured pane tail to the action the confirmation loop
// should take. It is a pure function of its input so canned pane snapshots
// can drive it in tests. The checks run in priority order: consent prompts
// first, then the working indicator, then the idle prompt, then errors.
func Classify(tail string) Action {
	if strings.Contains(tail, "Do you want to proceed?") &&
		(strings.Contains(tail, "1. Yes") || strings.Contains(tail, "2. Yes, and don't ask again")) {
		return ActionMultiOption
	}

	if strings.Contains(tail, "❯ 1. Yes") || strings.Contains(tail, "▷ 1. Yes") {
		return ActionSingleOption
	}

	if containsAny(tail, yesNoMarkers) {
		return ActionYes
	}

	if containsAny(tail, pressEnterMarkers) {
		return ActionPressEnter
	}

	if containsAny(tail, workingMarkers) {
		return ActionWorking
	}

	if hasIdlePrompt(tail) {
		return ActionIdle
	}

	if containsAny(tail, errorMarkers) {
		return ActionError
	}

	return ActionUnknown
}

// hasIdlePrompt looks for a fresh assistant prompt at the end of the tail:
// either the framed "│ >" input box (whose bottom border renders below the
// prompt line) or a bare "> " on the last non-empty line.
func hasIdlePrompt(tail string) bool {
	lines := strings.Split(tail, "\n")
	i := len(lines) - 1
	for i >= 0 && strings.TrimSpace(lines[i]) == "" {
		i--
	}
	if i < 0 {
		return false
	}

	trimmed := strings.TrimSpace(lines[i])
	if strings.HasPrefix(trimmed, "╰") {
		// Walk up through the frame looking for the prompt row. Anything
		// that is not part of the frame means the box is stale output.
		for i--; i >= 0; i-- {
			if strings.Contains(lines[i], "│ >") {
				return true
			}
			inner := strings.TrimSpace(lines[i])
			if !strings.HasPrefix(inner, "│") && !strings.HasPrefix(inner, "╭") {
				return false
			}
		}
		return false
	}

	if strings.Contains(lines[i], "│ >") {
		return true
	}
	return trimmed == ">" || strings.HasSuffix(lines[i], "> ")
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
