package router

import (
	"regexp"
	"strings"
)

// Slash-command verbs. The vocabulary is fixed; unknown verbs never match.
const (
	CmdApprove        = "approve"
	CmdAgentReview    = "agent-review"
	CmdAgentFix       = "agent-fix"
	CmdAgentPlan      = "agent-plan"
	CmdApprovePlan    = "approve-plan"
	CmdAgentStop      = "agent-stop"
	CmdAgentPM        = "agent-pm"
	CmdApproveVision  = "approve-vision"
	CmdRefineFeature  = "refine-feature"
	CmdApproveFeature = "approve-feature"
	CmdAddFeature     = "add-feature"
	CmdPrioritize     = "prioritize"
	CmdHandoff        = "handoff"
)

// Command is one parsed slash-command from a comment body.
type Command struct {
	Verb string
	// Args is the trimmed text following the verb on the same line.
	Args string
}

// Longer verbs precede their prefixes so "approve-plan" never parses as
// "approve" with "-plan" arguments.
var commandRE = regexp.MustCompile(`(?m)^/(approve-plan|approve-vision|approve-feature|approve|agent-review|agent-fix|agent-plan|agent-stop|agent-pm|refine-feature|add-feature|prioritize|handoff)(?:[ \t]+(\S.*))?[ \t]*$`)

// ParseCommands extracts slash-commands from a comment body in textual
// order. A command matches only at line start.
func ParseCommands(body string) []Command {
	matches := commandRE.FindAllStringSubmatch(body, -1)
	cmds := make([]Command, 0, len(matches))
	for _, m := range matches {
		cmds = append(cmds, Command{Verb: m[1], Args: strings.TrimSpace(m[2])})
	}
	return cmds
}

// Fields splits the command arguments on whitespace.
func (c Command) Fields() []string {
	return strings.Fields(c.Args)
}
