package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"github.com/go-authgate/lms-cli/lms"
	"github.com/go-authgate/lms-cli/tui"
)

// command is a typed LMS call selected by the first positional argument.
type command struct {
	usage   string
	minArgs int
	exec    func(ctx context.Context, svc *lms.Service, args []string, out io.Writer) (string, error)
}

var commands = map[string]command{
	"classes": {
		usage: "classes",
		exec: func(ctx context.Context, svc *lms.Service, _ []string, out io.Writer) (string, error) {
			classes, err := svc.Classes(ctx)
			if err != nil {
				return "", err
			}
			rows := make([][]string, 0, len(classes))
			for _, c := range classes {
				rows = append(rows, []string{c.ID, c.Name, c.Subject, c.Teacher})
			}
			printTable(out, []string{"ID", "NAME", "SUBJECT", "TEACHER"}, rows)
			return fmt.Sprintf("%d classes", len(classes)), nil
		},
	},
	"assignments": {
		usage:   "assignments <class-id>",
		minArgs: 1,
		exec: func(ctx context.Context, svc *lms.Service, args []string, out io.Writer) (string, error) {
			assignments, err := svc.Assignments(ctx, args[0])
			if err != nil {
				return "", err
			}
			rows := make([][]string, 0, len(assignments))
			for _, a := range assignments {
				rows = append(rows, []string{
					a.ID, a.Title, a.DueAt.Local().Format(time.DateTime), strconv.FormatBool(a.Submitted),
				})
			}
			printTable(out, []string{"ID", "TITLE", "DUE", "SUBMITTED"}, rows)
			return fmt.Sprintf("%d assignments", len(assignments)), nil
		},
	},
	"rankings": {
		usage:   "rankings <class-id>",
		minArgs: 1,
		exec: func(ctx context.Context, svc *lms.Service, args []string, out io.Writer) (string, error) {
			rankings, err := svc.Rankings(ctx, args[0])
			if err != nil {
				return "", err
			}
			rows := make([][]string, 0, len(rankings))
			for _, r := range rankings {
				rows = append(rows, []string{
					strconv.Itoa(r.Rank), r.Name, strconv.FormatFloat(r.Score, 'f', -1, 64),
				})
			}
			printTable(out, []string{"RANK", "NAME", "SCORE"}, rows)
			return fmt.Sprintf("%d ranked", len(rankings)), nil
		},
	},
	"search": {
		usage:   "search <query>",
		minArgs: 1,
		exec: func(ctx context.Context, svc *lms.Service, args []string, out io.Writer) (string, error) {
			results, err := svc.Search(ctx, strings.Join(args, " "))
			if err != nil {
				return "", err
			}
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{r.Kind, r.ID, r.Title})
			}
			printTable(out, []string{"KIND", "ID", "TITLE"}, rows)
			return fmt.Sprintf("%d results", len(results)), nil
		},
	},
	"submit": {
		usage:   "submit <assignment-id> <content>",
		minArgs: 2,
		exec: func(ctx context.Context, svc *lms.Service, args []string, _ io.Writer) (string, error) {
			sub := lms.Submission{Content: strings.Join(args[1:], " ")}
			if err := svc.SubmitAssignment(ctx, args[0], sub); err != nil {
				return "", err
			}
			return "submitted", nil
		},
	},
}

// invocation is what the positional arguments ask for: one command, or a
// list of raw API paths.
type invocation struct {
	name  string
	cmd   *command
	args  []string
	paths []string
}

// parseInvocation reads the positional arguments. Anything that is not a
// command name is taken as API paths.
func parseInvocation(args []string) (invocation, error) {
	if len(args) == 0 {
		return invocation{paths: defaultPaths}, nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return invocation{paths: args}, nil
	}
	if len(args)-1 < cmd.minArgs {
		return invocation{}, fmt.Errorf("usage: %s", cmd.usage)
	}
	return invocation{name: args[0], cmd: &cmd, args: args[1:]}, nil
}

func (inv invocation) label() string {
	return strings.Join(append([]string{inv.name}, inv.args...), " ")
}

// execute runs the invocation and reports it like a fetch.
func (inv invocation) execute(ctx context.Context, svc *lms.Service, d tui.Displayer, out io.Writer) fetchResult {
	if inv.cmd == nil {
		return fetchAll(ctx, svc, inv.paths, d)
	}

	label := inv.label()
	d.Fetching([]string{label})

	summary, err := inv.cmd.exec(ctx, svc, inv.args, out)
	if err != nil {
		d.FetchFailed(label, err)
		return fetchResult{failed: 1}
	}
	d.FetchOK(label, summary)
	return fetchResult{ok: 1}
}

func (inv invocation) requests() int {
	if inv.cmd != nil {
		return 1
	}
	return len(inv.paths)
}

func printTable(out io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(out, t.String())
}
