package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"

	"github.com/yuya-takeyama/s3-replica-sync/pkg/planner"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/resolver"
)

const maxListedConflicts = 10

// terminalPrompter asks the questions of a run on the terminal.
type terminalPrompter struct{}

var _ resolver.Prompter = (*terminalPrompter)(nil)

func isInteractive() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stderr.Fd())
}

func (p *terminalPrompter) ChooseConflictStrategy(ctx context.Context, conflicts []planner.Operation) (resolver.Strategy, error) {
	var choice resolver.Strategy
	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[resolver.Strategy]().
			Title(fmt.Sprintf("%d files changed on both sides", len(conflicts))).
			Description(describeConflicts(conflicts)).
			Options(
				huh.NewOption("Keep local versions", resolver.StrategyLocalWins),
				huh.NewOption("Keep remote versions", resolver.StrategyRemoteWins),
				huh.NewOption("Keep the newer version of each file", resolver.StrategyNewerWins),
			).
			Value(&choice),
	)).RunWithContext(ctx)
	if err != nil {
		return "", promptError(err)
	}
	return choice, nil
}

func (p *terminalPrompter) ChooseFirstSync(ctx context.Context, summary resolver.FirstSyncSummary) (planner.FirstSyncChoice, error) {
	var choice planner.FirstSyncChoice
	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[planner.FirstSyncChoice]().
			Title("Both sides already hold files").
			Description(fmt.Sprintf(
				"%d local and %d remote files, %d differ in content.\nA merge would upload %d and download %d files.",
				summary.LocalObjects, summary.RemoteObjects, summary.Divergent, summary.Uploads, summary.Downloads,
			)).
			Options(
				huh.NewOption("Merge both sides, newer file wins", planner.ChoiceMerge),
				huh.NewOption("Local is authoritative, upload", planner.ChoiceUploadAll),
				huh.NewOption("Remote is authoritative, download", planner.ChoiceDownloadAll),
			).
			Value(&choice),
	)).RunWithContext(ctx)
	if err != nil {
		return "", promptError(err)
	}
	return choice, nil
}

func promptError(err error) error {
	if errors.Is(err, huh.ErrUserAborted) || errors.Is(err, context.Canceled) {
		return resolver.ErrCancelled
	}
	return err
}

func describeConflicts(conflicts []planner.Operation) string {
	var b strings.Builder
	for i, op := range conflicts {
		if i == maxListedConflicts {
			fmt.Fprintf(&b, "... and %d more", len(conflicts)-i)
			break
		}
		fmt.Fprintf(&b, "%s\n", op.Key)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
