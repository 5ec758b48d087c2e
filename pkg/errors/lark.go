package errors

import (
	"fmt"
	"github.com/go-lark/lark"
	"moff.io/coursewallet/pkg/log"
	"time"
)

type larkReporter struct {
	bot      *lark.Bot
	title    string
	throttle *reportThrottle
}

// NewLarkReporter posts reported errors to a lark notification bot.
// An empty webhook skips initialization.
func NewLarkReporter(webhook, title string, silent time.Duration) {
	if webhook == "" {
		log.Warn("empty lark webhook found, skipping lark reporter initialization.")
		return
	}
	if title == "" {
		title = "coursewallet error"
	}
	RegisterReporter(&larkReporter{
		bot:      lark.NewNotificationBot(webhook),
		title:    title,
		throttle: newReportThrottle(silent),
	})
	log.Info("Lark error reporter initialized.")
}

func (r *larkReporter) Report(err error) {
	if err == nil {
		return
	}
	stacks := callers().fullStack()
	stats, ok := r.throttle.allowCaller(stacks)
	if !ok {
		return
	}
	pb := lark.NewPostBuilder()
	pb.Title(r.title)
	for _, line := range statsLines(stats) {
		pb.TextTag(line, 1, true)
	}
	pb.TextTag(fmt.Sprintf("\nMessage: %v", err.Error()), 1, true)
	pb.TextTag("\nStacks:", 1, true)
	for _, s := range stacks {
		pb.TextTag(fmt.Sprintf("\n    %s", s), 1, true)
	}
	if _, err := r.bot.PostNotificationV2(lark.OutcomingMessage{
		MsgType: "post",
		Content: lark.MessageContent{
			Post: pb.Render(),
		},
	}); err != nil {
		log.Error(WithStack(err))
	}
}

func statsLines(stats siteStats) []string {
	last := "none"
	if !stats.LastReport.IsZero() {
		last = stats.LastReport.Format("2006.01.02 15:04")
	}
	return []string{
		fmt.Sprintf("Last Report: %s", last),
		fmt.Sprintf("\nSuppressed Since Last Report: %d", stats.Suppressed),
		fmt.Sprintf("\nTotal Occurrences: %d", stats.Total),
	}
}
