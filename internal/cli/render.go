package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"FinAssist/sdk/go/finassist"
)

// printer 负责终端输出，非终端环境下自动退化为纯文本。
type printer struct {
	w       io.Writer
	title   lipgloss.Style
	muted   lipgloss.Style
	warn    lipgloss.Style
	failure lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	r := lipgloss.NewRenderer(w)
	return &printer{
		w:       w,
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("245")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("214")),
		failure: r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
}

func (p *printer) reply(reply *finassist.Reply, verbose bool) {
	if reply.Failed && reply.Failure != nil {
		fmt.Fprintln(p.w, p.failure.Render(fmt.Sprintf("回合失败 [%s/%s]", reply.Failure.Stage, reply.Failure.Code)))
	}
	fmt.Fprintln(p.w, reply.Answer)

	if verbose {
		fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf("session=%s turn=%s intent=%s generated=%t",
			reply.SessionID, reply.TurnID, reply.Intent, reply.Generated)))
		if reply.ResolvedQuery != "" {
			fmt.Fprintln(p.w, p.muted.Render("改写后: "+reply.ResolvedQuery))
		}
		for _, c := range reply.Citations {
			fmt.Fprintln(p.w, p.muted.Render("  "+c))
		}
	}
	for _, m := range reply.Markers {
		line := "⚠ " + m.Code
		if m.Detail != "" {
			line += ": " + m.Detail
		}
		fmt.Fprintln(p.w, p.warn.Render(line))
	}
}

func (p *printer) session(sess *finassist.Session) {
	fmt.Fprintln(p.w, p.title.Render(fmt.Sprintf("会话 %s（用户 %s，%d 个回合）", sess.SessionID, sess.UserID, len(sess.Turns))))
	p.turns(sess.Turns)
}

func (p *printer) turns(turns []finassist.Turn) {
	for i, turn := range turns {
		fmt.Fprintf(p.w, "%d. %s %s\n", i+1, p.muted.Render(turn.Timestamp.Format("2006-01-02 15:04:05")), turn.QueryText)
		switch {
		case turn.Failure != nil:
			fmt.Fprintln(p.w, "   "+p.failure.Render(turn.Failure.Code+": "+turn.Failure.Message))
		case turn.AnswerText != nil:
			fmt.Fprintln(p.w, "   "+firstLine(*turn.AnswerText))
		}
	}
}

func (p *printer) info(format string, args ...any) {
	fmt.Fprintln(p.w, p.title.Render(fmt.Sprintf(format, args...)))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
