package chatbot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fitcast/backend/internal/apperr"
	"github.com/fitcast/backend/internal/models"
)

type defaultCommand struct {
	command models.ChatCommand
	action  Action
}

func defaultCommands() []defaultCommand {
	return []defaultCommand{
		{models.ChatCommand{Name: "workout", Description: "Show the current exercise", CooldownSeconds: 10, Enabled: true}, workoutAction},
		{models.ChatCommand{Name: "stats", Description: "Show session totals", CooldownSeconds: 10, Enabled: true}, statsAction},
		{models.ChatCommand{Name: "pr", Description: "Show personal records set this session", CooldownSeconds: 10, Enabled: true}, prAction},
		{models.ChatCommand{Name: "challenge", Description: "Challenge the streamer to extra reps: !challenge [reps]", CooldownSeconds: 60, Enabled: true}, challengeAction},
		{models.ChatCommand{Name: "challenges", Description: "Count active challenges", CooldownSeconds: 10, Enabled: true}, challengesAction},
		{models.ChatCommand{Name: "commands", Description: "List available commands", CooldownSeconds: 30, Enabled: true}, commandsAction},
		{models.ChatCommand{Name: "clearchallenges", Description: "Clear all open challenges", ModOnly: true, Enabled: true}, clearChallengesAction},
	}
}

const offlineReply = "No workout is being broadcast right now."

func workoutAction(_ context.Context, e *Engine, _ ChatMessage, _ []string) (string, error) {
	s := e.session()
	if s == nil || s.CurrentWorkout == nil {
		return offlineReply, nil
	}
	w := s.CurrentWorkout.Filter(s.Settings)
	if w == nil {
		return "The current exercise is private.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Now: %s", w.Exercise.Name)
	if w.CurrentSet.Number > 0 {
		fmt.Fprintf(&b, ", set %d", w.CurrentSet.Number)
	}
	if w.CurrentSet.Reps > 0 {
		fmt.Fprintf(&b, " (%d reps", w.CurrentSet.Reps)
		if w.CurrentSet.Weight > 0 {
			fmt.Fprintf(&b, " @ %s", formatNumber(w.CurrentSet.Weight))
		}
		b.WriteString(")")
	}
	if w.Progress.TotalExercises > 0 {
		fmt.Fprintf(&b, " | %d/%d exercises done", w.Progress.ExercisesCompleted, w.Progress.TotalExercises)
	}
	return b.String(), nil
}

func statsAction(_ context.Context, e *Engine, _ ChatMessage, _ []string) (string, error) {
	s := e.session()
	if s == nil || s.SessionStats == nil {
		return offlineReply, nil
	}
	st := s.SessionStats.Filter(s.Settings)
	if st == nil {
		return "Session stats are private.", nil
	}
	parts := []string{
		formatDuration(time.Duration(st.TotalTimeSeconds) * time.Second),
		fmt.Sprintf("%d exercises", st.ExercisesCompleted),
		fmt.Sprintf("%d sets", st.SetsCompleted),
		fmt.Sprintf("%d reps", st.TotalReps),
	}
	if st.TotalVolume > 0 {
		parts = append(parts, formatNumber(st.TotalVolume)+" volume")
	}
	if st.Calories > 0 {
		parts = append(parts, fmt.Sprintf("%d kcal", st.Calories))
	}
	return "Session: " + strings.Join(parts, ", "), nil
}

func prAction(_ context.Context, e *Engine, _ ChatMessage, _ []string) (string, error) {
	s := e.session()
	if s == nil || s.SessionStats == nil {
		return offlineReply, nil
	}
	if !s.Settings.ShowSessionStats || !s.Settings.ShowPersonalRecords {
		return "Personal records are private.", nil
	}
	prs := s.SessionStats.PersonalRecords
	if len(prs) == 0 {
		return "No PRs yet this session.", nil
	}
	out := make([]string, 0, len(prs))
	for _, pr := range prs {
		entry := pr.Exercise
		if s.Settings.ShowWeights {
			entry += " " + formatNumber(pr.Value)
			if pr.Previous > 0 {
				entry += " (prev " + formatNumber(pr.Previous) + ")"
			}
		}
		out = append(out, entry)
	}
	return "PRs this session: " + strings.Join(out, ", "), nil
}

func challengeAction(_ context.Context, e *Engine, msg ChatMessage, args []string) (string, error) {
	if e.session() == nil {
		return offlineReply, nil
	}
	reps := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Sprintf("@%s usage: !challenge [reps]", msg.Name()), nil
		}
		reps = n
	}
	c, err := e.challenges.Create(e.ownerID, msg.Channel, msg.AuthorID(), msg.Name(), reps)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeValidation {
			return fmt.Sprintf("@%s %s.", msg.Name(), apperr.MessageOf(err)), nil
		}
		return "", err
	}
	if e.notify != nil {
		e.notify(e.ownerID, c)
	}
	return fmt.Sprintf("@%s challenged the streamer to %d extra reps! Expires in %s.",
		msg.Name(), c.Target, formatDuration(c.ExpiresAt.Sub(c.CreatedAt))), nil
}

func challengesAction(_ context.Context, e *Engine, _ ChatMessage, _ []string) (string, error) {
	n := e.challenges.ActiveCount(e.ownerID)
	switch n {
	case 0:
		return "No active challenges.", nil
	case 1:
		return "1 active challenge.", nil
	}
	return fmt.Sprintf("%d active challenges.", n), nil
}

func commandsAction(_ context.Context, e *Engine, _ ChatMessage, _ []string) (string, error) {
	var names []string
	for _, c := range e.Commands() {
		if c.Enabled && !c.ModOnly {
			names = append(names, CommandPrefix+c.Name)
		}
	}
	if len(names) == 0 {
		return "No commands are enabled.", nil
	}
	return "Commands: " + strings.Join(names, " "), nil
}

func clearChallengesAction(_ context.Context, e *Engine, _ ChatMessage, _ []string) (string, error) {
	n := e.challenges.Clear(e.ownerID)
	return fmt.Sprintf("Cleared %d challenge(s).", n), nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm", h, m)
	case s == 0:
		return fmt.Sprintf("%dm", m)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
