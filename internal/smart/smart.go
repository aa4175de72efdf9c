// Package smart scores how specific, measurable, achievable, relevant and
// time-bound an action is. Scoring is deterministic and does no I/O.
package smart

import (
	"regexp"
	"strings"
	"time"

	"github.com/zulandar/memorybridge/internal/models"
)

// Thresholds for the length-based fallbacks.
const (
	SpecificMinChars = 20
	SpecificMinWords = 3
	RelevantMinChars = 40
)

// Suggestions, one per failing criterion.
const (
	SuggestSpecific   = "Start with a clear action verb and say exactly what will be done."
	SuggestMeasurable = "Add something measurable: a number, an amount or a time span."
	SuggestAchievable = "Avoid absolute words like always or never; pick a realistic goal."
	SuggestRelevant   = "Note why this matters or who it affects."
	SuggestTimeBound  = "Set a start or due date."
)

var actionVerbs = map[string]bool{
	"call": true, "email": true, "send": true, "write": true, "book": true,
	"schedule": true, "buy": true, "pay": true, "review": true, "finish": true,
	"complete": true, "submit": true, "prepare": true, "visit": true, "pick": true,
	"check": true, "fix": true, "clean": true, "text": true, "meet": true,
	"draft": true, "order": true, "renew": true, "cancel": true, "confirm": true,
	"follow": true, "ask": true, "tell": true, "remind": true, "update": true,
}

var (
	measurable = regexp.MustCompile(`(?i)(\d|%|\b(all|complete|completed|percent|once|twice|` +
		`minutes?|mins?|hours?|hrs?|days?|weeks?|months?|years?)\b)`)
	absolutist = regexp.MustCompile(`(?i)\b(always|never|everything|everyone|everybody|nothing|` +
		`perfect|perfectly|forever|impossible|all the time)\b`)
	word = regexp.MustCompile(`[\p{L}']+`)
)

// Input is the subset of an action the scorer reads.
type Input struct {
	Text      string
	Context   string
	StartDate *time.Time
	DueDate   *time.Time
}

// FromAction builds an Input from a stored action. Modified text wins over
// the extracted text.
func FromAction(a models.Action) Input {
	text := a.Text
	if a.ModifiedText != "" {
		text = a.ModifiedText
	}
	return Input{Text: text, Context: a.Context, StartDate: a.StartDate, DueDate: a.DueDate}
}

// Result is a SMART evaluation.
type Result struct {
	Specific    bool     `json:"specific"`
	Measurable  bool     `json:"measurable"`
	Achievable  bool     `json:"achievable"`
	Relevant    bool     `json:"relevant"`
	TimeBound   bool     `json:"time_bound"`
	Score       int      `json:"score"`
	Suggestions []string `json:"suggestions"`
}

// Score evaluates in. Score is 20 per criterion met.
func Score(in Input) Result {
	text := strings.TrimSpace(in.Text)
	words := word.FindAllString(strings.ToLower(text), -1)

	r := Result{
		Specific:   hasActionVerb(words) || (len(text) >= SpecificMinChars && len(words) >= SpecificMinWords),
		Measurable: measurable.MatchString(text),
		Achievable: text != "" && !absolutist.MatchString(text),
		Relevant:   strings.TrimSpace(in.Context) != "" || len(text) >= RelevantMinChars,
		TimeBound:  in.StartDate != nil || in.DueDate != nil,
	}
	r.Suggestions = []string{}
	for _, c := range []struct {
		ok   bool
		hint string
	}{
		{r.Specific, SuggestSpecific},
		{r.Measurable, SuggestMeasurable},
		{r.Achievable, SuggestAchievable},
		{r.Relevant, SuggestRelevant},
		{r.TimeBound, SuggestTimeBound},
	} {
		if c.ok {
			r.Score += 20
		} else {
			r.Suggestions = append(r.Suggestions, c.hint)
		}
	}
	return r
}

func hasActionVerb(words []string) bool {
	for _, w := range words {
		if actionVerbs[w] {
			return true
		}
	}
	return false
}
