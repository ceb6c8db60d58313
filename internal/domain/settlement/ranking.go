package settlement

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/shopspring/decimal"
)

// DefaultFormula weighs staked amount over vote count.
const DefaultFormula = "0.7 * amount + 0.3 * votes"

// ItemScore is the aggregate of one item within a contest.
type ItemScore struct {
	ItemID string          `json:"itemId"`
	Amount decimal.Decimal `json:"amount"`
	Votes  int64           `json:"votes"`
	Score  float64         `json:"score"`
}

// Ranker scores contest items with an expression over `amount` and `votes`.
type Ranker struct {
	formula string
	expr    *govaluate.EvaluableExpression
}

func NewRanker(formula string) (*Ranker, error) {
	formula = strings.TrimSpace(formula)
	if formula == "" {
		formula = DefaultFormula
	}
	expr, err := govaluate.NewEvaluableExpression(formula)
	if err != nil {
		return nil, fmt.Errorf("parse ranking formula %q: %w", formula, err)
	}
	return &Ranker{formula: formula, expr: expr}, nil
}

func (r *Ranker) Formula() string { return r.formula }

// Rank aggregates entries per item and orders them by score, highest
// first. Equal scores fall back to item id ascending.
func (r *Ranker) Rank(entries []Entry) ([]ItemScore, error) {
	byItem := map[string]*ItemScore{}
	for _, e := range entries {
		if e.ItemID == "" {
			continue
		}
		s, ok := byItem[e.ItemID]
		if !ok {
			s = &ItemScore{ItemID: e.ItemID, Amount: decimal.Zero}
			byItem[e.ItemID] = s
		}
		switch e.Kind {
		case KindPrediction:
			s.Amount = s.Amount.Add(e.Amount)
		case KindVote:
			s.Votes++
		}
	}
	if len(byItem) == 0 {
		return nil, ErrNoItems
	}

	out := make([]ItemScore, 0, len(byItem))
	for _, s := range byItem {
		score, err := r.score(*s)
		if err != nil {
			return nil, err
		}
		s.Score = score
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out, nil
}

// Winner returns the top-ranked item.
func (r *Ranker) Winner(entries []Entry) (string, error) {
	ranked, err := r.Rank(entries)
	if err != nil {
		return "", err
	}
	return ranked[0].ItemID, nil
}

func (r *Ranker) score(s ItemScore) (float64, error) {
	result, err := r.expr.Evaluate(map[string]interface{}{
		"amount": s.Amount.InexactFloat64(),
		"votes":  float64(s.Votes),
	})
	if err != nil {
		return 0, fmt.Errorf("score item %s: %w", s.ItemID, err)
	}
	v, ok := result.(float64)
	if !ok {
		return 0, fmt.Errorf("score item %s: formula did not evaluate to a number", s.ItemID)
	}
	return v, nil
}
