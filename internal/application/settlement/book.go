package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clipstake/clipstake/internal/domain/session"
	"github.com/clipstake/clipstake/internal/domain/settlement"
	"github.com/clipstake/clipstake/internal/infrastructure/broadcast"
	"github.com/clipstake/clipstake/internal/protocol"
)

// Book aggregates every prediction and vote seen per contest: our own from
// session changes and other participants' from coordinator pushes.
// Rejected entries are left out.
type Book struct {
	mu       sync.RWMutex
	owner    string
	contests map[string]map[string]settlement.Entry
	logger   zerolog.Logger
}

func NewBook(owner string, logger zerolog.Logger) *Book {
	return &Book{
		owner:    owner,
		contests: map[string]map[string]settlement.Entry{},
		logger:   logger.With().Str("component", "contest_book").Logger(),
	}
}

// Attach feeds the book from the hub and returns the unsubscribe func.
func (b *Book) Attach(hub *broadcast.Hub) func() {
	return hub.Subscribe(b.Apply)
}

// Apply folds one change into the book.
func (b *Book) Apply(_ context.Context, c broadcast.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch c.Kind {
	case broadcast.KindSessionCreated, broadcast.KindSessionRestored:
		if c.Session == nil {
			return
		}
		b.replaceOwn(c.Session.State)
	case broadcast.KindPredictionPlaced, broadcast.KindPredictionUpdated:
		if c.Prediction != nil {
			b.applyPrediction(*c.Prediction)
		}
	case broadcast.KindPredictionCancelled:
		if c.Prediction != nil {
			b.remove(c.Prediction.ContestID, entryKey(settlement.KindPrediction, c.Prediction.ID))
		}
	case broadcast.KindVoteCast:
		if c.Vote != nil {
			b.applyVote(*c.Vote)
		}
	case broadcast.KindEntryStatus:
		if c.Prediction != nil {
			b.applyPrediction(*c.Prediction)
		}
		if c.Vote != nil {
			b.applyVote(*c.Vote)
		}
	case broadcast.KindRemoteUpdate:
		if c.Remote != nil {
			b.applyRemote(*c.Remote)
		}
	}
}

// replaceOwn makes our entries mirror st. A new or restored session does
// not merge with the previous one, so its stakes leave the pool; entries of
// other participants stay.
func (b *Book) replaceOwn(st session.SessionState) {
	for contestID, entries := range b.contests {
		for key, e := range entries {
			if e.Owner != b.owner {
				continue
			}
			switch e.Kind {
			case settlement.KindPrediction:
				if _, ok := st.Predictions[e.ID]; ok {
					continue
				}
			case settlement.KindVote:
				if _, ok := st.Votes[e.ID]; ok {
					continue
				}
			}
			delete(entries, key)
		}
		if len(entries) == 0 {
			delete(b.contests, contestID)
		}
	}
	for _, p := range st.Predictions {
		b.applyPrediction(p)
	}
	for _, v := range st.Votes {
		b.applyVote(v)
	}
}

func (b *Book) applyPrediction(p session.PredictionState) {
	key := entryKey(settlement.KindPrediction, p.ID)
	if p.Status == session.EntryRejected {
		b.remove(p.ContestID, key)
		return
	}
	b.put(settlement.Entry{
		Kind:      settlement.KindPrediction,
		ID:        p.ID,
		ContestID: p.ContestID,
		ItemID:    p.ItemID,
		Owner:     b.owner,
		Amount:    p.Amount,
		Timestamp: p.Timestamp,
	})
}

func (b *Book) applyVote(v session.VoteState) {
	key := entryKey(settlement.KindVote, v.ID)
	if v.Status == session.EntryRejected {
		b.remove(v.ContestID, key)
		return
	}
	b.put(settlement.Entry{
		Kind:      settlement.KindVote,
		ID:        v.ID,
		ContestID: v.ContestID,
		ItemID:    v.ItemID,
		Owner:     b.owner,
		Amount:    decimal.Zero,
		Timestamp: v.Timestamp,
	})
}

func (b *Book) applyRemote(p protocol.StateUpdateParams) {
	at := time.UnixMilli(p.Timestamp).UTC()
	switch p.Action {
	case protocol.ActionPredict, protocol.ActionUpdate:
		if p.PredictionID == "" {
			return
		}
		key := entryKey(settlement.KindPrediction, p.PredictionID)
		if p.Action == protocol.ActionUpdate {
			// An update moves the stake but keeps the original bid time.
			if prev, ok := b.contests[p.ContestID][key]; ok {
				at = prev.Timestamp
			}
		}
		b.put(settlement.Entry{
			Kind:      settlement.KindPrediction,
			ID:        p.PredictionID,
			ContestID: p.ContestID,
			ItemID:    p.ItemID,
			Owner:     p.Participant,
			Amount:    p.Amount,
			Timestamp: at,
		})
	case protocol.ActionCancel:
		b.remove(p.ContestID, entryKey(settlement.KindPrediction, p.PredictionID))
	case protocol.ActionVote:
		if p.VoteID == "" {
			return
		}
		b.put(settlement.Entry{
			Kind:      settlement.KindVote,
			ID:        p.VoteID,
			ContestID: p.ContestID,
			ItemID:    p.ItemID,
			Owner:     p.Participant,
			Amount:    decimal.Zero,
			Timestamp: at,
		})
	default:
		b.logger.Debug().Str("action", string(p.Action)).Msg("ignoring remote action")
	}
}

func (b *Book) put(e settlement.Entry) {
	entries, ok := b.contests[e.ContestID]
	if !ok {
		entries = map[string]settlement.Entry{}
		b.contests[e.ContestID] = entries
	}
	entries[entryKey(e.Kind, e.ID)] = e
}

func (b *Book) remove(contestID, key string) {
	if entries, ok := b.contests[contestID]; ok {
		delete(entries, key)
	}
}

// Entries returns the entries of a contest ordered by time then id.
func (b *Book) Entries(contestID string) []settlement.Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := b.contests[contestID]
	out := make([]settlement.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Contests lists every contest with at least one entry.
func (b *Book) Contests() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.contests))
	for id, entries := range b.contests {
		if len(entries) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func entryKey(kind settlement.EntryKind, id string) string {
	return string(kind) + ":" + id
}
