package detector

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/caasmo/threatguard/activity"
	"github.com/caasmo/threatguard/classify"
	"github.com/caasmo/threatguard/escalation"
	"github.com/caasmo/threatguard/ledger"
	"github.com/caasmo/threatguard/rules"
	"github.com/caasmo/threatguard/topk"
)

var ErrInvalidDuration = errors.New("detector: block duration must be positive")

const (
	topReasons     = 5
	recentClients  = 10
	manualPrefix   = "Manual block: "
	activityWindow = time.Hour
)

// ReasonCount is one line of the top block reasons.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// ClientSummary is one line of recent activity.
type ClientSummary struct {
	ClientID string    `json:"client_id"`
	Attempts int       `json:"attempts"`
	LastSeen time.Time `json:"last_seen"`
}

type Stats struct {
	ActiveBlocks    int             `json:"active_blocks"`
	TotalBlocks     int             `json:"total_blocks"`
	TrackedClients  int             `json:"tracked_clients"`
	TopBlockReasons []ReasonCount   `json:"top_block_reasons"`
	RecentActivity  []ClientSummary `json:"recent_activity"`
	TopOffenders    []topk.Offender `json:"top_offenders"`
}

// BlockedEntry is an active block with its remaining time.
type BlockedEntry struct {
	ledger.BlockRecord
	Remaining     time.Duration `json:"remaining"`
	RemainingText string        `json:"remaining_text"`
}

// Stats summarises the ledger and the tracker.
func (d *Detector) Stats() Stats {
	now := d.now()
	records := d.ledger.Snapshot()

	s := Stats{
		TotalBlocks:    len(records),
		TrackedClients: d.tracker.Len(),
		TopOffenders:   d.tracker.TopOffenders(),
	}

	byReason := make(map[string]int)
	for _, rec := range records {
		if rec.Active(now) {
			s.ActiveBlocks++
			byReason[rec.Reason]++
		}
	}
	s.TopBlockReasons = make([]ReasonCount, 0, len(byReason))
	for reason, n := range byReason {
		s.TopBlockReasons = append(s.TopBlockReasons, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(s.TopBlockReasons, func(i, j int) bool {
		a, b := s.TopBlockReasons[i], s.TopBlockReasons[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Reason < b.Reason
	})
	if len(s.TopBlockReasons) > topReasons {
		s.TopBlockReasons = s.TopBlockReasons[:topReasons]
	}

	s.RecentActivity = make([]ClientSummary, 0, recentClients)
	for _, sum := range d.tracker.Recent(-1) {
		n := d.tracker.WindowCount(sum.ClientID, activityWindow, nil)
		if n == 0 {
			continue
		}
		s.RecentActivity = append(s.RecentActivity, ClientSummary{
			ClientID: sum.ClientID,
			Attempts: n,
			LastSeen: sum.LastSeen,
		})
		if len(s.RecentActivity) == recentClients {
			break
		}
	}
	return s
}

// ManualBlock blocks clientID for the given number of hours outside the
// scoring path. Zero hours means the moderate tier duration. A prior record
// raises the offense count but the duration is not doubled.
func (d *Detector) ManualBlock(clientID, reason string, hours float64) (ledger.BlockRecord, error) {
	dur := d.engine.Durations().Moderate
	if hours < 0 {
		return ledger.BlockRecord{}, ErrInvalidDuration
	}
	if hours > 0 {
		dur = time.Duration(hours * float64(time.Hour))
	}
	if dur <= 0 {
		return ledger.BlockRecord{}, ErrInvalidDuration
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "no reason given"
	}

	rec, err := d.ledger.Block(clientID, manualPrefix+reason, dur)
	if err != nil {
		return ledger.BlockRecord{}, fmt.Errorf("manual block: %w", err)
	}
	d.logger.Info("manually blocked client", "client", clientID, "reason", reason, "duration", dur)
	return rec, nil
}

// Unblock removes any block on clientID. It returns false if there was none.
func (d *Detector) Unblock(clientID string) bool {
	return d.ledger.Unblock(clientID)
}

// WhitelistAdd exempts an IP or CIDR range from every check.
func (d *Detector) WhitelistAdd(entry string) error {
	if err := d.whitelist.Add(entry); err != nil {
		return err
	}
	d.logger.Info("whitelisted", "entry", entry)
	return nil
}

// WhitelistRemove reports whether entry was present.
func (d *Detector) WhitelistRemove(entry string) bool {
	ok := d.whitelist.Remove(entry)
	if ok {
		d.logger.Info("removed from whitelist", "entry", entry)
	}
	return ok
}

// Whitelist returns the current entries.
func (d *Detector) Whitelist() []string {
	return d.whitelist.Entries()
}

// TestScore scores a request as if from a client with no history. Nothing
// is recorded.
func (d *Detector) TestScore(path, userAgent string) classify.Assessment {
	return d.classifier.Score("", path, userAgent, "GET", nil)
}

// TestDecision is TestScore followed by the escalation decision for a first
// offense.
func (d *Detector) TestDecision(path, userAgent string) (classify.Assessment, escalation.Decision) {
	a := d.TestScore(path, userAgent)
	return a, d.engine.Decide(a.Score, nil)
}

// Blocked lists the active blocks, most recent first.
func (d *Detector) Blocked() []BlockedEntry {
	now := d.now()
	var out []BlockedEntry
	for _, rec := range d.ledger.Snapshot() {
		if !rec.Active(now) {
			continue
		}
		rem := rec.Remaining(now)
		out = append(out, BlockedEntry{
			BlockRecord:   rec,
			Remaining:     rem,
			RemainingText: escalation.FormatDuration(rem),
		})
	}
	return out
}

// Activity returns the tracked history of clientID.
func (d *Detector) Activity(clientID string) (activity.ClientActivity, bool) {
	return d.tracker.Get(clientID)
}

// Rules returns the loaded rule table.
func (d *Detector) Rules() []rules.Rule {
	return d.classifier.Rules()
}
