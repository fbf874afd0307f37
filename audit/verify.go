package audit

import "fmt"

// Check status values.
const (
	StatusPass = "pass"
	StatusFail = "fail"
	StatusWarn = "warn"
)

// Check is the outcome of one verification step.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// VerifyResult summarizes an offline chain verification.
type VerifyResult struct {
	EntryCount int     `json:"entry_count"`
	Valid      bool    `json:"valid"`
	Checks     []Check `json:"checks"`
}

func (r *VerifyResult) add(name, status, detail string) {
	if status == StatusFail {
		r.Valid = false
	}
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Detail: detail})
}

// Verify checks an export's hash chain without access to the store.
func Verify(export Export) VerifyResult {
	entries := export.Entries
	result := VerifyResult{EntryCount: len(entries), Valid: true}

	if len(entries) == 0 {
		result.add("empty_chain", StatusPass, "no entries to verify")
		return result
	}

	if export.EntryCount != 0 && export.EntryCount != len(entries) {
		result.add("entry_count", StatusFail,
			fmt.Sprintf("header claims %d entries, export contains %d", export.EntryCount, len(entries)))
	} else {
		result.add("entry_count", StatusPass, "")
	}

	if entries[0].PrevHash == GenesisHash {
		result.add("genesis_anchor", StatusPass, "")
	} else {
		result.add("genesis_anchor", StatusFail,
			fmt.Sprintf("first entry prev_hash=%s, expected genesis hash", entries[0].PrevHash))
	}

	chainDetail := ""
	for i := 1; i < len(entries); i++ {
		prev := entries[i-1]
		expected := ChainHash(prev)
		if entries[i].PrevHash != expected {
			chainDetail = fmt.Sprintf("entry %d (id=%s) has prev_hash=%s but expected %s (computed from entry %d)",
				i, entries[i].ID, entries[i].PrevHash, expected, i-1)
			break
		}
	}
	if chainDetail == "" {
		result.add("chain_continuity", StatusPass, fmt.Sprintf("all %d entries link correctly", len(entries)))
	} else {
		result.add("chain_continuity", StatusFail, chainDetail)
	}

	if export.HeadHash != "" {
		last := entries[len(entries)-1]
		if got := ChainHash(last); got != export.HeadHash {
			result.add("head_hash", StatusFail, fmt.Sprintf("last entry hashes to %s, header says %s", got, export.HeadHash))
		} else {
			result.add("head_hash", StatusPass, "")
		}
	}

	seen := make(map[string]int, len(entries))
	dupDetail := ""
	for i, e := range entries {
		if prev, ok := seen[e.ID]; ok {
			dupDetail = fmt.Sprintf("entry %d and entry %d share id=%s", prev, i, e.ID)
			break
		}
		seen[e.ID] = i
	}
	if dupDetail == "" {
		result.add("no_duplicate_ids", StatusPass, "")
	} else {
		result.add("no_duplicate_ids", StatusFail, dupDetail)
	}

	seqDetail := ""
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			seqDetail = fmt.Sprintf("entry %d has seq=%d, expected %d", i, e.Seq, i+1)
			break
		}
	}
	if seqDetail == "" {
		result.add("sequence_continuity", StatusPass, "")
	} else {
		result.add("sequence_continuity", StatusFail, seqDetail)
	}

	// Clock skew happens in legitimate deployments, so ordering is a warning.
	tsDetail := ""
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			tsDetail = fmt.Sprintf("entry %d (timestamp=%s) is earlier than entry %d",
				i, FormatTimestamp(entries[i].Timestamp), i-1)
			break
		}
	}
	if tsDetail == "" {
		result.add("monotonic_timestamps", StatusPass, "")
	} else {
		result.add("monotonic_timestamps", StatusWarn, tsDetail)
	}

	return result
}
