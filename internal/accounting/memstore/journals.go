package memstore

import (
	"context"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

func (t *tx) NextEntryNumber(ctx context.Context, companyID, fiscalYearID int64) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	key := sequenceKey{companyID: companyID, fiscalYearID: fiscalYearID}
	t.st.sequences[key]++
	return t.st.sequences[key], nil
}

func (t *tx) InsertEntry(ctx context.Context, entry accounting.JournalEntry) (accounting.JournalEntry, error) {
	if err := t.writable(); err != nil {
		return accounting.JournalEntry{}, err
	}
	if entry.SourceID != uuid.Nil {
		for _, existing := range t.st.entries {
			if existing.CompanyID == entry.CompanyID && existing.Source == entry.Source && existing.SourceID == entry.SourceID {
				return accounting.JournalEntry{}, accounting.ErrSourceAlreadyLinked
			}
		}
	}
	entry.ID = t.st.id()
	lines := make([]accounting.JournalLine, len(entry.Lines))
	for i, line := range entry.Lines {
		line.ID = t.st.id()
		line.EntryID = entry.ID
		line.LineNo = i + 1
		lines[i] = line
	}
	entry.Lines = lines
	t.st.entries[entry.ID] = entry
	return t.withStatus(entry), nil
}

func (t *tx) GetEntry(ctx context.Context, companyID, id int64) (accounting.JournalEntry, error) {
	entry, ok := t.st.entries[id]
	if !ok || entry.CompanyID != companyID {
		return accounting.JournalEntry{}, accounting.ErrJournalNotFound
	}
	entry.Lines = slices.Clone(entry.Lines)
	return t.withStatus(entry), nil
}

func (t *tx) GetEntryForUpdate(ctx context.Context, companyID, id int64) (accounting.JournalEntry, error) {
	return t.GetEntry(ctx, companyID, id)
}

func (t *tx) ListEntries(ctx context.Context, companyID int64, filter accounting.EntryFilter) ([]accounting.JournalEntry, error) {
	var out []accounting.JournalEntry
	for _, entry := range t.st.entries {
		if entry.CompanyID != companyID {
			continue
		}
		entry = t.withStatus(entry)
		if !filter.Match(entry) {
			continue
		}
		entry.Lines = slices.Clone(entry.Lines)
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// withStatus derives REVERSED from reversal links; stored headers stay POSTED.
func (t *tx) withStatus(entry accounting.JournalEntry) accounting.JournalEntry {
	if entry.Status != accounting.JournalStatusPosted {
		return entry
	}
	for _, link := range t.st.links {
		if link.OriginalEntryID == entry.ID && link.Kind.Reverses() {
			entry.Status = accounting.JournalStatusReversed
			break
		}
	}
	return entry
}

func (t *tx) MarkEntryPosted(ctx context.Context, entry accounting.JournalEntry) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.st.entries[entry.ID]
	if !ok || existing.CompanyID != entry.CompanyID {
		return accounting.ErrJournalNotFound
	}
	if existing.Status != accounting.JournalStatusDraft {
		return accounting.ErrInvalidStatus
	}
	existing.Status = accounting.JournalStatusPosted
	existing.Number = entry.Number
	existing.FiscalYearID = entry.FiscalYearID
	existing.PeriodID = entry.PeriodID
	existing.PostedBy = entry.PostedBy
	existing.PostedAt = entry.PostedAt
	t.st.entries[entry.ID] = existing
	return nil
}

func (t *tx) DeleteDraft(ctx context.Context, companyID, id int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.st.entries[id]
	if !ok || existing.CompanyID != companyID {
		return accounting.ErrJournalNotFound
	}
	if existing.Status != accounting.JournalStatusDraft {
		return accounting.ErrInvalidStatus
	}
	delete(t.st.entries, id)
	return nil
}

func (t *tx) InsertPostings(ctx context.Context, postings []accounting.Posting) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, posting := range postings {
		posting.ID = t.st.id()
		t.st.postings = append(t.st.postings, posting)
	}
	return nil
}

func (t *tx) ListPostings(ctx context.Context, companyID int64, filter accounting.PostingFilter) ([]accounting.Posting, error) {
	var out []accounting.Posting
	for _, posting := range t.st.postings {
		if posting.CompanyID == companyID && filter.Match(posting) {
			out = append(out, posting)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) CountPostings(ctx context.Context, companyID int64, filter accounting.PostingFilter) (int64, error) {
	var count int64
	for _, posting := range t.st.postings {
		if posting.CompanyID == companyID && filter.Match(posting) {
			count++
		}
	}
	return count, nil
}
